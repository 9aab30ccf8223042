package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dcindex/internal/daemon"
	"dcindex/internal/metrics"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a hub and keep the listing index up to date",
	Long: `Run connects to the hub, registers the configured nick and then
stays online: every user on the hub whose listing is missing or stale
gets asked to connect back and hand over files.xml.bz2. Listings and
the index land in the data directory; a metrics snapshot is written
next to them.

The process runs until interrupted. SIGINT and SIGTERM shut it down
after in-flight transfers finish.`,
	Args: cobra.NoArgs,
	RunE: runBot,
}

var runFlags struct {
	hub            string
	port           int
	nick           string
	description    string
	speed          string
	email          string
	recheck        time.Duration
	recheckFailure time.Duration
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.hub, "hub", "", "hub address as host:port (required)")
	f.IntVar(&runFlags.port, "port", 41200, "local TCP port to accept peer connections on")
	f.StringVar(&runFlags.nick, "nick", "dcindex", "nick to register on the hub")
	f.StringVar(&runFlags.description, "description", "listing index bot", "description shown in the hub user list")
	f.StringVar(&runFlags.speed, "speed", "100", "connection speed advertised to the hub")
	f.StringVar(&runFlags.email, "email", "", "email advertised to the hub")
	f.DurationVar(&runFlags.recheck, "recheck", 6*time.Hour, "how long a fetched listing stays fresh")
	f.DurationVar(&runFlags.recheckFailure, "recheck-after-failure", 5*time.Minute, "wait before retrying a user whose transfer failed")
	runCmd.MarkFlagRequired("hub")
}

func runBot(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot, err := daemon.New(daemon.Config{
		HubAddr:        runFlags.hub,
		ListenPort:     runFlags.port,
		Nick:           runFlags.nick,
		Description:    runFlags.description,
		Speed:          runFlags.speed,
		Email:          runFlags.email,
		DataDir:        dataDir,
		Recheck:        runFlags.recheck,
		RecheckFailure: runFlags.recheckFailure,
	}, metrics.New())
	if err != nil {
		return err
	}
	return bot.Run(ctx)
}
