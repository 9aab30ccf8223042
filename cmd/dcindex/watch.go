package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dcindex/internal/filedb"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the search database in sync with the stored listings",
	Long: `Watch rebuilds the search database whenever a new listing or index
lands in the data directory, with a periodic full rebuild as a
fallback. Meant to run alongside "dcindex run".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return filedb.Watch(ctx, dataDir, watchInterval)
	},
}

var watchInterval time.Duration

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Hour, "periodic full rebuild interval")
}
