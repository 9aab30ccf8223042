package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName    = "dcindex"
	appVersion = "0.3.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Direct Connect hub bot that collects and indexes user file listings",
	Long: `dcindex joins an NMDC hub as a regular user, downloads the file
listing of every user it sees, and keeps a crash-safe on-disk index of
who shared what and when. A companion sqlite database makes the
collected listings searchable.`,
	Version: appVersion,
}

var dataDir string

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", ".", "directory holding the index and downloaded listings")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(searchCmd)

	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
