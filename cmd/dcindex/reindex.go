package main

import (
	"github.com/spf13/cobra"

	"dcindex/internal/filedb"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search database from the stored listings once",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return filedb.Rebuild(dataDir)
	},
}
