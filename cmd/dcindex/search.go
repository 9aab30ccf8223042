package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"dcindex/internal/filedb"
	"dcindex/internal/listing"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the collected listings",
	Long: `Search matches the query against every indexed file. Free words match
substrings of the file name, case-insensitively. Operators narrow the
result set:

  ext:mp3,flac          only these extensions ("dir" matches directories)
  user:somebody         only files shared by this user
  size:1000..5000000    only files in this size range, in bytes

Examples:
  dcindex search some album ext:flac
  dcindex search user:alice size:100000000..900000000`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

var searchLimit int

func init() {
	searchCmd.Flags().IntVar(&searchLimit, "limit", 100, "maximum number of results")
}

func runSearch(cmd *cobra.Command, args []string) error {
	q, err := filedb.ParseQuery(strings.Join(args, " "))
	if err != nil {
		return err
	}
	db, err := filedb.Open(filepath.Join(dataDir, filedb.FileName))
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := db.Search(q, searchLimit)
	if err != nil {
		return err
	}
	for _, r := range results {
		size := humanize.IBytes(uint64(r.Size))
		if r.Ext == listing.DirExt {
			size = "<dir>"
		}
		seen := time.Unix(r.SeenTime, 0).Format("2006-01-02 15:04")
		fmt.Printf("%-10s %-20s %s  (%s, seen %s)\n", size, r.Username, r.Name, r.Ext, seen)
	}
	if len(results) == 0 {
		fmt.Println("no matches")
	}
	return nil
}
