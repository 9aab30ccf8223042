// Package index keeps the durable record of which users have been checked
// and when. The in-memory table is owned by the bot and mutated only under
// its lock; this package itself does no locking.
package index

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"dcindex/internal/debuglog"
	"dcindex/internal/proto"
)

// FileName is the durable index inside the storage directory. One record
// per line: username, last-success epoch seconds, listing filename,
// separated by tabs.
const FileName = "index"

const fieldSep = "\t"

// Record tracks one observed username. Records are created on first sight
// and never deleted within a run.
type Record struct {
	Username  string
	Connected bool

	// Zero means never. LastCheckInitiated is in-memory only; a crash
	// mid-check must not suppress the next re-check.
	LastCheckInitiated time.Time
	LastCheckCompleted time.Time

	// FinalPath is where the downloaded listing lands; TempPath is the
	// staging file renamed over it on completion.
	FinalPath string
	TempPath  string
}

type Index struct {
	dir      string
	path     string
	tempPath string
	table    map[string]*Record
}

func New(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	return &Index{
		dir:      dir,
		path:     path,
		tempPath: path + ".temp",
		table:    make(map[string]*Record),
	}, nil
}

func (ix *Index) Find(name string) *Record {
	return ix.table[name]
}

// Create adds a record for a first-seen username. A name containing the
// field separator cannot be persisted as a single line and yields nil.
// Creating the same name twice is a bug in the caller.
func (ix *Index) Create(name string) *Record {
	if _, ok := ix.table[name]; ok {
		panic("index: duplicate create for " + name)
	}
	if strings.Contains(name, fieldSep) {
		return nil
	}
	final := filepath.Join(ix.dir, proto.SanitizeNick(name)+".xml.bz2")
	rec := &Record{
		Username:  name,
		FinalPath: final,
		TempPath:  final + ".temp",
	}
	ix.table[name] = rec
	return rec
}

// Entry is one persisted index line.
type Entry struct {
	Username    string
	CompletedAt int64
	Filename    string
}

// ReadFile parses a persisted index file. Malformed lines are skipped; the
// save path never produces them, but a hand-edited file should not take the
// process down.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(strings.TrimRight(sc.Text(), "\r\n"), fieldSep)
		if len(fields) != 3 {
			debuglog.Debugf("index: skipping malformed line %q", sc.Text())
			continue
		}
		completed, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			debuglog.Debugf("index: skipping line with bad timestamp %q", sc.Text())
			continue
		}
		out = append(out, Entry{Username: fields[0], CompletedAt: completed, Filename: fields[2]})
	}
	return out, sc.Err()
}

// Load replaces the table from the durable file. A record whose listing
// file is missing on disk is kept but loses its completed timestamp, so it
// is re-checked immediately; re-downloading is the safe recovery from a
// partial prior run.
func (ix *Index) Load() error {
	ix.table = make(map[string]*Record)
	entries, err := ReadFile(ix.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		rec := ix.Create(e.Username)
		if rec == nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(ix.dir, e.Filename)); err == nil {
			rec.LastCheckCompleted = time.Unix(e.CompletedAt, 0)
		} else {
			debuglog.Logf("index: listing for %s missing, forcing re-check", e.Username)
		}
	}
	return nil
}

// Save writes every completed record, sorted by username, to a temp file
// and renames it over the durable file. Readers only ever observe a fully
// written index.
func (ix *Index) Save() error {
	names := make([]string, 0, len(ix.table))
	for name, rec := range ix.table {
		if !rec.LastCheckCompleted.IsZero() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	f, err := os.OpenFile(ix.tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, name := range names {
		rec := ix.table[name]
		line := fmt.Sprintf("%s\t%d\t%s\n", rec.Username, rec.LastCheckCompleted.Unix(), filepath.Base(rec.FinalPath))
		if _, err := w.WriteString(line); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(ix.tempPath, ix.path); err != nil {
		return err
	}
	syncDir(ix.path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}

// Path returns the durable file location, for consumers that read the
// persisted copy directly.
func (ix *Index) Path() string {
	return ix.path
}

func (ix *Index) Len() int {
	return len(ix.table)
}
