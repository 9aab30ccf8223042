// Package filedb maintains the queryable sqlite database built from
// downloaded listing files. Rebuilds write a temp database and rename it
// over the final one, so search readers never observe a half-built index.
package filedb

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"
	_ "modernc.org/sqlite"

	"dcindex/internal/debuglog"
	"dcindex/internal/index"
	"dcindex/internal/listing"
)

// FileName is the sqlite database inside the storage directory.
const FileName = "index.sqlite"

const tempSuffix = ".temp"

type DB struct {
	db *sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func createSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE files (
			name      TEXT NOT NULL,
			name_low  TEXT NOT NULL,
			ext       TEXT NOT NULL,
			size      INTEGER NOT NULL,
			username  TEXT NOT NULL,
			seen_time INTEGER NOT NULL
		)`,
		`CREATE INDEX files_name_low ON files(name_low)`,
		`CREATE INDEX files_ext ON files(ext)`,
		`CREATE TABLE listings (
			username  TEXT PRIMARY KEY,
			seen_time INTEGER NOT NULL,
			digest    TEXT NOT NULL,
			files     INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild scans the persisted user index in dir and all listing files it
// names, building a fresh database. A user whose listing fails to decode is
// skipped; one corrupt archive must not block the rest.
func Rebuild(dir string) error {
	final := filepath.Join(dir, FileName)
	temp := final + tempSuffix
	if err := os.Remove(temp); err != nil && !os.IsNotExist(err) {
		return err
	}

	entries, err := index.ReadFile(filepath.Join(dir, index.FileName))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	db, err := sql.Open("sqlite", temp)
	if err != nil {
		return err
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return err
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Filename)
		if err := rebuildUser(db, e, path); err != nil {
			debuglog.Logf("filedb: skipping %s: %v", e.Username, err)
		}
	}
	if err := db.Close(); err != nil {
		return err
	}
	if err := os.Rename(temp, final); err != nil {
		return err
	}
	debuglog.Logf("filedb: reindexed %d users into %s", len(entries), final)
	return nil
}

func rebuildUser(db *sql.DB, e index.Entry, path string) error {
	digest, err := fileDigest(path)
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO files VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	count := 0
	err = listing.Walk(path, func(ent listing.Entry) error {
		count++
		_, err := stmt.Exec(ent.Name, strings.ToLower(ent.Name), ent.Ext, ent.Size, e.Username, e.CompletedAt)
		return err
	})
	if err == nil {
		_, err = tx.Exec(`INSERT INTO listings VALUES (?, ?, ?, ?)`,
			e.Username, e.CompletedAt, digest, count)
	}
	stmt.Close()
	if err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha3.New256()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Listing summarizes one user's row in the listings table.
type Listing struct {
	Username string
	SeenTime int64
	Digest   string
	Files    int64
}

func (d *DB) Listings() ([]Listing, error) {
	rows, err := d.db.Query(`SELECT username, seen_time, digest, files FROM listings ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.Username, &l.SeenTime, &l.Digest, &l.Files); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Query is a parsed search request.
type Query struct {
	Terms []string
	Exts  []string
	Users []string

	// MinSize/MaxSize bound file size when SizeSet.
	SizeSet bool
	MinSize int64
	MaxSize int64
}

// ParseQuery understands the search grammar: free terms match substrings of
// the lowercased name, ext:/type: take comma lists, user: filters by owner,
// size:min..max bounds the size in bytes.
func ParseQuery(s string) (Query, error) {
	var q Query
	for _, word := range strings.Fields(strings.ToLower(s)) {
		switch {
		case hasAnyPrefix(word, "ext:", "type:", "filetype:", "fileext:"):
			word = word[strings.Index(word, ":")+1:]
			for _, e := range strings.Split(word, ",") {
				if e != "" {
					q.Exts = append(q.Exts, e)
				}
			}
		case strings.HasPrefix(word, "user:"):
			if u := word[5:]; u != "" {
				q.Users = append(q.Users, u)
			}
		case strings.HasPrefix(word, "size:"):
			var lo, hi int64
			if _, err := fmt.Sscanf(word, "size:%d..%d", &lo, &hi); err != nil {
				return Query{}, fmt.Errorf("size operator wants size:min..max, got %q", word)
			}
			q.SizeSet = true
			q.MinSize = lo
			q.MaxSize = hi
		default:
			q.Terms = append(q.Terms, word)
		}
	}
	return q, nil
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

type Result struct {
	Name     string
	Ext      string
	Size     int64
	Username string
	SeenTime int64
}

// Search runs a parsed query. Limit caps the result count; zero means a
// default page of 100.
func (d *DB) Search(q Query, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 100
	}
	var clauses []string
	var args []any
	for _, term := range q.Terms {
		clauses = append(clauses, "name_low LIKE ?")
		args = append(args, "%"+term+"%")
	}
	if len(q.Exts) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(q.Exts)), ",")
		clauses = append(clauses, "ext IN ("+ph+")")
		for _, e := range q.Exts {
			args = append(args, e)
		}
	}
	if len(q.Users) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(q.Users)), ",")
		clauses = append(clauses, "lower(username) IN ("+ph+")")
		for _, u := range q.Users {
			args = append(args, u)
		}
	}
	if q.SizeSet {
		clauses = append(clauses, "size BETWEEN ? AND ?")
		args = append(args, q.MinSize, q.MaxSize)
	}
	sqlText := `SELECT name, ext, size, username, seen_time FROM files`
	if len(clauses) > 0 {
		sqlText += " WHERE " + strings.Join(clauses, " AND ")
	}
	sqlText += " ORDER BY size DESC, name_low LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Name, &r.Ext, &r.Size, &r.Username, &r.SeenTime); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
