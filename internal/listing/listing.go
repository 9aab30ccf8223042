// Package listing decodes downloaded files.xml.bz2 archives: a bzip2
// stream holding an XML tree of Directory and File elements.
package listing

import (
	"compress/bzip2"
	"encoding/xml"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
)

// DirExt marks directory entries in place of a file extension.
const DirExt = "dir"

const maxExtLen = 8

type Entry struct {
	Name string
	Ext  string
	Size int64
}

// Walk streams every entry of a listing archive through fn. Decoding stops
// at the first error fn returns.
func Walk(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return walk(bzip2.NewReader(f), fn)
}

func walk(r io.Reader, fn func(Entry) error) error {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		name, ok := attr(se, "Name")
		if !ok {
			continue
		}
		var entry Entry
		switch se.Name.Local {
		case "Directory":
			entry = Entry{Name: name, Ext: DirExt}
		case "File":
			size, _ := strconv.ParseInt(attrOr(se, "Size", "0"), 10, 64)
			entry = Entry{Name: name, Ext: extFor(name), Size: size}
		default:
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
}

// extFor treats the last dot component as an extension only when it is
// short enough to plausibly be one.
func extFor(name string) string {
	components := strings.Split(name, ".")
	last := components[len(components)-1]
	if len(components) >= 2 && len(last) > 0 && len(last) <= maxExtLen {
		return strings.ToLower(last)
	}
	return ""
}

func attr(se xml.StartElement, name string) (string, bool) {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func attrOr(se xml.StartElement, name, fallback string) string {
	if v, ok := attr(se, name); ok {
		return v
	}
	return fallback
}
