package listing

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// A small files.xml.bz2: music/{song.mp3, cover.jpg, flac/album.flac},
// README, archive.tar.gz.
const fixtureHex = "425a68393141592653592e456c9d00003cdf800010500bffe7af8719003ff7df" +
	"703000cb6b0ca349327a9b49a64d069900d1a699006812a4cd24f53d3501ea03" +
	"46d40000000c854c6a1a07a9a34d0d03401a6834349402c65405e14b22b55aef" +
	"d4d723f92498679a725200c420474d9137b7a0e8c544954e38bea9c2289e5822" +
	"4acb3335126304f7deb6ba15b0c9f6240af03c891099366b454bcc8a136a4baa" +
	"86a2d08472e8c0b698c39497203bc2f427e2e365c3ca4af340f6f917d84544a0" +
	"80075d81be1716d73dcd452dfbdc98ab461940f43e5645bc7e04d313f949b217" +
	"e71a044a81e8306121a3b2eb9d32dc0b1810a4a1a41203a80fd0739f93640373" +
	"547f1772453850902e456c9d"

func writeFixture(t *testing.T, dir string) string {
	t.Helper()
	data, err := hex.DecodeString(fixtureHex)
	if err != nil {
		t.Fatalf("decode fixture: %v", err)
	}
	path := filepath.Join(dir, "alice.xml.bz2")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestWalkListsEveryEntry(t *testing.T) {
	path := writeFixture(t, t.TempDir())
	var got []Entry
	err := Walk(path, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []Entry{
		{Name: "music", Ext: "dir"},
		{Name: "song.mp3", Ext: "mp3", Size: 4194304},
		{Name: "cover.jpg", Ext: "jpg", Size: 65536},
		{Name: "flac", Ext: "dir"},
		{Name: "album.flac", Ext: "flac", Size: 33554432},
		{Name: "README", Size: 128},
		{Name: "archive.tar.gz", Ext: "gz", Size: 1048576},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("entries = %+v, want %+v", got, want)
	}
}

func TestWalkMalformedArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.xml.bz2")
	if err := os.WriteFile(path, []byte("not bzip2 at all"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := Walk(path, func(Entry) error { return nil }); err == nil {
		t.Fatalf("expected error for malformed archive")
	}
}

func TestWalkSkipsElementsWithoutName(t *testing.T) {
	xml := `<FileListing><File Size="10"/><File Name="a.txt" Size="1"/></FileListing>`
	var got []Entry
	if err := walk(strings.NewReader(xml), func(e Entry) error {
		got = append(got, e)
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(got) != 1 || got[0].Name != "a.txt" {
		t.Fatalf("entries = %+v", got)
	}
}

func TestExtHeuristic(t *testing.T) {
	cases := []struct{ name, want string }{
		{"song.mp3", "mp3"},
		{"UPPER.MP3", "mp3"},
		{"noext", ""},
		{"trailingdot.", ""},
		{"verylong.extension12", ""},
		{"archive.tar.gz", "gz"},
	}
	for _, tc := range cases {
		if got := extFor(tc.name); got != tc.want {
			t.Fatalf("extFor(%q) = %q, want %q", tc.name, got, tc.want)
		}
	}
}
