package attachments

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), time.Hour, time.Hour)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	text := "here you go " + Token("/data/attachments/out.png") + " enjoy"
	paths, stripped := ExtractTokens(text)
	if len(paths) != 1 || paths[0] != "/data/attachments/out.png" {
		t.Errorf("paths: %v", paths)
	}
	if stripped != "here you go  enjoy" && stripped != "here you go enjoy" {
		t.Errorf("stripped: %q", stripped)
	}
}

func TestExtractTokensNone(t *testing.T) {
	paths, stripped := ExtractTokens("no tokens here")
	if paths != nil {
		t.Errorf("paths: %v", paths)
	}
	if stripped != "no tokens here" {
		t.Errorf("stripped: %q", stripped)
	}
}

func TestResolveInsideDir(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(s.Dir(), "photo.jpg")
	os.WriteFile(path, []byte("img"), 0600)

	got, err := s.Resolve(path)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != path {
		t.Errorf("got %q, want %q", got, path)
	}

	// Relative names resolve against the sanctioned directory.
	got, err = s.Resolve("photo.jpg")
	if err != nil || got != path {
		t.Errorf("relative resolve: %q, %v", got, err)
	}
}

func TestResolveRejectsOutsidePaths(t *testing.T) {
	s := newTestStore(t)
	for _, bad := range []string{
		"/etc/passwd",
		"../../../etc/passwd",
		filepath.Join(s.Dir(), "..", "escape.txt"),
	} {
		if _, err := s.Resolve(bad); err == nil {
			t.Errorf("Resolve(%q) should be rejected", bad)
		}
	}
}

func TestSweepOrphansRemovesOld(t *testing.T) {
	s := newTestStore(t)

	old := filepath.Join(s.Dir(), "old.bin")
	os.WriteFile(old, []byte("x"), 0600)
	stale := time.Now().Add(-2 * time.Hour)
	os.Chtimes(old, stale, stale)

	fresh := filepath.Join(s.Dir(), "fresh.bin")
	os.WriteFile(fresh, []byte("x"), 0600)

	s.SweepOrphans()

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale orphan not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file removed by sweep")
	}
}
