package attachments

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Token wraps a stored attachment path for embedding in prompts and
// agent replies.
func Token(path string) string {
	return "[[attachment:" + path + "]]"
}

// tokenPattern extracts attachment tokens from agent output.
var tokenPattern = regexp.MustCompile(`\[\[attachment:([^\]]+)\]\]`)

// ExtractTokens returns the paths inside attachment tokens and the
// text with the tokens removed.
func ExtractTokens(text string) ([]string, string) {
	var paths []string
	for _, m := range tokenPattern.FindAllStringSubmatch(text, -1) {
		paths = append(paths, strings.TrimSpace(m[1]))
	}
	stripped := strings.TrimSpace(tokenPattern.ReplaceAllString(text, ""))
	return paths, stripped
}

// Store keeps downloaded media under one sanctioned directory and
// reaps files past their TTL. Paths outside the directory are rejected.
type Store struct {
	dir     string
	ttl     time.Duration
	tracked *cache.Cache
}

// NewStore creates the attachment directory and starts the TTL tracker.
// go-cache's eviction callback removes the file when its entry expires.
func NewStore(stateDir string, ttl, cleanupInterval time.Duration) (*Store, error) {
	dir := filepath.Join(stateDir, "attachments")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}

	tracked := cache.New(ttl, cleanupInterval)
	tracked.OnEvicted(func(path string, _ any) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("⚠️ [ATTACHMENTS] Remove expired %s: %v", path, err)
		} else {
			log.Printf("🧹 [ATTACHMENTS] Reaped expired %s", path)
		}
	})

	return &Store{dir: dir, ttl: ttl, tracked: tracked}, nil
}

// Dir returns the sanctioned attachment directory.
func (s *Store) Dir() string { return s.dir }

// Track registers a downloaded file for TTL reaping.
func (s *Store) Track(path string) {
	s.tracked.Set(path, struct{}{}, cache.DefaultExpiration)
}

// Resolve validates that a path refers to a file inside the sanctioned
// directory. Relative paths, traversal, and outside paths are rejected.
func (s *Store) Resolve(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, s.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("attachment path %q is outside the attachment directory", path)
	}
	if _, err := os.Stat(clean); err != nil {
		return "", fmt.Errorf("attachment %q: %w", path, err)
	}
	return clean, nil
}

// SweepOrphans removes files in the directory older than the TTL that
// lost their tracker entry, e.g. across restarts.
func (s *Store) SweepOrphans() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Printf("⚠️ [ATTACHMENTS] Sweep: %v", err)
		return
	}
	cutoff := time.Now().Add(-s.ttl)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if _, tracked := s.tracked.Get(path); tracked {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				log.Printf("⚠️ [ATTACHMENTS] Remove orphan %s: %v", path, err)
			}
		} else {
			// Young orphan: re-track with remaining lifetime.
			s.tracked.Set(path, struct{}{}, time.Until(info.ModTime().Add(s.ttl)))
		}
	}
}
