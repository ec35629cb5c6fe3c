package watch

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce collapses the bursts of Write/Create events editors emit
// when saving a file.
const debounce = 500 * time.Millisecond

// Files watches a set of files and invokes onChange with the path after
// each settled modification. Missing files are picked up when created,
// since the watch is on the parent directory.
func Files(ctx context.Context, paths []string, onChange func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	watched := make(map[string]bool, len(paths))
	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		watched[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			log.Printf("⚠️ [WATCH] Cannot watch %s: %v", dir, err)
		}
	}

	go func() {
		defer w.Close()
		pending := make(map[string]*time.Timer)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				abs, err := filepath.Abs(ev.Name)
				if err != nil || !watched[abs] {
					continue
				}
				if t, ok := pending[abs]; ok {
					t.Stop()
				}
				path := abs
				pending[abs] = time.AfterFunc(debounce, func() { onChange(path) })
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("⚠️ [WATCH] Watcher error: %v", err)
			}
		}
	}()
	return nil
}
