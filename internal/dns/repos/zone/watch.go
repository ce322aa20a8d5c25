package zone

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haukened/rr-gslb/internal/dns/common/log"
)

// DefaultDebounce collapses the burst of events an editor save produces.
const DefaultDebounce = 2 * time.Second

// Watch calls onChange after any of the zone files is written, created,
// removed or renamed, once no further event arrived for debounce. The
// containing directories are watched so files replaced by rename are
// followed. Watch returns when ctx is done.
func Watch(ctx context.Context, zones []Config, debounce time.Duration, logger log.Logger, onChange func()) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer w.Close()

	files := make(map[string]bool, len(zones))
	dirs := make(map[string]bool)
	for _, zc := range zones {
		abs, err := filepath.Abs(zc.Path)
		if err != nil {
			return err
		}
		files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := w.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !files[filepath.Clean(ev.Name)] {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
				ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				logger.Debug(map[string]any{"file": ev.Name, "op": ev.Op.String()}, "zone file changed")
				timer.Reset(debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn(map[string]any{"error": err.Error()}, "zone watcher error")
		case <-timer.C:
			onChange()
		}
	}
}
