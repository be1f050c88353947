package limits

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"webpilot/internal/logging"
	"webpilot/internal/types"
)

// LoadFunc re-reads platform ceilings from a config path.
type LoadFunc func(path string) (types.PlatformLimits, error)

// Watch reloads the platform ceilings whenever the config file changes.
// This is the "explicit reload" path; ceilings are otherwise fixed for
// the process lifetime. Blocks until ctx is cancelled.
func (p *Platform) Watch(ctx context.Context, path string, load LoadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	log := logging.Get(logging.CategoryLimits)
	log.Info("watching platform limits config", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			pl, err := load(path)
			if err != nil {
				log.Warn("platform limits reload failed, keeping current ceilings",
					zap.String("path", path), zap.Error(err))
				continue
			}
			p.Reload(pl)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("limits config watcher error", zap.Error(err))
		}
	}
}
