package settings

import (
	"context"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the provider whenever its settings file is rewritten.
// Reload failures are logged and keep the previous settings. Watch
// returns when the context is cancelled.
func (p *Provider) Watch(ctx context.Context) error {
	if p.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and config managers
	// replace the file, which drops a direct file watch.
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target, err := filepath.Abs(p.path)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || name != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				log.Printf("settings reload failed, keeping previous settings: %v", err)
				continue
			}
			log.Printf("settings reloaded from %s", p.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("settings watch error: %v", err)
		}
	}
}
