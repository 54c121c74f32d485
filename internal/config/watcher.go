package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchCredentials watches the credentials file and invokes onChange with the
// freshly loaded credentials whenever it is rewritten, so a long-running
// client picks up a token refreshed by `pineai auth login` elsewhere. The
// next transport reconnect uses the new token.
//
// The watch is on the data directory rather than the file itself because the
// save path is write-temp-then-rename, which replaces the inode.
func WatchCredentials(ctx context.Context, dataDir string, onChange func(*Credentials)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dataDir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Base(CredentialsPath(dataDir))

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
					continue
				}
				creds, err := LoadCredentials(dataDir)
				if err != nil {
					slog.Warn("reload credentials failed", "error", err)
					continue
				}
				onChange(creds)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("credentials watcher error", "error", err)
			}
		}
	}()
	return nil
}
