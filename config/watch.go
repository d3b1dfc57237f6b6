package config

import (
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SessionConfigWatcher watches a YAML file holding the server's default
// SessionConfig (max_transfer_bytes, ping_delay) and reloads it on write,
// so an operator can retune new-session defaults without restarting the
// process. Already-accepted sessions are unaffected — SessionConfig is
// frozen per-session once the accept hook returns.
type SessionConfigWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	onLoad  func(SessionConfig)
}

// WatchSessionConfig starts watching path and invokes onLoad once
// immediately with the current contents, then again on every write. The
// returned watcher must be closed by the caller.
func WatchSessionConfig(path string, onLoad func(SessionConfig)) (*SessionConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	scw := &SessionConfigWatcher{path: path, watcher: w, onLoad: onLoad}
	if cfg, err := scw.read(); err == nil {
		onLoad(cfg)
	} else {
		slog.Warn("session config watcher: initial read failed", "path", path, "error", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}

	go scw.loop()
	return scw, nil
}

func (w *SessionConfigWatcher) read() (SessionConfig, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return SessionConfig{}, err
	}
	cfg := DefaultSessionConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return SessionConfig{}, err
	}
	return cfg, nil
}

func (w *SessionConfigWatcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := w.read()
			if err != nil {
				slog.Warn("session config watcher: reload failed", "path", w.path, "error", err)
				continue
			}
			slog.Info("session config reloaded",
				"path", w.path,
				"max_transfer_bytes", cfg.MaxTransferBytes,
				"ping_delay", cfg.PingDelay,
			)
			w.onLoad(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("session config watcher error", "error", err)
		}
	}
}

// Close stops the watcher.
func (w *SessionConfigWatcher) Close() error {
	return w.watcher.Close()
}
