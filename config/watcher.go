package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher reloads the config file when it changes on disk and tells the
// caller whether the client section differs from the previous copy, so the
// adapter can be torn down and recreated with fresh connection settings.
type Watcher struct {
	h  *Handler
	w  *fsnotify.Watcher
	fn func(*Root, bool)

	done chan struct{}
}

// NewWatcher starts watching the handler's file. fn runs on every successful
// reload; its second argument is true when client connection settings changed.
func NewWatcher(h *Handler, fn func(conf *Root, clientChanged bool)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files on save and
	// the inode-level watch would be lost.
	if err := w.Add(filepath.Dir(h.Path())); err != nil {
		w.Close()
		return nil, err
	}

	cw := &Watcher{h: h, w: w, fn: fn, done: make(chan struct{})}
	go cw.loop()
	return cw, nil
}

func (cw *Watcher) loop() {
	l := log.Logger.With().Str("component", "config-watcher").Logger()

	var debounce *time.Timer
	target := filepath.Base(cw.h.Path())

	for {
		select {
		case event, ok := <-cw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				prev, _ := cw.h.Get()
				conf, err := cw.h.Reload()
				if err != nil {
					l.Error().Err(err).Msg("error reloading configuration")
					return
				}
				changed := prev == nil || prev.Client == nil || *prev.Client != *conf.Client
				l.Info().Bool("client_changed", changed).Msg("configuration reloaded")
				cw.fn(conf, changed)
			})
		case err, ok := <-cw.w.Errors:
			if !ok {
				return
			}
			l.Error().Err(err).Msg("watcher error")
		case <-cw.done:
			return
		}
	}
}

func (cw *Watcher) Close() error {
	close(cw.done)
	return cw.w.Close()
}
