package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a policy file into a Store whenever it changes on
// disk. Parse failures keep the previous policy and are logged; a
// half-written file must never knock the runtime into the zero config.
type Watcher struct {
	w        *fsnotify.Watcher
	path     string
	store    *Store
	done     chan struct{}
	onReload func(Config)
}

// Watch starts watching path and applying updates to store. onReload,
// when non-nil, is called after each successful reload.
func Watch(path string, store *Store, onReload func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files rather than write in
	// place, and a watch on the old inode would go stale.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		w:        fw,
		path:     filepath.Clean(path),
		store:    store,
		done:     make(chan struct{}),
		onReload: onReload,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := LoadFile(w.path)
			if err != nil {
				log.Printf("vigil: config reload failed: %v", err)
				continue
			}
			w.store.Set(cfg)
			if w.onReload != nil {
				w.onReload(cfg)
			}
		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	err := w.w.Close()
	<-w.done
	return err
}
