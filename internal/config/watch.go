package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// ApplyLogLevels pushes the configured log levels onto the go-log registry.
func ApplyLogLevels(c Config) {
	if err := logging.SetLogLevel("*", c.Log.Level); err != nil {
		log.Warnf("set default log level %q: %v", c.Log.Level, err)
	}
	for name, level := range c.Log.Subsystems {
		if err := logging.SetLogLevel(name, level); err != nil {
			log.Warnf("set log level %s=%q: %v", name, level, err)
		}
	}
}

// Watch re-reads path whenever it changes and calls onReload with the new
// config. Log levels are re-applied automatically; everything else is up to
// the callback (most settings only take effect on restart). The returned
// stop func detaches the watcher.
func Watch(path string, onReload func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	base := filepath.Base(path)
	go func() {
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(evt.Name) != base {
					continue
				}
				if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
					continue
				}
				c, err := Load(path)
				if err != nil {
					log.Warnf("config reload skipped: %v", err)
					continue
				}
				ApplyLogLevels(c)
				log.Infof("config reloaded from %s", path)
				if onReload != nil {
					onReload(c)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }, nil
}
