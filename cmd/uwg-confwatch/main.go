// Command uwg-confwatch watches an external config file and logs when
// it changes. The daemon itself never reloads configuration at
// runtime, so this is purely an operator aid for the foreground (-d)
// case: it tells a human (or a supervising script) that uwg needs a
// restart to pick up an edit, rather than silently drifting out of
// sync with the file on disk.
package main

import (
	"flag"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

func main() {
	path := flag.String("f", "", "config file path to watch")
	flag.Parse()
	if *path == "" {
		log.Fatal("confwatch: -f is required")
	}

	if err := run(*path); err != nil {
		log.Fatalf("confwatch: %v", err)
	}
}

// run watches the config file's directory, not the file itself: a
// config editor's atomic write (write-temp, rename-over) replaces the
// inode a direct file watch would have been attached to, silently
// losing the watch.
func run(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	log.Printf("confwatch: watching %s for changes to %s", dir, name)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				log.Printf("confwatch: %s changed (op=%s) — uwg must be restarted to pick this up", path, event.Op)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("confwatch: watch error: %v", err)
		}
	}
}
