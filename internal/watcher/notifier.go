package watcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Kind is the type of a filesystem notification
type Kind int

const (
	// Modified means data was written to the file, or the path was created
	Modified Kind = iota
	// Deleted means the file was unlinked
	Deleted
	// MovedSelf means the file was renamed away from its path
	MovedSelf
	// DeletedSelf means the directory holding the file went away
	DeletedSelf
)

func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case MovedSelf:
		return "moved"
	case DeletedSelf:
		return "deleted_self"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is a notification about a subscribed path
type Event struct {
	Kind Kind
	Path string
}

// Notifier delivers filesystem events for subscribed paths
type Notifier interface {
	// Subscribe delivers events for path
	Subscribe(path string) error

	// Unsubscribe stops events for path
	Unsubscribe(path string) error

	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// FSNotifier implements Notifier on fsnotify. It watches the parent
// directory of each path so that a path which is deleted or renamed and
// later recreated keeps producing events.
type FSNotifier struct {
	watcher *fsnotify.Watcher
	events  chan Event
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	paths map[string]string // path -> directory
	dirs  map[string]int    // directory -> subscribed paths
}

// NewFSNotifier creates an fsnotify-backed notifier
func NewFSNotifier() (*FSNotifier, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	n := &FSNotifier{
		watcher: watcher,
		events:  make(chan Event, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
		paths:   make(map[string]string),
		dirs:    make(map[string]int),
	}

	n.wg.Add(1)
	go n.loop()

	return n, nil
}

// Subscribe watches path. Its directory must exist.
func (n *FSNotifier) Subscribe(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.paths[path]; ok {
		return nil
	}

	if n.dirs[dir] == 0 {
		if err := n.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	n.paths[path] = dir
	n.dirs[dir]++
	return nil
}

// Unsubscribe stops watching path
func (n *FSNotifier) Unsubscribe(path string) error {
	path = filepath.Clean(path)

	n.mu.Lock()
	defer n.mu.Unlock()

	dir, ok := n.paths[path]
	if !ok {
		return nil
	}
	delete(n.paths, path)

	n.dirs[dir]--
	if n.dirs[dir] > 0 {
		return nil
	}
	delete(n.dirs, dir)

	if err := n.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return fmt.Errorf("failed to unwatch %s: %w", dir, err)
	}
	return nil
}

// Events returns the event channel
func (n *FSNotifier) Events() <-chan Event {
	return n.events
}

// Errors returns the error channel
func (n *FSNotifier) Errors() <-chan error {
	return n.errors
}

// Close stops the notifier
func (n *FSNotifier) Close() error {
	close(n.done)
	err := n.watcher.Close()
	n.wg.Wait()
	return err
}

func (n *FSNotifier) loop() {
	defer n.wg.Done()

	for {
		select {
		case <-n.done:
			return

		case ev, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			for _, out := range n.translate(ev) {
				select {
				case n.events <- out:
				case <-n.done:
					return
				}
			}

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			select {
			case n.errors <- err:
			case <-n.done:
				return
			}
		}
	}
}

// translate maps an fsnotify event to events on subscribed paths
func (n *FSNotifier) translate(ev fsnotify.Event) []Event {
	name := filepath.Clean(ev.Name)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.dirs[name] > 0 && (ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)) {
		// The kernel drops the watch with a removed directory but keeps it
		// on a renamed one
		delete(n.dirs, name)
		if ev.Has(fsnotify.Rename) {
			if err := n.watcher.Remove(name); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
				select {
				case n.errors <- fmt.Errorf("failed to unwatch %s: %w", name, err):
				default:
				}
			}
		}
		var out []Event
		for path, dir := range n.paths {
			if dir == name {
				delete(n.paths, path)
				out = append(out, Event{Kind: DeletedSelf, Path: path})
			}
		}
		return out
	}

	if _, ok := n.paths[name]; !ok {
		return nil
	}

	switch {
	case ev.Has(fsnotify.Remove):
		return []Event{{Kind: Deleted, Path: name}}
	case ev.Has(fsnotify.Rename):
		return []Event{{Kind: MovedSelf, Path: name}}
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Create):
		return []Event{{Kind: Modified, Path: name}}
	default:
		// Chmod
		return nil
	}
}
