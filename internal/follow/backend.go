package follow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logview/internal/domain"
)

// EventKind is the kind of change observed on a followed file
type EventKind uint8

const (
	Modified EventKind = iota + 1
	Renamed
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a change notification for one tracked path
type Event struct {
	Path string
	Kind EventKind
}

// Backend delivers change events for a set of files regardless of the OS mechanism
type Backend interface {
	Add(path string) error
	Events() <-chan Event
	Errors() <-chan error
	Close() error
}

// Backend names accepted by NewBackend
const (
	BackendAuto     = "auto"
	BackendFsnotify = "fsnotify"
	BackendPoll     = "poll"
)

// eventQueue bounds the events buffered between a backend and the follower
const eventQueue = 256

// NewBackend creates the named backend. "auto" prefers OS notifications and
// falls back to polling when they are unavailable.
func NewBackend(kind string, interval time.Duration) (Backend, error) {
	switch kind {
	case BackendPoll:
		return newPollBackend(interval), nil
	case BackendFsnotify:
		b, err := newFsnotifyBackend()
		if err != nil {
			return nil, &domain.WatchError{Backend: BackendFsnotify, Err: err}
		}
		return b, nil
	case BackendAuto, "":
		b, err := newFsnotifyBackend()
		if err != nil {
			log.Warn().
				Err(&domain.WatchError{Backend: BackendFsnotify, Err: err}).
				Dur("interval", interval).
				Msg("Falling back to polling")
			return newPollBackend(interval), nil
		}
		return b, nil
	}
	return nil, &domain.ConfigurationError{
		Field: "watch backend",
		Value: kind,
		Err:   fmt.Errorf("use any of %s, %s, %s", BackendAuto, BackendFsnotify, BackendPoll),
	}
}

// fsnotifyBackend watches the parent directories of tracked files, so
// rotation by rename and re-creation are seen as well as writes.
type fsnotifyBackend struct {
	w *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]bool
	dirs  map[string]bool

	events chan Event
	errors chan error
	done   chan struct{}
	once   sync.Once
}

func newFsnotifyBackend() (*fsnotifyBackend, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	b := &fsnotifyBackend{
		w:      w,
		files:  make(map[string]bool),
		dirs:   make(map[string]bool),
		events: make(chan Event, eventQueue),
		errors: make(chan error, 16),
		done:   make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

func (b *fsnotifyBackend) Add(path string) error {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirs[dir] {
		if err := b.w.Add(dir); err != nil {
			return &domain.WatchError{Backend: BackendFsnotify, Err: fmt.Errorf("failed to watch %s: %w", dir, err)}
		}
		b.dirs[dir] = true
	}
	b.files[path] = true
	return nil
}

func (b *fsnotifyBackend) tracked(path string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.files[filepath.Clean(path)]
}

func (b *fsnotifyBackend) loop() {
	defer close(b.events)
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.w.Events:
			if !ok {
				return
			}
			if !b.tracked(ev.Name) {
				continue
			}
			var kind EventKind
			switch {
			case ev.Op&fsnotify.Remove != 0:
				kind = Removed
			case ev.Op&fsnotify.Rename != 0:
				kind = Renamed
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				kind = Modified
			default:
				continue
			}
			select {
			case b.events <- Event{Path: filepath.Clean(ev.Name), Kind: kind}:
			case <-b.done:
				return
			}
		case err, ok := <-b.w.Errors:
			if !ok {
				return
			}
			select {
			case b.errors <- err:
			default:
				log.Debug().Err(err).Msg("Dropped watcher error")
			}
		}
	}
}

func (b *fsnotifyBackend) Events() <-chan Event { return b.events }
func (b *fsnotifyBackend) Errors() <-chan error { return b.errors }

func (b *fsnotifyBackend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		err = b.w.Close()
	})
	return err
}

// pollBackend compares file metadata on a timer
type pollBackend struct {
	interval time.Duration

	mu    sync.Mutex
	files map[string]*pollState

	events chan Event
	errors chan error
	done   chan struct{}
	once   sync.Once
}

type pollState struct {
	info    os.FileInfo // nil while the file is missing
	missing bool
}

func newPollBackend(interval time.Duration) *pollBackend {
	if interval <= 0 {
		interval = time.Second
	}
	b := &pollBackend{
		interval: interval,
		files:    make(map[string]*pollState),
		events:   make(chan Event, eventQueue),
		errors:   make(chan error, 16),
		done:     make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *pollBackend) Add(path string) error {
	path = filepath.Clean(path)
	st := &pollState{}
	info, err := os.Stat(path)
	switch {
	case err == nil:
		st.info = info
	case errors.Is(err, os.ErrNotExist):
		st.missing = true
	default:
		return &domain.WatchError{Backend: BackendPoll, Err: err}
	}
	b.mu.Lock()
	b.files[path] = st
	b.mu.Unlock()
	return nil
}

func (b *pollBackend) loop() {
	defer close(b.events)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			for _, ev := range b.check() {
				select {
				case b.events <- ev:
				case <-b.done:
					return
				}
			}
		}
	}
}

// check stats every tracked file and returns the changes since the last tick
func (b *pollBackend) check() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event
	for path, st := range b.files {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if !st.missing {
					st.missing = true
					st.info = nil
					events = append(events, Event{Path: path, Kind: Removed})
				}
				continue
			}
			select {
			case b.errors <- err:
			default:
			}
			continue
		}

		switch {
		case st.missing || st.info == nil:
			events = append(events, Event{Path: path, Kind: Renamed})
		case !os.SameFile(st.info, info):
			events = append(events, Event{Path: path, Kind: Renamed})
		case info.Size() != st.info.Size() || !info.ModTime().Equal(st.info.ModTime()):
			events = append(events, Event{Path: path, Kind: Modified})
		}
		st.info = info
		st.missing = false
	}
	return events
}

func (b *pollBackend) Events() <-chan Event { return b.events }
func (b *pollBackend) Errors() <-chan error { return b.errors }

func (b *pollBackend) Close() error {
	b.once.Do(func() { close(b.done) })
	return nil
}
