// Package watcher detects the new task files dropped in a directory.
package watcher

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/log"
)

// Seen is the set of file names the watcher has already reported. It's owned by a
// single watcher.
type Seen struct {
	mu    sync.Mutex
	names map[string]struct{}
}

// NewSeen returns a seen set with the initial names.
func NewSeen(names ...string) *Seen {
	s := &Seen{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		s.names[n] = struct{}{}
	}
	return s
}

// Has returns true if the name has been seen.
func (s *Seen) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok
}

// replace sets the current listing as the seen state and returns the names that
// were not seen before, sorted.
func (s *Seen) replace(current []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]struct{}, len(current))
	added := []string{}
	for _, n := range current {
		next[n] = struct{}{}
		if _, ok := s.names[n]; !ok {
			added = append(added, n)
		}
	}
	s.names = next
	sort.Strings(added)

	return added
}

// Dispatcher handles a newly detected file.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string) error
}

// DispatcherFunc is a helper to use functions as dispatchers.
type DispatcherFunc func(ctx context.Context, name string) error

func (f DispatcherFunc) Dispatch(ctx context.Context, name string) error { return f(ctx, name) }

// WatcherConfig is the configuration of the watcher.
type WatcherConfig struct {
	// Dir is the watched directory.
	Dir        string
	Dispatcher Dispatcher
	// Seen is the initial seen state, a new empty one is used when missing so the
	// files already present are reported on the first poll.
	Seen     *Seen
	Interval time.Duration
	Logger   log.Logger
}

func (c *WatcherConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Dispatcher == nil {
		return fmt.Errorf("dispatcher is required")
	}
	if c.Seen == nil {
		c.Seen = NewSeen()
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "watcher.Watcher"})
	return nil
}

// Watcher polls a directory and dispatches every new file once.
type Watcher struct {
	dir        string
	dispatcher Dispatcher
	seen       *Seen
	interval   time.Duration
	logger     log.Logger
}

// NewWatcher returns a new watcher.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Watcher{
		dir:        cfg.Dir,
		dispatcher: cfg.Dispatcher,
		seen:       cfg.Seen,
		interval:   cfg.Interval,
		logger:     cfg.Logger,
	}, nil
}

// SeedFromDir returns a seen state with the current contents of the directory, used
// to ignore the files that were already there.
func SeedFromDir(dir string) (*Seen, error) {
	names, err := listFiles(dir)
	if err != nil {
		return nil, err
	}
	return NewSeen(names...), nil
}

// Poll returns the files that appeared since the previous poll. A file is reported
// again only if it disappeared and came back.
func (w *Watcher) Poll(ctx context.Context) ([]string, error) {
	names, err := listFiles(w.dir)
	if err != nil {
		return nil, err
	}

	return w.seen.replace(names), nil
}

// Dispatch hands a detected file to the dispatcher. Errors are logged, the file stays seen.
func (w *Watcher) Dispatch(ctx context.Context, name string) {
	if err := w.dispatcher.Dispatch(ctx, name); err != nil {
		w.logger.Errorf("Could not dispatch %s: %s", name, err)
		return
	}
	w.logger.Debugf("Dispatched %s", name)
}

// PollAndDispatch polls once and dispatches every new file.
func (w *Watcher) PollAndDispatch(ctx context.Context) error {
	names, err := w.Poll(ctx)
	if err != nil {
		return err
	}

	for _, n := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.Dispatch(ctx, n)
	}

	return nil
}

// Run polls on every interval until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Infof("Watching %s every %s", w.dir, w.interval)

	t := time.NewTicker(w.interval)
	defer t.Stop()

	for {
		if err := w.PollAndDispatch(ctx); err != nil && ctx.Err() == nil {
			w.logger.Errorf("Could not poll: %s", err)
		}

		select {
		case <-ctx.Done():
			w.logger.Infof("Watcher stopped")
			return nil
		case <-t.C:
		}
	}
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read watched directory: %w", err)
	}

	names := []string{}
	for _, e := range entries {
		if e.IsDir() || !conventions.IsTaskFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}

	return names, nil
}
