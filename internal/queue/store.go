// Package queue is the durable retry queue of the actions that failed with a transient
// error, and the quarantine (dead letter) of the ones that exhausted their retries.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/oklog/ulid/v2"

	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// StoreConfig is the configuration of the queue store.
type StoreConfig struct {
	// Dir is the vault root directory.
	Dir    string
	Clock  func() time.Time
	Logger log.Logger
}

func (c *StoreConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "queue.Store"})
	return nil
}

// Store keeps the queued actions as one JSON file per action. An action is in exactly
// one of the queue, the processing (claimed by a worker) or the quarantine directories,
// it moves between them with renames.
type Store struct {
	queueDir      string
	processingDir string
	quarantineDir string
	clock         func() time.Time
	logger        log.Logger
	// mu serializes the moves in and out of the quarantine.
	mu sync.Mutex
}

// NewStore returns a new queue store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Store{
		queueDir:      filepath.Join(cfg.Dir, conventions.QueueDir),
		processingDir: filepath.Join(cfg.Dir, conventions.QueueDir, conventions.ProcessingDir),
		quarantineDir: filepath.Join(cfg.Dir, conventions.QuarantineDir),
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}

	for _, d := range []string{s.queueDir, s.processingDir, s.quarantineDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("could not create queue directory: %w", err)
		}
	}

	return s, nil
}

// Enqueue durably stores a new action in the queue. The ID, the enqueue time and the
// next attempt time are set when missing.
func (s *Store) Enqueue(ctx context.Context, a model.QueuedAction) (*model.QueuedAction, error) {
	if a.Action == "" {
		return nil, fmt.Errorf("action is required: %w", model.ErrNotValid)
	}

	now := s.clock().UTC()
	if a.ID == "" {
		a.ID = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	}
	if a.EnqueuedAt.IsZero() {
		a.EnqueuedAt = now
	}
	if a.NextAttemptAt.IsZero() {
		a.NextAttemptAt = now
	}
	if a.Args == nil {
		a.Args = []string{}
	}
	if a.Kwargs == nil {
		a.Kwargs = map[string]string{}
	}
	a.QuarantinedAt = nil

	path := s.entryPath(s.queueDir, a.ID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("queued action %s: %w", a.ID, model.ErrAlreadyExists)
	}

	if err := writeEntry(path, a); err != nil {
		return nil, err
	}

	s.logger.Debugf("Action enqueued: %s (%s)", a.ID, a.Action)
	return &a, nil
}

// List returns the actions waiting in the queue (including the claimed ones) ordered
// by their next attempt.
func (s *Store) List(ctx context.Context) ([]model.QueuedAction, error) {
	queued, err := s.readDir(s.queueDir)
	if err != nil {
		return nil, err
	}
	claimed, err := s.readDir(s.processingDir)
	if err != nil {
		return nil, err
	}

	all := append(queued, claimed...)
	sortByNextAttempt(all)
	return all, nil
}

// Due returns the unclaimed actions whose next attempt time has arrived, oldest first.
func (s *Store) Due(ctx context.Context) ([]model.QueuedAction, error) {
	queued, err := s.readDir(s.queueDir)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	due := []model.QueuedAction{}
	for _, a := range queued {
		if !a.NextAttemptAt.After(now) {
			due = append(due, a)
		}
	}
	sortByNextAttempt(due)

	return due, nil
}

// ForTask returns the actions of a task, queued, claimed or quarantined.
func (s *Store) ForTask(ctx context.Context, task string) ([]model.QueuedAction, error) {
	queued, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	quarantined, err := s.ListQuarantined(ctx)
	if err != nil {
		return nil, err
	}

	actions := []model.QueuedAction{}
	for _, a := range append(queued, quarantined...) {
		if a.Task == task {
			actions = append(actions, a)
		}
	}

	return actions, nil
}

// ListQuarantined returns the quarantined actions, oldest quarantine first.
func (s *Store) ListQuarantined(ctx context.Context) ([]model.QueuedAction, error) {
	all, err := s.readDir(s.quarantineDir)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		ti, tj := quarantinedAt(all[i]), quarantinedAt(all[j])
		if ti.Equal(tj) {
			return all[i].ID < all[j].ID
		}
		return ti.Before(tj)
	})

	return all, nil
}

// Claim gives the calling worker the exclusive ownership of a queued action. Only one
// claim of the same action succeeds, the rest fail with model.ErrStateConflict.
func (s *Store) Claim(ctx context.Context, id string) (*model.QueuedAction, error) {
	src := s.entryPath(s.queueDir, id)
	dst := s.entryPath(s.processingDir, id)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("queued action %s not available: %w", id, model.ErrStateConflict)
		}
		return nil, fmt.Errorf("could not claim queued action: %w", err)
	}

	a, err := readEntry(dst)
	if err != nil {
		return nil, err
	}

	// The caller could be working with a stale due list, a rescheduled action waits
	// for its next attempt.
	if a.NextAttemptAt.After(s.clock()) {
		if err := os.Rename(dst, src); err != nil {
			return nil, fmt.Errorf("could not release queued action: %w", err)
		}
		return nil, fmt.Errorf("queued action %s not due: %w", id, model.ErrStateConflict)
	}

	return a, nil
}

// Reschedule returns a claimed action to the queue with its updated state. The state
// is written in place and the entry is moved back in a single rename, so it's never
// in the queue and claimed at the same time.
func (s *Store) Reschedule(ctx context.Context, a model.QueuedAction) error {
	claimed := s.entryPath(s.processingDir, a.ID)
	if !exists(claimed) {
		return fmt.Errorf("queued action %s is not claimed: %w", a.ID, model.ErrStateConflict)
	}
	if err := writeEntry(claimed, a); err != nil {
		return err
	}

	if err := os.Rename(claimed, s.entryPath(s.queueDir, a.ID)); err != nil {
		return fmt.Errorf("could not reschedule queued action: %w", err)
	}

	return nil
}

// Complete removes a claimed action from the queue.
func (s *Store) Complete(ctx context.Context, id string) error {
	return removeIfExists(s.entryPath(s.processingDir, id))
}

// Quarantine moves a claimed action to the quarantine.
func (s *Store) Quarantine(ctx context.Context, a model.QueuedAction) (*model.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed := s.entryPath(s.processingDir, a.ID)
	if !exists(claimed) {
		return nil, fmt.Errorf("queued action %s is not claimed: %w", a.ID, model.ErrStateConflict)
	}

	now := s.clock().UTC()
	a.QuarantinedAt = &now
	if err := writeEntry(claimed, a); err != nil {
		return nil, err
	}

	if err := os.Rename(claimed, s.entryPath(s.quarantineDir, a.ID)); err != nil {
		return nil, fmt.Errorf("could not quarantine queued action: %w", err)
	}

	return &a, nil
}

// Requeue moves a quarantined action back to the queue resetting its retries.
func (s *Store) Requeue(ctx context.Context, id string) (*model.QueuedAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.entryPath(s.quarantineDir, id)
	a, err := readEntry(src)
	if err != nil {
		return nil, err
	}

	a.RetryCount = 0
	a.QuarantinedAt = nil
	a.NextAttemptAt = s.clock().UTC()
	if err := writeEntry(s.entryPath(s.queueDir, id), *a); err != nil {
		return nil, err
	}

	if err := removeIfExists(src); err != nil {
		return nil, err
	}

	s.logger.Infof("Quarantined action requeued: %s", id)
	return a, nil
}

// Recover returns to the queue the actions that were claimed by workers that didn't
// finish (e.g. the process crashed), and cleans the duplicates an interrupted move
// could leave. Must be called before workers start processing. Returns the number
// of recovered actions.
func (s *Store) Recover(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Interrupted requeues.
	quarantined, err := s.ids(s.quarantineDir)
	if err != nil {
		return 0, err
	}
	for _, id := range quarantined {
		if exists(s.entryPath(s.queueDir, id)) {
			if err := removeIfExists(s.entryPath(s.quarantineDir, id)); err != nil {
				return 0, err
			}
		}
	}

	claimed, err := s.ids(s.processingDir)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range claimed {
		src := s.entryPath(s.processingDir, id)

		// Interrupted reschedules and quarantines already have the action in its place.
		if exists(s.entryPath(s.queueDir, id)) || exists(s.entryPath(s.quarantineDir, id)) {
			if err := removeIfExists(src); err != nil {
				return recovered, err
			}
			continue
		}

		if err := os.Rename(src, s.entryPath(s.queueDir, id)); err != nil {
			return recovered, fmt.Errorf("could not recover claimed action %s: %w", id, err)
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.Warningf("Recovered %d claimed actions", recovered)
	}

	return recovered, nil
}

func (s *Store) entryPath(dir, id string) string {
	return filepath.Join(dir, id+conventions.QueueEntryExt)
}

func (s *Store) ids(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not read queue directory: %w", err)
	}

	ids := []string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, conventions.QueueEntryExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, conventions.QueueEntryExt))
	}

	return ids, nil
}

func (s *Store) readDir(dir string) ([]model.QueuedAction, error) {
	ids, err := s.ids(dir)
	if err != nil {
		return nil, err
	}

	actions := []model.QueuedAction{}
	for _, id := range ids {
		a, err := readEntry(s.entryPath(dir, id))
		if err != nil {
			// Moved while listing.
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return nil, err
		}
		actions = append(actions, *a)
	}

	return actions, nil
}

func readEntry(path string) (*model.QueuedAction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("queued action %s: %w", filepath.Base(path), model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not read queued action: %w", err)
	}

	var a model.QueuedAction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("could not unmarshal queued action %s: %w", filepath.Base(path), err)
	}

	return &a, nil
}

func writeEntry(path string, a model.QueuedAction) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal queued action: %w", err)
	}

	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("could not write queued action: %w", err)
	}

	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not remove queued action: %w", err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func sortByNextAttempt(as []model.QueuedAction) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].NextAttemptAt.Equal(as[j].NextAttemptAt) {
			return as[i].ID < as[j].ID
		}
		return as[i].NextAttemptAt.Before(as[j].NextAttemptAt)
	})
}

func quarantinedAt(a model.QueuedAction) time.Time {
	if a.QuarantinedAt == nil {
		return time.Time{}
	}
	return *a.QuarantinedAt
}
