// Package audit implements the append-only audit trail.
//
// Records are partitioned in one JSONL segment per calendar day (UTC), a segment
// is only ever appended to, and retention removes whole segments.
package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/slok/agentvault/internal/conventions"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

// Recorder knows how to record audit entries.
type Recorder interface {
	Record(ctx context.Context, rec model.AuditRecord) error
}

// NoopRecorder discards the records.
const NoopRecorder = noopRecorder(0)

type noopRecorder int

func (noopRecorder) Record(context.Context, model.AuditRecord) error { return nil }

const defaultParameterMaxLen = 100

// FileLogConfig is the configuration of the file audit log.
type FileLogConfig struct {
	// Dir is the directory that holds the daily segments.
	Dir string
	// ParameterMaxLen is the max number of characters stored per parameter value.
	ParameterMaxLen int
	// Clock returns the current time, used to stamp the records.
	Clock  func() time.Time
	Logger log.Logger
}

func (c *FileLogConfig) defaults() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	if c.ParameterMaxLen <= 0 {
		c.ParameterMaxLen = defaultParameterMaxLen
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "audit.FileLog"})
	return nil
}

// FileLog is a daily partitioned JSONL audit log.
type FileLog struct {
	dir       string
	paramMax  int
	clock     func() time.Time
	logger    log.Logger
	mu        sync.Mutex
	lastStamp time.Time
}

// NewFileLog returns a new file audit log.
func NewFileLog(cfg FileLogConfig) (*FileLog, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create audit dir: %w", err)
	}

	return &FileLog{
		dir:      cfg.Dir,
		paramMax: cfg.ParameterMaxLen,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}, nil
}

// Record appends a record to the segment of the current day. The record timestamp
// is always set by the log so append order and chronological order match.
func (l *FileLog) Record(ctx context.Context, rec model.AuditRecord) error {
	if rec.ActionType == "" {
		return fmt.Errorf("action type is required: %w", model.ErrNotValid)
	}
	if rec.Result == "" {
		return fmt.Errorf("result is required: %w", model.ErrNotValid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	if now.Before(l.lastStamp) {
		now = l.lastStamp
	}
	rec.Timestamp = now
	rec.Parameters = l.truncate(rec.Parameters)

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("could not marshal audit record: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(l.segmentPath(now), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("could not open audit segment: %w", err)
	}
	defer f.Close()

	// Terminate a torn line left by a crash so the new record starts on its own line.
	torn, err := endsTorn(f)
	if err != nil {
		return fmt.Errorf("could not check audit segment: %w", err)
	}
	if torn {
		data = append([]byte{'\n'}, data...)
	}

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("could not append audit record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("could not sync audit segment: %w", err)
	}

	l.lastStamp = now
	l.logger.Debugf("Audit record appended: %s %s (%s)", rec.ActionType, rec.Target, rec.Result)
	return nil
}

// Query returns the records between from and to (both inclusive) in chronological order.
// A zero to means no upper bound. Segments are read lazily while iterating.
func (l *FileLog) Query(ctx context.Context, from, to time.Time) iter.Seq2[model.AuditRecord, error] {
	return func(yield func(model.AuditRecord, error) bool) {
		segments, err := l.segments()
		if err != nil {
			yield(model.AuditRecord{}, err)
			return
		}

		fromDay := day(from)
		for _, seg := range segments {
			if seg.date.Before(fromDay) {
				continue
			}
			if !to.IsZero() && seg.date.After(to.UTC()) {
				break
			}

			for rec, err := range l.readSegment(ctx, seg.path) {
				if err != nil {
					yield(model.AuditRecord{}, err)
					return
				}
				if rec.Timestamp.Before(from) {
					continue
				}
				if !to.IsZero() && rec.Timestamp.After(to) {
					return
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Trim removes the daily segments older than the retention days. Returns the number
// of removed segments.
func (l *FileLog) Trim(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be positive: %w", model.ErrNotValid)
	}

	segments, err := l.segments()
	if err != nil {
		return 0, err
	}

	cutoff := day(l.clock()).AddDate(0, 0, -retentionDays)
	removed := 0
	for _, seg := range segments {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !seg.date.Before(cutoff) {
			break
		}
		if err := os.Remove(seg.path); err != nil {
			return removed, fmt.Errorf("could not remove audit segment %s: %w", seg.path, err)
		}
		removed++
		l.logger.Infof("Trimmed audit segment: %s", filepath.Base(seg.path))
	}

	return removed, nil
}

func (l *FileLog) truncate(params map[string]string) map[string]string {
	if len(params) == 0 {
		return nil
	}

	res := make(map[string]string, len(params))
	for k, v := range params {
		if utf8.RuneCountInString(v) > l.paramMax {
			v = string([]rune(v)[:l.paramMax])
		}
		res[k] = v
	}
	return res
}

func (l *FileLog) segmentPath(t time.Time) string {
	return filepath.Join(l.dir, t.UTC().Format(conventions.AuditSegmentLayout)+conventions.AuditSegmentExt)
}

type segment struct {
	path string
	date time.Time
}

// segments returns the segments sorted by date.
func (l *FileLog) segments() ([]segment, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("could not read audit dir: %w", err)
	}

	var segments []segment
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, conventions.AuditSegmentExt) {
			continue
		}
		date, err := time.Parse(conventions.AuditSegmentLayout, strings.TrimSuffix(name, conventions.AuditSegmentExt))
		if err != nil {
			continue
		}
		segments = append(segments, segment{path: filepath.Join(l.dir, name), date: date})
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].date.Before(segments[j].date) })
	return segments, nil
}

// readSegment yields the records of a segment. A final line without newline is a torn
// append from a crash and is skipped, as any other undecodable line.
func (l *FileLog) readSegment(ctx context.Context, path string) iter.Seq2[model.AuditRecord, error] {
	return func(yield func(model.AuditRecord, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			yield(model.AuditRecord{}, fmt.Errorf("could not open audit segment: %w", err))
			return
		}
		defer f.Close()

		r := bufio.NewReader(f)
		for line := 1; ; line++ {
			if ctx.Err() != nil {
				yield(model.AuditRecord{}, ctx.Err())
				return
			}

			data, err := r.ReadBytes('\n')
			if err != nil {
				if !errors.Is(err, io.EOF) {
					yield(model.AuditRecord{}, fmt.Errorf("could not read audit segment: %w", err))
				}
				return
			}

			data = bytes.TrimSpace(data)
			if len(data) == 0 {
				continue
			}

			var rec model.AuditRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				l.logger.Warningf("Skipping invalid audit record at %s:%d: %s", filepath.Base(path), line, err)
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func endsTorn(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
