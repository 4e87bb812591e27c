package audit_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/audit"
	"github.com/slok/agentvault/internal/log"
	"github.com/slok/agentvault/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Add(d time.Duration) { c.t = c.t.Add(d) }

func newLog(t *testing.T, clock *fakeClock) (*audit.FileLog, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := audit.NewFileLog(audit.FileLogConfig{
		Dir:    dir,
		Clock:  clock.Now,
		Logger: log.Noop,
	})
	require.NoError(t, err)
	return l, dir
}

func record(target string) model.AuditRecord {
	return model.AuditRecord{
		ActionType: model.AuditActionTaskAdvance,
		Actor:      model.ActorAgent,
		Target:     target,
		Result:     model.AuditResultSuccess,
	}
}

func collect(t *testing.T, l *audit.FileLog, from, to time.Time) []model.AuditRecord {
	t.Helper()
	var recs []model.AuditRecord
	for rec, err := range l.Query(context.Background(), from, to) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestFileLogRecordAndQueryOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 23, 59, 58, 0, time.UTC)}
	l, dir := newLog(t, clock)

	// Spread the records across two daily segments.
	for _, target := range []string{"a.md", "b.md", "c.md", "d.md"} {
		require.NoError(t, l.Record(ctx, record(target)))
		clock.Add(1 * time.Second)
	}

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "2026-03-01.jsonl", files[0].Name())
	assert.Equal(t, "2026-03-02.jsonl", files[1].Name())

	recs := collect(t, l, time.Time{}, time.Time{})
	require.Len(t, recs, 4)
	for i, target := range []string{"a.md", "b.md", "c.md", "d.md"} {
		assert.Equal(t, target, recs[i].Target)
		if i > 0 {
			assert.False(t, recs[i].Timestamp.Before(recs[i-1].Timestamp))
		}
	}

	// Range query only returns the second day.
	recs = collect(t, l, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Time{})
	require.Len(t, recs, 2)
	assert.Equal(t, "c.md", recs[0].Target)
}

func TestFileLogClockGoingBackwardsKeepsOrder(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, _ := newLog(t, clock)

	require.NoError(t, l.Record(ctx, record("a.md")))
	clock.Add(-1 * time.Hour)
	require.NoError(t, l.Record(ctx, record("b.md")))

	recs := collect(t, l, time.Time{}, time.Time{})
	require.Len(t, recs, 2)
	assert.Equal(t, recs[0].Timestamp, recs[1].Timestamp)
	assert.Equal(t, "b.md", recs[1].Target)
}

func TestFileLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, dir := newLog(t, clock)

	segment := filepath.Join(dir, "2026-03-01.jsonl")
	prevSize := int64(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Record(ctx, record("a.md")))

		before, err := os.ReadFile(segment)
		require.NoError(t, err)
		assert.Greater(t, int64(len(before)), prevSize)
		prevSize = int64(len(before))

		// Querying must not affect later writes.
		_ = collect(t, l, time.Time{}, time.Time{})
	}

	assert.Len(t, collect(t, l, time.Time{}, time.Time{}), 5)
}

func TestFileLogTruncatesParameters(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, _ := newLog(t, clock)

	rec := record("client@example.com")
	rec.Parameters = map[string]string{
		"subject": "Invoice #123",
		"body":    strings.Repeat("x", 500),
	}
	require.NoError(t, l.Record(ctx, rec))

	recs := collect(t, l, time.Time{}, time.Time{})
	require.Len(t, recs, 1)
	assert.Equal(t, "Invoice #123", recs[0].Parameters["subject"])
	assert.Len(t, recs[0].Parameters["body"], 100)
}

func TestFileLogSkipsTornLastLine(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, dir := newLog(t, clock)

	require.NoError(t, l.Record(ctx, record("a.md")))

	// Simulate a crash in the middle of an append.
	f, err := os.OpenFile(filepath.Join(dir, "2026-03-01.jsonl"), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2026-03-01T10:00:00Z","action_ty`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	recs := collect(t, l, time.Time{}, time.Time{})
	require.Len(t, recs, 1)
	assert.Equal(t, "a.md", recs[0].Target)

	// Appends after the crash are still readable.
	require.NoError(t, l.Record(ctx, record("b.md")))
	recs = collect(t, l, time.Time{}, time.Time{})
	require.Len(t, recs, 2)
	assert.Equal(t, "b.md", recs[1].Target)
}

func TestFileLogRecordInvalid(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	l, _ := newLog(t, clock)

	err := l.Record(context.Background(), model.AuditRecord{Result: model.AuditResultSuccess})
	assert.ErrorIs(t, err, model.ErrNotValid)

	err = l.Record(context.Background(), model.AuditRecord{ActionType: "x"})
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestFileLogTrim(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l, dir := newLog(t, clock)

	// One segment per day during 10 days.
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Record(ctx, record("a.md")))
		clock.Add(24 * time.Hour)
	}
	// Now is 2026-01-11.

	removed, err := l.Trim(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, removed)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "2026-01-08.jsonl", files[0].Name())

	_, err = l.Trim(ctx, 0)
	assert.ErrorIs(t, err, model.ErrNotValid)
}

func TestFileLogSummarize(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	l, _ := newLog(t, clock)

	require.NoError(t, l.Record(ctx, record("a.md")))
	failed := record("b.md")
	failed.Result = model.AuditResultFailed
	failed.ActionType = model.AuditActionExecute
	failed.ApprovalStatus = string(model.ApprovalStatusApproved)
	require.NoError(t, l.Record(ctx, failed))

	s, err := l.Summarize(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalActions)
	assert.Equal(t, 1, s.FailedActions)
	assert.Equal(t, 1, s.ActionsByType[model.AuditActionExecute])
	assert.Equal(t, 2, s.ActionsByActor[model.ActorAgent])
	assert.Equal(t, 1, s.ApprovalStatuses["approved"])
}
