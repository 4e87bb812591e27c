package watchdog_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/agentvault/internal/model"
	"github.com/slok/agentvault/internal/notify/notifymock"
	"github.com/slok/agentvault/internal/watchdog"
)

type fakeProcs struct {
	mu      sync.Mutex
	alive   map[int]bool
	nextPID int
	started []string
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{alive: map[int]bool{}, nextPID: 1000}
}

func (f *fakeProcs) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcs) Launch(_ context.Context, p model.SupervisedProcess) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	f.started = append(f.started, p.Name)
	return f.nextPID, nil
}

func (f *fakeProcs) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = false
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func TestWatchdogRegister(t *testing.T) {
	tests := map[string]struct {
		name    string
		command []string
		pidFile string
		expErr  error
	}{
		"valid process should be registered": {
			name: "worker", command: []string{"worker"}, pidFile: "/tmp/worker.pid",
		},
		"duplicated process should fail": {
			name: "existing", command: []string{"worker"}, pidFile: "/tmp/worker.pid",
			expErr: model.ErrAlreadyExists,
		},
		"missing command should fail": {
			name: "worker", pidFile: "/tmp/worker.pid",
			expErr: model.ErrNotValid,
		},
		"missing pid file should fail": {
			name: "worker", command: []string{"worker"},
			expErr: model.ErrNotValid,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			w, err := watchdog.New(watchdog.Config{})
			require.NoError(t, err)
			require.NoError(t, w.Register("existing", []string{"worker"}, "/tmp/existing.pid"))

			err = w.Register(test.name, test.command, test.pidFile)
			if test.expErr != nil {
				assert.ErrorIs(t, err, test.expErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatchdogRegisterAfterRunFails(t *testing.T) {
	started := make(chan struct{})
	launcher := watchdog.LauncherFunc(func(context.Context, model.SupervisedProcess) (int, error) {
		close(started)
		return 1, nil
	})
	w, err := watchdog.New(watchdog.Config{Prober: newFakeProcs(), Launcher: launcher, Interval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, w.Register("worker", []string{"worker"}, filepath.Join(t.TempDir(), "worker.pid")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()
	<-started

	err = w.Register("late", []string{"late"}, "/tmp/late.pid")
	assert.ErrorIs(t, err, model.ErrNotValid)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchdogCheckAndRestart(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	procs := newFakeProcs()

	mNotifier := notifymock.NewMockNotifier(t)
	w, err := watchdog.New(watchdog.Config{Prober: procs, Launcher: procs, Notifier: mNotifier})
	require.NoError(err)

	workerPID := filepath.Join(dir, "worker.pid")
	gmailPID := filepath.Join(dir, "gmail.pid")
	require.NoError(w.Register("worker", []string{"worker"}, workerPID))
	require.NoError(w.Register("gmail", []string{"gmail-watcher"}, gmailPID))
	require.NoError(watchdog.WritePIDFile(workerPID, 10))
	require.NoError(watchdog.WritePIDFile(gmailPID, 20))
	procs.alive[10] = true
	procs.alive[20] = true

	// All alive is a no-op.
	for i := 0; i < 3; i++ {
		restarted, err := w.CheckAndRestart(ctx)
		require.NoError(err)
		assert.Empty(restarted)
	}
	assert.Empty(procs.started)

	// Dead PID gets restarted exactly once.
	procs.kill(20)
	mNotifier.On("Notify", mock.Anything, mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, `"gmail"`)
	})).Once().Return(nil)

	restarted, err := w.CheckAndRestart(ctx)
	require.NoError(err)
	assert.Equal([]string{"gmail"}, restarted)

	pid, err := watchdog.ReadPIDFile(gmailPID)
	require.NoError(err)
	assert.Equal(1001, pid)

	restarted, err = w.CheckAndRestart(ctx)
	require.NoError(err)
	assert.Empty(restarted)
	assert.Equal([]string{"gmail"}, procs.started)

	for _, p := range w.Processes() {
		if p.Name == "gmail" {
			assert.Equal(1, p.Restarts)
			assert.Equal(1001, p.LastPID)
		}
	}
}

func TestWatchdogMissingOrCorruptPIDFileRestarts(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	procs := newFakeProcs()

	w, err := watchdog.New(watchdog.Config{Prober: procs, Launcher: procs})
	require.NoError(err)
	require.NoError(w.Register("missing", []string{"a"}, filepath.Join(dir, "missing.pid")))
	require.NoError(w.Register("corrupt", []string{"b"}, filepath.Join(dir, "corrupt.pid")))
	require.NoError(os.WriteFile(filepath.Join(dir, "corrupt.pid"), []byte("nope"), 0644))

	restarted, err := w.CheckAndRestart(context.Background())
	require.NoError(err)
	assert.Equal(t, []string{"corrupt", "missing"}, restarted)
}

func TestWatchdogLaunchFailure(t *testing.T) {
	dir := t.TempDir()
	launcher := watchdog.LauncherFunc(func(context.Context, model.SupervisedProcess) (int, error) {
		return 0, fmt.Errorf("no such binary")
	})
	mNotifier := notifymock.NewMockNotifier(t)
	mNotifier.On("Notify", mock.Anything, mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, `"worker"`) && strings.Contains(msg, "no such binary")
	})).Once().Return(nil)

	var recs []model.AuditRecord
	recorder := recorderFunc(func(_ context.Context, rec model.AuditRecord) error {
		recs = append(recs, rec)
		return nil
	})

	w, err := watchdog.New(watchdog.Config{Prober: newFakeProcs(), Launcher: launcher, Notifier: mNotifier, Recorder: recorder})
	require.NoError(t, err)
	require.NoError(t, w.Register("worker", []string{"worker"}, filepath.Join(dir, "worker.pid")))

	restarted, err := w.CheckAndRestart(context.Background())
	assert.ErrorIs(t, err, model.ErrProcessDown)
	assert.Empty(t, restarted)

	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditActionProcessRestart, recs[0].ActionType)
	assert.Equal(t, model.AuditResultFailed, recs[0].Result)
	assert.Contains(t, recs[0].Error, "process down")
	assert.Contains(t, recs[0].Error, "no such binary")
}

type recorderFunc func(ctx context.Context, rec model.AuditRecord) error

func (f recorderFunc) Record(ctx context.Context, rec model.AuditRecord) error { return f(ctx, rec) }

func TestWatchdogRestartBackoffAndEscalation(t *testing.T) {
	require := require.New(t)
	assert := assert.New(t)
	ctx := context.Background()
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	// Processes die right after starting.
	var launches int
	launcher := watchdog.LauncherFunc(func(context.Context, model.SupervisedProcess) (int, error) {
		launches++
		return 5000 + launches, nil
	})
	dead := watchdog.ProberFunc(func(int) bool { return false })

	var msgs []string
	mNotifier := notifymock.NewMockNotifier(t)
	mNotifier.On("Notify", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		msgs = append(msgs, args.String(1))
	}).Return(nil)

	w, err := watchdog.New(watchdog.Config{
		Prober:         dead,
		Launcher:       launcher,
		Notifier:       mNotifier,
		RestartBackoff: 10 * time.Second,
		StableAfter:    time.Minute,
		EscalateAfter:  2,
		Clock:          clock.Now,
	})
	require.NoError(err)
	require.NoError(w.Register("flaky", []string{"flaky"}, filepath.Join(dir, "flaky.pid")))

	steps := []struct {
		after      time.Duration
		expRestart bool
	}{
		{after: 0, expRestart: true},
		{after: 5 * time.Second, expRestart: false},
		{after: 5 * time.Second, expRestart: true},   // 10s, first backoff.
		{after: 10 * time.Second, expRestart: false}, // Backoff doubled to 20s.
		{after: 10 * time.Second, expRestart: true},
	}
	for i, step := range steps {
		clock.t = clock.t.Add(step.after)
		restarted, err := w.CheckAndRestart(ctx)
		require.NoError(err)
		assert.Equal(step.expRestart, len(restarted) == 1, "step %d", i)
	}

	assert.Equal(3, launches)
	escalations := 0
	for _, m := range msgs {
		if strings.Contains(m, "needs human attention") {
			escalations++
		}
	}
	assert.Equal(1, escalations)
}
