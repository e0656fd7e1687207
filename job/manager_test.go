package job

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/role"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Publish(name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, _ := payload.(map[string]any)
	typ, _ := p["type"].(string)
	r.events = append(r.events, name+":"+typ)
}

func (r *recordingSink) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cfg := Config{Workers: 4, LogDir: t.TempDir(), KeepJobs: 100, KeepLogs: 100}
	m, err := NewManager(cfg, slog.Default(), opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(2 * time.Second) })
	return m
}

func admin() *role.Principal {
	return &role.Principal{Name: "root", Roles: []string{role.FullAdmin}}
}

func TestSubmitRunsToSuccess(t *testing.T) {
	sink := &recordingSink{}
	m := newTestManager(t, WithEvents(sink))

	j, err := m.Submit(Spec{
		Method: "pool.scrub",
		Owner:  "root",
		Handler: func(_ context.Context, j *Job) (any, error) {
			j.Log("scrub started")
			require.NoError(t, j.SetProgress(50, "halfway"))
			return "done", nil
		},
	})
	require.NoError(t, err)

	result, err := m.Wait(context.Background(), j.ID())
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Equal(t, StateSuccess, j.State())
	assert.Equal(t, float64(100), j.Progress().Percent)
	assert.Contains(t, j.LogTail(), "scrub started")

	events := sink.all()
	assert.Contains(t, events, ChangeChannel+":ADDED")
	assert.Contains(t, events, ChangeChannel+":CHANGED")
}

func TestFailedJobCarriesError(t *testing.T) {
	m := newTestManager(t)

	j, err := m.Submit(Spec{
		Method: "pool.scrub",
		Owner:  "root",
		Handler: func(context.Context, *Job) (any, error) {
			return nil, errors.New(errors.KindConflict, "pool busy")
		},
	})
	require.NoError(t, err)

	_, err = m.Wait(context.Background(), j.ID())
	require.Error(t, err)
	assert.Equal(t, StateFailed, j.State())
	assert.Equal(t, errors.KindConflict, errors.KindOf(err))
}

func TestProgressIsMonotone(t *testing.T) {
	m := newTestManager(t)

	j, err := m.Submit(Spec{
		Method: "pool.scrub",
		Owner:  "root",
		Handler: func(_ context.Context, j *Job) (any, error) {
			require.NoError(t, j.SetProgress(60, ""))
			assert.Error(t, j.SetProgress(40, ""))
			assert.Error(t, j.SetProgress(120, ""))
			return nil, nil
		},
	})
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), j.ID())
	require.NoError(t, err)
}

func TestSharedLockSerializesJobs(t *testing.T) {
	m := newTestManager(t)

	var mu sync.Mutex
	running := 0
	maxRunning := 0

	handler := func(context.Context, *Job) (any, error) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	}

	var jobs []*Job
	for i := 0; i < 3; i++ {
		j, err := m.Submit(Spec{
			Method:  "pool.scrub",
			Owner:   "root",
			Locks:   []string{"pool:tank"},
			Handler: handler,
		})
		require.NoError(t, err)
		jobs = append(jobs, j)
	}

	for _, j := range jobs {
		_, err := m.Wait(context.Background(), j.ID())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, maxRunning)
}

func TestDisjointLocksRunConcurrently(t *testing.T) {
	m := newTestManager(t)

	gate := make(chan struct{})
	started := make(chan int64, 2)

	handler := func(_ context.Context, j *Job) (any, error) {
		started <- j.ID()
		<-gate
		return nil, nil
	}

	j1, err := m.Submit(Spec{Method: "a", Owner: "root", Locks: []string{"x"}, Handler: handler})
	require.NoError(t, err)
	j2, err := m.Submit(Spec{Method: "b", Owner: "root", Locks: []string{"y"}, Handler: handler})
	require.NoError(t, err)

	// both must reach their handlers without either finishing
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("jobs with disjoint locks did not run concurrently")
		}
	}
	close(gate)

	_, err = m.Wait(context.Background(), j1.ID())
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), j2.ID())
	require.NoError(t, err)
}

func TestAbortWaitingJob(t *testing.T) {
	m := newTestManager(t)

	gate := make(chan struct{})
	defer close(gate)

	blocker, err := m.Submit(Spec{
		Method: "a", Owner: "root", Locks: []string{"x"},
		Handler: func(context.Context, *Job) (any, error) {
			<-gate
			return nil, nil
		},
	})
	require.NoError(t, err)

	waiting, err := m.Submit(Spec{
		Method: "b", Owner: "root", Locks: []string{"x"},
		Handler: func(context.Context, *Job) (any, error) {
			t.Error("aborted waiting job must not run")
			return nil, nil
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return blocker.State() == StateRunning
	}, time.Second, time.Millisecond)

	require.NoError(t, m.Abort(admin(), waiting.ID()))
	<-waiting.Done()
	assert.Equal(t, StateAborted, waiting.State())
}

func TestAbortRunningJobCancelsContext(t *testing.T) {
	m := newTestManager(t)

	startedCh := make(chan struct{})
	j, err := m.Submit(Spec{
		Method: "replication.run",
		Owner:  "alice",
		Handler: func(ctx context.Context, _ *Job) (any, error) {
			close(startedCh)
			<-ctx.Done()
			return nil, errors.WrapKind(ctx.Err(), errors.KindCancelled, "replication", "run", "aborted")
		},
	})
	require.NoError(t, err)
	<-startedCh

	owner := &role.Principal{Name: "alice", Roles: []string{"REPLICATION_WRITE"}}
	require.NoError(t, m.Abort(owner, j.ID()))

	<-j.Done()
	assert.Equal(t, StateAborted, j.State())
}

func TestAbortRequiresOwnerOrAdmin(t *testing.T) {
	m := newTestManager(t)

	gate := make(chan struct{})
	defer close(gate)

	j, err := m.Submit(Spec{
		Method: "a", Owner: "alice",
		Handler: func(context.Context, *Job) (any, error) {
			<-gate
			return nil, nil
		},
	})
	require.NoError(t, err)

	stranger := &role.Principal{Name: "bob", Roles: []string{"READONLY"}}
	err = m.Abort(stranger, j.ID())
	require.Error(t, err)
	assert.Equal(t, errors.KindForbidden, errors.KindOf(err))
}

func TestHandlerPanicFailsJob(t *testing.T) {
	m := newTestManager(t)

	j, err := m.Submit(Spec{
		Method: "a", Owner: "root",
		Handler: func(context.Context, *Job) (any, error) {
			panic("boom")
		},
	})
	require.NoError(t, err)

	_, err = m.Wait(context.Background(), j.ID())
	require.Error(t, err)
	assert.Equal(t, StateFailed, j.State())
	assert.Equal(t, errors.KindInternal, errors.KindOf(err))
}

func TestTransientEvictedOnTerminalState(t *testing.T) {
	m := newTestManager(t)

	j, err := m.Submit(Spec{
		Method: "core.bulk", Owner: "root", Transient: true,
		Handler: func(context.Context, *Job) (any, error) { return nil, nil },
	})
	require.NoError(t, err)
	<-j.Done()

	assert.Eventually(t, func() bool {
		_, err := m.Get(j.ID())
		return errors.IsKind(err, errors.KindNotFound)
	}, 2*time.Second, time.Millisecond)
}

// firstEventSink remembers the first change event observed per job id.
type firstEventSink struct {
	mu    sync.Mutex
	first map[int64]string
}

func (s *firstEventSink) Publish(_ string, payload any) {
	p, _ := payload.(map[string]any)
	id, _ := p["id"].(int64)
	typ, _ := p["type"].(string)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.first[id]; !seen {
		s.first[id] = typ
	}
}

func TestAddedPrecedesChanged(t *testing.T) {
	sink := &firstEventSink{first: make(map[int64]string)}
	m := newTestManager(t, WithEvents(sink))

	var jobs []*Job
	for i := 0; i < 200; i++ {
		j, err := m.Submit(Spec{
			Method: "a", Owner: "root",
			Handler: func(context.Context, *Job) (any, error) { return nil, nil },
		})
		require.NoError(t, err)
		jobs = append(jobs, j)
	}
	for _, j := range jobs {
		<-j.Done()
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, j := range jobs {
		assert.Equal(t, "ADDED", sink.first[j.ID()], "job %d", j.ID())
	}
}

func TestAbortPermittedByMethodRoles(t *testing.T) {
	m := newTestManager(t)

	started := make(chan struct{})
	j, err := m.Submit(Spec{
		Method: "replication.run",
		Owner:  "alice",
		Roles:  []string{"REPLICATION_WRITE"},
		Handler: func(ctx context.Context, _ *Job) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, errors.WrapKind(ctx.Err(), errors.KindCancelled, "replication", "run", "aborted")
		},
	})
	require.NoError(t, err)
	<-started

	operator := &role.Principal{Name: "bob", Roles: []string{"REPLICATION_WRITE"}}
	require.NoError(t, m.Abort(operator, j.ID()))

	<-j.Done()
	assert.Equal(t, StateAborted, j.State())
}

func TestLockWaitTimeoutFailsLocked(t *testing.T) {
	m := newTestManager(t)

	gate := make(chan struct{})
	defer close(gate)

	blocker, err := m.Submit(Spec{
		Method: "a", Owner: "root", Locks: []string{"x"},
		Handler: func(context.Context, *Job) (any, error) {
			<-gate
			return nil, nil
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return blocker.State() == StateRunning
	}, time.Second, time.Millisecond)

	waiting, err := m.Submit(Spec{
		Method: "b", Owner: "root", Locks: []string{"x"},
		LockTimeout: 20 * time.Millisecond,
		Handler: func(context.Context, *Job) (any, error) {
			t.Error("timed-out job must not run")
			return nil, nil
		},
	})
	require.NoError(t, err)

	<-waiting.Done()
	assert.Equal(t, StateFailed, waiting.State())
	_, err = waiting.Result()
	assert.Equal(t, errors.KindLocked, errors.KindOf(err))
}

func TestLogRetention(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Workers: 1, LogDir: dir, KeepJobs: 100, KeepLogs: 2}
	m, err := NewManager(cfg, slog.Default())
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(2 * time.Second) })

	for i := 0; i < 4; i++ {
		j, err := m.Submit(Spec{
			Method: "a", Owner: "root",
			Handler: func(_ context.Context, j *Job) (any, error) {
				j.Log("line")
				return nil, nil
			},
		})
		require.NoError(t, err)
		<-j.Done()
	}

	assert.Eventually(t, func() bool {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		return len(entries) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, err = os.Stat(filepath.Join(dir, "4.log"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "1.log"))
	assert.True(t, os.IsNotExist(err))
}

func TestListOrdersByID(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		j, err := m.Submit(Spec{
			Method: "a", Owner: "root",
			Handler: func(context.Context, *Job) (any, error) { return nil, nil },
		})
		require.NoError(t, err)
		_, err = m.Wait(context.Background(), j.ID())
		require.NoError(t, err)
	}

	snaps := m.List()
	require.Len(t, snaps, 3)
	for i := 1; i < len(snaps); i++ {
		assert.Greater(t, snaps[i].ID, snaps[i-1].ID)
	}
}

func TestJobPipes(t *testing.T) {
	m := newTestManager(t)

	j, err := m.Submit(Spec{
		Method: "config.save", Owner: "root", PipeOut: true,
		Handler: func(_ context.Context, j *Job) (any, error) {
			w := j.WritePipe()
			_, err := w.Write([]byte("tarball"))
			w.Close()
			return nil, err
		},
	})
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, _ := j.OutputReader().Read(buf)
	assert.Equal(t, "tarball", string(buf[:n]))

	_, err = m.Wait(context.Background(), j.ID())
	require.NoError(t, err)
}
