package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/eventbus"
	"github.com/truenas/middleware-sub024/metric"
	"github.com/truenas/middleware-sub024/pkg/buffer"
	"github.com/truenas/middleware-sub024/role"
)

// ChangeChannel is the event channel carrying job lifecycle events.
const ChangeChannel = "core.get_jobs"

// EventSink receives job lifecycle events. The event bus satisfies it.
type EventSink interface {
	Publish(name string, payload any)
}

// Handler executes a job's body. The context is cancelled on abort and on
// daemon shutdown.
type Handler func(ctx context.Context, j *Job) (any, error)

// Spec describes one job submission.
type Spec struct {
	Method    string
	Args      []any
	Redacted  []any
	Owner     string
	SessionID string
	// Roles is the method's declared role set. Principals holding any of
	// these may abort the job alongside the owner and administrators.
	Roles     []string
	Locks     []string
	Transient bool
	PipeIn    bool
	PipeOut   bool
	// LockTimeout bounds how long the job may wait for its locks. Zero
	// means wait indefinitely; on expiry the job fails with a locked error.
	LockTimeout time.Duration
	Handler     Handler
}

// Config tunes the manager.
type Config struct {
	Workers  int
	LogDir   string
	KeepJobs int
	KeepLogs int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:  16,
		LogDir:   "/var/log/middleware/jobs",
		KeepJobs: 1000,
		KeepLogs: 1000,
	}
}

// execution pairs a job with its handler while it moves through the
// scheduler.
type execution struct {
	job     *Job
	handler Handler
}

// lockState tracks one named lock: the holding job and the FIFO of
// executions blocked on it.
type lockState struct {
	holder  int64
	waiters []*execution
}

// Manager schedules and runs jobs.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics
	events  EventSink
	store   *Store

	mu       sync.Mutex
	jobs     map[int64]*Job
	locks    map[string]*lockState
	runQueue []*execution
	cond     *sync.Cond
	nextID   int64
	started  bool
	closed   bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// Option configures the manager.
type Option func(*Manager)

// WithEvents wires job lifecycle events into a sink.
func WithEvents(sink EventSink) Option {
	return func(m *Manager) { m.events = sink }
}

// WithMetrics wires job gauges and counters.
func WithMetrics(mm *metric.Metrics) Option {
	return func(m *Manager) { m.metrics = mm }
}

// WithStore persists job records across restarts.
func WithStore(s *Store) Option {
	return func(m *Manager) { m.store = s }
}

// NewManager creates a manager. If a store is attached, jobs left
// non-terminal by a previous run are marked failed before the manager
// accepts submissions.
func NewManager(cfg Config, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.KeepJobs <= 0 {
		cfg.KeepJobs = DefaultConfig().KeepJobs
	}
	if cfg.KeepLogs <= 0 {
		cfg.KeepLogs = DefaultConfig().KeepLogs
	}

	m := &Manager{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[int64]*Job),
		locks:  make(map[string]*lockState),
		nextID: 0,
	}
	m.cond = sync.NewCond(&m.mu)
	for _, opt := range opts {
		opt(m)
	}

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil {
			return nil, errors.Wrap(err, "job", "NewManager", "log directory creation")
		}
	}

	if m.store != nil {
		interrupted, maxID, err := m.store.RecoverInterrupted()
		if err != nil {
			return nil, errors.Wrap(err, "job", "NewManager", "job store recovery")
		}
		m.nextID = maxID
		if interrupted > 0 {
			logger.Warn("Marked jobs interrupted by restart", "count", interrupted)
		}
	}

	return m, nil
}

// Start launches the worker goroutines.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.ErrAlreadyStarted
	}
	m.baseCtx, m.baseCancel = context.WithCancel(ctx)

	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.started = true
	m.logger.Info("Job manager started", "workers", m.cfg.Workers)
	return nil
}

// Stop cancels running jobs and waits for workers up to timeout.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.baseCancel()
	m.cond.Broadcast()
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return errors.Newf(errors.KindTimeout, "job manager stop timed out after %v", timeout)
	}
}

// Submit enqueues a job and returns immediately. The job starts once its
// locks are free and a worker is available.
func (m *Manager) Submit(spec Spec) (*Job, error) {
	if spec.Handler == nil {
		return nil, errors.New(errors.KindValidation, "job spec has no handler")
	}
	if spec.Method == "" {
		return nil, errors.New(errors.KindValidation, "job spec has no method name")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.WrapKind(errors.ErrShuttingDown, errors.KindUnavailable,
			"job", "Submit", "manager closed")
	}
	if !m.started {
		m.mu.Unlock()
		return nil, errors.WrapKind(errors.ErrNotStarted, errors.KindUnavailable,
			"job", "Submit", "manager not started")
	}

	m.nextID++
	j := &Job{
		id:          m.nextID,
		method:      spec.Method,
		args:        spec.Args,
		redacted:    spec.Redacted,
		owner:       spec.Owner,
		sessionID:   spec.SessionID,
		roles:       spec.Roles,
		transient:   spec.Transient,
		abortable:   true,
		lockNames:   normalizeLocks(spec.Locks),
		state:       StateWaiting,
		timeCreated: time.Now(),
		logRing:     buffer.NewRing[string](logRingSize),
		done:        make(chan struct{}),
		onChange:    m.publishChanged,
	}
	if spec.Redacted == nil {
		j.redacted = spec.Args
	}
	if spec.PipeIn {
		j.pipeIn = newPipeEnd()
	}
	if spec.PipeOut {
		j.pipeOut = newPipeEnd()
	}
	m.jobs[j.id] = j
	m.mu.Unlock()

	// the job is announced and fully set up before it becomes runnable,
	// so subscribers always see ADDED ahead of any CHANGED
	m.openLogFile(j)
	m.persist(j)
	if m.metrics != nil {
		m.metrics.JobsWaiting.Inc()
	}
	m.publish(eventbus.Added, j)

	m.mu.Lock()
	m.schedule(&execution{job: j, handler: spec.Handler})
	m.mu.Unlock()

	if spec.LockTimeout > 0 {
		go m.lockWaitTimeout(j, spec.LockTimeout)
	}
	return j, nil
}

// Get returns a job by id.
func (m *Manager) Get(id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "job %d does not exist", id)
	}
	return j, nil
}

// List returns snapshots of all retained jobs, ordered by id.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	sort.Slice(jobs, func(a, b int) bool { return jobs[a].id < jobs[b].id })
	out := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// Wait blocks until the job finishes or ctx expires, returning the job's
// result.
func (m *Manager) Wait(ctx context.Context, id int64) (any, error) {
	j, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, errors.WrapKind(ctx.Err(), errors.KindCancelled, "job", "Wait", "caller context")
	case <-j.Done():
		return j.Result()
	}
}

// Abort stops a job. The submitting principal, an administrator, or any
// principal holding one of the method's declared roles may abort. Waiting
// jobs leave the queue immediately; running jobs have their context
// cancelled and pipes closed.
func (m *Manager) Abort(principal *role.Principal, id int64) error {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.KindNotFound, "job %d does not exist", id)
	}
	if !abortPermitted(principal, j) {
		m.mu.Unlock()
		return errors.Newf(errors.KindForbidden, "not permitted to abort job %d", id)
	}

	switch j.State() {
	case StateWaiting:
		m.removeFromQueues(id)
		m.mu.Unlock()
		m.finalize(j, nil, errors.New(errors.KindCancelled, "job aborted"), StateAborted, nil)
		if m.metrics != nil {
			m.metrics.JobsWaiting.Dec()
		}
		return nil
	case StateRunning:
		cancel := j.cancel
		m.mu.Unlock()
		j.closePipes(errors.ErrCancelled)
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		m.mu.Unlock()
		return errors.Newf(errors.KindConflict, "job %d already finished", id)
	}
}

// abortPermitted evaluates the abort permission: the job's owner, a full
// administrator, or a holder of any role the method itself requires.
func abortPermitted(p *role.Principal, j *Job) bool {
	if p == nil {
		return false
	}
	if p.Name == j.owner || p.HasRole(role.FullAdmin) {
		return true
	}
	for _, r := range j.roles {
		if p.HasRole(r) {
			return true
		}
	}
	return false
}

// schedule tries to start exec now; callers hold m.mu.
func (m *Manager) schedule(exec *execution) {
	if m.tryAcquireLocks(exec) {
		m.runQueue = append(m.runQueue, exec)
		m.cond.Signal()
	}
}

// tryAcquireLocks takes every lock of exec's job or none. On failure the
// execution queues FIFO on the first unavailable lock, in lexicographic
// lock order so overlapping lock sets cannot deadlock. Callers hold m.mu.
func (m *Manager) tryAcquireLocks(exec *execution) bool {
	names := exec.job.lockNames
	for _, name := range names {
		if ls, ok := m.locks[name]; ok && ls.holder != 0 {
			ls.waiters = append(ls.waiters, exec)
			return false
		}
	}
	for _, name := range names {
		ls, ok := m.locks[name]
		if !ok {
			ls = &lockState{}
			m.locks[name] = ls
		}
		ls.holder = exec.job.id
	}
	return true
}

// releaseLocks frees exec's locks and reschedules waiters in FIFO order.
// Callers hold m.mu.
func (m *Manager) releaseLocks(exec *execution) {
	var woken []*execution
	for _, name := range exec.job.lockNames {
		ls, ok := m.locks[name]
		if !ok || ls.holder != exec.job.id {
			continue
		}
		ls.holder = 0
		woken = append(woken, ls.waiters...)
		ls.waiters = nil
		delete(m.locks, name)
	}
	for _, w := range woken {
		m.schedule(w)
	}
}

// removeFromQueues drops a waiting job from the run queue and all lock
// wait lists, reporting whether it was found anywhere. A false return
// means a worker already claimed the execution. Callers hold m.mu.
func (m *Manager) removeFromQueues(id int64) bool {
	found := false
	for i, exec := range m.runQueue {
		if exec.job.id == id {
			m.runQueue = append(m.runQueue[:i], m.runQueue[i+1:]...)
			m.releaseLocks(exec)
			found = true
			break
		}
	}
	for _, ls := range m.locks {
		for i, w := range ls.waiters {
			if w.job.id == id {
				ls.waiters = append(ls.waiters[:i], ls.waiters[i+1:]...)
				found = true
				break
			}
		}
	}
	return found
}

// lockWaitTimeout fails a job still waiting for its locks once the
// caller-supplied bound expires.
func (m *Manager) lockWaitTimeout(j *Job, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-j.done:
		return
	case <-timer.C:
	}

	m.mu.Lock()
	if j.State() != StateWaiting || !m.removeFromQueues(j.id) {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.finalize(j, nil,
		errors.Newf(errors.KindLocked, "job %d timed out waiting for locks after %v", j.id, d),
		StateFailed, nil)
	if m.metrics != nil {
		m.metrics.JobsWaiting.Dec()
	}
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		for len(m.runQueue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		exec := m.runQueue[0]
		m.runQueue = m.runQueue[1:]
		m.mu.Unlock()

		m.run(exec)
	}
}

func (m *Manager) run(exec *execution) {
	j := exec.job
	if !j.transition(StateRunning) {
		// aborted while queued
		m.mu.Lock()
		m.releaseLocks(exec)
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	j.mu.Lock()
	j.cancel = cancel
	j.mu.Unlock()
	defer cancel()

	if m.metrics != nil {
		m.metrics.JobsWaiting.Dec()
		m.metrics.JobsRunning.Inc()
	}
	m.publishChanged(j)
	m.logger.Info("Job started", "job_id", j.id, "method", j.method)

	result, err := runGuarded(ctx, exec.handler, j)

	state := StateSuccess
	switch {
	case err != nil && (errors.IsKind(err, errors.KindCancelled) || ctx.Err() != nil):
		state = StateAborted
	case err != nil:
		state = StateFailed
	}

	m.finalize(j, result, err, state, exec)
	if m.metrics != nil {
		m.metrics.JobsRunning.Dec()
	}
}

// runGuarded converts a handler panic into a failed job instead of taking
// the daemon down.
func runGuarded(ctx context.Context, h Handler, j *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.KindInternal, "job handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}

// finalize moves a job to its terminal state, persists it, emits the change
// event and runs retention.
func (m *Manager) finalize(j *Job, result any, err error, state State, exec *execution) {
	if !j.transition(state) {
		return
	}
	j.setResult(result, err)
	j.closePipes(nil)
	close(j.done)

	j.mu.Lock()
	if j.logFile != nil {
		j.logFile.Close()
		j.logFile = nil
	}
	j.mu.Unlock()

	if exec != nil {
		m.mu.Lock()
		m.releaseLocks(exec)
		m.mu.Unlock()
	}

	m.persist(j)
	if m.metrics != nil {
		m.metrics.RecordJobState(string(state))
	}
	m.publishChanged(j)

	if err != nil {
		m.logger.Warn("Job finished", "job_id", j.id, "method", j.method,
			"state", state, "error", err)
	} else {
		m.logger.Info("Job finished", "job_id", j.id, "method", j.method, "state", state)
	}

	m.evictTransient(j)
	m.trimRetained()
	m.trimLogs()
}

// evictTransient purges a transient job as soon as it reaches a terminal
// state. Transient jobs never linger in the retained list; the terminal
// CHANGED event is immediately followed by REMOVED.
func (m *Manager) evictTransient(j *Job) {
	if !j.transient {
		return
	}
	m.mu.Lock()
	delete(m.jobs, j.id)
	m.mu.Unlock()

	m.publish(eventbus.Removed, j)
	if m.cfg.LogDir != "" {
		os.Remove(m.logPath(j.id))
	}
	if m.store != nil {
		m.store.Delete(j.id)
	}
}

// trimRetained caps the number of terminal jobs kept in memory, oldest
// first, and prunes old log files alongside.
func (m *Manager) trimRetained() {
	m.mu.Lock()
	var terminal []*Job
	for _, j := range m.jobs {
		if j.State().Terminal() {
			terminal = append(terminal, j)
		}
	}
	sort.Slice(terminal, func(a, b int) bool { return terminal[a].id < terminal[b].id })

	var evicted []*Job
	for len(terminal) > m.cfg.KeepJobs {
		j := terminal[0]
		terminal = terminal[1:]
		delete(m.jobs, j.id)
		evicted = append(evicted, j)
	}
	m.mu.Unlock()

	for _, j := range evicted {
		m.publish(eventbus.Removed, j)
		if m.cfg.LogDir != "" {
			os.Remove(m.logPath(j.id))
		}
		if m.store != nil {
			m.store.Delete(j.id)
		}
	}
}

// trimLogs caps the number of on-disk log files to the KeepLogs newest,
// independently of job-record retention, so log history left by earlier
// runs never grows unbounded.
func (m *Manager) trimLogs() {
	if m.cfg.LogDir == "" {
		return
	}
	entries, err := os.ReadDir(m.cfg.LogDir)
	if err != nil {
		return
	}

	m.mu.Lock()
	live := make(map[int64]bool)
	for id, j := range m.jobs {
		if !j.State().Terminal() {
			live[id] = true
		}
	}
	m.mu.Unlock()

	var ids []int64
	for _, e := range entries {
		var id int64
		if _, err := fmt.Sscanf(e.Name(), "%d.log", &id); err == nil && !live[id] {
			ids = append(ids, id)
		}
	}
	if len(ids) <= m.cfg.KeepLogs {
		return
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	for _, id := range ids[:len(ids)-m.cfg.KeepLogs] {
		os.Remove(m.logPath(id))
	}
}

func (m *Manager) logPath(id int64) string {
	return filepath.Join(m.cfg.LogDir, fmt.Sprintf("%d.log", id))
}

func (m *Manager) openLogFile(j *Job) {
	if m.cfg.LogDir == "" {
		return
	}
	f, err := os.OpenFile(m.logPath(j.id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		m.logger.Warn("Cannot open job log file", "job_id", j.id, "error", err)
		return
	}
	j.mu.Lock()
	j.logFile = f
	j.mu.Unlock()
}

func (m *Manager) persist(j *Job) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(j.Snapshot()); err != nil {
		m.logger.Warn("Cannot persist job", "job_id", j.id, "error", err)
	}
}

func (m *Manager) publish(typ eventbus.ChangeType, j *Job) {
	if m.events == nil {
		return
	}
	var fields map[string]any
	if typ != eventbus.Removed {
		fields = snapshotFields(j.Snapshot())
	}
	m.events.Publish(ChangeChannel, eventbus.CRUDPayload(typ, j.id, fields))
}

func (m *Manager) publishChanged(j *Job) {
	m.publish(eventbus.Changed, j)
}

func snapshotFields(s Snapshot) map[string]any {
	fields := map[string]any{
		"id":           s.ID,
		"method":       s.Method,
		"arguments":    s.Arguments,
		"state":        string(s.State),
		"progress":     map[string]any{"percent": s.Progress.Percent, "description": s.Progress.Description},
		"result":       s.Result,
		"credentials":  s.Credentials,
		"transient":    s.Transient,
		"abortable":    s.Abortable,
		"time_created": s.TimeCreated,
	}
	if s.Error != "" {
		fields["error"] = s.Error
	}
	if s.TimeStarted != nil {
		fields["time_started"] = *s.TimeStarted
	}
	if s.TimeFinished != nil {
		fields["time_finished"] = *s.TimeFinished
	}
	return fields
}

func normalizeLocks(locks []string) []string {
	if len(locks) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(locks))
	out := make([]string, 0, len(locks))
	for _, l := range locks {
		if l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}
