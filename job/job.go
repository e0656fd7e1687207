package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/pkg/buffer"
)

// State is a job's lifecycle phase.
type State string

const (
	StateWaiting State = "WAITING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateAborted
}

// Progress is a job's completion report.
type Progress struct {
	Percent     float64 `json:"percent"`
	Description string  `json:"description"`
}

// logRingSize bounds the in-memory tail of each job's log.
const logRingSize = 1000

// Job is one background execution. All exported access goes through
// methods; the struct is shared between the manager, the handler goroutine
// and readers.
type Job struct {
	id        int64
	method    string
	args      []any
	redacted  []any
	owner     string
	sessionID string
	roles     []string
	transient bool
	abortable bool
	lockNames []string

	mu           sync.RWMutex
	state        State
	progress     Progress
	result       any
	err          error
	timeCreated  time.Time
	timeStarted  time.Time
	timeFinished time.Time

	logRing *buffer.Ring[string]
	logFile *os.File

	cancel context.CancelFunc
	done   chan struct{}

	pipeIn  *pipeEnd
	pipeOut *pipeEnd

	onChange func(*Job)
}

// pipeEnd pairs the two halves of a job byte pipe.
type pipeEnd struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeEnd() *pipeEnd {
	r, w := io.Pipe()
	return &pipeEnd{r: r, w: w}
}

// ID returns the job identifier.
func (j *Job) ID() int64 { return j.id }

// Method returns the fully qualified method name.
func (j *Job) Method() string { return j.method }

// Owner returns the principal name that submitted the job.
func (j *Job) Owner() string { return j.owner }

// State returns the current lifecycle phase.
func (j *Job) State() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Progress returns the current completion report.
func (j *Job) Progress() Progress {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result returns the handler's return value and error after completion.
func (j *Job) Result() (any, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result, j.err
}

// SetProgress updates completion. Percent must not decrease and must stay
// within [0, 100].
func (j *Job) SetProgress(percent float64, description string) error {
	j.mu.Lock()
	if percent < 0 || percent > 100 {
		j.mu.Unlock()
		return errors.Newf(errors.KindValidation, "progress percent %v out of range", percent)
	}
	if percent < j.progress.Percent {
		j.mu.Unlock()
		return errors.Newf(errors.KindValidation,
			"progress cannot decrease from %v to %v", j.progress.Percent, percent)
	}
	j.progress = Progress{Percent: percent, Description: description}
	cb := j.onChange
	j.mu.Unlock()

	if cb != nil {
		cb(j)
	}
	return nil
}

// Log appends one line to the job log, both the in-memory tail and the
// append-only file.
func (j *Job) Log(line string) {
	j.mu.Lock()
	j.logRing.Append(line)
	f := j.logFile
	j.mu.Unlock()

	if f != nil {
		fmt.Fprintf(f, "[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
	}
}

// LogTail returns the retained log lines, oldest first.
func (j *Job) LogTail() []string {
	return j.logRing.Snapshot()
}

// ReadPipe returns the upload pipe reader, nil if the method declared none.
func (j *Job) ReadPipe() io.ReadCloser {
	if j.pipeIn == nil {
		return nil
	}
	return j.pipeIn.r
}

// WritePipe returns the download pipe writer, nil if the method declared
// none.
func (j *Job) WritePipe() io.WriteCloser {
	if j.pipeOut == nil {
		return nil
	}
	return j.pipeOut.w
}

// InputWriter is the transport side of the upload pipe.
func (j *Job) InputWriter() io.WriteCloser {
	if j.pipeIn == nil {
		return nil
	}
	return j.pipeIn.w
}

// OutputReader is the transport side of the download pipe.
func (j *Job) OutputReader() io.ReadCloser {
	if j.pipeOut == nil {
		return nil
	}
	return j.pipeOut.r
}

// closePipes unblocks any reader or writer still attached.
func (j *Job) closePipes(cause error) {
	if j.pipeIn != nil {
		j.pipeIn.r.CloseWithError(cause)
		j.pipeIn.w.CloseWithError(cause)
	}
	if j.pipeOut != nil {
		j.pipeOut.r.CloseWithError(cause)
		j.pipeOut.w.CloseWithError(cause)
	}
}

// Snapshot is the wire representation of a job, as served by core.get_jobs
// and carried on job change events. Arguments are pre-redacted.
type Snapshot struct {
	ID           int64      `json:"id"`
	Method       string     `json:"method"`
	Arguments    []any      `json:"arguments"`
	State        State      `json:"state"`
	Progress     Progress   `json:"progress"`
	Result       any        `json:"result"`
	Error        string     `json:"error,omitempty"`
	Credentials  string     `json:"credentials"`
	Transient    bool       `json:"transient"`
	Abortable    bool       `json:"abortable"`
	TimeCreated  time.Time  `json:"time_created"`
	TimeStarted  *time.Time `json:"time_started"`
	TimeFinished *time.Time `json:"time_finished"`
}

// Snapshot captures the job's externally visible state.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		ID:          j.id,
		Method:      j.method,
		Arguments:   j.redacted,
		State:       j.state,
		Progress:    j.progress,
		Result:      j.result,
		Credentials: j.owner,
		Transient:   j.transient,
		Abortable:   j.abortable,
		TimeCreated: j.timeCreated,
	}
	if j.err != nil {
		s.Error = j.err.Error()
	}
	if !j.timeStarted.IsZero() {
		t := j.timeStarted
		s.TimeStarted = &t
	}
	if !j.timeFinished.IsZero() {
		t := j.timeFinished
		s.TimeFinished = &t
	}
	return s
}

// transition moves the job to a new state under its lock and returns
// whether the move happened. Terminal states are sticky.
func (j *Job) transition(to State) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state.Terminal() {
		return false
	}
	switch to {
	case StateRunning:
		if j.state != StateWaiting {
			return false
		}
		j.timeStarted = time.Now()
	case StateSuccess, StateFailed, StateAborted:
		j.timeFinished = time.Now()
	default:
		return false
	}
	j.state = to
	return true
}

func (j *Job) setResult(result any, err error) {
	j.mu.Lock()
	j.result = result
	j.err = err
	if err == nil {
		j.progress = Progress{Percent: 100, Description: j.progress.Description}
	}
	j.mu.Unlock()
}
