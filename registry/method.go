package registry

import (
	"context"
	"io"
	"log/slog"
	"reflect"

	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
)

// CRUDKind tags a method as part of an entity lifecycle for event emission.
type CRUDKind string

const (
	CRUDNone   CRUDKind = ""
	CRUDCreate CRUDKind = "create"
	CRUDUpdate CRUDKind = "update"
	CRUDDelete CRUDKind = "delete"
)

// CRUD describes the entity lifecycle a method participates in. Plugin is
// the event channel prefix and IDField names the entity identifier in
// results and arguments.
type CRUD struct {
	Kind    CRUDKind
	Plugin  string
	IDField string
}

// JobControl is the surface a job-backed handler uses to report progress,
// append log lines, and reach its byte pipes. Synchronous handlers receive
// a nil JobControl.
type JobControl interface {
	// SetProgress updates completion percent and description. Percent
	// must not decrease; violations are rejected.
	SetProgress(percent float64, description string) error

	// Log appends one line to the job log.
	Log(line string)

	// ReadPipe returns the upload pipe, if the method declared one.
	ReadPipe() io.ReadCloser

	// WritePipe returns the download pipe, if the method declared one.
	WritePipe() io.WriteCloser

	// ID returns the job's identifier.
	ID() int64
}

// Call carries everything a handler may consult about the invocation.
type Call struct {
	// Principal is the authenticated caller, nil for internal calls
	// made by the daemon itself.
	Principal *role.Principal

	// SessionID identifies the originating session, empty for internal
	// calls.
	SessionID string

	// TraceID correlates log lines and error frames for this call.
	TraceID string

	// Job is non-nil only when the method is job-backed.
	Job JobControl

	// Logger is pre-tagged with method and trace id.
	Logger *slog.Logger
}

// HandlerFunc is the uniform method implementation signature. Args arrive
// already validated and coerced against the method's Accepts schemas.
type HandlerFunc func(ctx context.Context, call *Call, args []any) (any, error)

// PipeSpec declares which byte pipes a job method uses.
type PipeSpec struct {
	Input  bool
	Output bool
}

// Method is the complete contract of one callable operation.
type Method struct {
	// Name is the bare method name, without the service prefix.
	Name string

	Description string

	// Accepts holds one schema per positional parameter.
	Accepts []*schema.Schema

	// Returns describes the result. Nil means the method returns null.
	Returns *schema.Schema

	// Roles lists the roles allowed to call the method. Empty means
	// FULL_ADMIN only.
	Roles []string

	// NoAuthRequired exempts the method from authentication entirely.
	NoAuthRequired bool

	// Filterable marks query-style methods accepting filter/options args.
	Filterable bool

	// Job routes the call through the job manager.
	Job bool

	// Transient jobs are purged from the job list as soon as they reach
	// a terminal state.
	Transient bool

	// Locks names the job locks taken before the handler runs. LockFunc,
	// when set, derives lock names from the validated args instead.
	Locks    []string
	LockFunc func(args []any) []string

	// CRUD carries entity-lifecycle metadata for event emission.
	CRUD CRUD

	// Audit is the audit trail description for calls to this method.
	// Empty disables auditing.
	Audit string

	// Pipes declares job byte pipes.
	Pipes PipeSpec

	// Handler executes the call.
	Handler HandlerFunc
}

// FullName joins a service prefix with the method name.
func FullName(service, method string) string {
	return service + "." + method
}

// equivalent reports whether two descriptors describe the same contract.
// Handler and LockFunc are compared by identity since function values have
// no deeper notion of equality.
func (m *Method) equivalent(o *Method) bool {
	if m.Name != o.Name ||
		m.Description != o.Description ||
		m.NoAuthRequired != o.NoAuthRequired ||
		m.Filterable != o.Filterable ||
		m.Job != o.Job ||
		m.Transient != o.Transient ||
		m.Audit != o.Audit ||
		m.CRUD != o.CRUD ||
		m.Pipes != o.Pipes {
		return false
	}
	if !reflect.DeepEqual(m.Roles, o.Roles) || !reflect.DeepEqual(m.Locks, o.Locks) {
		return false
	}
	if !reflect.DeepEqual(m.Accepts, o.Accepts) || !reflect.DeepEqual(m.Returns, o.Returns) {
		return false
	}
	if reflect.ValueOf(m.Handler).Pointer() != reflect.ValueOf(o.Handler).Pointer() {
		return false
	}
	if (m.LockFunc == nil) != (o.LockFunc == nil) {
		return false
	}
	if m.LockFunc != nil &&
		reflect.ValueOf(m.LockFunc).Pointer() != reflect.ValueOf(o.LockFunc).Pointer() {
		return false
	}
	return true
}
