package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/schema"
)

// Service groups methods under a dotted name prefix.
type Service struct {
	Name        string
	Description string
	Private     bool

	methods map[string]*Method
}

// Methods returns the service's method descriptors sorted by name.
func (s *Service) Methods() []*Method {
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Method, 0, len(names))
	for _, n := range names {
		out = append(out, s.methods[n])
	}
	return out
}

// Method returns one method descriptor by bare name.
func (s *Service) Method(name string) (*Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

// SetupHook runs after all registrations, before the daemon accepts calls.
type SetupHook func() error

// RoleChecker reports whether a role name has been registered. The role
// manager satisfies it.
type RoleChecker interface {
	Known(role string) bool
}

// Registry is the catalog of services and methods.
type Registry struct {
	mu        sync.RWMutex
	services  map[string]*Service
	hooks     []SetupHook
	engine    *schema.Engine
	roleCheck RoleChecker
	logger    *slog.Logger
}

// Option configures the registry at construction.
type Option func(*Registry)

// WithRoleChecker makes registration fail for descriptors naming a role
// the checker does not know.
func WithRoleChecker(rc RoleChecker) Option {
	return func(r *Registry) { r.roleCheck = rc }
}

// New creates an empty registry validating method schemas against the
// given engine.
func New(engine *schema.Engine, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		services: make(map[string]*Service),
		engine:   engine,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterService declares a service. Re-declaring an identical service is
// a no-op; conflicting metadata is an error.
func (r *Registry) RegisterService(name, description string, private bool) error {
	if name == "" {
		return errors.New(errors.KindValidation, "service name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.services[name]; ok {
		if existing.Description == description && existing.Private == private {
			return nil
		}
		return errors.Newf(errors.KindConflict,
			"service %s already registered with different metadata", name)
	}

	r.services[name] = &Service{
		Name:        name,
		Description: description,
		Private:     private,
		methods:     make(map[string]*Method),
	}
	return nil
}

// RegisterMethod adds a method to a service, creating the service if needed.
// Registering a descriptor identical to the existing one is a no-op; a
// conflicting descriptor under the same name fails and the registry keeps
// the original.
func (r *Registry) RegisterMethod(service string, m *Method) error {
	if err := validateMethod(service, m); err != nil {
		return err
	}
	if r.roleCheck != nil {
		for _, name := range m.Roles {
			if !r.roleCheck.Known(name) {
				return errors.Newf(errors.KindValidation,
					"method %s names unknown role %s", FullName(service, m.Name), name)
			}
		}
	}
	if r.engine != nil {
		for i, p := range m.Accepts {
			if err := p.Validate(); err != nil {
				return errors.Wrap(err, "registry", "RegisterMethod",
					fmt.Sprintf("parameter %d of %s", i, FullName(service, m.Name)))
			}
		}
		if m.Returns != nil {
			if err := m.Returns.Validate(); err != nil {
				return errors.Wrap(err, "registry", "RegisterMethod",
					fmt.Sprintf("result schema of %s", FullName(service, m.Name)))
			}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	svc, ok := r.services[service]
	if !ok {
		svc = &Service{Name: service, methods: make(map[string]*Method)}
		r.services[service] = svc
	}

	if existing, ok := svc.methods[m.Name]; ok {
		if existing.equivalent(m) {
			return nil
		}
		return errors.Newf(errors.KindConflict,
			"method %s already registered with a different contract",
			FullName(service, m.Name))
	}

	svc.methods[m.Name] = m
	r.logger.Debug("Registered method", "method", FullName(service, m.Name), "job", m.Job)
	return nil
}

// OnSetup queues a hook to run once registration is complete.
func (r *Registry) OnSetup(h SetupHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// RunSetupHooks executes queued hooks in registration order and stops at
// the first failure.
func (r *Registry) RunSetupHooks() error {
	r.mu.RLock()
	hooks := make([]SetupHook, len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	for i, h := range hooks {
		if err := h(); err != nil {
			return errors.Wrap(err, "registry", "RunSetupHooks",
				fmt.Sprintf("setup hook %d", i))
		}
	}
	return nil
}

// Lookup resolves a fully qualified "service.method" name. Service names may
// themselves contain dots, so the longest registered prefix wins.
func (r *Registry) Lookup(fullName string) (*Service, *Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := strings.LastIndex(fullName, ".")
	for idx > 0 {
		svcName := fullName[:idx]
		if svc, ok := r.services[svcName]; ok {
			if m, ok := svc.Method(fullName[idx+1:]); ok {
				return svc, m, nil
			}
		}
		idx = strings.LastIndex(fullName[:idx], ".")
	}
	return nil, nil, errors.Newf(errors.KindMethodNotFound, "method %s does not exist", fullName)
}

// Service returns one service by name.
func (r *Registry) Service(name string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns all public services sorted by name.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.services))
	for n := range r.services {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]*Service, 0, len(names))
	for _, n := range names {
		out = append(out, r.services[n])
	}
	return out
}

// MethodNames returns every fully qualified method name, sorted.
func (r *Registry) MethodNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for svcName, svc := range r.services {
		for mName := range svc.methods {
			names = append(names, FullName(svcName, mName))
		}
	}
	sort.Strings(names)
	return names
}

func validateMethod(service string, m *Method) error {
	if service == "" {
		return errors.New(errors.KindValidation, "service name cannot be empty")
	}
	if m == nil {
		return errors.New(errors.KindValidation, "method descriptor cannot be nil")
	}
	if m.Name == "" || strings.Contains(m.Name, ".") {
		return errors.Newf(errors.KindValidation, "invalid method name %q", m.Name)
	}
	if m.Handler == nil {
		return errors.Newf(errors.KindValidation,
			"method %s has no handler", FullName(service, m.Name))
	}
	if !m.Job {
		if len(m.Locks) > 0 || m.LockFunc != nil {
			return errors.Newf(errors.KindValidation,
				"method %s declares locks but is not a job", FullName(service, m.Name))
		}
		if m.Pipes.Input || m.Pipes.Output {
			return errors.Newf(errors.KindValidation,
				"method %s declares pipes but is not a job", FullName(service, m.Name))
		}
		if m.Transient {
			return errors.Newf(errors.KindValidation,
				"method %s is transient but is not a job", FullName(service, m.Name))
		}
	}
	return nil
}
