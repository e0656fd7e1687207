// Package auth verifies session credentials and manages login tokens.
//
// Four mechanisms are supported: password, API key, session token and
// one-time password. Password and API key verification is delegated to a
// collaborator; tokens and one-time passwords are minted and checked here.
// Failed password logins are rate limited per origin.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/metric"
	"github.com/truenas/middleware-sub024/pkg/cache"
	"github.com/truenas/middleware-sub024/role"
)

// Mechanism names the credential type presented by a session.
type Mechanism string

const (
	MechanismPassword Mechanism = "password"
	MechanismAPIKey   Mechanism = "api_key"
	MechanismToken    Mechanism = "token"
	MechanismOTP      Mechanism = "onetime_password"
)

// DefaultTokenTTL is the idle lifetime of a session token. Each successful
// use extends it.
const DefaultTokenTTL = 10 * time.Minute

// DefaultOTPTTL bounds how long a one-time password stays redeemable.
const DefaultOTPTTL = time.Hour

// Verifier checks long-lived credentials against the account database.
type Verifier interface {
	VerifyPassword(ctx context.Context, username, password string) (*role.Principal, error)
	VerifyAPIKey(ctx context.Context, key string) (*role.Principal, error)
}

// Manager implements the authentication surface.
type Manager struct {
	verifier Verifier
	logger   *slog.Logger
	metrics  *metric.Metrics

	tokenTTL time.Duration
	otpTTL   time.Duration
	tokens   *cache.TTL[*role.Principal]
	otps     *cache.TTL[*role.Principal]

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Option configures the manager.
type Option func(*Manager)

// WithMetrics wires auth attempt counters.
func WithMetrics(m *metric.Metrics) Option {
	return func(a *Manager) { a.metrics = m }
}

// WithTokenTTL overrides the session token idle lifetime.
func WithTokenTTL(d time.Duration) Option {
	return func(a *Manager) {
		if d > 0 {
			a.tokenTTL = d
		}
	}
}

// WithRateLimit overrides the per-origin password attempt budget.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *Manager) {
		a.limit = rate.Limit(perSecond)
		a.burst = burst
	}
}

// NewManager creates an authentication manager. Call Close on shutdown to
// stop the token sweeper.
func NewManager(verifier Verifier, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		verifier: verifier,
		logger:   logger,
		tokenTTL: DefaultTokenTTL,
		otpTTL:   DefaultOTPTTL,
		tokens:   cache.NewTTL[*role.Principal](),
		otps:     cache.NewTTL[*role.Principal](),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(2 * time.Second),
		burst:    5,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close stops background sweepers.
func (m *Manager) Close() {
	m.tokens.Close()
	m.otps.Close()
}

// AuthenticatePassword verifies a username and password. Origin identifies
// the caller for rate limiting, typically the remote address.
func (m *Manager) AuthenticatePassword(ctx context.Context, username, password, origin string) (*role.Principal, error) {
	if !m.allow(origin) {
		m.record(MechanismPassword, false)
		m.logger.Warn("Password login rate limited", "username", username, "origin", origin)
		return nil, errors.Newf(errors.KindAuthFailed, "too many authentication attempts")
	}

	p, err := m.verifier.VerifyPassword(ctx, username, password)
	if err != nil {
		m.record(MechanismPassword, false)
		m.logger.Warn("Password login failed", "username", username, "origin", origin)
		return nil, errors.WrapKind(err, errors.KindAuthFailed, "auth", "AuthenticatePassword", "credential verification")
	}

	m.record(MechanismPassword, true)
	m.logger.Info("Password login", "username", username, "origin", origin)
	return p, nil
}

// AuthenticateAPIKey verifies an API key.
func (m *Manager) AuthenticateAPIKey(ctx context.Context, key string) (*role.Principal, error) {
	p, err := m.verifier.VerifyAPIKey(ctx, key)
	if err != nil {
		m.record(MechanismAPIKey, false)
		return nil, errors.WrapKind(err, errors.KindAuthFailed, "auth", "AuthenticateAPIKey", "key verification")
	}
	m.record(MechanismAPIKey, true)
	return p, nil
}

// GenerateToken mints a session token for an already authenticated
// principal.
func (m *Manager) GenerateToken(p *role.Principal) (string, error) {
	if p == nil {
		return "", errors.New(errors.KindValidation, "cannot mint token without a principal")
	}
	token := uuid.NewString()
	m.tokens.Set(token, p, m.tokenTTL)
	return token, nil
}

// AuthenticateToken resolves a session token and extends its lifetime.
func (m *Manager) AuthenticateToken(token string) (*role.Principal, error) {
	p, ok := m.tokens.Get(token)
	if !ok {
		m.record(MechanismToken, false)
		return nil, errors.New(errors.KindAuthFailed, "token expired or unknown")
	}
	m.tokens.Touch(token, m.tokenTTL)
	m.record(MechanismToken, true)
	return p, nil
}

// RevokeToken invalidates a session token.
func (m *Manager) RevokeToken(token string) bool {
	return m.tokens.Delete(token)
}

// GenerateOneTimePassword mints a password redeemable exactly once.
func (m *Manager) GenerateOneTimePassword(p *role.Principal) (string, error) {
	if p == nil {
		return "", errors.New(errors.KindValidation, "cannot mint one-time password without a principal")
	}
	otp := uuid.NewString()
	m.otps.Set(otp, p, m.otpTTL)
	return otp, nil
}

// AuthenticateOneTimePassword redeems a one-time password. A second
// attempt with the same value fails.
func (m *Manager) AuthenticateOneTimePassword(otp string) (*role.Principal, error) {
	p, ok := m.otps.Take(otp)
	if !ok {
		m.record(MechanismOTP, false)
		return nil, errors.New(errors.KindAuthFailed, "one-time password expired or already used")
	}
	m.record(MechanismOTP, true)
	return p, nil
}

// Authenticate dispatches on mechanism name with free-form credential
// material, as presented by an auth frame.
func (m *Manager) Authenticate(ctx context.Context, mechanism string, creds map[string]any, origin string) (*role.Principal, error) {
	str := func(key string) string {
		v, _ := creds[key].(string)
		return v
	}
	switch Mechanism(mechanism) {
	case MechanismPassword:
		return m.AuthenticatePassword(ctx, str("username"), str("password"), origin)
	case MechanismAPIKey:
		return m.AuthenticateAPIKey(ctx, str("api_key"))
	case MechanismToken:
		return m.AuthenticateToken(str("token"))
	case MechanismOTP:
		return m.AuthenticateOneTimePassword(str("onetime_password"))
	default:
		return nil, errors.Newf(errors.KindAuthFailed, "unknown authentication mechanism %q", mechanism)
	}
}

func (m *Manager) allow(origin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	lim, ok := m.limiters[origin]
	if !ok {
		lim = rate.NewLimiter(m.limit, m.burst)
		m.limiters[origin] = lim
	}
	return lim.Allow()
}

func (m *Manager) record(mech Mechanism, ok bool) {
	if m.metrics != nil {
		m.metrics.RecordAuthAttempt(string(mech), ok)
	}
}
