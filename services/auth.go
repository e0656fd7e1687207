package services

import (
	"context"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/registry"
	"github.com/truenas/middleware-sub024/role"
	"github.com/truenas/middleware-sub024/schema"
)

// TokenManager is the credential surface the auth service needs.
type TokenManager interface {
	AuthenticatePassword(ctx context.Context, username, password, origin string) (*role.Principal, error)
	AuthenticateToken(token string) (*role.Principal, error)
	GenerateToken(p *role.Principal) (string, error)
	RevokeToken(token string) bool
	GenerateOneTimePassword(p *role.Principal) (string, error)
}

// SessionBinder attaches and detaches principals on live sessions.
// The dispatcher implements it.
type SessionBinder interface {
	Bind(sessionID string, p *role.Principal) bool
	Origin(sessionID string) string
}

// RegisterAuth installs the auth service: method-based login for clients
// that prefer it over the wire protocol's auth frame, plus token and
// one-time password management for authenticated principals.
func RegisterAuth(reg *registry.Registry, tokens TokenManager, binder SessionBinder) error {
	if err := reg.RegisterService("auth", "Session login and credential management", false); err != nil {
		return err
	}

	bind := func(call *registry.Call, p *role.Principal) error {
		if binder == nil || call.SessionID == "" {
			return errors.New(errors.KindValidation, "login requires a connected session")
		}
		if !binder.Bind(call.SessionID, p) {
			return errors.New(errors.KindValidation, "session is gone")
		}
		return nil
	}
	origin := func(call *registry.Call) string {
		if binder == nil {
			return ""
		}
		return binder.Origin(call.SessionID)
	}

	methods := []*registry.Method{
		{
			Name:           "login",
			Description:    "Authenticate the session with a username and password",
			NoAuthRequired: true,
			Accepts: []*schema.Schema{
				schema.Str("username", schema.Required()),
				schema.Password("password", schema.Required()),
			},
			Returns: schema.Bool("logged_in"),
			Audit:   "Password login",
			Handler: func(ctx context.Context, call *registry.Call, args []any) (any, error) {
				p, err := tokens.AuthenticatePassword(ctx,
					args[0].(string), args[1].(string), origin(call))
				if err != nil {
					return nil, err
				}
				if err := bind(call, p); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
		{
			Name:           "login_with_token",
			Description:    "Authenticate the session with a previously minted token",
			NoAuthRequired: true,
			Accepts:        []*schema.Schema{schema.Secret("token", schema.Required())},
			Returns:        schema.Bool("logged_in"),
			Audit:          "Token login",
			Handler: func(_ context.Context, call *registry.Call, args []any) (any, error) {
				p, err := tokens.AuthenticateToken(args[0].(string))
				if err != nil {
					return nil, err
				}
				if err := bind(call, p); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
		{
			Name:        "logout",
			Description: "Drop the session's principal",
			Roles:       []string{RoleReadonly},
			Returns:     schema.Bool("logged_out"),
			Audit:       "Logout",
			Handler: func(_ context.Context, call *registry.Call, _ []any) (any, error) {
				if err := bind(call, nil); err != nil {
					return nil, err
				}
				return true, nil
			},
		},
		{
			Name:        "me",
			Description: "Describe the calling principal",
			Roles:       []string{RoleReadonly},
			Returns:     schema.Any("principal"),
			Handler: func(_ context.Context, call *registry.Call, _ []any) (any, error) {
				return map[string]any{
					"name":  call.Principal.Name,
					"roles": call.Principal.Roles,
				}, nil
			},
		},
		{
			Name:        "generate_token",
			Description: "Mint a session token carrying the caller's roles",
			Roles:       []string{RoleReadonly},
			Returns:     schema.Secret("token"),
			Audit:       "Generated session token",
			Handler: func(_ context.Context, call *registry.Call, _ []any) (any, error) {
				return tokens.GenerateToken(call.Principal)
			},
		},
		{
			Name:        "revoke_token",
			Description: "Invalidate a previously minted session token",
			Accepts:     []*schema.Schema{schema.Secret("token", schema.Required())},
			Returns:     schema.Bool("revoked"),
			Audit:       "Revoked session token",
			Handler: func(_ context.Context, _ *registry.Call, args []any) (any, error) {
				return tokens.RevokeToken(args[0].(string)), nil
			},
		},
		{
			Name:        "generate_onetime_password",
			Description: "Mint a single-use password carrying the caller's roles",
			Returns:     schema.Secret("password"),
			Audit:       "Generated one-time password",
			Handler: func(_ context.Context, call *registry.Call, _ []any) (any, error) {
				return tokens.GenerateOneTimePassword(call.Principal)
			},
		},
	}

	for _, m := range methods {
		if err := reg.RegisterMethod("auth", m); err != nil {
			return err
		}
	}
	return nil
}
