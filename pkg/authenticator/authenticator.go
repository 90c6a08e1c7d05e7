// Package authenticator resolves the bearer token on an inbound request
// into a models.Principal. It covers only the gateway's own static and
// per-tenant API tokens plus the token-to-agent binding that pins a
// token to the first agent that ever presented it; it has no notion of
// user sign-in, OAuth2, or session cookies.
package authenticator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"edon/pkg/httpx"
	"edon/pkg/models"
	"edon/pkg/store"
)

// ErrMissingToken means the request carried neither X-EDON-TOKEN nor an
// Authorization: Bearer header.
var ErrMissingToken = errors.New("authenticator: missing token")

// ErrInvalidToken means a token was present but matched no tenant API
// key and no configured static token.
var ErrInvalidToken = errors.New("authenticator: invalid token")

// ErrAgentMismatch means the request's X-Agent-ID (or ?agent_id) does
// not match the agent this token was already bound to.
var ErrAgentMismatch = errors.New("authenticator: token bound to a different agent")

type tokenStore interface {
	GetAPIKeyTenant(ctx context.Context, tokenHash string) (string, error)
	BindToken(ctx context.Context, tokenHash, agentID string) error
	LookupToken(ctx context.Context, tokenHash string) (agentID string, lastUsedAt time.Time, err error)
	TouchToken(ctx context.Context, tokenHash string) error
}

// Config carries the static bootstrap token and binding toggle. Both
// mirror the original EDON_API_TOKEN / EDON_TOKEN_BINDING_ENABLED
// environment variables; main() is responsible for reading them.
type Config struct {
	// Enabled gates the whole scheme off; when false, Authenticate
	// always succeeds with an empty Principal (single-tenant / local
	// dev mode).
	Enabled bool
	// APIToken is the static bootstrap token compared directly against
	// the presented token when no per-tenant API key row matches.
	APIToken string
	// AllowStaticToken gates whether APIToken is consulted at all; the
	// caller sets this to false in production unless it has explicitly
	// opted back in, so a stray default token can never authenticate.
	AllowStaticToken bool
	// DevTenantID is the tenant a successful static-token match is
	// attributed to.
	DevTenantID string
	// TokenBindingEnabled turns on the first-use-binds agent pinning.
	TokenBindingEnabled bool
}

// Authenticator resolves principals from tokenStore-backed API keys and
// the static bootstrap token in Config.
type Authenticator struct {
	Store  tokenStore
	Config Config
}

// New wraps a *store.Store as the token lookup backend.
func New(s *store.Store, cfg Config) *Authenticator {
	return &Authenticator{Store: s, Config: cfg}
}

// ExtractToken pulls the bearer token from X-EDON-TOKEN (preferred) or
// Authorization: Bearer (fallback).
func ExtractToken(r *http.Request) (string, bool) {
	if token := strings.TrimSpace(r.Header.Get("X-EDON-TOKEN")); token != "" {
		return token, true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if bearer, ok := strings.CutPrefix(auth, "Bearer "); ok {
		bearer = strings.TrimSpace(bearer)
		if bearer != "" {
			return bearer, true
		}
	}
	return "", false
}

// Authenticate resolves the request's token into a Principal, applying
// token-to-agent binding when Config.TokenBindingEnabled is set.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (models.Principal, error) {
	if !a.Config.Enabled {
		return models.Principal{}, nil
	}

	token, ok := ExtractToken(r)
	if !ok {
		return models.Principal{}, ErrMissingToken
	}
	digest := models.TokenDigest(token)

	principal, err := a.resolveTenant(ctx, digest)
	if err != nil {
		return models.Principal{}, err
	}

	if a.Config.TokenBindingEnabled {
		if err := a.bindAgent(ctx, digest, r, &principal); err != nil {
			return models.Principal{}, err
		}
	}

	return principal, nil
}

func (a *Authenticator) resolveTenant(ctx context.Context, digest string) (models.Principal, error) {
	tenantID, err := a.Store.GetAPIKeyTenant(ctx, digest)
	if err == nil {
		return models.Principal{TenantID: tenantID, TokenHash: digest}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Principal{}, err
	}

	if a.Config.AllowStaticToken && a.Config.APIToken != "" && a.Config.APIToken != "your-secret-token" {
		if digest == models.TokenDigest(a.Config.APIToken) {
			return models.Principal{TenantID: a.Config.DevTenantID, TokenHash: digest, IsEnvToken: true}, nil
		}
	}

	return models.Principal{}, ErrInvalidToken
}

// bindAgent implements first-use-binds: a request carrying X-Agent-ID
// (or ?agent_id) either binds the token to that agent (if unbound) or
// is rejected as a mismatch (if bound to someone else). A request
// carrying neither is resolved against whatever agent the token is
// already bound to, and left unbound if none.
func (a *Authenticator) bindAgent(ctx context.Context, digest string, r *http.Request, p *models.Principal) error {
	requested := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if requested == "" {
		requested = strings.TrimSpace(r.Header.Get("X-Agent-ID"))
	}

	boundAgentID, _, err := a.Store.LookupToken(ctx, digest)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	switch {
	case requested != "" && boundAgentID != "" && boundAgentID != requested:
		return ErrAgentMismatch
	case requested != "":
		if err := a.Store.BindToken(ctx, digest, requested); err != nil {
			return err
		}
		p.AgentID = requested
		p.BoundToken = true
	case boundAgentID != "":
		p.AgentID = boundAgentID
		p.BoundToken = true
	default:
		return nil
	}

	_ = a.Store.TouchToken(ctx, digest)
	return nil
}

// Middleware enforces authentication on every request it wraps and
// stashes the resolved Principal in the request context. Routes that
// must stay public (health checks, version, docs) belong on a chi
// subrouter that never mounts this middleware, not on a path allowlist
// baked in here.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.Authenticate(r.Context(), r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			switch {
			case errors.Is(err, ErrMissingToken):
				httpx.Detail(w, http.StatusUnauthorized, "Missing authentication token. Provide X-EDON-TOKEN header or Authorization Bearer token.")
			case errors.Is(err, ErrAgentMismatch):
				httpx.Detail(w, http.StatusUnauthorized, "Token is already bound to a different agent")
			default:
				httpx.Detail(w, http.StatusUnauthorized, "Invalid authentication token")
			}
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal)))
	})
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the Principal a prior Middleware call
// attached to ctx, or the zero value if none was attached.
func PrincipalFromContext(ctx context.Context) models.Principal {
	p, _ := ctx.Value(principalKey{}).(models.Principal)
	return p
}
