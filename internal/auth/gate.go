package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/entity"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/account/repo"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-ebook-go/internal/token"
	"github.com/ovaphlow/pitchfork/service-ebook-go/pkg/utilities"
)

// TokenVerifier resolves a bearer token to an account id.
type TokenVerifier interface {
	Verify(raw string) (string, error)
}

// AccountLoader is the read side of the account store used by the gate.
type AccountLoader interface {
	FindByID(ctx context.Context, id string, includeDeleted bool) (*entity.Account, error)
}

type ctxKey struct{}

// WithAccount attaches the authenticated account to ctx.
func WithAccount(ctx context.Context, a *entity.Account) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// AccountFrom returns the account attached by Authenticate.
func AccountFrom(ctx context.Context) (*entity.Account, bool) {
	a, ok := ctx.Value(ctxKey{}).(*entity.Account)
	return a, ok && a != nil
}

// Gate authenticates bearer tokens. It never writes account state.
type Gate struct {
	tokens   TokenVerifier
	accounts AccountLoader
	metrics  *metrics.Metrics
	logger   *zap.SugaredLogger
}

func NewGate(tokens TokenVerifier, accounts AccountLoader, m *metrics.Metrics, logger *zap.SugaredLogger) *Gate {
	return &Gate{tokens: tokens, accounts: accounts, metrics: m, logger: logger}
}

// Authenticate rejects the request unless it carries a valid token for a
// live, active account.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			g.reject(w, http.StatusUnauthorized, "no_token", "no token")
			return
		}

		id, err := g.tokens.Verify(raw)
		switch {
		case errors.Is(err, token.ErrExpiredToken):
			g.reject(w, http.StatusUnauthorized, "expired", "token expired")
			return
		case err != nil:
			g.reject(w, http.StatusUnauthorized, "invalid", "invalid token")
			return
		}

		a, err := g.accounts.FindByID(r.Context(), id, false)
		if errors.Is(err, repo.ErrNotFound) {
			g.reject(w, http.StatusUnauthorized, "not_found", "user not found")
			return
		}
		if err != nil {
			g.logger.Errorw("authenticate: load account", "account_id", id, "err", err)
			utilities.WriteMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if a.Status != entity.StatusActive {
			g.reject(w, http.StatusForbidden, "status_"+string(a.Status), a.Status.BlockedMessage())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), a)))
	})
}

func (g *Gate) reject(w http.ResponseWriter, status int, reason, msg string) {
	g.metrics.AuthRejected(reason)
	g.logger.Debugw("authentication rejected", "reason", reason)
	utilities.WriteMessage(w, status, msg)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, raw, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

// HasRole reports whether a holds one of roles.
func HasRole(a *entity.Account, roles ...entity.Role) bool {
	for _, role := range roles {
		if a.Role == role {
			return true
		}
	}
	return false
}

// CanAccess applies the self-access rule before the role rule.
func CanAccess(a *entity.Account, targetID string, roles ...entity.Role) bool {
	if a.ID == targetID {
		return true
	}
	return HasRole(a, roles...)
}

// RequireRole must be mounted behind Authenticate.
func RequireRole(roles ...entity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := AccountFrom(r.Context())
			if !ok {
				utilities.WriteMessage(w, http.StatusUnauthorized, "no token")
				return
			}
			if !HasRole(a, roles...) {
				utilities.WriteMessage(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SelfOrRole lets the request through when the path value named param is
// the caller's own id, or when the caller holds one of roles.
func SelfOrRole(param string, roles ...entity.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			a, ok := AccountFrom(r.Context())
			if !ok {
				utilities.WriteMessage(w, http.StatusUnauthorized, "no token")
				return
			}
			if !CanAccess(a, r.PathValue(param), roles...) {
				utilities.WriteMessage(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
