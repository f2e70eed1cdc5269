package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/alanyoungcy/stakepool/internal/crypto"
)

// RoleAdmin is the gateway role allowed to create, settle and refund
// predictions.
const RoleAdmin = "admin"

// Identity is the caller as asserted by the upstream gateway.
type Identity struct {
	UserID string
	Roles  []string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

type identityKey struct{}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by Gateway, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// Gateway returns middleware that reads the X-User-ID and X-User-Roles
// headers set by the identity gateway. When auth is non-nil every request
// carrying a user id must also carry a valid gateway signature. Requests
// without a user id pass through anonymous.
func Gateway(auth *crypto.GatewayAuth, logger *slog.Logger, now func() time.Time) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(crypto.HeaderUserID))
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}
			if auth != nil {
				err := auth.Verify(
					r.Header.Get(crypto.HeaderTimestamp),
					r.Header.Get(crypto.HeaderSignature),
					r.Method, r.URL.Path, userID, now(),
				)
				if err != nil {
					logger.WarnContext(r.Context(), "gateway signature rejected",
						slog.String("user_id", userID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)
					writeError(w, http.StatusUnauthorized, "invalid gateway signature")
					return
				}
			}
			id := Identity{UserID: userID, Roles: splitRoles(r.Header.Get(crypto.HeaderUserRoles))}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFrom(r.Context()); !ok {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next(w, r)
	}
}

// RequireRole rejects anonymous requests with 401 and callers lacking role
// with 403.
func RequireRole(role string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		if !id.HasRole(role) {
			writeError(w, http.StatusForbidden, "requires role "+role)
			return
		}
		next(w, r)
	}
}

func splitRoles(header string) []string {
	var roles []string
	for _, r := range strings.Split(header, ",") {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
