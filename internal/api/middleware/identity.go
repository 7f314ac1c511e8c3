package middleware

import (
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/partition"
)

// Identity resolves the tenant identity supplied by the gateway header and routes it to a
// partition. Verifying the identity is the gateway's job; this middleware trusts the header.
type Identity struct {
	header   string
	required bool
	router   *partition.Router
	admins   map[string]bool
}

// NewIdentity creates the Identity middleware.
func NewIdentity(cfg config.IdentityConfig, router *partition.Router) *Identity {
	admins := make(map[string]bool, len(cfg.Admins))
	for _, a := range cfg.Admins {
		if id, ok := router.Normalize(a); ok {
			admins[id] = true
		}
	}
	return &Identity{
		header:   cfg.Header,
		required: cfg.Required,
		router:   router,
		admins:   admins,
	}
}

// Resolve sets the identity, partition locator and admin flag in the request context.
// A missing or unusable identity is rejected when identities are required; otherwise the
// request is served as the default identity.
func (i *Identity) Resolve(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := i.router.Normalize(r.Header.Get(i.header))
		if !ok {
			if i.required {
				response.Error(w, http.StatusUnauthorized,
					"MISSING_IDENTITY", "Missing or invalid "+i.header+" header", nil)
				return
			}
			id = i.router.DefaultIdentity()
			slog.Warn("request served as default identity",
				"method", r.Method,
				"path", r.URL.Path,
			)
		}

		ctx := SetIdentity(r.Context(), id, i.router.Route(id))
		ctx = setAdmin(ctx, i.admins[id])
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin rejects callers that are not configured administrators.
func (i *Identity) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdmin(r) {
			response.Error(w, http.StatusForbidden,
				"FORBIDDEN", "Administrator identity required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
