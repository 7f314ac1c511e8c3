package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/resource"
	"github.com/kiranshivaraju/probehub/internal/store"
)

type resourceResponse struct {
	Locator     string            `json:"locator"`
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Payload     json.RawMessage   `json:"payload"`
}

// NewReadResourceHandler returns an http.HandlerFunc for GET /api/v1/resources/*.
// Configuration snapshots are only served to their owner.
func NewReadResourceHandler(res Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := caller(w, r)
		if !ok {
			return
		}
		locator := strings.Trim(chi.URLParam(r, "*"), "/")
		if locator == "" {
			invalidRequest(w, "resource locator is required")
			return
		}

		got, err := res.Read(r.Context(), locator)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if owner, scoped := got.Metadata[resource.MetaCreatedBy]; scoped && !canAccess(r, identity, owner) {
			writeError(w, r, store.ErrNotFound)
			return
		}

		response.JSON(w, resourceResponse{
			Locator:     locator,
			ContentType: got.ContentType,
			Metadata:    got.Metadata,
			Payload:     json.RawMessage(got.Payload),
		})
	}
}

// NewResourceStatsHandler returns an http.HandlerFunc for GET /api/v1/resources-stats.
func NewResourceStatsHandler(res Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, res.Stats())
	}
}
