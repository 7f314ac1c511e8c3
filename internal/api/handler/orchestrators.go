package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

const maxConfigNameLength = 255

// NewCreateOrchestratorHandler returns an http.HandlerFunc for POST /api/v1/orchestrators.
func NewCreateOrchestratorHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := caller(w, r)
		if !ok {
			return
		}

		var req struct {
			Name       string                  `json:"name"`
			Kind       models.OrchestratorKind `json:"kind"`
			Parameters json.RawMessage         `json:"parameters"`
			Tags       []string                `json:"tags"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		name := strings.TrimSpace(req.Name)
		if name == "" || len(name) > maxConfigNameLength {
			invalidRequest(w, "name is required and must be at most 255 bytes")
			return
		}
		if _, known := models.ParamsFor(req.Kind); !known {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown orchestrator kind",
				map[string]any{"field": "kind", "allowed": models.Kinds()})
			return
		}
		if _, err := models.DecodeParams(req.Kind, req.Parameters); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid parameters",
				map[string]string{"field": "parameters", "reason": err.Error()})
			return
		}

		params := req.Parameters
		if t := bytes.TrimSpace(params); len(t) == 0 || bytes.Equal(t, []byte("null")) {
			params = json.RawMessage("{}")
		}

		cfg := &models.OrchestratorConfiguration{
			ID:         uuid.New(),
			Name:       name,
			Kind:       req.Kind,
			Parameters: params,
			Tags:       models.NormalizeTags(req.Tags),
			Status:     models.ConfigStatusConfigured,
			CreatedBy:  identity,
		}
		if err := st.CreateConfiguration(r.Context(), cfg); err != nil {
			writeError(w, r, err)
			return
		}

		response.Created(w, cfg)
	}
}

// NewListOrchestratorsHandler returns an http.HandlerFunc for GET /api/v1/orchestrators.
func NewListOrchestratorsHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, ok := caller(w, r)
		if !ok {
			return
		}
		limit, offset, err := page(r)
		if err != nil {
			invalidRequest(w, err.Error())
			return
		}

		q := r.URL.Query()
		filter := store.ConfigFilter{
			CreatedBy: identity,
			Status:    models.ConfigStatus(q.Get("status")),
			Kind:      models.OrchestratorKind(q.Get("kind")),
			Limit:     limit + 1,
			Offset:    offset,
		}
		cfgs, err := st.ListConfigurations(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}

		cfgs, meta := pageMeta(cfgs, limit, offset)
		response.Collection(w, cfgs, meta)
	}
}

// NewGetOrchestratorHandler returns an http.HandlerFunc for GET /api/v1/orchestrators/{id}.
func NewGetOrchestratorHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := ownedConfiguration(w, r, st)
		if !ok {
			return
		}
		response.JSON(w, cfg)
	}
}

// NewDeleteOrchestratorHandler returns an http.HandlerFunc for DELETE /api/v1/orchestrators/{id}.
// Configurations referenced by any execution cannot be deleted.
func NewDeleteOrchestratorHandler(st store.Store, res Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := ownedConfiguration(w, r, st)
		if !ok {
			return
		}
		if err := st.DeleteConfiguration(r.Context(), cfg.ID); err != nil {
			writeError(w, r, err)
			return
		}
		res.InvalidateConfiguration(cfg.ID)
		response.NoContent(w)
	}
}

// NewRetireOrchestratorHandler returns an http.HandlerFunc for
// POST /api/v1/orchestrators/{id}/retire. The router restricts it to administrators.
func NewRetireOrchestratorHandler(st store.Store, res Resources) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := uuidParam(w, r, "id")
		if !ok {
			return
		}
		if err := st.SetConfigurationStatus(r.Context(), id, models.ConfigStatusRetired); err != nil {
			writeError(w, r, err)
			return
		}
		res.InvalidateConfiguration(id)

		cfg, err := st.GetConfiguration(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, cfg)
	}
}

func ownedConfiguration(w http.ResponseWriter, r *http.Request, st store.Store) (*models.OrchestratorConfiguration, bool) {
	identity, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	cfg, err := st.GetConfiguration(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !canAccess(r, identity, cfg.CreatedBy) {
		writeError(w, r, store.ErrNotFound)
		return nil, false
	}
	return cfg, true
}
