package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/probehub/internal/api/middleware"
	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/kiranshivaraju/probehub/internal/coordinator"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

const (
	idempotencyHeader  = "Idempotency-Key"
	replayHeader       = "Idempotent-Replay"
	idempotencyTTL     = 24 * time.Hour
	idempotencyPending = "pending"
	maxIdempotencyKey  = 255
)

type submitResponse struct {
	ExecutionID uuid.UUID              `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	StatusURL   string                 `json:"status_url"`
}

// NewSubmitExecutionHandler returns an http.HandlerFunc for
// POST /api/v1/orchestrators/{id}/executions. A repeated Idempotency-Key from the same
// partition replays the original execution id for 24 hours.
func NewSubmitExecutionHandler(st store.Store, c cache.Cache, execs Executions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg, ok := ownedConfiguration(w, r, st)
		if !ok {
			return
		}
		identity, _ := mw.GetIdentity(r)

		var req struct {
			Kind  models.ExecutionKind `json:"kind"`
			Name  *string              `json:"name"`
			Input json.RawMessage      `json:"input"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if len(key) > maxIdempotencyKey {
			invalidRequest(w, "Idempotency-Key must be at most 255 bytes")
			return
		}
		var cacheKey string
		if key != "" {
			loc, _ := mw.GetPartition(r)
			cacheKey = cache.IdempotencyKey(loc, key)
			claimed, handled := claimIdempotencyKey(w, r, c, cacheKey)
			if handled {
				return
			}
			if !claimed {
				// Redis unavailable; proceed without idempotency.
				cacheKey = ""
			}
		}

		id, err := execs.Submit(r.Context(), coordinator.SubmitRequest{
			ConfigurationID: cfg.ID,
			Kind:            req.Kind,
			Name:            req.Name,
			Input:           req.Input,
			Identity:        identity,
		})
		if err != nil {
			if cacheKey != "" {
				releaseIdempotencyKey(r.Context(), c, cacheKey)
			}
			writeError(w, r, err)
			return
		}

		if cacheKey != "" {
			if err := c.Set(r.Context(), cacheKey, []byte(id.String()), idempotencyTTL); err != nil {
				slog.Warn("failed to record idempotency key", "execution_id", id, "error", err)
			}
		}

		response.Accepted(w, submitResponse{
			ExecutionID: id,
			Status:      models.ExecutionStatusRunning,
			StatusURL:   "/api/v1/executions/" + id.String(),
		})
	}
}

// claimIdempotencyKey reserves key for this request. handled is true when a response was
// already written (replay or in-flight conflict). claimed is false when the cache could not
// be consulted.
func claimIdempotencyKey(w http.ResponseWriter, r *http.Request, c cache.Cache, key string) (claimed, handled bool) {
	ctx := r.Context()
	if existing, found, err := c.Get(ctx, key); err != nil {
		slog.Warn("idempotency lookup failed", "error", err)
		return false, false
	} else if found {
		writeReplay(w, existing)
		return true, true
	}

	ok, err := c.SetNX(ctx, key, []byte(idempotencyPending), idempotencyTTL)
	if err != nil {
		slog.Warn("idempotency reservation failed", "error", err)
		return false, false
	}
	if !ok {
		existing, found, err := c.Get(ctx, key)
		if err == nil && found {
			writeReplay(w, existing)
			return true, true
		}
		response.Error(w, http.StatusConflict, "CONFLICT",
			"A request with this Idempotency-Key is already in progress", nil)
		return true, true
	}
	return true, false
}

func writeReplay(w http.ResponseWriter, stored []byte) {
	if string(stored) == idempotencyPending {
		response.Error(w, http.StatusConflict, "CONFLICT",
			"A request with this Idempotency-Key is already in progress", nil)
		return
	}
	id, err := uuid.ParseBytes(stored)
	if err != nil {
		response.Error(w, http.StatusConflict, "CONFLICT", "Idempotency-Key is in an unknown state", nil)
		return
	}
	w.Header().Set(replayHeader, "true")
	response.Accepted(w, submitResponse{
		ExecutionID: id,
		Status:      models.ExecutionStatusRunning,
		StatusURL:   "/api/v1/executions/" + id.String(),
	})
}

func releaseIdempotencyKey(ctx context.Context, c cache.Cache, key string) {
	if err := c.Delete(ctx, key); err != nil {
		slog.Warn("failed to release idempotency key", "error", err)
	}
}

// NewListExecutionsHandler returns an http.HandlerFunc for GET /api/v1/executions.
func NewListExecutionsHandler(st store.Store) http.HandlerFunc {
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
		filter := store.ExecutionFilter{
			CreatedBy: identity,
			Status:    models.ExecutionStatus(q.Get("status")),
			Limit:     limit + 1,
			Offset:    offset,
		}
		if v := q.Get("configuration_id"); v != "" {
			filter.ConfigurationID, err = uuid.Parse(v)
			if err != nil {
				invalidRequest(w, "configuration_id must be a valid UUID")
				return
			}
		}

		execs, err := st.ListExecutions(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}

		execs, meta := pageMeta(execs, limit, offset)
		response.Collection(w, execs, meta)
	}
}

// NewGetExecutionHandler returns an http.HandlerFunc for GET /api/v1/executions/{id}.
// The response carries status and progress only.
func NewGetExecutionHandler(execs Executions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, ok := ownedExecution(w, r, execs)
		if !ok {
			return
		}
		response.JSON(w, view)
	}
}

// NewGetResultsHandler returns an http.HandlerFunc for GET /api/v1/executions/{id}/results.
func NewGetResultsHandler(execs Executions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, ok := ownedExecution(w, r, execs)
		if !ok {
			return
		}
		results, err := execs.GetResults(r.Context(), view.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, results)
	}
}

// NewGetArtifactsHandler returns an http.HandlerFunc for GET /api/v1/executions/{id}/artifacts.
func NewGetArtifactsHandler(execs Executions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, ok := ownedExecution(w, r, execs)
		if !ok {
			return
		}
		items, err := execs.Artifacts(r.Context(), view.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if items == nil {
			items = []models.ItemResult{}
		}
		response.JSON(w, items)
	}
}

// NewCancelExecutionHandler returns an http.HandlerFunc for POST /api/v1/executions/{id}/cancel.
func NewCancelExecutionHandler(execs Executions) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, ok := ownedExecution(w, r, execs)
		if !ok {
			return
		}
		accepted, err := execs.Cancel(r.Context(), view.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]bool{"accepted": accepted})
	}
}

func ownedExecution(w http.ResponseWriter, r *http.Request, execs Executions) (*coordinator.StatusView, bool) {
	identity, ok := caller(w, r)
	if !ok {
		return nil, false
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return nil, false
	}
	view, err := execs.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	if !canAccess(r, identity, view.CreatedBy) {
		writeError(w, r, store.ErrNotFound)
		return nil, false
	}
	return view, true
}
