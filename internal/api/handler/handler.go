// Package handler implements the HTTP handlers for orchestrator configurations, executions
// and the resource front door.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/probehub/internal/api/middleware"
	"github.com/kiranshivaraju/probehub/internal/api/response"
	"github.com/kiranshivaraju/probehub/internal/cache"
	"github.com/kiranshivaraju/probehub/internal/coordinator"
	"github.com/kiranshivaraju/probehub/internal/dataset"
	"github.com/kiranshivaraju/probehub/internal/partition"
	"github.com/kiranshivaraju/probehub/internal/resource"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

const (
	maxBodyBytes     = 1 << 20
	defaultPageLimit = 50
	maxPageLimit     = 100
)

// Executions is the coordinator surface the execution handlers depend on.
type Executions interface {
	Submit(ctx context.Context, req coordinator.SubmitRequest) (uuid.UUID, error)
	GetStatus(ctx context.Context, id uuid.UUID) (*coordinator.StatusView, error)
	GetResults(ctx context.Context, id uuid.UUID) (*coordinator.ResultsView, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
	Artifacts(ctx context.Context, id uuid.UUID) ([]models.ItemResult, error)
}

// Resources is the resource front door surface the handlers depend on.
type Resources interface {
	Read(ctx context.Context, locator string) (cache.Resource, error)
	Stats() cache.Stats
	InvalidateConfiguration(id uuid.UUID)
}

// writeError maps domain errors onto the API error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *coordinator.ValidationError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", verr.Error(),
			map[string]string{"field": verr.Field, "reason": verr.Reason})
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, resource.ErrUnknownResource),
		errors.Is(err, dataset.ErrDatasetNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, coordinator.ErrNotTerminal):
		response.Error(w, http.StatusConflict, "NOT_TERMINAL",
			"Execution has not reached a terminal status yet", nil)
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrAlreadyFinalized),
		errors.Is(err, store.ErrPreconditionFailed):
		response.Error(w, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, partition.ErrPartitionUnavailable):
		slog.Error("partition unavailable", "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "PARTITION_UNAVAILABLE",
			"Storage partition could not be provisioned", nil)
	case errors.Is(err, coordinator.ErrShuttingDown):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN",
			"Server is shutting down", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

func invalidRequest(w http.ResponseWriter, message string) {
	response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", message, nil)
}

// caller returns the identity set by the Identity middleware.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := mw.GetIdentity(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "MISSING_IDENTITY", "Missing identity", nil)
	}
	return id, ok
}

// canAccess reports whether the caller may see a record created by owner. Records of other
// tenants answer 404 so their existence is not disclosed.
func canAccess(r *http.Request, identity, owner string) bool {
	return identity == owner || mw.IsAdmin(r)
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		invalidRequest(w, fmt.Sprintf("%s must be a valid UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		invalidRequest(w, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// page parses limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, fmt.Errorf("limit must be between 1 and %d", maxPageLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, fmt.Errorf("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}

// pageMeta trims the extra probe row fetched to detect a next page.
func pageMeta[T any](items []T, limit, offset int) ([]T, response.PaginationMeta) {
	hasNext := len(items) > limit
	if hasNext {
		items = items[:limit]
	}
	return items, response.PaginationMeta{
		Limit:   limit,
		Offset:  offset,
		Count:   len(items),
		HasNext: hasNext,
	}
}
