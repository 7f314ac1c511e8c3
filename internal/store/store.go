package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrConflict           = errors.New("conflict")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrAlreadyFinalized   = errors.New("execution already finalized")
	ErrInvalidOutcome     = errors.New("invalid execution outcome")
)

// Store is the data access interface for configurations and executions. Every write is
// atomic at the single-record level.
type Store interface {
	Ping(ctx context.Context) error

	CreateConfiguration(ctx context.Context, cfg *models.OrchestratorConfiguration) error
	GetConfiguration(ctx context.Context, id uuid.UUID) (*models.OrchestratorConfiguration, error)
	ListConfigurations(ctx context.Context, filter ConfigFilter) ([]*models.OrchestratorConfiguration, error)
	SetConfigurationStatus(ctx context.Context, id uuid.UUID, status models.ConfigStatus) error
	DeleteConfiguration(ctx context.Context, id uuid.UUID) error

	CreateExecution(ctx context.Context, exec *models.OrchestratorExecution) error
	GetExecution(ctx context.Context, id uuid.UUID) (*models.OrchestratorExecution, error)
	// GetExecutionStatus is the polling read: it never loads the results payload.
	GetExecutionStatus(ctx context.Context, id uuid.UUID) (*models.OrchestratorExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.OrchestratorExecution, error)
	StartExecution(ctx context.Context, id uuid.UUID, progress models.Progress) error
	UpdateExecutionProgress(ctx context.Context, id uuid.UUID, progress models.Progress) error
	FinalizeExecution(ctx context.Context, id uuid.UUID, outcome models.ExecutionOutcome) error
}

// ConfigFilter narrows ListConfigurations. Zero values match everything.
type ConfigFilter struct {
	CreatedBy string
	Status    models.ConfigStatus
	Kind      models.OrchestratorKind
	Limit     int
	Offset    int
}

// ExecutionFilter narrows ListExecutions. Zero values match everything.
type ExecutionFilter struct {
	ConfigurationID uuid.UUID
	Status          models.ExecutionStatus
	CreatedBy       string
	Limit           int
	Offset          int
}

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

var validConfigTransitions = map[models.ConfigStatus][]models.ConfigStatus{
	models.ConfigStatusConfigured: {models.ConfigStatusActive, models.ConfigStatusRetired},
	models.ConfigStatusActive:     {models.ConfigStatusRetired},
}

// checkConfigTransition reports whether current -> next is allowed. A transition to the
// current status is a no-op (noop=true) except for retired configurations.
func checkConfigTransition(current, next models.ConfigStatus) (noop bool, err error) {
	if current == next && current != models.ConfigStatusRetired {
		return true, nil
	}
	for _, a := range validConfigTransitions[current] {
		if a == next {
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: invalid configuration status transition: %s -> %s", ErrConflict, current, next)
}

// checkProgress enforces progress monotonicity: current never decreases or exceeds total,
// and total never changes once set.
func checkProgress(prev *models.Progress, next models.Progress) error {
	if next.Current < 0 || next.Total < 0 {
		return fmt.Errorf("%w: progress must not be negative", ErrPreconditionFailed)
	}
	if next.Current > next.Total {
		return fmt.Errorf("%w: progress current %d exceeds total %d", ErrPreconditionFailed, next.Current, next.Total)
	}
	if prev == nil {
		return nil
	}
	if next.Total != prev.Total {
		return fmt.Errorf("%w: progress total changed from %d to %d", ErrPreconditionFailed, prev.Total, next.Total)
	}
	if next.Current < prev.Current {
		return fmt.Errorf("%w: progress current decreased from %d to %d", ErrPreconditionFailed, prev.Current, next.Current)
	}
	return nil
}

func checkOutcome(outcome models.ExecutionOutcome) error {
	if err := outcome.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOutcome, err)
	}
	return nil
}
