package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

// MemoryStore is an in-process Store. Each record carries its own lock so writes to
// different executions never contend; the map-level lock only guards the indexes.
// Lock order is always index then record.
type MemoryStore struct {
	mu          sync.RWMutex
	configs     map[uuid.UUID]*memConfig
	configOrder []uuid.UUID
	configNames map[string]uuid.UUID
	execs       map[uuid.UUID]*memExecution
	execOrder   []uuid.UUID
	refs        map[uuid.UUID]int
}

type memConfig struct {
	mu  sync.Mutex
	cfg models.OrchestratorConfiguration
}

type memExecution struct {
	mu   sync.Mutex
	exec models.OrchestratorExecution
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:     make(map[uuid.UUID]*memConfig),
		configNames: make(map[string]uuid.UUID),
		execs:       make(map[uuid.UUID]*memExecution),
		refs:        make(map[uuid.UUID]int),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func nameKey(createdBy, name string) string {
	return createdBy + "\x00" + name
}

func (s *MemoryStore) CreateConfiguration(ctx context.Context, cfg *models.OrchestratorConfiguration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = cfg.CreatedAt
	}
	if cfg.Status == "" {
		cfg.Status = models.ConfigStatusConfigured
	}
	if cfg.Tags == nil {
		cfg.Tags = []string{}
	}
	if len(cfg.Parameters) == 0 {
		cfg.Parameters = json.RawMessage("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[cfg.ID]; ok {
		return fmt.Errorf("%w: configuration %s already exists", ErrConflict, cfg.ID)
	}
	key := nameKey(cfg.CreatedBy, cfg.Name)
	if _, ok := s.configNames[key]; ok {
		return fmt.Errorf("%w: configuration %q already exists", ErrConflict, cfg.Name)
	}
	s.configs[cfg.ID] = &memConfig{cfg: copyConfiguration(cfg)}
	s.configNames[key] = cfg.ID
	s.configOrder = append(s.configOrder, cfg.ID)
	return nil
}

func (s *MemoryStore) config(id uuid.UUID) (*memConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[id]
	return c, ok
}

func (s *MemoryStore) GetConfiguration(ctx context.Context, id uuid.UUID) (*models.OrchestratorConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.config(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	c := copyConfiguration(&rec.cfg)
	return &c, nil
}

func (s *MemoryStore) ListConfigurations(ctx context.Context, filter ConfigFilter) ([]*models.OrchestratorConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := normalizeLimit(filter.Limit)
	skip := max(filter.Offset, 0)
	out := []*models.OrchestratorConfiguration{}
	for _, id := range s.configOrder {
		rec := s.configs[id]
		rec.mu.Lock()
		c := copyConfiguration(&rec.cfg)
		rec.mu.Unlock()

		if filter.CreatedBy != "" && c.CreatedBy != filter.CreatedBy {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Kind != "" && c.Kind != filter.Kind {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, &c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SetConfigurationStatus(ctx context.Context, id uuid.UUID, status models.ConfigStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := s.config(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	noop, err := checkConfigTransition(rec.cfg.Status, status)
	if err != nil || noop {
		return err
	}
	rec.cfg.Status = status
	rec.cfg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteConfiguration(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.configs[id]
	if !ok {
		return ErrNotFound
	}
	if s.refs[id] > 0 {
		return fmt.Errorf("%w: configuration is referenced by executions", ErrConflict)
	}
	delete(s.configs, id)
	delete(s.configNames, nameKey(rec.cfg.CreatedBy, rec.cfg.Name))
	for i, cid := range s.configOrder {
		if cid == id {
			s.configOrder = append(s.configOrder[:i], s.configOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.OrchestratorExecution) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	if exec.UpdatedAt.IsZero() {
		exec.UpdatedAt = exec.CreatedAt
	}
	if exec.Status == "" {
		exec.Status = models.ExecutionStatusConfigured
	}
	if exec.Status != models.ExecutionStatusConfigured {
		return fmt.Errorf("%w: executions are created in %s status", ErrPreconditionFailed, models.ExecutionStatusConfigured)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[exec.ConfigurationID]; !ok {
		return fmt.Errorf("configuration %s: %w", exec.ConfigurationID, ErrNotFound)
	}
	if _, ok := s.execs[exec.ID]; ok {
		return fmt.Errorf("%w: execution %s already exists", ErrConflict, exec.ID)
	}
	s.execs[exec.ID] = &memExecution{exec: copyExecution(exec, true)}
	s.execOrder = append(s.execOrder, exec.ID)
	s.refs[exec.ConfigurationID]++
	return nil
}

func (s *MemoryStore) execution(id uuid.UUID) (*memExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.execs[id]
	return e, ok
}

func (s *MemoryStore) GetExecution(ctx context.Context, id uuid.UUID) (*models.OrchestratorExecution, error) {
	return s.getExecution(ctx, id, true)
}

func (s *MemoryStore) GetExecutionStatus(ctx context.Context, id uuid.UUID) (*models.OrchestratorExecution, error) {
	return s.getExecution(ctx, id, false)
}

func (s *MemoryStore) getExecution(ctx context.Context, id uuid.UUID, withResults bool) (*models.OrchestratorExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rec, ok := s.execution(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	e := copyExecution(&rec.exec, withResults)
	return &e, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*models.OrchestratorExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := normalizeLimit(filter.Limit)
	skip := max(filter.Offset, 0)
	out := []*models.OrchestratorExecution{}
	for _, id := range s.execOrder {
		rec := s.execs[id]
		rec.mu.Lock()
		e := copyExecution(&rec.exec, false)
		rec.mu.Unlock()

		if filter.ConfigurationID != uuid.Nil && e.ConfigurationID != filter.ConfigurationID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && e.CreatedBy != filter.CreatedBy {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, &e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// withExecution runs fn while holding the execution's record lock.
func (s *MemoryStore) withExecution(ctx context.Context, id uuid.UUID, fn func(e *models.OrchestratorExecution) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec, ok := s.execution(id)
	if !ok {
		return ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(&rec.exec)
}

func (s *MemoryStore) StartExecution(ctx context.Context, id uuid.UUID, progress models.Progress) error {
	return s.withExecution(ctx, id, func(e *models.OrchestratorExecution) error {
		if e.Status != models.ExecutionStatusConfigured {
			return fmt.Errorf("%w: cannot start execution in %s status", ErrPreconditionFailed, e.Status)
		}
		if err := checkProgress(nil, progress); err != nil {
			return err
		}
		now := time.Now().UTC()
		e.Status = models.ExecutionStatusRunning
		e.Progress = &progress
		e.StartedAt = &now
		e.UpdatedAt = now
		return nil
	})
}

func (s *MemoryStore) UpdateExecutionProgress(ctx context.Context, id uuid.UUID, progress models.Progress) error {
	return s.withExecution(ctx, id, func(e *models.OrchestratorExecution) error {
		if e.Status != models.ExecutionStatusRunning {
			return fmt.Errorf("%w: cannot update progress of execution in %s status", ErrPreconditionFailed, e.Status)
		}
		if err := checkProgress(e.Progress, progress); err != nil {
			return err
		}
		e.Progress = &progress
		e.UpdatedAt = time.Now().UTC()
		return nil
	})
}

func (s *MemoryStore) FinalizeExecution(ctx context.Context, id uuid.UUID, outcome models.ExecutionOutcome) error {
	if err := checkOutcome(outcome); err != nil {
		return err
	}
	return s.withExecution(ctx, id, func(e *models.OrchestratorExecution) error {
		if e.Status.Terminal() {
			return fmt.Errorf("%w: execution is %s", ErrAlreadyFinalized, e.Status)
		}
		now := time.Now().UTC()
		e.Status = outcome.Status
		e.Results = cloneRaw(outcome.Results)
		e.Summary = copySummary(outcome.Summary)
		e.Error = copyErrorDetail(outcome.Error)
		e.CompletedAt = &now
		e.UpdatedAt = now
		return nil
	})
}

// --- copies ---

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func copyConfiguration(c *models.OrchestratorConfiguration) models.OrchestratorConfiguration {
	out := *c
	out.Parameters = cloneRaw(c.Parameters)
	out.Tags = append([]string{}, c.Tags...)
	return out
}

func copyExecution(e *models.OrchestratorExecution, withResults bool) models.OrchestratorExecution {
	out := *e
	if e.Name != nil {
		name := *e.Name
		out.Name = &name
	}
	out.Input = cloneRaw(e.Input)
	if e.Progress != nil {
		p := *e.Progress
		out.Progress = &p
	}
	out.Results = nil
	if withResults {
		out.Results = cloneRaw(e.Results)
	}
	out.Summary = copySummary(e.Summary)
	out.Error = copyErrorDetail(e.Error)
	out.StartedAt = copyTime(e.StartedAt)
	out.CompletedAt = copyTime(e.CompletedAt)
	return out
}

func copySummary(s *models.ExecutionSummary) *models.ExecutionSummary {
	if s == nil {
		return nil
	}
	out := *s
	if s.FailureClasses != nil {
		out.FailureClasses = append([]models.FailureClass(nil), s.FailureClasses...)
	}
	return &out
}

func copyErrorDetail(d *models.ErrorDetail) *models.ErrorDetail {
	if d == nil {
		return nil
	}
	out := *d
	if d.Item != nil {
		item := *d.Item
		out.Item = &item
	}
	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ Store = (*MemoryStore)(nil)
