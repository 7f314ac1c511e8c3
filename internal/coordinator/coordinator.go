// Package coordinator runs orchestrator executions. Each accepted execution is owned by one
// background task that processes its work items, persists progress after every item and
// finalizes the record exactly once.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/dataset"
	"github.com/kiranshivaraju/probehub/internal/metrics"
	"github.com/kiranshivaraju/probehub/internal/partition"
	"github.com/kiranshivaraju/probehub/internal/store"
	"github.com/kiranshivaraju/probehub/internal/summary"
	"github.com/kiranshivaraju/probehub/internal/target"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

const maxNameLength = 255

// Resources is the part of the resource front door the coordinator reads from.
type Resources interface {
	DatasetPrompts(ctx context.Context, name string, limit int) ([]string, error)
	InvalidateConfiguration(id uuid.UUID)
}

// SubmitRequest describes one execution submission.
type SubmitRequest struct {
	ConfigurationID uuid.UUID
	Kind            models.ExecutionKind
	Name            *string
	Input           json.RawMessage
	Identity        string
}

// StatusView is the poll-friendly view of an execution. It never carries results.
type StatusView struct {
	ID              uuid.UUID                `json:"id"`
	ConfigurationID uuid.UUID                `json:"configuration_id"`
	Kind            models.ExecutionKind     `json:"kind"`
	Name            *string                  `json:"name,omitempty"`
	Status          models.ExecutionStatus   `json:"status"`
	Progress        *models.Progress         `json:"progress,omitempty"`
	Summary         *models.ExecutionSummary `json:"summary,omitempty"`
	Error           *models.ErrorDetail      `json:"error,omitempty"`
	StartedAt       *time.Time               `json:"started_at,omitempty"`
	CompletedAt     *time.Time               `json:"completed_at,omitempty"`
	CreatedBy       string                   `json:"created_by"`
	CreatedAt       time.Time                `json:"created_at"`
}

// ResultsView is the payload of a terminal execution.
type ResultsView struct {
	ExecutionID uuid.UUID                `json:"execution_id"`
	Status      models.ExecutionStatus   `json:"status"`
	Results     []models.ItemResult      `json:"results"`
	Summary     *models.ExecutionSummary `json:"summary,omitempty"`
	Error       *models.ErrorDetail      `json:"error,omitempty"`
}

// Coordinator accepts submissions and owns the background task of every execution it
// started. It is safe for concurrent use.
type Coordinator struct {
	store     store.Store
	router    *partition.Router
	resources Resources
	target    target.Target
	metrics   *metrics.Collector
	cfg       config.CoordinatorConfig

	// baseCtx bounds every target call; it is cancelled only when Shutdown gives up waiting.
	baseCtx context.Context
	abort   context.CancelFunc

	mu     sync.Mutex
	tasks  map[uuid.UUID]*task
	closed bool
	wg     sync.WaitGroup

	artifacts *artifactPool

	fatal chan error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records execution metrics on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New creates a Coordinator.
func New(st store.Store, router *partition.Router, res Resources, tg target.Target, cfg config.CoordinatorConfig, opts ...Option) *Coordinator {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 3
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	baseCtx, abort := context.WithCancel(context.Background())
	c := &Coordinator{
		store:     st,
		router:    router,
		resources: res,
		target:    tg,
		cfg:       cfg,
		baseCtx:   baseCtx,
		abort:     abort,
		tasks:     make(map[uuid.UUID]*task),
		artifacts: newArtifactPool(),
		fatal:     make(chan error, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fatal delivers finalization failures. A finalized-but-unpersisted outcome is data loss,
// so the owning process is expected to shut down on receipt.
func (c *Coordinator) Fatal() <-chan error {
	return c.fatal
}

// Submit validates the request, persists the execution and starts its task. It returns once
// the execution is running, so the id is immediately pollable.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (uuid.UUID, error) {
	if c.isClosed() {
		return uuid.Nil, ErrShuttingDown
	}

	p, err := c.prepare(ctx, req)
	if err != nil {
		return uuid.Nil, err
	}

	dir, err := c.router.Ensure(ctx, p.partition)
	if err != nil {
		return uuid.Nil, err
	}
	p.dir = dir

	exec := &models.OrchestratorExecution{
		ID:              uuid.New(),
		ConfigurationID: req.ConfigurationID,
		Kind:            req.Kind,
		Name:            req.Name,
		Input:           req.Input,
		Status:          models.ExecutionStatusConfigured,
		CreatedBy:       p.owner,
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return uuid.Nil, fmt.Errorf("creating execution: %w", err)
	}
	p.id = exec.ID
	c.activate(ctx, p.config)

	t := newTask(exec.ID)
	if !c.register(t) {
		c.finalize(p, failedOutcome(models.ErrorCodeInterrupted, "server is shutting down", nil, 0, nil, p.total(), 0))
		return uuid.Nil, ErrShuttingDown
	}

	queued := models.NewProgress(0, p.total(), "queued", "")
	if err := c.store.StartExecution(ctx, exec.ID, queued); err != nil {
		c.unregister(exec.ID)
		c.wg.Done()
		c.finalize(p, failedOutcome(models.ErrorCodeInternal, "start execution: "+err.Error(), nil, 0, nil, p.total(), 0))
		return uuid.Nil, fmt.Errorf("starting execution: %w", err)
	}

	c.metrics.ExecutionStarted(string(req.Kind))
	slog.Info("execution started",
		"execution_id", exec.ID,
		"configuration_id", req.ConfigurationID,
		"partition", p.partition.String(),
		"items", p.total(),
	)

	go c.run(t, p)

	return exec.ID, nil
}

// plan is everything a task needs to process an execution.
type plan struct {
	id        uuid.UUID
	config    *models.OrchestratorConfiguration
	strategy  strategy
	items     []string
	owner     string
	partition partition.Locator
	dir       string
}

func (p *plan) total() int { return len(p.items) }

func (c *Coordinator) prepare(ctx context.Context, req SubmitRequest) (*plan, error) {
	if req.Kind != models.ExecutionKindPromptList && req.Kind != models.ExecutionKindDataset {
		return nil, invalid("kind", "unknown execution kind %q", req.Kind)
	}
	if req.Name != nil && (strings.TrimSpace(*req.Name) == "" || len(*req.Name) > maxNameLength) {
		return nil, invalid("name", "must be non-blank and at most %d bytes", maxNameLength)
	}
	in, err := models.DecodeExecutionInput(req.Kind, req.Input)
	if err != nil {
		return nil, invalid("input", "%v", err)
	}

	cfg, err := c.store.GetConfiguration(ctx, req.ConfigurationID)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if cfg.Status == models.ConfigStatusRetired {
		return nil, invalid("configuration", "configuration %s is retired", cfg.ID)
	}
	params, err := cfg.Params()
	if err != nil {
		return nil, invalid("parameters", "%v", err)
	}
	strat, err := strategyFor(params)
	if err != nil {
		return nil, invalid("kind", "%v", err)
	}

	var items []string
	switch req.Kind {
	case models.ExecutionKindPromptList:
		items = in.Prompts
		if in.Limit > 0 && in.Limit < len(items) {
			items = items[:in.Limit]
		}
	case models.ExecutionKindDataset:
		items, err = c.resources.DatasetPrompts(ctx, in.Dataset, in.Limit)
		if errors.Is(err, dataset.ErrDatasetNotFound) {
			return nil, invalid("input.dataset", "unknown dataset %q", in.Dataset)
		}
		if err != nil {
			return nil, fmt.Errorf("loading dataset %s: %w", in.Dataset, err)
		}
	}
	if len(items) == 0 {
		return nil, invalid("input", "no work items")
	}

	owner, ok := c.router.Normalize(req.Identity)
	if !ok {
		owner = c.router.DefaultIdentity()
	}

	return &plan{
		config:    cfg,
		strategy:  strat,
		items:     items,
		owner:     owner,
		partition: c.router.Route(owner),
	}, nil
}

// activate moves a configuration to active on its first execution. A concurrent retire
// wins; the already-created execution still runs.
func (c *Coordinator) activate(ctx context.Context, cfg *models.OrchestratorConfiguration) {
	if cfg.Status != models.ConfigStatusConfigured {
		return
	}
	if err := c.store.SetConfigurationStatus(ctx, cfg.ID, models.ConfigStatusActive); err != nil {
		slog.Warn("failed to activate configuration", "configuration_id", cfg.ID, "error", err)
		return
	}
	c.resources.InvalidateConfiguration(cfg.ID)
}

// GetStatus returns the execution's status and progress without its results.
func (c *Coordinator) GetStatus(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	exec, err := c.store.GetExecutionStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:              exec.ID,
		ConfigurationID: exec.ConfigurationID,
		Kind:            exec.Kind,
		Name:            exec.Name,
		Status:          exec.Status,
		Progress:        exec.Progress,
		Summary:         exec.Summary,
		Error:           exec.Error,
		StartedAt:       exec.StartedAt,
		CompletedAt:     exec.CompletedAt,
		CreatedBy:       exec.CreatedBy,
		CreatedAt:       exec.CreatedAt,
	}, nil
}

// GetResults returns the results of a terminal execution, or ErrNotTerminal.
func (c *Coordinator) GetResults(ctx context.Context, id uuid.UUID) (*ResultsView, error) {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: execution %s is %s", ErrNotTerminal, id, exec.Status)
	}

	view := &ResultsView{
		ExecutionID: exec.ID,
		Status:      exec.Status,
		Results:     []models.ItemResult{},
		Summary:     exec.Summary,
		Error:       exec.Error,
	}
	if len(exec.Results) > 0 {
		if err := json.Unmarshal(exec.Results, &view.Results); err != nil {
			return nil, fmt.Errorf("decoding results of %s: %w", id, err)
		}
	}
	return view, nil
}

// Cancel asks the execution's task to stop at its next checkpoint. It reports false when the
// execution is not running on this coordinator or cancellation was already requested.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	c.mu.Unlock()
	if ok {
		accepted := t.requestStop(stopCancelled)
		if accepted {
			slog.Info("execution cancellation requested", "execution_id", id)
		}
		return accepted, nil
	}

	if _, err := c.store.GetExecutionStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Artifacts returns the per-item records kept in the owner's partition.
func (c *Coordinator) Artifacts(ctx context.Context, id uuid.UUID) ([]models.ItemResult, error) {
	exec, err := c.store.GetExecutionStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	dir, err := c.router.Ensure(ctx, c.router.Route(exec.CreatedBy))
	if err != nil {
		return nil, err
	}
	arts, release, err := c.artifacts.acquire(dir)
	if err != nil {
		return nil, err
	}
	defer release()
	return arts.ListItems(ctx, id)
}

// Recover finalizes executions left configured or running by a previous process as failed
// with code interrupted. It must run before the first Submit. Returns how many were finalized.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	var stale []*models.OrchestratorExecution
	for _, status := range []models.ExecutionStatus{models.ExecutionStatusConfigured, models.ExecutionStatusRunning} {
		const page = 200
		for offset := 0; ; offset += page {
			batch, err := c.store.ListExecutions(ctx, store.ExecutionFilter{Status: status, Limit: page, Offset: offset})
			if err != nil {
				return 0, fmt.Errorf("listing %s executions: %w", status, err)
			}
			stale = append(stale, batch...)
			if len(batch) < page {
				break
			}
		}
	}

	recovered := 0
	for _, exec := range stale {
		recorded := c.countArtifacts(ctx, exec)
		total := recorded
		if exec.Progress != nil {
			total = exec.Progress.Total
		}
		outcome := failedOutcome(models.ErrorCodeInterrupted,
			fmt.Sprintf("execution was interrupted by a restart after %d recorded items", recorded),
			nil, 0, nil, total, 0)
		outcome.Summary.Processed = recorded

		wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
		err := c.store.FinalizeExecution(wctx, exec.ID, outcome)
		cancel()
		if errors.Is(err, store.ErrAlreadyFinalized) {
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("finalizing interrupted execution %s: %w", exec.ID, err)
		}
		slog.Warn("finalized interrupted execution", "execution_id", exec.ID, "recorded_items", recorded)
		recovered++
	}
	return recovered, nil
}

func (c *Coordinator) countArtifacts(ctx context.Context, exec *models.OrchestratorExecution) int {
	dir, err := c.router.Ensure(ctx, c.router.Route(exec.CreatedBy))
	if err != nil {
		return 0
	}
	arts, release, err := c.artifacts.acquire(dir)
	if err != nil {
		slog.Warn("failed to open artifacts", "execution_id", exec.ID, "error", err)
		return 0
	}
	defer release()
	n, err := arts.CountItems(ctx, exec.ID)
	if err != nil {
		slog.Warn("failed to count artifacts", "execution_id", exec.ID, "error", err)
		return 0
	}
	return n
}

// Shutdown stops accepting submissions, asks every task to stop and waits for them to
// finalize. Tasks stopped this way finalize as failed with code interrupted. If ctx expires
// first, in-flight target calls are aborted and ctx's error is returned.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	for _, t := range c.tasks {
		t.requestStop(stopShutdown)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.abort()
		return nil
	case <-ctx.Done():
		c.abort()
		return ctx.Err()
	}
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// register adds t to the task table. wg.Add happens under the same lock Shutdown takes, so
// Shutdown never waits on a task it did not see.
func (c *Coordinator) register(t *task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.tasks[t.id] = t
	c.wg.Add(1)
	return true
}

func (c *Coordinator) unregister(id uuid.UUID) {
	c.mu.Lock()
	delete(c.tasks, id)
	c.mu.Unlock()
}

// finalize persists the terminal outcome. Failure here is fatal for the process.
func (c *Coordinator) finalize(p *plan, outcome models.ExecutionOutcome) bool {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()

	if err := c.store.FinalizeExecution(ctx, p.id, outcome); err != nil {
		slog.Error("failed to finalize execution", "execution_id", p.id, "status", outcome.Status, "error", err)
		select {
		case c.fatal <- fmt.Errorf("finalizing execution %s: %w", p.id, err):
		default:
		}
		return false
	}
	return true
}

func failedOutcome(code, message string, item *int, consecutive int, items []models.ItemResult, total int, elapsed time.Duration) models.ExecutionOutcome {
	s := summary.Build(items, total, elapsed)
	return models.ExecutionOutcome{
		Status:  models.ExecutionStatusFailed,
		Summary: &s,
		Error: &models.ErrorDetail{
			Code:                code,
			Message:             summary.Sanitize(message),
			Item:                item,
			ConsecutiveFailures: consecutive,
		},
	}
}
