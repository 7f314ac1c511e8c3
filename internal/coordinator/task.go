package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/summary"
	"github.com/kiranshivaraju/probehub/pkg/models"
)

// maxAttempts per work item: one call plus one retry.
const maxAttempts = 2

type stopReason int

const (
	stopNone stopReason = iota
	stopCancelled
	stopShutdown
)

// task is the handle the coordinator keeps for a running execution. Stopping is a message
// observed between work items, never an interrupt.
type task struct {
	id     uuid.UUID
	stop   chan struct{}
	once   sync.Once
	reason stopReason
}

func newTask(id uuid.UUID) *task {
	return &task{id: id, stop: make(chan struct{})}
}

// requestStop reports whether this call was the first stop request.
func (t *task) requestStop(r stopReason) bool {
	first := false
	t.once.Do(func() {
		t.reason = r
		close(t.stop)
		first = true
	})
	return first
}

func (t *task) stopped() (stopReason, bool) {
	select {
	case <-t.stop:
		return t.reason, true
	default:
		return stopNone, false
	}
}

// run processes the execution's items and finalizes it. It recovers from panics and always
// leaves the record terminal unless the final write itself fails.
func (c *Coordinator) run(t *task, p *plan) {
	defer c.wg.Done()
	defer c.unregister(t.id)

	start := time.Now()
	var results []models.ItemResult

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in execution task", "error", r, "execution_id", p.id)
			outcome := failedOutcome(models.ErrorCodeInternal, fmt.Sprintf("panic: %v", r), nil, 0, results, p.total(), time.Since(start))
			if c.finalize(p, outcome) {
				c.metrics.ExecutionFinished(string(outcome.Status))
			}
		}
	}()

	outcome := c.process(t, p, &results, start)
	if c.finalize(p, outcome) {
		c.metrics.ExecutionFinished(string(outcome.Status))
		slog.Info("execution finished",
			"execution_id", p.id,
			"status", outcome.Status,
			"processed", len(results),
			"total", p.total(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (c *Coordinator) process(t *task, p *plan, results *[]models.ItemResult, start time.Time) models.ExecutionOutcome {
	total := p.total()

	arts, release, err := c.artifacts.acquire(p.dir)
	if err != nil {
		return failedOutcome(models.ErrorCodeArtifactWriteFailed, err.Error(), nil, 0, nil, total, time.Since(start))
	}
	defer release()

	consecutive := 0
	lastErr := ""
	for i, prompt := range p.items {
		if reason, ok := t.stopped(); ok {
			return stoppedOutcome(reason, *results, total, time.Since(start))
		}

		item := c.processItem(p, i, prompt)
		*results = append(*results, item)
		outcomeLabel := "succeeded"
		if !item.Succeeded() {
			outcomeLabel = "failed"
		}
		c.metrics.ItemProcessed(outcomeLabel, float64(item.LatencyMS)/1000)

		if err := c.write(func(ctx context.Context) error { return arts.RecordItem(ctx, p.id, item) }); err != nil {
			idx := i
			return failedOutcome(models.ErrorCodeArtifactWriteFailed, err.Error(), &idx, 0, *results, total, time.Since(start))
		}

		progress := models.NewProgress(i+1, total, fmt.Sprintf("processed %d of %d items", i+1, total), p.strategy.operation)
		if err := c.write(func(ctx context.Context) error {
			return c.store.UpdateExecutionProgress(ctx, p.id, progress)
		}); err != nil {
			idx := i
			return failedOutcome(models.ErrorCodeInternal, "update progress: "+err.Error(), &idx, 0, *results, total, time.Since(start))
		}

		if item.Succeeded() {
			consecutive = 0
			continue
		}
		consecutive++
		lastErr = item.Error
		if consecutive >= c.cfg.FailureThreshold {
			idx := i
			slog.Warn("aborting execution after consecutive failures",
				"execution_id", p.id, "item", i, "consecutive_failures", consecutive)
			return failedOutcome(models.ErrorCodeConsecutiveFailures,
				fmt.Sprintf("aborted after %d consecutive failed items: %s", consecutive, lastErr),
				&idx, consecutive, *results, total, time.Since(start))
		}
	}

	return resultOutcome(models.ExecutionStatusCompleted, *results, total, time.Since(start))
}

// processItem runs one work item with a single retry.
func (c *Coordinator) processItem(p *plan, index int, prompt string) models.ItemResult {
	item := models.ItemResult{Index: index, Prompt: prompt}
	start := time.Now()

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		item.Attempts = attempt
		var resp string
		resp, err = c.attempt(p.strategy, prompt)
		if err == nil {
			item.Response = resp
			break
		}
		slog.Debug("work item attempt failed", "execution_id", p.id, "item", index, "attempt", attempt, "error", err)
	}
	if err != nil {
		item.Error = summary.Sanitize(err.Error())
	}
	item.LatencyMS = time.Since(start).Milliseconds()
	return item
}

type reply struct {
	text string
	err  error
}

// attempt makes one bounded call. A target that ignores its context is abandoned at the
// deadline; its goroutine drains into a buffered channel.
func (c *Coordinator) attempt(s strategy, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(c.baseCtx, c.cfg.ItemTimeout)
	defer cancel()

	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("target panic: %v", r)}
			}
		}()
		text, err := s.run(ctx, c.target, prompt)
		done <- reply{text: text, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s: %v", ErrTimeout, c.cfg.ItemTimeout, r.err)
		}
		return r.text, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, c.cfg.ItemTimeout)
		}
		return "", ctx.Err()
	}
}

func (c *Coordinator) write(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	return fn(ctx)
}

func stoppedOutcome(reason stopReason, results []models.ItemResult, total int, elapsed time.Duration) models.ExecutionOutcome {
	if reason == stopShutdown {
		return failedOutcome(models.ErrorCodeInterrupted,
			fmt.Sprintf("server shut down after %d of %d items", len(results), total),
			nil, 0, results, total, elapsed)
	}
	return resultOutcome(models.ExecutionStatusCancelled, results, total, elapsed)
}

func resultOutcome(status models.ExecutionStatus, results []models.ItemResult, total int, elapsed time.Duration) models.ExecutionOutcome {
	if results == nil {
		results = []models.ItemResult{}
	}
	// ItemResult holds only strings and ints, so Marshal cannot fail.
	raw, _ := json.Marshal(results)
	s := summary.Build(results, total, elapsed)
	return models.ExecutionOutcome{
		Status:  status,
		Results: raw,
		Summary: &s,
	}
}
