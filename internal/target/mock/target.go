package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kiranshivaraju/probehub/internal/target"
)

// Target satisfies target.Target for testing.
type Target struct {
	Name_    string
	SendFunc func(ctx context.Context, probe target.Probe) (string, error)

	calls atomic.Int64
}

func (m *Target) Name() string { return m.Name_ }

func (m *Target) Send(ctx context.Context, probe target.Probe) (string, error) {
	m.calls.Add(1)
	if m.SendFunc != nil {
		return m.SendFunc(ctx, probe)
	}
	return "", nil
}

// Calls returns how many times Send was invoked.
func (m *Target) Calls() int {
	return int(m.calls.Load())
}

// NewEchoTarget returns a Target that answers with its prompt after delay.
func NewEchoTarget(delay time.Duration) *Target {
	return &Target{
		Name_: "mock",
		SendFunc: func(ctx context.Context, probe target.Probe) (string, error) {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return "", target.ErrTargetTimeout
				}
			}
			return "ok: " + probe.Prompt, nil
		},
	}
}

// NewFailingTarget returns a Target that always returns the given error.
func NewFailingTarget(err error) *Target {
	return &Target{
		Name_: "mock-failing",
		SendFunc: func(_ context.Context, _ target.Probe) (string, error) {
			return "", err
		},
	}
}

// NewTimeoutTarget returns a Target that blocks until context is cancelled.
func NewTimeoutTarget() *Target {
	return &Target{
		Name_: "mock-timeout",
		SendFunc: func(ctx context.Context, _ target.Probe) (string, error) {
			<-ctx.Done()
			return "", target.ErrTargetTimeout
		},
	}
}

// Compile-time check that Target implements target.Target.
var _ target.Target = (*Target)(nil)
