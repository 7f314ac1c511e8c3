// Package target sends probe prompts to the model under test.
package target

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/probehub/internal/config"
)

var (
	ErrTargetUnavailable = errors.New("target unavailable")
	ErrTargetTimeout     = errors.New("target timeout")
	ErrInvalidResponse   = errors.New("target returned invalid response")
)

// Turn is one earlier exchange of a multi-turn conversation.
type Turn struct {
	Prompt   string
	Response string
}

// Probe is a single request to a target.
type Probe struct {
	SystemPrompt string
	Prompt       string
	History      []Turn
	MaxTokens    int
}

// Target is the model under test. Implementations must be safe for concurrent use.
type Target interface {
	Name() string
	Send(ctx context.Context, probe Probe) (string, error)
}

// New constructs the configured target. Called once at server startup.
func New(cfg config.TargetConfig) (Target, error) {
	switch cfg.Provider {
	case "echo":
		return Echo{}, nil
	case "openai":
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown target provider %q: must be one of echo, openai", cfg.Provider)
	}
}

// Echo answers every probe with its own prompt. It needs no network and is deterministic.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Send(ctx context.Context, probe Probe) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTargetTimeout, err)
	}
	return "echo: " + strings.TrimSpace(probe.Prompt), nil
}

var _ Target = Echo{}
