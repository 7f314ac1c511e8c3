// Package models contains shared data models used across the probehub codebase.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OrchestratorKind names the kind of job a configuration describes.
type OrchestratorKind string

const (
	KindPromptSending OrchestratorKind = "prompt-sending"
	KindRedTeaming    OrchestratorKind = "red-teaming"
)

// ConfigStatus is the lifecycle status of an OrchestratorConfiguration.
type ConfigStatus string

const (
	ConfigStatusConfigured ConfigStatus = "configured"
	ConfigStatusActive     ConfigStatus = "active"
	ConfigStatusRetired    ConfigStatus = "retired"
)

// OrchestratorConfiguration is a named, reusable job template. It is immutable after
// creation except for its lifecycle status.
type OrchestratorConfiguration struct {
	ID         uuid.UUID        `db:"id"         json:"id"`
	Name       string           `db:"name"       json:"name"`
	Kind       OrchestratorKind `db:"kind"       json:"kind"`
	Parameters json.RawMessage  `db:"parameters" json:"parameters"`
	Tags       []string         `db:"tags"       json:"tags"`
	Status     ConfigStatus     `db:"status"     json:"status"`
	CreatedBy  string           `db:"created_by" json:"created_by"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}

// Params decodes and validates the configuration's parameter bag for its kind.
func (c *OrchestratorConfiguration) Params() (OrchestratorParams, error) {
	return DecodeParams(c.Kind, c.Parameters)
}

// OrchestratorParams is implemented by every per-kind parameter schema.
type OrchestratorParams interface {
	Kind() OrchestratorKind
	Validate() error
}

// PromptSendingParams configures a prompt-sending orchestrator: every work item is sent to
// the target as-is (optionally wrapped by a system prompt and converters).
type PromptSendingParams struct {
	SystemPrompt string   `json:"system_prompt,omitempty" jsonschema:"maxLength=4000"`
	Converters   []string `json:"converters,omitempty"`
	MaxTokens    int      `json:"max_tokens,omitempty"    jsonschema:"minimum=0,maximum=32768"`
}

func (p *PromptSendingParams) Kind() OrchestratorKind { return KindPromptSending }

func (p *PromptSendingParams) Validate() error {
	if len(p.SystemPrompt) > 4000 {
		return fmt.Errorf("system_prompt must be at most 4000 bytes")
	}
	if p.MaxTokens < 0 || p.MaxTokens > 32768 {
		return fmt.Errorf("max_tokens must be between 0 and 32768, got %d", p.MaxTokens)
	}
	for _, c := range p.Converters {
		if !validConverters[c] {
			return fmt.Errorf("unknown converter %q", c)
		}
	}
	return nil
}

// RedTeamingParams configures a red-teaming orchestrator that pursues an objective over
// several turns per work item.
type RedTeamingParams struct {
	Objective string `json:"objective"           jsonschema:"required,minLength=1"`
	MaxTurns  int    `json:"max_turns"           jsonschema:"minimum=1,maximum=20"`
	Scorer    string `json:"scorer,omitempty"    jsonschema:"default=refusal"`
}

func (p *RedTeamingParams) Kind() OrchestratorKind { return KindRedTeaming }

func (p *RedTeamingParams) Validate() error {
	if strings.TrimSpace(p.Objective) == "" {
		return fmt.Errorf("objective is required")
	}
	if p.MaxTurns < 1 || p.MaxTurns > 20 {
		return fmt.Errorf("max_turns must be between 1 and 20, got %d", p.MaxTurns)
	}
	switch {
	case p.Scorer == "", p.Scorer == ScorerRefusal:
	case strings.HasPrefix(p.Scorer, ScorerContainsPrefix) && len(p.Scorer) > len(ScorerContainsPrefix):
	default:
		return fmt.Errorf("unknown scorer %q: must be %q or %q<text>", p.Scorer, ScorerRefusal, ScorerContainsPrefix)
	}
	return nil
}

// Red-teaming scorers. The refusal scorer (default) treats any non-refusing answer as the
// objective reached; "contains:<text>" requires text to appear in the answer.
const (
	ScorerRefusal        = "refusal"
	ScorerContainsPrefix = "contains:"
)

var validConverters = map[string]bool{
	"base64":    true,
	"rot13":     true,
	"leetspeak": true,
	"reverse":   true,
}

// ParamsFor returns an empty parameter value for kind, or false if the kind is unknown.
func ParamsFor(kind OrchestratorKind) (OrchestratorParams, bool) {
	switch kind {
	case KindPromptSending:
		return &PromptSendingParams{}, true
	case KindRedTeaming:
		return &RedTeamingParams{}, true
	default:
		return nil, false
	}
}

// Kinds lists every known orchestrator kind.
func Kinds() []OrchestratorKind {
	return []OrchestratorKind{KindPromptSending, KindRedTeaming}
}

// DecodeParams strictly decodes raw into the schema selected by kind and validates it.
// A missing or empty parameter bag decodes to the kind's zero value before validation.
func DecodeParams(kind OrchestratorKind, raw json.RawMessage) (OrchestratorParams, error) {
	params, ok := ParamsFor(kind)
	if !ok {
		return nil, fmt.Errorf("unknown orchestrator kind %q", kind)
	}
	if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(params); err != nil {
			return nil, fmt.Errorf("decode %s parameters: %w", kind, err)
		}
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// NormalizeTags trims, deduplicates and sorts tags, dropping empty entries.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
