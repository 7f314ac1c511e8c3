package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ExecutionKind selects how an execution's work items are supplied.
type ExecutionKind string

const (
	ExecutionKindPromptList ExecutionKind = "prompt_list"
	ExecutionKindDataset    ExecutionKind = "dataset"
)

// ExecutionStatus is the lifecycle status of an OrchestratorExecution.
type ExecutionStatus string

const (
	ExecutionStatusConfigured ExecutionStatus = "configured"
	ExecutionStatusRunning    ExecutionStatus = "running"
	ExecutionStatusCompleted  ExecutionStatus = "completed"
	ExecutionStatusFailed     ExecutionStatus = "failed"
	ExecutionStatusCancelled  ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Error detail codes recorded on failed executions.
const (
	ErrorCodeConsecutiveFailures  = "consecutive_failures"
	ErrorCodePartitionUnavailable = "partition_unavailable"
	ErrorCodeArtifactWriteFailed  = "artifact_write_failed"
	ErrorCodeInternal             = "internal"
	ErrorCodeInterrupted          = "interrupted"
)

// OrchestratorExecution is one run of a configuration. The API returns its id on submit;
// the client polls until status is terminal, then fetches results separately.
type OrchestratorExecution struct {
	ID              uuid.UUID         `db:"id"               json:"id"`
	ConfigurationID uuid.UUID         `db:"configuration_id" json:"configuration_id"`
	Kind            ExecutionKind     `db:"kind"             json:"kind"`
	Name            *string           `db:"name"             json:"name,omitempty"`
	Input           json.RawMessage   `db:"input"            json:"input"`
	Status          ExecutionStatus   `db:"status"           json:"status"`
	Progress        *Progress         `db:"progress"         json:"progress,omitempty"`
	Results         json.RawMessage   `db:"results"          json:"results,omitempty"`
	Summary         *ExecutionSummary `db:"summary"          json:"summary,omitempty"`
	Error           *ErrorDetail      `db:"error_detail"     json:"error,omitempty"`
	StartedAt       *time.Time        `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time        `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedBy       string            `db:"created_by"       json:"created_by"`
	CreatedAt       time.Time         `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time         `db:"updated_at"       json:"updated_at"`
}

// Progress is the latest progress snapshot of a running execution.
type Progress struct {
	Current          int     `json:"current"`
	Total            int     `json:"total"`
	Percentage       float64 `json:"percentage"`
	Message          string  `json:"message,omitempty"`
	CurrentOperation string  `json:"current_operation,omitempty"`
}

// NewProgress builds a snapshot with the percentage derived from current and total.
func NewProgress(current, total int, message, operation string) Progress {
	p := Progress{Current: current, Total: total, Message: message, CurrentOperation: operation}
	if total > 0 {
		p.Percentage = float64(current) * 100 / float64(total)
	}
	return p
}

// ExecutionSummary aggregates counts over processed work items.
type ExecutionSummary struct {
	TotalItems     int            `json:"total_items"`
	Processed      int            `json:"processed"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Attempts       int            `json:"attempts"`
	DurationMS     int64          `json:"duration_ms"`
	FailureClasses []FailureClass `json:"failure_classes,omitempty"`
}

// FailureClass groups item failures sharing a normalized error fingerprint.
type FailureClass struct {
	Fingerprint string `json:"fingerprint"`
	Count       int    `json:"count"`
	Sample      string `json:"sample"`
}

// ErrorDetail is the sanitized diagnostic attached to a failed execution.
type ErrorDetail struct {
	Code                string `json:"code"`
	Message             string `json:"message"`
	Item                *int   `json:"item,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// ExecutionOutcome is the terminal payload handed to the store on finalization.
// Results and Error are mutually exclusive.
type ExecutionOutcome struct {
	Status  ExecutionStatus
	Results json.RawMessage
	Summary *ExecutionSummary
	Error   *ErrorDetail
}

// Validate checks the outcome is terminal and respects results/error exclusivity.
func (o ExecutionOutcome) Validate() error {
	hasResults := len(o.Results) > 0
	switch o.Status {
	case ExecutionStatusCompleted:
		if o.Error != nil {
			return fmt.Errorf("completed outcome must not carry an error")
		}
		if !hasResults || o.Summary == nil {
			return fmt.Errorf("completed outcome requires results and summary")
		}
	case ExecutionStatusFailed:
		if o.Error == nil {
			return fmt.Errorf("failed outcome requires an error detail")
		}
		if hasResults {
			return fmt.Errorf("failed outcome must not carry results")
		}
	case ExecutionStatusCancelled:
		if o.Error != nil {
			return fmt.Errorf("cancelled outcome must not carry an error")
		}
	default:
		return fmt.Errorf("outcome status %q is not terminal", o.Status)
	}
	return nil
}

// ExecutionInput is the tagged input payload of a submission.
type ExecutionInput struct {
	Prompts []string `json:"prompts,omitempty"`
	Dataset string   `json:"dataset,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// DecodeExecutionInput strictly decodes and validates raw for kind.
func DecodeExecutionInput(kind ExecutionKind, raw json.RawMessage) (*ExecutionInput, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("input is required")
	}
	var in ExecutionInput
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}

	switch kind {
	case ExecutionKindPromptList:
		if in.Dataset != "" {
			return nil, fmt.Errorf("dataset is not allowed for %s executions", kind)
		}
		if len(in.Prompts) == 0 {
			return nil, fmt.Errorf("prompts must not be empty")
		}
		for i, p := range in.Prompts {
			if strings.TrimSpace(p) == "" {
				return nil, fmt.Errorf("prompts[%d] is blank", i)
			}
		}
	case ExecutionKindDataset:
		if len(in.Prompts) > 0 {
			return nil, fmt.Errorf("prompts are not allowed for %s executions", kind)
		}
		if strings.TrimSpace(in.Dataset) == "" {
			return nil, fmt.Errorf("dataset is required")
		}
	default:
		return nil, fmt.Errorf("unknown execution kind %q", kind)
	}
	if in.Limit < 0 {
		return nil, fmt.Errorf("limit must not be negative")
	}
	return &in, nil
}

// ItemResult records the outcome of one processed work item.
type ItemResult struct {
	Index     int    `json:"index"`
	Prompt    string `json:"prompt"`
	Response  string `json:"response,omitempty"`
	Attempts  int    `json:"attempts"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Succeeded reports whether the item produced a response.
func (r ItemResult) Succeeded() bool { return r.Error == "" }
