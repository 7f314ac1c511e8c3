package target

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/probehub/internal/config"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint (OpenAI, vLLM, Ollama).
type OpenAI struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAI creates a chat completions target from config.
func NewOpenAI(cfg config.TargetConfig) *OpenAI {
	return &OpenAI{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

func (o *OpenAI) Name() string { return "openai:" + o.model }

func (o *OpenAI) Send(ctx context.Context, probe Probe) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:     o.model,
		Messages:  buildMessages(probe),
		MaxTokens: probe.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrTargetUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}
	return chatResp.Choices[0].Message.Content, nil
}

func buildMessages(probe Probe) []chatMessage {
	msgs := make([]chatMessage, 0, 2+2*len(probe.History))
	if probe.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: probe.SystemPrompt})
	}
	for _, t := range probe.History {
		msgs = append(msgs,
			chatMessage{Role: "user", Content: t.Prompt},
			chatMessage{Role: "assistant", Content: t.Response})
	}
	return append(msgs, chatMessage{Role: "user", Content: probe.Prompt})
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTargetTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTargetTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrTargetUnavailable, err)
}

// --- chat completions wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

var _ Target = (*OpenAI)(nil)
