// Package llm is the relay's request/response view of a chat-completion model.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/openai/openai-go"
	"github.com/stellarlinkco/kasumi/internal/config"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged entry of a prompt.
type Turn struct {
	Role    Role
	Content string
}

type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
)

type Reply struct {
	Content      string
	TotalTokens  int
	FinishReason FinishReason
}

var (
	// ErrTransport marks failures to reach the model API at all.
	ErrTransport = errors.New("model transport failure")
	// ErrMalformedResponse marks responses without usable content.
	ErrMalformedResponse = errors.New("malformed model response")
)

// APIError is an error reported by the model API itself.
type APIError struct {
	Status  int
	Type    string
	Code    string
	Message string
}

func (e *APIError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "model api error (status %d", e.Status)
	if e.Type != "" {
		sb.WriteString(", type " + e.Type)
	}
	if e.Code != "" {
		sb.WriteString(", code " + e.Code)
	}
	sb.WriteString(")")
	if e.Message != "" {
		sb.WriteString(": " + e.Message)
	}
	return sb.String()
}

// ModelClient is what the relay needs from a language model.
type ModelClient interface {
	Send(ctx context.Context, turns []Turn, temperature float64) (Reply, error)
}

type Client struct {
	model     model.Model
	maxTokens int
}

func New(m model.Model, maxTokens int) *Client {
	return &Client{model: m, maxTokens: maxTokens}
}

// NewFromConfig builds the provider-specific model named by cfg.Provider.Type.
func NewFromConfig(cfg *config.Config) (*Client, error) {
	var (
		m   model.Model
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Type)) {
	case "anthropic":
		m, err = model.NewAnthropic(model.AnthropicConfig{
			APIKey:     cfg.Provider.APIKey,
			BaseURL:    cfg.Provider.BaseURL,
			Model:      cfg.Assistant.Model,
			MaxTokens:  cfg.Assistant.MaxTokens,
			MaxRetries: cfg.Provider.MaxRetries,
		})
	default: // "openai" or empty
		m, err = model.NewOpenAI(model.OpenAIConfig{
			APIKey:     cfg.Provider.APIKey,
			BaseURL:    cfg.Provider.BaseURL,
			Model:      cfg.Assistant.Model,
			MaxTokens:  cfg.Assistant.MaxTokens,
			MaxRetries: cfg.Provider.MaxRetries,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("create model: %w", err)
	}
	return New(m, cfg.Assistant.MaxTokens), nil
}

func (c *Client) Send(ctx context.Context, turns []Turn, temperature float64) (Reply, error) {
	req := model.Request{
		MaxTokens:   c.maxTokens,
		Temperature: &temperature,
	}
	var system []string
	for _, t := range turns {
		if t.Role == RoleSystem {
			system = append(system, t.Content)
			continue
		}
		req.Messages = append(req.Messages, model.Message{Role: string(t.Role), Content: t.Content})
	}
	req.System = strings.Join(system, "\n\n")

	resp, err := c.model.Complete(ctx, req)
	if err != nil {
		return Reply{}, classify(err)
	}
	if resp == nil {
		return Reply{}, fmt.Errorf("%w: empty response", ErrMalformedResponse)
	}
	content := strings.TrimSpace(resp.Message.Content)
	if content == "" {
		return Reply{}, fmt.Errorf("%w: empty content (stop reason %q)", ErrMalformedResponse, resp.StopReason)
	}
	return Reply{
		Content:      content,
		TotalTokens:  resp.Usage.TotalTokens,
		FinishReason: finishReason(resp.StopReason),
	}, nil
}

func finishReason(raw string) FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "length", "max_tokens":
		return FinishLength
	default:
		return FinishStop
	}
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return &APIError{
			Status:  oaErr.StatusCode,
			Type:    oaErr.Type,
			Code:    oaErr.Code,
			Message: oaErr.Message,
		}
	}
	var antErr *anthropic.Error
	if errors.As(err, &antErr) {
		return &APIError{
			Status:  antErr.StatusCode,
			Message: http.StatusText(antErr.StatusCode),
		}
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
