// Package advisor asks a text-generation service to review configurations
// and draft DNS records. Every call is best-effort: failures wrap
// ErrUnavailable and callers carry on without advice.
package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// ErrUnavailable means no advice could be produced.
var ErrUnavailable = errors.New("advisor unavailable")

// Analysis is a review of a daemon configuration.
type Analysis struct {
	Summary  string   `json:"summary"`
	Security []string `json:"security"`
	Issues   []string `json:"issues"`
}

// RecordSuggestion is a proposed address=/domain/ip record.
type RecordSuggestion struct {
	Domain      string `json:"domain"`
	IP          string `json:"ip"`
	Explanation string `json:"explanation"`
}

// Client produces advice.
type Client interface {
	Analyze(ctx context.Context, config string) (Analysis, error)
	SuggestRecord(ctx context.Context, description string) (RecordSuggestion, error)
}

// Disabled is the Client used when no advisor is configured.
type Disabled struct{}

// Analyze implements Client.
func (Disabled) Analyze(context.Context, string) (Analysis, error) {
	return Analysis{}, ErrUnavailable
}

// SuggestRecord implements Client.
func (Disabled) SuggestRecord(context.Context, string) (RecordSuggestion, error) {
	return RecordSuggestion{}, ErrUnavailable
}

const systemPrompt = "You are an expert administrator of dnsmasq DNS and DHCP servers. " +
	"Answer with a single JSON object and nothing else."

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string // empty uses the public API
	Timeout time.Duration
}

// OpenAIClient is a Client backed by an OpenAI-compatible chat API.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewOpenAIClient creates a client. An empty API key is an error.
func NewOpenAIClient(cfg OpenAIConfig, logger *slog.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key", ErrUnavailable)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	logger.Info("advisor enabled", "model", cfg.Model, "base_url", oc.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(oc),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// Analyze implements Client.
func (c *OpenAIClient) Analyze(ctx context.Context, config string) (Analysis, error) {
	prompt := "Analyze the following dnsmasq configuration. Respond with JSON of the form " +
		`{"summary": string, "security": [string], "issues": [string]}` +
		" giving a brief summary of what it does, security recommendations, and potential" +
		" errors or performance bottlenecks.\n\nConfiguration:\n" + config

	var a Analysis
	if err := c.complete(ctx, prompt, &a); err != nil {
		return Analysis{}, err
	}
	if a.Summary == "" {
		return Analysis{}, fmt.Errorf("%w: response has no summary", ErrUnavailable)
	}
	if a.Security == nil {
		a.Security = []string{}
	}
	if a.Issues == nil {
		a.Issues = []string{}
	}
	return a, nil
}

// SuggestRecord implements Client.
func (c *OpenAIClient) SuggestRecord(ctx context.Context, description string) (RecordSuggestion, error) {
	prompt := "Based on this request, propose one dnsmasq DNS record (address=/domain/ip). " +
		`Respond with JSON of the form {"domain": string, "ip": string, "explanation": string}.` +
		"\n\nRequest: " + description

	var s RecordSuggestion
	if err := c.complete(ctx, prompt, &s); err != nil {
		return RecordSuggestion{}, err
	}
	if s.Domain == "" || s.IP == "" {
		return RecordSuggestion{}, fmt.Errorf("%w: incomplete suggestion", ErrUnavailable)
	}
	return s, nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		c.logger.Warn("advisor call failed", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("%w: no choices returned", ErrUnavailable)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		c.logger.Warn("advisor returned invalid JSON", "error", err)
		return fmt.Errorf("%w: invalid response: %v", ErrUnavailable, err)
	}
	return nil
}
