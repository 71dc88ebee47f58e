// Package llm calls chat completion models through OpenRouter's
// OpenAI-compatible API.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/metrics"
	"github.com/digitaldemocracy2030/idobata/internal/redact"
)

var (
	// ErrEmptyContent is returned when the model answers with no text.
	ErrEmptyContent = errors.New("LLM returned empty content")

	// ErrInvalidJSON is returned when a JSON-mode answer does not parse.
	ErrInvalidJSON = errors.New("LLM did not return valid JSON")

	// ErrNoAPIKey is returned by Test when no key is configured.
	ErrNoAPIKey = errors.New("OpenRouter API key is not configured")
)

// JSONInstruction is appended to the last user message in JSON mode.
const JSONInstruction = "\n\nPlease respond ONLY in JSON format."

// RecommendedModels maps short names to OpenRouter model ids.
var RecommendedModels = map[string]string{
	"gemini-flash":      "google/gemini-2.0-flash-001",
	"gemini-pro":        "google/gemini-2.0-pro-001",
	"gemini-pro-vision": "google/gemini-pro-vision",
	"claude-3-opus":     "anthropic/claude-3-opus:20240229",
	"claude-3-sonnet":   "anthropic/claude-3-sonnet:20240229",
	"claude-3-haiku":    "anthropic/claude-3-haiku:20240307",
	"gpt-4-turbo":       "openai/gpt-4-turbo-preview",
	"gpt-4":             "openai/gpt-4",
	"gpt-3.5-turbo":     "openai/gpt-3.5-turbo",
}

// Roles of a Message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// InvalidJSONError carries the raw model output that failed to parse.
type InvalidJSONError struct {
	Raw string
	Err error
}

func (e *InvalidJSONError) Error() string {
	return fmt.Sprintf("%s. Raw response: %s", ErrInvalidJSON, e.Raw)
}

func (e *InvalidJSONError) Unwrap() []error { return []error{ErrInvalidJSON, e.Err} }

// Completer is the model interface used by the chat and pipeline services.
type Completer interface {
	Chat(ctx context.Context, messages []Message, opts ...CallOption) (string, error)
	ChatJSON(ctx context.Context, messages []Message, out any, opts ...CallOption) error
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	ProModel     string
	Timeout      time.Duration
	MaxRetries   int
	RatePerMin   float64
	RetryBackoff time.Duration
	Referer      string
	Title        string
}

type callOptions struct {
	model string
}

// CallOption adjusts a single request.
type CallOption func(*callOptions)

// WithModel selects a model id for one request.
func WithModel(model string) CallOption {
	return func(o *callOptions) { o.model = model }
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithScrubber redacts user messages before they are sent.
func WithScrubber(s redact.Scrubber) Option {
	return func(c *Client) { c.scrubber = s }
}

// Client is a Completer backed by langchaingo's OpenAI client.
type Client struct {
	cfg      Config
	text     llms.Model
	jsonMode llms.Model
	logger   *zap.Logger
	metrics  *metrics.Metrics
	scrubber redact.Scrubber
}

var _ Completer = (*Client)(nil)

// New creates a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("llm: base URL is required")
	}
	if cfg.DefaultModel == "" {
		return nil, errors.New("llm: default model is required")
	}
	c := &Client{cfg: cfg, logger: zap.NewNop(), scrubber: redact.Noop{}}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("llm")

	token := cfg.APIKey
	if token == "" {
		// langchaingo refuses an empty token; requests then fail with 401.
		token = "unset"
	}
	doer := newRetryDoer(cfg, c.logger)
	base := []openai.Option{
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.DefaultModel),
		openai.WithToken(token),
		openai.WithHTTPClient(doer),
	}

	var err error
	if c.text, err = openai.New(base...); err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	if c.jsonMode, err = openai.New(append(base, openai.WithResponseFormat(openai.ResponseFormatJSON))...); err != nil {
		return nil, fmt.Errorf("creating OpenAI JSON client: %w", err)
	}
	return c, nil
}

// DefaultModel returns the configured default model id.
func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

// ProModel returns the model used for long-form generation, falling back to
// the default model.
func (c *Client) ProModel() string {
	if c.cfg.ProModel != "" {
		return c.cfg.ProModel
	}
	return c.cfg.DefaultModel
}

// Chat sends messages and returns the reply text.
func (c *Client) Chat(ctx context.Context, messages []Message, opts ...CallOption) (string, error) {
	return c.complete(ctx, c.text, messages, opts)
}

// ChatJSON sends messages in JSON mode and decodes the reply into out.
func (c *Client) ChatJSON(ctx context.Context, messages []Message, out any, opts ...CallOption) error {
	msgs := append([]Message(nil), messages...)
	if n := len(msgs); n > 0 && msgs[n-1].Role == RoleUser {
		msgs[n-1].Content += JSONInstruction
	}
	content, err := c.complete(ctx, c.jsonMode, msgs, opts)
	if err != nil {
		return err
	}
	if err := ParseJSON(content, out); err != nil {
		logging.For(ctx, c.logger).Error("failed to parse LLM JSON response", zap.Int("content_length", len(content)), zap.Error(err))
		return err
	}
	return nil
}

// Test sends a greeting and returns the reply.
func (c *Client) Test(ctx context.Context, model string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}
	var opts []CallOption
	if model != "" {
		opts = append(opts, WithModel(model))
	}
	return c.Chat(ctx, []Message{{Role: RoleUser, Content: "Hello!"}}, opts...)
}

func (c *Client) model(opts []CallOption) string {
	o := callOptions{model: c.cfg.DefaultModel}
	for _, opt := range opts {
		opt(&o)
	}
	return o.model
}

func (c *Client) complete(ctx context.Context, m llms.Model, messages []Message, opts []CallOption) (string, error) {
	model := c.model(opts)
	logger := logging.For(ctx, c.logger).With(zap.String("model", model))

	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		text := msg.Content
		if msg.Role == RoleUser && c.scrubber.IsEnabled() {
			res := c.scrubber.Scrub(text)
			if res.HasFindings() {
				logger.Info("redacted user content", zap.Strings("rules", res.RuleIDs()))
			}
			text = res.Scrubbed
		}
		content = append(content, llms.TextParts(messageType(msg.Role), text))
	}

	logger.Debug("calling LLM", zap.Int("messages", len(messages)))
	start := time.Now()
	resp, err := m.GenerateContent(ctx, content, llms.WithModel(model))
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.RecordLLMRequest(model, "error", elapsed)
		logger.Error("LLM request failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		return "", fmt.Errorf("calling %s: %w", model, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		c.metrics.RecordLLMRequest(model, "empty", elapsed)
		logger.Error("LLM returned empty content")
		return "", ErrEmptyContent
	}
	c.metrics.RecordLLMRequest(model, "ok", elapsed)
	logger.Debug("LLM replied", zap.Duration("elapsed", elapsed), zap.Int("length", len(resp.Choices[0].Content)))
	return resp.Choices[0].Content, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}

var (
	jsonFence = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")
	anyFence  = regexp.MustCompile("(?s)```\\s*(.*?)\\s*```")
)

// ParseJSON decodes content into out. A ```json fence is preferred, then
// any ``` fence, then the whole content.
func ParseJSON(content string, out any) error {
	payload := content
	if m := jsonFence.FindStringSubmatch(content); m != nil {
		payload = m[1]
	} else if m := anyFence.FindStringSubmatch(content); m != nil {
		payload = m[1]
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return &InvalidJSONError{Raw: content, Err: err}
	}
	return nil
}
