// Package genai provides the reasoning call used by the decision pipeline, backed
// by OpenAI chat completions in JSON mode.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults for the reasoning call.
const (
	DefaultModel               = "gpt-4o-mini"
	DefaultTemperature         = 0.1
	DefaultMaxCompletionTokens = 800
)

var (
	// ErrNoChoicesReturned is returned when the completion has no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrEmptyResponse is returned when the first choice has no content.
	ErrEmptyResponse = errors.New("empty response content")
	// ErrMissingAPIKey is returned by NewClient without an API key.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	DebugDir            string // when set, every exchange is written here as JSON
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens caps the completion length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithDebugDir writes request/response pairs to dir for offline inspection.
func WithDebugDir(dir string) Option {
	return func(o *Opts) { o.DebugDir = dir }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	debugDir            string
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("GenAI client created", "model", cfg.Model, "temperature", cfg.Temperature, "debug", cfg.DebugDir != "")
	return &Client{
		chat:                completionsAdapter{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		debugDir:            cfg.DebugDir,
	}, nil
}

// GenerateJSON sends a system and user prompt in JSON mode and returns the raw
// JSON content of the first choice. Callers own parsing and shape validation.
func (c *Client) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	}
	return c.complete(ctx, params, systemPrompt, userPrompt)
}

// GenerateText sends a system and user prompt and returns plain text.
func (c *Client) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
	}
	return c.complete(ctx, params, systemPrompt, userPrompt)
}

func (c *Client) complete(ctx context.Context, params openai.ChatCompletionNewParams, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	slog.Debug("GenAI request", "model", c.model, "systemLength", len(systemPrompt), "userLength", len(userPrompt))

	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		slog.Error("GenAI request failed", "error", err, "model", c.model)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	c.writeDebug(systemPrompt, userPrompt, content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	slog.Debug("GenAI response", "model", c.model, "length", len(content), "elapsed", time.Since(start))
	return content, nil
}

type debugRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"system_prompt"`
	UserPrompt   string    `json:"user_prompt"`
	Response     string    `json:"response"`
}

// writeDebug persists one exchange. Failures are logged and never surface.
func (c *Client) writeDebug(systemPrompt, userPrompt, response string) {
	if c.debugDir == "" {
		return
	}
	if err := os.MkdirAll(c.debugDir, 0755); err != nil {
		slog.Warn("GenAI debug dir creation failed", "error", err, "dir", c.debugDir)
		return
	}
	rec := debugRecord{
		Timestamp:    time.Now(),
		Model:        c.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Response:     response,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("GenAI debug marshal failed", "error", err)
		return
	}
	name := filepath.Join(c.debugDir, fmt.Sprintf("exchange_%d.json", rec.Timestamp.UnixNano()))
	if err := os.WriteFile(name, data, 0644); err != nil {
		slog.Warn("GenAI debug write failed", "error", err, "file", name)
	}
}
