// Package genai provides text generation over the OpenAI chat completion API.
//
// Every call is bounded by a per-attempt timeout and retried a small number of times on
// transient failures before a terminal error is returned.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default generation settings.
const (
	DefaultModel       = "gpt-4o"
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 500
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 2

	defaultBackoff    = 250 * time.Millisecond
	maxBackoff        = 4 * time.Second
	debugDirName      = "debug"
	debugFilePerms    = 0644
	debugDirPerms     = 0755
	debugTimeFormat   = "20060102T150405.000000000"
	methodPrompt      = "GeneratePromptWithContext"
	methodMessages    = "GenerateWithMessages"
	methodWithModel   = "GenerateWithModel"
	maxDebugNameExtra = 32
)

var (
	// ErrNoChoicesReturned is returned when the service answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrGenerationFailed is returned once every attempt of a call has failed.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrMissingAPIKey is returned when no API key is configured.
	ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set")
)

// ClientInterface is the generation contract consumed by the tutoring flow.
type ClientInterface interface {
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	// GenerateWithModel uses the given model; an empty model means the client default.
	GenerateWithModel(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openAIChatService adapts the SDK completion service to chatService.
type openAIChatService struct {
	client openai.Client
}

func (s *openAIChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	timeout             time.Duration
	maxRetries          int
	backoff             time.Duration
	debugMode           bool
	stateDir            string
	debugSeq            atomic.Uint64
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     *time.Duration
	MaxRetries  *int
	DebugMode   bool
	StateDir    string
}

// Option defines a functional option for configuring the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) {
		o.BaseURL = url
	}
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = &t
	}
}

// WithMaxTokens sets the completion token limit.
func WithMaxTokens(n int) Option {
	return func(o *Opts) {
		o.MaxTokens = n
	}
}

// WithTimeout bounds every attempt of a call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.Timeout = &d
	}
}

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(o *Opts) {
		o.MaxRetries = &n
	}
}

// WithDebugMode writes every request and response to <state dir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) {
		o.DebugMode = enabled
	}
}

// WithStateDir sets the directory debug dumps are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// NewClient initializes a new GenAI client. The API key falls back to OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		slog.Error("genai.NewClient: API key not set")
		return nil, ErrMissingAPIKey
	}

	// Retries are handled by Client so that each attempt gets its own timeout.
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	c := &Client{
		chat:                &openAIChatService{client: openai.NewClient(reqOpts...)},
		model:               DefaultModel,
		temperature:         DefaultTemperature,
		maxCompletionTokens: DefaultMaxTokens,
		timeout:             DefaultTimeout,
		maxRetries:          DefaultMaxRetries,
		backoff:             defaultBackoff,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}
	if cfg.Model != "" {
		c.model = cfg.Model
	}
	if cfg.Temperature != nil {
		c.temperature = *cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		c.maxCompletionTokens = int64(cfg.MaxTokens)
	}
	if cfg.Timeout != nil && *cfg.Timeout >= 0 {
		c.timeout = *cfg.Timeout
	}
	if cfg.MaxRetries != nil && *cfg.MaxRetries >= 0 {
		c.maxRetries = *cfg.MaxRetries
	}

	slog.Debug("genai.NewClient: client created",
		"model", c.model, "temperature", c.temperature, "maxTokens", c.maxCompletionTokens,
		"timeout", c.timeout, "maxRetries", c.maxRetries, "debugMode", c.debugMode, "baseURLSet", cfg.BaseURL != "")
	return c, nil
}

// GeneratePrompt generates a response based on the provided system and user prompts.
func (c *Client) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	return c.GeneratePromptWithContext(context.Background(), systemPrompt, userPrompt)
}

// GeneratePromptWithContext generates a response from a system and a user prompt.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.complete(ctx, methodPrompt, c.model, messages)
}

// GenerateWithMessages generates a response for a full message list.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return c.complete(ctx, methodMessages, c.model, messages)
}

// GenerateWithModel generates a response with a specific model.
func (c *Client) GenerateWithModel(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	if model == "" {
		model = c.model
	}
	return c.complete(ctx, methodWithModel, model, messages)
}

func (c *Client) complete(ctx context.Context, method, model string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("%s: no messages provided", method)
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
	}

	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffDelay(attempt - 1)
			slog.Warn("genai.complete: retrying after transient failure",
				"method", method, "model", model, "attempt", attempt, "delay", delay, "error", lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", ctx.Err()
			case <-timer.C:
			}
		}

		started := time.Now()
		content, err := c.attempt(ctx, params)
		c.writeDebugLog(method, model, params, content, err)
		if err == nil {
			slog.Debug("genai.complete: completion succeeded",
				"method", method, "model", model, "attempt", attempt, "latency", time.Since(started), "length", len(content))
			return content, nil
		}
		if errors.Is(err, ErrNoChoicesReturned) {
			return "", err
		}
		if ctx.Err() != nil {
			slog.Debug("genai.complete: caller context done", "method", method, "error", ctx.Err())
			return "", ctx.Err()
		}
		lastErr = err
		if !isTransient(err) {
			slog.Error("genai.complete: completion failed", "method", method, "model", model, "attempt", attempt, "error", err)
			return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
	}

	slog.Error("genai.complete: retries exhausted", "method", method, "model", model, "attempts", attempts, "error", lastErr)
	return "", fmt.Errorf("%w after %d attempts: %w", ErrGenerationFailed, attempts, lastErr)
}

func (c *Client) attempt(ctx context.Context, params openai.ChatCompletionNewParams) (string, error) {
	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.chat.Create(attemptCtx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Client) backoffDelay(retry int) time.Duration {
	base := c.backoff
	if base <= 0 {
		base = defaultBackoff
	}
	d := base << (retry - 1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// isTransient reports whether a failed attempt is worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
			return true
		}
		return apiErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// debugLogEntry is the JSON document written for each attempt in debug mode.
type debugLogEntry struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  string                         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

func (c *Client) writeDebugLog(method, model string, params openai.ChatCompletionNewParams, response string, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	dir := filepath.Join(c.stateDir, debugDirName)
	if err := os.MkdirAll(dir, debugDirPerms); err != nil {
		slog.Warn("genai.writeDebugLog: failed to create debug directory", "dir", dir, "error", err)
		return
	}
	entry := debugLogEntry{Timestamp: time.Now(), Method: method, Model: model, Params: params, Response: response}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		slog.Warn("genai.writeDebugLog: failed to marshal debug entry", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%06d_%s.json", entry.Timestamp.Format(debugTimeFormat), c.debugSeq.Add(1), sanitizeName(method))
	if err := os.WriteFile(filepath.Join(dir, name), data, debugFilePerms); err != nil {
		slog.Warn("genai.writeDebugLog: failed to write debug file", "file", name, "error", err)
	}
}

func sanitizeName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			return r
		}
		return '_'
	}, s)
	if len(s) > maxDebugNameExtra {
		s = s[:maxDebugNameExtra]
	}
	return s
}
