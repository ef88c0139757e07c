// Package llm is the outbound client for the hosted Gemini API. It exposes the
// two capabilities the backend relies on: one-shot generateContent for the
// insights pipeline and multi-turn chat for the mentor conversation.
//
// Calls are paced by a token bucket shared by every caller of the Client and
// retried by resty on 429 and 5xx responses.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/mentor-chat-backend/internal/config"
)

var (
	// ErrEmptyResponse is returned when the API answers 200 with no text.
	ErrEmptyResponse = errors.New("llm: empty response")
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("llm: api key not configured")
)

// StatusError carries a non-2xx response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: gemini status %d: %s", e.Code, e.Body)
}

// Turn is one prior exchange passed to Chat.
type Turn struct {
	Role    string // user|model
	Content string
}

// GenerationConfig mirrors the subset of Gemini's generationConfig we set.
type GenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string   `json:"responseMimeType,omitempty"`
}

// Generator is the one-shot capability used by the insights pipeline.
type Generator interface {
	GenerateContent(ctx context.Context, prompt string, cfg GenerationConfig) (string, error)
}

// Chatter is the multi-turn capability used by the chat endpoint.
type Chatter interface {
	Chat(ctx context.Context, system string, history []Turn, message string) (string, error)
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
}

// Client talks to generativelanguage.googleapis.com (or a compatible base URL).
type Client struct {
	http    *resty.Client
	model   string
	apiKey  string
	limiter *rate.Limiter
	log     zerolog.Logger
}

// headerAPIKey carries the key so it never appears in request URLs, which
// transport errors echo verbatim.
const headerAPIKey = "x-goog-api-key"

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for retry and failure diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New builds a Client from GeminiConfig.
func New(cfg config.GeminiConfig, opts ...Option) *Client {
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(limit, burst),
		log:     zerolog.Nop(),
	}
	c.http = resty.New().
		SetBaseURL(cfg.BaseURL).
		SetHeader("Content-Type", "application/json").
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			if r == nil {
				return false
			}
			code := r.StatusCode()
			return code == http.StatusTooManyRequests || code >= 500
		})

	for _, o := range opts {
		o(c)
	}
	return c
}

// GenerateContent sends a single user prompt and returns the concatenated text
// of the first candidate.
func (c *Client) GenerateContent(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	ctx, span := otel.Tracer("llm/Client").Start(ctx, "GenerateContent",
		trace.WithAttributes(
			attribute.String("llm.model", c.model),
			attribute.Int("llm.prompt_runes", len([]rune(prompt))),
		),
	)
	defer span.End()

	req := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: prompt}}}},
	}
	if cfg != (GenerationConfig{}) {
		req.GenerationConfig = &cfg
	}
	return c.do(ctx, req)
}

// Chat replays history and appends message as the latest user turn. An empty
// system string sends no system instruction.
func (c *Client) Chat(ctx context.Context, system string, history []Turn, message string) (string, error) {
	ctx, span := otel.Tracer("llm/Client").Start(ctx, "Chat",
		trace.WithAttributes(
			attribute.String("llm.model", c.model),
			attribute.Int("llm.history_turns", len(history)),
		),
	)
	defer span.End()

	contents := make([]content, 0, len(history)+1)
	for _, t := range history {
		role := t.Role
		if role != "model" {
			role = "user"
		}
		contents = append(contents, content{Role: role, Parts: []part{{Text: t.Content}}})
	}
	contents = append(contents, content{Role: "user", Parts: []part{{Text: message}}})

	req := generateRequest{Contents: contents}
	if s := strings.TrimSpace(system); s != "" {
		req.SystemInstruction = &content{Parts: []part{{Text: s}}}
	}
	return c.do(ctx, req)
}

func (c *Client) do(ctx context.Context, body generateRequest) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm: rate wait: %w", err)
	}

	var out generateResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("model", c.model).
		SetHeader(headerAPIKey, c.apiKey).
		SetBody(body).
		SetResult(&out).
		Post("/v1beta/models/{model}:generateContent")
	if err != nil {
		return "", fmt.Errorf("llm: request: %w", err)
	}
	if resp.IsError() {
		c.log.Warn().Int("status", resp.StatusCode()).Str("model", c.model).Msg("gemini error response")
		return "", &StatusError{Code: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}

	if len(out.Candidates) == 0 {
		if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
			return "", fmt.Errorf("%w: blocked (%s)", ErrEmptyResponse, out.PromptFeedback.BlockReason)
		}
		return "", ErrEmptyResponse
	}
	var b strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	_ Generator = (*Client)(nil)
	_ Chatter   = (*Client)(nil)
)
