package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/armada/internal/errors"
	"github.com/Iron-Ham/armada/internal/logging"
)

const (
	serviceName        = "openrouter"
	defaultMaxTokens   = 2048
	defaultTemperature = 0.7
	defaultTopP        = 0.95
	maxErrorBody       = 512
)

// OpenRouter talks to any OpenAI-compatible chat completions endpoint.
type OpenRouter struct {
	apiKey      string
	apiBase     string
	referer     string
	title       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	logger      *logging.Logger
}

// Option configures an OpenRouter client.
type Option func(*OpenRouter)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OpenRouter) {
		if c != nil {
			o.httpClient = c
		}
	}
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) Option {
	return func(o *OpenRouter) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *OpenRouter) {
		o.temperature = t
	}
}

// WithAttribution sets the HTTP-Referer and X-Title headers OpenRouter uses
// to attribute traffic.
func WithAttribution(referer, title string) Option {
	return func(o *OpenRouter) {
		o.referer = referer
		o.title = title
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *OpenRouter) {
		o.logger = l
	}
}

// NewOpenRouter creates a client for creds.
func NewOpenRouter(creds Credentials, opts ...Option) *OpenRouter {
	base := creds.BaseURL
	if base == "" {
		base = "https://openrouter.ai/api/v1"
	}
	o := &OpenRouter{
		apiKey:      strings.TrimSpace(creds.APIKey),
		apiBase:     strings.TrimSuffix(base, "/"),
		title:       "armada",
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.OrNop(o.logger).WithComponent("model")
	return o
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate sends one chat completion request.
func (o *OpenRouter) Generate(ctx context.Context, modelID, systemPrompt, userMessage string, history []Turn) (string, error) {
	if o.apiKey == "" {
		return "", errors.NewUpstreamError(errors.KindUnauthorized, serviceName, "API key is empty", nil)
	}

	msgs := buildMessages(systemPrompt, userMessage, history)
	if len(msgs) == 0 {
		return "", errors.NewUpstreamError(errors.KindOther, serviceName, "no messages to send", nil)
	}

	body, err := json.Marshal(chatRequest{
		Model:       modelID,
		Messages:    msgs,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
		TopP:        defaultTopP,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	if o.referer != "" {
		req.Header.Set("HTTP-Referer", o.referer)
	}
	if o.title != "" {
		req.Header.Set("X-Title", o.title)
	}

	start := time.Now()
	resp, err := o.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ctx.Err()
		}
		kind := errors.KindServer
		if errors.IsRetryable(err) {
			kind = errors.KindTimeout
		}
		return "", errors.NewUpstreamError(kind, serviceName, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.NewUpstreamError(errors.KindServer, serviceName, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		ue := errors.FromStatus(serviceName, resp.StatusCode, errorMessage(respBody))
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			ue = ue.WithRetryAfter(d)
		}
		o.logger.Warn("model request failed",
			"model", modelID,
			"status", resp.StatusCode,
			"retry_after", ue.RetryAfter,
		)
		return "", ue
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.NewUpstreamError(errors.KindOther, serviceName, "parse response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.NewUpstreamError(errors.KindOther, serviceName, "no choices in response", nil)
	}

	o.logger.Debug("model response",
		"model", modelID,
		"duration", time.Since(start),
		"prompt_tokens", parsed.Usage.PromptTokens,
		"completion_tokens", parsed.Usage.CompletionTokens,
	)
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func buildMessages(systemPrompt, userMessage string, history []Turn) []chatMessage {
	msgs := make([]chatMessage, 0, len(history)+2)
	add := func(role, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		switch role {
		case RoleSystem, RoleUser, RoleAssistant:
			msgs = append(msgs, chatMessage{Role: role, Content: content})
		}
	}
	add(RoleSystem, systemPrompt)
	for _, t := range history {
		add(t.Role, t.Content)
	}
	add(RoleUser, userMessage)
	return msgs
}

func errorMessage(body []byte) string {
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error.Message != "" {
		return er.Error.Message
	}
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		s = s[:maxErrorBody]
	}
	return s
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d, true
		}
	}
	return 0, false
}
