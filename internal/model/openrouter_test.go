package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/Iron-Ham/armada/internal/errors"
)

func newTestServer(t *testing.T, h http.HandlerFunc) *OpenRouter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOpenRouter(Credentials{APIKey: "sk-test", BaseURL: srv.URL + "/"})
}

func TestOpenRouter_Generate(t *testing.T) {
	var got chatRequest
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"  {\"1\": \"RUN nmap x\"}  "}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	})

	history := []Turn{
		{Role: RoleUser, Content: "earlier"},
		{Role: RoleAssistant, Content: "   "},
		{Role: "tool", Content: "ignored"},
		{Role: RoleAssistant, Content: "reply"},
	}
	out, err := c.Generate(context.Background(), "openai/gpt-4o-mini", "sys", "next?", history)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out != `{"1": "RUN nmap x"}` {
		t.Errorf("Generate() = %q", out)
	}

	if got.Model != "openai/gpt-4o-mini" {
		t.Errorf("model = %q", got.Model)
	}
	wantRoles := []string{RoleSystem, RoleUser, RoleAssistant, RoleUser}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", got.Messages)
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
	if got.Messages[3].Content != "next?" {
		t.Errorf("last message = %q", got.Messages[3].Content)
	}
}

func TestOpenRouter_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     string
		body       string
		wantKind   errors.Kind
		wantRetry  time.Duration
		wantFatal  bool
		wantMsgSub string
	}{
		{"rate limited with hint", http.StatusTooManyRequests, "7", `{"error":{"message":"slow down"}}`, errors.KindRateLimited, 7 * time.Second, false, "slow down"},
		{"rate limited no hint", http.StatusTooManyRequests, "", "", errors.KindRateLimited, 0, false, ""},
		{"unauthorized", http.StatusUnauthorized, "", `{"error":{"message":"bad key"}}`, errors.KindUnauthorized, 0, true, "bad key"},
		{"no credits", http.StatusPaymentRequired, "", "", errors.KindUnauthorized, 0, true, ""},
		{"server", http.StatusBadGateway, "", "upstream down", errors.KindServer, 0, false, "upstream down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Generate(context.Background(), "m", "", "hi", nil)
			var ue *errors.UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("error %v is not *UpstreamError", err)
			}
			if ue.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", ue.Kind, tt.wantKind)
			}
			if ue.RetryAfter != tt.wantRetry {
				t.Errorf("RetryAfter = %v, want %v", ue.RetryAfter, tt.wantRetry)
			}
			if errors.IsFatal(err) != tt.wantFatal {
				t.Errorf("IsFatal = %v, want %v", errors.IsFatal(err), tt.wantFatal)
			}
			if tt.wantMsgSub != "" && ue.Message != tt.wantMsgSub {
				t.Errorf("Message = %q, want %q", ue.Message, tt.wantMsgSub)
			}
		})
	}
}

func TestOpenRouter_EmptyKey(t *testing.T) {
	c := NewOpenRouter(Credentials{})
	_, err := c.Generate(context.Background(), "m", "", "hi", nil)
	if !errors.IsFatal(err) {
		t.Errorf("Generate() with empty key error = %v, want fatal", err)
	}
}

func TestOpenRouter_MalformedResponse(t *testing.T) {
	tests := map[string]string{
		"not json":   "<html>",
		"no choices": `{"choices":[]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := c.Generate(context.Background(), "m", "", "hi", nil)
			if err == nil {
				t.Fatal("Generate() error = nil, want error")
			}
			if errors.IsRetryable(err) || errors.IsFatal(err) {
				t.Errorf("malformed response classified as retryable/fatal: %v", err)
			}
		})
	}
}

func TestOpenRouter_Timeout(t *testing.T) {
	release := make(chan struct{})
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, "m", "", "hi", nil)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Generate() error = %v, want timeout", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestOpenRouter_Cancelled(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, "m", "", "hi", nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Generate() error = %v, want context.Canceled", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in     string
		want   time.Duration
		wantOK bool
	}{
		{"", 0, false},
		{"30", 30 * time.Second, true},
		{"1.5", 1500 * time.Millisecond, true},
		{"0", 0, false},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0, false},
		{"soon", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseRetryAfter(tt.in, now)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseRetryAfter(%q) = (%v, %v), want (%v, %v)", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestLoadCredentials(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "sk-env")
	t.Setenv("OPENROUTER_BASE_URL", "")
	os.Unsetenv("OPENROUTER_BASE_URL")

	c, err := LoadCredentials()
	if err != nil {
		t.Fatalf("LoadCredentials() error = %v", err)
	}
	if c.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", c.APIKey)
	}
	if c.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("BaseURL = %q, want default", c.BaseURL)
	}
}
