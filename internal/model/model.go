// Package model is the client side of the generative model that plans each
// worker's next commands.
package model

import (
	"context"
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Roles used in conversation turns.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior exchange in a worker's conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client generates a completion. Implementations return
// *errors.UpstreamError for failures the caller should classify.
type Client interface {
	Generate(ctx context.Context, modelID, systemPrompt, userMessage string, history []Turn) (string, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, modelID, systemPrompt, userMessage string, history []Turn) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, modelID, systemPrompt, userMessage string, history []Turn) (string, error) {
	return f(ctx, modelID, systemPrompt, userMessage, history)
}

// Credentials locate and authenticate the model endpoint. They are read from
// OPENROUTER_API_KEY and OPENROUTER_BASE_URL.
type Credentials struct {
	APIKey  string `envconfig:"API_KEY"`
	BaseURL string `envconfig:"BASE_URL" default:"https://openrouter.ai/api/v1"`
}

// LoadCredentials reads Credentials from the environment.
func LoadCredentials() (Credentials, error) {
	var c Credentials
	if err := envconfig.Process("OPENROUTER", &c); err != nil {
		return Credentials{}, fmt.Errorf("load model credentials: %w", err)
	}
	return c, nil
}
