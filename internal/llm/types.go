// Package llm generates assistant replies to chat messages.
package llm

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Message is one conversation turn handed to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a reply to generate. Messages end with the user turn
// being answered.
type Request struct {
	SessionID   string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Prompt returns the content of the last user message.
func (r Request) Prompt() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Chunk is streamed model output. The final chunk has Partial unset.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
}

// Generator is a pluggable reply backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// New builds the backend selected by cfg.Mode.
func New(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	}
	return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
}
