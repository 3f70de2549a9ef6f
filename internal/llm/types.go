// Package llm is the text generation port used by agents, with an
// OpenAI-compatible HTTP client and a deterministic mock.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Generator produces text for a system prompt and user content
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userContent string, cfg Sampling) (string, error)
}

// Sampling controls generation
type Sampling struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// DefaultSampling is used when an agent does not set its own
var DefaultSampling = Sampling{Temperature: 0.3, MaxTokens: 512}

// ErrorKind classifies generation failures
type ErrorKind string

const (
	ErrorTimeout   ErrorKind = "timeout"
	ErrorQuota     ErrorKind = "quota"
	ErrorMalformed ErrorKind = "malformed"
	ErrorAuth      ErrorKind = "auth"
	ErrorTransport ErrorKind = "transport"
)

// GenerationError is returned by a Generator when no text could be produced
type GenerationError struct {
	Kind ErrorKind
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (%s): %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether repeating the request may succeed
func (e *GenerationError) Retryable() bool {
	return e.Kind == ErrorTimeout || e.Kind == ErrorTransport || e.Kind == ErrorQuota
}

// KindOf returns the kind of a generation failure, or "" when err is not one
func KindOf(err error) ErrorKind {
	var ge *GenerationError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	return ""
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(ctx context.Context, systemPrompt, userContent string, cfg Sampling) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt, userContent string, cfg Sampling) (string, error) {
	return f(ctx, systemPrompt, userContent, cfg)
}

// Role represents the role of a message sender
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a request to generate a chat completion
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// ChatResponse is the response from a chat completion
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice represents a choice in the response
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
