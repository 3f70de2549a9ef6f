package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP client for an OpenAI-compatible chat completions API
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	model      string
	maxRetries int
	limiter    *Limiter
	logger     *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// RequestsPerMinute throttles outbound calls; zero disables throttling
	RequestsPerMinute int
	Logger            *slog.Logger
}

// NewClient creates a new client
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		limiter:    NewLimiter(cfg.RequestsPerMinute),
		logger:     cfg.Logger,
	}
}

// Generate implements Generator
func (c *Client) Generate(ctx context.Context, systemPrompt, userContent string, cfg Sampling) (string, error) {
	req := &ChatRequest{
		Model: c.model,
		Messages: []Message{
			{Role: RoleSystem, Content: systemPrompt},
			{Role: RoleUser, Content: userContent},
		},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		TopP:        cfg.TopP,
	}

	resp, err := c.ChatWithRetry(ctx, req, c.maxRetries)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &GenerationError{Kind: ErrorMalformed, Err: errors.New("response has no content")}
	}
	return resp.Choices[0].Message.Content, nil
}

// Chat sends a non-streaming chat completion request
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if req.Stream {
		return nil, fmt.Errorf("cannot use Chat with a streaming request")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &GenerationError{Kind: ErrorTimeout, Err: err}
	}

	resp, err := c.doRequest(ctx, req)
	if err != nil {
		kind := ErrorTransport
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			kind = ErrorTimeout
		}
		return nil, &GenerationError{Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &GenerationError{
			Kind: kindForStatus(resp.StatusCode),
			Err:  fmt.Errorf("API error: status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, &GenerationError{Kind: ErrorMalformed, Err: fmt.Errorf("decoding response: %w", err)}
	}

	return &chatResp, nil
}

// ChatWithRetry sends a chat completion request with retry logic
func (c *Client) ChatWithRetry(ctx context.Context, req *ChatRequest, maxRetries int) (*ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, &GenerationError{Kind: ErrorTimeout, Err: ctx.Err()}
			}
		}

		resp, err := c.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var ge *GenerationError
		if errors.As(err, &ge) && !ge.Retryable() {
			return nil, err
		}
		c.logger.Warn("generation attempt failed", "attempt", attempt+1, "error", err)
	}

	return nil, lastErr
}

// doRequest performs the HTTP request
func (c *Client) doRequest(ctx context.Context, req *ChatRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.baseURL + "/v1/chat/completions"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	return c.httpClient.Do(httpReq)
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorQuota
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrorAuth
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ErrorTimeout
	case status >= 500:
		return ErrorTransport
	default:
		return ErrorMalformed
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
