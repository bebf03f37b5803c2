// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the model client contract consumed by the
// orchestration engine, and implements it for Ollama-protocol servers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/jeranaias/parley/internal/model"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// OllamaConfig holds configuration options for the Ollama client.
type OllamaConfig struct {
	// BaseURL is the API base URL (default: http://127.0.0.1:11434).
	// Uses explicit IPv4 instead of localhost to avoid IPv6 resolution
	// issues on Windows.
	BaseURL string

	// StreamTimeout bounds establishing a streaming connection (default: 5s).
	StreamTimeout time.Duration

	// MaxRetries for transient open failures (default: 3). Only stream
	// open is retried; a stream that fails mid-flight surfaces EventFailed
	// and is never resumed automatically.
	MaxRetries int

	// RetryDelay between open retries (default: 1s).
	RetryDelay time.Duration

	// RequestsPerSecond limits stream opens across all conversations
	// (default: 4). Burst equals the limit.
	RequestsPerSecond float64
}

// DefaultOllamaConfig returns the default client configuration.
func DefaultOllamaConfig() *OllamaConfig {
	return &OllamaConfig{
		BaseURL:           "http://127.0.0.1:11434",
		StreamTimeout:     5 * time.Second,
		MaxRetries:        3,
		RetryDelay:        1 * time.Second,
		RequestsPerSecond: 4,
	}
}

// =============================================================================
// OLLAMA CLIENT
// =============================================================================

// OllamaClient streams chat completions from an Ollama-protocol server.
// Safe for concurrent use; each StreamChat call owns one HTTP response body.
type OllamaClient struct {
	config     *OllamaConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewOllamaClient creates a client with the given configuration.
func NewOllamaClient(config *OllamaConfig) *OllamaClient {
	if config == nil {
		config = DefaultOllamaConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:11434"
	}
	if config.StreamTimeout == 0 {
		config.StreamTimeout = 5 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 1 * time.Second
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 4
	}

	return &OllamaClient{
		config: config,
		// No overall timeout on the http.Client: streams run as long as
		// generation takes. StreamTimeout bounds the wait for response
		// headers only, so a stalled server cannot hold a turn open.
		httpClient: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: config.StreamTimeout,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), int(config.RequestsPerSecond)),
	}
}

// chatPayload is the request body for /api/chat.
type chatPayload struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	Options  *chatOptions     `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

// StreamChat opens one streaming chat completion and converts the
// provider's chunk protocol to engine events. The returned channel is
// closed after the terminal event.
func (c *OllamaClient) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	payload := chatPayload{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
		Tools:    req.Tools,
	}
	if req.Temperature > 0 {
		payload.Options = &chatOptions{Temperature: req.Temperature}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "encode chat request", Cause: err}
	}

	resp, err := c.openStream(ctx, body)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go c.readStream(ctx, resp.Body, events)
	return events, nil
}

// openStream performs the POST with bounded retries for transient failures.
func (c *OllamaClient) openStream(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = classifyOpenError(err)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return nil, ErrModelNotFound
		case resp.StatusCode >= 500:
			// Server-side hiccup, worth a retry.
			msg := readErrorBody(resp)
			resp.Body.Close()
			lastErr = &ClientError{Type: ErrTypeConnection, Message: "model server error: " + msg}
			continue
		default:
			msg := readErrorBody(resp)
			resp.Body.Close()
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "chat request rejected: " + msg}
		}
	}
	return nil, lastErr
}

// classifyOpenError maps transport failures during stream open onto the
// client error taxonomy: header-wait timeouts to ErrTypeTimeout, refused
// connections to ErrTypeNotRunning, everything else to ErrTypeConnection.
func classifyOpenError(err error) *ClientError {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return &ClientError{Type: ErrTypeTimeout, Message: "model server did not respond in time", Cause: err}
	case errors.Is(err, syscall.ECONNREFUSED):
		return &ClientError{Type: ErrTypeNotRunning, Message: "model server is not running", Cause: err}
	default:
		return &ClientError{Type: ErrTypeConnection, Message: "connect to model server", Cause: err}
	}
}

// chatChunk mirrors one line of the streaming response.
type chatChunk struct {
	Model   string `json:"model"`
	Message struct {
		Role      string `json:"role"`
		Content   string `json:"content"`
		Thinking  string `json:"thinking,omitempty"`
		ToolCalls []struct {
			Function struct {
				Name      string          `json:"name"`
				Arguments json.RawMessage `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls,omitempty"`
	} `json:"message"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	Error           string `json:"error,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

// readStream parses line-delimited JSON chunks and emits events until the
// stream terminates. Exactly one terminal event is emitted; the channel is
// closed afterwards.
func (c *OllamaClient) readStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		if ctx.Err() != nil {
			c.emit(ctx, events, Event{Type: EventFailed, Err: ctx.Err()})
			return
		}

		var chunk chatChunk
		if err := dec.Decode(&chunk); err != nil {
			if err == io.EOF {
				// Stream ended without a done marker; treat as truncation.
				c.emit(ctx, events, Event{Type: EventFailed, Err: &ClientError{
					Type: ErrTypeInvalidResponse, Message: "stream ended before completion"}})
				return
			}
			if ctx.Err() != nil {
				c.emit(ctx, events, Event{Type: EventFailed, Err: ctx.Err()})
				return
			}
			c.emit(ctx, events, Event{Type: EventFailed, Err: &ClientError{
				Type: ErrTypeInvalidResponse, Message: "decode stream chunk", Cause: err}})
			return
		}

		if chunk.Error != "" {
			c.emit(ctx, events, Event{Type: EventFailed, Err: &ClientError{
				Type: ErrTypeUnknown, Message: chunk.Error}})
			return
		}

		if chunk.Message.Thinking != "" {
			if !c.emit(ctx, events, Event{Type: EventReasoningDelta, Text: chunk.Message.Thinking}) {
				return
			}
		}
		if chunk.Message.Content != "" {
			if !c.emit(ctx, events, Event{Type: EventTextDelta, Text: chunk.Message.Content}) {
				return
			}
		}

		for _, tc := range chunk.Message.ToolCalls {
			call, err := toToolCallRequest(tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				c.emit(ctx, events, Event{Type: EventFailed, Err: err})
				return
			}
			if !c.emit(ctx, events, Event{Type: EventToolCall, ToolCall: call}) {
				return
			}
		}

		if chunk.Done {
			c.emit(ctx, events, Event{
				Type:             EventCompleted,
				PromptTokens:     chunk.PromptEvalCount,
				CompletionTokens: chunk.EvalCount,
			})
			return
		}
	}
}

// emit delivers an event unless the consumer has gone away.
func (c *OllamaClient) emit(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// toToolCallRequest converts a wire tool call to the engine payload,
// preserving argument order. Ollama does not assign call IDs, so one is
// generated here for result correlation.
func toToolCallRequest(name string, rawArgs json.RawMessage) (*ToolCallRequest, error) {
	call := &ToolCallRequest{
		ID:   "call_" + uuid.NewString(),
		Name: name,
	}
	if len(rawArgs) > 0 {
		args, err := model.ParseToolArgs(rawArgs)
		if err != nil {
			return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "parse tool arguments", Cause: err}
		}
		call.Args = args
	}
	return call, nil
}

// readErrorBody extracts a short error message from a non-OK response.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	var apiErr struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return strings.TrimSpace(string(data))
}
