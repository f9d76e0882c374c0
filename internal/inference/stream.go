// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jeranaias/chatrelay/internal/model"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

const (
	// MaxChunkSize is the maximum allowed size for a single SSE event.
	MaxChunkSize = 1024 * 1024

	// DefaultEventBuffer is the capacity of the channel returned by StreamChat.
	DefaultEventBuffer = 64

	// finishUnknown is reported when the backend never sent a finish reason.
	finishUnknown = "unknown"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// ChatRequest is one streaming completion request.
type ChatRequest struct {
	Model       string
	Messages    []model.Message
	Temperature *float64
	TopP        *float64
	TopK        *int
	MinP        *float64
}

// completionBody is the JSON body sent to /v1/chat/completions.
type completionBody struct {
	Model         string          `json:"model"`
	Messages      []model.Message `json:"messages"`
	Stream        bool            `json:"stream"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	MinP          *float64        `json:"min_p,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// EventType distinguishes the three kinds of stream events.
type EventType int

const (
	EventDelta EventType = iota
	EventDone
	EventError
)

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is one unit of streamed output. EventDone and EventError are always
// the last event on the channel.
type Event struct {
	Type         EventType
	Text         string
	FinishReason string
	Usage        *Usage
	Err          error
}

// StreamChunk is a single chunk of an OpenAI-compatible streaming response.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Object  string `json:"object"`
	Message string `json:"message"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// GetFinishReason returns the finish reason if the choice has completed.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 && c.Choices[0].FinishReason != nil {
		return *c.Choices[0].FinishReason
	}
	return ""
}

// ErrorMessage returns the in-band error carried by the chunk, if any.
func (c *StreamChunk) ErrorMessage() string {
	if c.Error != nil && c.Error.Message != "" {
		return c.Error.Message
	}
	if c.Object == "error" {
		if c.Message != "" {
			return c.Message
		}
		return "backend reported an error"
	}
	return ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxChunkSize)
	return &SSEReader{scanner: scanner}
}

// ReadEvent returns the data payload of the next event. Multi-line data
// fields are joined with "\n"; other fields and comments are ignored.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() ([]byte, error) {
	var dataLines [][]byte

	for s.scanner.Scan() {
		line := bytes.TrimRight(s.scanner.Bytes(), "\r")

		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			data := bytes.TrimPrefix(line[5:], []byte(" "))
			dataLines = append(dataLines, append([]byte(nil), data...))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	if len(dataLines) > 0 {
		return bytes.Join(dataLines, []byte("\n")), nil
	}
	return nil, io.EOF
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// StreamChat opens a streaming completion and returns its events.
//
// Configuration problems and any failure before the backend accepts the
// request are returned directly. After that, all outcomes arrive on the
// channel, which is closed once the stream is finished. The response body is
// released when ctx is cancelled or the stream ends. No retries are made.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest) (<-chan Event, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if req.Model == "" {
		return nil, ErrModelNotSelected
	}

	body := completionBody{
		Model:         req.Model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		MinP:          req.MinP,
	}
	if body.Messages == nil {
		body.Messages = []model.Message{}
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Message: "invalid backend URL", Cause: err}
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindUnavailable, Message: "backend did not respond before the request deadline", Cause: err}
		}
		return nil, offline(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, handleErrorResponse(resp)
	}

	events := make(chan Event, DefaultEventBuffer)
	go processStream(ctx, resp.Body, events)
	return events, nil
}

// processStream reads the SSE body and forwards events in order. It owns
// body and events and closes both before returning.
func processStream(ctx context.Context, body io.ReadCloser, events chan<- Event) {
	defer close(events)
	defer body.Close()

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// sendFinal prefers buffer space over ctx so a terminal event is not
	// lost to the same cancellation that caused it.
	sendFinal := func(ev Event) {
		select {
		case events <- ev:
		default:
			send(ev)
		}
	}

	fail := func(err error) {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			sendFinal(Event{Type: EventError, Err: &Error{Kind: KindTimeout, Message: ErrTimeout.Message, Cause: ctx.Err()}})
		case ctx.Err() != nil:
			// caller is gone
		default:
			sendFinal(Event{Type: EventError, Err: &Error{Kind: KindStream, Message: "stream interrupted", Cause: err}})
		}
	}

	reader := NewSSEReader(body)
	finishReason := ""
	var usage *Usage

	for {
		data, err := reader.ReadEvent()
		if err == io.EOF {
			if ctx.Err() != nil {
				fail(ctx.Err())
				return
			}
			if finishReason == "" {
				fail(io.ErrUnexpectedEOF)
				return
			}
			sendFinal(Event{Type: EventDone, FinishReason: finishReason, Usage: usage})
			return
		}
		if err != nil {
			fail(err)
			return
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			if finishReason == "" {
				finishReason = finishUnknown
			}
			sendFinal(Event{Type: EventDone, FinishReason: finishReason, Usage: usage})
			return
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			continue
		}

		if msg := chunk.ErrorMessage(); msg != "" {
			sendFinal(Event{Type: EventError, Err: &Error{Kind: KindStream, Message: msg}})
			return
		}

		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if reason := chunk.GetFinishReason(); reason != "" {
			finishReason = reason
		}
		if content := chunk.GetContent(); content != "" {
			if !send(Event{Type: EventDelta, Text: content}) {
				return
			}
		}
	}
}
