// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/jeranaias/chatrelay/internal/inference"
)

// =============================================================================
// DATA STREAM PROTOCOL
// =============================================================================

// Part type codes of the AI SDK data stream protocol.
const (
	partText          = "0"
	partError         = "3"
	partStartStep     = "f"
	partFinishStep    = "e"
	partFinishMessage = "d"
)

// ContentType is the Content-Type of a data stream response.
const ContentType = "text/plain; charset=utf-8"

// SetHeaders prepares h for a data stream response.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("X-Vercel-AI-Data-Stream", "v1")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// usagePart is the usage object carried by finish parts. Counts are zero
// when the backend did not report usage.
type usagePart struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type finishStepPart struct {
	FinishReason string    `json:"finishReason"`
	Usage        usagePart `json:"usage"`
	IsContinued  bool      `json:"isContinued"`
}

type finishMessagePart struct {
	FinishReason string    `json:"finishReason"`
	Usage        usagePart `json:"usage"`
}

// DataStreamWriter writes relay output as data stream parts, one per line,
// flushing after every part.
type DataStreamWriter struct {
	w         io.Writer
	flusher   http.Flusher
	messageID string
}

// NewDataStreamWriter wraps w. If w implements http.Flusher each part is
// flushed as soon as it is written.
func NewDataStreamWriter(w io.Writer) *DataStreamWriter {
	dw := &DataStreamWriter{
		w:         w,
		messageID: "msg-" + uuid.NewString(),
	}
	if f, ok := w.(http.Flusher); ok {
		dw.flusher = f
	}
	return dw
}

// MessageID returns the id announced in the start part.
func (d *DataStreamWriter) MessageID() string {
	return d.messageID
}

// Start writes the start-step part.
func (d *DataStreamWriter) Start() error {
	return d.writePart(partStartStep, map[string]string{"messageId": d.messageID})
}

// Text writes a text delta.
func (d *DataStreamWriter) Text(delta string) error {
	return d.writePart(partText, delta)
}

// Error writes an in-band error message.
func (d *DataStreamWriter) Error(message string) error {
	return d.writePart(partError, message)
}

// Finish writes the finish-step and finish-message parts.
func (d *DataStreamWriter) Finish(reason string, usage *inference.Usage) error {
	u := usagePart{}
	if usage != nil {
		u.PromptTokens = usage.PromptTokens
		u.CompletionTokens = usage.CompletionTokens
	}
	if err := d.writePart(partFinishStep, finishStepPart{FinishReason: reason, Usage: u}); err != nil {
		return err
	}
	return d.writePart(partFinishMessage, finishMessagePart{FinishReason: reason, Usage: u})
}

func (d *DataStreamWriter) writePart(code string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s part: %w", code, err)
	}
	if _, err := fmt.Fprintf(d.w, "%s:%s\n", code, payload); err != nil {
		return err
	}
	if d.flusher != nil {
		d.flusher.Flush()
	}
	return nil
}
