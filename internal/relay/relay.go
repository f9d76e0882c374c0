// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package relay forwards a backend completion stream to the caller.
package relay

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/jeranaias/chatrelay/internal/inference"
)

// TimeoutMessage is sent in-band when the request ceiling is reached.
const TimeoutMessage = "The response took too long and was stopped."

// Sink receives relayed output. Implementations write to the caller.
type Sink interface {
	Start() error
	Text(delta string) error
	Error(message string) error
	Finish(reason string, usage *inference.Usage) error
}

// Result summarizes one relayed stream.
type Result struct {
	Deltas       int
	Chars        int
	FinishReason string
	Usage        *inference.Usage
	Duration     time.Duration

	// Err is the failure that ended the stream, nil on a clean finish
	Err error

	// Disconnected is set when the caller went away or a write failed
	Disconnected bool
}

// Completed reports whether the stream ended with a finish signal.
func (r Result) Completed() bool {
	return r.Err == nil && !r.Disconnected
}

// Run drains events into sink in order until the stream finishes, fails or
// ctx ends. Mid-stream failures are surfaced through sink.Error before
// returning. Run never closes events; cancelling ctx is how the producer is
// stopped.
func Run(ctx context.Context, events <-chan inference.Event, sink Sink) (res Result) {
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	if err := sink.Start(); err != nil {
		res.Err, res.Disconnected = err, true
		return res
	}

	stopped := func() Result {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = &inference.Error{Kind: inference.KindTimeout, Message: inference.ErrTimeout.Message, Cause: ctx.Err()}
			if err := sink.Error(TimeoutMessage); err != nil {
				res.Disconnected = true
			}
			return res
		}
		res.Err, res.Disconnected = ctx.Err(), true
		return res
	}

	for {
		select {
		case <-ctx.Done():
			return stopped()

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return stopped()
				}
				res.Err = &inference.Error{Kind: inference.KindStream, Message: "stream ended without a finish signal"}
				if err := sink.Error(ErrorMessage(res.Err)); err != nil {
					res.Disconnected = true
				}
				return res
			}

			switch ev.Type {
			case inference.EventDelta:
				if err := sink.Text(ev.Text); err != nil {
					res.Err, res.Disconnected = err, true
					return res
				}
				res.Deltas++
				res.Chars += utf8.RuneCountInString(ev.Text)

			case inference.EventDone:
				res.FinishReason = ev.FinishReason
				res.Usage = ev.Usage
				if err := sink.Finish(ev.FinishReason, ev.Usage); err != nil {
					res.Err, res.Disconnected = err, true
				}
				return res

			case inference.EventError:
				res.Err = ev.Err
				if res.Err == nil {
					res.Err = &inference.Error{Kind: inference.KindStream, Message: "unknown stream error"}
				}
				if err := sink.Error(ErrorMessage(res.Err)); err != nil {
					res.Disconnected = true
				}
				return res
			}
		}
	}
}

// ErrorMessage renders err for display in the chat UI. For inference errors
// only the message is shown; the cause stays in the server log.
func ErrorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var ie *inference.Error
	if !errors.As(err, &ie) {
		return err.Error()
	}
	if ie.Kind == inference.KindTimeout {
		return TimeoutMessage
	}
	return ie.Message
}
