// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/model"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// sseServer returns a backend that replies to chat completions with the
// given SSE lines, flushing after each one.
func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deltaLine(text string) string {
	b, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": text}, "finish_reason": nil}},
	})
	return "data: " + string(b)
}

func finishLine(reason string) string {
	return `data: {"choices":[{"delta":{},"finish_reason":"` + reason + `"}]}`
}

func collect(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out waiting for stream to close")
			return out
		}
	}
}

func simpleRequest() ChatRequest {
	return ChatRequest{
		Model:    "qwen3",
		Messages: []model.Message{model.NewUserMessage("hi")},
	}
}

// =============================================================================
// STREAM CHAT TESTS
// =============================================================================

func TestStreamChat_Success(t *testing.T) {
	srv := sseServer(t,
		`data: {"choices":[{"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
		deltaLine("Hel"),
		deltaLine("lo"),
		finishLine("stop"),
		`data: {"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
		"data: [DONE]",
	)

	client := NewClient(srv.URL, "")
	events, err := client.StreamChat(context.Background(), simpleRequest())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, Event{Type: EventDelta, Text: "Hel"}, got[0])
	assert.Equal(t, Event{Type: EventDelta, Text: "lo"}, got[1])
	assert.Equal(t, EventDone, got[2].Type)
	assert.Equal(t, "stop", got[2].FinishReason)
	require.NotNil(t, got[2].Usage)
	assert.Equal(t, 7, got[2].Usage.PromptTokens)
	assert.Equal(t, 2, got[2].Usage.CompletionTokens)
}

func TestStreamChat_RequestShape(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, finishLine("stop")+"\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", "secret")
	req := simpleRequest()
	req.Temperature = model.Float(0.6)
	req.TopK = model.Int(20)
	req.MinP = model.Float(0)

	events, err := client.StreamChat(context.Background(), req)
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "qwen3", gotBody["model"])
	assert.Equal(t, true, gotBody["stream"])
	assert.InDelta(t, 0.6, gotBody["temperature"], 1e-9)
	assert.EqualValues(t, 20, gotBody["top_k"])
	assert.Contains(t, gotBody, "min_p")
	assert.NotContains(t, gotBody, "top_p")

	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"role": "user", "content": "hi"}, msgs[0])
}

func TestStreamChat_DefaultAPIKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	events, err := NewClient(srv.URL, "").StreamChat(context.Background(), simpleRequest())
	require.NoError(t, err)
	collect(t, events)

	assert.Equal(t, "Bearer EMPTY", gotAuth)
}

func TestStreamChat_NotConfigured(t *testing.T) {
	client := NewClient("", "")
	events, err := client.StreamChat(context.Background(), simpleRequest())

	assert.Nil(t, events)
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, KindConfiguration, KindOf(err))
}

func TestStreamChat_ModelNotSelected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	req := simpleRequest()
	req.Model = ""
	_, err := NewClient(srv.URL, "").StreamChat(context.Background(), req)

	require.ErrorIs(t, err, ErrModelNotSelected)
	assert.Zero(t, calls.Load(), "no request may reach the backend")
}

func TestStreamChat_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"object":"error","message":"This model's maximum context length is 4096 tokens.","type":"BadRequestError","code":400}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").StreamChat(context.Background(), simpleRequest())

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindRejected, ie.Kind)
	assert.Equal(t, http.StatusBadRequest, ie.Status)
	assert.Contains(t, ie.Message, "maximum context length")
}

func TestStreamChat_RejectedOpenAIEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"The model does not exist.","type":"NotFoundError"}}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").StreamChat(context.Background(), simpleRequest())

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusNotFound, ie.Status)
	assert.Equal(t, "The model does not exist.", ie.Message)
}

func TestStreamChat_BackendOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "").StreamChat(context.Background(), simpleRequest())

	require.ErrorIs(t, err, ErrBackendOffline)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestStreamChat_CallerCancelBeforeHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := NewClient(srv.URL, "").StreamChat(ctx, simpleRequest())

	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrBackendOffline))
	assert.Equal(t, KindUnknown, KindOf(err))
}

func TestStreamChat_MidStreamError(t *testing.T) {
	srv := sseServer(t,
		deltaLine("partial"),
		`data: {"object":"error","message":"engine dead","type":"InternalServerError","code":500}`,
	)

	events, err := NewClient(srv.URL, "").StreamChat(context.Background(), simpleRequest())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "partial", got[0].Text)
	assert.Equal(t, EventError, got[1].Type)
	assert.Equal(t, KindStream, KindOf(got[1].Err))
	assert.Contains(t, got[1].Err.Error(), "engine dead")
}

func TestStreamChat_TruncatedStream(t *testing.T) {
	srv := sseServer(t, deltaLine("partial"))

	events, err := NewClient(srv.URL, "").StreamChat(context.Background(), simpleRequest())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventError, got[1].Type)
	assert.Equal(t, KindStream, KindOf(got[1].Err))
}

func TestStreamChat_FinishWithoutDone(t *testing.T) {
	srv := sseServer(t, deltaLine("ok"), finishLine("length"))

	events, err := NewClient(srv.URL, "").StreamChat(context.Background(), simpleRequest())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, EventDone, got[1].Type)
	assert.Equal(t, "length", got[1].FinishReason)
}

func TestStreamChat_DeadlineDuringStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n\n", deltaLine("slow"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	events, err := NewClient(srv.URL, "").StreamChat(ctx, simpleRequest())
	require.NoError(t, err)

	got := collect(t, events)
	require.Len(t, got, 2)
	assert.Equal(t, "slow", got[0].Text)
	assert.Equal(t, EventError, got[1].Type)
	assert.Equal(t, KindTimeout, KindOf(got[1].Err))
	assert.ErrorIs(t, got[1].Err, ErrTimeout)
}

func TestStreamChat_CallerCancelClosesChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; ; i++ {
			if _, err := fmt.Fprintf(w, "%s\n\n", deltaLine("x")); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, err := NewClient(srv.URL, "").StreamChat(ctx, simpleRequest())
	require.NoError(t, err)

	<-events
	cancel()

	for ev := range events {
		assert.NotEqual(t, EventDone, ev.Type)
	}
}

// =============================================================================
// LIST MODELS TESTS
// =============================================================================

func TestListModels_Success(t *testing.T) {
	var gotAPIKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/models", r.URL.Path)
		gotAPIKey = r.Header.Get("api-key")
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"Qwen/Qwen3-8B","object":"model","owned_by":"vllm","max_model_len":32768}]}`)
	}))
	defer srv.Close()

	list, err := NewClient(srv.URL, "k").ListModels(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "list", list.Object)
	assert.Equal(t, []string{"Qwen/Qwen3-8B"}, list.IDs())
	assert.Equal(t, 32768, list.Data[0].MaxModelLen)
	assert.Equal(t, "k", gotAPIKey)
	assert.Equal(t, "Bearer k", gotAuth)
}

func TestListModels_KeepsBackendFields(t *testing.T) {
	const body = `{"object":"list","data":[{"id":"m","object":"model","owned_by":"vllm","permission":[{"id":"modelperm-1","allow_sampling":true}]}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, body)
	}))
	defer srv.Close()

	list, err := NewClient(srv.URL, "").ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, list.IDs())

	out, err := json.Marshal(list)
	require.NoError(t, err)
	assert.JSONEq(t, body, string(out))
}

func TestListModels_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	client := NewClientWithConfig(&ClientConfig{BaseURL: srv.URL, ModelsTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := client.ListModels(context.Background())

	require.ErrorIs(t, err, ErrBackendOffline)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "Connection Failed: inference server is offline", ErrBackendOffline.Error())
}

func TestListModels_BackendStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, "upstream down")
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").ListModels(context.Background())

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, KindRejected, ie.Kind)
	assert.Equal(t, http.StatusBadGateway, ie.Status)
	assert.Equal(t, "vLLM Error: Bad Gateway", ie.Message)
}

func TestListModels_NotConfigured(t *testing.T) {
	_, err := NewClient("", "").ListModels(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, errors.Is(err, ErrBackendOffline))
}

func TestSingleModelList(t *testing.T) {
	b, err := json.Marshal(SingleModelList("pinned"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"object":"list","data":[{"id":"pinned"}]}`, string(b))
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader(t *testing.T) {
	input := strings.Join([]string{
		": keep-alive comment",
		"",
		"event: message",
		"data: first",
		"data: second",
		"",
		"data:{\"a\":1}\r",
		"\r",
		"data: tail",
	}, "\n")

	r := NewSSEReader(strings.NewReader(input))

	data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(data))

	data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(data))

	_, err = r.ReadEvent()
	assert.Equal(t, io.EOF, err)
}

func TestKindCategory(t *testing.T) {
	assert.Equal(t, "configuration_error", KindConfiguration.Category())
	assert.Equal(t, "backend_unavailable", KindUnavailable.Category())
	assert.Equal(t, "backend_rejected", KindRejected.Category())
	assert.Equal(t, "stream_failure", KindStream.Category())
	assert.Equal(t, "timeout", KindTimeout.Category())
	assert.Equal(t, "internal_error", KindOf(errors.New("x")).Category())
}

func TestStreamChat_RejectedPlainTextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>\n  <body>upstream   down</body>\n</html>"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").StreamChat(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)

	var ie *Error
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusBadGateway, ie.Status)
	assert.Equal(t, "<html> <body>upstream down</body> </html>", ie.Message)
}

func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"not configured", ErrNotConfigured, "configuration_error"},
		{"wrapped offline", fmt.Errorf("listing: %w", offline(errors.New("refused"))), "backend_unavailable"},
		{"pre-stream timeout", ErrTimeout, "backend_unavailable"},
		{"bare deadline", context.DeadlineExceeded, "backend_unavailable"},
		{"rejected", rejected(http.StatusNotFound, "model not found"), "backend_rejected"},
		{"foreign", errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Category(tt.err))
		})
	}
}
