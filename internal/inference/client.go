// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package inference provides the HTTP client for OpenAI-compatible inference
// backends such as vLLM.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jeranaias/chatrelay/internal/util"
)

// Configuration constants for the inference backend.
const (
	// DefaultModelsTimeout bounds model discovery and health probes.
	DefaultModelsTimeout = 3 * time.Second

	// DefaultAPIKey is sent when no credential is configured. vLLM accepts
	// any bearer value unless it was started with --api-key.
	DefaultAPIKey = "EMPTY"

	// MaxResponseSize is the maximum allowed non-streaming response body size.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBody caps how much of an error response is read.
	maxErrorBody = 64 * 1024

	// maxErrorText caps a non-JSON error body when it is shown to the caller.
	maxErrorText = 500

	userAgent = "chatrelay/1.0"
)

var (
	// sharedStreamingClient is used for completion streams. There is no
	// client timeout; the request context bounds the stream.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the inference client.
type ClientConfig struct {
	// BaseURL is the backend root, without the /v1 suffix
	BaseURL string

	// APIKey is sent as a bearer token (default: "EMPTY")
	APIKey string

	// ModelsTimeout bounds ListModels (default: 3s)
	ModelsTimeout time.Duration

	// HTTPClient overrides the shared streaming client
	HTTPClient *http.Client
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to an OpenAI-compatible backend.
//
// The Client is safe for concurrent use and holds no per-request state.
type Client struct {
	baseURL       string
	apiKey        string
	modelsTimeout time.Duration
	httpClient    *http.Client
}

// NewClient creates a client for the backend at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return NewClientWithConfig(&ClientConfig{BaseURL: baseURL, APIKey: apiKey})
}

// NewClientWithConfig creates a client with custom configuration.
// An empty BaseURL is allowed; every call then fails with ErrNotConfigured.
func NewClientWithConfig(config *ClientConfig) *Client {
	if config == nil {
		config = &ClientConfig{}
	}

	c := &Client{
		baseURL:       strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:        strings.TrimSpace(config.APIKey),
		modelsTimeout: config.ModelsTimeout,
		httpClient:    config.HTTPClient,
	}
	if c.apiKey == "" {
		c.apiKey = DefaultAPIKey
	}
	if c.modelsTimeout <= 0 {
		c.modelsTimeout = DefaultModelsTimeout
	}
	if c.httpClient == nil {
		c.httpClient = sharedStreamingClient
	}
	return c
}

// BaseURL returns the configured backend root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// IsConfigured returns true if a backend URL is set.
func (c *Client) IsConfigured() bool {
	return c.baseURL != ""
}

// setHeaders sets the headers every backend request carries.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
}

// =============================================================================
// MODEL DISCOVERY
// =============================================================================

// ModelInfo describes one model served by the backend.
type ModelInfo struct {
	ID          string `json:"id"`
	Object      string `json:"object,omitempty"`
	Created     int64  `json:"created,omitempty"`
	OwnedBy     string `json:"owned_by,omitempty"`
	Root        string `json:"root,omitempty"`
	MaxModelLen int    `json:"max_model_len,omitempty"`
}

// ModelList is the OpenAI list envelope returned by /v1/models.
//
// A list read from the backend keeps the original body and marshals back to
// it unchanged, so fields ModelInfo does not name (permission and friends)
// still reach the UI.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`

	raw json.RawMessage
}

// MarshalJSON returns the backend body when there is one.
func (l ModelList) MarshalJSON() ([]byte, error) {
	if len(l.raw) > 0 {
		return l.raw, nil
	}
	type plain ModelList
	return json.Marshal(plain(l))
}

// SingleModelList builds the list reported when a model is pinned.
func SingleModelList(id string) *ModelList {
	return &ModelList{Object: "list", Data: []ModelInfo{{ID: id}}}
}

// IDs returns the model identifiers in backend order.
func (l *ModelList) IDs() []string {
	ids := make([]string, 0, len(l.Data))
	for _, m := range l.Data {
		ids = append(ids, m.ID)
	}
	return ids
}

// ListModels queries /v1/models with the client's short models timeout.
//
// A timeout or connection failure returns ErrBackendOffline. A non-success
// status returns a KindRejected error whose message is "vLLM Error: <status text>".
func (c *Client) ListModels(ctx context.Context) (*ModelList, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.modelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, &Error{Kind: KindConfiguration, Message: "invalid backend URL", Cause: err}
	}
	c.setHeaders(req)
	req.Header.Set("api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, offline(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil, rejected(resp.StatusCode, "vLLM Error: "+statusText(resp))
	}

	body, err := readResponse(resp)
	if err != nil {
		if isTransportFailure(ctx, err) {
			return nil, offline(err)
		}
		return nil, &Error{Kind: KindRejected, Status: http.StatusBadGateway, Message: "failed to read models response", Cause: err}
	}

	var list ModelList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, &Error{Kind: KindRejected, Status: http.StatusBadGateway, Message: "failed to parse models response", Cause: err}
	}
	if list.Object == "" {
		list.Object = "list"
	}
	list.raw = body
	return &list, nil
}

// CheckRunning reports whether the backend answers model discovery.
func (c *Client) CheckRunning(ctx context.Context) error {
	_, err := c.ListModels(ctx)
	return err
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// readResponse reads a response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	limitedReader := io.LimitReader(resp.Body, MaxResponseSize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// apiErrorResponse covers both the OpenAI {"error":{...}} envelope and the
// flat {"object":"error","message":...} shape vLLM uses.
type apiErrorResponse struct {
	Object  string `json:"object"`
	Message string `json:"message"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (r *apiErrorResponse) message() string {
	if r.Error != nil && r.Error.Message != "" {
		return r.Error.Message
	}
	return r.Message
}

// handleErrorResponse converts a non-success completion response into a
// KindRejected error carrying the backend's status and message.
func handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.message() != "" {
		return rejected(resp.StatusCode, apiErr.message())
	}

	if text := util.Preview(string(body), maxErrorText); text != "" {
		return rejected(resp.StatusCode, text)
	}
	return rejected(resp.StatusCode, statusText(resp))
}

// statusText returns the reason phrase of resp, e.g. "Not Found".
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	return text
}

// isTransportFailure reports whether err came from the network or the
// request deadline rather than from the payload.
func isTransportFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
