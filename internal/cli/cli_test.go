// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/chatrelay/internal/config"
	"github.com/jeranaias/chatrelay/internal/inference"
	"github.com/jeranaias/chatrelay/internal/server"
)

// =============================================================================
// HELPERS
// =============================================================================

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// isolate points HOME at a temp dir and clears every variable the config
// layer reads.
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, name := range []string{
		"CHATRELAY_CONFIG", "CHATRELAY_ADDR", "CHATRELAY_AUTH_TOKEN", "CHATRELAY_LOG_LEVEL",
		"VLLM_URL", "NEXT_PUBLIC_VLLM_URL", "VLLM_API_KEY", "VLLM_MODEL",
		"VLLM_TOKEN_LIMIT", "NEXT_PUBLIC_VLLM_TOKEN_LIMIT",
	} {
		t.Setenv(name, "")
	}
	return home
}

func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	var out, errOut syncBuffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err = root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
	Command string          `json:"command"`
}

func decodeEnvelope(t *testing.T, out string) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(out), &env), "output: %s", out)
	return env
}

func modelsBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"qwen3-8b","object":"model","max_model_len":32768}]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// =============================================================================
// VERSION / SETTINGS
// =============================================================================

func TestVersion(t *testing.T) {
	isolate(t)

	out, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "chatrelay "+server.Version)
	assert.Contains(t, out, "go:")
}

func TestVersion_IgnoresBrokenConfig(t *testing.T) {
	home := isolate(t)
	broken := filepath.Join(home, "broken.toml")
	require.NoError(t, os.WriteFile(broken, []byte("nonsense = ["), 0600))
	t.Setenv("CHATRELAY_CONFIG", broken)

	_, _, err := run(t, "version")
	assert.NoError(t, err)

	_, _, err = run(t, "help", "models")
	assert.NoError(t, err)
}

func TestSettings_JSON(t *testing.T) {
	isolate(t)
	t.Setenv("VLLM_TOKEN_LIMIT", "8192")
	t.Setenv("VLLM_MODEL", "pinned")

	out, _, err := run(t, "settings")
	require.NoError(t, err)

	env := decodeEnvelope(t, out)
	assert.True(t, env.Success)
	assert.Equal(t, "settings", env.Command)

	var report settingsReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 8192, report.TokenLimit)
	assert.Equal(t, 512, report.ReservedTokens)
	assert.Equal(t, 7680, report.UsableTokens)
	assert.Equal(t, "pinned", report.PinnedModel)
	require.NotNil(t, report.DefaultOptions.TopK)
	assert.Equal(t, 20, *report.DefaultOptions.TopK)
}

func TestRenderSettings(t *testing.T) {
	isolate(t)
	t.Setenv("VLLM_TOKEN_LIMIT", "2048")

	var buf bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&buf)
	root.SetArgs([]string{"settings"})
	require.NoError(t, root.Execute())

	var env envelope
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	var report settingsReport
	require.NoError(t, json.Unmarshal(env.Data, &report))

	buf.Reset()
	renderSettings(&buf, report)
	text := buf.String()
	assert.Contains(t, text, "Token limit")
	assert.Contains(t, text, "2048")
	assert.Contains(t, text, "1536")
	assert.Contains(t, text, "You are a helpful assistant.")
}

// =============================================================================
// MODELS
// =============================================================================

func TestModels_FromBackend(t *testing.T) {
	isolate(t)
	t.Setenv("VLLM_URL", modelsBackend(t).URL)

	out, _, err := run(t, "models", "--json")
	require.NoError(t, err)

	env := decodeEnvelope(t, out)
	var list inference.ModelList
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Equal(t, []string{"qwen3-8b"}, list.IDs())
	assert.Equal(t, 32768, list.Data[0].MaxModelLen)
}

func TestModels_Pinned(t *testing.T) {
	isolate(t)
	t.Setenv("VLLM_MODEL", "pinned-model")

	out, _, err := run(t, "models")
	require.NoError(t, err)

	var list inference.ModelList
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, out).Data, &list))
	assert.Equal(t, []string{"pinned-model"}, list.IDs())
}

func TestModels_Offline(t *testing.T) {
	isolate(t)
	dead := httptest.NewServer(http.NotFoundHandler())
	dead.Close()
	t.Setenv("VLLM_URL", dead.URL)

	out, _, err := run(t, "models")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is offline")
	assert.ErrorIs(t, err, inference.ErrBackendOffline)
	assert.Equal(t, ExitNetworkError, GetExitCode(err))

	env := decodeEnvelope(t, out)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Contains(t, *env.Error, "offline")
}

func TestModels_NotConfigured(t *testing.T) {
	isolate(t)

	_, _, err := run(t, "models")
	require.Error(t, err)
	assert.ErrorIs(t, err, inference.ErrNotConfigured)
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

func TestRenderModels(t *testing.T) {
	var buf bytes.Buffer
	renderModels(&buf, "http://gpu:8000", false, &inference.ModelList{
		Object: "list",
		Data: []inference.ModelInfo{
			{ID: "qwen3-8b", MaxModelLen: 32768, OwnedBy: "vllm"},
			{ID: "llama-3"},
		},
	})

	text := buf.String()
	assert.Contains(t, text, "http://gpu:8000")
	assert.Contains(t, text, "qwen3-8b")
	assert.Contains(t, text, "context 32768, vllm")
	assert.Contains(t, text, "llama-3")
	assert.NotContains(t, text, "pinned")

	buf.Reset()
	renderModels(&buf, "", true, &inference.ModelList{})
	assert.Contains(t, buf.String(), "pinned by configuration")
	assert.Contains(t, buf.String(), "no models")
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfigShow_MasksSecrets(t *testing.T) {
	isolate(t)
	t.Setenv("VLLM_URL", "http://gpu:8000")
	t.Setenv("VLLM_API_KEY", "sk-secret")
	t.Setenv("CHATRELAY_AUTH_TOKEN", "hunter2")

	out, _, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-secret")
	assert.NotContains(t, out, "hunter2")

	var cfg config.Config
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, out).Data, &cfg))
	assert.Equal(t, "http://gpu:8000", cfg.Backend.URL)
	assert.Equal(t, "[REDACTED]", cfg.Backend.APIKey)
	assert.Equal(t, "[REDACTED]", cfg.Server.AuthToken)

	var buf bytes.Buffer
	renderConfig(&buf, cfg)
	assert.Contains(t, buf.String(), "[REDACTED]")
	assert.Contains(t, buf.String(), "(not set)")
}

func TestConfigInit(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "relay", "config.toml")

	out, _, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultAddr, loaded.Server.Addr)

	_, _, err = run(t, "config", "init", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	_, _, err = run(t, "config", "init", path, "--force")
	assert.NoError(t, err)
}

func TestConfigInit_DefaultPath(t *testing.T) {
	home := isolate(t)

	_, _, err := run(t, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, ".chatrelay", "config.toml"))
}

func TestConfigInit_UsesConfigFlag(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "relay.yaml")

	_, _, err := run(t, "--config", path, "config", "init")
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "addr: "+config.DefaultAddr)
}

func TestInvalidConfigFile(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(home, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backend]\nurll = \"x\"\n"), 0600))

	_, _, err := run(t, "--config", path, "settings")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
	assert.Equal(t, ExitConfigError, GetExitCode(err))
}

// =============================================================================
// FLAGS / ERRORS
// =============================================================================

func TestUnknownFlag(t *testing.T) {
	isolate(t)

	_, _, err := run(t, "models", "--bogus")
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, GetExitCode(err))

	var buf bytes.Buffer
	DisplayError(&buf, err)
	assert.Contains(t, buf.String(), "[ERROR]")
	assert.Contains(t, buf.String(), "--help")
}

func TestLogLevelFlag(t *testing.T) {
	isolate(t)

	_, _, err := run(t, "--log-level", "loud", "settings")
	require.Error(t, err)
	assert.Equal(t, ExitUsageError, GetExitCode(err))

	_, _, err = run(t, "--log-level", "DEBUG", "settings")
	assert.NoError(t, err)
}

func TestGetExitCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain", errors.New("boom"), ExitGeneralError},
		{"usage", &UsageError{Err: errors.New("bad flag")}, ExitUsageError},
		{"config", &ConfigError{Err: errors.New("bad file")}, ExitConfigError},
		{"not configured", inference.ErrNotConfigured, ExitConfigError},
		{"offline", fmt.Errorf("models: %w", inference.ErrBackendOffline), ExitNetworkError},
		{"timeout", &inference.Error{Kind: inference.KindTimeout}, ExitNetworkError},
		{"rejected", &inference.Error{Kind: inference.KindRejected, Status: 404}, ExitGeneralError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GetExitCode(tc.err))
		})
	}
}

// =============================================================================
// SERVE
// =============================================================================

func TestServe_StopsOnCancel(t *testing.T) {
	isolate(t)
	t.Setenv("VLLM_URL", modelsBackend(t).URL)

	var stderr syncBuffer
	root := NewRootCommand()
	root.SetOut(&syncBuffer{})
	root.SetErr(&stderr)
	root.SetArgs([]string{"serve", "--addr", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "SERVER_START")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownGrace + 5*time.Second):
		t.Fatal("serve did not return after cancel")
	}
	assert.Contains(t, stderr.String(), "SERVER_SHUTDOWN")
}

func TestServe_ListenError(t *testing.T) {
	isolate(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	_, stderr, err := run(t, "serve", "--addr", ln.Addr().String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
	assert.Contains(t, stderr, "BACKEND_NOT_CONFIGURED")
}

// =============================================================================
// TERMINAL
// =============================================================================

func TestColorsFromEnv(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	assert.True(t, colorsFromEnv(env(nil), true))
	assert.False(t, colorsFromEnv(env(nil), false))
	assert.False(t, colorsFromEnv(env(map[string]string{"NO_COLOR": "1"}), true))
	assert.True(t, colorsFromEnv(env(map[string]string{"FORCE_COLOR": "1"}), false))
	assert.False(t, colorsFromEnv(env(map[string]string{"NO_COLOR": "1", "FORCE_COLOR": "1"}), true))
}

func TestIsTerminal_NonFile(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
