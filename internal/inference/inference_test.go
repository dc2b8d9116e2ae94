package inference

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/warden/internal/credstore"
	"github.com/majorcontext/warden/internal/proxy"
)

func writeRecord(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".credentials.json")
	record := map[string]any{
		"claudeAiOauth": map[string]any{
			"accessToken":  "oauth-token-value",
			"refreshToken": "refresh-token-value",
			"expiresAt":    expiresAt.UnixMilli(),
			"scopes":       []string{"user:inference"},
		},
	}
	data, err := json.Marshal(record)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func newTestProxy(t *testing.T, upstream string, env map[string]string) *Proxy {
	t.Helper()
	store := credstore.New(writeRecord(t, time.Now().Add(time.Hour)))
	store.Env = func(key string) string { return env[key] }
	return &Proxy{Upstream: upstream, Store: store}
}

func TestOAuthRequestGetsBearerAndBeta(t *testing.T) {
	var gotAuth, gotAPIKey, gotBeta string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
		gotBeta = r.Header.Get("anthropic-beta")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Bearer oauth-token-value", gotAuth)
	assert.Empty(t, gotAPIKey)
	assert.Equal(t, "oauth-2025-04-20", gotBeta)
}

func TestStaticAPIKeyUsesAPIKeyHeader(t *testing.T) {
	var gotAuth, gotAPIKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("x-api-key")
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, map[string]string{"ANTHROPIC_API_KEY": "sk-ant-static"})
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Empty(t, gotAuth)
	assert.Equal(t, "sk-ant-static", gotAPIKey)
}

func TestStaticAPIKeyBypassesExpiredRecord(t *testing.T) {
	// Expired record on disk, no refresh server configured. The static key
	// must win without any expiry logic running.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-ant-static", r.Header.Get("x-api-key"))
	}))
	defer upstream.Close()

	store := credstore.New(writeRecord(t, time.Now().Add(-time.Hour)))
	store.Env = func(key string) string {
		if key == "ANTHROPIC_API_KEY" {
			return "sk-ant-static"
		}
		return ""
	}
	store.TokenURL = "http://127.0.0.1:1/unreachable"

	p := &Proxy{Upstream: upstream.URL, Store: store}
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientAuthHeadersDropped(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer oauth-token-value", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("x-api-key"))
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer agent-forged-token")
	req.Header.Set("x-api-key", "agent-forged-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBetaHeaderMerged(t *testing.T) {
	var gotBeta string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBeta = r.Header.Get("anthropic-beta")
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "prompt-caching-2024-07-31,oauth-2025-04-20", gotBeta)
}

func TestMergeBetaIdempotent(t *testing.T) {
	assert.Equal(t, "oauth-2025-04-20", mergeBeta(""))
	assert.Equal(t, "oauth-2025-04-20", mergeBeta("oauth-2025-04-20"))
	assert.Equal(t, "a,oauth-2025-04-20", mergeBeta("a,oauth-2025-04-20"))
	assert.Equal(t, "a, oauth-2025-04-20", mergeBeta("a, oauth-2025-04-20"))
}

func TestCredentialFailureNothingForwarded(t *testing.T) {
	var upstreamHits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
	}))
	defer upstream.Close()

	store := credstore.New(filepath.Join(t.TempDir(), "missing.json"))
	store.Env = func(string) string { return "" }

	p := &Proxy{Upstream: upstream.URL, Store: store}
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/messages", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 0, upstreamHits)

	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "auth_error", body.Error.Type)
}

func TestStreamingResponseRelayed(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: chunk-%d\n\n", i)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	p := newTestProxy(t, upstream.URL, nil)
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/messages")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "data: chunk-0\n\ndata: chunk-1\n\ndata: chunk-2\n\n", string(body))
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}

func TestRecorderSeesDecisions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	var records []proxy.RequestLogData
	p := newTestProxy(t, upstream.URL, nil)
	p.Recorder = proxy.RecorderFunc(func(d proxy.RequestLogData) { records = append(records, d) })
	srv := httptest.NewServer(p)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/models")
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, records, 1)
	assert.Equal(t, "forwarded", records[0].Decision)
	assert.Equal(t, http.StatusOK, records[0].StatusCode)
}
