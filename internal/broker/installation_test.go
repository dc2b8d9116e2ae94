package broker

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majorcontext/warden/internal/scope"
)

func TestInstallationToken(t *testing.T) {
	key := testKey(t)
	keyPath := filepath.Join(t.TempDir(), "app.pem")
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0600))

	sc := scope.Descriptor{Owner: "acme", Repo: "widgets"}
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/installations", func(w http.ResponseWriter, r *http.Request) {
		// The app authenticates with its signed JWT.
		auth := r.Header.Get("Authorization")
		require.True(t, strings.HasPrefix(auth, "Bearer "))
		parsed, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		require.NoError(t, err)
		assert.Equal(t, "777", parsed.Claims.(*jwt.RegisteredClaims).Issuer)

		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "account": map[string]any{"login": "someone-else"}},
			{"id": 42, "account": map[string]any{"login": "acme"}},
		})
	})
	mux.HandleFunc("POST /app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Repositories []string          `json:"repositories"`
			Permissions  map[string]string `json:"permissions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"widgets"}, req.Repositories)
		assert.Equal(t, map[string]string{"contents": "write"}, req.Permissions)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_installation",
			"expires_at": expiry.Format(time.RFC3339),
		})
	})
	mux.HandleFunc("GET /repos/acme/widgets", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ghs_installation", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 4242, "full_name": "acme/widgets"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := testBroker(srv)
	issued, err := b.InstallationToken(context.Background(), "777", keyPath, sc)
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation", issued.Token)
	assert.Equal(t, expiry, issued.ExpiresAt.UTC())
}

func TestInstallationTokenNoMatchingInstallation(t *testing.T) {
	key := testKey(t)
	keyPath := filepath.Join(t.TempDir(), "app.pem")
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 1, "account": map[string]any{"login": "someone-else"}},
		})
	}))
	defer srv.Close()

	b := testBroker(srv)
	_, err := b.InstallationToken(context.Background(), "777", keyPath, scope.Descriptor{Owner: "acme", Repo: "widgets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no installation found")
}

func TestInstallationTokenEmptyToken(t *testing.T) {
	key := testKey(t)
	keyPath := filepath.Join(t.TempDir(), "app.pem")
	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(keyPath, pemData, 0600))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /app/installations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": 42, "account": map[string]any{"login": "acme"}},
		})
	})
	mux.HandleFunc("POST /app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"token": ""})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	b := testBroker(srv)
	_, err := b.InstallationToken(context.Background(), "777", keyPath, scope.Descriptor{Owner: "acme", Repo: "widgets"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func TestAPIRetriesServerErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			http.Error(w, "<html>oops</html>", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7})
	}))
	defer srv.Close()

	b := testBroker(srv)
	id, err := b.ResolveRepoID(context.Background(), scope.Descriptor{Owner: "acme", Repo: "widgets"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, 3, hits)
}

func TestAPIDoesNotRetryClientErrors(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	b := testBroker(srv)
	_, err := b.ResolveRepoID(context.Background(), scope.Descriptor{Owner: "acme", Repo: "gone"})
	require.Error(t, err)
	assert.Equal(t, 1, hits)
}
