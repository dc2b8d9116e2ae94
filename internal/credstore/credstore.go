// Package credstore reads and refreshes the on-disk inference OAuth
// credential record. The record is shared with other tools on the host, so
// every mutation goes through an exclusive file lock and an atomic
// temp-then-rename write. A static API key in the environment bypasses the
// record entirely.
package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/majorcontext/warden/internal/log"
)

const (
	// APIKeyEnv is the environment variable holding a static API key.
	// When set, it takes unconditional priority over the OAuth record.
	APIKeyEnv = "ANTHROPIC_API_KEY"

	// DefaultTokenURL is the OAuth token endpoint for refresh grants.
	DefaultTokenURL = "https://platform.claude.com/v1/oauth/token"

	// OAuthClientID is the public client ID used for refresh grants.
	OAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"

	// OAuthScopes is the scope set requested on refresh.
	OAuthScopes = "user:profile user:inference user:sessions:claude_code user:mcp_servers"

	// RefreshWindow is how long before expiry a refresh is attempted.
	RefreshWindow = 5 * time.Minute

	// recordKey is the top-level key holding the OAuth record in the
	// credentials file. Other keys in the file belong to other tools and
	// are preserved on write.
	recordKey = "claudeAiOauth"

	lockFileName = ".credentials.lock"
)

// ErrAuthRefresh indicates the OAuth record could not be refreshed. The
// on-disk state is left untouched; callers surface this as a 401-equivalent.
var ErrAuthRefresh = errors.New("credential refresh failed")

// OAuthRecord is the persisted OAuth credential record. Field names and the
// millisecond expiry match the format written by the host's own CLI tooling.
type OAuthRecord struct {
	AccessToken      string   `json:"accessToken"`
	RefreshToken     string   `json:"refreshToken"`
	ExpiresAt        int64    `json:"expiresAt"` // Unix timestamp in milliseconds
	Scopes           []string `json:"scopes"`
	SubscriptionType string   `json:"subscriptionType,omitempty"`
	RateLimitTier    string   `json:"rateLimitTier,omitempty"`
}

// ExpiresAtTime returns the expiration time as a time.Time.
func (r *OAuthRecord) ExpiresAtTime() time.Time {
	return time.UnixMilli(r.ExpiresAt)
}

// expiringWithin reports whether the record expires before now+window.
// Records with no expiry never report as expiring.
func (r *OAuthRecord) expiringWithin(now time.Time, window time.Duration) bool {
	if r.ExpiresAt == 0 {
		return false
	}
	return now.Add(window).After(r.ExpiresAtTime())
}

// Token is a usable inference credential.
type Token struct {
	Value string
	// OAuth is true for Bearer tokens from the record, false for a static
	// API key. The proxy uses a different header for each.
	OAuth bool
}

// Store reads the credential record and owns the refresh-and-persist
// protocol. Safe for concurrent use; concurrent refreshes within the
// process coalesce through singleflight, and cross-process refreshes
// serialize on the file lock.
type Store struct {
	// Path is the credentials JSON file.
	Path string
	// TokenURL overrides the refresh endpoint (tests point this at a mock).
	TokenURL string
	// HTTPClient is used for refresh requests; http.DefaultClient if nil.
	HTTPClient *http.Client
	// Env overrides environment lookup (tests); os.Getenv if nil.
	Env func(string) string

	now   func() time.Time
	group singleflight.Group
}

// New creates a Store reading the given credentials file.
func New(path string) *Store {
	return &Store{Path: path, now: time.Now}
}

// DefaultPath returns the per-host credential record location,
// ~/.claude/.credentials.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".claude", ".credentials.json")
	}
	return filepath.Join(home, ".claude", ".credentials.json")
}

func (s *Store) env(key string) string {
	if s.Env != nil {
		return s.Env(key)
	}
	return os.Getenv(key)
}

func (s *Store) httpClient() *http.Client {
	if s.HTTPClient != nil {
		return s.HTTPClient
	}
	return http.DefaultClient
}

func (s *Store) tokenURL() string {
	if s.TokenURL != "" {
		return s.TokenURL
	}
	return DefaultTokenURL
}

func (s *Store) timeNow() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Token returns a valid credential. A static API key wins unconditionally
// with no expiry logic. Otherwise the record is returned as-is while more
// than RefreshWindow remains, and refreshed (under the file lock) once
// inside the window. Refresh failure returns an error wrapping
// ErrAuthRefresh without mutating the on-disk state.
func (s *Store) Token(ctx context.Context) (Token, error) {
	if key := s.env(APIKeyEnv); key != "" {
		return Token{Value: key, OAuth: false}, nil
	}

	// Fast path: no lock when the record is comfortably fresh.
	rec, err := s.readRecord()
	if err == nil && rec.AccessToken != "" && !rec.expiringWithin(s.timeNow(), RefreshWindow) {
		return Token{Value: rec.AccessToken, OAuth: true}, nil
	}
	if err != nil {
		return Token{}, err
	}

	// Slow path: coalesce concurrent callers, then check-then-act under
	// the file lock. Losers of the cross-process race observe the
	// winner's refreshed record instead of re-issuing a refresh.
	v, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.refreshUnderLock(ctx)
	})
	if err != nil {
		return Token{}, err
	}
	return Token{Value: v.(string), OAuth: true}, nil
}

// readRecord reads and parses the credential record from disk.
func (s *Store) readRecord() (*OAuthRecord, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no credentials at %s: set %s or authenticate on the host first", s.Path, APIKeyEnv)
		}
		return nil, fmt.Errorf("reading credentials: %w", err)
	}

	var file struct {
		Record *OAuthRecord `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing credentials file: %w", err)
	}
	if file.Record == nil {
		return nil, fmt.Errorf("no OAuth record in %s", s.Path)
	}
	return file.Record, nil
}

// refreshUnderLock acquires the exclusive lock, re-reads the record, and
// refreshes it only if still expiring. Returns the usable access token.
func (s *Store) refreshUnderLock(ctx context.Context) (string, error) {
	lockPath := filepath.Join(filepath.Dir(s.Path), lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return "", fmt.Errorf("opening credential lock: %w", err)
	}
	defer lf.Close()

	unlock, err := lockFile(lf)
	if err != nil {
		return "", fmt.Errorf("locking credentials: %w", err)
	}
	defer unlock()

	// Re-read under the lock: another process may have refreshed already.
	rec, err := s.readRecord()
	if err != nil {
		return "", err
	}
	if rec.AccessToken != "" && !rec.expiringWithin(s.timeNow(), RefreshWindow) {
		return rec.AccessToken, nil
	}
	if rec.AccessToken == "" && rec.RefreshToken == "" {
		return "", fmt.Errorf("%w: record has no access token and no refresh token", ErrAuthRefresh)
	}
	if rec.RefreshToken == "" {
		return "", fmt.Errorf("%w: token expired and no refresh token available", ErrAuthRefresh)
	}

	log.Debug("OAuth token expiring, refreshing", "expires_at", rec.ExpiresAtTime())

	fresh, err := s.refreshGrant(ctx, rec.RefreshToken)
	if err != nil {
		return "", err
	}

	// Preserve subscription info the token endpoint does not echo back.
	fresh.SubscriptionType = rec.SubscriptionType
	fresh.RateLimitTier = rec.RateLimitTier

	if err := s.writeRecord(fresh); err != nil {
		// The refresh succeeded; a persist failure only costs a future
		// redundant refresh. Log and return the token anyway.
		log.Warn("failed to persist refreshed credentials", "error", err)
	} else {
		log.Debug("OAuth token refreshed", "expires_at", fresh.ExpiresAtTime())
	}

	return fresh.AccessToken, nil
}

// refreshGrant exchanges the refresh token for a new record at the token
// endpoint. Any failure wraps ErrAuthRefresh.
func (s *Store) refreshGrant(ctx context.Context, refreshToken string) (*OAuthRecord, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     OAuthClientID,
		"scope":         OAuthScopes,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRefresh, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRefresh, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthRefresh, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrAuthRefresh, err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Debug("token refresh rejected", "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: HTTP %d from token endpoint", ErrAuthRefresh, resp.StatusCode)
	}

	var tok struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrAuthRefresh, err)
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("%w: response missing access_token", ErrAuthRefresh)
	}

	// Rotation is optional; keep the old refresh token if none returned.
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	if tok.ExpiresIn <= 0 {
		tok.ExpiresIn = 3600
	}
	scopes := strings.Fields(tok.Scope)
	if len(scopes) == 0 {
		scopes = strings.Fields(OAuthScopes)
	}

	return &OAuthRecord{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    s.timeNow().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
		Scopes:       scopes,
	}, nil
}

// writeRecord replaces the OAuth record on disk, preserving any other keys
// other tools keep in the same file. Caller must hold the file lock. The
// write is temp-then-rename so readers never observe a partial record.
func (s *Store) writeRecord(rec *OAuthRecord) error {
	// Merge with concurrent changes to other keys.
	raw := map[string]json.RawMessage{}
	if data, err := os.ReadFile(s.Path); err == nil {
		_ = json.Unmarshal(data, &raw) // Unparseable file: start fresh
	}

	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	raw[recordKey] = encoded

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials file: %w", err)
	}

	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("writing temp credentials: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing credentials: %w", err)
	}
	return nil
}
