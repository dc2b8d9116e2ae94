package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/scope"
)

// freshnessMargin is subtracted from a cached token's expiry when deciding
// whether it is still usable, matching the credential record's window.
const freshnessMargin = 5 * time.Minute

// Entry is one cached token, keyed by scope. Entries are replaced
// wholesale on renewal, never partially updated.
type Entry struct {
	Token        string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	RepoID       int64     `json:"repo_id,omitempty"`
}

// Cache stores issued user tokens under a per-host directory, one file per
// scope. Reads are lock-free (freshness fast path); mutations take the
// cache lock and write temp-then-rename.
type Cache struct {
	Dir string

	now func() time.Time
}

// NewCache returns a Cache rooted at dir.
func NewCache(dir string) *Cache {
	return &Cache{Dir: dir, now: time.Now}
}

func (c *Cache) timeNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func (c *Cache) path(sc scope.Descriptor) string {
	return filepath.Join(c.Dir, fmt.Sprintf("github-token-%s_%s.json", sc.Owner, sc.Repo))
}

// Load reads the cache entry for the scope, or nil if absent or unreadable.
func (c *Cache) Load(sc scope.Descriptor) *Entry {
	data, err := os.ReadFile(c.path(sc))
	if err != nil {
		return nil
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil
	}
	if e.Token == "" {
		return nil
	}
	return &e
}

// Save writes the entry for the scope under the cache lock, replacing any
// previous entry atomically. The file is 0600: it holds a token.
func (c *Cache) Save(sc scope.Descriptor, e Entry) error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	lf, err := os.OpenFile(filepath.Join(c.Dir, ".cache.lock"), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("opening cache lock: %w", err)
	}
	defer lf.Close()

	unlock, err := lockFile(lf)
	if err != nil {
		return fmt.Errorf("locking cache: %w", err)
	}
	defer unlock()

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	path := c.path(sc)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing cache entry: %w", err)
	}
	return nil
}

// fresh reports whether the entry is usable without renewal.
func (e *Entry) fresh(now time.Time) bool {
	if e.ExpiresAt.IsZero() {
		return true // Platform reported a non-expiring token
	}
	return now.Before(e.ExpiresAt.Add(-freshnessMargin))
}

// LoadOrRenew returns a usable token from the cache, silently renewing an
// expired entry when a refresh token is present. Returns nil when the
// caller must run a fresh interactive flow.
func (c *Cache) LoadOrRenew(ctx context.Context, b *Broker, clientID string, sc scope.Descriptor) *Issued {
	e := c.Load(sc)
	if e == nil {
		return nil
	}

	now := c.timeNow()
	if e.fresh(now) {
		log.Debug("using cached token", "repo", sc.String(), "expires_at", e.ExpiresAt)
		return &Issued{Token: e.Token, ExpiresAt: e.ExpiresAt}
	}

	if e.RefreshToken == "" {
		log.Debug("cached token expired, no refresh token", "repo", sc.String())
		return nil
	}

	log.Debug("cached token expired, attempting silent renewal", "repo", sc.String())
	resp, err := b.oauthPost(ctx, b.tokenURL(), url.Values{
		"client_id":     {clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {e.RefreshToken},
	})
	if err != nil {
		log.Debug("silent renewal failed", "repo", sc.String(), "error", err)
		return nil
	}
	if errCode := str(resp["error"]); errCode != "" {
		log.Debug("silent renewal rejected", "repo", sc.String(), "reason", errCode)
		return nil
	}

	token := str(resp["access_token"])
	if token == "" {
		return nil
	}

	renewed := Entry{
		Token:        token,
		RefreshToken: str(resp["refresh_token"]),
		RepoID:       e.RepoID,
	}
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = e.RefreshToken
	}
	if exp := num(resp["expires_in"]); exp > 0 {
		renewed.ExpiresAt = c.timeNow().Add(time.Duration(exp) * time.Second)
	}

	if err := c.Save(sc, renewed); err != nil {
		log.Warn("failed to persist renewed token", "repo", sc.String(), "error", err)
	}

	return &Issued{Token: renewed.Token, ExpiresAt: renewed.ExpiresAt}
}
