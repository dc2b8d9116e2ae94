// Package broker issues repository-scoped source-hosting tokens. Two
// protocols produce the same result: a non-interactive app-JWT exchange for
// an installation token, and an interactive device-authorization flow for a
// user token. Issued user tokens are cached per scope and renewed silently
// when a refresh token is available.
package broker

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2/github"
)

const (
	// DefaultAPIBase is the source-hosting REST API.
	DefaultAPIBase = "https://api.github.com"

	// apiVersion is sent as X-GitHub-Api-Version on REST calls.
	apiVersion = "2022-11-28"

	userAgent = "warden"
)

// Issued is a usable token with its absolute expiry. ExpiresAt is zero for
// tokens the platform reports as non-expiring.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Broker holds the endpoints and IO used by both issuance protocols.
// Endpoint fields default to the public platform; tests point them at mocks.
type Broker struct {
	// APIBase is the REST API root.
	APIBase string
	// DeviceCodeURL is the device-authorization endpoint.
	DeviceCodeURL string
	// TokenURL is the OAuth token endpoint used for device polling and
	// refresh grants.
	TokenURL string
	// HTTPClient is used for all requests; http.DefaultClient if nil.
	HTTPClient *http.Client
	// Out receives human-facing progress and the verification prompt.
	// Defaults to os.Stderr so stdout stays clean for the token itself.
	Out io.Writer
	// LogDir receives captured HTML error pages from upstream 5xx
	// responses. Empty disables capture.
	LogDir string
	// Sleep is the delay function for poll intervals and retry backoff;
	// tests replace it. Defaults to time.Sleep.
	Sleep func(time.Duration)

	now func() time.Time
}

// New returns a Broker with production endpoints.
func New() *Broker {
	return &Broker{}
}

func (b *Broker) apiBase() string {
	if b.APIBase != "" {
		return b.APIBase
	}
	return DefaultAPIBase
}

func (b *Broker) deviceCodeURL() string {
	if b.DeviceCodeURL != "" {
		return b.DeviceCodeURL
	}
	return github.Endpoint.DeviceAuthURL
}

func (b *Broker) tokenURL() string {
	if b.TokenURL != "" {
		return b.TokenURL
	}
	return github.Endpoint.TokenURL
}

func (b *Broker) httpClient() *http.Client {
	if b.HTTPClient != nil {
		return b.HTTPClient
	}
	return http.DefaultClient
}

func (b *Broker) out() io.Writer {
	if b.Out != nil {
		return b.Out
	}
	return os.Stderr
}

func (b *Broker) sleep(d time.Duration) {
	if b.Sleep != nil {
		b.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (b *Broker) timeNow() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now()
}

// DefaultCacheDir returns the per-host token cache directory.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "warden")
	}
	return filepath.Join(".", ".warden", "cache")
}
