package gitproxy

import (
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/proxy"
	"github.com/majorcontext/warden/internal/scope"
)

// DefaultUpstream is the source-hosting platform origin.
const DefaultUpstream = "https://github.com"

// Proxy relays git smart-HTTP traffic, attaching the scoped installation
// or user token only on requests for the one repository in scope. Requests
// for any other path are forwarded with no credential at all: scoping is
// enforced by omission, the upstream rejects what the token cannot reach.
type Proxy struct {
	// Upstream is the platform origin; DefaultUpstream if empty.
	Upstream string
	// Token is the scoped token injected for in-scope requests.
	Token string
	// Scope is the single repository the token may reach.
	Scope scope.Descriptor
	// Client overrides the upstream HTTP client (tests).
	Client *http.Client
	// Recorder, when set, receives one record per request.
	Recorder proxy.Recorder
}

func (p *Proxy) upstream() string {
	if p.Upstream != "" {
		return p.Upstream
	}
	return DefaultUpstream
}

func (p *Proxy) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return proxy.RelayClient
}

func (p *Proxy) record(data proxy.RequestLogData) {
	if p.Recorder != nil {
		p.Recorder.Record(data)
	}
}

// inScope reports whether the request path addresses the scoped repository.
// Git clients use both /owner/repo/... and /owner/repo.git/... forms.
func (p *Proxy) inScope(path string) bool {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	if len(parts) < 2 {
		return false
	}
	repo := strings.TrimSuffix(parts[1], ".git")
	return parts[0] == p.Scope.Owner && repo == p.Scope.Repo
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	target, err := url.Parse(p.upstream())
	if err != nil {
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "invalid upstream")
		return
	}
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "building upstream request failed")
		return
	}

	proxy.CopyHeaders(outReq.Header, r.Header)
	outReq.Header.Del("Authorization")
	outReq.Host = target.Host

	injected := p.inScope(r.URL.Path)
	if injected {
		basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + p.Token))
		outReq.Header.Set("Authorization", "Basic "+basic)
	}

	log.Debug("forwarding git request",
		"method", r.Method,
		"path", r.URL.Path,
		"in_scope", injected)

	resp, err := p.client().Do(outReq)
	if err != nil {
		log.Error("upstream request failed", "error", err)
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "upstream request failed")
		p.record(proxy.RequestLogData{
			Method: r.Method, URL: r.URL.Path, StatusCode: http.StatusBadGateway,
			Duration: time.Since(start), Decision: "rejected", Rule: "upstream", Err: err,
		})
		return
	}
	defer resp.Body.Close()

	proxy.Relay(w, resp)

	decision := "forwarded"
	if !injected {
		decision = "forwarded-unauthenticated"
	}
	p.record(proxy.RequestLogData{
		Method: r.Method, URL: r.URL.Path, StatusCode: resp.StatusCode,
		Duration: time.Since(start), Decision: decision,
	})
}
