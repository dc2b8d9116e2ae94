package inference

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/majorcontext/warden/internal/credstore"
	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/proxy"
)

const (
	// DefaultUpstream is the inference API origin.
	DefaultUpstream = "https://api.anthropic.com"

	// oauthBeta must accompany OAuth bearer tokens on inference requests.
	oauthBeta  = "oauth-2025-04-20"
	betaHeader = "anthropic-beta"
)

// Proxy forwards inference API requests with a fresh credential attached.
// The agent sends requests with no credential at all; whatever auth headers
// it does send are dropped, never forwarded.
type Proxy struct {
	// Upstream is the API origin; DefaultUpstream if empty.
	Upstream string
	// Store supplies the credential per request.
	Store *credstore.Store
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

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	tok, err := p.Store.Token(r.Context())
	if err != nil {
		log.Error("credential unavailable", "error", err)
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeAuth, "credential unavailable: refresh your login on the host")
		p.record(proxy.RequestLogData{
			Method: r.Method, URL: r.URL.Path, StatusCode: http.StatusBadGateway,
			Duration: time.Since(start), Decision: "rejected", Rule: "credential", Err: err,
		})
		return
	}

	target, err := url.Parse(p.upstream())
	if err != nil {
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "invalid upstream")
		return
	}
	target.Path = singleJoin(target.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "building upstream request failed")
		return
	}

	proxy.CopyHeaders(outReq.Header, r.Header)

	// Client-supplied credentials are never forwarded, valid or not.
	outReq.Header.Del("Authorization")
	outReq.Header.Del("X-Api-Key")

	if tok.OAuth {
		outReq.Header.Set("Authorization", "Bearer "+tok.Value)
		outReq.Header.Set(betaHeader, mergeBeta(r.Header.Get(betaHeader)))
	} else {
		outReq.Header.Set("x-api-key", tok.Value)
	}
	outReq.Host = target.Host

	log.Debug("forwarding inference request",
		"method", r.Method,
		"path", r.URL.Path,
		"oauth", tok.OAuth,
		"token", log.Redact(tok.Value))

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
	p.record(proxy.RequestLogData{
		Method: r.Method, URL: r.URL.Path, StatusCode: resp.StatusCode,
		Duration: time.Since(start), Decision: "forwarded",
	})
}

// mergeBeta adds the OAuth beta flag to the client's anthropic-beta header,
// preserving any flags the client already asked for.
func mergeBeta(existing string) string {
	if existing == "" {
		return oauthBeta
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.TrimSpace(part) == oauthBeta {
			return existing
		}
	}
	return existing + "," + oauthBeta
}

func singleJoin(a, b string) string {
	switch {
	case a == "":
		return b
	case strings.HasSuffix(a, "/") && strings.HasPrefix(b, "/"):
		return a + b[1:]
	case !strings.HasSuffix(a, "/") && !strings.HasPrefix(b, "/") && b != "":
		return a + "/" + b
	default:
		return a + b
	}
}
