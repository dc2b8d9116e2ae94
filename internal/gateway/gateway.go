package gateway

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/proxy"
)

const (
	// DefaultUpstream is the hosted MCP endpoint.
	DefaultUpstream = "https://api.githubcopilot.com"
	upstreamPrefix  = "/mcp/"

	// controlHeaderPrefix marks headers the gateway owns. Inbound values
	// are stripped unconditionally: they are untrusted when they come
	// from the sandboxed client.
	controlHeaderPrefix = "X-Mcp-"

	maxRetries = 3
)

var retryDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Proxy forwards tool-call traffic to the hosted MCP endpoint after the
// policy pipeline, with the scoped token as bearer credential.
type Proxy struct {
	// Upstream is the MCP origin; DefaultUpstream if empty.
	Upstream string
	// Token is the scoped token sent upstream on every request.
	Token string
	// Policy filters and rewrites tool-call bodies.
	Policy Policy
	// Lockdown hides public-repo details from users without push access.
	Lockdown bool
	// LogDir receives captured upstream HTML error pages.
	LogDir string
	// Client overrides the upstream HTTP client (tests).
	Client *http.Client
	// Sleep overrides retry backoff (tests).
	Sleep func(time.Duration)
	// Recorder, when set, receives one record per request.
	Recorder proxy.Recorder
}

func (p *Proxy) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return proxy.RelayClient
}

func (p *Proxy) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (p *Proxy) record(data proxy.RequestLogData) {
	if p.Recorder != nil {
		p.Recorder.Record(data)
	}
}

func (p *Proxy) upstream() string {
	if p.Upstream != "" {
		return p.Upstream
	}
	return DefaultUpstream
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		proxy.WriteError(w, http.StatusBadRequest, proxy.TypeProxy, "reading request body failed")
		return
	}

	if r.Method == http.MethodPost {
		forwarded, violation := p.Policy.Evaluate(body)
		if violation != nil {
			proxy.WriteError(w, http.StatusForbidden, violation.Type, violation.Message)
			p.record(proxy.RequestLogData{
				Method: r.Method, URL: r.URL.Path, StatusCode: http.StatusForbidden,
				Duration: time.Since(start), Decision: "rejected", Rule: violation.Rule,
			})
			return
		}
		body = forwarded
	}

	target, err := url.Parse(p.upstream())
	if err != nil {
		proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "invalid upstream")
		return
	}
	target.Path = upstreamPath(r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var lastErr string
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelays[min(attempt-1, len(retryDelays)-1)]
			log.Debug("retrying upstream request", "attempt", attempt, "delay", delay)
			p.sleep(delay)
		}

		outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(body))
		if err != nil {
			proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy, "building upstream request failed")
			return
		}
		p.setHeaders(outReq, r.Header)
		outReq.Host = target.Host

		resp, err := p.client().Do(outReq)
		if err != nil {
			log.Debug("upstream request failed", "attempt", attempt+1, "error", err)
			lastErr = err.Error()
			continue
		}

		if resp.StatusCode >= 500 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			resp.Body.Close()
			if looksLikeHTML(respBody, resp.Header) {
				p.saveErrorBody(resp.StatusCode, respBody,
					fmt.Sprintf("HTTP %d from %s attempt %d", resp.StatusCode, target.Host, attempt+1))
				lastErr = fmt.Sprintf("upstream returned HTTP %d (HTML error page)", resp.StatusCode)
			} else {
				lastErr = fmt.Sprintf("upstream returned HTTP %d", resp.StatusCode)
			}
			log.Debug("upstream server error", "status", resp.StatusCode, "attempt", attempt+1)
			continue
		}

		proxy.Relay(w, resp)
		resp.Body.Close()
		p.record(proxy.RequestLogData{
			Method: r.Method, URL: r.URL.Path, StatusCode: resp.StatusCode,
			Duration: time.Since(start), Decision: "forwarded",
		})
		return
	}

	log.Error("all upstream attempts failed", "attempts", maxRetries+1, "error", lastErr)
	proxy.WriteError(w, http.StatusBadGateway, proxy.TypeProxy,
		fmt.Sprintf("upstream unavailable after %d attempts: %s", maxRetries+1, lastErr))
	p.record(proxy.RequestLogData{
		Method: r.Method, URL: r.URL.Path, StatusCode: http.StatusBadGateway,
		Duration: time.Since(start), Decision: "rejected", Rule: "upstream",
	})
}

// setHeaders copies client headers minus credentials and control headers,
// then injects the token and the host-configured control values.
func (p *Proxy) setHeaders(outReq *http.Request, inbound http.Header) {
	for key, values := range inbound {
		if strings.EqualFold(key, "Authorization") || strings.EqualFold(key, "Host") {
			continue
		}
		if strings.HasPrefix(http.CanonicalHeaderKey(key), controlHeaderPrefix) {
			continue
		}
		for _, value := range values {
			outReq.Header.Add(key, value)
		}
	}
	outReq.Header.Del("Proxy-Authorization")
	outReq.Header.Del("Proxy-Connection")

	outReq.Header.Set("Authorization", "Bearer "+p.Token)

	if toolsets := p.Policy.toolsets(); len(toolsets) > 0 {
		outReq.Header.Set("X-MCP-Toolsets", strings.Join(toolsets, ","))
	}
	if len(p.Policy.Tools) > 0 {
		outReq.Header.Set("X-MCP-Tools", strings.Join(p.Policy.Tools, ","))
	}
	if p.Policy.ReadOnly {
		outReq.Header.Set("X-MCP-Readonly", "true")
	}
	if p.Lockdown {
		outReq.Header.Set("X-MCP-Lockdown", "true")
	}
}

// upstreamPath joins the request path under the MCP prefix without
// doubling slashes.
func upstreamPath(reqPath string) string {
	return upstreamPrefix + strings.TrimPrefix(reqPath, "/")
}

func looksLikeHTML(body []byte, headers http.Header) bool {
	if strings.Contains(strings.ToLower(headers.Get("Content-Type")), "html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("<"))
}

// saveErrorBody writes an upstream error page to the log dir for debugging.
func (p *Proxy) saveErrorBody(status int, body []byte, context string) {
	if p.LogDir == "" {
		return
	}
	name := fmt.Sprintf("mcp-error-%s-%d.html", time.Now().Format("20060102-150405"), status)
	path := filepath.Join(p.LogDir, name)
	data := append([]byte(fmt.Sprintf("<!-- %s -->\n", context)), body...)
	if err := os.WriteFile(path, data, 0600); err != nil {
		log.Debug("failed to save error response", "error", err)
		return
	}
	log.Debug("saved error response", "path", path)
}
