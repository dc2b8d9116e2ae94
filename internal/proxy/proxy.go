package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// Error types returned in JSON error bodies. Each failure class gets its
// own type so a client can tell a policy rejection from an upstream fault
// without parsing message text.
const (
	TypeProxy  = "proxy_error"
	TypeAuth   = "auth_error"
	TypeScope  = "scope_violation"
	TypePolicy = "policy_violation"
)

// errorBody is the JSON envelope for all proxy-generated errors.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WriteError writes a JSON error response. Proxy-generated errors never
// mimic upstream response bodies so the agent can distinguish them.
func WriteError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{Type: errType, Message: message}})
}

// RelayClient is the reused HTTP client for upstream requests.
// It bypasses proxy settings to prevent circular proxy loops.
var RelayClient = &http.Client{
	Transport: &http.Transport{
		Proxy: nil, // connect directly to the upstream
	},
}

// hopHeaders are connection-level headers that must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// CopyHeaders copies end-to-end headers from src to dst, dropping
// hop-by-hop headers.
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// Relay writes an upstream response back to the client, streaming the body.
// The flush after headers matters for SSE: the client must see the status
// line before the first event arrives.
func Relay(w http.ResponseWriter, resp *http.Response) {
	CopyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	if !canFlush {
		_, _ = io.Copy(w, resp.Body)
		return
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}

// sensitiveHeaders are always redacted in logged header maps, whether or
// not this proxy injected them.
var sensitiveHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"X-Api-Key",
	"Cookie",
	"Set-Cookie",
}

// FilterHeaders creates a copy of headers with credential values redacted,
// suitable for logging. Extra names redact proxy-injected headers.
func FilterHeaders(headers http.Header, extra ...string) map[string]string {
	if headers == nil {
		return nil
	}

	result := make(map[string]string)
	for key, values := range headers {
		if strings.EqualFold(key, "Proxy-Connection") {
			continue
		}
		if redacted(key, extra) {
			result[key] = "[REDACTED]"
			continue
		}
		result[key] = strings.Join(values, ", ")
	}
	return result
}

func redacted(key string, extra []string) bool {
	for _, h := range sensitiveHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	for _, h := range extra {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}

// RequestLogData contains all data for one proxied (or rejected) request.
type RequestLogData struct {
	Method     string
	URL        string
	StatusCode int
	Duration   time.Duration
	Decision   string // "forwarded" or "rejected"
	Rule       string // policy rule behind a rejection, if any
	Err        error
}

// Recorder receives a record for each request a proxy handles.
type Recorder interface {
	Record(data RequestLogData)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(data RequestLogData)

func (f RecorderFunc) Record(data RequestLogData) { f(data) }
