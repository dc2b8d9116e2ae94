package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/majorcontext/warden/internal/log"
)

// retryDelays is the backoff schedule for transient upstream failures.
// Total attempts = len(retryDelays) + 1.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// apiError is a non-retryable REST error.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error: HTTP %d: %s", e.Status, e.Body)
}

// api performs a REST request with the given bearer credential, retrying
// 5xx responses and connection failures with backoff. The response body is
// decoded into out when out is non-nil.
func (b *Broker) api(ctx context.Context, method, path, token string, body, out any) error {
	u := b.apiBase() + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			log.Debug("retrying API request", "url", u, "attempt", attempt, "delay", delay)
			b.sleep(delay)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-GitHub-Api-Version", apiVersion)
		req.Header.Set("User-Agent", userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := b.httpClient().Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			if looksLikeHTML(respBody, resp.Header.Get("Content-Type")) {
				b.saveErrorBody(resp.StatusCode, respBody, fmt.Sprintf("%s %s attempt %d", method, u, attempt+1))
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
		}
		return nil
	}

	return fmt.Errorf("API request failed after %d attempts: %w", len(retryDelays)+1, lastErr)
}

// oauthPost posts form-encoded parameters to an OAuth endpoint, retrying
// transient failures. OAuth endpoints return errors in the JSON body with
// HTTP 200, so the decoded map carries both success and error shapes.
func (b *Broker) oauthPost(ctx context.Context, endpoint string, params url.Values) (map[string]any, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			b.sleep(retryDelays[attempt-1])
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := b.httpClient().Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			if looksLikeHTML(body, resp.Header.Get("Content-Type")) {
				b.saveErrorBody(resp.StatusCode, body, fmt.Sprintf("POST %s attempt %d", endpoint, attempt+1))
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("OAuth endpoint returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, fmt.Errorf("parsing OAuth response: %w", err)
		}
		return decoded, nil
	}

	return nil, fmt.Errorf("OAuth request failed after %d attempts: %w", len(retryDelays)+1, lastErr)
}

// looksLikeHTML reports whether a response body is an HTML error page
// rather than a JSON API error.
func looksLikeHTML(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "html") {
		return true
	}
	prefix := bytes.TrimLeft(body[:min(len(body), 256)], " \t\r\n")
	return bytes.HasPrefix(prefix, []byte("<"))
}

// saveErrorBody writes an upstream error page to the log dir for later
// inspection. Best effort.
func (b *Broker) saveErrorBody(status int, body []byte, context string) {
	if b.LogDir == "" {
		return
	}
	name := fmt.Sprintf("token-error-%s-%d.html", time.Now().Format("20060102-150405"), status)
	path := filepath.Join(b.LogDir, name)

	content := append([]byte("<!-- "+context+" -->\n"), body...)
	if err := os.WriteFile(path, content, 0644); err != nil {
		log.Debug("failed to save error response", "path", path, "error", err)
		return
	}
	log.Debug("saved upstream error response", "path", path, "status", status)
}
