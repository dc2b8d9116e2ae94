package audit

import (
	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/proxy"
)

// Recorder adapts a Store to the proxy recorder interface. A nil Recorder
// is safe to use and records nothing.
type Recorder struct {
	store *Store
}

// NewRecorder wraps a store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store}
}

// Record appends one network entry per proxied or rejected request.
// Append failures are logged, never propagated: auditing must not take a
// serving proxy down.
func (r *Recorder) Record(data proxy.RequestLogData) {
	if r == nil || r.store == nil {
		return
	}

	entry := NetworkData{
		Method:     data.Method,
		URL:        data.URL,
		StatusCode: data.StatusCode,
		DurationMs: data.Duration.Milliseconds(),
		Decision:   data.Decision,
		Rule:       data.Rule,
	}
	if data.Err != nil {
		entry.Error = data.Err.Error()
	}

	if _, err := r.store.Append(EntryNetwork, entry); err != nil {
		log.Warn("audit append failed", "error", err)
	}
}

// RecordToken appends a token issuance entry.
func (r *Recorder) RecordToken(data TokenData) {
	if r == nil || r.store == nil {
		return
	}
	if _, err := r.store.Append(EntryToken, data); err != nil {
		log.Warn("audit append failed", "error", err)
	}
}
