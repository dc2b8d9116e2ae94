package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/majorcontext/warden/internal/log"
	"github.com/majorcontext/warden/internal/scope"
)

// deviceGrantType is the OAuth grant type for device-code polling.
const deviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

// defaultPollInterval is used when the authorization endpoint does not
// specify one.
const defaultPollInterval = 5 * time.Second

// DeviceState is a state of the device-authorization flow.
type DeviceState int

const (
	StateRequested DeviceState = iota
	StatePending
	StateGranted
	StateDenied
	StateExpired
)

func (s DeviceState) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StatePending:
		return "pending"
	case StateGranted:
		return "granted"
	case StateDenied:
		return "denied"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal reports whether the flow is finished in this state.
func (s DeviceState) Terminal() bool {
	return s == StateGranted || s == StateDenied || s == StateExpired
}

// DeviceSession is one interactive authorization attempt. It lives only for
// the duration of the flow and is discarded on any terminal state.
type DeviceSession struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	ExpiresAt       time.Time
}

// PollResult is one decoded response from the token endpoint during polling.
type PollResult struct {
	// Err is the OAuth error code ("authorization_pending", "slow_down",
	// "expired_token", "access_denied", ...), empty on success.
	Err string
	// ErrDescription accompanies unknown error codes.
	ErrDescription string
	// Interval is the server-requested new poll interval for slow_down
	// responses; zero when unspecified.
	Interval time.Duration

	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

// Transition is the pure state-transition function of the device flow. It
// returns the next state and the poll interval to use from here on. It does
// no IO; the poll loop drives it.
func Transition(state DeviceState, interval time.Duration, res PollResult) (DeviceState, time.Duration) {
	if state.Terminal() {
		return state, interval
	}

	switch res.Err {
	case "authorization_pending":
		return StatePending, interval
	case "slow_down":
		next := res.Interval
		if next <= 0 {
			next = interval + 5*time.Second
		}
		return StatePending, next
	case "expired_token":
		return StateExpired, interval
	case "access_denied":
		return StateDenied, interval
	case "":
		if res.AccessToken != "" {
			return StateGranted, interval
		}
		// A 200 with neither token nor error code is a protocol violation;
		// treat like denial so the caller stops polling.
		return StateDenied, interval
	default:
		return StateDenied, interval
	}
}

// RequestDeviceCode starts a device-authorization session for the client.
func (b *Broker) RequestDeviceCode(ctx context.Context, clientID string) (*DeviceSession, error) {
	resp, err := b.oauthPost(ctx, b.deviceCodeURL(), url.Values{"client_id": {clientID}})
	if err != nil {
		return nil, fmt.Errorf("requesting device code: %w", err)
	}

	sess := &DeviceSession{
		DeviceCode:      str(resp["device_code"]),
		UserCode:        str(resp["user_code"]),
		VerificationURI: str(resp["verification_uri"]),
		Interval:        defaultPollInterval,
	}
	if sess.DeviceCode == "" || sess.UserCode == "" {
		return nil, fmt.Errorf("device code response missing codes")
	}
	if iv := num(resp["interval"]); iv > 0 {
		sess.Interval = time.Duration(iv) * time.Second
	}
	if exp := num(resp["expires_in"]); exp > 0 {
		sess.ExpiresAt = b.timeNow().Add(time.Duration(exp) * time.Second)
	}
	return sess, nil
}

// PollDeviceToken polls the token endpoint until a terminal state. The
// repositoryID, when nonzero, asks the platform to scope the issued token
// to that single repository server-side.
func (b *Broker) PollDeviceToken(ctx context.Context, clientID string, sess *DeviceSession, repositoryID int64) (*deviceToken, error) {
	state := StatePending
	interval := sess.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b.sleep(interval)

		params := url.Values{
			"client_id":   {clientID},
			"device_code": {sess.DeviceCode},
			"grant_type":  {deviceGrantType},
		}
		if repositoryID != 0 {
			params.Set("repository_id", strconv.FormatInt(repositoryID, 10))
		}

		resp, err := b.oauthPost(ctx, b.tokenURL(), params)
		if err != nil {
			return nil, err
		}
		res := decodePollResult(resp)

		state, interval = Transition(state, interval, res)
		log.Debug("device flow poll", "state", state, "interval", interval)

		switch state {
		case StateGranted:
			return &deviceToken{
				AccessToken:  res.AccessToken,
				RefreshToken: res.RefreshToken,
				ExpiresIn:    res.ExpiresIn,
			}, nil
		case StateExpired:
			return nil, fmt.Errorf("device code expired before authorization; start again")
		case StateDenied:
			if res.Err != "" && res.Err != "access_denied" {
				return nil, fmt.Errorf("authorization failed: %s %s", res.Err, res.ErrDescription)
			}
			return nil, fmt.Errorf("authorization was denied by the user")
		}
	}
}

// deviceToken is the raw token payload from a granted device flow.
type deviceToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
}

func decodePollResult(resp map[string]any) PollResult {
	res := PollResult{
		Err:            str(resp["error"]),
		ErrDescription: str(resp["error_description"]),
		AccessToken:    str(resp["access_token"]),
		RefreshToken:   str(resp["refresh_token"]),
	}
	if iv := num(resp["interval"]); iv > 0 {
		res.Interval = time.Duration(iv) * time.Second
	}
	res.ExpiresIn = int(num(resp["expires_in"]))
	return res
}

// UserToken runs the full interactive protocol for the scope: cache lookup
// (with silent renewal), then a fresh device flow, verification, and cache
// write. The verification prompt goes to b.Out.
func (b *Broker) UserToken(ctx context.Context, clientID string, sc scope.Descriptor, cache *Cache) (*Issued, error) {
	if cache != nil {
		if issued := cache.LoadOrRenew(ctx, b, clientID, sc); issued != nil {
			fmt.Fprintf(b.out(), "Using cached token for %s\n", sc)
			return issued, nil
		}
	}

	repoID, err := b.ResolveRepoID(ctx, sc)
	if err != nil {
		// Private repos are invisible to the anonymous lookup; the platform
		// still scopes by name match during authorization.
		log.Debug("could not resolve repository ID", "repo", sc.String(), "error", err)
		repoID = 0
	}

	sess, err := b.RequestDeviceCode(ctx, clientID)
	if err != nil {
		return nil, err
	}

	fmt.Fprintf(b.out(), "\nOpen:  %s\nEnter: %s\n\nWaiting for authorization...\n", sess.VerificationURI, sess.UserCode)

	tok, err := b.PollDeviceToken(ctx, clientID, sess, repoID)
	if err != nil {
		return nil, err
	}

	if err := b.verifyToken(ctx, tok.AccessToken, sc); err != nil {
		return nil, err
	}

	issued := &Issued{Token: tok.AccessToken}
	if tok.ExpiresIn > 0 {
		issued.ExpiresAt = b.timeNow().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	if cache != nil {
		if err := cache.Save(sc, Entry{
			Token:        tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    issued.ExpiresAt,
			RepoID:       repoID,
		}); err != nil {
			log.Warn("failed to cache token", "repo", sc.String(), "error", err)
		}
	}

	return issued, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// num coerces JSON numbers (float64) and numeric strings to int64.
func num(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
