package icloud

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

type action int

const (
	// actionResend lets the HTTP stack resend before the response is classified.
	actionResend action = iota
	// actionReauth forces re-authentication, then resends exactly once.
	actionReauth
	// actionBackoff waits, then resends exactly once.
	actionBackoff
	// actionFail turns the response into an error.
	actionFail
)

func (a action) String() string {
	switch a {
	case actionResend:
		return "resend"
	case actionReauth:
		return "reauth_once"
	case actionBackoff:
		return "backoff_once"
	case actionFail:
		return "fail"
	}
	return "unknown"
}

const maxRetryAfter = time.Minute

// retryRule binds a set of statuses to what the session does about them.
type retryRule struct {
	name     string
	statuses []int
	// match narrows the rule beyond statuses; nil matches all of them.
	match    func(resp *Response) bool
	attempts int
	wait     func(attempt int, h http.Header) time.Duration
	action   action
}

func (r *retryRule) hasStatus(code int) bool {
	if r.statuses == nil {
		return true
	}
	for _, c := range r.statuses {
		if c == code {
			return true
		}
	}
	return false
}

func (r *retryRule) applies(resp *Response) bool {
	return r.hasStatus(resp.StatusCode) && (r.match == nil || r.match(resp))
}

// retryPolicy is evaluated in two layers. The transport rule runs inside
// the HTTP stack for transient statuses; the rules run in order on the
// fully read response, first match wins.
type retryPolicy struct {
	transport retryRule
	rules     []retryRule
}

func newRetryPolicy() *retryPolicy {
	return &retryPolicy{
		transport: retryRule{
			name:     "transient",
			statuses: []int{http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
			attempts: 2,
			wait:     exponentialWait(500 * time.Millisecond),
			action:   actionResend,
		},
		rules: []retryRule{
			{
				name:     "unauthorized",
				statuses: []int{http.StatusUnauthorized, http.StatusForbidden},
				attempts: 1,
				action:   actionReauth,
			},
			{
				name:     "authentication required",
				statuses: []int{450, http.StatusInternalServerError},
				match: func(resp *Response) bool {
					return bytes.Contains(resp.Data, []byte("Authentication required"))
				},
				attempts: 1,
				action:   actionReauth,
			},
			{
				name:     "unavailable",
				statuses: []int{http.StatusServiceUnavailable},
				attempts: 1,
				wait:     retryAfterWait(2*time.Second, 5*time.Second),
				action:   actionBackoff,
			},
			{
				name: "error",
				match: func(resp *Response) bool {
					if resp.OK() {
						return false
					}
					switch resp.StatusCode {
					case http.StatusMisdirectedRequest, 450, http.StatusInternalServerError:
						return true
					}
					return !resp.IsJSON()
				},
				action: actionFail,
			},
		},
	}
}

// decide returns the first rule that applies among those carrying one of the actions.
func (p *retryPolicy) decide(resp *Response, actions ...action) *retryRule {
	for i := range p.rules {
		r := &p.rules[i]
		if !hasAction(actions, r.action) {
			continue
		}
		if r.applies(resp) {
			return r
		}
	}
	return nil
}

func hasAction(actions []action, a action) bool {
	for _, x := range actions {
		if x == a {
			return true
		}
	}
	return false
}

// checkRetry is the transport layer's retryablehttp.CheckRetry.
func (p *retryPolicy) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return p.transport.hasStatus(resp.StatusCode), nil
}

// backoff is the transport layer's retryablehttp.Backoff.
func (p *retryPolicy) backoff(_, _ time.Duration, attempt int, resp *http.Response) time.Duration {
	var h http.Header
	if resp != nil {
		h = resp.Header
	}
	return p.transport.wait(attempt, h)
}

// exponentialWait waits factor * 2^attempt unless the server sent Retry-After.
func exponentialWait(factor time.Duration) func(int, http.Header) time.Duration {
	return func(attempt int, h http.Header) time.Duration {
		if d, ok := retryAfter(h); ok {
			if d > maxRetryAfter {
				d = maxRetryAfter
			}
			return d
		}
		return time.Duration(float64(factor) * math.Pow(2, float64(attempt)))
	}
}

// retryAfterWait honors Retry-After up to limit, def when absent.
func retryAfterWait(def, limit time.Duration) func(int, http.Header) time.Duration {
	return func(_ int, h http.Header) time.Duration {
		d, ok := retryAfter(h)
		if !ok {
			d = def
		}
		if d > limit {
			d = limit
		}
		return d
	}
}

func retryAfter(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
