package icloud

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/ivandeex/go-icloud-session/icloud/credentials"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// sessionData keeps session data
type sessionData struct {
	ClientID       string `json:"client_id,omitempty"`
	AccountCountry string `json:"account_country,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	SessionToken   string `json:"session_token,omitempty"`
	TrustToken     string `json:"trust_token,omitempty"`
	SCnt           string `json:"scnt,omitempty"`
}

// headerData maps response headers to the session fields they refresh.
var headerData = []struct {
	header string
	field  func(*sessionData) *string
}{
	{"X-Apple-ID-Account-Country", func(s *sessionData) *string { return &s.AccountCountry }},
	{"X-Apple-ID-Session-Id", func(s *sessionData) *string { return &s.SessionID }},
	{"X-Apple-Session-Token", func(s *sessionData) *string { return &s.SessionToken }},
	{"X-Apple-TwoSV-Trust-Token", func(s *sessionData) *string { return &s.TrustToken }},
	{"scnt", func(s *sessionData) *string { return &s.SCnt }},
}

func (s sessionData) save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrapf(err, "cannot create directory for %s", path)
	}
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "cannot lock %s", path)
	}
	defer func() { _ = lock.Unlock() }()
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *sessionData) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, s)
}

func (s *sessionData) applyResponseHeaders(h http.Header) {
	for _, hd := range headerData {
		if v := h.Get(hd.header); v != "" {
			*hd.field(s) = v
		}
	}
}

// applyTrust merges a stored trust bundle.
func (s *sessionData) applyTrust(b *credentials.TrustBundle) {
	for _, kv := range []struct {
		dst *string
		v   string
	}{
		{&s.TrustToken, b.TrustToken},
		{&s.SessionToken, b.SessionToken},
		{&s.SCnt, b.SCnt},
		{&s.SessionID, b.SessionID},
	} {
		if kv.v != "" {
			*kv.dst = kv.v
		}
	}
}

func (s *sessionData) trustBundle() *credentials.TrustBundle {
	return &credentials.TrustBundle{
		TrustToken:   s.TrustToken,
		SessionToken: s.SessionToken,
		SCnt:         s.SCnt,
		SessionID:    s.SessionID,
	}
}

var nonWordRE = regexp.MustCompile(`\W`)

// sanitizeAccount strips everything but word characters.
// Distinct accounts that differ only in other characters share files.
func sanitizeAccount(account string) string {
	return nonWordRE.ReplaceAllString(account, "")
}

// authenticator is the state machine the session falls back to on auth failures.
type authenticator interface {
	reauthenticate(ctx context.Context, service string) error
	Requires2SA() bool
}

// Session wraps every outbound call: it attaches headers, applies the retry
// policy, re-authenticates once on auth failures and persists session state
// and cookies after each exchange.
type Session struct {
	mu        sync.Mutex
	state     sessionData
	statePath string

	http      *retryablehttp.Client
	jar       *cookieJar
	policy    *retryPolicy
	log       *log.Entry
	home      string
	userAgent string

	auth     authenticator
	authBusy int32
	sleep    func(ctx context.Context, d time.Duration) error
}

type sessionConfig struct {
	state       sessionData
	statePath   string
	jar         *cookieJar
	log         *log.Entry
	home        string
	userAgent   string
	insecure    bool
	dialTimeout time.Duration
	readTimeout time.Duration
}

func newSession(cfg sessionConfig) *Session {
	s := &Session{
		state:     cfg.state,
		statePath: cfg.statePath,
		jar:       cfg.jar,
		policy:    newRetryPolicy(),
		log:       cfg.log,
		home:      cfg.home,
		userAgent: cfg.userAgent,
		sleep:     sleepContext,
	}
	if cfg.dialTimeout == 0 {
		cfg.dialTimeout = DefDialTimeout
	}
	if cfg.readTimeout == 0 {
		cfg.readTimeout = DefReadTimeout
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.dialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = cfg.readTimeout
	if cfg.insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	httpClient := &http.Client{Transport: transport}
	if cfg.jar != nil {
		httpClient.Jar = cfg.jar
	}

	client := retryablehttp.NewClient()
	client.HTTPClient = httpClient
	client.RetryMax = s.policy.transport.attempts
	client.CheckRetry = s.policy.checkRetry
	client.Backoff = s.policy.backoff
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = retryLogger{cfg.log}
	s.http = client
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// enterAuth suspends auth-failure interception while the state machine runs.
func (s *Session) enterAuth() { atomic.AddInt32(&s.authBusy, 1) }
func (s *Session) leaveAuth() { atomic.AddInt32(&s.authBusy, -1) }

func (s *Session) intercepting() bool {
	return s.auth != nil && atomic.LoadInt32(&s.authBusy) == 0
}

// snapshot returns a copy of the session state.
func (s *Session) snapshot() sessionData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) update(fn func(*sessionData)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// reset drops cookies and all session fields but the client id.
func (s *Session) reset() {
	s.update(func(st *sessionData) {
		*st = sessionData{ClientID: st.ClientID}
	})
	s.clearCookies()
}

// resetKeepingTrust is reset that also keeps a known trust token.
func (s *Session) resetKeepingTrust() {
	s.update(func(st *sessionData) {
		*st = sessionData{ClientID: st.ClientID, TrustToken: st.TrustToken}
	})
	s.clearCookies()
}

func (s *Session) clearCookies() {
	if s.jar == nil {
		return
	}
	if err := s.jar.clear(); err != nil {
		s.log.Warnf("Cannot clear cookies: %v", err)
	}
}

// capture copies tracked response headers into the state, then flushes
// the state and the cookie jar. Cookie file trouble is only logged.
func (s *Session) capture(h http.Header) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.applyResponseHeaders(h)
	if s.jar != nil {
		if err := s.jar.save(); err != nil {
			s.log.Warnf("Cannot save cookies: %v", err)
		}
	}
	if s.statePath == "" {
		return nil
	}
	if err := s.state.save(s.statePath); err != nil {
		return errors.Wrapf(err, "cannot save session to %s", s.statePath)
	}
	s.log.Tracef("Saved session data to %s", s.statePath)
	return nil
}

// attachAuthHeaders refreshes the session headers of a request being resent.
func (s *Session) attachAuthHeaders(h http.Header) {
	st := s.snapshot()
	for _, kv := range [][2]string{
		{"X-Apple-Session-Token", st.SessionToken},
		{"scnt", st.SCnt},
		{"X-Apple-ID-Session-Id", st.SessionID},
	} {
		if kv[1] != "" {
			h.Set(kv[0], kv[1])
		} else {
			h.Del(kv[0])
		}
	}
}
