package icloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ivandeex/go-icloud-session/icloud/api"
	"github.com/ivandeex/go-icloud-session/icloud/credentials"
	"github.com/kylelemons/godebug/pretty"
	"github.com/zalando/go-keyring"
)

const testAccount = "user@example.com"

// fakeApple serves the auth and setup endpoints.
type fakeApple struct {
	srv *httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	bodies   map[string][]map[string]interface{}
	headers  map[string][]http.Header
	handlers map[string]http.HandlerFunc

	trusted   bool
	challenge bool
	hsa       int
}

func newFakeApple(t *testing.T) *fakeApple {
	f := &fakeApple{
		hits:      map[string]int{},
		bodies:    map[string][]map[string]interface{}{},
		headers:   map[string][]http.Header{},
		handlers:  map[string]http.HandlerFunc{},
		hsa:       2,
		challenge: true,
	}
	f.handlers["/appleauth/auth/signin"] = func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Apple-Session-Token", "session-1")
		h.Set("X-Apple-ID-Session-Id", "sid-1")
		h.Set("scnt", "scnt-1")
		h.Set("X-Apple-ID-Account-Country", "USA")
		writeJSON(w, 200, `{"authType":"hsa2"}`)
	}
	f.handlers["/setup/ws/1/accountLogin"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, f.state())
	}
	f.handlers["/setup/ws/1/validate"] = func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, f.state())
	}
	f.handlers["/appleauth/auth/2sv/trust"] = func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.trusted = true
		f.challenge = false
		f.mu.Unlock()
		w.Header().Set("X-Apple-TwoSV-Trust-Token", "trust-1")
		w.WriteHeader(http.StatusNoContent)
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeApple) serve(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	var body map[string]interface{}
	_ = json.Unmarshal(data, &body)

	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], body)
	f.headers[r.URL.Path] = append(f.headers[r.URL.Path], r.Header.Clone())
	h := f.handlers[r.URL.Path]
	f.mu.Unlock()

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeApple) handle(path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = h
}

// trust marks the browser trusted with no pending challenge.
func (f *fakeApple) trust() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trusted = true
	f.challenge = false
}

func (f *fakeApple) setHSA(version int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hsa = version
}

func (f *fakeApple) firstBody(path string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[0]
}

func (f *fakeApple) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeApple) lastBody(path string) map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.bodies[path]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func (f *fakeApple) lastHeader(path string) http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.headers[path]
	if len(h) == 0 {
		return http.Header{}
	}
	return h[len(h)-1]
}

func (f *fakeApple) state() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf(`{
		"dsInfo": {"dsid": "1234", "hsaVersion": %d, "appleId": %q},
		"hsaChallengeRequired": %v,
		"hsaTrustedBrowser": %v,
		"apps": {"find": {"canLaunchWithOneFactor": true}, "reminders": {}},
		"webservices": {
			"findme": {"url": %q, "status": "active"},
			"reminders": {"url": %q, "status": "active"}
		}
	}`, f.hsa, testAccount, f.challenge, f.trusted, f.srv.URL+"/fmi", f.srv.URL+"/rem")
}

func (f *fakeApple) endpoints() *Endpoints {
	return &Endpoints{
		Auth:  f.srv.URL + "/appleauth/auth",
		Home:  f.srv.URL,
		Setup: f.srv.URL + "/setup/ws/1",
	}
}

type testEnv struct {
	dir   string
	store *credentials.Store
	apple *fakeApple
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	keyring.MockInit()
	t.Setenv(credentials.PasswordEnv, "")
	store := credentials.NewStore(filepath.Join(t.TempDir(), "tokens"))
	store.Prompt = nil
	return &testEnv{dir: t.TempDir(), store: store, apple: newFakeApple(t)}
}

func (e *testEnv) client(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(Config{
		AppleID:     testAccount,
		Password:    "secret",
		CookieDir:   e.dir,
		Endpoints:   e.apple.endpoints(),
		Credentials: e.store,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	c.session.policy.transport.wait = noWait
	c.session.sleep = (&sleepRecorder{}).sleep
	return c
}

func (e *testEnv) statePath() string {
	return filepath.Join(e.dir, "userexamplecom.session")
}

func TestNewClientState(t *testing.T) {
	e := newTestEnv(t)
	if err := (sessionData{ClientID: "auth-stored", SessionToken: "tok"}).save(e.statePath()); err != nil {
		t.Fatal(err)
	}
	if err := e.store.SaveTrust(testAccount, &credentials.TrustBundle{TrustToken: "trust-0", SCnt: "scnt-0"}); err != nil {
		t.Fatal(err)
	}

	c := e.client(t)
	want := sessionData{ClientID: "auth-stored", SessionToken: "tok", TrustToken: "trust-0", SCnt: "scnt-0"}
	if diff := pretty.Compare(want, c.session.snapshot()); diff != "" {
		t.Errorf("TestNewClientState: -want/+got:\n%s", diff)
	}
	if c.ClientID() != "auth-stored" || c.Params().Get("clientId") != "auth-stored" {
		t.Errorf("TestNewClientState: client id %q, params %v", c.ClientID(), c.Params())
	}
}

func TestNewClientGeneratesClientID(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t)
	id := c.ClientID()
	if !strings.HasPrefix(id, "auth-") || id != strings.ToLower(id) || len(id) != len("auth-")+36 {
		t.Errorf("TestNewClientGeneratesClientID: got %q", id)
	}

	c2, err := NewClient(Config{
		AppleID:     testAccount,
		Password:    "secret",
		CookieDir:   t.TempDir(),
		ClientID:    "auth-configured",
		Credentials: e.store,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if c2.ClientID() != "auth-configured" || c2.session.snapshot().ClientID != "auth-configured" {
		t.Errorf("TestNewClientGeneratesClientID: configured id ignored: %q", c2.ClientID())
	}
}

func TestNewClientNoPassword(t *testing.T) {
	e := newTestEnv(t)
	_, err := NewClient(Config{AppleID: testAccount, CookieDir: e.dir, Credentials: e.store, Logger: quietLogger()})
	if !errors.Is(err, ErrCredentialNotFound) {
		t.Errorf("TestNewClientNoPassword: got %v, want ErrCredentialNotFound", err)
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Errorf("TestNewClientNoPassword: empty apple id accepted")
	}
}

func TestAuthenticateWithValidToken(t *testing.T) {
	e := newTestEnv(t)
	e.apple.trust()
	if err := (sessionData{ClientID: "auth-x", SessionToken: "valid"}).save(e.statePath()); err != nil {
		t.Fatal(err)
	}
	c := e.client(t)
	if err := c.Authenticate(context.Background(), false, ""); err != nil {
		t.Fatalf("TestAuthenticateWithValidToken: %v", err)
	}
	if n := e.apple.count("/appleauth/auth/signin"); n != 0 {
		t.Errorf("TestAuthenticateWithValidToken: %d sign-ins, want 0", n)
	}
	if n := e.apple.count("/setup/ws/1/validate"); n != 1 {
		t.Errorf("TestAuthenticateWithValidToken: %d validations, want 1", n)
	}
	if c.Requires2FA() || c.Requires2SA() || !c.IsTrustedSession() {
		t.Errorf("TestAuthenticateWithValidToken: session not fully authenticated: %+v", c.Data())
	}
	if c.Params().Get("dsid") != "1234" {
		t.Errorf("TestAuthenticateWithValidToken: dsid param %q", c.Params().Get("dsid"))
	}
}

func TestAuthenticateInvalidTokenFallsBack(t *testing.T) {
	e := newTestEnv(t)
	e.apple.handle("/setup/ws/1/validate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(421)
	})
	if err := (sessionData{ClientID: "auth-x", SessionToken: "expired", TrustToken: "trust-0"}).save(e.statePath()); err != nil {
		t.Fatal(err)
	}
	c := e.client(t)
	if err := c.Authenticate(context.Background(), false, ""); err != nil {
		t.Fatalf("TestAuthenticateInvalidTokenFallsBack: %v", err)
	}
	if n := e.apple.count("/appleauth/auth/signin"); n != 1 {
		t.Errorf("TestAuthenticateInvalidTokenFallsBack: %d sign-ins, want 1", n)
	}
	st := c.session.snapshot()
	if st.SessionToken != "session-1" || st.ClientID != "auth-x" || st.TrustToken != "" {
		t.Errorf("TestAuthenticateInvalidTokenFallsBack: state %+v", st)
	}
	got := e.apple.lastBody("/appleauth/auth/signin")["trustTokens"]
	if diff := pretty.Compare([]interface{}{}, got); diff != "" {
		t.Errorf("TestAuthenticateInvalidTokenFallsBack: trustTokens -want/+got:\n%s", diff)
	}
}

func TestTwoFactorFlow(t *testing.T) {
	e := newTestEnv(t)
	c := e.client(t)
	ctx := context.Background()

	if err := c.Authenticate(ctx, false, ""); err != nil {
		t.Fatalf("TestTwoFactorFlow: %v", err)
	}
	signin := e.apple.lastBody("/appleauth/auth/signin")
	wantSignin := map[string]interface{}{
		"accountName": testAccount,
		"password":    "secret",
		"rememberMe":  true,
		"trustTokens": []interface{}{},
	}
	if diff := pretty.Compare(wantSignin, signin); diff != "" {
		t.Errorf("TestTwoFactorFlow: signin -want/+got:\n%s", diff)
	}
	hdr := e.apple.lastHeader("/appleauth/auth/signin")
	if hdr.Get("X-Apple-OAuth-State") != c.ClientID() || hdr.Get("X-Apple-Widget-Key") != OAuthKey ||
		hdr.Get("X-Apple-OAuth-Client-Type") != "firstPartyAuth" || hdr.Get("Origin") != e.apple.srv.URL {
		t.Errorf("TestTwoFactorFlow: signin headers %v", hdr)
	}
	login := e.apple.lastBody("/setup/ws/1/accountLogin")
	if login["dsWebAuthToken"] != "session-1" || login["accountCountryCode"] != "USA" || login["extended_login"] != true {
		t.Errorf("TestTwoFactorFlow: accountLogin body %v", login)
	}
	if !c.Requires2FA() || !c.Requires2SA() {
		t.Fatalf("TestTwoFactorFlow: 2FA not required: %+v", c.Data())
	}

	// wrong code
	e.apple.handle("/appleauth/auth/verify/trusteddevice/securitycode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"service_errors":[{"code":"-21669","title":"Incorrect Verification Code","message":"Incorrect verification code."}],"hasError":true}`)
	})
	ok, err := c.Validate2FACode(ctx, "000000")
	if ok || err != nil {
		t.Fatalf("TestTwoFactorFlow: wrong code: got %v, %v, want false, nil", ok, err)
	}
	vh := e.apple.lastHeader("/appleauth/auth/verify/trusteddevice/securitycode")
	if vh.Get("scnt") != "scnt-1" || vh.Get("X-Apple-ID-Session-Id") != "sid-1" || vh.Get("Accept") != "application/json" {
		t.Errorf("TestTwoFactorFlow: verify headers %v", vh)
	}
	wantCode := map[string]interface{}{"securityCode": map[string]interface{}{"code": "000000"}}
	if diff := pretty.Compare(wantCode, e.apple.lastBody("/appleauth/auth/verify/trusteddevice/securitycode")); diff != "" {
		t.Errorf("TestTwoFactorFlow: verify body -want/+got:\n%s", diff)
	}

	// other errors propagate
	e.apple.handle("/appleauth/auth/verify/trusteddevice/securitycode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 400, `{"service_errors":[{"code":"-22000","message":"Too many attempts"}]}`)
	})
	if ok, err := c.Validate2FACode(ctx, "111111"); ok || err == nil {
		t.Errorf("TestTwoFactorFlow: got %v, %v, want an error", ok, err)
	}

	// right code
	e.apple.handle("/appleauth/auth/verify/trusteddevice/securitycode", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	ok, err = c.Validate2FACode(ctx, "123456")
	if !ok || err != nil {
		t.Fatalf("TestTwoFactorFlow: right code: got %v, %v, want true, nil", ok, err)
	}
	if c.Requires2FA() || !c.IsTrustedSession() {
		t.Errorf("TestTwoFactorFlow: session not trusted after verification")
	}
	if st := c.session.snapshot(); st.TrustToken != "trust-1" {
		t.Errorf("TestTwoFactorFlow: trust token %q", st.TrustToken)
	}
	if login := e.apple.lastBody("/setup/ws/1/accountLogin"); login["trustToken"] != "trust-1" {
		t.Errorf("TestTwoFactorFlow: token exchange after trust sent %v", login["trustToken"])
	}

	saved := e.store.LoadTrust(testAccount)
	want := &credentials.TrustBundle{TrustToken: "trust-1", SessionToken: "session-1", SCnt: "scnt-1", SessionID: "sid-1"}
	if diff := pretty.Compare(want, saved); diff != "" {
		t.Errorf("TestTwoFactorFlow: saved trust -want/+got:\n%s", diff)
	}
}

func TestForcedRefreshKeepsTrust(t *testing.T) {
	e := newTestEnv(t)
	e.apple.trust()
	if err := (sessionData{
		ClientID:     "auth-x",
		SessionToken: "old",
		SessionID:    "sid-0",
		SCnt:         "scnt-0",
		TrustToken:   "trust-0",
	}).save(e.statePath()); err != nil {
		t.Fatal(err)
	}
	c := e.client(t)
	if err := c.Authenticate(context.Background(), true, ""); err != nil {
		t.Fatalf("TestForcedRefreshKeepsTrust: %v", err)
	}
	if n := e.apple.count("/setup/ws/1/validate"); n != 0 {
		t.Errorf("TestForcedRefreshKeepsTrust: %d validations, want 0", n)
	}
	hdr := e.apple.lastHeader("/appleauth/auth/signin")
	if hdr.Get("scnt") != "" || hdr.Get("X-Apple-ID-Session-Id") != "" {
		t.Errorf("TestForcedRefreshKeepsTrust: stale session headers sent: %v", hdr)
	}
	got := e.apple.lastBody("/appleauth/auth/signin")["trustTokens"]
	if diff := pretty.Compare([]interface{}{"trust-0"}, got); diff != "" {
		t.Errorf("TestForcedRefreshKeepsTrust: trustTokens -want/+got:\n%s", diff)
	}
	st := c.session.snapshot()
	if st.ClientID != "auth-x" || st.TrustToken != "trust-0" || st.SessionToken != "session-1" {
		t.Errorf("TestForcedRefreshKeepsTrust: state %+v", st)
	}
}

func TestTrustRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c := e.client(t)
	if err := c.Authenticate(ctx, false, ""); err != nil {
		t.Fatal(err)
	}
	e.apple.handle("/appleauth/auth/verify/trusteddevice/securitycode", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if ok, err := c.Validate2FACode(ctx, "123456"); !ok || err != nil {
		t.Fatalf("TestTrustRoundTrip: %v, %v", ok, err)
	}

	// a fresh process with a wiped cookie directory
	e.dir = t.TempDir()
	c2 := e.client(t)
	if got := c2.session.snapshot().TrustToken; got != "trust-1" {
		t.Fatalf("TestTrustRoundTrip: loaded trust token %q", got)
	}
	if err := c2.Authenticate(ctx, true, ""); err != nil {
		t.Fatal(err)
	}
	got := e.apple.lastBody("/appleauth/auth/signin")["trustTokens"]
	if diff := pretty.Compare([]interface{}{"trust-1"}, got); diff != "" {
		t.Errorf("TestTrustRoundTrip: trustTokens -want/+got:\n%s", diff)
	}
	if c2.Requires2FA() {
		t.Errorf("TestTrustRoundTrip: 2FA required again")
	}
}

func TestSigninFailure(t *testing.T) {
	tests := []struct {
		desc   string
		status int
		ctype  string
		body   string
	}{
		{desc: "bad password", status: 401, ctype: "application/json", body: `{"serviceErrors":[{"code":"-20101"}],"service_errors":[{"code":"-20101","message":"Your Apple ID or password was entered incorrectly."}]}`},
		{desc: "html", status: 403, ctype: "text/html", body: "<html>nope</html>"},
		{desc: "two-factor conflict", status: 409, ctype: "application/json", body: `{"authType":"hsa2"}`},
	}
	for _, test := range tests {
		e := newTestEnv(t)
		e.apple.handle("/appleauth/auth/signin", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", test.ctype)
			w.WriteHeader(test.status)
			_, _ = io.WriteString(w, test.body)
		})
		c := e.client(t)
		err := c.Authenticate(context.Background(), false, "")
		var failed *FailedLoginError
		if !errors.As(err, &failed) || !errors.Is(err, ErrLoginFailed) {
			t.Errorf("TestSigninFailure(%s): got %v, want FailedLoginError", test.desc, err)
			continue
		}
		if failed.Msg != "Invalid email/password combination" {
			t.Errorf("TestSigninFailure(%s): message %q", test.desc, failed.Msg)
		}
		if n := e.apple.count("/appleauth/auth/signin"); n != 1 {
			t.Errorf("TestSigninFailure(%s): %d sign-ins, want 1", test.desc, n)
		}
		if n := e.apple.count("/setup/ws/1/accountLogin"); n != 0 {
			t.Errorf("TestSigninFailure(%s): token exchanged after failure", test.desc)
		}
	}
}

func TestTokenExchangeFailure(t *testing.T) {
	e := newTestEnv(t)
	e.apple.handle("/setup/ws/1/accountLogin", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 421, `{"error":"Misdirected"}`)
	})
	err := e.client(t).Authenticate(context.Background(), false, "")
	var failed *FailedLoginError
	if !errors.As(err, &failed) || failed.Msg != "Invalid authentication token" {
		t.Errorf("TestTokenExchangeFailure: got %v", err)
	}
}

func TestServiceScopedLogin(t *testing.T) {
	for _, accept := range []bool{true, false} {
		e := newTestEnv(t)
		e.apple.trust()
		e.apple.handle("/setup/ws/1/accountLogin", func(w http.ResponseWriter, r *http.Request) {
			if body := e.apple.lastBody("/setup/ws/1/accountLogin"); body["appName"] != nil && !accept {
				writeJSON(w, 401, `{"error":"Invalid"}`)
				return
			}
			writeJSON(w, 200, e.apple.state())
		})
		c := e.client(t)
		c.setData(&api.StateResponse{Apps: api.Apps{"find": {CanLaunchWithOneFactor: true}}})

		if err := c.Authenticate(context.Background(), false, "find"); err != nil {
			t.Fatalf("TestServiceScopedLogin(%v): %v", accept, err)
		}
		first := e.apple.firstBody("/setup/ws/1/accountLogin")
		want := map[string]interface{}{
			"appName":        "find",
			"apple_id":       testAccount,
			"password":       "secret",
			"extended_login": true,
		}
		if diff := pretty.Compare(want, first); diff != "" {
			t.Errorf("TestServiceScopedLogin(%v): -want/+got:\n%s", accept, diff)
		}
		wantSignins := 1
		if accept {
			wantSignins = 0
		}
		if n := e.apple.count("/appleauth/auth/signin"); n != wantSignins {
			t.Errorf("TestServiceScopedLogin(%v): %d sign-ins, want %d", accept, n, wantSignins)
		}
		if _, err := c.WebserviceURL("findme"); err != nil {
			t.Errorf("TestServiceScopedLogin(%v): %v", accept, err)
		}
	}
}

func TestTwoStepFlow(t *testing.T) {
	e := newTestEnv(t)
	e.apple.setHSA(1)
	ctx := context.Background()
	e.apple.handle("/setup/ws/1/listDevices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"devices":[{"deviceType":"SMS","areaCode":"","phoneNumber":"********12","deviceId":"1"}]}`)
	})
	e.apple.handle("/setup/ws/1/sendVerificationCode", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"success":true}`)
	})
	var wrong atomic.Bool
	wrong.Store(true)
	e.apple.handle("/setup/ws/1/validateVerificationCode", func(w http.ResponseWriter, r *http.Request) {
		if wrong.Load() {
			writeJSON(w, 400, `{"errorMessage":"Incorrect verification code","errorCode":-21669}`)
			return
		}
		writeJSON(w, 200, `{"success":true}`)
	})

	c := e.client(t)
	if err := c.Authenticate(ctx, false, ""); err != nil {
		t.Fatal(err)
	}
	if c.Requires2FA() || !c.Requires2SA() {
		t.Fatalf("TestTwoStepFlow: want 2SA only, got %+v", c.Data())
	}
	devices, err := c.TrustedDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("TestTwoStepFlow: devices %v, %v", devices, err)
	}
	if devices[0].Label() != "SMS to ********12" {
		t.Errorf("TestTwoStepFlow: label %q", devices[0].Label())
	}
	if q := e.apple.lastHeader("/setup/ws/1/listDevices"); q.Get("Origin") == "" {
		t.Errorf("TestTwoStepFlow: missing origin")
	}
	sent, err := c.SendVerificationCode(ctx, &devices[0])
	if !sent || err != nil {
		t.Fatalf("TestTwoStepFlow: send: %v, %v", sent, err)
	}

	ok, err := c.ValidateVerificationCode(ctx, &devices[0], "000000")
	if ok || err != nil {
		t.Fatalf("TestTwoStepFlow: wrong code: got %v, %v, want false, nil", ok, err)
	}
	body := e.apple.lastBody("/setup/ws/1/validateVerificationCode")
	if body["verificationCode"] != "000000" || body["trustBrowser"] != true || body["deviceId"] != "1" {
		t.Errorf("TestTwoStepFlow: validate body %v", body)
	}
	if n := e.apple.count("/appleauth/auth/2sv/trust"); n != 0 {
		t.Errorf("TestTwoStepFlow: trusted after wrong code")
	}

	wrong.Store(false)
	ok, err = c.ValidateVerificationCode(ctx, &devices[0], "123456")
	if !ok || err != nil {
		t.Fatalf("TestTwoStepFlow: right code: got %v, %v", ok, err)
	}
	if c.Requires2SA() {
		t.Errorf("TestTwoStepFlow: 2SA still required")
	}
}

func TestTrustedDevicesEmpty(t *testing.T) {
	e := newTestEnv(t)
	e.apple.handle("/setup/ws/1/listDevices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, 200, `{"devices":[]}`)
	})
	if _, err := e.client(t).TrustedDevices(context.Background()); !errors.Is(err, ErrNoDevices) {
		t.Errorf("TestTrustedDevicesEmpty: got %v, want ErrNoDevices", err)
	}
}

func TestTrustSessionNeverFails(t *testing.T) {
	e := newTestEnv(t)
	e.apple.handle("/appleauth/auth/2sv/trust", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c := e.client(t)
	if c.TrustSession(context.Background()) {
		t.Errorf("TestTrustSessionNeverFails: got true, want false")
	}
	if e.store.LoadTrust(testAccount) != nil {
		t.Errorf("TestTrustSessionNeverFails: trust bundle saved")
	}
}
