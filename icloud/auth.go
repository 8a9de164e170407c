package icloud

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ivandeex/go-icloud-session/icloud/api"
)

// OAuthKey identifies the iCloud web application to the auth service.
const OAuthKey = "d39ba9916b7251055b22c7f910e2ea796ee65e98b2ddecea8f5dde8d9d1a815d"

// Authenticate handles authentication, and persists cookies so that
// subsequent logins will not cause additional e-mails from Apple.
// With forceRefresh the stored session is dropped but the trust token is kept.
// A non-empty service allows a credential login scoped to that app.
func (c *Client) Authenticate(ctx context.Context, forceRefresh bool, service string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticate(ctx, forceRefresh, service)
}

// reauthenticate is called by the session when a request hits an auth failure.
func (c *Client) reauthenticate(ctx context.Context, service string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.authenticate(ctx, true, service)
}

func (c *Client) authenticate(ctx context.Context, forceRefresh bool, service string) error {
	c.session.enterAuth()
	defer c.session.leaveAuth()

	if forceRefresh {
		c.log.Debugf("Forcing authentication refresh")
		c.session.resetKeepingTrust()
	}

	if !forceRefresh && c.session.snapshot().SessionToken != "" {
		data, err := c.validateToken(ctx)
		switch {
		case err == nil:
			c.setData(data)
			c.log.Debugf("Existing session token is valid")
			return nil
		case isAPIError(err):
			c.log.Debugf("Invalid authentication token, will log in from scratch")
			c.session.reset()
		default:
			return err
		}
	}

	if service != "" && c.Data().Apps.AllowsOneFactor(service) {
		c.log.Debugf("Authenticating as %s for %s", c.accountName, service)
		err := c.authenticateWithCredentialsService(ctx, service)
		if err == nil {
			c.log.Debugf("Service-specific authentication successful")
			return nil
		}
		c.log.Debugf("Service-specific authentication failed: %v. Attempting full login.", err)
	}

	c.log.Debugf("Authenticating as %s", c.accountName)
	trustTokens := []string{}
	if trust := c.session.snapshot().TrustToken; trust != "" {
		trustTokens = append(trustTokens, trust)
	}
	_, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Auth + "/signin",
		Params: url.Values{"isRememberMeEnabled": {"true"}},
		Header: c.authHeaders(true),
		Body: dict{
			"accountName": c.accountName,
			"password":    c.password,
			"rememberMe":  true,
			"trustTokens": trustTokens,
		},
	}, nil)
	if err != nil {
		if isAPIError(err) {
			return &FailedLoginError{Msg: "Invalid email/password combination", Err: err}
		}
		return err
	}

	if err := c.authenticateWithToken(ctx); err != nil {
		return err
	}
	c.log.Debugf("Authentication completed successfully")
	return nil
}

func (c *Client) authenticateWithToken(ctx context.Context) error {
	st := c.session.snapshot()
	var res api.StateResponse
	_, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Setup + "/accountLogin",
		Body: dict{
			"accountCountryCode": st.AccountCountry,
			"dsWebAuthToken":     st.SessionToken,
			"extended_login":     true,
			"trustToken":         st.TrustToken,
		},
	}, &res)
	if err != nil {
		if isAPIError(err) {
			return &FailedLoginError{Msg: "Invalid authentication token", Err: err}
		}
		return err
	}
	c.setData(&res)
	return nil
}

// authenticateWithCredentialsService logs into a single app with the password alone.
func (c *Client) authenticateWithCredentialsService(ctx context.Context, service string) error {
	var res api.StateResponse
	_, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Setup + "/accountLogin",
		Header: c.authHeaders(false),
		Body: dict{
			"appName":        service,
			"apple_id":       c.accountName,
			"password":       c.password,
			"extended_login": true,
		},
	}, &res)
	if err != nil {
		if isAPIError(err) {
			return &FailedLoginError{Msg: "Invalid email/password combination", Err: err}
		}
		return err
	}
	c.setData(&res)
	return nil
}

// validateToken checks if the current session token is still valid.
func (c *Client) validateToken(ctx context.Context) (*api.StateResponse, error) {
	c.log.Debugf("Checking session token validity")
	var res api.StateResponse
	if _, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Setup + "/validate",
		Body:   "null",
	}, &res); err != nil {
		c.log.Debugf("Invalid authentication token: %v", err)
		return nil, err
	}
	c.log.Debugf("Session token is still valid")
	return &res, nil
}

// authHeaders returns actual authentication headers
func (c *Client) authHeaders(useSession bool) http.Header {
	h := http.Header{}
	h.Set("Accept", "*/*")
	h.Set("Content-Type", "application/json")
	h.Set("X-Apple-Widget-Key", OAuthKey)
	h.Set("X-Apple-OAuth-Client-Id", OAuthKey)
	h.Set("X-Apple-OAuth-Client-Type", "firstPartyAuth")
	h.Set("X-Apple-OAuth-Redirect-URI", c.endpoints.Home)
	h.Set("X-Apple-OAuth-Require-Grant-Code", "true")
	h.Set("X-Apple-OAuth-Response-Mode", "web_message")
	h.Set("X-Apple-OAuth-Response-Type", "code")
	h.Set("X-Apple-OAuth-State", c.clientID)
	if useSession {
		st := c.session.snapshot()
		if st.SCnt != "" {
			h.Set("scnt", st.SCnt)
		}
		if st.SessionID != "" {
			h.Set("X-Apple-ID-Session-Id", st.SessionID)
		}
	}
	return h
}

// Validate2FACode verifies a code received via Apple's 2FA system (HSA2).
// A rejected code yields false without error.
func (c *Client) Validate2FACode(ctx context.Context, code string) (bool, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.session.enterAuth()
	defer c.session.leaveAuth()

	hdr := c.authHeaders(true)
	hdr.Set("Accept", "application/json")
	_, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Auth + "/verify/trusteddevice/securitycode",
		Header: hdr,
		Body:   dict{"securityCode": dict{"code": code}},
	}, nil)
	if err != nil {
		if isWrongCode(err) {
			c.log.Errorf("Code verification failed")
			return false, nil
		}
		return false, err
	}
	c.log.Debugf("Code verification successful")

	c.trustSession(ctx)
	return !c.Requires2SA(), nil
}

// TrustedDevices returns devices that can receive a 2SA verification code.
func (c *Client) TrustedDevices(ctx context.Context) ([]api.Device, error) {
	c.session.enterAuth()
	defer c.session.leaveAuth()

	var res api.DeviceResponse
	if _, err := c.session.call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.endpoints.Setup + "/listDevices",
		Params: c.Params(),
	}, &res); err != nil {
		return nil, err
	}
	if len(res.Devices) == 0 {
		return nil, ErrNoDevices
	}
	return res.Devices, nil
}

// SendVerificationCode makes iCloud send verification code to a device
func (c *Client) SendVerificationCode(ctx context.Context, dev *api.Device) (bool, error) {
	c.session.enterAuth()
	defer c.session.leaveAuth()

	var res api.SuccessResponse
	if _, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Setup + "/sendVerificationCode",
		Params: c.Params(),
		Body:   dev.Dict(),
	}, &res); err != nil {
		return false, err
	}
	return res.Success, nil
}

// ValidateVerificationCode checks a code received on a trusted device.
// A rejected code yields false without error.
func (c *Client) ValidateVerificationCode(ctx context.Context, dev *api.Device, code string) (bool, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.session.enterAuth()
	defer c.session.leaveAuth()

	d := dev.Dict()
	d["verificationCode"] = code
	d["trustBrowser"] = true
	if _, err := c.session.call(ctx, &Request{
		Method: http.MethodPost,
		URL:    c.endpoints.Setup + "/validateVerificationCode",
		Params: c.Params(),
		Body:   d,
	}, nil); err != nil {
		if isWrongCode(err) {
			return false, nil
		}
		return false, err
	}

	c.trustSession(ctx)
	return !c.Requires2SA(), nil
}

// TrustSession requests session trust to avoid user log in going forward.
// It never fails: the result only tells whether trust was granted.
func (c *Client) TrustSession(ctx context.Context) bool {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	c.session.enterAuth()
	defer c.session.leaveAuth()
	return c.trustSession(ctx)
}

func (c *Client) trustSession(ctx context.Context) bool {
	if _, err := c.session.call(ctx, &Request{
		Method: http.MethodGet,
		URL:    c.endpoints.Auth + "/2sv/trust",
		Header: c.authHeaders(true),
	}, nil); err != nil {
		c.log.Errorf("Session trust failed: %v", err)
		return false
	}
	if err := c.authenticateWithToken(ctx); err != nil {
		c.log.Errorf("Session trust failed: %v", err)
		return false
	}

	st := c.session.snapshot()
	if st.TrustToken != "" && c.creds != nil {
		if err := c.creds.SaveTrust(c.accountName, st.trustBundle()); err != nil {
			c.log.Warnf("Cannot save trust token: %v", err)
		}
	}
	return true
}
