package icloud

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ivandeex/go-icloud-session/icloud/api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Request describes a single outbound call.
type Request struct {
	Method string
	URL    string
	// Params are merged into the query string.
	Params url.Values
	Header http.Header
	// Body is sent as is when []byte or string, JSON-encoded otherwise.
	Body interface{}
	// Service names the one-factor app used if the call needs re-authentication.
	Service string
}

// Response is a completed exchange with its body read.
type Response struct {
	*http.Response
	Data []byte
}

// OK reports a status below 400.
func (r *Response) OK() bool {
	return r.StatusCode < 400
}

// IsJSON reports a JSON content type.
func (r *Response) IsJSON() bool {
	ctype := strings.TrimSpace(strings.Split(r.Header.Get("Content-Type"), ";")[0])
	return ctype == "application/json" || ctype == "text/json"
}

// Decode unmarshals the body into out.
func (r *Response) Decode(out interface{}) error {
	if err := json.Unmarshal(r.Data, out); err != nil {
		return errors.Wrapf(err, "cannot parse response into %T", out)
	}
	return nil
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode request body")
	}
	return data, nil
}

// Execute sends the request, re-authenticating or backing off once when
// the policy asks for it, and turns failing responses into errors.
func (s *Session) Execute(ctx context.Context, r *Request) (*Response, error) {
	body, err := encodeBody(r.Body)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(ctx, r, body, false)
	if err != nil {
		return nil, err
	}

	mustSucceed := false
	if rule := s.policy.decide(resp, actionReauth, actionBackoff); rule != nil {
		switch rule.action {
		case actionReauth:
			if !s.intercepting() {
				break
			}
			s.log.Debugf("%s (%d) from %s, re-authenticating", http.StatusText(resp.StatusCode), resp.StatusCode, r.URL)
			s.reset()
			if err := s.auth.reauthenticate(ctx, r.Service); err != nil {
				return nil, err
			}
			if resp, err = s.send(ctx, r, body, true); err != nil {
				return nil, err
			}
			mustSucceed = true
		case actionBackoff:
			wait := rule.wait(0, resp.Header)
			s.log.Warnf("Service unavailable at %s, retrying in %v", r.URL, wait)
			if err := s.sleep(ctx, wait); err != nil {
				return nil, err
			}
			if resp, err = s.send(ctx, r, body, false); err != nil {
				return nil, err
			}
		}
	}

	if mustSucceed && !resp.OK() {
		return nil, s.raise(resp)
	}
	if s.policy.decide(resp, actionFail) != nil {
		return nil, s.raise(resp)
	}
	return resp, nil
}

// send performs one exchange through the transport retry layer and
// captures the session headers of whatever comes back.
func (s *Session) send(ctx context.Context, r *Request, body []byte, refreshAuth bool) (*Response, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", r.URL)
	}
	if len(r.Params) > 0 {
		q := u.Query()
		for k, vs := range r.Params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	var reqBody interface{}
	if body != nil {
		reqBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	h := req.Header
	for k, vs := range r.Header {
		h[k] = append([]string(nil), vs...)
	}
	h.Set("Origin", s.home)
	h.Set("Referer", s.home+"/")
	if s.userAgent != "" {
		h.Set("User-Agent", s.userAgent)
	}
	if refreshAuth {
		s.attachAuthHeaders(h)
	}

	if s.log.Logger.IsLevelEnabled(log.TraceLevel) {
		in := "null"
		if body != nil {
			in = string(body)
		}
		s.log.Tracef("%s %s %s", r.Method, u.String(), in)
	}

	res, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", r.Method, r.URL)
	}
	data, err := io.ReadAll(res.Body)
	_ = res.Body.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read response from %s", r.URL)
	}
	resp := &Response{Response: res, Data: data}

	if err := s.capture(res.Header); err != nil {
		return nil, err
	}

	if s.log.Logger.IsLevelEnabled(log.TraceLevel) {
		s.log.Tracef("Results: code=%d json=%v len=%d", res.StatusCode, resp.IsJSON(), len(data))
		if resp.IsJSON() {
			s.log.Tracef("JSON response: %s", prettyJSON(data))
		}
	}
	return resp, nil
}

// call executes r, raises on error bodies and decodes JSON into out.
func (s *Session) call(ctx context.Context, r *Request, out interface{}) (*Response, error) {
	resp, err := s.Execute(ctx, r)
	if err != nil {
		return nil, err
	}
	if resp.IsJSON() {
		if err := s.decodeError(resp.Data); err != nil {
			s.log.Debugf("%s %s: %v", r.Method, r.URL, err)
			return nil, err
		}
	}
	if !resp.OK() {
		return nil, s.raise(resp)
	}
	if out != nil && len(resp.Data) > 0 {
		if err := resp.Decode(out); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// raise converts a failing response into the matching error and logs it.
func (s *Session) raise(resp *Response) error {
	code := resp.StatusCode
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(code)))
	if reason == "" {
		reason = http.StatusText(code)
	}
	err := s.translateError(code, "", reason)
	s.log.Errorf("%s %s: %v", resp.Request.Method, resp.Request.URL.Redacted(), err)
	return err
}

// decodeError extracts an error from a JSON body, if it carries one.
func (s *Session) decodeError(body []byte) error {
	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return nil
	}
	var reason string
	for _, v := range []string{e.ErrorMessage, e.Reason, e.ErrorReason, string(e.Error)} {
		if reason == "" {
			reason = v
		}
	}
	var (
		code   int
		status string
	)
	if n, ok := e.Code.Int(); ok {
		code = n
	} else {
		status = string(e.Code)
	}
	if code == 0 {
		code = e.ServerCode
	}
	if len(e.ServiceErrors) > 0 {
		se := e.ServiceErrors[0]
		if code == 0 {
			if n, ok := se.Code.Int(); ok {
				code = n
			} else if status == "" {
				status = string(se.Code)
			}
		}
		if reason == "" {
			reason = se.Message
		}
	} else if reason == "" {
		return nil
	}
	return s.translateError(code, status, reason)
}

const setupGuidance = "Please log into https://icloud.com/ to manually finish setting up your iCloud service"

func (s *Session) translateError(code int, status string, reason string) error {
	if reason == "Missing X-APPLE-WEBAUTH-TOKEN cookie" && s.auth != nil && s.auth.Requires2SA() {
		return Err2SARequired
	}
	switch status {
	case "ZONE_NOT_FOUND", "AUTHENTICATION_FAILED":
		return &ServiceNotActivatedError{Reason: setupGuidance, Code: code}
	case "ACCESS_DENIED":
		reason += ".  Please wait a few minutes then try again."
		reason += " The remote servers might be trying to throttle requests."
	}
	switch code {
	case 421, 450, 500:
		reason = "Authentication required for Account."
	}
	return NewErrAPI(code, status, reason, false)
}
