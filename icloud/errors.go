package icloud

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ivandeex/go-icloud-session/icloud/api"
	"github.com/ivandeex/go-icloud-session/icloud/credentials"
)

type ErrApple error

// NewErr returns generic Apple iCloud error
func NewErr(msg string) ErrApple {
	return ErrApple(errors.New(msg))
}

// ErrAPI is subclass of API related iCloud errors
type ErrAPI struct {
	ErrApple
	Code   int
	Status string
	Reason string
	Retry  bool
}

// NewErrAPI returns new API related iCloud error
func NewErrAPI(code int, status string, reason string, retry bool) ErrAPI {
	msg := reason
	if status != "" {
		if msg == "" {
			msg = status
		} else {
			if !strings.HasSuffix(msg, ".") {
				msg += "."
			}
			msg += " " + status
		}
	}
	if code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, code)
	}
	if retry {
		msg += ". Retrying ..."
	}
	return ErrAPI{ErrApple: NewErr(msg), Code: code, Status: status, Reason: reason, Retry: retry}
}

// FailedLoginError is returned when sign-in or the token exchange rejects the credentials.
type FailedLoginError struct {
	Msg string
	Err error
}

func (e *FailedLoginError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *FailedLoginError) Unwrap() error { return e.Err }

// Is makes every failed login match ErrLoginFailed.
func (e *FailedLoginError) Is(target error) bool { return target == ErrLoginFailed }

// ServiceNotActivatedError means a capability is missing from webservices
// or the server asked to finish the account setup on the web.
type ServiceNotActivatedError struct {
	Service string
	Reason  string
	Code    int
}

func (e *ServiceNotActivatedError) Error() string {
	msg := e.Reason
	if e.Service != "" {
		msg += ". " + e.Service
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.Code)
	}
	return msg
}

// Is makes every instance match ErrServiceNotActive.
func (e *ServiceNotActivatedError) Is(target error) bool { return target == ErrServiceNotActive }

var (
	ErrServiceNotActive   = NewErr("icloud service not activated")
	ErrLoginFailed        = NewErr("icloud login failed")
	Err2SARequired        = NewErr("2-step authentication required for account")
	ErrCredentialNotFound = credentials.ErrNotFound
	ErrNoDevices          = NewErr("no icloud device")
)

// isAPIError reports whether err was produced by classifying a server response.
func isAPIError(err error) bool {
	var apiErr ErrAPI
	var svcErr *ServiceNotActivatedError
	return errors.As(err, &apiErr) || errors.As(err, &svcErr) || errors.Is(err, Err2SARequired)
}

// isWrongCode reports whether the server rejected a verification code.
func isWrongCode(err error) bool {
	var apiErr ErrAPI
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == api.CodeWrongVerification2 || apiErr.Code == api.CodeWrongVerification
}
