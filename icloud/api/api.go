package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

type dict map[string]interface{}

// Codes returned by API
const (
	CodeWrongVerification  = 21669
	CodeWrongVerification2 = -21669
	CodeNotFound           = 404
)

// Flex holds a value Apple sends either as a JSON string or as a number.
type Flex string

// UnmarshalJSON accepts strings, numbers and any other scalar.
func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = Flex(s)
		return nil
	}
	*f = Flex(b)
	return nil
}

// Int returns the numeric value, if any.
func (f Flex) Int() (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(string(f)))
	return n, err == nil
}

// Device describes a user device like iPhone, iPad and so on
type Device struct {
	DeviceType  string `json:"deviceType,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
	AreaCode    string `json:"areaCode,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
}

func (d *Device) Dict() dict {
	return dict{
		"deviceType":  d.DeviceType,
		"deviceName":  d.DeviceName,
		"areaCode":    d.AreaCode,
		"phoneNumber": d.PhoneNumber,
		"deviceId":    d.DeviceID,
	}
}

// Label is a human readable device name for prompts.
func (d *Device) Label() string {
	if d.DeviceName != "" {
		return d.DeviceName
	}
	return "SMS to " + d.PhoneNumber
}

// DeviceResponse ...
type DeviceResponse struct {
	Devices []Device `json:"devices"`
}

// DsInfo ...
type DsInfo struct {
	ADsID                string `json:"aDsID"`
	AppleID              string `json:"appleId"`
	CountryCode          string `json:"countryCode"`
	Dsid                 string `json:"dsid"`
	FirstName            string `json:"firstName"`
	FullName             string `json:"fullName"`
	HsaEnabled           bool   `json:"hsaEnabled"`
	HsaVersion           int    `json:"hsaVersion"`
	LanguageCode         string `json:"languageCode"`
	LastName             string `json:"lastName"`
	Locale               string `json:"locale"`
	Locked               bool   `json:"locked"`
	PrimaryEmail         string `json:"primaryEmail"`
	PrimaryEmailVerified bool   `json:"primaryEmailVerified"`
	StatusCode           int    `json:"statusCode"`
}

// Webservice is a single entry of the webservices map.
type Webservice struct {
	PcsRequired bool   `json:"pcsRequired"`
	Status      string `json:"status"`
	URL         string `json:"url"`
}

// Webservices maps a capability key (drivews, findme, reminders, ...) to its endpoint.
type Webservices map[string]Webservice

// URL returns the base URL of the capability, if it is registered.
func (w Webservices) URL(key string) (string, bool) {
	ws, ok := w[key]
	if !ok || ws.URL == "" {
		return "", false
	}
	return ws.URL, true
}

// App ...
type App struct {
	CanLaunchWithOneFactor bool `json:"canLaunchWithOneFactor"`
	IsHidden               bool `json:"isHidden"`
	IsQualifiedForBeta     bool `json:"isQualifiedForBeta"`
}

// Apps ...
type Apps map[string]App

// AllowsOneFactor reports whether the app may be launched with credentials alone.
func (a Apps) AllowsOneFactor(service string) bool {
	app, ok := a[strings.ToLower(service)]
	return ok && app.CanLaunchWithOneFactor
}

// RequestInfo ...
type RequestInfo struct {
	Country  string `json:"country"`
	Region   string `json:"region"`
	TimeZone string `json:"timeZone"`
}

// StateResponse is the account state returned by validate and accountLogin.
type StateResponse struct {
	Apps                 Apps        `json:"apps"`
	AppsOrder            []string    `json:"appsOrder"`
	DsInfo               DsInfo      `json:"dsInfo"`
	HsaChallengeRequired bool        `json:"hsaChallengeRequired"`
	HsaTrustedBrowser    bool        `json:"hsaTrustedBrowser"`
	IsExtendedLogin      bool        `json:"isExtendedLogin"`
	IsRepairNeeded       bool        `json:"isRepairNeeded"`
	PcsEnabled           bool        `json:"pcsEnabled"`
	RequestInfo          RequestInfo `json:"requestInfo"`
	TermsUpdateNeeded    bool        `json:"termsUpdateNeeded"`
	Version              int         `json:"version"`
	Webservices          Webservices `json:"webservices"`
}

// ServiceError is an entry of the idmsa service_errors list.
type ServiceError struct {
	Code    Flex   `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// ErrorResponse ...
type ErrorResponse struct {
	ErrorMessage  string         `json:"errorMessage"`
	Reason        string         `json:"reason"`
	ErrorReason   string         `json:"errorReason"`
	Error         Flex           `json:"error"`
	Code          Flex           `json:"errorCode"`
	ServerCode    int            `json:"serverErrorCode"`
	ServiceErrors []ServiceError `json:"service_errors"`
}

// SuccessResponse ...
type SuccessResponse struct {
	Success bool `json:"success"`
}

// Location of a Find My device.
type Location struct {
	Latitude           float64 `json:"latitude"`
	Longitude          float64 `json:"longitude"`
	HorizontalAccuracy float64 `json:"horizontalAccuracy"`
	PositionType       string  `json:"positionType"`
	TimeStamp          int64   `json:"timeStamp"`
	IsOld              bool    `json:"isOld"`
}

// FindMyDevice is a device listed by the Find My iPhone service.
type FindMyDevice struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	DeviceDisplayName string    `json:"deviceDisplayName"`
	DeviceClass       string    `json:"deviceClass"`
	DeviceModel       string    `json:"deviceModel"`
	BatteryLevel      float64   `json:"batteryLevel"`
	BatteryStatus     string    `json:"batteryStatus"`
	Location          *Location `json:"location"`
}

// FindMyResponse ...
type FindMyResponse struct {
	Content []FindMyDevice `json:"content"`
}
