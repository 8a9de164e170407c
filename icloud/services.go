package icloud

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Capability keys of the webservices map.
const (
	ServiceAccount   = "account"
	ServiceFindMe    = "findme"
	ServiceReminders = "reminders"
	ServiceNotes     = "notes"
	ServiceCalendar  = "calendar"
	ServiceContacts  = "contacts"
	ServiceFiles     = "ubiquity"
	ServicePhotos    = "ckdatabasews"
	ServiceDrive     = "drivews"
)

// appNames maps capability keys to the app names used by service-scoped login.
var appNames = map[string]string{
	ServiceFindMe: "find",
}

// ServiceClient is a capability endpoint sharing the client's session.
type ServiceClient struct {
	// Key is the webservices capability key.
	Key string
	// Root is the capability base URL.
	Root string

	session *Session
	params  func() url.Values
	app     string
}

// WebserviceURL returns the base URL registered for a capability.
func (c *Client) WebserviceURL(key string) (string, error) {
	c.log.Debugf("Getting webservice URL for %s", key)
	u, ok := c.Data().Webservices.URL(key)
	if !ok {
		return "", &ServiceNotActivatedError{Service: key, Reason: "Webservice not available"}
	}
	return u, nil
}

// Service returns the client of a capability, creating it on first use.
func (c *Client) Service(key string) (*ServiceClient, error) {
	root, err := c.WebserviceURL(key)
	if err != nil {
		return nil, err
	}
	c.servicesMu.Lock()
	defer c.servicesMu.Unlock()
	if svc, ok := c.services[key]; ok && svc.Root == root {
		return svc, nil
	}
	app := appNames[key]
	if app == "" {
		app = key
	}
	svc := &ServiceClient{
		Key:     key,
		Root:    strings.TrimRight(root, "/"),
		session: c.session,
		params:  c.Params,
		app:     app,
	}
	c.services[key] = svc
	return svc, nil
}

// Account returns the account settings service.
func (c *Client) Account() (*ServiceClient, error) { return c.Service(ServiceAccount) }

// Reminders returns the reminders service.
func (c *Client) Reminders() (*ServiceClient, error) { return c.Service(ServiceReminders) }

// Notes returns the notes service.
func (c *Client) Notes() (*ServiceClient, error) { return c.Service(ServiceNotes) }

// Calendar returns the calendar service.
func (c *Client) Calendar() (*ServiceClient, error) { return c.Service(ServiceCalendar) }

// Contacts returns the contacts service.
func (c *Client) Contacts() (*ServiceClient, error) { return c.Service(ServiceContacts) }

// Files returns the ubiquity service.
func (c *Client) Files() (*ServiceClient, error) { return c.Service(ServiceFiles) }

// Photos returns the CloudKit database service used by photos.
func (c *Client) Photos() (*ServiceClient, error) { return c.Service(ServicePhotos) }

// Drive returns the iCloud Drive service.
func (c *Client) Drive() (*ServiceClient, error) { return c.Service(ServiceDrive) }

// Get requests path under the service root and decodes the JSON reply into out.
func (s *ServiceClient) Get(ctx context.Context, path string, query url.Values, out interface{}) error {
	return s.Do(ctx, http.MethodGet, path, query, nil, out)
}

// Post sends body to path under the service root and decodes the JSON reply into out.
func (s *ServiceClient) Post(ctx context.Context, path string, query url.Values, body, out interface{}) error {
	return s.Do(ctx, http.MethodPost, path, query, body, out)
}

// Do sends a request with the shared query parameters merged in.
func (s *ServiceClient) Do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	params := s.params()
	for k, vs := range query {
		params[k] = vs
	}
	_, err := s.session.call(ctx, &Request{
		Method:  method,
		URL:     s.Root + path,
		Params:  params,
		Body:    body,
		Service: s.app,
	}, out)
	return err
}
