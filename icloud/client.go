package icloud

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/ivandeex/go-icloud-session/icloud/api"
	"github.com/ivandeex/go-icloud-session/icloud/credentials"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Query parameters the web client sends along with capability requests.
const (
	ClientBuildNumber     = "2021Project52"
	ClientMasteringNumber = "2021B29"
)

// Client is iCloud API client
type Client struct {
	session   *Session
	log       *log.Entry
	endpoints Endpoints

	accountName string
	password    string
	clientID    string
	withFamily  bool
	creds       *credentials.Store

	// authMu serializes authentication flows.
	authMu sync.Mutex

	mu     sync.RWMutex
	data   *api.StateResponse
	params url.Values

	servicesMu sync.Mutex
	services   map[string]*ServiceClient
}

// New returns an authenticated API client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(ctx, false, ""); err != nil {
		return nil, err
	}
	return c, nil
}

// NewClient prepares a client from stored session state without contacting Apple.
func NewClient(cfg Config) (*Client, error) {
	if cfg.AppleID == "" {
		return nil, errors.New("apple id is required")
	}
	creds := cfg.Credentials
	if creds == nil {
		creds = credentials.NewStore("")
	}
	password := cfg.Password
	if password == "" {
		var err error
		if password, err = creds.Password(cfg.AppleID, cfg.Interactive); err != nil {
			return nil, err
		}
	}

	logger := log.NewEntry(newLogger(cfg.Logger, password))
	endpoints := cfg.endpoints()

	dir, err := cfg.cookieDir()
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create cookie directory %s", dir)
	}
	name := sanitizeAccount(cfg.AppleID)
	cookiePath := filepath.Join(dir, name)
	statePath := cookiePath + ".session"
	logger.Debugf("Using session file %s", statePath)

	var state sessionData
	if err := state.load(statePath); err != nil {
		logger.Infof("Session file %s not loaded: %v", statePath, err)
		state = sessionData{}
	}

	trust := cfg.TrustData
	if trust == nil {
		trust = creds.LoadTrust(cfg.AppleID)
	}
	if trust != nil {
		logger.Debugf("Using stored trust data")
		state.applyTrust(trust)
	}

	switch {
	case state.ClientID != "":
	case cfg.ClientID != "":
		state.ClientID = cfg.ClientID
	default:
		state.ClientID = "auth-" + strings.ToLower(uuid.NewString())
	}

	jar, err := loadCookieJar(cookiePath, logger)
	if err != nil {
		return nil, err
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefUserAgent
	}

	c := &Client{
		log:         logger,
		endpoints:   endpoints,
		accountName: cfg.AppleID,
		password:    password,
		clientID:    state.ClientID,
		withFamily:  !cfg.ExcludeFamily,
		creds:       creds,
		data:        &api.StateResponse{},
		params: url.Values{
			"clientBuildNumber":     {ClientBuildNumber},
			"clientMasteringNumber": {ClientMasteringNumber},
			"clientId":              {state.ClientID},
		},
		services: map[string]*ServiceClient{},
	}
	c.session = newSession(sessionConfig{
		state:       state,
		statePath:   statePath,
		jar:         jar,
		log:         logger,
		home:        endpoints.Home,
		userAgent:   userAgent,
		insecure:    cfg.InsecureSkipVerify,
		dialTimeout: cfg.DialTimeout,
		readTimeout: cfg.ReadTimeout,
	})
	c.session.auth = c
	return c, nil
}

// AccountName returns the Apple ID the client logs in as.
func (c *Client) AccountName() string { return c.accountName }

// ClientID returns the persistent client id.
func (c *Client) ClientID() string { return c.clientID }

// Session returns the request wrapper shared by all capability clients.
func (c *Client) Session() *Session { return c.session }

// Data returns the last account state received from Apple.
func (c *Client) Data() *api.StateResponse {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data
}

func (c *Client) setData(data *api.StateResponse) {
	if data == nil {
		data = &api.StateResponse{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = data
	if dsid := data.DsInfo.Dsid; dsid != "" {
		c.params.Set("dsid", dsid)
	}
}

// Params returns a copy of the query parameters shared by capability requests.
func (c *Client) Params() url.Values {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p := make(url.Values, len(c.params))
	for k, v := range c.params {
		p[k] = append([]string(nil), v...)
	}
	return p
}

// Requires2FA returns true if 2-factor authentication is required.
func (c *Client) Requires2FA() bool {
	d := c.Data()
	return d.DsInfo.HsaVersion == 2 && (d.HsaChallengeRequired || !d.HsaTrustedBrowser)
}

// Requires2SA returns true if 2-step authentication is required.
func (c *Client) Requires2SA() bool {
	d := c.Data()
	return d.DsInfo.HsaVersion >= 1 && (d.HsaChallengeRequired || !d.HsaTrustedBrowser)
}

// IsTrustedSession returns true if current session is trusted.
func (c *Client) IsTrustedSession() bool {
	return c.Data().HsaTrustedBrowser
}
