package icloud

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	netscapeCookieJar "github.com/vanym/golang-netscape-cookiejar"
)

// cookieJar is a Netscape-format jar saved to path after every exchange.
type cookieJar struct {
	mu   sync.Mutex
	path string
	jar  *netscapeCookieJar.Jar
	log  *log.Entry
}

func newNetscapeJar() (*netscapeCookieJar.Jar, error) {
	baseJar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create basic cookie jar")
	}
	opt := netscapeCookieJar.Options{
		SubJar:      baseJar,
		WriteHeader: true,
	}
	jar, err := netscapeCookieJar.New(&opt)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot create netscape cookie jar")
	}
	return jar, nil
}

// loadCookieJar reads cookies saved by a previous run. A missing or
// unreadable file starts an empty jar.
func loadCookieJar(path string, logger *log.Entry) (*cookieJar, error) {
	jar, err := newNetscapeJar()
	if err != nil {
		return nil, err
	}
	c := &cookieJar{path: path, jar: jar, log: logger}

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warnf("Cannot open cookie file %s: %v", path, err)
		} else {
			logger.Debugf("Cookie file not found: %s", path)
		}
		return c, nil
	}
	_, err = jar.ReadFrom(file)
	_ = file.Close()
	if err != nil {
		logger.Warnf("Ignoring malformed cookie file %s: %v", path, err)
		if c.jar, err = newNetscapeJar(); err != nil {
			return nil, err
		}
		return c, nil
	}
	logger.Debugf("Loaded cookies from %s", path)
	return c, nil
}

// SetCookies implements http.CookieJar.
// Host-only cookies get the request host as domain, or the file would
// keep them with an empty domain that cannot be loaded back.
func (c *cookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	c.mu.Lock()
	defer c.mu.Unlock()
	host := u.Hostname()
	fixed := make([]*http.Cookie, len(cookies))
	for i, cookie := range cookies {
		if cookie.Domain == "" && host != "" {
			cp := *cookie
			cp.Domain = host
			cookie = &cp
		}
		fixed[i] = cookie
	}
	c.jar.SetCookies(u, fixed)
}

// save writes the jar to its file under a lock, creating the directory
// if something removed it.
func (c *cookieJar) save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return errors.Wrapf(err, "cannot create cookie directory for %s", c.path)
	}
	lock := flock.New(c.path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "cannot lock cookie file %s", c.path)
	}
	defer func() { _ = lock.Unlock() }()

	file, err := os.OpenFile(c.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "cannot save cookies to %s", c.path)
	}
	if _, err := c.jar.WriteTo(file); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "cannot save cookies to %s", c.path)
	}
	return errors.Wrapf(file.Close(), "cannot save cookies to %s", c.path)
}

// Cookies implements http.CookieJar.
func (c *cookieJar) Cookies(u *url.URL) []*http.Cookie {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jar.Cookies(u)
}

// clear drops every cookie in memory and on disk.
func (c *cookieJar) clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "cannot remove cookie file %s", c.path)
	}
	jar, err := newNetscapeJar()
	if err != nil {
		return err
	}
	c.jar = jar
	return nil
}
