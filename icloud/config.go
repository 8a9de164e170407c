package icloud

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ivandeex/go-icloud-session/icloud/credentials"
	log "github.com/sirupsen/logrus"
)

// API endpoints
const (
	AuthEndpoint  = "https://idmsa.apple.com/appleauth/auth"
	HomeEndpoint  = "https://www.icloud.com"
	SetupEndpoint = "https://setup.icloud.com/setup/ws/1"

	// China mainland variants, see https://support.apple.com/en-us/HT208351
	AuthEndpointCN  = "https://idmsa.apple.com.cn/appleauth/auth"
	HomeEndpointCN  = "https://www.icloud.com.cn"
	SetupEndpointCN = "https://setup.icloud.com.cn/setup/ws/1"

	DefUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/74.0.3729.169 Safari/537.36"

	DefDialTimeout = 30 * time.Second
	DefReadTimeout = 90 * time.Second
)

// Endpoints is the set of base URLs the client talks to.
type Endpoints struct {
	Auth  string
	Home  string
	Setup string
}

// DefaultEndpoints returns the global or the China mainland endpoints.
func DefaultEndpoints(chinaMainland bool) Endpoints {
	if chinaMainland {
		return Endpoints{Auth: AuthEndpointCN, Home: HomeEndpointCN, Setup: SetupEndpointCN}
	}
	return Endpoints{Auth: AuthEndpoint, Home: HomeEndpoint, Setup: SetupEndpoint}
}

// Config holds client construction parameters.
type Config struct {
	// AppleID is the login identifier; it keys every file on disk.
	AppleID string
	// Password is resolved through Credentials when empty.
	Password string
	// Interactive allows prompting for a missing password.
	Interactive bool

	// CookieDir overrides the per-user directory for cookie and session files.
	CookieDir string
	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool
	// ClientID overrides the generated auth-<uuid> client id.
	ClientID string
	// ExcludeFamily leaves family members' devices out of Find My listings.
	ExcludeFamily bool
	// ChinaMainland selects the .com.cn endpoints.
	ChinaMainland bool
	// Endpoints overrides both endpoint sets.
	Endpoints *Endpoints
	UserAgent string

	// TrustData is merged into the session instead of the bundle stored on disk.
	TrustData *credentials.TrustBundle
	// Credentials resolves passwords and keeps trust bundles.
	Credentials *credentials.Store

	Logger      *log.Logger
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

func (cfg *Config) endpoints() Endpoints {
	if cfg.Endpoints != nil {
		return *cfg.Endpoints
	}
	return DefaultEndpoints(cfg.ChinaMainland)
}

// cookieDir returns the configured directory or the per-user default,
// creating it owner-only.
func (cfg *Config) cookieDir() (string, error) {
	if cfg.CookieDir != "" {
		dir := expandHome(filepath.Clean(cfg.CookieDir))
		return dir, os.MkdirAll(dir, 0o700)
	}
	dir := credentials.DefaultBaseDir()
	if err := os.MkdirAll(filepath.Dir(dir), 0o777); err != nil {
		return dir, err
	}
	return dir, os.MkdirAll(dir, 0o700)
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
