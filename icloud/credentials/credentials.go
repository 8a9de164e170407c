// Package credentials resolves iCloud passwords from the system keyring
// and keeps the per-account trust token bundle on disk.
package credentials

import (
	"encoding/json"
	"net/url"
	"os"
	"os/user"
	"path/filepath"

	"github.com/AlecAivazis/survey/v2"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/zalando/go-keyring"
)

const (
	// KeyringService is the keyring service name passwords are stored under.
	KeyringService = "go-icloud://icloud-password"
	// PasswordEnv is consulted after the keyring and before prompting.
	PasswordEnv = "ICLOUD_PASSWORD"

	tokenSuffix = ".token"
)

// ErrNotFound is returned when no password is available and prompting is not allowed.
var ErrNotFound = errors.New("no stored icloud password available")

// Prompter asks the user for a secret without echoing it.
type Prompter interface {
	Password(message string) (string, error)
}

// SurveyPrompter prompts on the terminal.
type SurveyPrompter struct{}

// Password implements Prompter.
func (SurveyPrompter) Password(message string) (string, error) {
	var password string
	prompt := &survey.Password{Message: message}
	if err := survey.AskOne(prompt, &password); err != nil {
		return "", err
	}
	return password, nil
}

// TrustBundle is saved after a device was marked trusted and lets later
// logins skip the two-factor challenge.
type TrustBundle struct {
	TrustToken   string `json:"trust_token"`
	SessionToken string `json:"session_token,omitempty"`
	SCnt         string `json:"scnt,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// Store resolves passwords and persists trust bundles.
type Store struct {
	Service  string
	EnvVar   string
	TokenDir string
	Prompt   Prompter
}

// NewStore returns a store keeping trust bundles in tokenDir
// (DefaultTokenDir when empty).
func NewStore(tokenDir string) *Store {
	if tokenDir == "" {
		tokenDir = DefaultTokenDir()
	}
	return &Store{
		Service:  KeyringService,
		EnvVar:   PasswordEnv,
		TokenDir: tokenDir,
		Prompt:   SurveyPrompter{},
	}
}

// DefaultBaseDir is the per-user directory for session, cookie and token files.
func DefaultBaseDir() string {
	name := "default"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = filepath.Base(u.Username)
	}
	return filepath.Join(os.TempDir(), "icloud", name)
}

// DefaultTokenDir is where trust bundles live unless configured otherwise.
func DefaultTokenDir() string {
	return filepath.Join(DefaultBaseDir(), "tokens")
}

// Password looks the password up in the keyring, then in the environment,
// and finally prompts for it when interactive.
func (s *Store) Password(account string, interactive bool) (string, error) {
	if password, err := keyring.Get(s.Service, account); err == nil && password != "" {
		return password, nil
	}
	if s.EnvVar != "" {
		if password := os.Getenv(s.EnvVar); password != "" {
			return password, nil
		}
	}
	if !interactive || s.Prompt == nil {
		return "", errors.Wrapf(ErrNotFound, "no password for %s in the system keyring", account)
	}
	password, err := s.Prompt.Password("Enter iCloud password for " + account + ":")
	if err != nil {
		return "", errors.Wrap(err, "cannot read password")
	}
	return password, nil
}

// PasswordExists reports whether the keyring holds a password for the account.
func (s *Store) PasswordExists(account string) bool {
	_, err := keyring.Get(s.Service, account)
	return err == nil
}

// StorePassword saves the password in the keyring.
func (s *Store) StorePassword(account, password string) error {
	return keyring.Set(s.Service, account, password)
}

// DeletePassword removes the password from the keyring.
func (s *Store) DeletePassword(account string) error {
	return keyring.Delete(s.Service, account)
}

// tokenPath escapes path separators so every account stays in TokenDir.
func (s *Store) tokenPath(account string) string {
	return filepath.Join(s.TokenDir, url.PathEscape(account)+tokenSuffix)
}

// LoadTrust returns the stored bundle, or nil when it is missing or unreadable.
func (s *Store) LoadTrust(account string) *TrustBundle {
	data, err := os.ReadFile(s.tokenPath(account))
	if err != nil {
		return nil
	}
	var b TrustBundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil
	}
	return &b
}

// SaveTrust writes the bundle, creating the token directory owner-only.
func (s *Store) SaveTrust(account string, b *TrustBundle) error {
	if err := os.MkdirAll(s.TokenDir, 0o700); err != nil {
		return errors.Wrapf(err, "cannot create token directory %s", s.TokenDir)
	}
	path := s.tokenPath(account)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return errors.Wrapf(err, "cannot lock %s", path)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// DeleteTrust removes the bundle; a missing file is not an error.
func (s *Store) DeleteTrust(account string) error {
	err := os.Remove(s.tokenPath(account))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
