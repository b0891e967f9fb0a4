// Package credentials keeps the SSO username and password in the state
// database, encrypted with a key derived from the configured passphrase.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/asar-dev/asar-loader/internal/history"
)

var (
	ErrNotConfigured     = errors.New("passphrase not configured")
	ErrInvalidPassphrase = errors.New("invalid passphrase")
	ErrNoCredentials     = errors.New("no stored credentials")
)

// Credentials are the SSO account details.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type Vault struct {
	db  *history.DB
	key []byte
}

// Open derives the vault key from passphrase. The salt and passphrase
// fingerprint are created on first use; afterwards a different passphrase
// is rejected with ErrInvalidPassphrase.
func Open(db *history.DB, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, ErrNotConfigured
	}

	salt, err := loadSalt(db)
	if errors.Is(err, history.ErrNotFound) {
		return create(db, passphrase)
	}
	if err != nil {
		return nil, err
	}

	stored, err := db.GetSetting(history.SettingPassphraseHash)
	if err != nil {
		return nil, fmt.Errorf("read passphrase fingerprint: %w", err)
	}
	if !matches(passphrase, salt, stored) {
		return nil, ErrInvalidPassphrase
	}
	return &Vault{db: db, key: deriveKey(passphrase, salt)}, nil
}

func create(db *history.DB, passphrase string) (*Vault, error) {
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	if err := db.SetSetting(history.SettingEncryptionSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, err
	}
	if err := db.SetSetting(history.SettingPassphraseHash, fingerprint(passphrase, salt)); err != nil {
		return nil, err
	}
	return &Vault{db: db, key: deriveKey(passphrase, salt)}, nil
}

func loadSalt(db *history.DB) ([]byte, error) {
	encoded, err := db.GetSetting(history.SettingEncryptionSalt)
	if err != nil {
		return nil, err
	}
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	return salt, nil
}

// Save replaces the stored credentials.
func (v *Vault) Save(c Credentials) error {
	if c.Username == "" || c.Password == "" {
		return errors.New("username and password are required")
	}
	plaintext, err := json.Marshal(c)
	if err != nil {
		return err
	}
	sealed, err := seal(plaintext, v.key)
	if err != nil {
		return err
	}
	return v.db.SetSetting(history.SettingCredentials, base64.StdEncoding.EncodeToString(sealed))
}

func (v *Vault) Load() (Credentials, error) {
	var c Credentials
	encoded, err := v.db.GetSetting(history.SettingCredentials)
	if errors.Is(err, history.ErrNotFound) {
		return c, ErrNoCredentials
	}
	if err != nil {
		return c, err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return c, fmt.Errorf("decode credentials: %w", err)
	}
	plaintext, err := open(sealed, v.key)
	if err != nil {
		return c, fmt.Errorf("decrypt credentials: %w", err)
	}
	if err := json.Unmarshal(plaintext, &c); err != nil {
		return c, fmt.Errorf("parse credentials: %w", err)
	}
	return c, nil
}

func (v *Vault) Has() bool {
	return v.db.HasSetting(history.SettingCredentials)
}

// Clear removes the stored credentials. The salt is kept.
func (v *Vault) Clear() error {
	return v.db.DeleteSetting(history.SettingCredentials)
}
