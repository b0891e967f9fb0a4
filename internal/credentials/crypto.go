package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
	nonceLen     = 12
)

var errShortCiphertext = errors.New("ciphertext too short")

func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// fingerprint is stored next to the salt so a wrong passphrase is reported
// before any decryption is attempted. It uses a different salt than the
// encryption key.
func fingerprint(passphrase string, salt []byte) string {
	return base64.StdEncoding.EncodeToString(deriveKey(passphrase, append([]byte("verify:"), salt...)))
}

func matches(passphrase string, salt []byte, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(fingerprint(passphrase, salt)), []byte(stored)) == 1
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// seal returns nonce || ciphertext.
func seal(plaintext, key []byte) ([]byte, error) {
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(sealed, key []byte) ([]byte, error) {
	if len(sealed) < nonceLen {
		return nil, errShortCiphertext
	}
	gcm, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, sealed[:nonceLen], sealed[nonceLen:], nil)
}
