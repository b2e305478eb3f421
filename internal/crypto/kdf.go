// Package crypto provides key derivation and authenticated encryption for
// the encrypted page store and for values sent to the sync server.
package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Subkey labels. Each store derives one key per purpose from its master key.
const (
	InfoPage   = "ciphersync-page-v1"
	InfoSync   = "ciphersync-sync-v1"
	InfoVerify = "ciphersync-verify-v1"
)

const (
	// KeySize is the size of every derived key (AES-256).
	KeySize = 32
	// SaltSize is the size of the argon2 salt stored in the store header.
	SaltSize = 16

	keyCheckPlaintext = "ciphersync key check"
	syncSaltLabel     = "ciphersync sync salt v1"
)

var (
	// ErrInvalidParams rejects zero or out-of-range Argon2 parameters.
	ErrInvalidParams = errors.New("invalid key derivation parameters")
	// ErrWrongKey means the passphrase does not open the key check.
	ErrWrongKey = errors.New("wrong key")
)

// Argon2Params are persisted in the store header so a store can be reopened
// with the parameters it was created with.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
}

// SyncArgon2Params are the fixed parameters of the sync key. Every replica
// of a user must derive the same sync key, so they cannot depend on the
// local machine.
func SyncArgon2Params() Argon2Params {
	return Argon2Params{Memory: 64 * 1024, Iterations: 3, Parallelism: 4}
}

// DefaultArgon2Params returns interactive-strength parameters.
func DefaultArgon2Params() Argon2Params {
	parallelism := runtime.NumCPU()
	if parallelism > 4 {
		parallelism = 4
	}
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: uint8(max(parallelism, 1)),
	}
}

// Validate reports whether the parameters can be used.
func (p Argon2Params) Validate() error {
	switch {
	case p.Memory < 8:
		return fmt.Errorf("%w: memory must be >= 8 KiB", ErrInvalidParams)
	case p.Iterations == 0:
		return fmt.Errorf("%w: iterations must be > 0", ErrInvalidParams)
	case p.Parallelism == 0:
		return fmt.Errorf("%w: parallelism must be > 0", ErrInvalidParams)
	}
	return nil
}

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveMasterKey stretches the store passphrase with argon2id.
func DeriveMasterKey(passphrase, salt []byte, params Argon2Params) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrInvalidParams)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("%w: salt must be at least %d bytes", ErrInvalidParams, SaltSize)
	}
	return argon2.IDKey(passphrase, salt, params.Iterations, params.Memory, params.Parallelism, KeySize), nil
}

// DeriveSubkey expands master into a purpose-bound key with HKDF-SHA256.
func DeriveSubkey(master []byte, info string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("%w: master key must not be empty", ErrInvalidParams)
	}
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive subkey %s: %w", info, err)
	}
	return out, nil
}

// KeyCheck returns the MAC stored in the header to recognise the right key.
func KeyCheck(verifyKey []byte) []byte {
	mac := hmac.New(sha256.New, verifyKey)
	mac.Write([]byte(keyCheckPlaintext))
	return mac.Sum(nil)
}

// VerifyKeyCheck compares a stored key check against verifyKey.
func VerifyKeyCheck(verifyKey, stored []byte) error {
	if !hmac.Equal(KeyCheck(verifyKey), stored) {
		return ErrWrongKey
	}
	return nil
}

// Keys bundles the store-local subkeys.
type Keys struct {
	Page   []byte
	Verify []byte
}

// DeriveKeys derives the master key and all subkeys in one go.
func DeriveKeys(passphrase, salt []byte, params Argon2Params) (Keys, error) {
	master, err := DeriveMasterKey(passphrase, salt, params)
	if err != nil {
		return Keys{}, err
	}
	var k Keys
	if k.Page, err = DeriveSubkey(master, InfoPage); err != nil {
		return Keys{}, err
	}
	if k.Verify, err = DeriveSubkey(master, InfoVerify); err != nil {
		return Keys{}, err
	}
	return k, nil
}

// DeriveSyncKey derives the key values are sealed with before they leave
// the replica. It uses a fixed salt so every replica opened with the same
// passphrase can read the others' values.
func DeriveSyncKey(passphrase []byte, params Argon2Params) ([]byte, error) {
	salt := sha256.Sum256([]byte(syncSaltLabel))
	master, err := DeriveMasterKey(passphrase, salt[:SaltSize], params)
	if err != nil {
		return nil, err
	}
	return DeriveSubkey(master, InfoSync)
}
