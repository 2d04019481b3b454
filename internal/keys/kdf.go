package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KDF names the derivation applied to a key version's secret.
type KDF string

const (
	// KDFHKDF expands a random 32-byte secret with HKDF-SHA-256.
	KDFHKDF KDF = "hkdf-sha256"
	// KDFArgon2id stretches an operator passphrase with argon2id.
	KDFArgon2id KDF = "argon2id"
)

// Argon2Params are the argon2id cost parameters. Zero fields fall back to
// DefaultArgon2.
type Argon2Params struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

// DefaultArgon2 follows the RFC 9106 second recommended profile.
var DefaultArgon2 = Argon2Params{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}

const hkdfInfo = "medledger-keyring-v1"

func derive(e Entry, getenv func(string) string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(e.Salt)
	if err != nil {
		return nil, fmt.Errorf("decoding salt: %w", err)
	}
	if len(salt) < 8 {
		return nil, errors.New("salt shorter than 8 bytes")
	}

	switch e.KDF {
	case KDFHKDF:
		secret, err := base64.StdEncoding.DecodeString(e.Secret)
		if err != nil {
			return nil, fmt.Errorf("decoding secret: %w", err)
		}
		defer zero(secret)
		if len(secret) < secretSize {
			return nil, fmt.Errorf("secret is %d bytes, want at least %d", len(secret), secretSize)
		}
		// The version is bound into the info string so two versions can
		// never share a key even if their secrets were copied.
		info := fmt.Sprintf("%s/%d", hkdfInfo, e.Version)
		key := make([]byte, KeySize)
		if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
			return nil, fmt.Errorf("hkdf expand: %w", err)
		}
		return key, nil

	case KDFArgon2id:
		pass := getenv(e.SecretEnv)
		if pass == "" {
			return nil, fmt.Errorf("passphrase variable %s is empty", e.SecretEnv)
		}
		p := DefaultArgon2
		if e.Argon2 != nil {
			if e.Argon2.Time != 0 {
				p.Time = e.Argon2.Time
			}
			if e.Argon2.MemoryKiB != 0 {
				p.MemoryKiB = e.Argon2.MemoryKiB
			}
			if e.Argon2.Threads != 0 {
				p.Threads = e.Argon2.Threads
			}
		}
		return argon2.IDKey([]byte(pass), salt, p.Time, p.MemoryKiB, p.Threads, KeySize), nil

	default:
		return nil, fmt.Errorf("unknown kdf %q", e.KDF)
	}
}
