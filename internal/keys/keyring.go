// Package keys resolves the versioned AES-256 keys used to protect stored
// documents.
//
// Keys are never stored directly. Each version in keyring.yaml records a
// high-entropy secret (or the name of an environment variable holding an
// operator passphrase), a salt, and the KDF used to turn them into a 32-byte
// key. Every encrypted file carries the version it was written under, so a
// rotation only changes which version new files use; retired versions stay
// resolvable for decryption.
package keys

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/medledger/medledger/internal/fsutil"
)

// KeySize is the length of every derived key (AES-256).
const KeySize = 32

const (
	secretSize = 32
	saltSize   = 16
)

var (
	// ErrKeyMissing means no version is active, so nothing can be encrypted.
	// Callers must fail closed rather than store plaintext.
	ErrKeyMissing = errors.New("no active encryption key")

	// ErrKeyNotFound means a file references a key version the keyring does
	// not hold.
	ErrKeyNotFound = errors.New("encryption key version not found")
)

// Version identifies a key in the keyring. It is written into the header of
// every encrypted file as a big-endian uint16. Zero is never a valid version.
type Version uint16

// Provider is the lookup surface the stream cipher needs.
type Provider interface {
	// CurrentKey returns the version new files must be encrypted under.
	CurrentKey() (Version, []byte, error)
	// KeyForVersion returns the key for a version recorded in a file header.
	KeyForVersion(v Version) ([]byte, error)
}

// Entry is one key version as persisted in keyring.yaml.
type Entry struct {
	Version   Version       `yaml:"version"`
	KDF       KDF           `yaml:"kdf"`
	Salt      string        `yaml:"salt"`
	Secret    string        `yaml:"secret,omitempty"`
	SecretEnv string        `yaml:"secret_env,omitempty"`
	Argon2    *Argon2Params `yaml:"argon2,omitempty"`
	CreatedAt time.Time     `yaml:"created_at"`
	Retired   bool          `yaml:"retired,omitempty"`
}

// Info is the secret-free view of a key version.
type Info struct {
	Version   Version   `json:"version"`
	KDF       KDF       `json:"kdf"`
	CreatedAt time.Time `json:"created_at"`
	Retired   bool      `json:"retired"`
	Current   bool      `json:"current"`
}

// RotateOptions selects how the new version's key material is sourced.
type RotateOptions struct {
	// PassphraseEnv, when set, derives the key with argon2id from the
	// passphrase held in this environment variable instead of generating a
	// random secret.
	PassphraseEnv string
	Argon2        *Argon2Params
}

type keyringFile struct {
	Current Version `yaml:"current"`
	Keys    []Entry `yaml:"keys"`
}

// Keyring is a file-backed Provider.
//
// Thread-safe. Lookups happen on every upload and download while Rotate,
// Retire and Reload replace the state.
type Keyring struct {
	mu      sync.RWMutex
	path    string
	current Version
	entries map[Version]Entry
	derived map[Version][]byte
	getenv  func(string) string
	rand    io.Reader
}

// Open loads the keyring at path. A missing file yields an empty keyring on
// which CurrentKey reports ErrKeyMissing until Rotate is called.
func Open(path string) (*Keyring, error) {
	k := &Keyring{
		path:   path,
		getenv: os.Getenv,
		rand:   rand.Reader,
	}
	if err := k.loadFromFile(); err != nil {
		return nil, err
	}
	return k, nil
}

// Path returns the keyring file location.
func (k *Keyring) Path() string {
	return k.path
}

// CurrentKey implements Provider.
func (k *Keyring) CurrentKey() (Version, []byte, error) {
	k.mu.RLock()
	v := k.current
	k.mu.RUnlock()

	if v == 0 {
		return 0, nil, ErrKeyMissing
	}
	key, err := k.KeyForVersion(v)
	if err != nil {
		return 0, nil, err
	}
	return v, key, nil
}

// KeyForVersion implements Provider. The returned slice is a copy the
// caller may zero.
func (k *Keyring) KeyForVersion(v Version) ([]byte, error) {
	k.mu.RLock()
	key, ok := k.derived[v]
	entry, known := k.entries[v]
	k.mu.RUnlock()

	if ok {
		return clone(key), nil
	}
	if !known {
		return nil, fmt.Errorf("%w: version %d", ErrKeyNotFound, v)
	}

	key, err := derive(entry, k.getenv)
	if err != nil {
		return nil, fmt.Errorf("deriving key version %d: %w", v, err)
	}

	k.mu.Lock()
	// A concurrent Reload may have dropped the version; only cache what is
	// still present.
	if cur, still := k.entries[v]; still && cur.Salt == entry.Salt {
		k.derived[v] = key
	}
	k.mu.Unlock()
	return clone(key), nil
}

// Rotate adds a new version, makes it current and persists the keyring.
func (k *Keyring) Rotate(opts RotateOptions) (Version, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var next Version = 1
	for v := range k.entries {
		if v >= next {
			if v == math.MaxUint16 {
				return 0, fmt.Errorf("keyring %s: version space exhausted", k.path)
			}
			next = v + 1
		}
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(k.rand, salt); err != nil {
		return 0, fmt.Errorf("generating salt: %w", err)
	}

	entry := Entry{
		Version:   next,
		Salt:      base64.StdEncoding.EncodeToString(salt),
		CreatedAt: time.Now().UTC(),
	}
	if opts.PassphraseEnv != "" {
		if k.getenv(opts.PassphraseEnv) == "" {
			return 0, fmt.Errorf("passphrase variable %s is empty", opts.PassphraseEnv)
		}
		entry.KDF = KDFArgon2id
		entry.SecretEnv = opts.PassphraseEnv
		entry.Argon2 = opts.Argon2
	} else {
		secret := make([]byte, secretSize)
		if _, err := io.ReadFull(k.rand, secret); err != nil {
			return 0, fmt.Errorf("generating secret: %w", err)
		}
		entry.KDF = KDFHKDF
		entry.Secret = base64.StdEncoding.EncodeToString(secret)
		zero(secret)
	}

	// Derive before persisting so a broken entry never becomes current.
	key, err := derive(entry, k.getenv)
	if err != nil {
		return 0, fmt.Errorf("deriving key version %d: %w", next, err)
	}

	prevCurrent := k.current
	k.entries[next] = entry
	k.current = next
	if err := k.saveToFile(); err != nil {
		delete(k.entries, next)
		k.current = prevCurrent
		zero(key)
		return 0, err
	}
	k.derived[next] = key

	slog.Info("encryption key rotated", "version", next, "kdf", entry.KDF, "previous", prevCurrent)
	return next, nil
}

// Retire stops v from being used for new files. It stays available for
// decryption. If v was current, the newest remaining active version takes
// over; if none remains, CurrentKey reports ErrKeyMissing.
func (k *Keyring) Retire(v Version) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	entry, ok := k.entries[v]
	if !ok {
		return fmt.Errorf("%w: version %d", ErrKeyNotFound, v)
	}
	if entry.Retired {
		return nil
	}
	entry.Retired = true
	k.entries[v] = entry

	prevCurrent := k.current
	if k.current == v {
		k.current = k.newestActiveLocked()
	}
	if err := k.saveToFile(); err != nil {
		entry.Retired = false
		k.entries[v] = entry
		k.current = prevCurrent
		return err
	}

	slog.Warn("encryption key retired", "version", v, "current", k.current)
	return nil
}

// List returns every version without key material, ordered by version.
func (k *Keyring) List() []Info {
	k.mu.RLock()
	defer k.mu.RUnlock()

	out := make([]Info, 0, len(k.entries))
	for _, e := range k.entries {
		out = append(out, Info{
			Version:   e.Version,
			KDF:       e.KDF,
			CreatedAt: e.CreatedAt,
			Retired:   e.Retired,
			Current:   e.Version == k.current,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// Reload re-reads keyring.yaml. Called by the config watcher when another
// process (usually `medledger keys rotate`) rewrites the file.
func (k *Keyring) Reload() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.loadFromFile(); err != nil {
		return err
	}
	slog.Info("keyring reloaded", "versions", len(k.entries), "current", k.current)
	return nil
}

// loadFromFile replaces the in-memory state with the file contents.
// NOT thread-safe — caller must hold the mutex (or own k exclusively).
func (k *Keyring) loadFromFile() error {
	entries := make(map[Version]Entry)
	var current Version

	data, err := os.ReadFile(k.path)
	switch {
	case err == nil && len(data) > 0:
		var f keyringFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("parsing keyring %s: %w", k.path, err)
		}
		for _, e := range f.Keys {
			if err := validateEntry(e); err != nil {
				return fmt.Errorf("keyring %s: %w", k.path, err)
			}
			if _, dup := entries[e.Version]; dup {
				return fmt.Errorf("keyring %s: duplicate version %d", k.path, e.Version)
			}
			entries[e.Version] = e
		}
		if f.Current != 0 {
			e, ok := entries[f.Current]
			if !ok {
				return fmt.Errorf("keyring %s: current version %d not present", k.path, f.Current)
			}
			if e.Retired {
				return fmt.Errorf("keyring %s: current version %d is retired", k.path, f.Current)
			}
		}
		current = f.Current
	case err == nil:
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("reading keyring %s: %w", k.path, err)
	}

	// Keep derived keys whose entry did not change; drop the rest.
	derived := make(map[Version][]byte)
	for v, key := range k.derived {
		if old, ok := k.entries[v]; ok {
			if e, still := entries[v]; still && e.Salt == old.Salt && e.Secret == old.Secret && e.SecretEnv == old.SecretEnv {
				derived[v] = key
				continue
			}
		}
		zero(key)
	}

	k.entries = entries
	k.current = current
	k.derived = derived
	return nil
}

// saveToFile writes keyring.yaml atomically with owner-only permissions.
// NOT thread-safe — caller must hold the mutex.
func (k *Keyring) saveToFile() error {
	f := keyringFile{Current: k.current}
	for _, e := range k.entries {
		f.Keys = append(f.Keys, e)
	}
	sort.Slice(f.Keys, func(i, j int) bool { return f.Keys[i].Version < f.Keys[j].Version })

	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling keyring: %w", err)
	}
	if err := fsutil.WriteFileAtomic(k.path, data, 0o600); err != nil {
		return fmt.Errorf("writing keyring %s: %w", k.path, err)
	}
	return nil
}

func (k *Keyring) newestActiveLocked() Version {
	var best Version
	for v, e := range k.entries {
		if !e.Retired && v > best {
			best = v
		}
	}
	return best
}

func validateEntry(e Entry) error {
	if e.Version == 0 {
		return errors.New("key version 0 is reserved")
	}
	switch e.KDF {
	case KDFHKDF:
		if e.Secret == "" {
			return fmt.Errorf("version %d: %s requires a secret", e.Version, e.KDF)
		}
	case KDFArgon2id:
		if e.SecretEnv == "" {
			return fmt.Errorf("version %d: %s requires secret_env", e.Version, e.KDF)
		}
	default:
		return fmt.Errorf("version %d: unknown kdf %q", e.Version, e.KDF)
	}
	if _, err := base64.StdEncoding.DecodeString(e.Salt); err != nil {
		return fmt.Errorf("version %d: invalid salt: %w", e.Version, err)
	}
	return nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// zero overwrites key material before it is released.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
