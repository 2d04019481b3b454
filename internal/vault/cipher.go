// Package vault encrypts and decrypts uploaded documents at rest.
//
// File format:
//
//	[key version: uint16 BE][iv: 16 bytes][chunk 0]...[chunk n]
//
// The plaintext is cut into ChunkSize pieces, each sealed with AES-256-GCM
// and stored as ciphertext followed by its 16-byte tag. The GCM key for a
// file is HKDF-SHA-256(versioned key, salt = iv), and chunk nonces follow
// the STREAM construction (big-endian chunk counter plus a final-chunk
// flag), so reordered, dropped or appended chunks fail authentication just
// like modified bytes do. The 18-byte header is authenticated data for every
// chunk. An empty plaintext is a single, empty, final chunk.
//
// Memory use per operation is one chunk buffer regardless of input size.
package vault

import (
	"bufio"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/hkdf"

	"github.com/medledger/medledger/internal/keys"
)

const (
	// ChunkSize is the plaintext size of every chunk except the last. It is
	// part of the file format and cannot change without a format bump.
	ChunkSize = 64 * 1024

	// IVSize is the length of the random per-file IV.
	IVSize = 16

	// HeaderSize is the encoded header length.
	HeaderSize = 2 + IVSize

	tagSize    = 16
	subkeyInfo = "medledger-vault-v1"
)

var (
	// ErrDecryptionIntegrity is returned when a chunk fails authentication:
	// the file was modified or truncated, or the key is wrong. No plaintext
	// from the failing chunk is ever written.
	ErrDecryptionIntegrity = errors.New("decryption integrity failure: tampered ciphertext or wrong key")

	// ErrMalformedHeader is returned alongside ErrDecryptionIntegrity when the
	// input is too short to hold a header.
	ErrMalformedHeader = errors.New("malformed encrypted file header")
)

// Header is the plaintext prefix of every encrypted file.
type Header struct {
	KeyVersion keys.Version
	IV         [IVSize]byte
}

// Bytes encodes the header in its on-disk form.
func (h Header) Bytes() []byte {
	b := make([]byte, HeaderSize)
	binary.BigEndian.PutUint16(b[:2], uint16(h.KeyVersion))
	copy(b[2:], h.IV[:])
	return b
}

// Cipher is the stream cipher used by upload and download handlers.
// It holds no per-operation state and is safe for concurrent use.
type Cipher struct {
	keys keys.Provider
	rand io.Reader
}

// New returns a Cipher resolving keys through p.
func New(p keys.Provider) *Cipher {
	return &Cipher{keys: p, rand: rand.Reader}
}

// Encrypt reads src to EOF and writes the encrypted form to dst under the
// provider's current key. It fails with keys.ErrKeyMissing before writing
// anything when no key is active.
//
// On error dst holds a partial, undecryptable stream; EncryptFile and
// EncryptToFile take care of discarding it.
func (c *Cipher) Encrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	version, key, err := c.keys.CurrentKey()
	if err != nil {
		return fmt.Errorf("resolving encryption key: %w", err)
	}
	defer zero(key)

	h := Header{KeyVersion: version}
	if _, err := io.ReadFull(c.rand, h.IV[:]); err != nil {
		return fmt.Errorf("generating iv: %w", err)
	}
	hdr := h.Bytes()

	aead, err := fileAEAD(key, h.IV[:])
	if err != nil {
		return err
	}

	if _, err := dst.Write(hdr); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	in := bufio.NewReaderSize(src, ChunkSize)
	buf := make([]byte, ChunkSize, ChunkSize+tagSize)
	var nonce [12]byte

	for counter := uint64(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, final, err := readChunk(in, buf[:ChunkSize])
		if err != nil {
			return fmt.Errorf("reading plaintext: %w", err)
		}
		if counter == math.MaxUint64 && !final {
			return errors.New("plaintext exceeds maximum chunk count")
		}

		chunkNonce(&nonce, counter, final)
		sealed := aead.Seal(buf[:0], nonce[:], buf[:n], hdr)
		if _, err := dst.Write(sealed); err != nil {
			return fmt.Errorf("writing chunk %d: %w", counter, err)
		}
		if final {
			return nil
		}
	}
}

// Decrypt reads an encrypted stream from src and writes the plaintext to
// dst. Each chunk is authenticated before any of its bytes reach dst.
//
// Authentication failures wrap ErrDecryptionIntegrity; an unknown key
// version wraps keys.ErrKeyNotFound. Plaintext from chunks before a failing
// one has already been written, so callers streaming to a client must treat
// any error as fatal for the whole response; DecryptFile discards it.
func (c *Cipher) Decrypt(ctx context.Context, dst io.Writer, src io.Reader) error {
	in := bufio.NewReaderSize(src, ChunkSize+tagSize)

	h, err := readHeader(in)
	if err != nil {
		return err
	}
	hdr := h.Bytes()

	key, err := c.keys.KeyForVersion(h.KeyVersion)
	if err != nil {
		return fmt.Errorf("resolving decryption key: %w", err)
	}
	defer zero(key)

	aead, err := fileAEAD(key, h.IV[:])
	if err != nil {
		return err
	}

	buf := make([]byte, ChunkSize+tagSize)
	var nonce [12]byte

	for counter := uint64(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, final, err := readChunk(in, buf)
		if err != nil {
			return fmt.Errorf("reading ciphertext: %w", err)
		}
		if n < tagSize {
			// Either the stream ended after a non-final chunk or a chunk
			// lost its tag; both are truncation.
			return fmt.Errorf("%w: truncated at chunk %d", ErrDecryptionIntegrity, counter)
		}

		chunkNonce(&nonce, counter, final)
		plain, err := aead.Open(buf[:0], nonce[:], buf[:n], hdr)
		if err != nil {
			return fmt.Errorf("%w: chunk %d", ErrDecryptionIntegrity, counter)
		}
		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("writing plaintext: %w", err)
		}
		if final {
			return nil
		}
	}
}

// Inspect reads only the header of an encrypted stream.
func Inspect(r io.Reader) (Header, error) {
	return readHeader(r)
}

func readHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, fmt.Errorf("%w: %w", ErrDecryptionIntegrity, ErrMalformedHeader)
		}
		return Header{}, fmt.Errorf("reading header: %w", err)
	}

	var h Header
	h.KeyVersion = keys.Version(binary.BigEndian.Uint16(b[:2]))
	copy(h.IV[:], b[2:])
	if h.KeyVersion == 0 {
		return Header{}, fmt.Errorf("%w: %w: key version 0", ErrDecryptionIntegrity, ErrMalformedHeader)
	}
	return h, nil
}

// readChunk fills buf as far as the input allows and reports whether this
// is the last chunk. A full buffer is final only when nothing follows it.
func readChunk(in *bufio.Reader, buf []byte) (int, bool, error) {
	n, err := io.ReadFull(in, buf)
	switch {
	case err == io.EOF || err == io.ErrUnexpectedEOF:
		return n, true, nil
	case err != nil:
		return n, false, err
	}

	if _, err := in.Peek(1); err != nil {
		if err == io.EOF {
			return n, true, nil
		}
		return n, false, err
	}
	return n, false, nil
}

// fileAEAD derives the per-file GCM instance from the versioned key and the
// file's IV.
func fileAEAD(key, iv []byte) (cipher.AEAD, error) {
	subkey := make([]byte, keys.KeySize)
	defer zero(subkey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, iv, []byte(subkeyInfo)), subkey); err != nil {
		return nil, fmt.Errorf("deriving file key: %w", err)
	}

	block, err := aes.NewCipher(subkey)
	if err != nil {
		return nil, fmt.Errorf("creating block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return aead, nil
}

// chunkNonce lays out the 96-bit nonce as 11 bytes of big-endian counter
// followed by the final-chunk flag.
func chunkNonce(nonce *[12]byte, counter uint64, final bool) {
	*nonce = [12]byte{}
	binary.BigEndian.PutUint64(nonce[3:11], counter)
	if final {
		nonce[11] = 1
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
