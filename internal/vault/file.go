package vault

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/medledger/medledger/internal/fsutil"
)

// filePerm is applied to every file the vault writes, encrypted or not.
const filePerm = 0o600

// EncryptFile encrypts inPath into outPath. outPath only appears once the
// whole input has been encrypted and synced; on any failure, including
// cancellation of ctx, nothing is left behind.
func (c *Cipher) EncryptFile(ctx context.Context, inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", inPath, err)
	}
	defer in.Close()

	return c.EncryptToFile(ctx, outPath, in)
}

// EncryptToFile encrypts src into outPath with the same all-or-nothing
// guarantee as EncryptFile. Upload handlers pass the request body here, so a
// client that disconnects mid-upload produces a read error and no file.
func (c *Cipher) EncryptToFile(ctx context.Context, outPath string, src io.Reader) error {
	return writeAll(ctx, outPath, (*fsutil.Pending).Commit, func(w io.Writer) error {
		return c.Encrypt(ctx, w, src)
	})
}

// EncryptToNewFile is EncryptToFile for immutable outputs: if outPath exists
// when the encrypted file is committed, the new output is discarded and the
// error wraps fsutil.ErrExists.
func (c *Cipher) EncryptToNewFile(ctx context.Context, outPath string, src io.Reader) error {
	return writeAll(ctx, outPath, (*fsutil.Pending).CommitNew, func(w io.Writer) error {
		return c.Encrypt(ctx, w, src)
	})
}

// DecryptFile decrypts inPath into outPath. If any chunk fails
// authentication the partial plaintext is deleted and the error wraps
// ErrDecryptionIntegrity.
func (c *Cipher) DecryptFile(ctx context.Context, inPath, outPath string) error {
	in, err := os.Open(inPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", inPath, err)
	}
	defer in.Close()

	return writeAll(ctx, outPath, (*fsutil.Pending).Commit, func(w io.Writer) error {
		return c.Decrypt(ctx, w, in)
	})
}

// InspectFile reads the header of an encrypted file.
func InspectFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return Inspect(f)
}

func writeAll(ctx context.Context, outPath string, commit func(*fsutil.Pending, os.FileMode) error, fill func(io.Writer) error) error {
	out, err := fsutil.CreatePending(outPath, 0o700)
	if err != nil {
		return err
	}
	defer out.Abort()

	if err := fill(out); err != nil {
		slog.Warn("vault write aborted, partial output removed",
			"path", filepath.Base(outPath), "error", err)
		return err
	}
	// Cancellation after the last chunk still discards the output.
	if err := ctx.Err(); err != nil {
		return err
	}
	return commit(out, filePerm)
}
