// Package fsutil holds the small filesystem helpers shared by the keyring and
// the document vault: atomic replace-by-rename writes and pending output files
// that either commit completely or leave nothing behind.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrExists is returned by CommitNew when the target already exists.
var ErrExists = errors.New("target already exists")

// Pending is an output file that is being written under a temporary name in
// the destination directory. Commit makes it visible under its final name;
// Abort removes it. Exactly one of the two should be called, and calling
// Abort after Commit is a no-op so callers can always defer it.
type Pending struct {
	f      *os.File
	target string
	done   bool
}

// CreatePending opens a temporary file next to target. The directory is
// created with dirPerm if needed.
func CreatePending(target string, dirPerm os.FileMode) (*Pending, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", target, err)
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	// Same directory as the target so the final rename stays on one filesystem.
	f, err := os.CreateTemp(dir, ".pending-"+filepath.Base(abs)+"-")
	if err != nil {
		return nil, fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	return &Pending{f: f, target: abs}, nil
}

// Write implements io.Writer.
func (p *Pending) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// TempPath returns the temporary file's current path.
func (p *Pending) TempPath() string {
	return p.f.Name()
}

// Commit syncs the temporary file, applies perm, and renames it over the
// target.
func (p *Pending) Commit(perm os.FileMode) error {
	tmp, err := p.finish(perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p.target); err != nil {
		p.Abort()
		return fmt.Errorf("renaming %s to %s: %w", tmp, p.target, err)
	}
	p.done = true
	return nil
}

// CommitNew is Commit without replacement: the file is hard-linked to the
// target, which fails with ErrExists if another writer got there first. The
// temporary name is removed either way.
func (p *Pending) CommitNew(perm os.FileMode) error {
	tmp, err := p.finish(perm)
	if err != nil {
		return err
	}
	err = os.Link(tmp, p.target)
	p.Abort()
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s: %w", p.target, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("linking %s to %s: %w", tmp, p.target, err)
	}
	return nil
}

// finish syncs and closes the temporary file and applies perm.
func (p *Pending) finish(perm os.FileMode) (string, error) {
	if p.done {
		return "", fmt.Errorf("pending file %s already finished", p.target)
	}
	tmp := p.f.Name()

	if err := p.f.Sync(); err != nil {
		p.Abort()
		return "", fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := p.f.Close(); err != nil {
		p.Abort()
		return "", fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		p.Abort()
		return "", fmt.Errorf("setting permissions on %s: %w", tmp, err)
	}
	return tmp, nil
}

// Abort closes and deletes the temporary file.
func (p *Pending) Abort() {
	if p.done {
		return
	}
	p.done = true
	p.f.Close()
	os.Remove(p.f.Name())
}

// WriteFileAtomic replaces path with data so readers observe either the old
// file or the complete new one, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	p, err := CreatePending(path, 0o700)
	if err != nil {
		return err
	}
	defer p.Abort()

	if _, err := p.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", p.TempPath(), err)
	}
	return p.Commit(perm)
}
