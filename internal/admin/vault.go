package admin

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/fsutil"
	"github.com/medledger/medledger/internal/keys"
	"github.com/medledger/medledger/internal/vault"
)

const documentExt = ".enc"

// handleUpload stores the request body under a fresh document ID.
// POST /vault/documents
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.storeDocument(w, r, uuid.NewString())
}

// handlePut stores the request body under a caller-chosen ID. Documents are
// immutable: an existing ID is a conflict.
// PUT /vault/documents/{id}
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	// Saves encrypting a body that cannot be stored. Concurrent PUTs can
	// both get past this; the no-replace commit decides between them.
	if _, err := os.Stat(s.documentPath(id)); err == nil {
		writeError(w, r, http.StatusConflict, "document_exists", "document already exists")
		return
	}
	s.storeDocument(w, r, id)
}

func (s *Server) storeDocument(w http.ResponseWriter, r *http.Request, id string) {
	noteResource(r, id)

	body := io.Reader(r.Body)
	if s.maxUploadBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	path := s.documentPath(id)
	if err := s.cipher.EncryptToNewFile(r.Context(), path, body); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, fsutil.ErrExists):
			writeError(w, r, http.StatusConflict, "document_exists", "document already exists")
		case errors.As(err, &tooLarge):
			writeError(w, r, http.StatusRequestEntityTooLarge, "too_large",
				"document exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
		case errors.Is(err, keys.ErrKeyMissing):
			slog.Error("upload refused: no encryption key configured")
			writeError(w, r, http.StatusServiceUnavailable, "key_missing", "no encryption key configured")
		default:
			slog.Error("document encryption failed", "id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "encrypt_failed", "document could not be stored")
		}
		return
	}

	h, err := vault.InspectFile(path)
	if err != nil {
		slog.Error("reading stored document header failed", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "encrypt_failed", "document could not be stored")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "key_version": h.KeyVersion})
}

// handleDownload decrypts a document into a private temporary file and only
// then streams it, so no plaintext reaches the client unless every chunk
// authenticated.
// GET /vault/documents/{id}
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	in, ok := s.openDocument(w, r, id)
	if !ok {
		return
	}
	defer in.Close()

	tmp, err := os.CreateTemp("", "medledger-dl-*")
	if err != nil {
		slog.Error("creating download buffer failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "decrypt_failed", "document could not be read")
		return
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := s.cipher.Decrypt(r.Context(), tmp, in); err != nil {
		switch {
		case errors.Is(err, vault.ErrDecryptionIntegrity):
			slog.Error("document failed integrity check", "id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "integrity_failure", "document failed integrity check")
		case errors.Is(err, keys.ErrKeyNotFound):
			slog.Error("document key version unavailable", "id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "key_not_found", "document key version unavailable")
		default:
			slog.Error("document decryption failed", "id", id, "error", err)
			writeError(w, r, http.StatusInternalServerError, "decrypt_failed", "document could not be read")
		}
		return
	}

	size, err := tmp.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		slog.Error("rewinding download buffer failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "decrypt_failed", "document could not be read")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, tmp); err != nil {
		slog.Warn("document download interrupted", "id", id, "error", err)
	}
}

// handleInspect reports the key version a document is encrypted under.
// GET /vault/documents/{id}/header
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.documentID(w, r)
	if !ok {
		return
	}
	in, ok := s.openDocument(w, r, id)
	if !ok {
		return
	}
	defer in.Close()

	h, err := vault.Inspect(in)
	if err != nil {
		slog.Error("document header unreadable", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "integrity_failure", "document header unreadable")
		return
	}
	var size int64
	if info, err := in.Stat(); err == nil {
		size = info.Size()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          id,
		"key_version": h.KeyVersion,
		"size":        size,
	})
}

// documentID validates the {id} parameter. Only UUIDs are accepted so an ID
// can never escape the vault directory.
func (s *Server) documentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "id")
	noteResource(r, raw)
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_id", "document id must be a UUID")
		return "", false
	}
	canonical := id.String()
	noteResource(r, canonical)
	return canonical, true
}

func (s *Server) openDocument(w http.ResponseWriter, r *http.Request, id string) (*os.File, bool) {
	f, err := os.Open(s.documentPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, r, http.StatusNotFound, "not_found", "document not found")
		return nil, false
	}
	if err != nil {
		slog.Error("opening document failed", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, "decrypt_failed", "document could not be read")
		return nil, false
	}
	return f, true
}

func (s *Server) documentPath(id string) string {
	return filepath.Join(s.vaultDir, id+documentExt)
}
