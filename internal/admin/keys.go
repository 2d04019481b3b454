package admin

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/medledger/medledger/internal/keys"
)

// handleListKeys lists key versions. Key material never leaves the keyring.
// GET /admin/keys
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.keys.List()})
}

// handleRotateKey adds a random key version and makes it current. Existing
// documents keep decrypting under the version in their header.
// POST /admin/keys/rotate
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	v, err := s.keys.Rotate(keys.RotateOptions{})
	if err != nil {
		slog.Error("key rotation failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "rotation_failed", "key rotation failed")
		return
	}
	noteResource(r, strconv.Itoa(int(v)))
	slog.Info("vault key rotated", "version", v)
	writeJSON(w, http.StatusCreated, map[string]any{"version": v})
}
