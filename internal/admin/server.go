// Package admin serves the privileged HTTP surface of medledger.
//
// Every route except /health requires "Authorization: Bearer <token>":
//
//   - GET  /health                      liveness, audit tail and backlog
//   - GET  /admin/audit/events          paged, filtered audit listing
//   - GET  /admin/audit/verify          chain verification over a range
//   - GET  /admin/audit/export          jsonl, json or csv export
//   - GET  /admin/audit/stats           per-action counts, failures, top actors
//   - GET  /admin/audit/ws              live feed of appended events
//   - GET  /admin/keys                  key versions (no key material)
//   - POST /admin/keys/rotate           new current key version
//   - POST /vault/documents             encrypt an upload under a new id
//   - PUT  /vault/documents/{id}        encrypt an upload under a given id
//   - GET  /vault/documents/{id}        decrypt and stream a document
//   - GET  /vault/documents/{id}/header key version of a stored document
//
// Each request is recorded in the audit chain through the background
// recorder after the response status is known.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/medledger/medledger/internal/audit"
	"github.com/medledger/medledger/internal/keys"
	"github.com/medledger/medledger/internal/vault"
)

// Recorder accepts audit inputs without blocking the request.
type Recorder interface {
	Enqueue(in audit.Input) error
	Backlog() int
}

// KeyAdmin is the key management surface exposed over HTTP.
type KeyAdmin interface {
	List() []keys.Info
	Rotate(opts keys.RotateOptions) (keys.Version, error)
}

// Options holds the dependencies injected into the server.
type Options struct {
	Token          string
	Store          audit.Store
	Recorder       Recorder
	Keys           KeyAdmin
	Cipher         *vault.Cipher
	VaultDir       string
	MaxUploadBytes int64 // 0 = unlimited
	Feed           *Feed

	// TrustProxy takes the client address from True-Client-IP, X-Real-IP
	// or X-Forwarded-For. Only set it behind a proxy that overwrites those
	// headers; otherwise clients can choose their own audited SourceIP.
	TrustProxy bool
}

// Server routes admin and vault requests.
type Server struct {
	token          []byte
	store          audit.Store
	verifier       *audit.Verifier
	recorder       Recorder
	keys           KeyAdmin
	cipher         *vault.Cipher
	vaultDir       string
	maxUploadBytes int64
	feed           *Feed
	trustProxy     bool
}

// New creates a Server with the given dependencies.
func New(opts Options) *Server {
	return &Server{
		token:          []byte(opts.Token),
		store:          opts.Store,
		verifier:       audit.NewVerifier(opts.Store),
		recorder:       opts.Recorder,
		keys:           opts.Keys,
		cipher:         opts.Cipher,
		vaultDir:       opts.VaultDir,
		maxUploadBytes: opts.MaxUploadBytes,
		feed:           opts.Feed,
		trustProxy:     opts.TrustProxy,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	if s.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(logRequests)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Route("/admin/audit", func(r chi.Router) {
			r.With(s.audited("VIEW_AUDIT_LOG", "audit_log")).Get("/events", s.handleEvents)
			r.With(s.audited("VERIFY_AUDIT_CHAIN", "audit_log")).Get("/verify", s.handleVerify)
			r.With(s.audited("EXPORT_AUDIT_LOG", "audit_log")).Get("/export", s.handleExport)
			r.With(s.audited("VIEW_AUDIT_STATS", "audit_log")).Get("/stats", s.handleStats)
			if s.feed != nil {
				r.With(s.audited("SUBSCRIBE_AUDIT_FEED", "audit_log")).Get("/ws", s.feed.ServeHTTP)
			}
		})

		r.Route("/admin/keys", func(r chi.Router) {
			r.With(s.audited("LIST_KEYS", "keyring")).Get("/", s.handleListKeys)
			r.With(s.audited("ROTATE_KEY", "keyring")).Post("/rotate", s.handleRotateKey)
		})

		r.Route("/vault/documents", func(r chi.Router) {
			r.With(s.audited("UPLOAD_DOCUMENT", "document")).Post("/", s.handleUpload)
			r.With(s.audited("UPLOAD_DOCUMENT", "document")).Put("/{id}", s.handlePut)
			r.With(s.audited("DOWNLOAD_DOCUMENT", "document")).Get("/{id}", s.handleDownload)
			r.With(s.audited("INSPECT_DOCUMENT", "document")).Get("/{id}/header", s.handleInspect)
		})
	})

	return r
}

// handleHealth reports liveness plus the audit tail and recorder backlog.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tail, err := s.store.Tail(r.Context())
	if err != nil {
		slog.Error("health: reading audit tail failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, "audit_store_unavailable", "audit store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"audit_seq":     tail.Seq,
		"audit_backlog": s.recorder.Backlog(),
	})
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message, RequestID: requestIDFrom(r.Context())})
}
