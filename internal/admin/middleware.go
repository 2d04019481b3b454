package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/medledger/medledger/internal/audit"
)

// Headers set by the gateway in front of the admin server to attribute an
// action to the operator who triggered it.
const (
	headerRequestID = "X-Request-Id"
	headerActorID   = "X-Actor-Id"
	headerActorRole = "X-Actor-Role"

	defaultActor = "admin"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	auditNoteKey
)

// requestID assigns every request an ID, reusing the caller's when it sent
// a sane one, and echoes it in the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// logRequests writes one line per request. Query strings are left out since
// they can carry actor IDs.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		slog.Info("admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", statusOf(ww),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", requestIDFrom(r.Context()),
		)
	})
}

// requireToken enforces the bearer token. Rejections are themselves audited
// as ADMIN_AUTH_FAILED with no actor.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="medledger"`)
			writeError(w, r, http.StatusUnauthorized, "auth_required", "valid bearer token required")
			s.record(r, audit.Input{
				Action:       "ADMIN_AUTH_FAILED",
				ResourceType: "admin_api",
				ResourceID:   r.URL.Path,
				OutcomeCode:  http.StatusUnauthorized,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.token) == 0 {
		return false
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), s.token) == 1
}

// auditNote lets a handler name the resource it acted on, which for uploads
// is only known once the handler has run.
type auditNote struct {
	resourceID string
}

func noteResource(r *http.Request, id string) {
	if n, ok := r.Context().Value(auditNoteKey).(*auditNote); ok {
		n.resourceID = id
	}
}

// audited records action against resourceType once the response status is
// known. The actor comes from X-Actor-Id and X-Actor-Role, falling back to
// the admin token holder.
func (s *Server) audited(action, resourceType string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			note := &auditNote{}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), auditNoteKey, note)))

			actorID := r.Header.Get(headerActorID)
			if actorID == "" {
				actorID = defaultActor
			}
			actorRole := r.Header.Get(headerActorRole)
			if actorRole == "" {
				actorRole = defaultActor
			}
			s.record(r, audit.Input{
				ActorID:      actorID,
				ActorRole:    actorRole,
				Action:       action,
				ResourceType: resourceType,
				ResourceID:   note.resourceID,
				OutcomeCode:  statusOf(ww),
			})
		})
	}
}

// record fills in the request metadata and hands the input to the recorder.
// A full or closed recorder is logged; the response has already gone out.
func (s *Server) record(r *http.Request, in audit.Input) {
	in.SourceIP = clientIP(r)
	in.UserAgent = r.UserAgent()
	in.RequestID = requestIDFrom(r.Context())

	if err := s.recorder.Enqueue(in); err != nil {
		level := slog.LevelError
		if errors.Is(err, audit.ErrRecorderClosed) {
			level = slog.LevelWarn
		}
		slog.Log(r.Context(), level, "audit event not queued",
			"action", in.Action, "request_id", in.RequestID, "error", err)
	}
}

// statusOf treats a handler that never called WriteHeader as 200.
func statusOf(ww middleware.WrapResponseWriter) int {
	if st := ww.Status(); st != 0 {
		return st
	}
	return http.StatusOK
}

// clientIP returns the connection's remote host. Forwarding headers only
// count when middleware.RealIP has already rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
