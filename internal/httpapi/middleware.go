package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/chainyield/coordinator/internal/models"
	"github.com/chainyield/coordinator/internal/ratelimit"
)

// corsMiddleware mirrors the teacher's permissive CORS handling: this API is
// consumed by browser dashboards and worker daemons alike, so every origin
// is allowed and preflight requests are short-circuited.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Payment-Key, X-Attached-Deposit, X-Compute-Limit")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type contextKey string

const (
	ctxWorkerSession contextKey = "worker_session"
)

// rateLimited wraps h with per-caller-IP token bucket enforcement from l.
func (s *Server) rateLimited(l *ratelimit.Limiter, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := callerIP(r)
		if !l.Allow(key) {
			writeError(w, models.NewError(models.KindRateLimited, "rate limit exceeded", nil))
			return
		}
		h(w, r)
	}
}

func callerIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

// workerAuth requires a bearer session token issued by /workers/register-tee,
// validated against workerregistry, and stashes the resolved session in the
// request context for downstream handlers (claimJob needs the worker_id to
// scope the claim, completeJob needs it to attribute attestation records).
func (s *Server) workerAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, models.NewError(models.KindAuth, "missing worker session token", nil))
			return
		}
		sess, err := s.registry.ValidateSessionToken(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxWorkerSession, sess)
		h(w, r.WithContext(ctx))
	}
}

func workerSessionFromContext(r *http.Request) (models.WorkerSession, bool) {
	sess, ok := r.Context().Value(ctxWorkerSession).(models.WorkerSession)
	return sess, ok
}

// adminAuth requires the static bearer token from config, constant-time
// comparison is overkill for a single operator-held secret but costs nothing.
func (s *Server) adminAuth(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, models.NewError(models.KindAuth, "invalid admin token", nil))
			return
		}
		h(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// writeError maps a models.KindError (or any other error) to the HTTP status
// its kind implies, and writes a small JSON body. Unrecognized errors fall
// back to 500 without leaking internal detail.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	var ke *models.KindError
	if errors.As(err, &ke) {
		status = ke.HTTPStatus()
		msg = ke.Message
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
