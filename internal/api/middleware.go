package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/packforge/dpp/internal/auth"
)

type ctxKey int

const identityKey ctxKey = iota

// identityFrom returns the authenticated caller stored by requireAuth.
func identityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}

// responseWriter captures the status code for the request log.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}

// requestID honors a caller-supplied X-Request-ID or mints one, echoes
// it on the response, and binds it into the request-scoped logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		log := s.log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(log.WithContext(r.Context())))
	})
}

// requestLog writes one structured line per request.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w}

		next.ServeHTTP(rw, r)

		if rw.status == 0 {
			rw.status = http.StatusOK
		}
		zerolog.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration_ms", time.Since(start)).
			Msg("request")
	})
}

// recoverer converts a handler panic into a 500 problem instead of a
// dropped connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zerolog.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Msg("handler panicked")
				writeProblem(w, r, http.StatusInternalServerError,
					"internal", "", "an internal error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireAuth authenticates the bearer key and stores the identity in
// the context. Every failure is the same uninformative 401.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.auth.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthorized) {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("authentication infrastructure failure")
				writeProblem(w, r, http.StatusInternalServerError,
					"internal", "", "an internal error occurred")
				return
			}
			writeProblem(w, r, http.StatusUnauthorized,
				"unauthorized", "", "missing or invalid credentials")
			return
		}

		log := zerolog.Ctx(r.Context()).With().Str("tenant_id", identity.TenantID).Logger()
		ctx := log.WithContext(context.WithValue(r.Context(), identityKey, identity))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
