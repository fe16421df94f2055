package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"function_runtime/models"
	"function_runtime/utils"
)

// ExecutionIDKey is the context key for the execution ID
type ExecutionIDKey struct{}

// ExecutionID returns the execution ID stored in ctx, or "" outside a request
func ExecutionID(ctx context.Context) string {
	id, _ := ctx.Value(ExecutionIDKey{}).(string)
	return id
}

// ExecutionIDMiddleware assigns every request a fresh execution ID and
// returns it in the X-Execution-Id header
func ExecutionIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		executionID := uuid.New().String()

		ctx := context.WithValue(r.Context(), ExecutionIDKey{}, executionID)
		w.Header().Set(models.ExecutionIDHeader, executionID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs request information
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		executionID := ExecutionID(r.Context())

		// Create a response wrapper to capture the status code
		rw := &responseWriter{w, http.StatusOK}

		log.Debug().
			Str("execution_id", executionID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Request received")

		next.ServeHTTP(rw, r)

		log.Info().
			Str("execution_id", executionID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

// responseWriter is a wrapper for http.ResponseWriter that captures the status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RecoverMiddleware recovers from panics and logs the error. The response
// still carries the execution ID.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				executionID := ExecutionID(r.Context())
				log.Error().
					Str("execution_id", executionID).
					Interface("error", err).
					Msg("Panic recovered")

				if executionID != "" {
					w.Header().Set(models.ExecutionIDHeader, executionID)
				}
				utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error", "")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
