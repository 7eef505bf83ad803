package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"MailCadence/internal/auth"
)

func NewRouter(h *Handler, identity auth.Provider) *mux.Router {
	r := mux.NewRouter()
	r.Use(logRequests(h.Log))

	r.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)

	email := r.PathPrefix("/api/email").Subrouter()
	email.Use(requireIdentity(identity))
	email.HandleFunc("/schedule", h.Schedule).Methods(http.MethodPost)
	email.HandleFunc("/schedule/csv", h.ScheduleCSV).Methods(http.MethodPost)
	email.HandleFunc("/scheduled", h.Scheduled).Methods(http.MethodGet)
	email.HandleFunc("/sent", h.Sent).Methods(http.MethodGet)
	email.HandleFunc("/senders", h.Senders).Methods(http.MethodGet)

	return r
}

func requireIdentity(p auth.Provider) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := p.Identify(r)
			if errors.Is(err, auth.ErrInvalidToken) {
				errorResponse(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			if err != nil {
				errorResponse(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// WithCORS lets the browser frontend at origin call the API with its
// session cookie.
func WithCORS(next http.Handler, origin string) http.Handler {
	if origin == "" {
		return next
	}
	return handlers.CORS(
		handlers.AllowedOrigins([]string{origin}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(next)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func logRequests(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
