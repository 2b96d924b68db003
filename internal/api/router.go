package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewRouter wires the full route table. Handlers under /api/v1 run behind the
// request-logging middleware; /metrics and /health stay outside it.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthHandler).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(requestLogger(h.logger))

	apiV1.HandleFunc("/users/register", h.RegisterHandler).Methods("POST")
	apiV1.HandleFunc("/users/login", h.LoginHandler).Methods("POST")
	apiV1.HandleFunc("/users/logout", h.LogoutHandler).Methods("POST")

	apiV1.HandleFunc("/accounts/transfer", h.TransferHandler).Methods("POST")
	apiV1.HandleFunc("/accounts/{id:[0-9]+}", h.GetAccountHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id:[0-9]+}/balance", h.GetBalanceHandler).Methods("GET")
	apiV1.HandleFunc("/accounts/{id:[0-9]+}/entries", h.GetEntriesHandler).Methods("GET")

	apiV1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods("GET")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}
