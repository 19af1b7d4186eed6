package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pos-report-service/internal/metrics"
	"pos-report-service/internal/services"
)

func SetupRouter(reconciliationService *services.ReconciliationService, ingestionService *services.IngestionService, log *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	reconciliationHandler := NewReconciliationHandler(reconciliationService, ingestionService)
	dataHandler := NewDataHandler(ingestionService)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.Use(loggingMiddleware(log))
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/sync", reconciliationHandler.RunSync).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", dataHandler.IngestMessage).Methods(http.MethodPost)
	api.HandleFunc("/reports", reconciliationHandler.ListReports).Methods(http.MethodGet)
	api.HandleFunc("/reports/{day:[0-9]+}/{month:[0-9]+}/{year:[0-9]+}", reconciliationHandler.GetReport).Methods(http.MethodGet)
	api.HandleFunc("/processed", reconciliationHandler.GetProcessed).Methods(http.MethodGet)

	router.HandleFunc("/health", healthCheckHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			path := r.URL.Path
			if route := mux.CurrentRoute(r); route != nil {
				if tmpl, err := route.GetPathTemplate(); err == nil {
					path = tmpl
				}
			}
			elapsed := time.Since(start)
			metrics.RecordHTTPRequestDuration(r.Method, path, strconv.Itoa(rec.status), elapsed)

			log.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", elapsed),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]string{
		"status": "healthy",
	}
	respondWithJSON(w, http.StatusOK, response)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}
