package api

import (
	"net/http"

	"extractd/internal/health"
	"extractd/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Control       Control
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Control, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Extraction endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/extractions", authMiddleware(http.HandlerFunc(handler.StartExtraction)))
	mux.Handle("GET /v1/extractions", authMiddleware(http.HandlerFunc(handler.ListExtractions)))
	mux.Handle("GET /v1/extractions/{jobId}", authMiddleware(http.HandlerFunc(handler.GetExtraction)))
	mux.Handle("GET /v1/extractions/{jobId}/logs", authMiddleware(http.HandlerFunc(handler.GetExtractionLogs)))
	mux.Handle("GET /v1/extractions/{jobId}/stream", authMiddleware(http.HandlerFunc(handler.StreamExtraction)))
	mux.Handle("POST /v1/extractions/{jobId}/pause", authMiddleware(http.HandlerFunc(handler.PauseExtraction)))
	mux.Handle("POST /v1/extractions/{jobId}/resume", authMiddleware(http.HandlerFunc(handler.ResumeExtraction)))
	mux.Handle("POST /v1/extractions/{jobId}/cancel", authMiddleware(http.HandlerFunc(handler.CancelExtraction)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
