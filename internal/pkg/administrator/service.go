package administrator

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tablegate/internal/pkg/apperr"
	"tablegate/internal/pkg/logger"
	"tablegate/internal/pkg/queue"
)

// Largest document body accepted
const maxDocumentBytes = 8 << 20

// Handler builds the HTTP surface: document submission and rendering,
// synchronous processing, scope teardown, cache inspection, /health and /metrics.
func (admin *administrator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Route("/scopes/{scope}", func(r chi.Router) {
		r.Delete("/", admin.handleDropScope)
		r.Get("/records/{sig}", admin.handleRecord)
		r.Put("/documents/{id}", admin.handleSubmit)
		r.Get("/documents/{id}", admin.handleRender)
		r.Post("/documents/{id}/process", admin.handleProcess)
	})
	r.Post("/sweep", admin.handleSweep)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", admin.handleHealth)

	return r
}

func (admin *administrator) handleSubmit(writer http.ResponseWriter, request *http.Request) {
	scope, id := chi.URLParam(request, "scope"), chi.URLParam(request, "id")
	body := http.MaxBytesReader(writer, request.Body, maxDocumentBytes)

	notification, queued, err := admin.SubmitDocument(request.Context(), scope, id, body)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrQueueClosed) {
			logger.Log.Warn("Rejecting document, queue unavailable", zap.String("scope", scope), zap.Error(err))
			writeError(writer, http.StatusServiceUnavailable, err)
			return
		}
		writeError(writer, statusFor(err), err)
		return
	}

	writeJSON(writer, http.StatusAccepted, map[string]any{
		"id":     notification.ID,
		"queued": queued,
	})
}

func (admin *administrator) handleRender(writer http.ResponseWriter, request *http.Request) {
	scope, id := chi.URLParam(request, "scope"), chi.URLParam(request, "id")
	if _, err := admin.registry.Document(scope, id); err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writer.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := admin.RenderDocument(scope, id, writer); err != nil {
		logger.Log.Warn("Rendering document failed", zap.String("scope", scope), zap.String("document_id", id), zap.Error(err))
	}
}

func (admin *administrator) handleProcess(writer http.ResponseWriter, request *http.Request) {
	scope, id := chi.URLParam(request, "scope"), chi.URLParam(request, "id")
	summary, err := admin.ProcessDocument(request.Context(), scope, id)
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, summary)
}

func (admin *administrator) handleDropScope(writer http.ResponseWriter, request *http.Request) {
	scope := chi.URLParam(request, "scope")
	removed, err := admin.DropScope(request.Context(), scope)
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]int{"removed": removed})
}

func (admin *administrator) handleRecord(writer http.ResponseWriter, request *http.Request) {
	record, err := admin.Record(request.Context(), chi.URLParam(request, "scope"), chi.URLParam(request, "sig"))
	if err != nil {
		writeError(writer, statusFor(err), err)
		return
	}
	writeJSON(writer, http.StatusOK, record)
}

func (admin *administrator) handleSweep(writer http.ResponseWriter, request *http.Request) {
	var maxAge time.Duration
	if raw := request.URL.Query().Get("max_age"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(writer, http.StatusBadRequest, errors.New("max_age must be a positive duration"))
			return
		}
		maxAge = parsed
	}

	removed, err := admin.Sweep(request.Context(), maxAge)
	if err != nil {
		writeError(writer, http.StatusInternalServerError, err)
		return
	}
	writeJSON(writer, http.StatusOK, map[string]int{"removed": removed})
}

func (admin *administrator) handleHealth(writer http.ResponseWriter, request *http.Request) {
	health := struct {
		Status     string    `json:"status"`
		QueueDepth int       `json:"queue_depth"`
		Workers    int       `json:"workers"`
		InFlight   int       `json:"in_flight"`
		Uptime     string    `json:"uptime"`
		StartTime  time.Time `json:"start_time"`
	}{
		Status:     "OK",
		QueueDepth: admin.QueueDepth(),
		Workers:    admin.WorkerCount(),
		InFlight:   admin.gate.InFlight(),
		Uptime:     time.Since(admin.StartTime()).String(),
		StartTime:  admin.StartTime(),
	}
	writeJSON(writer, http.StatusOK, health)
}

func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, apperr.ErrRemoteCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(writer http.ResponseWriter, status int, v any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	if err := json.NewEncoder(writer).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(writer http.ResponseWriter, status int, err error) {
	writeJSON(writer, status, map[string]string{"error": err.Error()})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(writer, request.ProtoMajor)
		next.ServeHTTP(ww, request)
		logger.Log.Debug("HTTP request",
			zap.String("method", request.Method),
			zap.String("path", request.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(request.Context())),
			zap.Duration("took", time.Since(start)))
	})
}
