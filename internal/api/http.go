package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/miradorstack/mirador-federator/internal/engine"
	"github.com/miradorstack/mirador-federator/internal/models"
	"github.com/miradorstack/mirador-federator/internal/planner"
	"github.com/miradorstack/mirador-federator/internal/registry"
	"github.com/miradorstack/mirador-federator/internal/utils"
)

const maxBodyBytes = 1 << 20

// keepaliveInterval spaces SSE comment frames on idle alert streams.
var keepaliveInterval = 15 * time.Second

// Backend is the domain surface served over HTTP.
type Backend interface {
	RunQuery(ctx context.Context, req models.QueryRequest) (models.QueryResponse, error)
	ExplainQuery(ctx context.Context, req models.QueryRequest) (*planner.Explanation, error)
	HealthReports(groupID string) ([]models.HealthReport, error)
	ReloadRegistry(ctx context.Context) (*registry.Snapshot, error)
	SubscribeAlerts(buffer int) (<-chan models.Alert, func())
	Ready() bool
}

// HTTPHandler serves the JSON API, the alert SSE stream and the ops endpoints.
type HTTPHandler struct {
	backend Backend
	logger  *slog.Logger
	origins []string
}

// NewHTTPHandler constructs the REST handler. An empty origins list allows any origin.
func NewHTTPHandler(backend Backend, logger *slog.Logger, origins []string) *HTTPHandler {
	return &HTTPHandler{backend: backend, logger: utils.Component(logger, "http"), origins: origins}
}

// RegisterRoutes registers the federation routes with a gorilla/mux router.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/query", h.Query).Methods(http.MethodPost)
	r.HandleFunc("/v1/plan", h.Plan).Methods(http.MethodPost)
	r.HandleFunc("/v1/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/v1/health/{group}", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/v1/alerts", h.Alerts).Methods(http.MethodGet)
	r.HandleFunc("/v1/admin/reload", h.Reload).Methods(http.MethodPost)
	r.HandleFunc("/healthz", h.Healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler returns the router wrapped in the CORS middleware.
func (h *HTTPHandler) Handler() http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	origins := h.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(r)
}

// Query handles POST /v1/query.
func (h *HTTPHandler) Query(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQuery(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp, err := h.backend.RunQuery(r.Context(), req)
	if err != nil {
		var aggErr *models.AggregateFailure
		if errors.As(err, &aggErr) {
			doc := QueryResponseDocument(resp)
			doc["error"] = err.Error()
			h.writeJSON(w, http.StatusServiceUnavailable, doc)
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, QueryResponseDocument(resp))
}

// Plan handles POST /v1/plan.
func (h *HTTPHandler) Plan(w http.ResponseWriter, r *http.Request) {
	req, err := h.decodeQuery(w, r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	exp, err := h.backend.ExplainQuery(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ExplanationDocument(exp))
}

// Health handles GET /v1/health and GET /v1/health/{group}.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	group := mux.Vars(r)["group"]
	reports, err := h.backend.HealthReports(group)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if group != "" && len(reports) == 1 {
		h.writeJSON(w, http.StatusOK, HealthReportDocument(reports[0]))
		return
	}
	h.writeJSON(w, http.StatusOK, HealthDocument(reports))
}

// Reload handles POST /v1/admin/reload.
func (h *HTTPHandler) Reload(w http.ResponseWriter, r *http.Request) {
	snap, err := h.backend.ReloadRegistry(r.Context())
	if err != nil && snap == nil {
		h.writeError(w, err)
		return
	}
	doc := SnapshotDocument(snap)
	if err != nil {
		doc["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// Healthz reports process readiness.
func (h *HTTPHandler) Healthz(w http.ResponseWriter, _ *http.Request) {
	if !h.backend.Ready() {
		h.writeJSON(w, http.StatusServiceUnavailable, Document{"status": "starting"})
		return
	}
	h.writeJSON(w, http.StatusOK, Document{"status": "ok"})
}

// Alerts streams alerts as server-sent events until the client disconnects.
func (h *HTTPHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeJSON(w, http.StatusInternalServerError, Document{"error": "streaming unsupported"})
		return
	}
	ch, cancel := h.backend.SubscribeAlerts(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case alert, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(AlertDocument(alert))
			if err != nil {
				h.logger.Warn("encode alert", slog.Any("error", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: alert\ndata: %s\n\n", alert.ID, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *HTTPHandler) decodeQuery(w http.ResponseWriter, r *http.Request) (models.QueryRequest, error) {
	var doc Document
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&doc); err != nil {
		return models.QueryRequest{}, fmt.Errorf("%w: decode body: %v", engine.ErrInvalidRequest, err)
	}
	return DecodeQueryRequest(doc)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Any("error", err))
	} else {
		h.logger.Debug("request rejected", slog.Int("status", code), slog.Any("error", err))
	}
	h.writeJSON(w, code, Document{"error": err.Error()})
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, code int, doc Document) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		h.logger.Warn("encode response", slog.Any("error", err))
	}
}
