package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mhbvr/photostore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	headerFileName  = "X-File-Name"
	headerTimestamp = "X-Photo-Timestamp"

	// Shown to users instead of internal error details
	msgStorageUnavailable = "storage unavailable"
	msgOperationFailed    = "operation failed"
)

// PhotoServer exposes the photo store to the local UI over HTTP.
type PhotoServer struct {
	store     *photostore.Store
	maxUpload int64
	now       func() time.Time
	logger    zerolog.Logger
}

func NewPhotoServer(store *photostore.Store, maxUpload int64, logger zerolog.Logger) *PhotoServer {
	return &PhotoServer{
		store:     store,
		maxUpload: maxUpload,
		now:       time.Now,
		logger:    logger,
	}
}

type httpMetrics struct {
	requestDuration  *prometheus.HistogramVec
	requestsTotal    *prometheus.CounterVec
	requestsInFlight prometheus.Gauge
	bytesServed      prometheus.Counter
	bytesReceived    prometheus.Counter
}

func newHTTPMetrics(reg prometheus.Registerer) *httpMetrics {
	factory := promauto.With(reg)
	return &httpMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "photostore_http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "handler"},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "photostore_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "handler", "code"},
		),
		requestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "photostore_http_requests_in_flight",
				Help: "Current number of HTTP requests being served",
			},
		),
		bytesServed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "photostore_http_bytes_served_total",
				Help: "Total photo bytes served",
			},
		),
		bytesReceived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "photostore_http_bytes_received_total",
				Help: "Total photo bytes received",
			},
		),
	}
}

func (m *httpMetrics) instrument(name string, h http.HandlerFunc) http.Handler {
	return promhttp.InstrumentHandlerDuration(
		m.requestDuration.MustCurryWith(prometheus.Labels{"handler": name}),
		promhttp.InstrumentHandlerCounter(
			m.requestsTotal.MustCurryWith(prometheus.Labels{"handler": name}),
			promhttp.InstrumentHandlerInFlight(m.requestsInFlight, h),
		),
	)
}

// Handler builds the routed, instrumented HTTP handler. tracez may be nil.
func (s *PhotoServer) Handler(reg *prometheus.Registry, tracez http.Handler) http.Handler {
	m := newHTTPMetrics(reg)
	mux := http.NewServeMux()

	mux.Handle("GET /photos", m.instrument("list", s.handleList))
	mux.Handle("GET /photos/{id}", m.instrument("download", func(w http.ResponseWriter, r *http.Request) {
		s.handleDownload(w, r, m)
	}))
	mux.Handle("POST /photos", m.instrument("upload", func(w http.ResponseWriter, r *http.Request) {
		s.handleSave(w, r, uuid.NewString(), m)
	}))
	mux.Handle("PUT /photos/{id}", m.instrument("upload", func(w http.ResponseWriter, r *http.Request) {
		s.handleSave(w, r, r.PathValue("id"), m)
	}))
	mux.Handle("DELETE /photos/{id}", m.instrument("delete", s.handleDelete))
	mux.Handle("GET /stats", m.instrument("stats", s.handleStats))
	mux.Handle("POST /cleanup", m.instrument("cleanup", s.handleCleanup))
	mux.Handle("POST /enforce", m.instrument("enforce", s.handleEnforce))
	mux.Handle("GET /healthz", m.instrument("healthz", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if tracez != nil {
		mux.Handle("GET /tracez", tracez)
	}

	// 1. Logging middleware (outermost)
	// 2. OpenTelemetry tracing middleware
	return loggingMiddleware(s.logger, otelhttp.NewHandler(mux, "request"))
}

func (s *PhotoServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	trace.SpanFromContext(r.Context()).RecordError(err)
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("photo store operation failed")
	http.Error(w, msgOperationFailed, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *PhotoServer) handleList(w http.ResponseWriter, r *http.Request) {
	photos, err := s.store.GetAllPhotos(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sort.Slice(photos, func(i, j int) bool {
		return photos[i].Timestamp > photos[j].Timestamp
	})
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("photos.count", len(photos)))

	if photos == nil {
		photos = []photostore.StoredPhoto{}
	}
	writeJSON(w, http.StatusOK, photos)
}

func (s *PhotoServer) handleDownload(w http.ResponseWriter, r *http.Request, m *httpMetrics) {
	id := r.PathValue("id")
	photo, ok, err := s.store.GetPhoto(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		http.Error(w, "Photo not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(photo.Payload))
	w.Header().Set("Content-Length", strconv.Itoa(len(photo.Payload)))
	if photo.OriginalFileName != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", photo.OriginalFileName))
	}
	w.Header().Set(headerTimestamp, strconv.FormatInt(photo.Timestamp, 10))

	written, err := w.Write(photo.Payload)
	if err != nil {
		trace.SpanFromContext(r.Context()).RecordError(err)
		return
	}
	m.bytesServed.Add(float64(written))
}

func (s *PhotoServer) handleSave(w http.ResponseWriter, r *http.Request, id string, m *httpMetrics) {
	if id == "" {
		http.Error(w, "Photo id is required", http.StatusBadRequest)
		return
	}

	timestamp := s.now().UnixMilli()
	if v := r.Header.Get(headerTimestamp); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid "+headerTimestamp, http.StatusBadRequest)
			return
		}
		timestamp = ts
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Photo too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read photo", http.StatusBadRequest)
		return
	}
	if len(payload) == 0 {
		http.Error(w, "Photo is empty", http.StatusBadRequest)
		return
	}
	m.bytesReceived.Add(float64(len(payload)))

	photo := photostore.StoredPhoto{
		ID:               id,
		Payload:          payload,
		Timestamp:        timestamp,
		OriginalFileName: r.Header.Get(headerFileName),
		Size:             int64(len(payload)),
	}
	if err := s.store.SavePhoto(r.Context(), photo); err != nil {
		s.fail(w, r, err)
		return
	}

	status := http.StatusCreated
	if r.Method == http.MethodPut {
		status = http.StatusOK
	}
	writeJSON(w, status, photo)
}

func (s *PhotoServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePhoto(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *PhotoServer) handleStats(w http.ResponseWriter, r *http.Request) {
	info, err := s.store.GetStorageInfo(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *PhotoServer) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := s.store.CleanupOldPhotos(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *PhotoServer) handleEnforce(w http.ResponseWriter, r *http.Request) {
	if err := s.store.EnforceStorageLimit(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *PhotoServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.store.IsStorageAvailable(r.Context()) {
		http.Error(w, msgStorageUnavailable, http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "ok")
}
