// Package query is the Query Interface (spec §4.6): read-side HTTP handlers
// backing the external request surface, reading from cache first and
// falling back to the durable store.
package query

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/srg/dalybms/internal/cache"
	"github.com/srg/dalybms/internal/protocol"
	"github.com/srg/dalybms/internal/pubsub"
	"github.com/srg/dalybms/internal/store"
	"github.com/srg/dalybms/internal/telemetry"
)

// SoftDeadline bounds every handler (§5).
const SoftDeadline = 5 * time.Second

var historyWindows = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// Store is the subset of store.Store the Query Interface reads/writes.
type Store interface {
	Ping(ctx context.Context) bool
	LatestRecord(ctx context.Context) (telemetry.Record, error)
	History(ctx context.Context, since time.Time) ([]telemetry.Record, error)
	UnacknowledgedAlerts(ctx context.Context, limit int) ([]telemetry.AlertEvent, error)
	Acknowledge(ctx context.Context, id string) error
}

// CacheBackend pings the cache backend for the health endpoint.
type CacheBackend interface {
	Ping() bool
}

// PubSubBackend pings the pub/sub backend for the health endpoint.
type PubSubBackend interface {
	Ping() bool
}

const version = "1.0.0"

// Handlers holds the dependencies backing every route in MountRoutes.
type Handlers struct {
	logger *logrus.Logger
	store  Store
	topics *cache.TopicCache
	cacheB CacheBackend
	pubsub PubSubBackend
	rm     protocol.RegisterMap
	counters *telemetry.Counters
	lastBulkPayload func() []byte
}

// New constructs Handlers. pubsub may be nil when no broker is configured.
func New(logger *logrus.Logger, st Store, topics *cache.TopicCache, cacheB CacheBackend, ps PubSubBackend, rm protocol.RegisterMap, counters *telemetry.Counters, lastBulkPayload func() []byte) *Handlers {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{
		logger: logger, store: st, topics: topics, cacheB: cacheB, pubsub: ps,
		rm: rm, counters: counters, lastBulkPayload: lastBulkPayload,
	}
}

// MountRoutes registers every fixed path from §6 onto r.
func (h *Handlers) MountRoutes(r *mux.Router) {
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", h.health).Methods(http.MethodGet)
	api.HandleFunc("/realtime", h.realtime).Methods(http.MethodGet)
	api.HandleFunc("/history/{window}", h.history).Methods(http.MethodGet)
	api.HandleFunc("/cells", h.cells).Methods(http.MethodGet)
	api.HandleFunc("/alerts", h.alerts).Methods(http.MethodGet)
	api.HandleFunc("/system-status", h.systemStatus).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", h.acknowledge).Methods(http.MethodPost)
	api.HandleFunc("/diagnostics/soc-candidates", h.socCandidates).Methods(http.MethodGet)
}

func (h *Handlers) withDeadline(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), SoftDeadline)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.withDeadline(r)
	defer cancel()

	dbOK := h.store.Ping(ctx)
	cacheOK := h.cacheB != nil && h.cacheB.Ping()
	pubsubOK := h.pubsub != nil && h.pubsub.Ping()

	status := "ok"
	if !dbOK {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"connections": map[string]bool{
			"database": dbOK,
			"redis":    cacheOK,
			"mqtt":     pubsubOK,
		},
		"status":  status,
		"version": version,
	})
}

func (h *Handlers) realtime(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.topics.LatestRealtime(); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}

	ctx, cancel := h.withDeadline(r)
	defer cancel()
	rec, err := h.store.LatestRecord(ctx)
	if err != nil {
		h.logger.WithError(err).Warn("query: latest record lookup failed")
		writeJSON(w, http.StatusOK, telemetry.Zero())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) history(w http.ResponseWriter, r *http.Request) {
	windowName := mux.Vars(r)["window"]
	window, ok := historyWindows[windowName]
	if !ok {
		http.Error(w, "unknown history window", http.StatusBadRequest)
		return
	}

	ctx, cancel := h.withDeadline(r)
	defer cancel()

	start := time.Now().Add(-window)
	records, err := h.store.History(ctx, start)
	if err != nil {
		h.logger.WithError(err).Warn("query: history lookup failed")
		records = nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":       records,
		"duration":   windowName,
		"start_time": start,
		"count":      len(records),
	})
}

func (h *Handlers) cells(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.topics.LatestRealtime()
	if !ok {
		ctx, cancel := h.withDeadline(r)
		defer cancel()
		var err error
		rec, err = h.store.LatestRecord(ctx)
		if err != nil {
			rec = telemetry.Zero()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cells":     rec.Cells,
		"timestamp": rec.Timestamp,
		"count":     len(rec.Cells),
	})
}

func (h *Handlers) alerts(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	ctx, cancel := h.withDeadline(r)
	defer cancel()
	list, err := h.store.UnacknowledgedAlerts(ctx, limit)
	if err != nil {
		h.logger.WithError(err).Warn("query: alerts lookup failed")
		list = nil
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (h *Handlers) systemStatus(w http.ResponseWriter, r *http.Request) {
	if rec, ok := h.topics.LatestStatus(); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeJSON(w, http.StatusOK, h.counters.Snapshot(time.Now()))
}

func (h *Handlers) acknowledge(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	ctx, cancel := h.withDeadline(r)
	defer cancel()
	if err := h.store.Acknowledge(ctx, id); err != nil {
		if err == store.ErrAlertNotFound {
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "alert not found", "alert_id": id})
			return
		}
		h.logger.WithError(err).Warn("query: acknowledge failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "internal error", "alert_id": id})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"message": "acknowledged", "alert_id": id})
}

func (h *Handlers) socCandidates(w http.ResponseWriter, r *http.Request) {
	if h.lastBulkPayload == nil {
		writeJSON(w, http.StatusOK, map[string]any{"candidates": []protocol.SOCCandidate{}})
		return
	}
	payload := h.lastBulkPayload()
	if payload == nil {
		writeJSON(w, http.StatusOK, map[string]any{"candidates": []protocol.SOCCandidate{}})
		return
	}
	candidates := protocol.ScanSOCCandidates(h.rm, payload, h.rm.SOCScale, h.rm.SOCOffset)
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}

// Compile-time check that *pubsub.Publisher satisfies PubSubBackend.
var _ PubSubBackend = (*pubsub.Publisher)(nil)
