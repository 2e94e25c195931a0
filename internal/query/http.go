package query

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/observability"
)

// Server exposes the query service over HTTP/JSON.
type Server struct {
	service *Service
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewServer(service *Service, logger zerolog.Logger, metrics *observability.Metrics) *Server {
	return &Server{service: service, logger: logger, metrics: metrics}
}

// Register installs the query routes on a mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/settlements", s.handleSettlements)
	mux.HandleFunc("/v1/accumulator", s.handleAccumulator)
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/snapshot", s.handleSnapshot)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "settlements"

	market := r.URL.Query().Get("market")
	if market == "" {
		s.fail(w, endpoint, http.StatusBadRequest, "market is required")
		return
	}
	limit := intParam(r, "limit", 100)

	var beforeVersion *int64
	if raw := r.URL.Query().Get("before_version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.fail(w, endpoint, http.StatusBadRequest, "before_version must be an integer")
			return
		}
		beforeVersion = &v
	}

	out, err := s.service.GetSettlements(r.Context(), market, limit, beforeVersion)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		s.fail(w, endpoint, http.StatusInternalServerError, "internal error")
		return
	}
	s.ok(w, endpoint, start, out)
}

func (s *Server) handleAccumulator(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "accumulator"

	market := r.URL.Query().Get("market")
	if market == "" {
		s.fail(w, endpoint, http.StatusBadRequest, "market is required")
		return
	}
	raw := r.URL.Query().Get("as_of_version")
	if raw == "" {
		s.fail(w, endpoint, http.StatusBadRequest, "as_of_version is required")
		return
	}
	asOf, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || asOf < 0 {
		s.fail(w, endpoint, http.StatusBadRequest, "as_of_version must be a non-negative integer")
		return
	}

	out, err := s.service.GetEntryAsOf(r.Context(), market, asOf)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		s.fail(w, endpoint, http.StatusInternalServerError, "internal error")
		return
	}
	s.ok(w, endpoint, start, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "events"

	fromSeq := int64(intParam(r, "from_sequence", 0))
	limit := intParam(r, "limit", 100)

	out, err := s.service.GetEvents(r.Context(), fromSeq, limit)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		s.fail(w, endpoint, http.StatusInternalServerError, "internal error")
		return
	}
	s.ok(w, endpoint, start, out)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "snapshot"

	market := r.URL.Query().Get("market")
	if market == "" {
		s.fail(w, endpoint, http.StatusBadRequest, "market is required")
		return
	}

	out, err := s.service.GetLatestSnapshot(r.Context(), market)
	if err != nil {
		s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
		s.fail(w, endpoint, http.StatusInternalServerError, "internal error")
		return
	}
	if out == nil {
		s.fail(w, endpoint, http.StatusNotFound, "no verified snapshot")
		return
	}
	s.ok(w, endpoint, start, out)
}

func (s *Server) ok(w http.ResponseWriter, endpoint string, start time.Time, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)

	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "ok").Inc()
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})

	if s.metrics != nil {
		s.metrics.QueryRequests.WithLabelValues(endpoint, "error").Inc()
		s.metrics.QueryErrors.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	}
}

func intParam(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
