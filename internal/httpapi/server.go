package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/orehaul/haulsync/internal/haulage"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	svc         *haulage.Service
	cfg         ServerConfig
	schemas     *requestSchemas
	router      *mux.Router
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *haulage.Service) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc *haulage.Service, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	schemas, err := compileSchemas()
	if err != nil {
		// Schemas are compile-time constants; failure here is a programming error.
		panic(fmt.Sprintf("httpapi: compiling request schemas: %v", err))
	}

	s := &Server{
		svc:         svc,
		cfg:         cfg,
		schemas:     schemas,
		rateLimiter: limiter,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/bookings", s.withAuth("create_booking", []string{RoleAdmin}, s.handleCreateBooking)).Methods(http.MethodPost)
	v1.HandleFunc("/bookings", s.withAuth("list_bookings", nil, s.handleListBookings)).Methods(http.MethodGet)
	v1.HandleFunc("/bookings/{bookingID}", s.withAuth("get_booking", nil, s.handleGetBooking)).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries", s.withAuth("create_delivery", []string{RoleDispatcher, RoleAdmin}, s.handleCreateDelivery)).Methods(http.MethodPost)
	v1.HandleFunc("/deliveries", s.withAuth("list_deliveries", nil, s.handleListDeliveries)).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{trackingID}", s.withAuth("get_delivery", nil, s.handleGetDelivery)).Methods(http.MethodGet)
	v1.HandleFunc("/deliveries/{trackingID}/checkpoints",
		s.withAuth("append_checkpoint", []string{RoleDriver, RoleDispatcher, RoleAdmin}, s.handleAppendCheckpoint)).Methods(http.MethodPost)
	v1.HandleFunc("/sync/link", s.withAuth("sync_link", nil, s.handleSyncLink)).Methods(http.MethodGet)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type authedHandler func(w http.ResponseWriter, r *http.Request, claims operatorClaims, correlationID string)

func (s *Server) withAuth(route string, allowedRoles []string, next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}()

		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, allowedRoles, time.Now().UTC())
		if authErr != nil {
			writeError(recorder, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			correlationID = fmt.Sprintf("req_%d", time.Now().UnixNano())
		}
		if s.rateLimiter != nil {
			if !s.rateLimiter.allow(claims.OperatorID, time.Now().UTC()) {
				retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				recorder.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(recorder, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
				return
			}
		}
		next(recorder, r, claims, correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request, _ operatorClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.createBooking, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var in haulage.CreateBookingInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	booking, err := s.svc.CreateBooking(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (s *Server) handleListBookings(w http.ResponseWriter, r *http.Request, _ operatorClaims, correlationID string) {
	bookings, err := s.svc.ListBookings(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request, _ operatorClaims, correlationID string) {
	booking, err := s.svc.GetBooking(r.Context(), mux.Vars(r)["bookingID"])
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

// handleCreateDelivery commits an allocation-backed delivery. Full success is
// 201; a committed delivery whose notification dispatch failed reports 207 so
// clients can distinguish the partial outcome from both success and failure.
func (s *Server) handleCreateDelivery(w http.ResponseWriter, r *http.Request, _ operatorClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.createDelivery, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var in haulage.CreateDeliveryInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	result, err := s.svc.CreateDelivery(r.Context(), r.Header.Get("Idempotency-Key"), in)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if !result.Replayed {
		deliveriesCreatedTotal.Inc()
	}
	status := http.StatusCreated
	if result.Notification.Warned() {
		notificationFailuresTotal.Inc()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request, _ operatorClaims, correlationID string) {
	deliveries, err := s.svc.ListDeliveries(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": deliveries})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request, _ operatorClaims, correlationID string) {
	delivery, err := s.svc.GetDelivery(r.Context(), mux.Vars(r)["trackingID"])
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleAppendCheckpoint(w http.ResponseWriter, r *http.Request, claims operatorClaims, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.appendCheckpoint, body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
		return
	}
	var in haulage.AppendCheckpointInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	in.TrackingID = mux.Vars(r)["trackingID"]
	in.OperatorID = claims.OperatorID
	result, err := s.svc.AppendCheckpoint(r.Context(), r.Header.Get("Idempotency-Key"), in)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if !result.Replayed {
		checkpointsAppendedTotal.Inc()
	}
	status := http.StatusOK
	if result.Notification.Warned() {
		notificationFailuresTotal.Inc()
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, result)
}

// handleSyncLink holds a websocket open as the agent's connectivity probe.
// No payload flows server-to-client; the agent infers offline from closure.
func (s *Server) handleSyncLink(w http.ResponseWriter, r *http.Request, _ operatorClaims, _ string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "link terminated")
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var capErr *haulage.CapacityError
	switch {
	case errors.Is(err, haulage.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, haulage.ErrBookingNotFound):
		writeError(w, http.StatusNotFound, "booking_not_found", err.Error(), correlationID)
	case errors.Is(err, haulage.ErrDeliveryNotFound):
		writeError(w, http.StatusNotFound, "delivery_not_found", err.Error(), correlationID)
	case errors.As(err, &capErr):
		allocationRejectionsTotal.Inc()
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"code":          "insufficient_capacity",
			"message":       capErr.Error(),
			"requested":     capErr.Requested,
			"remaining":     capErr.Remaining,
			"correlationId": correlationID,
		})
	case errors.Is(err, haulage.ErrInsufficientCapacity):
		allocationRejectionsTotal.Inc()
		writeError(w, http.StatusUnprocessableEntity, "insufficient_capacity", err.Error(), correlationID)
	case errors.Is(err, haulage.ErrInvalidTransition):
		writeError(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error(), correlationID)
	case errors.Is(err, haulage.ErrIdempotencyMismatch):
		writeError(w, http.StatusUnprocessableEntity, "idempotency_mismatch", err.Error(), correlationID)
	case errors.Is(err, haulage.ErrIdempotencyInProgress):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusConflict, "idempotency_in_progress", err.Error(), correlationID)
	case errors.Is(err, haulage.ErrIDExhausted):
		idExhaustionTotal.Inc()
		writeError(w, http.StatusServiceUnavailable, "id_exhaustion", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "timeout", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
