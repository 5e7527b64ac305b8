// Package httpapi exposes the record operations, the workflow message
// intake and the admin surface over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/ingest"
	"github.com/cumulusdata/cumulus/internal/relocate"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	// BackendProfile is reported by the backends admin route.
	BackendProfile string
}

type Server struct {
	records   *dualwrite.Coordinator
	pipeline  *ingest.Pipeline
	relocator *relocate.Engine
	cfg       ServerConfig
	logger    zerolog.Logger
	metrics   http.Handler

	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
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

func NewServer(records *dualwrite.Coordinator, pipeline *ingest.Pipeline, relocator *relocate.Engine) *Server {
	return NewServerWithConfig(records, pipeline, relocator, ServerConfig{})
}

func NewServerWithConfig(records *dualwrite.Coordinator, pipeline *ingest.Pipeline, relocator *relocate.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		records:            records,
		pipeline:           pipeline,
		relocator:          relocator,
		cfg:                cfg,
		logger:             zerolog.Nop(),
		metrics:            promhttp.Handler(),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/internal/messages" && r.Method == http.MethodPost:
		s.handleInternalMessage(w, r)
		return
	}

	parts, ok := splitPath(r.URL.EscapedPath())
	if !ok || len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	resource, key := parts[1], parts[2:]

	requiredScope := scopeRead
	if r.Method != http.MethodGet {
		requiredScope = scopeWrite
	}
	if resource == "admin" {
		requiredScope = scopeAdmin
	}
	if resource == "granules" && len(key) == 3 && key[2] == "move" {
		requiredScope = scopeMove
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	c := call{s: s, w: w, r: r, correlationID: correlationID}
	switch resource {
	case "collections":
		serveResource(c, key, collectionRoutes(s.records))
	case "providers":
		serveResource(c, key, providerRoutes(s.records))
	case "async-operations":
		serveResource(c, key, asyncOperationRoutes(s.records))
	case "rules":
		serveResource(c, key, ruleRoutes(s.records))
	case "executions":
		serveResource(c, key, executionRoutes(s.records))
	case "pdrs":
		serveResource(c, key, pdrRoutes(s.records))
	case "granules":
		if len(key) == 3 && key[2] == "move" && r.Method == http.MethodPost {
			s.handleMoveGranule(c, key[0], key[1])
			return
		}
		serveResource(c, key, granuleRoutes(s.records))
	case "admin":
		s.handleAdmin(c, key)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// splitPath unescapes each segment separately so keys may contain slashes.
func splitPath(escaped string) ([]string, bool) {
	raw := strings.Split(strings.Trim(escaped, "/"), "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		seg, err := url.PathUnescape(p)
		if err != nil || seg == "" {
			return nil, false
		}
		parts = append(parts, seg)
	}
	return parts, true
}

// call bundles one request's writer, request and correlation id.
type call struct {
	s             *Server
	w             http.ResponseWriter
	r             *http.Request
	correlationID string
}

func (c call) ctx() context.Context {
	return c.r.Context()
}

func (c call) fail(err error) {
	c.s.writeDomainError(c.w, err, c.correlationID)
}

func (s *Server) handleInternalMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Cumulus-Timestamp"),
		r.Header.Get("X-Cumulus-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Cumulus-Timestamp"), r.Header.Get("X-Cumulus-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}
	accepted, err := s.pipeline.Submit(r.Context(), body, correlationID)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted)
}

type moveRequest struct {
	Destinations []relocate.Destination `json:"destinations"`
}

type partialRelocationResponse struct {
	Code          string                    `json:"code"`
	Message       string                    `json:"message"`
	CorrelationID string                    `json:"correlationId"`
	GranuleID     string                    `json:"granuleId"`
	Failures      []cumulus.FileMoveFailure `json:"failures"`
	Granule       cumulus.Granule           `json:"granule"`
}

func (s *Server) handleMoveGranule(c call, collectionID, granuleID string) {
	var req moveRequest
	if !s.decodeJSONBody(c.w, c.r, c.correlationID, &req) {
		return
	}
	if len(req.Destinations) == 0 {
		writeError(c.w, http.StatusBadRequest, "bad_request", "destinations are required", c.correlationID)
		return
	}
	res, err := s.relocator.Move(c.ctx(), collectionID, granuleID, req.Destinations)
	var partial *cumulus.PartialRelocationError
	if errors.As(err, &partial) {
		writeJSON(c.w, http.StatusInternalServerError, partialRelocationResponse{
			Code:          "partial_relocation",
			Message:       partial.Error(),
			CorrelationID: c.correlationID,
			GranuleID:     partial.GranuleID,
			Failures:      partial.Failures,
			Granule:       res.Granule,
		})
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	writeJSON(c.w, http.StatusOK, res)
}

type backendsResponse struct {
	BackendProfile string `json:"backendProfile,omitempty"`
	QueueDepth     int    `json:"queueDepth"`
	QueueCapacity  int    `json:"queueCapacity"`
	DeadLetters    int    `json:"deadLetters"`
}

func (s *Server) handleAdmin(c call, key []string) {
	limit := parseBoundedInt(c.r.URL.Query().Get("limit"), 100, 1, 1000)
	switch {
	case len(key) == 1 && key[0] == "backends" && c.r.Method == http.MethodGet:
		writeJSON(c.w, http.StatusOK, backendsResponse{
			BackendProfile: s.cfg.BackendProfile,
			QueueDepth:     s.pipeline.QueueDepth(),
			QueueCapacity:  s.pipeline.QueueCapacity(),
			DeadLetters:    len(s.pipeline.DeadLetters(0)),
		})
	case len(key) == 1 && key[0] == "dead-letters" && c.r.Method == http.MethodGet:
		writeJSON(c.w, http.StatusOK, map[string]any{"items": s.pipeline.DeadLetters(limit)})
	case len(key) == 3 && key[0] == "dead-letters" && key[2] == "replay" && c.r.Method == http.MethodPost:
		accepted, err := s.pipeline.Replay(c.ctx(), key[1])
		if err != nil {
			c.fail(err)
			return
		}
		writeJSON(c.w, http.StatusAccepted, accepted)
	case len(key) == 1 && key[0] == "drift" && c.r.Method == http.MethodGet:
		items, err := s.records.Drift(c.ctx(), limit)
		if err != nil {
			c.fail(err)
			return
		}
		writeJSON(c.w, http.StatusOK, map[string]any{"items": items})
	case len(key) == 3 && key[0] == "drift" && key[2] == "resolve" && c.r.Method == http.MethodPost:
		if err := s.records.ResolveDrift(c.ctx(), key[1]); err != nil {
			c.fail(err)
			return
		}
		c.w.WriteHeader(http.StatusNoContent)
	default:
		writeError(c.w, http.StatusNotFound, "not_found", "route not found", c.correlationID)
	}
}

// writeDomainError maps typed record errors onto status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	var (
		associated *cumulus.AssociatedRecordError
		published  *cumulus.DeletePublishedGranuleError
		validation *cumulus.ValidationError
	)
	switch {
	case errors.As(err, &associated):
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":          "associated_records",
			"message":       err.Error(),
			"dependents":    associated.Dependents,
			"correlationId": correlationID,
		})
	case errors.As(err, &published):
		writeError(w, http.StatusBadRequest, "published_granule", err.Error(), correlationID)
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error(), correlationID)
	case errors.Is(err, cumulus.ErrReference):
		writeError(w, http.StatusBadRequest, "reference_not_found", err.Error(), correlationID)
	case errors.Is(err, cumulus.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, cumulus.ErrCollision):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, cumulus.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, ingest.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
