package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/a11y-scanner/internal/audit"
	"github.com/JakeFAU/a11y-scanner/internal/metrics"
	"github.com/JakeFAU/a11y-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/a11y-scanner/internal/safety"
	"github.com/JakeFAU/a11y-scanner/internal/service"
)

const maxBodyBytes = 64 << 10

// Service is the application layer behind the HTTP handlers.
type Service interface {
	SubmitScan(ctx context.Context, req service.SubmitRequest) (service.SubmitResult, error)
	GetJobStatus(ctx context.Context, jobID string) (service.JobStatusView, error)
	GetScan(ctx context.Context, scanID, token string) (service.ScanView, error)
	MarkPaid(ctx context.Context, scanID string, tier audit.Tier) (audit.Scan, error)
	GenerateReport(ctx context.Context, scanID, token string) (audit.Report, error)
}

// Config controls the HTTP surface.
type Config struct {
	SubmitRPS      float64
	SubmitBurst    int
	PaymentsAPIKey string
	RequestTimeout time.Duration
	// TrustForwardedFor takes the client IP from X-Forwarded-For, for deployments behind a proxy.
	TrustForwardedFor bool
}

// Server wires HTTP handlers to the scan service.
type Server struct {
	router  chi.Router
	svc     Service
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc Service, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		svc:     svc,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.SubmitRPS, Burst: cfg.SubmitBurst}),
		cfg:     cfg,
		logger:  logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.rateLimitMiddleware).Post("/scans", s.submitScan)
		r.Get("/scans/{scan_id}", s.getScan)
		r.Post("/scans/{scan_id}/report", s.generateReport)
		r.Get("/jobs/{job_id}", s.getJobStatus)
	})
	r.Route("/internal", func(r chi.Router) {
		r.Use(apiKeyMiddleware(cfg.PaymentsAPIKey))
		r.Post("/payments/confirm", s.confirmPayment)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitScanRequest struct {
	URL              string `json:"url"`
	AuthorizedToScan bool   `json:"authorized_to_scan"`
}

func (s *Server) submitScan(w http.ResponseWriter, r *http.Request) {
	var req submitScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	res, err := s.svc.SubmitScan(r.Context(), service.SubmitRequest{
		URL:              req.URL,
		AuthorizedToScan: req.AuthorizedToScan,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetJobStatus(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetScan(r.Context(), chi.URLParam(r, "scan_id"), scanToken(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type reportResponse struct {
	ReportURL   string `json:"report_url"`
	ContentHash string `json:"content_hash"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.svc.GenerateReport(r.Context(), chi.URLParam(r, "scan_id"), scanToken(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{ReportURL: rep.ArtifactURI, ContentHash: rep.ContentHash})
}

type confirmPaymentRequest struct {
	ScanID string `json:"scan_id"`
	Tier   string `json:"tier"`
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ScanID == "" {
		writeError(w, http.StatusBadRequest, "scan_id required")
		return
	}
	tier, err := audit.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	scan, err := s.svc.MarkPaid(r.Context(), req.ScanID, tier)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_id": scan.ID,
		"status":  scan.Status,
		"tier":    scan.Payment.Tier,
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *safety.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Kind.Error(), "reason": verr.Reason})
	case audit.IsInputError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, audit.ErrAccessDenied):
		writeError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, audit.ErrScanNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, "request timed out")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func scanToken(r *http.Request) string {
	if token := r.Header.Get("X-Scan-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(s.clientIP(r)) {
			metrics.ObserveSubmitRejected("rate_limited")
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", requestID(r.Context())),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

// apiKeyMiddleware rejects every request when expected is empty.
func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if expected == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
