package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"modmaster/internal/metrics"
	"modmaster/internal/ratelimit"
	"modmaster/internal/usertoken"
	"modmaster/internal/util"
	"modmaster/pkg/domain"
	"modmaster/services/scan/internal/app"
)

const (
	defaultMaxUploadBytes = 10 << 20
	// multipart framing and the text fields ride on top of the image.
	formOverheadBytes = 1 << 20
)

// OwnerVerifier resolves the owner id from a user access token.
type OwnerVerifier interface {
	VerifyOwner(ctx context.Context, token string) (string, error)
}

// UploadQuota charges uploads to their owner.
type UploadQuota interface {
	Take(ctx context.Context, ownerID string) (ratelimit.Decision, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Verifier       OwnerVerifier
	Quota          UploadQuota
	Metrics        *metrics.ScanMetrics
	Gatherer       prometheus.Gatherer
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the scan service.
type Server struct {
	app            *app.App
	verifier       OwnerVerifier
	quota          UploadQuota
	metrics        *metrics.ScanMetrics
	gatherer       prometheus.Gatherer
	trusted        *util.TrustedProxies
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	s := &Server{
		app:            cfg.App,
		verifier:       cfg.Verifier,
		quota:          cfg.Quota,
		metrics:        cfg.Metrics,
		gatherer:       cfg.Gatherer,
		trusted:        cfg.TrustedProxies,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("scan", s.trusted, util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// scans
	s.mux.Handle("/scans", s.withOwner(s.handleScans))
	s.mux.Handle("/scans/", s.withOwner(s.handleScanByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ownerHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) withOwner(next ownerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := usertoken.BearerToken(r)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		ownerID, err := s.verifier.VerifyOwner(r.Context(), token)
		if err != nil {
			util.LoggerFromContext(r.Context()).Debug("token rejected", "err", err)
			writeError(w, r, http.StatusUnauthorized, "AUTH_INVALID_TOKEN", "unauthorized")
			return
		}
		next(w, r, ownerID)
	})
}

func (s *Server) handleScans(w http.ResponseWriter, r *http.Request, ownerID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r)
		return
	}
	s.handleCreateScan(w, r, ownerID)
}

// /scans/{id}, /scans/{id}/status, /scans/{id}/export or /scans/{id}/reprocess
func (s *Server) handleScanByID(w http.ResponseWriter, r *http.Request, ownerID string) {
	path := strings.TrimPrefix(r.URL.Path, "/scans/")
	parts := strings.SplitN(path, "/", 2)
	id := strings.TrimSpace(parts[0])
	if id == "" {
		notFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "status":
			s.requireMethod(w, r, http.MethodGet, func() { s.handleStatus(w, r, ownerID, id) })
		case "export":
			s.requireMethod(w, r, http.MethodGet, func() { s.handleExport(w, r, ownerID, id) })
		case "reprocess":
			s.requireMethod(w, r, http.MethodPost, func() { s.handleReprocess(w, r, ownerID, id) })
		default:
			notFound(w, r)
		}
		return
	}
	switch r.Method {
	case http.MethodGet:
		detail, err := s.app.GetScan(r.Context(), ownerID, id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	case http.MethodDelete:
		if err := s.app.DeleteScan(r.Context(), ownerID, id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w, r)
	}
}

func (s *Server) requireMethod(w http.ResponseWriter, r *http.Request, method string, next func()) {
	if r.Method != method {
		methodNotAllowed(w, r)
		return
	}
	next()
}

// takeUploadQuota charges the upload and writes the 429 when the owner is
// over quota.
func (s *Server) takeUploadQuota(w http.ResponseWriter, r *http.Request, ownerID string) bool {
	if s.quota == nil {
		return true
	}
	decision, err := s.quota.Take(r.Context(), ownerID)
	if err != nil {
		util.LoggerFromContext(r.Context()).Warn("upload quota unavailable", "owner_id", ownerID, "err", err)
	}
	if decision.Allowed {
		return true
	}
	s.metrics.UploadLimited()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
	writeError(w, r, http.StatusTooManyRequests, "SCAN_RATE_LIMITED", "too many uploads, try again later")
	return false
}

// retryAfterSeconds rounds up so clients never retry before the window resets.
func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	return max(secs, 1)
}

func (s *Server) handleCreateScan(w http.ResponseWriter, r *http.Request, ownerID string) {
	if !s.takeUploadQuota(w, r, ownerID) {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+formOverheadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAppError(w, r, app.ErrImageTooLarge)
			return
		}
		writeError(w, r, http.StatusBadRequest, "SCAN_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		writeAppError(w, r, app.ErrImageRequired)
		return
	}
	defer file.Close()
	// one byte past the limit is enough to reject oversized images
	data, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "SCAN_INVALID_UPLOAD_FORM", "invalid form data")
		return
	}
	res, err := s.app.CreateScan(r.Context(), app.CreateScanInput{
		OwnerID:   ownerID,
		VehicleID: r.FormValue("vehicle_id"),
		Mode:      domain.ScanMode(strings.ToLower(strings.TrimSpace(r.FormValue("scan_type")))),
		Notes:     r.FormValue("notes"),
		Image:     data,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

type statusResponse struct {
	ScanID         string            `json:"scan_id"`
	Status         domain.ScanStatus `json:"status"`
	ProcessingTime *int64            `json:"processing_time,omitempty"`
	PartsDetected  *int              `json:"parts_detected,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, ownerID, id string) {
	snap, err := s.app.GetStatus(r.Context(), ownerID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ScanID:         snap.ScanID,
		Status:         snap.Status,
		ProcessingTime: snap.ProcessingTimeMs,
		PartsDetected:  snap.PartsDetected,
		ErrorMessage:   snap.ErrorMessage,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, ownerID, id string) {
	format, err := app.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	file, err := s.app.Export(r.Context(), ownerID, id, format)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", file.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(file.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Data)
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request, ownerID, id string) {
	res, err := s.app.Reprocess(r.Context(), ownerID, id)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED", "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusNotFound, "SYSTEM_NOT_FOUND", "not found")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string           `json:"error"`
	Code      string           `json:"code"`
	RequestID string           `json:"request_id,omitempty"`
	Fields    []app.FieldError `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: requestID(w, r),
	})
}

func requestID(w http.ResponseWriter, r *http.Request) string {
	if id := util.RequestIDFromRequest(r); id != "" {
		return id
	}
	return strings.TrimSpace(w.Header().Get("X-Request-Id"))
}

// writeAppError maps app errors onto status codes. Internal failures are
// logged and reported without detail.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	resp := errorResponse{
		Error:     err.Error(),
		Code:      code,
		RequestID: requestID(w, r),
	}
	var verr *app.ValidationError
	if errors.As(err, &verr) {
		resp.Fields = verr.Fields
	}
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("scan request failed", "path", r.URL.Path, "err", err)
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, app.ErrImageRequired):
		return http.StatusBadRequest, "SCAN_IMAGE_REQUIRED"
	case errors.Is(err, app.ErrImageTooLarge):
		return http.StatusBadRequest, "SCAN_IMAGE_TOO_LARGE"
	case errors.Is(err, app.ErrImageUnsupported), errors.Is(err, app.ErrImageUndecodable):
		return http.StatusBadRequest, "SCAN_UNSUPPORTED_IMAGE"
	case errors.Is(err, app.ErrUnsupportedFormat):
		return http.StatusBadRequest, "SCAN_UNSUPPORTED_FORMAT"
	case errors.Is(err, app.ErrValidation):
		return http.StatusBadRequest, "SCAN_INVALID_REQUEST"
	case errors.Is(err, app.ErrVehicleNotFound):
		return http.StatusNotFound, "VEHICLE_NOT_FOUND"
	case errors.Is(err, app.ErrNotFound):
		return http.StatusNotFound, "SCAN_NOT_FOUND"
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden, "SCAN_FORBIDDEN"
	case errors.Is(err, app.ErrScanNotCompleted):
		return http.StatusBadRequest, "SCAN_NOT_COMPLETED"
	case errors.Is(err, app.ErrScanImageMissing):
		return http.StatusBadRequest, "SCAN_IMAGE_MISSING"
	case errors.Is(err, app.ErrInvalidState):
		return http.StatusBadRequest, "SCAN_INVALID_STATE"
	default:
		return http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR"
	}
}
