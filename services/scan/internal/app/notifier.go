package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modmaster/internal/servicetoken"
	"modmaster/pkg/domain"
)

const notifyAudience = "backend"

// ScanEvent is emitted once per finished run.
type ScanEvent struct {
	ScanID           string
	OwnerID          string
	Status           domain.ScanStatus
	PartsDetected    int
	ConfidenceScore  float64
	ProcessingTimeMs int64
	ErrorMessage     string
}

// Notifier tells the marketplace backend that a scan finished.
type Notifier interface {
	Notify(ctx context.Context, event ScanEvent) error
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, ScanEvent) error { return nil }

// HTTPNotifier posts scan events to the backend with a signed service token.
type HTTPNotifier struct {
	baseURL    string
	httpClient *http.Client
}

// NewNotifier returns an HTTP notifier, or a NopNotifier when baseURL is empty.
func NewNotifier(baseURL string, signer *servicetoken.Signer) Notifier {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return NopNotifier{}
	}
	return &HTTPNotifier{
		baseURL:    baseURL,
		httpClient: servicetoken.NewHTTPClient(signer, notifyAudience, 10*time.Second),
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, event ScanEvent) error {
	var (
		path    string
		payload any
	)
	switch event.Status {
	case domain.StatusCompleted:
		path = "results"
		payload = map[string]any{
			"status":             event.Status,
			"parts_detected":     event.PartsDetected,
			"confidence_score":   event.ConfidenceScore,
			"processing_time_ms": event.ProcessingTimeMs,
		}
	case domain.StatusFailed:
		path = "status"
		payload = map[string]any{
			"status":        event.Status,
			"error_message": event.ErrorMessage,
		}
	default:
		return fmt.Errorf("notify: unexpected status %q", event.Status)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	endpoint := n.baseURL + "/api/v1/scans/" + url.PathEscape(event.ScanID) + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify backend: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("notify backend: %s", msg)
	}
	return nil
}
