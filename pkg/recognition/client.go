package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"modmaster/internal/servicetoken"
	"modmaster/pkg/domain"
)

const (
	// DefaultTimeout bounds one recognition call end to end.
	DefaultTimeout = 60 * time.Second
	// Audience is the service-token audience expected by the recognition service.
	Audience = "recognition"

	maxResponseBytes = 8 << 20
	analyzePath      = "/analyze"
)

// ErrFailed marks every recognition failure: transport errors, timeouts,
// non-2xx responses and error payloads.
var ErrFailed = errors.New("recognition service")

// Analyzer analyzes a stored image.
type Analyzer interface {
	Analyze(ctx context.Context, imageURL string, mode domain.ScanMode) (domain.RecognitionResult, error)
}

// Config configures the HTTP recognition client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Signer  *servicetoken.Signer
	// HTTPClient overrides the signed client built from Signer and Timeout.
	HTTPClient *http.Client
}

// Client calls the recognition service over HTTP JSON.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient constructs a recognition client.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("recognition base url required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = servicetoken.NewHTTPClient(cfg.Signer, Audience, timeout)
	}
	return &Client{baseURL: baseURL, timeout: timeout, httpClient: httpClient}, nil
}

// Analyze submits the image URL and returns the parsed detections.
func (c *Client) Analyze(ctx context.Context, imageURL string, mode domain.ScanMode) (domain.RecognitionResult, error) {
	if strings.TrimSpace(imageURL) == "" {
		return domain.RecognitionResult{}, fmt.Errorf("%w: image url required", ErrFailed)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(analyzeRequest{ImageURL: imageURL, ScanMode: string(mode)})
	if err != nil {
		return domain.RecognitionResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, bytes.NewReader(body))
	if err != nil {
		return domain.RecognitionResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.RecognitionResult{}, fmt.Errorf("%w: timed out after %s", ErrFailed, c.timeout)
		}
		return domain.RecognitionResult{}, fmt.Errorf("%w: %v", ErrFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.RecognitionResult{}, fmt.Errorf("%w: read response: %v", ErrFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp analyzeResponse
		_ = json.Unmarshal(raw, &errResp)
		if msg := errResp.message(); msg != "" {
			return domain.RecognitionResult{}, fmt.Errorf("%w: status %d: %s", ErrFailed, resp.StatusCode, msg)
		}
		return domain.RecognitionResult{}, fmt.Errorf("%w: status %d", ErrFailed, resp.StatusCode)
	}

	var payload analyzeResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.RecognitionResult{}, fmt.Errorf("%w: decode response: %v", ErrFailed, err)
	}
	if msg := payload.message(); msg != "" {
		return domain.RecognitionResult{}, fmt.Errorf("%w: %s", ErrFailed, msg)
	}

	result := domain.RecognitionResult{
		Detections:        make([]domain.Detection, 0, len(payload.Detections)),
		OverallConfidence: payload.OverallConfidence,
		ProcessingTime:    payload.ProcessingTime,
		Raw:               json.RawMessage(raw),
	}
	for _, d := range payload.Detections {
		result.Detections = append(result.Detections, d.toDomain())
	}
	return result, nil
}

type analyzeRequest struct {
	ImageURL string `json:"image_url"`
	ScanMode string `json:"scan_mode"`
}

type analyzeResponse struct {
	Detections        []wireDetection `json:"detections"`
	OverallConfidence float64         `json:"overall_confidence"`
	ProcessingTime    float64         `json:"processing_time"`
	Error             string          `json:"error"`
	Detail            string          `json:"detail"`
}

func (r analyzeResponse) message() string {
	if msg := strings.TrimSpace(r.Error); msg != "" {
		return msg
	}
	return strings.TrimSpace(r.Detail)
}

type wireDetection struct {
	domain.Detection
	// Older detector builds report the box as "bbox".
	BBox []float64 `json:"bbox"`
}

func (d wireDetection) toDomain() domain.Detection {
	out := d.Detection
	if len(out.BoundingBox) == 0 && len(d.BBox) > 0 {
		out.BoundingBox = d.BBox
	}
	return out
}
