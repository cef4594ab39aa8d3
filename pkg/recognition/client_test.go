package recognition

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"modmaster/internal/servicetoken"
	"modmaster/pkg/domain"
)

const testBaseURL = "http://recognition.test"

func newMockedClient(t *testing.T, timeout time.Duration, signer *servicetoken.Signer) *Client {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)
	client, err := NewClient(Config{BaseURL: testBaseURL + "/", Timeout: timeout, Signer: signer})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAnalyzeParsesDetections(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := servicetoken.NewSigner(key, "kid-1", "scan-service", time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	client := newMockedClient(t, time.Second, signer)

	const payload = `{
		"detections": [
			{"label": "brake_pad", "oem_number": "04465-33450", "confidence": 0.91, "bounding_box": [0.1, 0.2, 0.3, 0.4]},
			{"label": "rotor", "confidence": 0.5, "bbox": [1, 2, 3, 4], "metadata": {"side": "front"}}
		],
		"overall_confidence": 0.87,
		"processing_time": 1.25
	}`
	var gotReq analyzeRequest
	var gotAuth string
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/analyze", func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		body, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(body, &gotReq)
		return httpmock.NewStringResponse(http.StatusOK, payload), nil
	})

	result, err := client.Analyze(context.Background(), "http://minio/scans/a/image.jpg", domain.ModeEngineBay)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if gotReq.ImageURL != "http://minio/scans/a/image.jpg" || gotReq.ScanMode != "engine_bay" {
		t.Fatalf("unexpected request: %+v", gotReq)
	}
	if !strings.HasPrefix(gotAuth, "Bearer ") {
		t.Fatalf("expected bearer token, got %q", gotAuth)
	}
	if len(result.Detections) != 2 || result.OverallConfidence != 0.87 || result.ProcessingTime != 1.25 {
		t.Fatalf("unexpected result: %+v", result)
	}
	first := result.Detections[0]
	if first.OEMNumber != "04465-33450" || len(first.BoundingBox) != 4 {
		t.Fatalf("unexpected first detection: %+v", first)
	}
	second := result.Detections[1]
	if len(second.BoundingBox) != 4 || second.BoundingBox[3] != 4 || second.Metadata["side"] != "front" {
		t.Fatalf("unexpected second detection: %+v", second)
	}
	if !json.Valid(result.Raw) || !strings.Contains(string(result.Raw), "brake_pad") {
		t.Fatalf("raw payload not kept: %s", result.Raw)
	}
}

func TestAnalyzeFailures(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
	}{
		{name: "server error", responder: httpmock.NewStringResponder(http.StatusInternalServerError, `{"detail":"model crashed"}`)},
		{name: "bad gateway without body", responder: httpmock.NewStringResponder(http.StatusBadGateway, "")},
		{name: "error payload", responder: httpmock.NewStringResponder(http.StatusOK, `{"error":"unreadable image","detections":[]}`)},
		{name: "invalid json", responder: httpmock.NewStringResponder(http.StatusOK, `{"detections":`)},
		{name: "transport error", responder: httpmock.NewErrorResponder(errors.New("connection refused"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newMockedClient(t, time.Second, nil)
			httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/analyze", tt.responder)
			_, err := client.Analyze(context.Background(), "http://minio/x.jpg", domain.ModeParts)
			if !errors.Is(err, ErrFailed) {
				t.Fatalf("expected ErrFailed, got %v", err)
			}
		})
	}
}

func TestAnalyzeTimeout(t *testing.T) {
	client := newMockedClient(t, 50*time.Millisecond, nil)
	httpmock.RegisterResponder(http.MethodPost, testBaseURL+"/analyze", func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	start := time.Now()
	_, err := client.Analyze(context.Background(), "http://minio/x.jpg", domain.ModeParts)
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestAnalyzeRequiresImageURL(t *testing.T) {
	client := newMockedClient(t, time.Second, nil)
	if _, err := client.Analyze(context.Background(), " ", domain.ModeParts); !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if httpmock.GetTotalCallCount() != 0 {
		t.Fatalf("expected no outbound call")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected missing base url to fail")
	}
}
