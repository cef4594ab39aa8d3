package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"modmaster/pkg/domain"
)

func completedScan(parts int) domain.Scan {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	conf := 0.82
	return domain.Scan{
		ID:              "scan-1",
		OwnerID:         "owner-1",
		Mode:            domain.ModeParts,
		Status:          domain.StatusCompleted,
		PartsDetected:   &parts,
		ConfidenceScore: &conf,
		CompletedAt:     &now,
	}
}

func sampleParts() []domain.DetectedPart {
	return []domain.DetectedPart{
		{PartID: "p-1", Confidence: 0.91, Part: domain.Part{ID: "p-1", Name: "Brake pad, front", Manufacturer: "Toyota", OEMNumber: "04465-33450", Category: "brakes"}},
		{PartID: "p-2", Confidence: 0.5, Part: domain.Part{ID: "p-2", Name: "Air filter", UniversalPartNumber: "AF-100", Category: "engine"}},
	}
}

func TestRenderExportCSV(t *testing.T) {
	file, err := renderExport(completedScan(2), sampleParts(), ExportCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if file.Filename != "scan-scan-1.csv" || file.ContentType != "text/csv; charset=utf-8" {
		t.Fatalf("unexpected file meta: %+v", file)
	}
	records, err := csv.NewReader(bytes.NewReader(file.Data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if records[0][0] != "part_id" || records[0][6] != "confidence" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	if records[1][1] != "Brake pad, front" || records[1][3] != "04465-33450" || records[1][6] != "0.9100" {
		t.Fatalf("unexpected row: %v", records[1])
	}
	if records[2][4] != "AF-100" {
		t.Fatalf("unexpected row: %v", records[2])
	}
}

func TestRenderExportJSON(t *testing.T) {
	file, err := renderExport(completedScan(2), sampleParts(), ExportJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var doc exportDocument
	if err := json.Unmarshal(file.Data, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.ScanID != "scan-1" || doc.PartsDetected != 2 || len(doc.Parts) != 2 || doc.Parts[0].PartID != "p-1" {
		t.Fatalf("unexpected document: %+v", doc)
	}
}

func TestRenderExportPDF(t *testing.T) {
	file, err := renderExport(completedScan(2), sampleParts(), ExportPDF)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !bytes.HasPrefix(file.Data, []byte("%PDF-")) || file.ContentType != "application/pdf" {
		t.Fatalf("expected a pdf document, got %q", file.Data[:min(len(file.Data), 8)])
	}
}

func TestRenderExportZeroParts(t *testing.T) {
	for _, format := range []ExportFormat{ExportJSON, ExportCSV, ExportPDF} {
		t.Run(string(format), func(t *testing.T) {
			file, err := renderExport(completedScan(0), nil, format)
			if err != nil {
				t.Fatalf("export: %v", err)
			}
			switch format {
			case ExportJSON:
				var doc map[string]any
				if err := json.Unmarshal(file.Data, &doc); err != nil {
					t.Fatalf("decode: %v", err)
				}
				parts, ok := doc["parts"].([]any)
				if !ok || len(parts) != 0 {
					t.Fatalf("expected empty parts array, got %v", doc["parts"])
				}
			case ExportCSV:
				records, err := csv.NewReader(bytes.NewReader(file.Data)).ReadAll()
				if err != nil || len(records) != 1 {
					t.Fatalf("expected header only, got %v err=%v", records, err)
				}
			case ExportPDF:
				if !bytes.HasPrefix(file.Data, []byte("%PDF-")) {
					t.Fatalf("expected a pdf document")
				}
			}
		})
	}
}

func TestRenderExportRequiresCompleted(t *testing.T) {
	for _, status := range []domain.ScanStatus{domain.StatusProcessing, domain.StatusFailed} {
		scan := completedScan(0)
		scan.Status = status
		if _, err := renderExport(scan, nil, ExportJSON); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("%s: expected invalid state, got %v", status, err)
		}
	}
}

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		raw     string
		want    ExportFormat
		wantErr bool
	}{
		{raw: "", want: ExportJSON},
		{raw: "CSV", want: ExportCSV},
		{raw: " pdf ", want: ExportPDF},
		{raw: "xlsx", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseExportFormat(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("%q: expected validation error, got %v", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: expected %s, got %s err=%v", tt.raw, tt.want, got, err)
		}
	}
}

func TestExportThroughApp(t *testing.T) {
	env := newTestEnv(t, func(context.Context, string, domain.ScanMode) (domain.RecognitionResult, error) {
		return threeDetections(), nil
	})
	seedCatalog(t, env.store)
	res := createScan(t, env, "")
	ctx := context.Background()
	if _, err := env.app.Export(ctx, "owner-1", res.ScanID, ExportCSV); !errors.Is(err, ErrScanNotCompleted) {
		t.Fatalf("expected processing scan export to fail, got %v", err)
	}
	if err := env.app.Run(ctx, res.ScanID); err != nil {
		t.Fatalf("run: %v", err)
	}
	file, err := env.app.Export(ctx, "owner-1", res.ScanID, ExportCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(file.Data)).ReadAll()
	if err != nil || len(records) != 3 {
		t.Fatalf("expected 2 part rows, got %v err=%v", records, err)
	}
	if records[1][3] != brakePadOEM {
		t.Fatalf("expected highest-confidence part first, got %v", records[1])
	}
}
