package app

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"modmaster/pkg/domain"
)

// ExportFormat selects the report encoding.
type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportCSV  ExportFormat = "csv"
	ExportPDF  ExportFormat = "pdf"
)

// ParseExportFormat maps a query value onto a format; empty means JSON.
func ParseExportFormat(raw string) (ExportFormat, error) {
	switch ExportFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ExportJSON:
		return ExportJSON, nil
	case ExportCSV:
		return ExportCSV, nil
	case ExportPDF:
		return ExportPDF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// ExportFile is a rendered report.
type ExportFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

var exportColumns = []string{"part_id", "name", "manufacturer", "oem_number", "universal_part_number", "category", "confidence"}

type exportRow struct {
	PartID              string  `json:"part_id"`
	Name                string  `json:"name"`
	Manufacturer        string  `json:"manufacturer"`
	OEMNumber           string  `json:"oem_number"`
	UniversalPartNumber string  `json:"universal_part_number"`
	Category            string  `json:"category"`
	Confidence          float64 `json:"confidence"`
}

func (r exportRow) values() []string {
	return []string{
		r.PartID,
		r.Name,
		r.Manufacturer,
		r.OEMNumber,
		r.UniversalPartNumber,
		r.Category,
		strconv.FormatFloat(r.Confidence, 'f', 4, 64),
	}
}

type exportDocument struct {
	ScanID          string      `json:"scan_id"`
	ScanMode        string      `json:"scan_mode"`
	VehicleID       string      `json:"vehicle_id,omitempty"`
	Status          string      `json:"status"`
	PartsDetected   int         `json:"parts_detected"`
	ConfidenceScore float64     `json:"confidence_score"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	Parts           []exportRow `json:"parts"`
}

// renderExport encodes a completed scan and its parts. Zero parts yields a
// valid empty document in every format.
func renderExport(scan domain.Scan, parts []domain.DetectedPart, format ExportFormat) (ExportFile, error) {
	if scan.Status != domain.StatusCompleted {
		return ExportFile{}, ErrScanNotCompleted
	}
	rows := make([]exportRow, 0, len(parts))
	for _, p := range parts {
		rows = append(rows, exportRow{
			PartID:              p.PartID,
			Name:                p.Part.Name,
			Manufacturer:        p.Part.Manufacturer,
			OEMNumber:           p.Part.OEMNumber,
			UniversalPartNumber: p.Part.UniversalPartNumber,
			Category:            p.Part.Category,
			Confidence:          p.Confidence,
		})
	}
	base := "scan-" + scan.ID
	switch format {
	case ExportJSON:
		data, err := exportJSON(scan, rows)
		if err != nil {
			return ExportFile{}, err
		}
		return ExportFile{Filename: base + ".json", ContentType: "application/json", Data: data}, nil
	case ExportCSV:
		data, err := exportCSV(rows)
		if err != nil {
			return ExportFile{}, err
		}
		return ExportFile{Filename: base + ".csv", ContentType: "text/csv; charset=utf-8", Data: data}, nil
	case ExportPDF:
		data, err := exportPDF(scan, rows)
		if err != nil {
			return ExportFile{}, err
		}
		return ExportFile{Filename: base + ".pdf", ContentType: "application/pdf", Data: data}, nil
	default:
		return ExportFile{}, ErrUnsupportedFormat
	}
}

func exportJSON(scan domain.Scan, rows []exportRow) ([]byte, error) {
	doc := exportDocument{
		ScanID:        scan.ID,
		ScanMode:      string(scan.Mode),
		VehicleID:     scan.VehicleID,
		Status:        string(scan.Status),
		PartsDetected: len(rows),
		CompletedAt:   scan.CompletedAt,
		Parts:         rows,
	}
	if scan.PartsDetected != nil {
		doc.PartsDetected = *scan.PartsDetected
	}
	if scan.ConfidenceScore != nil {
		doc.ConfidenceScore = *scan.ConfidenceScore
	}
	return json.MarshalIndent(doc, "", "  ")
}

func exportCSV(rows []exportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportColumns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write(row.values()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

var pdfColumnWidths = []float64{62, 50, 36, 34, 36, 34, 25}

func exportPDF(scan domain.Scan, rows []exportRow) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Scan "+scan.ID, true)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, tr("Scan report "+scan.ID), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	summary := fmt.Sprintf("Mode: %s    Parts detected: %d", scan.Mode, len(rows))
	if scan.ConfidenceScore != nil {
		summary += fmt.Sprintf("    Confidence: %.2f", *scan.ConfidenceScore)
	}
	pdf.CellFormat(0, 6, tr(summary), "", 1, "L", false, 0, "")
	if scan.CompletedAt != nil {
		pdf.CellFormat(0, 6, "Completed: "+scan.CompletedAt.UTC().Format(time.RFC3339), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	for i, col := range exportColumns {
		pdf.CellFormat(pdfColumnWidths[i], 7, col, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Helvetica", "", 8)
	if len(rows) == 0 {
		pdf.CellFormat(0, 7, "No parts detected.", "1", 1, "C", false, 0, "")
	}
	for _, row := range rows {
		for i, v := range row.values() {
			pdf.CellFormat(pdfColumnWidths[i], 6, tr(truncate(v, 40)), "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
