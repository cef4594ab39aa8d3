package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type ScanStatus string

const (
	StatusProcessing ScanStatus = "processing"
	StatusCompleted  ScanStatus = "completed"
	StatusFailed     ScanStatus = "failed"
)

// Terminal reports whether no further automatic transition can happen.
func (s ScanStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type ScanMode string

const (
	ModeParts              ScanMode = "parts"
	ModeEngineBay          ScanMode = "engine_bay"
	ModeVIN                ScanMode = "vin"
	ModePartIdentification ScanMode = "part_identification"
	ModeFullVehicle        ScanMode = "full_vehicle"
)

// ScanModes lists every accepted scan mode.
var ScanModes = []ScanMode{ModeParts, ModeEngineBay, ModeVIN, ModePartIdentification, ModeFullVehicle}

func (m ScanMode) Valid() bool {
	for _, mode := range ScanModes {
		if m == mode {
			return true
		}
	}
	return false
}

// ImageInfo describes the uploaded image before and after normalization.
type ImageInfo struct {
	OriginalSizeBytes int64  `json:"original_size_bytes"`
	OriginalWidth     int    `json:"original_width"`
	OriginalHeight    int    `json:"original_height"`
	OriginalType      string `json:"original_content_type"`
	SizeBytes         int64  `json:"size_bytes"`
	Width             int    `json:"width"`
	Height            int    `json:"height"`
	ContentType       string `json:"content_type"`
}

type Scan struct {
	ID                  string          `json:"id"`
	OwnerID             string          `json:"owner_id"`
	VehicleID           string          `json:"vehicle_id,omitempty"`
	Mode                ScanMode        `json:"scan_mode"`
	Status              ScanStatus      `json:"status"`
	ImageKey            string          `json:"-"`
	ImageURL            string          `json:"image_url,omitempty"`
	Image               ImageInfo       `json:"image"`
	Notes               string          `json:"notes,omitempty"`
	AIResults           json.RawMessage `json:"ai_results,omitempty"`
	PartsDetected       *int            `json:"parts_detected,omitempty"`
	ConfidenceScore     *float64        `json:"confidence_score,omitempty"`
	ProcessingTimeMs    *int64          `json:"processing_time_ms,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ProcessingStartedAt *time.Time      `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Detection is one object reported by the recognition service.
type Detection struct {
	Label               string         `json:"label"`
	Manufacturer        string         `json:"manufacturer,omitempty"`
	OEMNumber           string         `json:"oem_number,omitempty"`
	UniversalPartNumber string         `json:"universal_part_number,omitempty"`
	Name                string         `json:"name,omitempty"`
	Category            string         `json:"category,omitempty"`
	Subcategory         string         `json:"subcategory,omitempty"`
	Description         string         `json:"description,omitempty"`
	Confidence          float64        `json:"confidence"`
	BoundingBox         []float64      `json:"bounding_box,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// RecognitionResult is the parsed recognition response. Raw keeps the payload as received.
type RecognitionResult struct {
	Detections        []Detection     `json:"detections"`
	OverallConfidence float64         `json:"overall_confidence"`
	ProcessingTime    float64         `json:"processing_time"`
	Raw               json.RawMessage `json:"-"`
}

type Part struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Category            string    `json:"category"`
	Subcategory         string    `json:"subcategory,omitempty"`
	Manufacturer        string    `json:"manufacturer,omitempty"`
	OEMNumber           string    `json:"oem_number,omitempty"`
	UniversalPartNumber string    `json:"universal_part_number,omitempty"`
	Description         string    `json:"description,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// DetectedPart links a scan to a catalog part. Part is populated on reads.
type DetectedPart struct {
	ID          string         `json:"id"`
	ScanID      string         `json:"scan_id"`
	PartID      string         `json:"part_id"`
	Confidence  float64        `json:"confidence"`
	BoundingBox []float64      `json:"bounding_box,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	DetectedAs  string         `json:"detected_as"`
	CreatedAt   time.Time      `json:"created_at"`
	Part        Part           `json:"part"`
}

type Vehicle struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Make    string `json:"make"`
	Model   string `json:"model"`
	Year    int    `json:"year"`
	Engine  string `json:"engine,omitempty"`
	Trim    string `json:"trim,omitempty"`
}

// Fitment declares that a part fits make/model vehicles built in [YearFrom, YearTo].
type Fitment struct {
	PartID   string `json:"part_id"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	YearFrom int    `json:"year_from"`
	YearTo   int    `json:"year_to"`
}

// Matches reports whether the fitment covers the vehicle.
func (f Fitment) Matches(v Vehicle) bool {
	if !strings.EqualFold(f.Make, v.Make) || !strings.EqualFold(f.Model, v.Model) {
		return false
	}
	if f.YearFrom > 0 && v.Year < f.YearFrom {
		return false
	}
	if f.YearTo > 0 && v.Year > f.YearTo {
		return false
	}
	return true
}

// StatusSnapshot is the poll view of a scan. OwnerID lets cached reads
// enforce ownership without touching the store.
type StatusSnapshot struct {
	ScanID           string     `json:"scan_id"`
	OwnerID          string     `json:"owner_id,omitempty"`
	Status           ScanStatus `json:"status"`
	ProcessingTimeMs *int64     `json:"processing_time,omitempty"`
	PartsDetected    *int       `json:"parts_detected,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

// Snapshot derives the poll view from a scan record.
func (s Scan) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		ScanID:           s.ID,
		OwnerID:          s.OwnerID,
		Status:           s.Status,
		ProcessingTimeMs: s.ProcessingTimeMs,
		PartsDetected:    s.PartsDetected,
		ErrorMessage:     s.ErrorMessage,
	}
}
