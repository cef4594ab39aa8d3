package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"modmaster/pkg/domain"
)

// ErrScanNotProcessing is returned when a conditional scan transition finds
// the row in a different status (or missing).
var ErrScanNotProcessing = errors.New("scan is not processing")

// Store defines persistence operations for scans, their detected parts and
// the read-only catalog data the scan pipeline needs.
type Store interface {
	// scans
	CreateScan(ctx context.Context, scan domain.Scan) error
	GetScan(ctx context.Context, id string) (domain.Scan, bool, error)
	CommitScanResult(ctx context.Context, scanID string, outcome ScanOutcome, detections []domain.Detection, resolve ResolveFunc) (int, error)
	FailScan(ctx context.Context, scanID, errMsg string, processingTimeMs int64) (bool, error)
	ResetScan(ctx context.Context, scanID string) (bool, error)
	DeleteScan(ctx context.Context, scanID string) error

	// detected parts
	ListDetectedParts(ctx context.Context, scanID string) ([]domain.DetectedPart, error)

	// marketplace + catalog reads
	GetVehicle(ctx context.Context, id string) (domain.Vehicle, bool, error)
	ListFitments(ctx context.Context, partIDs []string) ([]domain.Fitment, error)
	Catalog() PartCatalog
}

// PartCatalog is the part lookup surface the resolver runs against. During a
// commit it is bound to the open transaction.
type PartCatalog interface {
	FindPartByOEM(ctx context.Context, oem string) (domain.Part, bool, error)
	FindPartByUniversal(ctx context.Context, upn string) (domain.Part, bool, error)
	// CreatePartIfAbsent inserts part unless its OEM number is already taken,
	// then returns whichever row owns that OEM number.
	CreatePartIfAbsent(ctx context.Context, part domain.Part) (domain.Part, error)
}

// ResolveFunc maps one detection to a catalog part. ok=false drops the detection.
type ResolveFunc func(ctx context.Context, parts PartCatalog, detection domain.Detection) (part domain.Part, ok bool, err error)

// ScanOutcome carries the completed-scan fields written by CommitScanResult.
type ScanOutcome struct {
	AIResults        json.RawMessage
	Confidence       float64
	ProcessingTimeMs int64
	CompletedAt      time.Time
}
