package store

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GORM models used for persistence.
type ScanModel struct {
	ID                  string  `gorm:"primaryKey"`
	OwnerID             string  `gorm:"not null;index"`
	VehicleID           *string `gorm:"index"`
	ScanMode            string  `gorm:"not null"`
	Status              string  `gorm:"not null;index"`
	ImageKey            string
	ImageURL            string
	OriginalSizeBytes   int64
	OriginalWidth       int
	OriginalHeight      int
	OriginalContentType string
	SizeBytes           int64
	Width               int
	Height              int
	ContentType         string
	Notes               string `gorm:"type:text"`
	AIResults           datatypes.JSON
	PartsDetected       *int
	ConfidenceScore     *float64
	ProcessingTimeMs    *int64
	ErrorMessage        *string   `gorm:"type:text"`
	CreatedAt           time.Time `gorm:"not null;index"`
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	UpdatedAt           time.Time `gorm:"not null"`
}

type DetectedPartModel struct {
	ID          string  `gorm:"primaryKey"`
	ScanID      string  `gorm:"not null;index"`
	PartID      string  `gorm:"not null;index"`
	Confidence  float64 `gorm:"not null"`
	BoundingBox datatypes.JSONSlice[float64]
	Metadata    datatypes.JSONMap
	DetectedAs  string
	CreatedAt   time.Time `gorm:"not null"`
}

type PartModel struct {
	ID                  string `gorm:"primaryKey"`
	Name                string `gorm:"not null"`
	Category            string `gorm:"not null;index"`
	Subcategory         string
	Manufacturer        string
	OEMNumber           *string   `gorm:"column:oem_number;uniqueIndex"`
	UniversalPartNumber *string   `gorm:"index"`
	Description         string    `gorm:"type:text"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

type VehicleModel struct {
	ID        string `gorm:"primaryKey"`
	OwnerID   string `gorm:"not null;index"`
	Make      string `gorm:"not null"`
	Model     string `gorm:"not null"`
	Year      int    `gorm:"not null"`
	Engine    string
	Trim      string
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

type PartFitmentModel struct {
	ID       uint   `gorm:"primaryKey"`
	PartID   string `gorm:"not null;index"`
	Make     string `gorm:"not null"`
	Model    string `gorm:"not null"`
	YearFrom int
	YearTo   int
}
