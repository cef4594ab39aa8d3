package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"modmaster/pkg/domain"
)

const migrateLockID int64 = 51845184

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the Postgres DB and runs auto-migrations under an
// advisory lock so concurrent replicas do not race.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already opened DB (any dialect) and migrates it.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := migrate(db); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&ScanModel{}, &DetectedPartModel{}, &PartModel{}, &VehicleModel{}, &PartFitmentModel{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateScan inserts a new scan row.
func (s *GormStore) CreateScan(ctx context.Context, scan domain.Scan) error {
	model := scanToModel(scan)
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetScan retrieves a scan.
func (s *GormStore) GetScan(ctx context.Context, id string) (domain.Scan, bool, error) {
	var model ScanModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Scan{}, false, nil
		}
		return domain.Scan{}, false, err
	}
	return scanFromModel(model), true, nil
}

// CommitScanResult resolves every detection, writes one association per
// resolved part and flips the scan to completed, all in one transaction.
// It returns the number of associations written.
func (s *GormStore) CommitScanResult(ctx context.Context, scanID string, outcome ScanOutcome, detections []domain.Detection, resolve ResolveFunc) (int, error) {
	var written int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		parts := &gormCatalog{db: tx}
		count := 0
		for i, detection := range detections {
			part, ok, err := resolve(ctx, parts, detection)
			if err != nil {
				return fmt.Errorf("resolve detection %d: %w", i, err)
			}
			if !ok {
				continue
			}
			model := DetectedPartModel{
				ID:          uuid.NewString(),
				ScanID:      scanID,
				PartID:      part.ID,
				Confidence:  clamp01(detection.Confidence),
				BoundingBox: datatypes.JSONSlice[float64](detection.BoundingBox),
				Metadata:    datatypes.JSONMap(detection.Metadata),
				DetectedAs:  detection.Label,
				CreatedAt:   time.Now().UTC(),
			}
			if err := tx.Create(&model).Error; err != nil {
				return fmt.Errorf("insert detected part %d: %w", i, err)
			}
			count++
		}
		completedAt := outcome.CompletedAt.UTC()
		res := tx.Model(&ScanModel{}).
			Where("id = ? AND status = ?", scanID, string(domain.StatusProcessing)).
			Updates(map[string]any{
				"status":             string(domain.StatusCompleted),
				"ai_results":         datatypes.JSON(outcome.AIResults),
				"parts_detected":     count,
				"confidence_score":   clamp01(outcome.Confidence),
				"processing_time_ms": outcome.ProcessingTimeMs,
				"error_message":      nil,
				"completed_at":       completedAt,
				"updated_at":         completedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("complete scan: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrScanNotProcessing
		}
		written = count
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// FailScan marks a processing scan failed. It reports false when the scan was
// not processing.
func (s *GormStore) FailScan(ctx context.Context, scanID, errMsg string, processingTimeMs int64) (bool, error) {
	var updated bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&ScanModel{}).
			Where("id = ? AND status = ?", scanID, string(domain.StatusProcessing)).
			Updates(map[string]any{
				"status":             string(domain.StatusFailed),
				"error_message":      errMsg,
				"ai_results":         nil,
				"parts_detected":     nil,
				"confidence_score":   nil,
				"processing_time_ms": processingTimeMs,
				"completed_at":       now,
				"updated_at":         now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		updated = true
		return tx.Delete(&DetectedPartModel{}, "scan_id = ?", scanID).Error
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// ResetScan returns a terminal scan to processing, clearing its result
// fields and associations. It reports false when the scan was not terminal.
func (s *GormStore) ResetScan(ctx context.Context, scanID string) (bool, error) {
	var reset bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&ScanModel{}).
			Where("id = ? AND status IN ?", scanID, []string{string(domain.StatusCompleted), string(domain.StatusFailed)}).
			Updates(map[string]any{
				"status":                string(domain.StatusProcessing),
				"ai_results":            nil,
				"parts_detected":        nil,
				"confidence_score":      nil,
				"processing_time_ms":    nil,
				"error_message":         nil,
				"completed_at":          nil,
				"processing_started_at": now,
				"updated_at":            now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		reset = true
		return tx.Delete(&DetectedPartModel{}, "scan_id = ?", scanID).Error
	})
	if err != nil {
		return false, err
	}
	return reset, nil
}

// DeleteScan removes a scan and its associations.
func (s *GormStore) DeleteScan(ctx context.Context, scanID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&DetectedPartModel{}, "scan_id = ?", scanID).Error; err != nil {
			return err
		}
		return tx.Delete(&ScanModel{}, "id = ?", scanID).Error
	})
}

// ListDetectedParts returns the associations of a scan joined with their parts,
// highest confidence first.
func (s *GormStore) ListDetectedParts(ctx context.Context, scanID string) ([]domain.DetectedPart, error) {
	var models []DetectedPartModel
	if err := s.db.WithContext(ctx).
		Where("scan_id = ?", scanID).
		Order("confidence DESC").
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return []domain.DetectedPart{}, nil
	}
	ids := make([]string, 0, len(models))
	for _, m := range models {
		ids = append(ids, m.PartID)
	}
	var parts []PartModel
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&parts).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Part, len(parts))
	for _, p := range parts {
		byID[p.ID] = partFromModel(p)
	}
	res := make([]domain.DetectedPart, 0, len(models))
	for _, m := range models {
		item := detectedPartFromModel(m)
		item.Part = byID[m.PartID]
		res = append(res, item)
	}
	return res, nil
}

// CountDetectedParts returns the number of associations recorded for a scan.
func (s *GormStore) CountDetectedParts(ctx context.Context, scanID string) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&DetectedPartModel{}).Where("scan_id = ?", scanID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetVehicle returns a vehicle unless it is missing or soft-deleted.
func (s *GormStore) GetVehicle(ctx context.Context, id string) (domain.Vehicle, bool, error) {
	var model VehicleModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Vehicle{}, false, nil
		}
		return domain.Vehicle{}, false, err
	}
	return vehicleFromModel(model), true, nil
}

// SaveVehicle stores or updates a vehicle.
func (s *GormStore) SaveVehicle(ctx context.Context, v domain.Vehicle) error {
	model := VehicleModel{
		ID:      v.ID,
		OwnerID: v.OwnerID,
		Make:    v.Make,
		Model:   v.Model,
		Year:    v.Year,
		Engine:  v.Engine,
		Trim:    v.Trim,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "make", "model", "year", "engine", "trim", "updated_at"}),
	}).Create(&model).Error
}

// DeleteVehicle soft-deletes a vehicle.
func (s *GormStore) DeleteVehicle(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&VehicleModel{}, "id = ?", id).Error
}

// SaveFitment records that a part fits a make/model year range.
func (s *GormStore) SaveFitment(ctx context.Context, f domain.Fitment) error {
	model := PartFitmentModel{
		PartID:   f.PartID,
		Make:     f.Make,
		Model:    f.Model,
		YearFrom: f.YearFrom,
		YearTo:   f.YearTo,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListFitments returns the fitment rows of the given parts.
func (s *GormStore) ListFitments(ctx context.Context, partIDs []string) ([]domain.Fitment, error) {
	if len(partIDs) == 0 {
		return []domain.Fitment{}, nil
	}
	var models []PartFitmentModel
	if err := s.db.WithContext(ctx).Where("part_id IN ?", partIDs).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Fitment, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Fitment{
			PartID:   m.PartID,
			Make:     m.Make,
			Model:    m.Model,
			YearFrom: m.YearFrom,
			YearTo:   m.YearTo,
		})
	}
	return res, nil
}

// Catalog returns a part catalog bound to the store's connection pool.
func (s *GormStore) Catalog() PartCatalog {
	return &gormCatalog{db: s.db}
}

// gormCatalog runs part lookups against either the pool or an open transaction.
type gormCatalog struct {
	db *gorm.DB
}

// Identifier lookups compare upper-cased values on both sides, so rows written
// by other services in any case still match.
func (c *gormCatalog) FindPartByOEM(ctx context.Context, oem string) (domain.Part, bool, error) {
	return c.findPart(ctx, "UPPER(oem_number) = ?", oem)
}

func (c *gormCatalog) FindPartByUniversal(ctx context.Context, upn string) (domain.Part, bool, error) {
	return c.findPart(ctx, "UPPER(universal_part_number) = ?", upn)
}

func (c *gormCatalog) findPart(ctx context.Context, query string, value string) (domain.Part, bool, error) {
	value = normalizeIdentifier(value)
	if value == "" {
		return domain.Part{}, false, nil
	}
	var model PartModel
	if err := c.db.WithContext(ctx).Where(query, value).Order("created_at ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Part{}, false, nil
		}
		return domain.Part{}, false, err
	}
	return partFromModel(model), true, nil
}

func (c *gormCatalog) CreatePartIfAbsent(ctx context.Context, part domain.Part) (domain.Part, error) {
	if strings.TrimSpace(part.OEMNumber) == "" {
		return domain.Part{}, fmt.Errorf("create part: oem number required")
	}
	model := partToModel(part)
	if model.ID == "" {
		model.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	model.UpdatedAt = now
	if err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "oem_number"}},
		DoNothing: true,
	}).Create(&model).Error; err != nil {
		return domain.Part{}, fmt.Errorf("insert part: %w", err)
	}
	existing, ok, err := c.FindPartByOEM(ctx, part.OEMNumber)
	if err != nil {
		return domain.Part{}, err
	}
	if !ok {
		return domain.Part{}, fmt.Errorf("part %s vanished after insert", part.OEMNumber)
	}
	return existing, nil
}

// SavePart stores a catalog part. Identifiers are stored trimmed and upper-cased.
func (s *GormStore) SavePart(ctx context.Context, part domain.Part) error {
	model := partToModel(part)
	return s.db.WithContext(ctx).Create(&model).Error
}

// CountParts returns the number of catalog parts, optionally filtered by OEM
// number ignoring case.
func (s *GormStore) CountParts(ctx context.Context, oem string) (int, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&PartModel{})
	if oem != "" {
		q = q.Where("UPPER(oem_number) = ?", normalizeIdentifier(oem))
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func optionalString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func normalizeIdentifier(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func scanToModel(scan domain.Scan) ScanModel {
	var errMsg *string
	if scan.ErrorMessage != "" {
		msg := scan.ErrorMessage
		errMsg = &msg
	}
	var aiResults datatypes.JSON
	if len(scan.AIResults) > 0 {
		aiResults = datatypes.JSON(scan.AIResults)
	}
	return ScanModel{
		ID:                  scan.ID,
		OwnerID:             scan.OwnerID,
		VehicleID:           optionalString(scan.VehicleID),
		ScanMode:            string(scan.Mode),
		Status:              string(scan.Status),
		ImageKey:            scan.ImageKey,
		ImageURL:            scan.ImageURL,
		OriginalSizeBytes:   scan.Image.OriginalSizeBytes,
		OriginalWidth:       scan.Image.OriginalWidth,
		OriginalHeight:      scan.Image.OriginalHeight,
		OriginalContentType: scan.Image.OriginalType,
		SizeBytes:           scan.Image.SizeBytes,
		Width:               scan.Image.Width,
		Height:              scan.Image.Height,
		ContentType:         scan.Image.ContentType,
		Notes:               scan.Notes,
		AIResults:           aiResults,
		PartsDetected:       scan.PartsDetected,
		ConfidenceScore:     scan.ConfidenceScore,
		ProcessingTimeMs:    scan.ProcessingTimeMs,
		ErrorMessage:        errMsg,
		CreatedAt:           scan.CreatedAt,
		ProcessingStartedAt: scan.ProcessingStartedAt,
		CompletedAt:         scan.CompletedAt,
		UpdatedAt:           scan.UpdatedAt,
	}
}

func scanFromModel(m ScanModel) domain.Scan {
	var aiResults json.RawMessage
	if len(m.AIResults) > 0 {
		aiResults = json.RawMessage(m.AIResults)
	}
	return domain.Scan{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		VehicleID: derefString(m.VehicleID),
		Mode:      domain.ScanMode(m.ScanMode),
		Status:    domain.ScanStatus(m.Status),
		ImageKey:  m.ImageKey,
		ImageURL:  m.ImageURL,
		Image: domain.ImageInfo{
			OriginalSizeBytes: m.OriginalSizeBytes,
			OriginalWidth:     m.OriginalWidth,
			OriginalHeight:    m.OriginalHeight,
			OriginalType:      m.OriginalContentType,
			SizeBytes:         m.SizeBytes,
			Width:             m.Width,
			Height:            m.Height,
			ContentType:       m.ContentType,
		},
		Notes:               m.Notes,
		AIResults:           aiResults,
		PartsDetected:       m.PartsDetected,
		ConfidenceScore:     m.ConfidenceScore,
		ProcessingTimeMs:    m.ProcessingTimeMs,
		ErrorMessage:        derefString(m.ErrorMessage),
		CreatedAt:           m.CreatedAt,
		ProcessingStartedAt: m.ProcessingStartedAt,
		CompletedAt:         m.CompletedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func partToModel(p domain.Part) PartModel {
	return PartModel{
		ID:                  p.ID,
		Name:                p.Name,
		Category:            p.Category,
		Subcategory:         p.Subcategory,
		Manufacturer:        p.Manufacturer,
		OEMNumber:           optionalString(normalizeIdentifier(p.OEMNumber)),
		UniversalPartNumber: optionalString(normalizeIdentifier(p.UniversalPartNumber)),
		Description:         p.Description,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
}

func partFromModel(m PartModel) domain.Part {
	return domain.Part{
		ID:                  m.ID,
		Name:                m.Name,
		Category:            m.Category,
		Subcategory:         m.Subcategory,
		Manufacturer:        m.Manufacturer,
		OEMNumber:           derefString(m.OEMNumber),
		UniversalPartNumber: derefString(m.UniversalPartNumber),
		Description:         m.Description,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func detectedPartFromModel(m DetectedPartModel) domain.DetectedPart {
	return domain.DetectedPart{
		ID:          m.ID,
		ScanID:      m.ScanID,
		PartID:      m.PartID,
		Confidence:  m.Confidence,
		BoundingBox: []float64(m.BoundingBox),
		Metadata:    map[string]any(m.Metadata),
		DetectedAs:  m.DetectedAs,
		CreatedAt:   m.CreatedAt,
	}
}

func vehicleFromModel(m VehicleModel) domain.Vehicle {
	return domain.Vehicle{
		ID:      m.ID,
		OwnerID: m.OwnerID,
		Make:    m.Make,
		Model:   m.Model,
		Year:    m.Year,
		Engine:  m.Engine,
		Trim:    m.Trim,
	}
}
