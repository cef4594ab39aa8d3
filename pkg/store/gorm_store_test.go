package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"modmaster/pkg/domain"
)

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000&_foreign_keys=ON"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// sqlite serializes writers; a single connection keeps concurrent tests deterministic.
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	st, err := NewGormStoreWithDB(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st, db
}

func createProcessingScan(t *testing.T, st *GormStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	scan := domain.Scan{
		ID:                  id,
		OwnerID:             "owner-1",
		Mode:                domain.ModeParts,
		Status:              domain.StatusProcessing,
		ImageKey:            "scans/" + id + "/image.jpg",
		CreatedAt:           now,
		ProcessingStartedAt: &now,
		UpdatedAt:           now,
	}
	if err := st.CreateScan(context.Background(), scan); err != nil {
		t.Fatalf("create scan: %v", err)
	}
}

// oemResolver resolves by OEM number, creating parts on demand.
func oemResolver(ctx context.Context, parts PartCatalog, d domain.Detection) (domain.Part, bool, error) {
	if d.OEMNumber == "" {
		return domain.Part{}, false, nil
	}
	if part, ok, err := parts.FindPartByOEM(ctx, d.OEMNumber); err != nil || ok {
		return part, ok, err
	}
	part, err := parts.CreatePartIfAbsent(ctx, domain.Part{Name: d.Label, Category: "uncategorized", OEMNumber: d.OEMNumber})
	if err != nil {
		return domain.Part{}, false, err
	}
	return part, true, nil
}

func testOutcome() ScanOutcome {
	return ScanOutcome{
		AIResults:        json.RawMessage(`{"detections":[]}`),
		Confidence:       0.8,
		ProcessingTimeMs: 1200,
		CompletedAt:      time.Now().UTC(),
	}
}

func TestCommitScanResultCompletesScan(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-1")

	detections := []domain.Detection{
		{Label: "alternator", OEMNumber: "OEM-1", Confidence: 0.9, BoundingBox: []float64{0.1, 0.1, 0.4, 0.4}},
		{Label: "unknown blob", Confidence: 0.3},
		{Label: "radiator", OEMNumber: "OEM-2", Confidence: 1.4, Metadata: map[string]any{"color": "black"}},
	}
	written, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), detections, oemResolver)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if written != 2 {
		t.Fatalf("expected 2 associations, got %d", written)
	}

	scan, ok, err := st.GetScan(ctx, "scan-1")
	if err != nil || !ok {
		t.Fatalf("get scan: ok=%v err=%v", ok, err)
	}
	if scan.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", scan.Status)
	}
	if scan.PartsDetected == nil || *scan.PartsDetected != 2 {
		t.Fatalf("unexpected parts_detected: %v", scan.PartsDetected)
	}
	if scan.ConfidenceScore == nil || *scan.ConfidenceScore != 0.8 {
		t.Fatalf("unexpected confidence: %v", scan.ConfidenceScore)
	}
	if len(scan.AIResults) == 0 || scan.CompletedAt == nil || scan.ErrorMessage != "" {
		t.Fatalf("unexpected completed fields: %+v", scan)
	}

	count, err := st.CountDetectedParts(ctx, "scan-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != *scan.PartsDetected {
		t.Fatalf("parts_detected %d != associations %d", *scan.PartsDetected, count)
	}

	items, err := st.ListDetectedParts(ctx, "scan-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Confidence != 1 || items[0].Part.OEMNumber != "OEM-2" {
		t.Fatalf("expected clamped radiator first, got %+v", items[0])
	}
	if items[0].Metadata["color"] != "black" {
		t.Fatalf("metadata not persisted: %+v", items[0].Metadata)
	}
	if len(items[1].BoundingBox) != 4 || items[1].DetectedAs != "alternator" {
		t.Fatalf("unexpected second item: %+v", items[1])
	}
}

func TestCommitScanResultRollsBackOnInsertFailure(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-1")

	var (
		mu      sync.Mutex
		inserts int
	)
	injected := errors.New("injected insert failure")
	if err := db.Callback().Create().Before("gorm:create").Register("test:fail_nth_detected_part", func(tx *gorm.DB) {
		if tx.Statement.Table != "detected_part_models" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		inserts++
		if inserts == 2 {
			_ = tx.AddError(injected)
		}
	}); err != nil {
		t.Fatalf("register callback: %v", err)
	}

	detections := []domain.Detection{
		{Label: "a", OEMNumber: "OEM-A", Confidence: 0.9},
		{Label: "b", OEMNumber: "OEM-B", Confidence: 0.8},
		{Label: "c", OEMNumber: "OEM-C", Confidence: 0.7},
	}
	_, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), detections, oemResolver)
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}

	scan, _, err := st.GetScan(ctx, "scan-1")
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if scan.Status != domain.StatusProcessing || scan.PartsDetected != nil || len(scan.AIResults) != 0 {
		t.Fatalf("scan changed by rolled back commit: %+v", scan)
	}
	count, _ := st.CountDetectedParts(ctx, "scan-1")
	if count != 0 {
		t.Fatalf("expected no associations, got %d", count)
	}
	parts, _ := st.CountParts(ctx, "")
	if parts != 0 {
		t.Fatalf("expected created parts to roll back, got %d", parts)
	}
}

func TestCommitScanResultRequiresProcessing(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-1")
	if ok, err := st.FailScan(ctx, "scan-1", "boom", 10); err != nil || !ok {
		t.Fatalf("fail scan: ok=%v err=%v", ok, err)
	}

	detections := []domain.Detection{{Label: "a", OEMNumber: "OEM-A", Confidence: 0.9}}
	_, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), detections, oemResolver)
	if !errors.Is(err, ErrScanNotProcessing) {
		t.Fatalf("expected ErrScanNotProcessing, got %v", err)
	}
	count, _ := st.CountDetectedParts(ctx, "scan-1")
	if count != 0 {
		t.Fatalf("expected no associations, got %d", count)
	}
	scan, _, _ := st.GetScan(ctx, "scan-1")
	if scan.Status != domain.StatusFailed || scan.ErrorMessage != "boom" {
		t.Fatalf("failed scan was modified: %+v", scan)
	}

	if _, err := st.CommitScanResult(ctx, "missing", testOutcome(), nil, oemResolver); !errors.Is(err, ErrScanNotProcessing) {
		t.Fatalf("expected ErrScanNotProcessing for missing scan, got %v", err)
	}
}

func TestFailScanIsConditional(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-1")

	if _, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), nil, oemResolver); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ok, err := st.FailScan(ctx, "scan-1", "late failure", 5)
	if err != nil {
		t.Fatalf("fail scan: %v", err)
	}
	if ok {
		t.Fatalf("completed scan must not transition to failed")
	}
	scan, _, _ := st.GetScan(ctx, "scan-1")
	if scan.Status != domain.StatusCompleted || scan.ErrorMessage != "" {
		t.Fatalf("unexpected scan: %+v", scan)
	}
}

func TestResetScanClearsResult(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-1")

	if ok, err := st.ResetScan(ctx, "scan-1"); err != nil || ok {
		t.Fatalf("reset of processing scan: ok=%v err=%v", ok, err)
	}

	detections := []domain.Detection{{Label: "a", OEMNumber: "OEM-A", Confidence: 0.9}}
	if _, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), detections, oemResolver); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ok, err := st.ResetScan(ctx, "scan-1")
	if err != nil || !ok {
		t.Fatalf("reset: ok=%v err=%v", ok, err)
	}
	scan, _, _ := st.GetScan(ctx, "scan-1")
	if scan.Status != domain.StatusProcessing {
		t.Fatalf("expected processing, got %s", scan.Status)
	}
	if scan.PartsDetected != nil || scan.ConfidenceScore != nil || scan.ProcessingTimeMs != nil ||
		scan.CompletedAt != nil || len(scan.AIResults) != 0 || scan.ErrorMessage != "" {
		t.Fatalf("reset did not clear result fields: %+v", scan)
	}
	count, _ := st.CountDetectedParts(ctx, "scan-1")
	if count != 0 {
		t.Fatalf("expected associations cleared, got %d", count)
	}
	parts, _ := st.CountParts(ctx, "OEM-A")
	if parts != 1 {
		t.Fatalf("catalog part must survive reset, got %d", parts)
	}
}

func TestCreatePartIfAbsentAdoptsExistingRow(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := st.SavePart(ctx, domain.Part{ID: "part-1", Name: "Water pump", Category: "cooling", OEMNumber: "WP-100", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save part: %v", err)
	}

	part, err := st.Catalog().CreatePartIfAbsent(ctx, domain.Part{Name: "Unidentified part", Category: "uncategorized", OEMNumber: "WP-100"})
	if err != nil {
		t.Fatalf("create if absent: %v", err)
	}
	if part.ID != "part-1" || part.Name != "Water pump" {
		t.Fatalf("expected existing part to win, got %+v", part)
	}
	count, _ := st.CountParts(ctx, "WP-100")
	if count != 1 {
		t.Fatalf("expected exactly one part, got %d", count)
	}
}

// With one sqlite connection the commits below run one after another, so only
// the first one inserts and the rest find the part. The insert race itself is
// covered by TestCommitAdoptsPartCreatedAfterLookup.
func TestConcurrentCommitsShareOnePart(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	const n = 8
	for i := 0; i < n; i++ {
		createProcessingScan(t, st, fmt.Sprintf("scan-%d", i))
	}

	detections := []domain.Detection{{Label: "starter", OEMNumber: "ST-9", Confidence: 0.7}}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := st.CommitScanResult(ctx, id, testOutcome(), detections, oemResolver); err != nil {
				errs <- err
			}
		}(fmt.Sprintf("scan-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent commit: %v", err)
	}

	count, err := st.CountParts(ctx, "ST-9")
	if err != nil {
		t.Fatalf("count parts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one part, got %d", count)
	}
	for i := 0; i < n; i++ {
		items, err := st.ListDetectedParts(ctx, fmt.Sprintf("scan-%d", i))
		if err != nil || len(items) != 1 {
			t.Fatalf("scan-%d associations: %v %v", i, items, err)
		}
	}
}

// staleCatalog misses every OEM lookup, as a transaction that looked before a
// concurrent creator committed would.
type staleCatalog struct {
	PartCatalog
}

func (staleCatalog) FindPartByOEM(context.Context, string) (domain.Part, bool, error) {
	return domain.Part{}, false, nil
}

func TestCommitAdoptsPartCreatedAfterLookup(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-winner")
	createProcessingScan(t, st, "scan-loser")
	detections := []domain.Detection{{Label: "starter", OEMNumber: "ST-9", Confidence: 0.7}}

	if _, err := st.CommitScanResult(ctx, "scan-winner", testOutcome(), detections, oemResolver); err != nil {
		t.Fatalf("winner commit: %v", err)
	}
	winner, err := st.ListDetectedParts(ctx, "scan-winner")
	if err != nil || len(winner) != 1 {
		t.Fatalf("winner associations: %v %v", winner, err)
	}

	// The loser saw no part, so it goes straight to the insert and must hit
	// the conflict and adopt the winner's row.
	staleResolver := func(ctx context.Context, parts PartCatalog, d domain.Detection) (domain.Part, bool, error) {
		return oemResolver(ctx, staleCatalog{parts}, d)
	}
	written, err := st.CommitScanResult(ctx, "scan-loser", testOutcome(), detections, staleResolver)
	if err != nil || written != 1 {
		t.Fatalf("loser commit: written=%d err=%v", written, err)
	}
	loser, err := st.ListDetectedParts(ctx, "scan-loser")
	if err != nil || len(loser) != 1 {
		t.Fatalf("loser associations: %v %v", loser, err)
	}
	if loser[0].PartID != winner[0].PartID {
		t.Fatalf("loser linked part %s, want winner's %s", loser[0].PartID, winner[0].PartID)
	}
	if count, _ := st.CountParts(ctx, ""); count != 1 {
		t.Fatalf("expected one catalog part, got %d", count)
	}
}

func TestOEMLookupIgnoresStoredCase(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	oem, upn := "abc-1", "upn-7"
	// Written directly, as another service sharing the catalog table would.
	seeded := PartModel{ID: "part-lower", Name: "Alternator", Category: "electrical", OEMNumber: &oem, UniversalPartNumber: &upn, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&seeded).Error; err != nil {
		t.Fatalf("seed part: %v", err)
	}

	for _, value := range []string{"ABC-1", "abc-1", " Abc-1 "} {
		part, ok, err := st.Catalog().FindPartByOEM(ctx, value)
		if err != nil || !ok || part.ID != "part-lower" {
			t.Fatalf("FindPartByOEM(%q) = %+v ok=%v err=%v", value, part, ok, err)
		}
	}
	if part, ok, err := st.Catalog().FindPartByUniversal(ctx, "UPN-7"); err != nil || !ok || part.ID != "part-lower" {
		t.Fatalf("FindPartByUniversal = %+v ok=%v err=%v", part, ok, err)
	}

	createProcessingScan(t, st, "scan-1")
	detections := []domain.Detection{{Label: "alternator", OEMNumber: "ABC-1", Confidence: 0.9}}
	if _, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), detections, oemResolver); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if count, _ := st.CountParts(ctx, ""); count != 1 {
		t.Fatalf("expected the seeded part to be reused, got %d parts", count)
	}
	if count, _ := st.CountParts(ctx, "ABC-1"); count != 1 {
		t.Fatalf("CountParts should ignore case, got %d", count)
	}
}

func TestSavePartNormalizesIdentifiers(t *testing.T) {
	st, db := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := st.SavePart(ctx, domain.Part{ID: "part-1", Name: "Belt", Category: "engine", OEMNumber: " wp-100 ", UniversalPartNumber: "u-1", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save part: %v", err)
	}
	var model PartModel
	if err := db.First(&model, "id = ?", "part-1").Error; err != nil {
		t.Fatalf("load part: %v", err)
	}
	if derefString(model.OEMNumber) != "WP-100" || derefString(model.UniversalPartNumber) != "U-1" {
		t.Fatalf("stored identifiers %q %q", derefString(model.OEMNumber), derefString(model.UniversalPartNumber))
	}
	// A differently cased duplicate collides with the stored row.
	if err := st.SavePart(ctx, domain.Part{ID: "part-2", Name: "Belt", Category: "engine", OEMNumber: "WP-100", CreatedAt: now, UpdatedAt: now}); err == nil {
		t.Fatalf("expected unique oem number violation")
	}
}

func TestGetVehicleHidesSoftDeleted(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	if err := st.SaveVehicle(ctx, domain.Vehicle{ID: "veh-1", OwnerID: "owner-1", Make: "Subaru", Model: "WRX", Year: 2015}); err != nil {
		t.Fatalf("save vehicle: %v", err)
	}
	v, ok, err := st.GetVehicle(ctx, "veh-1")
	if err != nil || !ok || v.Make != "Subaru" {
		t.Fatalf("get vehicle: %+v ok=%v err=%v", v, ok, err)
	}
	if err := st.DeleteVehicle(ctx, "veh-1"); err != nil {
		t.Fatalf("delete vehicle: %v", err)
	}
	if _, ok, err := st.GetVehicle(ctx, "veh-1"); err != nil || ok {
		t.Fatalf("soft-deleted vehicle still visible: ok=%v err=%v", ok, err)
	}
}

func TestDeleteScanRemovesAssociations(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	createProcessingScan(t, st, "scan-1")
	detections := []domain.Detection{{Label: "a", OEMNumber: "OEM-A", Confidence: 0.9}}
	if _, err := st.CommitScanResult(ctx, "scan-1", testOutcome(), detections, oemResolver); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := st.DeleteScan(ctx, "scan-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.GetScan(ctx, "scan-1"); ok {
		t.Fatalf("scan still present")
	}
	count, _ := st.CountDetectedParts(ctx, "scan-1")
	if count != 0 {
		t.Fatalf("associations still present: %d", count)
	}
}

func TestListFitments(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	if err := st.SaveFitment(ctx, domain.Fitment{PartID: "p1", Make: "Subaru", Model: "WRX", YearFrom: 2015, YearTo: 2021}); err != nil {
		t.Fatalf("save fitment: %v", err)
	}
	if err := st.SaveFitment(ctx, domain.Fitment{PartID: "p2", Make: "Honda", Model: "Civic"}); err != nil {
		t.Fatalf("save fitment: %v", err)
	}
	items, err := st.ListFitments(ctx, []string{"p1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].YearTo != 2021 {
		t.Fatalf("unexpected fitments: %+v", items)
	}
	empty, err := st.ListFitments(ctx, nil)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty fitments: %v %v", empty, err)
	}
}
