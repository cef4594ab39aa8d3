package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"modmaster/internal/metrics"
	"modmaster/internal/util"
	"modmaster/pkg/catalog"
	"modmaster/pkg/domain"
	"modmaster/pkg/queue"
	"modmaster/pkg/recognition"
	"modmaster/pkg/statuscache"
	"modmaster/pkg/storage"
	"modmaster/pkg/store"
)

const (
	defaultPresignExpiry      = 15 * time.Minute
	defaultRecognitionTimeout = 60 * time.Second
)

// Dispatcher hands a scan id to the worker pool.
type Dispatcher interface {
	Enqueue(ctx context.Context, scanID string) (queue.Dispatch, error)
}

// Config wires the application's collaborators.
type Config struct {
	Store      store.Store
	Objects    storage.ObjectStore
	Cache      statuscache.Cache
	Dispatcher Dispatcher
	Recognizer recognition.Analyzer
	Notifier   Notifier
	Resolver   *catalog.Resolver
	Metrics    *metrics.ScanMetrics

	RecognitionTimeout time.Duration
	PresignExpiry      time.Duration
	MaxUploadBytes     int64
	ImageMaxDimension  int
	ImageJPEGQuality   int
}

// App implements scan ingestion, processing and the read side.
type App struct {
	store      store.Store
	objects    storage.ObjectStore
	cache      statuscache.Cache
	dispatcher Dispatcher
	recognizer recognition.Analyzer
	notifier   Notifier
	resolver   *catalog.Resolver
	metrics    *metrics.ScanMetrics
	validate   *validator.Validate

	recognitionTimeout time.Duration
	presignExpiry      time.Duration
	maxUploadBytes     int64
	imageMaxDimension  int
	imageJPEGQuality   int
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("scan store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Cache == nil:
		return nil, errors.New("status cache required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("dispatcher required")
	case cfg.Recognizer == nil:
		return nil, errors.New("recognition client required")
	}
	a := &App{
		store:              cfg.Store,
		objects:            cfg.Objects,
		cache:              cfg.Cache,
		dispatcher:         cfg.Dispatcher,
		recognizer:         cfg.Recognizer,
		notifier:           cfg.Notifier,
		resolver:           cfg.Resolver,
		metrics:            cfg.Metrics,
		validate:           newValidator(),
		recognitionTimeout: cfg.RecognitionTimeout,
		presignExpiry:      cfg.PresignExpiry,
		maxUploadBytes:     cfg.MaxUploadBytes,
		imageMaxDimension:  cfg.ImageMaxDimension,
		imageJPEGQuality:   cfg.ImageJPEGQuality,
	}
	if a.notifier == nil {
		a.notifier = NopNotifier{}
	}
	if a.resolver == nil {
		a.resolver = catalog.NewResolver()
	}
	if a.recognitionTimeout <= 0 {
		a.recognitionTimeout = defaultRecognitionTimeout
	}
	if a.presignExpiry <= 0 {
		a.presignExpiry = defaultPresignExpiry
	}
	if a.maxUploadBytes <= 0 {
		a.maxUploadBytes = defaultMaxUploadBytes
	}
	if a.imageMaxDimension <= 0 {
		a.imageMaxDimension = defaultImageMaxDimension
	}
	if a.imageJPEGQuality <= 0 || a.imageJPEGQuality > 100 {
		a.imageJPEGQuality = defaultImageJPEGQuality
	}
	return a, nil
}

// CreateScanInput is one upload request.
type CreateScanInput struct {
	OwnerID   string          `validate:"required,max=128"`
	VehicleID string          `validate:"omitempty,max=128"`
	Mode      domain.ScanMode `validate:"required,scan_mode"`
	Notes     string          `validate:"max=2000"`
	Image     []byte          `validate:"-"`
}

// CreateScanResult is returned as soon as the scan is queued.
type CreateScanResult struct {
	ScanID        string            `json:"scan_id"`
	Status        domain.ScanStatus `json:"status"`
	ProcessingURL string            `json:"processing_url"`
}

// CreateScan stores the image, records a processing scan and dispatches it.
// It never waits for recognition.
func (a *App) CreateScan(ctx context.Context, in CreateScanInput) (CreateScanResult, error) {
	in.OwnerID = strings.TrimSpace(in.OwnerID)
	in.VehicleID = strings.TrimSpace(in.VehicleID)
	if in.Mode == "" {
		in.Mode = domain.ModeParts
	}
	if err := a.validateInput(in); err != nil {
		return CreateScanResult{}, err
	}
	if in.VehicleID != "" {
		vehicle, ok, err := a.store.GetVehicle(ctx, in.VehicleID)
		if err != nil {
			return CreateScanResult{}, fmt.Errorf("%w: load vehicle: %v", ErrPersistence, err)
		}
		if !ok || vehicle.OwnerID != in.OwnerID {
			return CreateScanResult{}, ErrVehicleNotFound
		}
	}
	img, err := normalizeImage(in.Image, a.maxUploadBytes, a.imageMaxDimension, a.imageJPEGQuality)
	if err != nil {
		return CreateScanResult{}, err
	}

	id := util.NewID()
	key := imageKey(id)
	imageURL, err := a.objects.Put(ctx, key, bytes.NewReader(img.data), int64(len(img.data)), img.info.ContentType)
	if err != nil {
		return CreateScanResult{}, fmt.Errorf("store image: %w", err)
	}
	now := time.Now().UTC()
	scan := domain.Scan{
		ID:                  id,
		OwnerID:             in.OwnerID,
		VehicleID:           in.VehicleID,
		Mode:                in.Mode,
		Status:              domain.StatusProcessing,
		ImageKey:            key,
		ImageURL:            imageURL,
		Image:               img.info,
		Notes:               strings.TrimSpace(in.Notes),
		CreatedAt:           now,
		ProcessingStartedAt: &now,
		UpdatedAt:           now,
	}
	if err := a.store.CreateScan(ctx, scan); err != nil {
		if delErr := a.objects.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			util.LoggerFromContext(ctx).Warn("orphaned scan image", "scan_id", id, "key", key, "err", delErr)
		}
		return CreateScanResult{}, fmt.Errorf("%w: create scan: %v", ErrPersistence, err)
	}
	a.metrics.ScanCreated()
	a.prime(ctx, scan)
	if err := a.dispatch(ctx, scan); err != nil {
		return CreateScanResult{}, err
	}
	return CreateScanResult{ScanID: id, Status: domain.StatusProcessing, ProcessingURL: processingURL(id)}, nil
}

// GetStatus returns the poll view, served from the status cache when possible.
func (a *App) GetStatus(ctx context.Context, ownerID, scanID string) (domain.StatusSnapshot, error) {
	logger := util.LoggerFromContext(ctx)
	snap, ok, err := a.cache.Get(ctx, scanID)
	if err != nil {
		logger.Warn("status cache read failed", "scan_id", scanID, "err", err)
	} else if ok && snap.OwnerID != "" {
		if snap.OwnerID != ownerID {
			return domain.StatusSnapshot{}, ErrScanForbidden
		}
		a.metrics.StatusRead(metrics.SourceCache)
		return snap, nil
	}

	scan, err := a.ownedScan(ctx, ownerID, scanID)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	a.metrics.StatusRead(metrics.SourceStore)
	snap = scan.Snapshot()
	if scan.Status == domain.StatusProcessing {
		if err := a.cache.PutProcessing(ctx, snap); err != nil {
			logger.Warn("status cache write failed", "scan_id", scanID, "err", err)
		}
	}
	return snap, nil
}

// DetectedPartView is a detected part with vehicle compatibility. Compatible
// is null when there is no vehicle or no fitment data for the part.
type DetectedPartView struct {
	domain.DetectedPart
	Compatible *bool `json:"compatible"`
}

// ScanDetail is the full read model of one scan.
type ScanDetail struct {
	Scan    domain.Scan        `json:"scan"`
	Vehicle *domain.Vehicle    `json:"vehicle,omitempty"`
	Parts   []DetectedPartView `json:"detected_parts"`
}

// GetScan returns the scan, its resolved parts and their compatibility.
func (a *App) GetScan(ctx context.Context, ownerID, scanID string) (ScanDetail, error) {
	scan, err := a.ownedScan(ctx, ownerID, scanID)
	if err != nil {
		return ScanDetail{}, err
	}
	parts, err := a.store.ListDetectedParts(ctx, scan.ID)
	if err != nil {
		return ScanDetail{}, fmt.Errorf("%w: list detected parts: %v", ErrPersistence, err)
	}
	detail := ScanDetail{Scan: scan, Parts: make([]DetectedPartView, 0, len(parts))}

	var vehicle *domain.Vehicle
	if scan.VehicleID != "" {
		v, ok, err := a.store.GetVehicle(ctx, scan.VehicleID)
		if err != nil {
			return ScanDetail{}, fmt.Errorf("%w: load vehicle: %v", ErrPersistence, err)
		}
		if ok {
			vehicle = &v
		}
	}
	detail.Vehicle = vehicle

	fitments := map[string][]domain.Fitment{}
	if vehicle != nil && len(parts) > 0 {
		ids := make([]string, 0, len(parts))
		for _, p := range parts {
			ids = append(ids, p.PartID)
		}
		list, err := a.store.ListFitments(ctx, ids)
		if err != nil {
			return ScanDetail{}, fmt.Errorf("%w: list fitments: %v", ErrPersistence, err)
		}
		for _, f := range list {
			fitments[f.PartID] = append(fitments[f.PartID], f)
		}
	}
	for _, p := range parts {
		view := DetectedPartView{DetectedPart: p}
		if vehicle != nil {
			view.Compatible = compatible(fitments[p.PartID], *vehicle)
		}
		detail.Parts = append(detail.Parts, view)
	}
	return detail, nil
}

func compatible(fitments []domain.Fitment, v domain.Vehicle) *bool {
	if len(fitments) == 0 {
		return nil
	}
	ok := false
	for _, f := range fitments {
		if f.Matches(v) {
			ok = true
			break
		}
	}
	return &ok
}

// Reprocess resets a finished scan and runs it through the pipeline again.
func (a *App) Reprocess(ctx context.Context, ownerID, scanID string) (CreateScanResult, error) {
	scan, err := a.ownedScan(ctx, ownerID, scanID)
	if err != nil {
		return CreateScanResult{}, err
	}
	if !scan.Status.Terminal() {
		return CreateScanResult{}, ErrScanNotTerminal
	}
	if scan.ImageKey == "" {
		return CreateScanResult{}, ErrScanImageMissing
	}
	exists, err := a.objects.Exists(ctx, scan.ImageKey)
	if err != nil {
		return CreateScanResult{}, fmt.Errorf("check scan image: %w", err)
	}
	if !exists {
		return CreateScanResult{}, ErrScanImageMissing
	}
	reset, err := a.store.ResetScan(ctx, scan.ID)
	if err != nil {
		return CreateScanResult{}, fmt.Errorf("%w: reset scan: %v", ErrPersistence, err)
	}
	if !reset {
		// Another reprocess won the conditional update.
		return CreateScanResult{}, ErrScanNotTerminal
	}
	if err := a.cache.Reset(ctx, scan.ID); err != nil {
		util.LoggerFromContext(ctx).Warn("status cache reset failed", "scan_id", scan.ID, "err", err)
	}
	scan, err = a.ownedScan(ctx, ownerID, scanID)
	if err != nil {
		return CreateScanResult{}, err
	}
	a.prime(ctx, scan)
	if err := a.dispatch(ctx, scan); err != nil {
		return CreateScanResult{}, err
	}
	return CreateScanResult{ScanID: scan.ID, Status: domain.StatusProcessing, ProcessingURL: processingURL(scan.ID)}, nil
}

// DeleteScan removes the scan, its associations and the stored image.
func (a *App) DeleteScan(ctx context.Context, ownerID, scanID string) error {
	scan, err := a.ownedScan(ctx, ownerID, scanID)
	if err != nil {
		return err
	}
	if err := a.store.DeleteScan(ctx, scan.ID); err != nil {
		return fmt.Errorf("%w: delete scan: %v", ErrPersistence, err)
	}
	logger := util.LoggerFromContext(ctx)
	if scan.ImageKey != "" {
		if err := a.objects.Delete(ctx, scan.ImageKey); err != nil {
			logger.Warn("delete scan image failed", "scan_id", scan.ID, "key", scan.ImageKey, "err", err)
		}
	}
	if err := a.cache.Invalidate(ctx, scan.ID); err != nil {
		logger.Warn("status cache invalidate failed", "scan_id", scan.ID, "err", err)
	}
	return nil
}

// Export renders a completed scan's parts in the requested format.
func (a *App) Export(ctx context.Context, ownerID, scanID string, format ExportFormat) (ExportFile, error) {
	scan, err := a.ownedScan(ctx, ownerID, scanID)
	if err != nil {
		return ExportFile{}, err
	}
	if scan.Status != domain.StatusCompleted {
		return ExportFile{}, ErrScanNotCompleted
	}
	parts, err := a.store.ListDetectedParts(ctx, scan.ID)
	if err != nil {
		return ExportFile{}, fmt.Errorf("%w: list detected parts: %v", ErrPersistence, err)
	}
	return renderExport(scan, parts, format)
}

func (a *App) ownedScan(ctx context.Context, ownerID, scanID string) (domain.Scan, error) {
	scanID = strings.TrimSpace(scanID)
	if scanID == "" {
		return domain.Scan{}, ErrScanNotFound
	}
	scan, ok, err := a.store.GetScan(ctx, scanID)
	if err != nil {
		return domain.Scan{}, fmt.Errorf("%w: load scan: %v", ErrPersistence, err)
	}
	if !ok {
		return domain.Scan{}, ErrScanNotFound
	}
	if scan.OwnerID != ownerID {
		return domain.Scan{}, ErrScanForbidden
	}
	return scan, nil
}

func (a *App) prime(ctx context.Context, scan domain.Scan) {
	if err := a.cache.PutProcessing(ctx, scan.Snapshot()); err != nil {
		util.LoggerFromContext(ctx).Warn("status cache prime failed", "scan_id", scan.ID, "err", err)
	}
}

// dispatch queues the scan; on failure the scan is marked failed so it
// does not sit in processing forever.
func (a *App) dispatch(ctx context.Context, scan domain.Scan) error {
	if _, err := a.dispatcher.Enqueue(ctx, scan.ID); err != nil {
		msg := "schedule processing: " + err.Error()
		bg := context.WithoutCancel(ctx)
		if _, failErr := a.store.FailScan(bg, scan.ID, msg, 0); failErr != nil {
			util.LoggerFromContext(ctx).Error("mark unscheduled scan failed", "scan_id", scan.ID, "err", failErr)
		}
		if invErr := a.cache.Invalidate(bg, scan.ID); invErr != nil {
			util.LoggerFromContext(ctx).Warn("status cache invalidate failed", "scan_id", scan.ID, "err", invErr)
		}
		return fmt.Errorf("schedule processing: %w", err)
	}
	return nil
}

func (a *App) validateInput(in CreateScanInput) error {
	err := a.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	out := &ValidationError{}
	for _, fe := range fieldErrs {
		out.Fields = append(out.Fields, FieldError{Field: inputFieldName(fe.Field()), Message: validationMessage(fe)})
	}
	return out
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("scan_mode", func(fl validator.FieldLevel) bool {
		return domain.ScanMode(fl.Field().String()).Valid()
	})
	return v
}

func inputFieldName(field string) string {
	switch field {
	case "OwnerID":
		return "owner_id"
	case "VehicleID":
		return "vehicle_id"
	case "Mode":
		return "scan_type"
	case "Notes":
		return "notes"
	default:
		return strings.ToLower(field)
	}
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "scan_mode":
		modes := make([]string, 0, len(domain.ScanModes))
		for _, m := range domain.ScanModes {
			modes = append(modes, string(m))
		}
		return "must be one of " + strings.Join(modes, ", ")
	default:
		return "is invalid"
	}
}

func imageKey(scanID string) string {
	return path.Join("scans", scanID, "image.jpg")
}

func processingURL(scanID string) string {
	return "/scans/" + scanID + "/status"
}
