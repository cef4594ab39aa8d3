package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"modmaster/internal/metrics"
	"modmaster/internal/util"
	"modmaster/pkg/domain"
	"modmaster/pkg/queue"
	"modmaster/pkg/store"
)

const internalErrorMessage = "internal error"

// HandleDispatch is the queue handler for dispatched scans.
func (a *App) HandleDispatch(ctx context.Context, d queue.Dispatch) error {
	logger := util.LoggerFromContext(ctx).With("dispatch_id", d.ID)
	return a.Run(util.ContextWithLogger(ctx, logger), d.ScanID)
}

// Run drives one scan from processing to completed or failed. Scans that are
// missing or no longer processing are skipped. A scan that cannot be loaded is
// failed so it can be reprocessed.
func (a *App) Run(ctx context.Context, scanID string) (err error) {
	start := time.Now()
	logger := util.LoggerFromContext(ctx).With("scan_id", scanID)

	scan, ok, err := a.store.GetScan(ctx, scanID)
	if err != nil {
		err = fmt.Errorf("%w: load scan: %v", ErrPersistence, err)
		a.failUnloaded(ctx, logger, scanID, start, err)
		return err
	}
	if !ok || scan.Status != domain.StatusProcessing {
		logger.Info("scan run skipped", "outcome", metrics.OutcomeSkipped, "found", ok, "status", scan.Status)
		a.metrics.RunFinished(metrics.OutcomeSkipped, time.Since(start))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("scan run panicked", "panic", r, "stack", string(debug.Stack()))
			a.fail(ctx, logger, scan, start, internalErrorMessage)
			err = fmt.Errorf("scan run panicked: %v", r)
		}
	}()

	result, err := a.analyze(ctx, scan)
	if err != nil {
		a.fail(ctx, logger, scan, start, err.Error())
		return err
	}

	elapsed := time.Since(start)
	outcome := store.ScanOutcome{
		AIResults:        rawResults(result),
		Confidence:       aggregateConfidence(result),
		ProcessingTimeMs: elapsed.Milliseconds(),
		CompletedAt:      time.Now().UTC(),
	}
	count, err := a.store.CommitScanResult(ctx, scan.ID, outcome, result.Detections, a.resolver.ResolveFunc())
	if err != nil {
		if errors.Is(err, store.ErrScanNotProcessing) {
			logger.Warn("scan left processing during run; result discarded", "outcome", metrics.OutcomeSkipped)
			a.invalidate(ctx, logger, scan.ID)
			a.metrics.RunFinished(metrics.OutcomeSkipped, time.Since(start))
			return nil
		}
		err = fmt.Errorf("%w: commit scan result: %v", ErrPersistence, err)
		a.fail(ctx, logger, scan, start, err.Error())
		return err
	}

	a.invalidate(ctx, logger, scan.ID)
	a.notify(ctx, logger, ScanEvent{
		ScanID:           scan.ID,
		OwnerID:          scan.OwnerID,
		Status:           domain.StatusCompleted,
		PartsDetected:    count,
		ConfidenceScore:  outcome.Confidence,
		ProcessingTimeMs: outcome.ProcessingTimeMs,
	})
	a.metrics.RunFinished(metrics.OutcomeCompleted, time.Since(start))
	logger.Info("scan run finished",
		"outcome", metrics.OutcomeCompleted,
		"duration_ms", time.Since(start).Milliseconds(),
		"parts_detected", count,
		"detections", len(result.Detections),
		"confidence", outcome.Confidence,
	)
	return nil
}

func (a *App) analyze(ctx context.Context, scan domain.Scan) (domain.RecognitionResult, error) {
	imageURL, err := a.objects.PresignGet(ctx, scan.ImageKey, a.presignExpiry)
	if err != nil {
		return domain.RecognitionResult{}, fmt.Errorf("%w: presign image: %v", ErrRecognition, err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.recognitionTimeout)
	defer cancel()
	result, err := a.recognizer.Analyze(ctx, imageURL, scan.Mode)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.RecognitionResult{}, fmt.Errorf("%w: timed out after %s", ErrRecognition, a.recognitionTimeout)
		}
		return domain.RecognitionResult{}, fmt.Errorf("%w: %v", ErrRecognition, err)
	}
	return result, nil
}

func (a *App) fail(ctx context.Context, logger *slog.Logger, scan domain.Scan, start time.Time, msg string) {
	elapsed := time.Since(start)
	failed, err := a.store.FailScan(ctx, scan.ID, msg, elapsed.Milliseconds())
	if err != nil {
		logger.Error("mark scan failed", "err", err)
	}
	a.invalidate(ctx, logger, scan.ID)
	if !failed {
		a.metrics.RunFinished(metrics.OutcomeSkipped, elapsed)
		return
	}
	a.notify(ctx, logger, ScanEvent{
		ScanID:           scan.ID,
		OwnerID:          scan.OwnerID,
		Status:           domain.StatusFailed,
		ProcessingTimeMs: elapsed.Milliseconds(),
		ErrorMessage:     msg,
	})
	a.metrics.RunFinished(metrics.OutcomeFailed, elapsed)
	logger.Warn("scan run finished",
		"outcome", metrics.OutcomeFailed,
		"duration_ms", elapsed.Milliseconds(),
		"error_message", msg,
	)
}

func (a *App) invalidate(ctx context.Context, logger *slog.Logger, scanID string) {
	if err := a.cache.Invalidate(ctx, scanID); err != nil {
		logger.Warn("status cache invalidate failed", "err", err)
	}
}

// failUnloaded fails a scan that could not be loaded. The dispatch is already
// acked, so a scan left processing here would never run again and could not be
// reprocessed. The owner is unknown, so no notification is sent.
func (a *App) failUnloaded(ctx context.Context, logger *slog.Logger, scanID string, start time.Time, cause error) {
	ctx = context.WithoutCancel(ctx)
	elapsed := time.Since(start)
	failed, err := a.store.FailScan(ctx, scanID, internalErrorMessage, elapsed.Milliseconds())
	if err != nil || !failed {
		logger.Error("scan run aborted", "outcome", metrics.OutcomeSkipped, "err", cause, "fail_err", err, "failed", failed)
		a.metrics.RunFinished(metrics.OutcomeSkipped, elapsed)
		return
	}
	a.invalidate(ctx, logger, scanID)
	a.metrics.RunFinished(metrics.OutcomeFailed, elapsed)
	logger.Error("scan run finished", "outcome", metrics.OutcomeFailed, "duration_ms", elapsed.Milliseconds(), "err", cause)
}

func (a *App) notify(ctx context.Context, logger *slog.Logger, event ScanEvent) {
	if err := a.notifier.Notify(ctx, event); err != nil {
		a.metrics.NotifyFailed()
		logger.Warn("scan notification failed", "status", event.Status, "err", err)
	}
}

// aggregateConfidence prefers the recognizer's overall score, then the mean
// detection confidence, and clamps to [0,1].
func aggregateConfidence(result domain.RecognitionResult) float64 {
	score := result.OverallConfidence
	if score <= 0 && len(result.Detections) > 0 {
		var sum float64
		for _, d := range result.Detections {
			sum += d.Confidence
		}
		score = sum / float64(len(result.Detections))
	}
	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}

func rawResults(result domain.RecognitionResult) json.RawMessage {
	if len(result.Raw) > 0 && json.Valid(result.Raw) {
		return result.Raw
	}
	data, err := json.Marshal(result)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
