// Package statuscache holds short-lived processing snapshots for scan polling.
// The durable scan row is always authoritative; entries only save a DB read.
package statuscache

import (
	"context"
	"time"

	"modmaster/pkg/domain"
)

const DefaultTTL = 10 * time.Second

// Cache stores processing snapshots keyed by scan id.
//
// Invalidate leaves a marker behind that reads treat as a miss and that blocks
// PutProcessing until it expires or Reset removes it, so a late writer cannot
// re-insert a processing snapshot for a scan that has already finished.
type Cache interface {
	Get(ctx context.Context, scanID string) (domain.StatusSnapshot, bool, error)
	// PutProcessing stores snap if no entry or marker exists. Snapshots that
	// are not processing are ignored.
	PutProcessing(ctx context.Context, snap domain.StatusSnapshot) error
	Invalidate(ctx context.Context, scanID string) error
	// Reset drops any entry or marker so a reprocessed scan can be primed again.
	Reset(ctx context.Context, scanID string) error
}

func cacheKey(scanID string) string {
	return "scan:status:" + scanID
}
