package catalog

import (
	"context"
	"fmt"
	"strings"

	"modmaster/pkg/domain"
	"modmaster/pkg/store"
)

const (
	fallbackPartName     = "Unidentified part"
	fallbackPartCategory = "uncategorized"
)

// Resolver maps recognition detections onto catalog parts.
type Resolver struct{}

// NewResolver returns a part resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve looks the detection up by OEM number, then universal part number.
// When neither matches and an OEM number is present a minimal part is created;
// a concurrent creator of the same OEM number wins and its row is returned.
// Detections with no usable identifier resolve to ok=false.
func (r *Resolver) Resolve(ctx context.Context, parts store.PartCatalog, d domain.Detection) (domain.Part, bool, error) {
	oem := NormalizeIdentifier(d.OEMNumber)
	upn := NormalizeIdentifier(d.UniversalPartNumber)

	if oem != "" {
		part, ok, err := parts.FindPartByOEM(ctx, oem)
		if err != nil {
			return domain.Part{}, false, fmt.Errorf("find part by oem %s: %w", oem, err)
		}
		if ok {
			return part, true, nil
		}
	}
	if upn != "" {
		part, ok, err := parts.FindPartByUniversal(ctx, upn)
		if err != nil {
			return domain.Part{}, false, fmt.Errorf("find part by universal number %s: %w", upn, err)
		}
		if ok {
			return part, true, nil
		}
	}
	if oem == "" {
		return domain.Part{}, false, nil
	}

	part, err := parts.CreatePartIfAbsent(ctx, minimalPart(d, oem, upn))
	if err != nil {
		return domain.Part{}, false, fmt.Errorf("create part %s: %w", oem, err)
	}
	return part, true, nil
}

// ResolveFunc adapts the resolver to the store commit hook.
func (r *Resolver) ResolveFunc() store.ResolveFunc {
	return r.Resolve
}

// NormalizeIdentifier trims and upper-cases a part identifier.
func NormalizeIdentifier(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func minimalPart(d domain.Detection, oem, upn string) domain.Part {
	name := firstNonEmpty(d.Name, d.Label, fallbackPartName)
	category := firstNonEmpty(d.Category, fallbackPartCategory)
	return domain.Part{
		Name:                name,
		Category:            category,
		Subcategory:         strings.TrimSpace(d.Subcategory),
		Manufacturer:        strings.TrimSpace(d.Manufacturer),
		OEMNumber:           oem,
		UniversalPartNumber: upn,
		Description:         strings.TrimSpace(d.Description),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
