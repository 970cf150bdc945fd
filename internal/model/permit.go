// Package model defines the canonical permit record and classification vocabulary.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the coarse complexity classification assigned to a permit.
// The vocabulary is closed: values outside it are normalized to TierUnknown.
type Tier string

// Canonical tier values.
const (
	TierCommercial  Tier = "Commercial"
	TierResidential Tier = "Residential"
	TierCommodity   Tier = "Commodity"
	TierUnknown     Tier = "Unknown"
)

// AllTiers returns the canonical tier vocabulary.
func AllTiers() []Tier {
	return []Tier{TierCommercial, TierResidential, TierCommodity, TierUnknown}
}

// ParseTier matches a tier label case-insensitively against the canonical
// vocabulary. "Strategic", the supertype used by an earlier taxonomy
// revision, folds into TierCommercial. Unrecognized labels return
// (TierUnknown, false) so callers can record why the value was discarded.
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "commercial", "strategic":
		return TierCommercial, true
	case "residential":
		return TierResidential, true
	case "commodity":
		return TierCommodity, true
	case "unknown", "ambiguous", "standard":
		return TierUnknown, true
	default:
		return TierUnknown, false
	}
}

// Category is an optional finer-grained project label.
type Category string

// Known project categories.
const (
	CategoryResidentialNew        Category = "Residential - New Construction"
	CategoryResidentialAlteration Category = "Residential - Alteration"
	CategoryCommercialNew         Category = "Commercial - New"
	CategoryCommercialTI          Category = "Commercial - Tenant Improvement"
	CategoryTradeOnly             Category = "Trade Only"
)

// PermitKey is the natural key identifying a permit across ingestion runs.
type PermitKey struct {
	City     string
	PermitID string
}

func (k PermitKey) String() string {
	return fmt.Sprintf("%s/%s", k.City, k.PermitID)
}

// DefaultDescription is substituted when a source record carries no usable
// description text.
const DefaultDescription = "No Description"

// PermitRecord is the canonical unit of work. Every source adapter maps its
// raw payload into this shape; everything downstream of the normalizer only
// ever sees a PermitRecord.
type PermitRecord struct {
	City        string  `json:"city"`
	PermitID    string  `json:"permit_id"`
	Description string  `json:"description"`
	Valuation   float64 `json:"valuation"`
	Status      string  `json:"status"`

	AppliedDate    *time.Time `json:"applied_date,omitempty"`
	IssuedDate     *time.Time `json:"issued_date,omitempty"`
	ProcessingDays *int       `json:"processing_days,omitempty"`

	Tier        Tier     `json:"complexity_tier"`
	Category    Category `json:"project_category,omitempty"`
	AIRationale string   `json:"ai_rationale,omitempty"`

	// DatesCorrected marks records whose applied/issued dates arrived
	// transposed and were swapped by the normalizer. The swap is a lossy
	// heuristic, so corrected records stay flagged for auditing.
	DatesCorrected bool `json:"dates_corrected,omitempty"`
}

// Key returns the record's natural key.
func (r *PermitRecord) Key() PermitKey {
	return PermitKey{City: r.City, PermitID: r.PermitID}
}

// ChangeEvent records a status transition observed between two ingestion
// runs. Events are append-only and never mutated.
type ChangeEvent struct {
	ID             string    `json:"id"`
	City           string    `json:"city"`
	PermitID       string    `json:"permit_id"`
	PreviousStatus string    `json:"previous_status"`
	NewStatus      string    `json:"new_status"`
	ChangedAt      time.Time `json:"changed_at"`
}

// Key returns the natural key of the permit the event belongs to.
func (e *ChangeEvent) Key() PermitKey {
	return PermitKey{City: e.City, PermitID: e.PermitID}
}

// RawRecord is an untyped source payload keyed by canonical field names.
// Source adapters are responsible for mapping vendor field names onto the
// canonical keys; the normalizer treats every value as untrusted.
type RawRecord map[string]any

// Canonical RawRecord keys produced by source adapters.
const (
	FieldPermitID    = "permit_id"
	FieldDescription = "description"
	FieldValuation   = "valuation"
	FieldStatus      = "status"
	FieldAppliedDate = "applied_date"
	FieldIssuedDate  = "issued_date"
)
