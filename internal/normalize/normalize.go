// Package normalize repairs raw source fields into canonical permit records
// and collapses duplicates before they reach classification or storage.
package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/vectis-data/permit-sync/internal/model"
)

// dateLayouts are tried in order for string-typed date fields.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// Normalize maps an untrusted raw record into a canonical PermitRecord.
// It is a pure function: parse failures default individual fields, they
// never drop the record or return an error.
func Normalize(city string, raw model.RawRecord) model.PermitRecord {
	rec := model.PermitRecord{
		City:        city,
		PermitID:    stringField(raw, model.FieldPermitID, ""),
		Description: stringField(raw, model.FieldDescription, model.DefaultDescription),
		Valuation:   ParseValuation(raw[model.FieldValuation]),
		Status:      stringField(raw, model.FieldStatus, "Unknown"),
		AppliedDate: ParseDate(raw[model.FieldAppliedDate]),
		IssuedDate:  ParseDate(raw[model.FieldIssuedDate]),
		Tier:        model.TierUnknown,
	}

	// Time-travel correction: sources occasionally transpose the two date
	// columns, producing issued < applied. Swapping restores the invariant
	// but cannot distinguish a transposition from two independently wrong
	// dates, so corrected records stay flagged.
	if rec.AppliedDate != nil && rec.IssuedDate != nil && rec.IssuedDate.Before(*rec.AppliedDate) {
		rec.AppliedDate, rec.IssuedDate = rec.IssuedDate, rec.AppliedDate
		rec.DatesCorrected = true
	}

	if rec.AppliedDate != nil && rec.IssuedDate != nil {
		days := int(rec.IssuedDate.Sub(*rec.AppliedDate).Hours() / 24)
		rec.ProcessingDays = &days
	}

	return rec
}

// ParseDate accepts ISO-8601 strings, bare YYYY-MM-DD, and epoch-millisecond
// numbers (ArcGIS feature attributes). Anything unparsable becomes nil.
func ParseDate(v any) *time.Time {
	switch d := v.(type) {
	case nil:
		return nil
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return nil
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return datePtr(t)
			}
		}
		// Numeric string: treat as epoch milliseconds.
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromEpochMillis(ms)
		}
		return nil
	case float64:
		return fromEpochMillis(int64(d))
	case int64:
		return fromEpochMillis(d)
	case int:
		return fromEpochMillis(int64(d))
	case json.Number:
		if ms, err := d.Int64(); err == nil {
			return fromEpochMillis(ms)
		}
		return nil
	case time.Time:
		return datePtr(d)
	default:
		return nil
	}
}

// ParseValuation strips currency formatting ($, thousands separators) and
// parses a non-negative amount. Failures and negative values yield 0.
func ParseValuation(v any) float64 {
	var f float64
	switch val := v.(type) {
	case nil:
		return 0
	case float64:
		f = val
	case int:
		f = float64(val)
	case int64:
		f = float64(val)
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		s := strings.TrimSpace(val)
		s = strings.ReplaceAll(s, "$", "")
		s = strings.ReplaceAll(s, ",", "")
		if s == "" {
			return 0
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if f < 0 {
		return 0
	}
	return f
}

func stringField(raw model.RawRecord, key, fallback string) string {
	if v, ok := raw[key]; ok {
		if s, ok := v.(string); ok {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				return trimmed
			}
		}
	}
	return fallback
}

func fromEpochMillis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	return datePtr(time.UnixMilli(ms).UTC())
}

// datePtr truncates to date precision; permits carry calendar dates, not
// timestamps.
func datePtr(t time.Time) *time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
