package normalize

import (
	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/model"
)

// Dedupe collapses records sharing a natural key, keeping the first
// occurrence in input order. Sources sort newest-first, so first-wins
// approximates most-recent-wins; that ordering is the caller's property,
// not something Dedupe enforces.
//
// Dedupe must run before classification (so a duplicate never pays for a
// second model call) and before upsert (so one batch never carries the same
// conflict key twice).
func Dedupe(records []model.PermitRecord) []model.PermitRecord {
	seen := make(map[model.PermitKey]bool, len(records))
	unique := make([]model.PermitRecord, 0, len(records))

	for _, r := range records {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, r)
	}

	if removed := len(records) - len(unique); removed > 0 {
		zap.L().Debug("dedupe: collapsed duplicate permits",
			zap.Int("input", len(records)),
			zap.Int("unique", len(unique)),
			zap.Int("removed", removed),
		)
	}

	return unique
}
