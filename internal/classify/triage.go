// Package classify implements the tiered classification waterfall: free
// keyword triage first, the safety valve for high-valuation records, and
// batched deep classification through the Anthropic API for the remainder.
package classify

import (
	"fmt"
	"strings"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
)

// Assignment is a resolved classification decision.
type Assignment struct {
	Tier      model.Tier
	Category  model.Category
	Rationale string
}

// Triage attempts a free keyword classification. It returns false when the
// record needs deep classification: either no rule matched, or the safety
// valve fired.
//
// Rule order matters. The safety valve is checked first so a large
// commercial project is never marked Commodity just because its description
// happens to contain a residential-sounding word.
func Triage(rec model.PermitRecord, cfg config.ClassifyConfig) (Assignment, bool) {
	if cfg.HighValueThreshold > 0 && rec.Valuation >= cfg.HighValueThreshold {
		return Assignment{}, false
	}

	desc := strings.ToLower(rec.Description)

	if kw, ok := matchKeyword(desc, cfg.CommodityKeywords); ok {
		return Assignment{
			Tier:      model.TierCommodity,
			Rationale: fmt.Sprintf("keyword match: %q", kw),
		}, true
	}
	if rec.Valuation < cfg.LowValueCeiling {
		return Assignment{
			Tier:      model.TierCommodity,
			Rationale: fmt.Sprintf("valuation below $%.0f", cfg.LowValueCeiling),
		}, true
	}

	if kw, ok := matchKeyword(desc, cfg.ResidentialKeywords); ok {
		return Assignment{
			Tier:      model.TierResidential,
			Rationale: fmt.Sprintf("keyword match: %q", kw),
		}, true
	}

	return Assignment{}, false
}

func matchKeyword(desc string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(desc, kw) {
			return kw, true
		}
	}
	return "", false
}
