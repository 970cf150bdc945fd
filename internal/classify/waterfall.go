package classify

import (
	"context"

	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/pkg/anthropic"
)

// Waterfall runs the full classification sequence over a batch: keyword
// triage resolves the cheap majority, the safety valve and unmatched
// records fall through to batched deep classification.
type Waterfall struct {
	cfg   config.ClassifyConfig
	batch *BatchClassifier
	log   *zap.Logger
}

// NewWaterfall creates a waterfall. client may be nil, in which case deep
// classification is skipped and unresolved records stay Unknown.
func NewWaterfall(client anthropic.Client, ai config.AnthropicConfig, cfg config.ClassifyConfig) *Waterfall {
	w := &Waterfall{
		cfg: cfg,
		log: zap.L().With(zap.String("component", "classify.waterfall")),
	}
	if client != nil {
		w.batch = NewBatchClassifier(client, ai, cfg)
	}
	return w
}

// Run classifies records in place. On return every record carries exactly
// one canonical tier; Unknown is a valid terminal state, never an error.
func (w *Waterfall) Run(ctx context.Context, records []model.PermitRecord) {
	var unresolved []*model.PermitRecord

	for i := range records {
		if assignment, ok := Triage(records[i], w.cfg); ok {
			records[i].Tier = assignment.Tier
			records[i].Category = assignment.Category
			records[i].AIRationale = assignment.Rationale
			continue
		}
		unresolved = append(unresolved, &records[i])
	}

	w.log.Info("triage complete",
		zap.Int("total", len(records)),
		zap.Int("resolved", len(records)-len(unresolved)),
		zap.Int("unresolved", len(unresolved)),
	)

	if len(unresolved) > 0 && w.batch != nil {
		w.batch.ClassifyAll(ctx, unresolved)
	}

	// Totality: whatever happened above, every record exits with a
	// canonical tier value.
	for i := range records {
		if records[i].Tier == "" {
			records[i].Tier = model.TierUnknown
		}
	}
}
