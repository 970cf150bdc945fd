package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/internal/store"
)

var (
	classifyCity  string
	classifyLimit int
)

// classifyCmd sweeps stored permits that are still Unknown through the
// classification waterfall again. Useful after tuning keywords or when a
// previous run hit rate limits and left a batch unclassified.
var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Re-classify stored permits with Unknown complexity",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		permits, err := st.ListPermits(ctx, store.PermitFilter{
			City:  classifyCity,
			Tier:  model.TierUnknown,
			Limit: classifyLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list unclassified permits")
		}
		if len(permits) == 0 {
			zap.L().Info("nothing to classify")
			return nil
		}
		zap.L().Info("re-classifying permits", zap.Int("count", len(permits)))

		// Reset so triage gets a clean pass at every record.
		for i := range permits {
			permits[i].Tier = ""
			permits[i].Category = ""
			permits[i].AIRationale = ""
		}

		classifier := initClassifier()
		classifier.Run(ctx, permits)

		n, err := st.UpsertPermits(ctx, permits)
		if err != nil {
			return eris.Wrap(err, "persist classified permits")
		}

		resolved := 0
		for i := range permits {
			if permits[i].Tier != model.TierUnknown {
				resolved++
			}
		}
		zap.L().Info("classification sweep complete",
			zap.Int64("updated", n),
			zap.Int("resolved", resolved),
			zap.Int("still_unknown", len(permits)-resolved),
		)
		return nil
	},
}

func init() {
	classifyCmd.Flags().StringVar(&classifyCity, "city", "", "classify only this city")
	classifyCmd.Flags().IntVar(&classifyLimit, "limit", 500, "maximum permits per sweep")
	rootCmd.AddCommand(classifyCmd)
}
