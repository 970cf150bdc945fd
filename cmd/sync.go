package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	syncpkg "github.com/vectis-data/permit-sync/internal/sync"
)

var (
	syncCity       string
	syncNoClassify bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch, classify and persist permits from the configured sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sources, err := initSources(syncCity)
		if err != nil {
			return err
		}

		classifier := initClassifier()
		if syncNoClassify {
			classifier = nil
		}

		engine := syncpkg.New(st, classifier, sources, cfg.Sync)
		summary, err := engine.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "sync run")
		}

		for name, result := range summary.Results {
			zap.L().Info("source synced",
				zap.String("source", name),
				zap.Int("fetched", result.Fetched),
				zap.Int("upserted", result.Upserted),
				zap.Int("changes", result.Changes),
			)
		}
		for _, name := range summary.Failed {
			zap.L().Warn("source failed", zap.String("source", name))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncCity, "city", "", "sync only this city")
	syncCmd.Flags().BoolVar(&syncNoClassify, "no-classify", false, "skip classification, fetch and persist only")
	rootCmd.AddCommand(syncCmd)
}
