package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/classify"
	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/source"
	"github.com/vectis-data/permit-sync/internal/store"
	anthropicpkg "github.com/vectis-data/permit-sync/pkg/anthropic"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "permit-sync",
	Short: "Municipal construction permit ingestion and classification",
	Long:  "Pulls permits from municipal open-data portals, normalizes and deduplicates them, classifies complexity via keyword triage and Claude, and tracks status changes.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	return st, nil
}

// initClassifier builds the classification waterfall. Without an API key the
// waterfall still runs keyword triage; unresolved records stay Unknown.
func initClassifier() *classify.Waterfall {
	var client anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		client = anthropicpkg.NewClient(cfg.Anthropic.Key)
	} else {
		zap.L().Warn("no anthropic key configured, deep classification disabled")
	}
	return classify.NewWaterfall(client, cfg.Anthropic, cfg.Classify)
}

// initSources builds adapters for the configured sources, optionally
// filtered to a single city.
func initSources(only string) ([]source.Source, error) {
	var sources []source.Source
	for _, sc := range cfg.Sources {
		if only != "" && sc.City != only {
			continue
		}
		src, err := source.New(sc)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if len(sources) == 0 {
		if only != "" {
			return nil, eris.Errorf("no source configured for city %q", only)
		}
		return nil, eris.New("no sources configured")
	}
	return sources, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
