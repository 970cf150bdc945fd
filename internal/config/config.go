package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Sync      SyncConfig      `yaml:"sync" mapstructure:"sync"`
	Sources   []SourceConfig  `yaml:"sources" mapstructure:"sources"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings for deep classification.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ClassifyConfig holds the classification waterfall tuning parameters.
// The thresholds and keyword lists are calibration knobs, not contracts;
// the defaults come from observed permit volumes, not first principles.
type ClassifyConfig struct {
	// HighValueThreshold is the safety-valve floor: records valued at or
	// above it always go to deep classification, overriding keyword triage.
	HighValueThreshold float64 `yaml:"high_value_threshold" mapstructure:"high_value_threshold"`

	// LowValueCeiling marks everything below it as Commodity regardless
	// of description text.
	LowValueCeiling float64 `yaml:"low_value_ceiling" mapstructure:"low_value_ceiling"`

	CommodityKeywords   []string `yaml:"commodity_keywords" mapstructure:"commodity_keywords"`
	ResidentialKeywords []string `yaml:"residential_keywords" mapstructure:"residential_keywords"`

	// ChunkSize bounds how many records go into one classification request.
	ChunkSize int `yaml:"chunk_size" mapstructure:"chunk_size"`

	// ChunkPauseSecs is the fixed sleep between chunk requests, a cost and
	// rate-limit courtesy rather than a correctness requirement.
	ChunkPauseSecs int `yaml:"chunk_pause_secs" mapstructure:"chunk_pause_secs"`

	// MaxRetries bounds retry attempts for a rate-limited chunk.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// DescriptionLimit truncates descriptions rendered into the prompt.
	DescriptionLimit int `yaml:"description_limit" mapstructure:"description_limit"`
}

// SyncConfig configures the per-source sync orchestrator.
type SyncConfig struct {
	DaysBack        int `yaml:"days_back" mapstructure:"days_back"`
	LookupChunkSize int `yaml:"lookup_chunk_size" mapstructure:"lookup_chunk_size"`
	ParallelSources int `yaml:"parallel_sources" mapstructure:"parallel_sources"`
}

// SourceConfig defines one municipal open-data source. Kind selects the
// adapter ("socrata" or "arcgis"); Fields maps vendor field names onto the
// canonical record shape.
type SourceConfig struct {
	City       string            `yaml:"city" mapstructure:"city"`
	Kind       string            `yaml:"kind" mapstructure:"kind"`
	URL        string            `yaml:"url" mapstructure:"url"`
	AppToken   string            `yaml:"app_token" mapstructure:"app_token"`
	Limit      int               `yaml:"limit" mapstructure:"limit"`
	RatePerSec float64           `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	OrderField string            `yaml:"order_field" mapstructure:"order_field"`
	Fields     map[string]string `yaml:"fields" mapstructure:"fields"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PERMITSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "permits.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("classify.high_value_threshold", 500_000)
	v.SetDefault("classify.low_value_ceiling", 10_000)
	v.SetDefault("classify.commodity_keywords", DefaultCommodityKeywords())
	v.SetDefault("classify.residential_keywords", DefaultResidentialKeywords())
	v.SetDefault("classify.chunk_size", 25)
	v.SetDefault("classify.chunk_pause_secs", 2)
	v.SetDefault("classify.max_retries", 3)
	v.SetDefault("classify.description_limit", 160)
	v.SetDefault("sync.days_back", 30)
	v.SetDefault("sync.lookup_chunk_size", 200)
	v.SetDefault("sync.parallel_sources", 1)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Sources) == 0 {
		cfg.Sources = DefaultSources()
	}

	return &cfg, nil
}

// DefaultCommodityKeywords lists descriptions that mark minor, repetitive
// permit work. Substring match, lowercase.
func DefaultCommodityKeywords() []string {
	return []string{
		"fence", "roof", "re-roof", "sign", "pool", "spa", "solar",
		"water heater", "driveway", "patio", "siding", "window", "door",
		"hvac", "irrigation", "sprinkler", "demolition", "carport",
		"shed", "deck",
	}
}

// DefaultResidentialKeywords lists single-family and accessory-dwelling
// indicators.
func DefaultResidentialKeywords() []string {
	return []string{
		"single family", "single-family", "duplex", "adu",
		"accessory dwelling", "bedroom", "residence", "house", "home",
	}
}

// DefaultSources returns the built-in municipal source definitions. The
// field maps translate each vendor's schema onto the canonical keys the
// normalizer expects.
func DefaultSources() []SourceConfig {
	return []SourceConfig{
		{
			City:       "Austin",
			Kind:       "socrata",
			URL:        "https://data.austintexas.gov/resource/3syk-w9eu.json",
			Limit:      5000,
			RatePerSec: 2,
			// applieddate is often null or years stale; ordering and
			// filtering on issue_date is the only way to see recent rows.
			OrderField: "issue_date",
			Fields: map[string]string{
				"permit_id":            "permit_number",
				"description":          "description",
				"fallback_description": "work_class",
				"valuation":            "valuation",
				"status":               "status_current",
				"applied_date":         "applieddate",
				"issued_date":          "issue_date",
			},
		},
		{
			City:       "Dallas",
			Kind:       "socrata",
			URL:        "https://www.dallasopendata.com/resource/e7gq-4sah.json",
			Limit:      5000,
			RatePerSec: 2,
			OrderField: "issued_date",
			Fields: map[string]string{
				"permit_id":            "permit_number",
				"description":          "description",
				"fallback_description": "work_description",
				"valuation":            "valuation",
				"status":               "status",
				"issued_date":          "issued_date",
			},
		},
		{
			City:       "Phoenix",
			Kind:       "arcgis",
			URL:        "https://services.arcgis.com/pdv6O6pX596L23T6/arcgis/rest/services/Open_Data_Development_Permits/FeatureServer/0/query",
			Limit:      2000,
			RatePerSec: 2,
			OrderField: "ISSUED_DATE",
			Fields: map[string]string{
				"permit_id":    "PERMIT_NUMBER",
				"description":  "DESCRIPTION",
				"valuation":    "TOTAL_VALUATION",
				"status":       "STATUS",
				"applied_date": "APPLIED_DATE",
				"issued_date":  "ISSUED_DATE",
			},
		},
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
