package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/internal/resilience"
	"github.com/vectis-data/permit-sync/pkg/anthropic"
)

const classifySystemPrompt = `You are a civil engineering data analyst classifying building permit descriptions.

Classify each permit into exactly one tier:
- "Commercial": new commercial construction, multi-family, tenant improvements, medical, industrial, infrastructure.
- "Residential": single-family or duplex work, ADUs, residential additions and alterations.
- "Commodity": minor repetitive work - roofs, fences, pools, signs, water heaters, repairs, trade-only permits.
- "Unknown": description too vague to classify (e.g. "Building Permit").

Optionally assign a category from: "Residential - New Construction", "Residential - Alteration", "Commercial - New", "Commercial - Tenant Improvement", "Trade Only".

CRITICAL CONSTRAINTS:
- A description containing "bedroom", "house", "residence", "home", or "ADU" is never Commercial, even if it also mentions an office (e.g. "Home Office").
- "Tenant Finish Out" is Commercial only with clear commercial context (e.g. "Suite 100", "Retail").
- "Sign" or "Wall Sign" is Commodity unless the valuation is very high.

Each input line is "index: $valuation | description". Respond with only a JSON array:
[{"id": <index>, "tier": "<tier>", "category": "<category or empty>", "reason": "<short reason>"}]`

// BatchClassifier sends unresolved records to the classification service in
// bounded chunks and maps the parsed results back onto the records.
type BatchClassifier struct {
	client  anthropic.Client
	ai      config.AnthropicConfig
	cfg     config.ClassifyConfig
	breaker *resilience.CircuitBreaker
	log     *zap.Logger
}

// NewBatchClassifier creates a batch classifier.
func NewBatchClassifier(client anthropic.Client, ai config.AnthropicConfig, cfg config.ClassifyConfig) *BatchClassifier {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 25
	}
	if cfg.DescriptionLimit <= 0 {
		cfg.DescriptionLimit = 160
	}
	return &BatchClassifier{
		client:  client,
		ai:      ai,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{}),
		log:     zap.L().With(zap.String("component", "classify.batch")),
	}
}

// ClassifyAll mutates records in place with tier, category, and rationale.
// Failures degrade: a chunk that cannot be classified or parsed leaves its
// records with whatever tier they entered the call with, and no error
// escapes a chunk boundary.
func (c *BatchClassifier) ClassifyAll(ctx context.Context, records []*model.PermitRecord) {
	if len(records) == 0 {
		return
	}

	var usage anthropic.TokenUsage
	for start := 0; start < len(records); start += c.cfg.ChunkSize {
		end := start + c.cfg.ChunkSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		err := c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.classifyChunk(ctx, chunk, &usage)
		})
		if err != nil {
			if eris.Is(err, resilience.ErrCircuitOpen) {
				c.log.Warn("classification circuit open, skipping chunk",
					zap.Int("chunk_start", start),
					zap.Int("chunk_len", len(chunk)),
				)
			} else {
				c.log.Warn("chunk classification failed",
					zap.Int("chunk_start", start),
					zap.Int("chunk_len", len(chunk)),
					zap.Error(err),
				)
			}
		}

		// Fixed pause between chunks keeps the run under the service's
		// rate ceiling. Throughput tradeoff, not correctness.
		if end < len(records) && c.cfg.ChunkPauseSecs > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(c.cfg.ChunkPauseSecs) * time.Second):
			}
		}
	}

	usage.Log(c.ai.Model, "classify")
}

// chunkItem is one element of the service's JSON array response. Index is a
// pointer so a missing "id" is distinguishable from index 0.
type chunkItem struct {
	Index    *int   `json:"id"`
	Tier     string `json:"tier"`
	Category string `json:"category"`
	Reason   string `json:"reason"`
}

func (c *BatchClassifier) classifyChunk(ctx context.Context, chunk []*model.PermitRecord, usage *anthropic.TokenUsage) error {
	retryCfg := resilience.DefaultRetryConfig()
	if c.cfg.MaxRetries > 0 {
		retryCfg.MaxAttempts = c.cfg.MaxRetries
	}
	retryCfg.OnRetry = resilience.RetryLogger("anthropic", "classify_chunk")

	resp, err := resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return c.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     c.ai.Model,
			MaxTokens: c.ai.MaxTokens,
			System:    classifySystemPrompt,
			Messages: []anthropic.Message{
				{Role: "user", Content: c.renderChunk(chunk)},
			},
		})
	})
	if err != nil {
		return eris.Wrap(err, "classify: chunk request")
	}
	usage.Add(resp.Usage)

	c.applyResults(chunk, resp.Text())
	return nil
}

// renderChunk formats records as "local_index: $valuation | description".
// Indices are chunk-local; the response maps back by position, never by a
// database id.
func (c *BatchClassifier) renderChunk(chunk []*model.PermitRecord) string {
	var b strings.Builder
	for i, rec := range chunk {
		desc := truncate(rec.Description, c.cfg.DescriptionLimit)
		fmt.Fprintf(&b, "%d: $%.0f | %s\n", i, rec.Valuation, desc)
	}
	return b.String()
}

// truncate cuts s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

// applyResults parses the service response and maps items back onto the
// chunk. A wholly unparsable response marks the chunk Unknown with a
// rationale; individually malformed items are skipped without discarding
// the rest.
func (c *BatchClassifier) applyResults(chunk []*model.PermitRecord, text string) {
	var items []chunkItem
	if err := json.Unmarshal([]byte(ExtractJSON(text)), &items); err != nil {
		c.log.Warn("unparsable classification response",
			zap.Int("chunk_len", len(chunk)),
			zap.Error(err),
		)
		for _, rec := range chunk {
			rec.Tier = model.TierUnknown
			rec.AIRationale = "classification response could not be parsed"
		}
		return
	}

	for _, item := range items {
		if item.Index == nil || *item.Index < 0 || *item.Index >= len(chunk) {
			c.log.Debug("skipping out-of-range classification index",
				zap.Any("index", item.Index),
			)
			continue
		}
		if strings.TrimSpace(item.Tier) == "" {
			continue
		}

		rec := chunk[*item.Index]
		tier, known := model.ParseTier(item.Tier)
		rec.Tier = tier
		if known {
			rec.AIRationale = item.Reason
		} else {
			rec.AIRationale = fmt.Sprintf("unrecognized tier %q from model", item.Tier)
		}
		if cat, ok := parseCategory(item.Category); ok {
			rec.Category = cat
		}
	}
}

func parseCategory(s string) (model.Category, bool) {
	known := []model.Category{
		model.CategoryResidentialNew,
		model.CategoryResidentialAlteration,
		model.CategoryCommercialNew,
		model.CategoryCommercialTI,
		model.CategoryTradeOnly,
	}
	for _, cat := range known {
		if strings.EqualFold(strings.TrimSpace(s), string(cat)) {
			return cat, true
		}
	}
	return "", false
}
