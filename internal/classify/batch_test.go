package classify

import (
	"context"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/internal/resilience"
	"github.com/vectis-data/permit-sync/pkg/anthropic"
)

func batchConfig() config.ClassifyConfig {
	return config.ClassifyConfig{
		ChunkSize:        25,
		DescriptionLimit: 160,
		MaxRetries:       1,
	}
}

func aiConfig() config.AnthropicConfig {
	return config.AnthropicConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 2048}
}

func records(descs ...string) []*model.PermitRecord {
	out := make([]*model.PermitRecord, len(descs))
	for i, d := range descs {
		out[i] = &model.PermitRecord{City: "Austin", PermitID: "P-" + d, Description: d, Tier: model.TierUnknown}
	}
	return out
}

func TestClassifyAll_AppliesResults(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(textResponse(`[
			{"id": 0, "tier": "Commercial", "category": "Commercial - New", "reason": "new office shell"},
			{"id": 1, "tier": "Residential", "reason": "duplex addition"}
		]`), nil).Once()

	recs := records("office", "duplex")
	NewBatchClassifier(client, aiConfig(), batchConfig()).ClassifyAll(ctx, recs)

	assert.Equal(t, model.TierCommercial, recs[0].Tier)
	assert.Equal(t, model.CategoryCommercialNew, recs[0].Category)
	assert.Equal(t, "new office shell", recs[0].AIRationale)
	assert.Equal(t, model.TierResidential, recs[1].Tier)
	client.AssertExpectations(t)
}

func TestClassifyAll_FencedResponseInProse(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(textResponse("Here is the classification:\n```json\n[{\"id\": 0, \"tier\": \"commodity\", \"reason\": \"roof repair\"}]\n```"), nil).Once()

	recs := records("roof")
	NewBatchClassifier(client, aiConfig(), batchConfig()).ClassifyAll(ctx, recs)

	assert.Equal(t, model.TierCommodity, recs[0].Tier)
	client.AssertExpectations(t)
}

func TestClassifyAll_UnparsableResponseMarksChunkUnknown(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(textResponse("I cannot classify these permits."), nil).Once()

	recs := records("a", "b")
	recs[0].Tier = ""
	NewBatchClassifier(client, aiConfig(), batchConfig()).ClassifyAll(ctx, recs)

	for _, r := range recs {
		assert.Equal(t, model.TierUnknown, r.Tier)
		assert.Equal(t, "classification response could not be parsed", r.AIRationale)
	}
}

func TestClassifyAll_SkipsMalformedItems(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	// Out-of-range index, missing id, empty tier: each skipped without
	// touching the rest.
	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(textResponse(`[
			{"id": 99, "tier": "Commercial"},
			{"tier": "Commercial"},
			{"id": 1, "tier": ""},
			{"id": 0, "tier": "Residential", "reason": "adu"}
		]`), nil).Once()

	recs := records("adu", "mystery")
	NewBatchClassifier(client, aiConfig(), batchConfig()).ClassifyAll(ctx, recs)

	assert.Equal(t, model.TierResidential, recs[0].Tier)
	assert.Equal(t, model.TierUnknown, recs[1].Tier)
}

func TestClassifyAll_UnrecognizedTier(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(textResponse(`[{"id": 0, "tier": "Industrial", "reason": "factory"}]`), nil).Once()

	recs := records("factory")
	NewBatchClassifier(client, aiConfig(), batchConfig()).ClassifyAll(ctx, recs)

	assert.Equal(t, model.TierUnknown, recs[0].Tier)
	assert.Contains(t, recs[0].AIRationale, `unrecognized tier "Industrial"`)
}

func TestClassifyAll_RetriesRateLimit(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	rateLimited := resilience.NewTransientError(assert.AnError, 429)
	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(nil, rateLimited).Once()
	client.On("CreateMessage", mock.Anything, mock.AnythingOfType("anthropic.MessageRequest")).
		Return(textResponse(`[{"id": 0, "tier": "Commodity", "reason": "sign"}]`), nil).Once()

	cfg := batchConfig()
	cfg.MaxRetries = 2

	recs := records("sign")
	NewBatchClassifier(client, aiConfig(), cfg).ClassifyAll(ctx, recs)

	assert.Equal(t, model.TierCommodity, recs[0].Tier)
	client.AssertExpectations(t)
}

func TestClassifyAll_ChunksLargeBatches(t *testing.T) {
	ctx := context.Background()
	client := &mockAnthropicClient{}

	// 3 records with chunk size 2 => two requests, chunk-local indices.
	client.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1 && req.Messages[0].Content != ""
	})).Return(textResponse(`[{"id": 0, "tier": "Commodity"}, {"id": 1, "tier": "Commodity"}]`), nil).Twice()

	cfg := batchConfig()
	cfg.ChunkSize = 2
	cfg.ChunkPauseSecs = 0

	recs := records("a", "b", "c")
	NewBatchClassifier(client, aiConfig(), cfg).ClassifyAll(ctx, recs)

	assert.Equal(t, model.TierCommodity, recs[0].Tier)
	assert.Equal(t, model.TierCommodity, recs[1].Tier)
	assert.Equal(t, model.TierCommodity, recs[2].Tier)
	client.AssertExpectations(t)
}

func TestClassifyAll_Empty(t *testing.T) {
	client := &mockAnthropicClient{}
	NewBatchClassifier(client, aiConfig(), batchConfig()).ClassifyAll(context.Background(), nil)
	client.AssertNotCalled(t, "CreateMessage")
}

func TestRenderChunk_TruncatesDescriptions(t *testing.T) {
	cfg := batchConfig()
	cfg.DescriptionLimit = 10

	bc := NewBatchClassifier(&mockAnthropicClient{}, aiConfig(), cfg)
	long := &model.PermitRecord{Valuation: 1000, Description: "a very long description that keeps going"}

	out := bc.renderChunk([]*model.PermitRecord{long})

	require.Contains(t, out, "0: $1000 | a very lon\n")
	assert.NotContains(t, out, "keeps going")
}

func TestTruncate_RuneBoundary(t *testing.T) {
	// "café" is 5 bytes; cutting at 4 would split the two-byte é.
	assert.Equal(t, "caf", truncate("café", 4))
	assert.Equal(t, "café", truncate("café", 5))
	assert.True(t, utf8.ValidString(truncate("日本語の説明", 7)))
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "unlimited", truncate("unlimited", 0))
}
