package delta

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vectis-data/permit-sync/internal/model"
)

func staticLookup(stored map[model.PermitKey]string) StatusLookup {
	return func(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error) {
		out := make(map[model.PermitKey]string)
		for _, k := range keys {
			if s, ok := stored[k]; ok {
				out[k] = s
			}
		}
		return out, nil
	}
}

func TestDetect_StatusTransition(t *testing.T) {
	stored := map[model.PermitKey]string{
		{City: "Austin", PermitID: "P-1"}: "Pending",
	}
	incoming := []model.PermitRecord{
		{City: "Austin", PermitID: "P-1", Status: "Issued"},
	}

	fixed := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	events, err := Detect(context.Background(), incoming, staticLookup(stored), Options{
		Now: func() time.Time { return fixed },
	})

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, "Austin", events[0].City)
	assert.Equal(t, "P-1", events[0].PermitID)
	assert.Equal(t, "Pending", events[0].PreviousStatus)
	assert.Equal(t, "Issued", events[0].NewStatus)
	assert.Equal(t, fixed, events[0].ChangedAt)
}

func TestDetect_FirstSeenIsNotAChange(t *testing.T) {
	incoming := []model.PermitRecord{
		{City: "Austin", PermitID: "P-NEW", Status: "Pending"},
	}

	events, err := Detect(context.Background(), incoming, staticLookup(nil), Options{})

	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDetect_UnchangedStatus(t *testing.T) {
	stored := map[model.PermitKey]string{
		{City: "Austin", PermitID: "P-1"}: "Issued",
	}
	incoming := []model.PermitRecord{
		{City: "Austin", PermitID: "P-1", Status: "Issued"},
	}

	events, err := Detect(context.Background(), incoming, staticLookup(stored), Options{})

	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDetect_ChunksLookups(t *testing.T) {
	stored := make(map[model.PermitKey]string)
	var incoming []model.PermitRecord
	for _, id := range []string{"A", "B", "C", "D", "E"} {
		key := model.PermitKey{City: "Dallas", PermitID: id}
		stored[key] = "Pending"
		incoming = append(incoming, model.PermitRecord{City: "Dallas", PermitID: id, Status: "Issued"})
	}

	var calls int
	var maxChunk int
	lookup := func(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error) {
		calls++
		if len(keys) > maxChunk {
			maxChunk = len(keys)
		}
		return staticLookup(stored)(ctx, keys)
	}

	events, err := Detect(context.Background(), incoming, lookup, Options{LookupChunkSize: 2})

	require.NoError(t, err)
	assert.Len(t, events, 5)
	assert.Equal(t, 3, calls)
	assert.LessOrEqual(t, maxChunk, 2)
}

func TestDetect_LookupErrorPropagates(t *testing.T) {
	lookup := func(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error) {
		return nil, assert.AnError
	}

	_, err := Detect(context.Background(), []model.PermitRecord{{City: "Austin", PermitID: "P-1", Status: "Issued"}}, lookup, Options{})
	assert.Error(t, err)
}

func TestDetect_Empty(t *testing.T) {
	events, err := Detect(context.Background(), nil, staticLookup(nil), Options{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
