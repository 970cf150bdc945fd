// Package delta diffs incoming permit statuses against previously stored
// state and emits change events for the append-only history log.
package delta

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/model"
)

// StatusLookup fetches the stored status for a set of natural keys. Keys
// with no stored record are simply absent from the returned map.
type StatusLookup func(ctx context.Context, keys []model.PermitKey) (map[model.PermitKey]string, error)

// Options tunes change detection.
type Options struct {
	// LookupChunkSize bounds how many keys go into one lookup call,
	// keeping filter clauses against the store a manageable size.
	// Default: 200.
	LookupChunkSize int

	// Now overrides the event timestamp source, for tests.
	Now func() time.Time
}

// Detect compares incoming records against stored state and returns one
// ChangeEvent per observed status transition. Records seen for the first
// time produce nothing: that is new-record ingestion, not a transition.
func Detect(ctx context.Context, incoming []model.PermitRecord, lookup StatusLookup, opts Options) ([]model.ChangeEvent, error) {
	if len(incoming) == 0 {
		return nil, nil
	}

	chunkSize := opts.LookupChunkSize
	if chunkSize <= 0 {
		chunkSize = 200
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	keys := make([]model.PermitKey, 0, len(incoming))
	seen := make(map[model.PermitKey]bool, len(incoming))
	for i := range incoming {
		key := incoming[i].Key()
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}

	existing := make(map[model.PermitKey]string, len(keys))
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}
		statuses, err := lookup(ctx, keys[start:end])
		if err != nil {
			return nil, eris.Wrap(err, "delta: lookup stored statuses")
		}
		for k, s := range statuses {
			existing[k] = s
		}
	}

	var events []model.ChangeEvent
	for i := range incoming {
		rec := &incoming[i]
		oldStatus, ok := existing[rec.Key()]
		if !ok || oldStatus == "" || rec.Status == "" || oldStatus == rec.Status {
			continue
		}

		zap.L().Info("status change detected",
			zap.String("city", rec.City),
			zap.String("permit_id", rec.PermitID),
			zap.String("previous_status", oldStatus),
			zap.String("new_status", rec.Status),
		)
		events = append(events, model.ChangeEvent{
			ID:             uuid.New().String(),
			City:           rec.City,
			PermitID:       rec.PermitID,
			PreviousStatus: oldStatus,
			NewStatus:      rec.Status,
			ChangedAt:      now().UTC(),
		})
	}

	return events, nil
}
