package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
)

// Socrata fetches permits from a Socrata Open Data API (SODA) resource.
type Socrata struct {
	cfg    config.SourceConfig
	client *client
}

// NewSocrata builds a Socrata adapter from a source definition.
func NewSocrata(cfg config.SourceConfig) *Socrata {
	return &Socrata{cfg: cfg, client: newClient(cfg.City, cfg.RatePerSec)}
}

func (s *Socrata) Name() string { return s.cfg.City }

// Fetch pulls records where the order field is at or after the cutoff,
// newest first. SODA caps single responses, so the configured limit bounds
// one page; a daily sync window never needs more.
func (s *Socrata) Fetch(ctx context.Context, cutoff time.Time) ([]model.RawRecord, error) {
	limit := s.cfg.Limit
	if limit <= 0 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("$where", fmt.Sprintf("%s >= '%s'", s.cfg.OrderField, cutoff.Format("2006-01-02T15:04:05")))
	q.Set("$order", s.cfg.OrderField+" DESC")
	q.Set("$limit", strconv.Itoa(limit))

	headers := map[string]string{}
	if s.cfg.AppToken != "" {
		headers["X-App-Token"] = s.cfg.AppToken
	}

	body, err := s.client.getJSON(ctx, s.cfg.URL+"?"+q.Encode(), headers)
	if err != nil {
		return nil, eris.Wrapf(err, "socrata: fetch %s", s.cfg.City)
	}

	var vendor []map[string]any
	if err := json.Unmarshal(body, &vendor); err != nil {
		return nil, eris.Wrapf(err, "socrata: decode %s response", s.cfg.City)
	}

	records := make([]model.RawRecord, 0, len(vendor))
	for _, row := range vendor {
		records = append(records, mapFields(row, s.cfg.Fields))
	}

	s.client.log.Info("fetched records",
		zap.Int("count", len(records)),
		zap.Time("cutoff", cutoff),
	)
	return records, nil
}
