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

// ArcGIS fetches permits from an ArcGIS FeatureServer query endpoint.
// Feature attributes carry dates as epoch milliseconds; the normalizer
// handles that, so attributes pass through untouched.
type ArcGIS struct {
	cfg    config.SourceConfig
	client *client
}

// NewArcGIS builds an ArcGIS adapter from a source definition.
func NewArcGIS(cfg config.SourceConfig) *ArcGIS {
	return &ArcGIS{cfg: cfg, client: newClient(cfg.City, cfg.RatePerSec)}
}

func (a *ArcGIS) Name() string { return a.cfg.City }

type arcgisResponse struct {
	Features []struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"features"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Fetch queries features where the order field is at or after the cutoff.
// FeatureServer errors arrive as HTTP 200 with an error body, so the
// response envelope is checked explicitly.
func (a *ArcGIS) Fetch(ctx context.Context, cutoff time.Time) ([]model.RawRecord, error) {
	limit := a.cfg.Limit
	if limit <= 0 {
		limit = 1000
	}

	q := url.Values{}
	q.Set("where", fmt.Sprintf("%s >= DATE '%s'", a.cfg.OrderField, cutoff.Format("2006-01-02")))
	q.Set("outFields", "*")
	q.Set("orderByFields", a.cfg.OrderField+" DESC")
	q.Set("resultRecordCount", strconv.Itoa(limit))
	q.Set("f", "json")

	body, err := a.client.getJSON(ctx, a.cfg.URL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrapf(err, "arcgis: fetch %s", a.cfg.City)
	}

	var resp arcgisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "arcgis: decode %s response", a.cfg.City)
	}
	if resp.Error != nil {
		return nil, eris.Errorf("arcgis: %s query failed: %d %s", a.cfg.City, resp.Error.Code, resp.Error.Message)
	}

	records := make([]model.RawRecord, 0, len(resp.Features))
	for _, f := range resp.Features {
		records = append(records, mapFields(f.Attributes, a.cfg.Fields))
	}

	a.client.log.Info("fetched features",
		zap.Int("count", len(records)),
		zap.Time("cutoff", cutoff),
	)
	return records, nil
}
