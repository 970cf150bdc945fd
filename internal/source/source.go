// Package source implements adapters for municipal open-data permit feeds.
// Each adapter fetches raw records and maps vendor field names onto the
// canonical keys the normalizer expects.
package source

import (
	"context"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vectis-data/permit-sync/internal/config"
	"github.com/vectis-data/permit-sync/internal/model"
)

// fallbackDescriptionKey names the optional field-map entry used when a
// vendor's primary description column is empty.
const fallbackDescriptionKey = "fallback_description"

// Source fetches permit records filed or issued since the cutoff.
type Source interface {
	Name() string
	Fetch(ctx context.Context, cutoff time.Time) ([]model.RawRecord, error)
}

// New builds the adapter for a source definition.
func New(cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "socrata":
		return NewSocrata(cfg), nil
	case "arcgis":
		return NewArcGIS(cfg), nil
	default:
		return nil, eris.Errorf("source: unknown kind %q for %s", cfg.Kind, cfg.City)
	}
}

// client wraps net/http with a per-source rate limiter and retry on
// transient failures.
type client struct {
	http    *http.Client
	limiter *rate.Limiter
	retries int
	log     *zap.Logger
}

func newClient(city string, ratePerSec float64) *client {
	if ratePerSec <= 0 {
		ratePerSec = 2
	}
	return &client{
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		retries: 3,
		log:     zap.L().With(zap.String("component", "source"), zap.String("city", city)),
	}
}

// getJSON fetches the URL and returns the response body. Retries on
// connection errors, 429 and 5xx with exponential backoff.
func (c *client) getJSON(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "source: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "source: create request")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "permit-sync/1.0")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.log.Warn("request failed, retrying",
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("source: http %d from %s", resp.StatusCode, req.URL.Host)
			c.log.Warn("retryable status, backing off",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			c.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, eris.Errorf("source: unexpected status %d from %s", resp.StatusCode, req.URL.Host)
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, eris.Wrap(err, "source: read response body")
		}
		return body, nil
	}

	return nil, eris.Wrap(lastErr, "source: all retries exhausted")
}

func (c *client) backoff(ctx context.Context, attempt int) {
	base := time.Second
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int63n(int64(d) / 2))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// mapFields translates a vendor record onto the canonical keys using the
// source's field map. The city is stamped on by the caller (the normalizer
// reads it from the Source, not the record).
func mapFields(vendor map[string]any, fields map[string]string) model.RawRecord {
	rec := make(model.RawRecord, len(fields))
	for canonical, vendorKey := range fields {
		if canonical == fallbackDescriptionKey {
			continue
		}
		if v, ok := vendor[vendorKey]; ok {
			rec[canonical] = v
		}
	}

	// Some vendors leave the description column empty and put the useful
	// text in a secondary column like work_class.
	if isEmpty(rec[model.FieldDescription]) {
		if fallbackKey, ok := fields[fallbackDescriptionKey]; ok {
			if v, ok := vendor[fallbackKey]; ok && !isEmpty(v) {
				rec[model.FieldDescription] = v
			}
		}
	}

	return rec
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
