// Package price implements the price provider from SPEC_FULL.md §4.3:
// periodic refresh of 48h total/direct/feed-in price vectors from one of
// several upstream sources, with retry-free fallback to the last good value
// (or a fixed fallback vector) on failure.
package price

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/httpx"
	"github.com/devskill-org/eos-connect/internal/model"
	"github.com/devskill-org/eos-connect/internal/workerloop"
)

// fallbackPricePerWh is published when every source attempt has failed and
// no previously-good value exists (SPEC_FULL.md §4.3).
const fallbackPricePerWh = 0.0001

// source fetches raw total/direct price vectors (length >= 24, ideally 48,
// already in €/Wh) for today (and, if available, tomorrow already merged
// in) relative to loc/now.
type source interface {
	fetch(ctx context.Context, f *httpx.Fetcher, cfg config.PriceConfig, loc *time.Location, now time.Time) (total, direct []float64, err error)
}

// Provider owns the background refresher and the latest published PriceSet.
type Provider struct {
	cfg     config.PriceConfig
	loc     *time.Location
	fetcher *httpx.Fetcher
	logger  *log.Logger
	source  source

	mu      sync.RWMutex
	current *model.PriceSet

	runnable *workerloop.Runnable
}

// New constructs a price Provider. The background refresher is not started
// until Start is called.
func New(cfg config.PriceConfig, loc *time.Location, logger *log.Logger) *Provider {
	p := &Provider{
		cfg:     cfg,
		loc:     loc,
		fetcher: httpx.NewFetcher(10*time.Second, "eos-connect/1.0"),
		logger:  logger,
		source:  sourceFor(cfg.Source),
	}
	p.current = &model.PriceSet{
		Total:  model.NormalizeVector(nil),
		Direct: model.NormalizeVector(nil),
		FeedIn: model.NormalizeVector(nil),
	}
	for i := range p.current.Total {
		p.current.Total[i] = fallbackPricePerWh
	}
	return p
}

func sourceFor(name string) source {
	switch name {
	case "tibber":
		return &tibberSource{}
	case "smartenergy_at":
		return &smartenergySource{}
	case "fixed_24h":
		return &fixedSource{}
	default:
		return &akkudoktorSource{}
	}
}

// Start launches the background refresher, refreshing every 15 minutes.
func (p *Provider) Start(ctx context.Context) {
	p.runnable = &workerloop.Runnable{
		Name:     "price",
		Interval: 15 * time.Minute,
		Logger:   p.logger,
		Fn:       p.refresh,
	}
	go p.runnable.Start(ctx)
}

// Stop requests the background refresher to exit.
func (p *Provider) Stop() {
	if p.runnable != nil {
		p.runnable.Stop()
	}
}

// Refresh triggers a single refresh synchronously; the scheduler calls this
// directly ahead of building the EOS request (SPEC_FULL.md §4.10 step 1).
func (p *Provider) Refresh(ctx context.Context) {
	p.refresh(ctx)
}

func (p *Provider) refresh(ctx context.Context) {
	now := time.Now().In(p.loc)
	total, direct, err := p.source.fetch(ctx, p.fetcher, p.cfg, p.loc, now)
	if err != nil {
		p.logger.Printf("[PRICE] refresh failed, keeping last-good values: %v", err)
		return
	}

	total = model.SliceFromHour(total, now.Hour())
	direct = model.SliceFromHour(direct, now.Hour())
	feedIn := model.DeriveFeedIn(direct, p.cfg.FeedInPrice/100000, p.cfg.NegativePriceSwitch)

	p.mu.Lock()
	p.current = &model.PriceSet{Total: total, Direct: direct, FeedIn: feedIn}
	p.mu.Unlock()
	p.logger.Printf("[PRICE] refreshed from %s", p.cfg.Source)
}

// Current returns the latest published price set.
func (p *Provider) Current() *model.PriceSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// --- akkudoktor -------------------------------------------------------

const akkudoktorPricesURL = "https://api.akkudoktor.net/prices"

type akkudoktorPriceEntry struct {
	Start        string  `json:"start"`
	MarketPrice  float64 `json:"marketprice"`
}

type akkudoktorPricesResponse struct {
	Values []akkudoktorPriceEntry `json:"values"`
}

type akkudoktorSource struct{}

func (akkudoktorSource) fetch(ctx context.Context, f *httpx.Fetcher, cfg config.PriceConfig, loc *time.Location, now time.Time) ([]float64, []float64, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	url := fmt.Sprintf("%s?start=%s&end=%s&tz=%s",
		akkudoktorPricesURL,
		midnight.Format("2006-01-02"),
		midnight.AddDate(0, 0, 2).Format("2006-01-02"),
		loc.String(),
	)

	var resp akkudoktorPricesResponse
	if err := f.GetJSON(ctx, url, nil, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Values) == 0 {
		return nil, nil, &httpx.DecodeError{Field: "values", Message: "empty price array"}
	}

	direct := make([]float64, len(resp.Values))
	for i, v := range resp.Values {
		// Eurocent/kWh -> €/Wh
		direct[i] = v.MarketPrice / 100000
	}
	// "total" (tax-inclusive) is not distinguished by this source; mirror
	// direct, matching original_source/price_interface.py's single-vector
	// akkudoktor path.
	total := make([]float64, len(direct))
	copy(total, direct)
	return total, direct, nil
}

// --- tibber -------------------------------------------------------

const tibberAPIURL = "https://api.tibber.com/v1-beta/gql"

type tibberGraphQLRequest struct {
	Query string `json:"query"`
}

type tibberPriceInfo struct {
	Total float64 `json:"total"`
	Tax   float64 `json:"tax"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []struct {
				CurrentSubscription struct {
					PriceInfo struct {
						Today    []tibberPriceInfo `json:"today"`
						Tomorrow []tibberPriceInfo `json:"tomorrow"`
					} `json:"priceInfo"`
				} `json:"currentSubscription"`
			} `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
}

type tibberSource struct{}

func (tibberSource) fetch(ctx context.Context, f *httpx.Fetcher, cfg config.PriceConfig, loc *time.Location, now time.Time) ([]float64, []float64, error) {
	query := `{"query":"{viewer{homes{currentSubscription{priceInfo{today{total tax} tomorrow{total tax}}}}}}"}`
	headers := map[string]string{"Authorization": "Bearer " + cfg.Token}

	var resp tibberResponse
	if err := f.PostJSON(ctx, tibberAPIURL, headers, rawJSON(query), &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Data.Viewer.Homes) == 0 {
		return nil, nil, &httpx.DecodeError{Field: "homes", Message: "no homes in tibber response"}
	}
	info := resp.Data.Viewer.Homes[0].CurrentSubscription.PriceInfo
	if len(info.Today) == 0 {
		return nil, nil, &httpx.DecodeError{Field: "today", Message: "empty tibber today prices"}
	}

	tomorrow := info.Tomorrow
	if len(tomorrow) == 0 {
		// repeat today if tomorrow is missing, per SPEC_FULL.md §4.3 step 2.
		tomorrow = info.Today
	}

	merged := append(append([]tibberPriceInfo{}, info.Today...), tomorrow...)
	total := make([]float64, len(merged))
	direct := make([]float64, len(merged))
	for i, entry := range merged {
		total[i] = entry.Total / 1000 // EUR/kWh -> €/Wh
		direct[i] = (entry.Total - entry.Tax) / 1000
	}
	return total, direct, nil
}

type rawJSON string

// MarshalJSON implements json.Marshaler, letting us hand a pre-built
// GraphQL query body to httpx.Fetcher.PostJSON without double-encoding it.
func (r rawJSON) MarshalJSON() ([]byte, error) {
	return []byte(r), nil
}

// --- smartenergy_at -------------------------------------------------------

const smartenergyAPIURL = "https://apis.smartenergy.at/market/v1/price"

type smartenergyResponse struct {
	Data []struct {
		Date     string  `json:"date"`
		Value    float64 `json:"value"`
	} `json:"data"`
}

type smartenergySource struct{}

// fetch aggregates smartenergy.at's quarter-hour prices to an hourly
// average, per SPEC_FULL.md §4.3.
func (smartenergySource) fetch(ctx context.Context, f *httpx.Fetcher, cfg config.PriceConfig, loc *time.Location, now time.Time) ([]float64, []float64, error) {
	var resp smartenergyResponse
	if err := f.GetJSON(ctx, smartenergyAPIURL, nil, &resp); err != nil {
		return nil, nil, err
	}
	if len(resp.Data) == 0 {
		return nil, nil, &httpx.DecodeError{Field: "data", Message: "empty smartenergy_at response"}
	}

	hourly := make([]float64, 0, len(resp.Data)/4+1)
	var bucket []float64
	for i, entry := range resp.Data {
		bucket = append(bucket, entry.Value/100000) // ct/kWh -> €/Wh
		if (i+1)%4 == 0 {
			hourly = append(hourly, average(bucket))
			bucket = bucket[:0]
		}
	}
	if len(bucket) > 0 {
		hourly = append(hourly, average(bucket))
	}
	return hourly, hourly, nil
}

func average(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// --- fixed_24h -------------------------------------------------------

type fixedSource struct{}

func (fixedSource) fetch(ctx context.Context, f *httpx.Fetcher, cfg config.PriceConfig, loc *time.Location, now time.Time) ([]float64, []float64, error) {
	if len(cfg.Fixed24hArray) == 0 {
		return nil, nil, &httpx.DecodeError{Field: "fixed_24h_array", Message: "no fixed price array configured"}
	}
	tiled := make([]float64, 0, model.Horizon)
	for len(tiled) < model.Horizon {
		tiled = append(tiled, cfg.Fixed24hArray...)
	}
	tiled = tiled[:model.Horizon]
	return tiled, tiled, nil
}
