// Package load implements the load-profile provider from SPEC_FULL.md §3/§4:
// a 48h average-Wh-per-hour forecast from a static default, an openHAB
// item's current state (repeated across the whole horizon; no openHAB
// history is read), or Home Assistant history, with EV-charging power
// subtracted when an EV sensor is configured.
package load

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/httpx"
	"github.com/devskill-org/eos-connect/internal/model"
	"github.com/devskill-org/eos-connect/internal/workerloop"
)

// evKWThreshold is the Open-Question heuristic from SPEC_FULL.md §9 item 3:
// an EV power sample below this value is assumed to be reported in kW and
// is scaled to W. This misfires for households whose load sensor genuinely
// reports low-W values; no override is currently provided, matching the
// original spec's unresolved caveat.
const evKWThreshold = 23.0

// defaultLoadWh is the flat fallback used when no history is available.
const defaultLoadWh = 400.0

// Provider owns the background refresher and the latest published load
// forecast.
type Provider struct {
	cfg     config.LoadConfig
	loc     *time.Location
	fetcher *httpx.Fetcher
	logger  *log.Logger

	mu      sync.RWMutex
	current []float64

	runnable *workerloop.Runnable
}

// New constructs a load Provider.
func New(cfg config.LoadConfig, loc *time.Location, logger *log.Logger) *Provider {
	out := make([]float64, model.Horizon)
	for i := range out {
		out[i] = defaultLoadWh
	}
	return &Provider{cfg: cfg, loc: loc, fetcher: httpx.NewFetcher(10*time.Second, "eos-connect/1.0"), logger: logger, current: out}
}

// Start launches the background refresher.
func (p *Provider) Start(ctx context.Context) {
	p.runnable = &workerloop.Runnable{
		Name:     "load",
		Interval: 30 * time.Minute,
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

// Refresh triggers a single refresh synchronously.
func (p *Provider) Refresh(ctx context.Context) {
	p.refresh(ctx)
}

func (p *Provider) refresh(ctx context.Context) {
	var total, evRaw []float64
	var err error

	switch p.cfg.Source {
	case "openhab":
		total, evRaw, err = p.fetchOpenhabHistory(ctx)
	case "homeassistant":
		total, evRaw, err = p.fetchHomeAssistantHistory(ctx)
	default:
		total = defaultHistory()
	}

	if err != nil {
		p.logger.Printf("[LOAD] refresh failed, keeping last-good values: %v", err)
		return
	}

	total = model.NormalizeVector(total)
	if p.cfg.CarChargeLoadSensor != "" && len(evRaw) > 0 {
		ev := model.NormalizeVector(evRaw)
		for i := range total {
			evW := scaleEVPower(ev[i])
			total[i] -= evW
			if total[i] < 0 {
				total[i] = 0
			}
		}
	}

	p.mu.Lock()
	p.current = total
	p.mu.Unlock()
	p.logger.Printf("[LOAD] refreshed from %s", p.cfg.Source)
}

// scaleEVPower applies the kW->W heuristic from SPEC_FULL.md §9 item 3.
func scaleEVPower(v float64) float64 {
	if v > 0 && v < evKWThreshold {
		return v * 1000
	}
	return v
}

func defaultHistory() []float64 {
	out := make([]float64, model.Horizon)
	for i := range out {
		out[i] = defaultLoadWh
	}
	return out
}

type openhabItemState struct {
	State string `json:"state"`
}

func (p *Provider) fetchOpenhabHistory(ctx context.Context) ([]float64, []float64, error) {
	if p.cfg.LoadSensor == "" {
		return nil, nil, &httpx.DecodeError{Field: "load_sensor", Message: "no load sensor configured"}
	}
	total, err := p.fetchOpenhabSeries(ctx, p.cfg.LoadSensor)
	if err != nil {
		return nil, nil, err
	}
	var ev []float64
	if p.cfg.CarChargeLoadSensor != "" {
		ev, _ = p.fetchOpenhabSeries(ctx, p.cfg.CarChargeLoadSensor)
	}
	return total, ev, nil
}

func (p *Provider) fetchOpenhabSeries(ctx context.Context, sensor string) ([]float64, error) {
	url := fmt.Sprintf("%s/rest/items/%s", p.cfg.URL, sensor)
	var item openhabItemState
	if err := p.fetcher.GetJSON(ctx, url, nil, &item); err != nil {
		return nil, err
	}
	var v float64
	if _, err := fmt.Sscanf(item.State, "%f", &v); err != nil {
		return nil, &httpx.DecodeError{Field: "state", Message: "non-numeric openhab state"}
	}
	out := make([]float64, model.Horizon)
	for i := range out {
		out[i] = v
	}
	return out, nil
}

type haHistoryEntry struct {
	State     string `json:"state"`
	LastChanged string `json:"last_changed"`
}

func (p *Provider) fetchHomeAssistantHistory(ctx context.Context) ([]float64, []float64, error) {
	if p.cfg.LoadSensor == "" {
		return nil, nil, &httpx.DecodeError{Field: "load_sensor", Message: "no load sensor configured"}
	}
	total, err := p.fetchHAHistory(ctx, p.cfg.LoadSensor)
	if err != nil {
		return nil, nil, err
	}
	var ev []float64
	if p.cfg.CarChargeLoadSensor != "" {
		ev, _ = p.fetchHAHistory(ctx, p.cfg.CarChargeLoadSensor)
	}
	return total, ev, nil
}

func (p *Provider) fetchHAHistory(ctx context.Context, sensor string) ([]float64, error) {
	start := time.Now().Add(-48 * time.Hour).Format(time.RFC3339)
	url := fmt.Sprintf("%s/api/history/period/%s?filter_entity_id=%s", p.cfg.URL, start, sensor)
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.AccessToken}

	var raw json.RawMessage
	if err := p.fetcher.GetJSON(ctx, url, headers, &raw); err != nil {
		return nil, err
	}

	var series [][]haHistoryEntry
	if err := json.Unmarshal(raw, &series); err != nil || len(series) == 0 {
		return nil, &httpx.DecodeError{Field: "history", Message: "unexpected home assistant history shape"}
	}

	hourly := make(map[int]float64)
	counts := make(map[int]int)
	for _, entry := range series[0] {
		t, err := time.Parse(time.RFC3339, entry.LastChanged)
		if err != nil {
			continue
		}
		var v float64
		if _, err := fmt.Sscanf(entry.State, "%f", &v); err != nil {
			continue
		}
		hour := t.In(p.loc).Hour()
		hourly[hour] += v
		counts[hour]++
	}

	out := make([]float64, model.Horizon)
	for h := 0; h < 24; h++ {
		if counts[h] > 0 {
			avg := hourly[h] / float64(counts[h])
			out[h] = avg
			out[h+24] = avg
		} else {
			out[h] = defaultLoadWh
			out[h+24] = defaultLoadWh
		}
	}
	return out, nil
}

// Current returns the latest published load forecast (Wh/hour).
func (p *Provider) Current() []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
