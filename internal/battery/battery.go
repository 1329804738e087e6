// Package battery implements the battery provider from SPEC_FULL.md §4.5:
// polls SoC from one of several sources and computes the dynamic max
// charge power from the SoC-dependent C-rate curve, notifying an observer
// whenever that derived value changes.
package battery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/httpx"
	"github.com/devskill-org/eos-connect/internal/model"
	"github.com/devskill-org/eos-connect/internal/workerloop"
)

const defaultSoC = 5.0
const refreshInterval = 30 * time.Second

// ChangeObserver is invoked whenever the dynamic max charge power changes,
// so the control subsystem may re-evaluate its applied charge setpoint
// immediately (SPEC_FULL.md §4.5).
type ChangeObserver func(snapshot model.BatterySnapshot)

// Provider owns the background poller and the latest published snapshot.
type Provider struct {
	cfg      config.BatteryConfig
	fetcher  *httpx.Fetcher
	logger   *log.Logger
	observer ChangeObserver

	mu       sync.RWMutex
	current  model.BatterySnapshot

	runnable *workerloop.Runnable
}

// New constructs a battery Provider.
func New(cfg config.BatteryConfig, logger *log.Logger, observer ChangeObserver) *Provider {
	p := &Provider{cfg: cfg, fetcher: httpx.NewFetcher(5*time.Second, "eos-connect/1.0"), logger: logger, observer: observer}
	p.current = p.snapshotFor(defaultSoC)
	return p
}

// Start launches the background poller.
func (p *Provider) Start(ctx context.Context) {
	p.runnable = &workerloop.Runnable{
		Name:     "battery",
		Interval: refreshInterval,
		Logger:   p.logger,
		Fn:       p.refresh,
	}
	go p.runnable.Start(ctx)
}

// Stop requests the background poller to exit.
func (p *Provider) Stop() {
	if p.runnable != nil {
		p.runnable.Stop()
	}
}

func (p *Provider) refresh(ctx context.Context) {
	soc, err := p.fetchSoC(ctx)
	if err != nil {
		p.logger.Printf("[BATTERY] poll failed, keeping last-known SoC: %v", err)
		return
	}

	next := p.snapshotFor(soc)

	p.mu.Lock()
	prev := p.current
	p.current = next
	p.mu.Unlock()

	if prev.DynamicMaxChargeW != next.DynamicMaxChargeW && p.observer != nil {
		p.observer(next)
	}
}

func (p *Provider) snapshotFor(soc float64) model.BatterySnapshot {
	return model.BatterySnapshot{
		SoCPercent:        soc,
		UsableWh:          model.UsableWh(p.cfg.CapacityWh, p.cfg.DischargeEfficiency, soc, p.cfg.MinSoCPercentage),
		DynamicMaxChargeW: model.DynamicMaxChargeW(soc, p.cfg.CapacityWh, p.cfg.MaxChargePowerW),
	}
}

func (p *Provider) fetchSoC(ctx context.Context) (float64, error) {
	switch p.cfg.Source {
	case "openhab":
		return p.fetchOpenhab(ctx)
	case "homeassistant":
		return p.fetchHomeAssistant(ctx)
	default:
		return defaultSoC, nil
	}
}

type openhabItemState struct {
	State string `json:"state"`
}

// fetchOpenhab auto-detects 0..1 vs 0..100 encoding: a state <= 1 is
// treated as a fraction and scaled up (SPEC_FULL.md §4.5), grounded on
// original_source/battery_interface.py's fetch_soc_data_from_openhab.
func (p *Provider) fetchOpenhab(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/rest/items/%s", p.cfg.URL, p.cfg.Sensor)
	var item openhabItemState
	if err := p.fetcher.GetJSON(ctx, url, nil, &item); err != nil {
		return 0, err
	}
	var v float64
	if _, err := fmt.Sscanf(item.State, "%f", &v); err != nil {
		return 0, &httpx.DecodeError{Field: "state", Message: "non-numeric openhab SoC state"}
	}
	if v <= 1.0 {
		v *= 100
	}
	return v, nil
}

type haStateResponse struct {
	State string `json:"state"`
}

func (p *Provider) fetchHomeAssistant(ctx context.Context) (float64, error) {
	url := fmt.Sprintf("%s/api/states/%s", p.cfg.URL, p.cfg.Sensor)
	headers := map[string]string{"Authorization": "Bearer " + p.cfg.AccessToken}
	var state haStateResponse
	if err := p.fetcher.GetJSON(ctx, url, headers, &state); err != nil {
		return 0, err
	}
	var v float64
	if _, err := fmt.Sscanf(state.State, "%f", &v); err != nil {
		return 0, &httpx.DecodeError{Field: "state", Message: "non-numeric home assistant SoC state"}
	}
	return v, nil
}

// Current returns the latest published battery snapshot.
func (p *Provider) Current() model.BatterySnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
