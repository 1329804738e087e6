// Package evcc implements the EV charge-controller provider from
// SPEC_FULL.md §4.6: polls evcc's /api/state, extracts the first
// loadpoint's charging flag and the vehicles' aggregated mode, and invokes
// a registered observer exactly once on each charging-state edge.
package evcc

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/httpx"
	"github.com/devskill-org/eos-connect/internal/model"
	"github.com/devskill-org/eos-connect/internal/workerloop"
)

const pollInterval = 10 * time.Second

// ChargingEdgeObserver is invoked exactly once when the charging flag
// transitions, per SPEC_FULL.md §4.6/§8 property 7.
type ChargingEdgeObserver func(charging bool)

type stateResponse struct {
	Result struct {
		Loadpoints []struct {
			Charging bool `json:"charging"`
		} `json:"loadpoints"`
		Vehicles []struct {
			Mode string `json:"mode"`
		} `json:"vehicles"`
	} `json:"result"`
}

// evModePriority ranks modes to pick one when more than one vehicle is
// reported, highest priority first, mirroring the fusion order Control
// uses for the fastest-charging signal (SPEC_FULL.md §4.9).
var evModePriority = []model.EVMode{
	model.EVModeNow,
	model.EVModePVNow,
	model.EVModeMinPVNow,
	model.EVModePV,
	model.EVModeMinPV,
	model.EVModeOff,
}

// aggregateEVMode reduces vehicles[*].mode to a single current mode, per
// spec §4.6: the most active mode wins when multiple vehicles are reported.
func aggregateEVMode(modes []string) model.EVMode {
	best := model.EVModeUnknown
	bestRank := len(evModePriority)
	for _, raw := range modes {
		m := model.ParseEVMode(raw)
		for rank, candidate := range evModePriority {
			if candidate == m && rank < bestRank {
				best, bestRank = m, rank
			}
		}
	}
	return best
}

// Provider owns the background poller and the latest published EV state.
type Provider struct {
	cfg      config.EVCCConfig
	fetcher  *httpx.Fetcher
	logger   *log.Logger
	observer ChargingEdgeObserver

	mu      sync.RWMutex
	current model.EVState

	runnable *workerloop.Runnable
}

// New constructs an EVCC Provider.
func New(cfg config.EVCCConfig, logger *log.Logger, observer ChargingEdgeObserver) *Provider {
	return &Provider{
		cfg:      cfg,
		fetcher:  httpx.NewFetcher(6*time.Second, "eos-connect/1.0"),
		logger:   logger,
		observer: observer,
		current:  model.EVState{Charging: false, Mode: model.EVModeUnknown},
	}
}

// Start launches the background poller.
func (p *Provider) Start(ctx context.Context) {
	p.runnable = &workerloop.Runnable{
		Name:     "evcc",
		Interval: pollInterval,
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
	if p.cfg.URL == "" {
		return
	}
	var resp stateResponse
	if err := p.fetcher.GetJSON(ctx, p.cfg.URL+"/api/state", nil, &resp); err != nil {
		p.logger.Printf("[EVCC] poll failed, keeping last-known state: %v", err)
		return
	}
	if len(resp.Result.Loadpoints) == 0 {
		p.logger.Printf("[EVCC] poll returned no loadpoints")
		return
	}

	lp := resp.Result.Loadpoints[0]
	modes := make([]string, len(resp.Result.Vehicles))
	for i, v := range resp.Result.Vehicles {
		modes[i] = v.Mode
	}
	next := model.EVState{Charging: lp.Charging, Mode: aggregateEVMode(modes)}

	p.mu.Lock()
	prev := p.current
	p.current = next
	p.mu.Unlock()

	if prev.Charging != next.Charging && p.observer != nil {
		p.observer(next.Charging)
	}
}

// Current returns the latest published EV state.
func (p *Provider) Current() model.EVState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}
