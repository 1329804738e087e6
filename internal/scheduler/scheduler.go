// Package scheduler implements the periodic optimization loop from
// SPEC_FULL.md §4.10: on each tick it refreshes prices, snapshots the
// other providers, invokes the EOS optimizer, persists the exchange, and
// hands the result to the control state machine.
package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/battery"
	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/control"
	"github.com/devskill-org/eos-connect/internal/eos"
	"github.com/devskill-org/eos-connect/internal/load"
	"github.com/devskill-org/eos-connect/internal/model"
	"github.com/devskill-org/eos-connect/internal/price"
	"github.com/devskill-org/eos-connect/internal/pv"
	"github.com/devskill-org/eos-connect/internal/workerloop"
)

// Status mirrors the teacher's SchedulerStatus shape, exposed on the
// current_controls.json endpoint (SPEC_FULL.md §6).
type Status struct {
	IsRunning   bool      `json:"is_running"`
	LastTick    time.Time `json:"last_tick"`
	LastSuccess bool      `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler orchestrates one tick of the SPEC_FULL.md §4.10 sequence.
type Scheduler struct {
	cfg       *config.Config
	loc       *time.Location
	logger    *log.Logger
	dataDir   string

	price   *price.Provider
	pv      *pv.Provider
	load    *load.Provider
	battery *battery.Provider
	eos     *eos.Client
	control *control.Control

	runnable *workerloop.Runnable

	mu               sync.RWMutex
	lastRequestJSON  []byte
	lastResponseJSON []byte
	lastStartSolution []float64
	status           Status
}

// New constructs a Scheduler wired to already-constructed providers.
func New(
	cfg *config.Config,
	loc *time.Location,
	logger *log.Logger,
	priceProvider *price.Provider,
	pvProvider *pv.Provider,
	loadProvider *load.Provider,
	batteryProvider *battery.Provider,
	eosClient *eos.Client,
	ctl *control.Control,
) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		loc:     loc,
		logger:  logger,
		dataDir: cfg.DataDir,
		price:   priceProvider,
		pv:      pvProvider,
		load:    loadProvider,
		battery: batteryProvider,
		eos:     eosClient,
		control: ctl,
	}
}

// Start begins the periodic optimization loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.status.IsRunning = true
	s.mu.Unlock()

	s.runnable = &workerloop.Runnable{
		Name:     "SCHEDULER",
		Interval: time.Duration(s.cfg.RefreshTimeMinutes) * time.Minute,
		Logger:   s.logger,
		Fn:       s.tick,
	}
	go s.runnable.Start(ctx)
}

// Stop halts the periodic loop.
func (s *Scheduler) Stop() {
	if s.runnable != nil {
		s.runnable.Stop()
	}
	s.mu.Lock()
	s.status.IsRunning = false
	s.mu.Unlock()
}

// RunOnce executes a single tick synchronously, used by the CLI's -once
// mode (SPEC_FULL.md §4.14).
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.tick(ctx)
}

// Status returns a snapshot of the scheduler's run state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastRequestJSON returns the pretty-printed body of the most recent EOS
// request, for the /json/optimize_request.json route.
func (s *Scheduler) LastRequestJSON() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRequestJSON
}

// LastResponseJSON returns the pretty-printed body of the most recent EOS
// response, for the /json/optimize_response.json route.
func (s *Scheduler) LastResponseJSON() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastResponseJSON
}

// tick implements the strictly-ordered sequence from SPEC_FULL.md §4.10:
// refresh prices -> snapshot PV/temperature/load/battery -> build request
// -> POST to EOS -> persist (whenever the POST succeeded) -> examine
// response -> apply to control (only for a valid response).
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().In(s.loc)
	s.logger.Printf("[SCHEDULER] starting optimization tick at %s", now.Format(time.RFC3339))

	s.price.Refresh(ctx)

	priceSet := s.price.Current()
	pvPower, temperature := s.pv.Current()
	loadWh := s.load.Current()
	batterySnap := s.battery.Current()

	req := s.buildRequest(priceSet, pvPower, temperature, loadWh, batterySnap)

	newSchema := s.eos.UsesNewSchema(ctx)
	eos.ApplyDeviceIDs(&req, newSchema)

	success := false
	var lastErr string

	resp, err := s.eos.Optimize(ctx, now.Hour(), req)
	if err != nil {
		lastErr = err.Error()
		s.logger.Printf("[SCHEDULER] EOS optimize failed: %v", err)
	} else {
		s.persistExchange(req, resp)

		cv, examErr := eos.ExamineResponse(resp, now.Hour())
		if examErr != nil {
			lastErr = examErr.Error()
			s.logger.Printf("[SCHEDULER] EOS response invalid, skipping application: %v", examErr)
		} else {
			s.mu.Lock()
			s.lastStartSolution = cv.StartSolution
			s.mu.Unlock()
			s.control.SetBatteryInfo(batterySnap)
			s.control.SetEOSValues(cv.ACChargeRelative, cv.DCChargeRelative, cv.DischargeAllowed)
			success = true
		}
	}

	s.mu.Lock()
	s.status.LastTick = now
	s.status.LastSuccess = success
	s.status.LastError = lastErr
	s.mu.Unlock()
}

func (s *Scheduler) buildRequest(priceSet *model.PriceSet, pvPower, temperature, loadWh []float64, batterySnap model.BatterySnapshot) eos.Request {
	bc := s.cfg.Battery

	s.mu.RLock()
	startSolution := s.lastStartSolution
	s.mu.RUnlock()

	req := eos.Request{
		EMS: eos.EMS{
			PVPrognoseWh:         pvPower,
			PriceEuroPerWh:       priceSet.Total,
			FeedInPriceEuroPerWh: priceSet.FeedIn,
			LoadMeanWh:           loadWh,
		},
		PVAkku: eos.Battery{
			CapacityWh:            bc.CapacityWh,
			ChargingEfficiency:    bc.ChargeEfficiency,
			DischargingEfficiency: bc.DischargeEfficiency,
			MaxChargePowerW:       bc.MaxChargePowerW,
			InitialSoCPercentage:  batterySnap.SoCPercent,
			MinSoCPercentage:      bc.MinSoCPercentage,
			MaxSoCPercentage:      bc.MaxSoCPercentage,
		},
		Inverter: eos.Inverter{
			MaxPowerW: s.cfg.Inverter.MaxPVChargeRateW,
		},
		TemperatureForecast: temperature,
		StartSolution:       startSolution,
	}
	return req
}

// persistExchange writes the request/response pair to disk as the two
// one-writer status files (SPEC_FULL.md §4.10 step 4) and keeps a copy in
// memory for the HTTP facade.
func (s *Scheduler) persistExchange(req eos.Request, resp *eos.Response) {
	reqJSON, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		s.logger.Printf("[SCHEDULER] could not marshal request for persistence: %v", err)
		return
	}
	respJSON, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		s.logger.Printf("[SCHEDULER] could not marshal response for persistence: %v", err)
		return
	}

	s.mu.Lock()
	s.lastRequestJSON = reqJSON
	s.lastResponseJSON = respJSON
	s.mu.Unlock()

	if err := os.WriteFile(filepath.Join(s.dataDir, "optimize_request.json"), reqJSON, 0o644); err != nil {
		s.logger.Printf("[SCHEDULER] could not write optimize_request.json: %v", err)
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, "optimize_response.json"), respJSON, 0o644); err != nil {
		s.logger.Printf("[SCHEDULER] could not write optimize_response.json: %v", err)
	}
}
