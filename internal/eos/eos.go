// Package eos implements the EOS optimizer client from SPEC_FULL.md §4.8:
// version probing, request building, and response parsing for the current
// control hour.
package eos

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/httpx"
)

// Request is the JSON body POSTed to {base}/optimize?start_hour={h}, shaped
// per original_source/eos_connect.py's create_optimize_request().
type Request struct {
	EMS                 EMS        `json:"ems"`
	PVAkku              Battery    `json:"pv_akku"`
	Inverter            Inverter   `json:"inverter"`
	EAuto               *EAuto     `json:"eauto,omitempty"`
	Dishwasher          *Dishwasher `json:"dishwasher,omitempty"`
	TemperatureForecast []float64  `json:"temperature_forecast"`
	StartSolution       []float64  `json:"start_solution,omitempty"`
}

// EMS holds the forecast vectors the optimizer plans over.
type EMS struct {
	PVPrognoseWh         []float64 `json:"pv_prognose_wh"`
	PriceEuroPerWh       []float64 `json:"strompreis_euro_pro_wh"`
	FeedInPriceEuroPerWh []float64 `json:"einspeiseverguetung_euro_pro_wh"`
	PriceEuroPerWhAkku   float64   `json:"preis_euro_pro_wh_akku"`
	LoadMeanWh           []float64 `json:"gesamtlast"`
}

// Battery describes the PV battery, with DeviceID populated only on the
// post-2025-04-09 schema (SPEC_FULL.md §4.8).
type Battery struct {
	DeviceID             string  `json:"device_id,omitempty"`
	CapacityWh           float64 `json:"capacity_wh"`
	ChargingEfficiency   float64 `json:"charging_efficiency"`
	DischargingEfficiency float64 `json:"discharging_efficiency"`
	MaxChargePowerW      float64 `json:"max_charge_power_w"`
	InitialSoCPercentage float64 `json:"initial_soc_percentage"`
	MinSoCPercentage     float64 `json:"min_soc_percentage"`
	MaxSoCPercentage     float64 `json:"max_soc_percentage"`
}

// Inverter describes the hybrid inverter device. BatteryID links it to the
// pv_akku device on the post-2025-04-09 schema.
type Inverter struct {
	DeviceID  string  `json:"device_id,omitempty"`
	MaxPowerW float64 `json:"max_power_wh"`
	BatteryID string  `json:"battery_id,omitempty"`
}

// EAuto describes an EV battery, included when EV charging is configured.
type EAuto struct {
	DeviceID              string  `json:"device_id,omitempty"`
	CapacityWh            float64 `json:"capacity_wh"`
	ChargingEfficiency    float64 `json:"charging_efficiency"`
	DischargingEfficiency float64 `json:"discharging_efficiency"`
	MaxChargePowerW       float64 `json:"max_charge_power_w"`
	InitialSoCPercentage  float64 `json:"initial_soc_percentage"`
	MinSoCPercentage      float64 `json:"min_soc_percentage"`
	MaxSoCPercentage      float64 `json:"max_soc_percentage"`
}

// Dishwasher describes a schedulable appliance load.
type Dishwasher struct {
	DeviceID      string  `json:"device_id,omitempty"`
	ConsumptionWh float64 `json:"consumption_wh"`
	DurationH     float64 `json:"duration_h"`
}

// ApplyDeviceIDs sets or clears the nested device_id/battery_id fields
// according to the detected schema version (SPEC_FULL.md §4.8 "Version
// detection"), mirroring original_source/eos_connect.py's
// create_optimize_request() device_id injection.
func ApplyDeviceIDs(req *Request, newSchema bool) {
	if !newSchema {
		req.PVAkku.DeviceID = ""
		req.Inverter.DeviceID = ""
		req.Inverter.BatteryID = ""
		if req.EAuto != nil {
			req.EAuto.DeviceID = ""
		}
		if req.Dishwasher != nil {
			req.Dishwasher.DeviceID = ""
		}
		return
	}
	req.PVAkku.DeviceID = "battery1"
	req.Inverter.DeviceID = "inverter1"
	req.Inverter.BatteryID = "battery1"
	if req.EAuto != nil {
		req.EAuto.DeviceID = "ev1"
	}
	if req.Dishwasher != nil {
		req.Dishwasher.DeviceID = "dishwasher1"
	}
}

// Response is the optimizer's reply. Only the fields the control
// subsystem consumes are modeled; unknown fields are ignored
// (SPEC_FULL.md §9 "unknown fields ignored").
type Response struct {
	ACCharge         []float64 `json:"ac_charge"`
	DCCharge         []float64 `json:"dc_charge"`
	DischargeAllowed []float64 `json:"discharge_allowed"`
	StartSolution    []float64 `json:"start_solution"`
}

// ControlValues are the per-hour values extracted for the current control
// tick (SPEC_FULL.md §4.8).
type ControlValues struct {
	ACChargeRelative float64
	DCChargeRelative float64
	DischargeAllowed int // -1 unset, 0 or 1
	StartSolution    []float64
}

// ErrNoStartSolution is returned when the response is missing a usable
// start_solution (SPEC_FULL.md §4.8/§7).
var ErrNoStartSolution = fmt.Errorf("eos: response missing usable start_solution")

// Client is a synchronous HTTP client for the EOS optimizer.
type Client struct {
	server  string
	port    int
	timeout time.Duration
	fetcher *httpx.Fetcher

	mu          sync.Mutex
	versionKnown bool
	newSchema   bool
}

// New constructs an EOS Client.
func New(server string, port int, timeout time.Duration) *Client {
	return &Client{
		server:  server,
		port:    port,
		timeout: timeout,
		fetcher: httpx.NewFetcher(timeout, "eos-connect/1.0"),
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("http://%s:%d", c.server, c.port)
}

type healthResponse struct {
	Status string `json:"status"`
}

// DetectVersion probes {base}/v1/health once and caches whether the
// post-2025-04-09 schema (device_id fields) applies. A 404, or any other
// probe failure, is cached as the pre-2025-04-09 schema; the probe is not
// repeated (SPEC_FULL.md §4.8, DESIGN.md Open Question resolution 1).
func (c *Client) DetectVersion(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.versionKnown {
		return c.newSchema
	}

	var resp healthResponse
	err := c.fetcher.GetJSON(ctx, c.baseURL()+"/v1/health", nil, &resp)
	c.versionKnown = true
	c.newSchema = err == nil && resp.Status == "alive"
	return c.newSchema
}

// UsesNewSchema reports the cached version-probe result, probing once if
// not yet known.
func (c *Client) UsesNewSchema(ctx context.Context) bool {
	return c.DetectVersion(ctx)
}

// Optimize POSTs req to {base}/optimize?start_hour={hourOfLocalNow} and
// returns the decoded response.
func (c *Client) Optimize(ctx context.Context, hourOfLocalNow int, req Request) (*Response, error) {
	url := fmt.Sprintf("%s/optimize?start_hour=%d", c.baseURL(), hourOfLocalNow)
	var resp Response
	if err := c.fetcher.PostJSON(ctx, url, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExamineResponse extracts the current-hour control values, per
// SPEC_FULL.md §4.8. It returns ErrNoStartSolution if the response lacks a
// usable start_solution (length <= 1).
func ExamineResponse(resp *Response, currentHour int) (ControlValues, error) {
	if len(resp.StartSolution) <= 1 {
		return ControlValues{}, ErrNoStartSolution
	}

	cv := ControlValues{DischargeAllowed: -1, StartSolution: resp.StartSolution}
	if currentHour < len(resp.ACCharge) {
		cv.ACChargeRelative = resp.ACCharge[currentHour]
	}
	if currentHour < len(resp.DCCharge) {
		cv.DCChargeRelative = resp.DCCharge[currentHour]
	}
	if currentHour < len(resp.DischargeAllowed) {
		cv.DischargeAllowed = int(resp.DischargeAllowed[currentHour])
	}
	return cv, nil
}
