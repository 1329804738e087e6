// Package pv implements the PV & temperature provider from SPEC_FULL.md
// §4.4: periodic refresh of a 48h generation forecast aggregated over one or
// more physical arrays, plus an independent 48h temperature forecast,
// sourced from one of several upstream backends with horizon shading and
// pad/truncate normalization.
package pv

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/httpx"
	"github.com/devskill-org/eos-connect/internal/model"
	"github.com/devskill-org/eos-connect/internal/sun"
	"github.com/devskill-org/eos-connect/internal/workerloop"
)

// solcastRefreshInterval is longer than the others to avoid Solcast's rate
// limit (SPEC_FULL.md §4.4).
const solcastRefreshInterval = 150 * time.Minute
const defaultRefreshInterval = 15 * time.Minute

// powerSource fetches a Horizon-length power-forecast vector (Wh per hour)
// for one array.
type powerSource interface {
	fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error)
}

// Provider owns the background refresher and the latest published forecast.
type Provider struct {
	cfg     config.PVForecastSourceConfig
	arrays  []config.PVArrayConfig
	loc     *time.Location
	fetcher *httpx.Fetcher
	logger  *log.Logger
	source  powerSource

	mu          sync.RWMutex
	powerWh     []float64
	temperature []float64

	runnable *workerloop.Runnable
}

// New constructs a PV provider.
func New(cfg config.PVForecastSourceConfig, arrays []config.PVArrayConfig, loc *time.Location, logger *log.Logger) *Provider {
	p := &Provider{
		cfg:         cfg,
		arrays:      arrays,
		loc:         loc,
		fetcher:     httpx.NewFetcher(10*time.Second, "eos-connect/1.0"),
		logger:      logger,
		source:      sourceFor(cfg.Source),
		powerWh:     model.NormalizeVector(nil),
		temperature: defaultTemperatureForecast(),
	}
	return p
}

func sourceFor(name string) powerSource {
	switch name {
	case "openmeteo_lib":
		return &openMeteoLibSource{}
	case "openmeteo_local":
		return &openMeteoLocalSource{}
	case "forecast_solar":
		return &forecastSolarSource{}
	case "evcc":
		return &evccPVSource{}
	case "solcast":
		return &solcastSource{}
	case "default":
		return &defaultSource{}
	default:
		return &akkudoktorSource{}
	}
}

// Start launches the background refresher.
func (p *Provider) Start(ctx context.Context) {
	interval := defaultRefreshInterval
	if p.cfg.Source == "solcast" {
		interval = solcastRefreshInterval
	}
	p.runnable = &workerloop.Runnable{
		Name:     "pv",
		Interval: interval,
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
	now := time.Now().In(p.loc)

	vectors := make([][]float64, 0, len(p.arrays))
	for _, array := range p.arrays {
		vec, err := p.source.fetchPower(ctx, p.fetcher, array, p.loc, now)
		if err != nil {
			p.logger.Printf("[PV] %s: fetch failed for %s, using default fallback: %v", p.cfg.Source, array.Name, err)
			vec = defaultPowerForecast(array.Power)
		}
		vec = model.ClipNegative(model.NormalizeVector(vec))
		if table := parseHorizonString(array.Horizon); table != nil {
			vec = applyHorizonShading(vec, *table, array.Lat, array.Lon, now, p.loc)
		}
		vectors = append(vectors, vec)
	}
	summed := model.SumVectors(vectors...)

	temp := p.fetchTemperature(ctx, now)

	p.mu.Lock()
	p.powerWh = summed
	p.temperature = temp
	p.mu.Unlock()
	p.logger.Printf("[PV] refreshed from %s (%d arrays)", p.cfg.Source, len(p.arrays))
}

// fetchTemperature always uses the akkudoktor source against the first PV
// array, regardless of the configured PV power source (SPEC_FULL.md §4.4).
func (p *Provider) fetchTemperature(ctx context.Context, now time.Time) []float64 {
	if len(p.arrays) == 0 {
		return defaultTemperatureForecast()
	}
	temp, err := (&akkudoktorSource{}).fetchTemperature(ctx, p.fetcher, p.arrays[0], p.loc, now)
	if err != nil {
		p.logger.Printf("[PV] temperature fetch failed, using default 15C: %v", err)
		return defaultTemperatureForecast()
	}
	return model.NormalizeVector(temp)
}

// Current returns the latest published power forecast (Wh/hour) and
// temperature forecast (°C).
func (p *Provider) Current() (power []float64, temperature []float64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.powerWh, p.temperature
}

// --- shared fallbacks -------------------------------------------------------

// defaultPowerForecast mirrors original_source/pv_interface.py's
// __get_default_pv_forcast: a fixed 24h ramp shape scaled to peak power,
// tiled to 48h.
func defaultPowerForecast(peakPowerW float64) []float64 {
	shape := []float64{
		0, 0, 0, 0, 0, 0,
		0.1, 0.2, 0.3, 0.4, 0.5, 0.6,
		0.7, 0.6, 0.5, 0.4, 0.3, 0.2,
		0.1, 0, 0, 0, 0, 0,
	}
	out := make([]float64, 0, model.Horizon)
	for len(out) < model.Horizon {
		for _, frac := range shape {
			out = append(out, frac*peakPowerW)
		}
	}
	return out[:model.Horizon]
}

func defaultTemperatureForecast() []float64 {
	out := make([]float64, model.Horizon)
	for i := range out {
		out[i] = 15.0
	}
	return out
}

// --- akkudoktor -------------------------------------------------------

const akkudoktorForecastURL = "https://api.akkudoktor.net/forecast"

type akkudoktorForecastEntry struct {
	Datetime    string  `json:"datetime"`
	Power       float64 `json:"power"`
	Temperature float64 `json:"temperature"`
}

type akkudoktorForecastResponse struct {
	Values [][]akkudoktorForecastEntry `json:"values"`
}

type akkudoktorSource struct{}

func akkudoktorURL(array config.PVArrayConfig) string {
	u := fmt.Sprintf("%s?lat=%v&lon=%v&azimuth=%v&tilt=%v&power=%v&powerInverter=%v&inverterEfficiency=%v",
		akkudoktorForecastURL, array.Lat, array.Lon, array.Azimuth, array.Tilt,
		array.Power, array.PowerInverter, array.InverterEfficiency)
	if array.Horizon != "" {
		u += "&horizont=" + array.Horizon
	}
	return u
}

func (a *akkudoktorSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	return a.extract(ctx, f, array, loc, now, "power")
}

func (a *akkudoktorSource) fetchTemperature(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	return a.extract(ctx, f, array, loc, now, "temperature")
}

func (a *akkudoktorSource) extract(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time, field string) ([]float64, error) {
	var resp akkudoktorForecastResponse
	if err := f.GetJSON(ctx, akkudoktorURL(array), nil, &resp); err != nil {
		return nil, err
	}
	return windowAkkudoktorForecast(resp, loc, now, field)
}

// windowAkkudoktorForecast slices resp.Values down to [midnight, midnight+48h)
// and applies the known akkudoktor off-by-one workaround: the first sample in
// the window is stale (carried over from before midnight), so it is dropped
// and the tail padded with a zero to keep the vector length stable.
func windowAkkudoktorForecast(resp akkudoktorForecastResponse, loc *time.Location, now time.Time, field string) ([]float64, error) {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 2)

	var out []float64
	for _, day := range resp.Values {
		for _, entry := range day {
			t, err := time.ParseInLocation(time.RFC3339, entry.Datetime, loc)
			if err != nil {
				continue
			}
			t = t.In(loc)
			if (t.Equal(start) || t.After(start)) && t.Before(end) {
				if field == "temperature" {
					out = append(out, entry.Temperature)
				} else {
					out = append(out, entry.Power)
				}
			}
		}
	}
	if len(out) == 0 {
		return nil, &httpx.DecodeError{Field: field, Message: "no values in akkudoktor forecast window"}
	}
	out = append(out[1:], 0)
	return out, nil
}

// --- openmeteo_lib -------------------------------------------------------

// openMeteoLibSource converts Open-Meteo's hourly shortwave radiation into
// per-hour power, scaled by array peak power and inverter efficiency and
// capped at the inverter rating. It does not integrate instantaneous power
// minute by minute.
type openMeteoLibSource struct{}

const openMeteoURL = "https://api.open-meteo.com/v1/forecast"

type openMeteoResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		ShortwaveRad  []float64 `json:"shortwave_radiation"`
	} `json:"hourly"`
}

func (openMeteoLibSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	url := fmt.Sprintf("%s?latitude=%v&longitude=%v&hourly=shortwave_radiation&forecast_days=2&timezone=auto",
		openMeteoURL, array.Lat, array.Lon)

	var resp openMeteoResponse
	if err := f.GetJSON(ctx, url, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Hourly.ShortwaveRad) == 0 {
		return nil, &httpx.DecodeError{Field: "hourly.shortwave_radiation", Message: "empty response"}
	}

	// Irradiance (W/m^2) -> panel power (W), one value per hourly bucket;
	// scale by array efficiency and clamp to inverter cap.
	out := make([]float64, len(resp.Hourly.ShortwaveRad))
	for i, rad := range resp.Hourly.ShortwaveRad {
		w := rad * (array.Power / 1000) * clampEfficiency(array.InverterEfficiency)
		if array.PowerInverter > 0 && w > array.PowerInverter {
			w = array.PowerInverter
		}
		out[i] = w
	}
	return out, nil
}

// --- openmeteo_local -------------------------------------------------------

// openMeteoLocalSource fetches raw shortwave radiation + cloud cover and
// applies a cloud-cover de-rate and the coarse azimuth-only incidence
// de-rate of cosIncidence; panel tilt is not used. Horizon shading is
// applied by the caller (refresh), not by this source.
type openMeteoLocalSource struct{}

type openMeteoLocalResponse struct {
	Hourly struct {
		Time          []string  `json:"time"`
		ShortwaveRad  []float64 `json:"shortwave_radiation"`
		CloudCover    []float64 `json:"cloud_cover"`
	} `json:"hourly"`
}

func (openMeteoLocalSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	url := fmt.Sprintf("%s?latitude=%v&longitude=%v&hourly=shortwave_radiation,cloud_cover&forecast_days=2&timezone=auto",
		openMeteoURL, array.Lat, array.Lon)

	var resp openMeteoLocalResponse
	if err := f.GetJSON(ctx, url, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Hourly.ShortwaveRad) == 0 {
		return nil, &httpx.DecodeError{Field: "hourly.shortwave_radiation", Message: "empty response"}
	}

	out := make([]float64, len(resp.Hourly.ShortwaveRad))
	for i, rad := range resp.Hourly.ShortwaveRad {
		cloudFactor := 1.0
		if i < len(resp.Hourly.CloudCover) {
			cloudFactor = 1.0 - (resp.Hourly.CloudCover[i]/100)*0.75
		}
		aoi := cosIncidence(array.Tilt, array.Azimuth)
		w := rad * aoi * cloudFactor * (array.Power / 1000) * clampEfficiency(array.InverterEfficiency)
		if array.PowerInverter > 0 && w > array.PowerInverter {
			w = array.PowerInverter
		}
		out[i] = w
	}
	return out, nil
}

// cosIncidence is a coarse angle-of-incidence de-rate: panels facing south
// (azimuth 180) at a moderate tilt are treated as full efficiency, with a
// linear falloff for azimuth deviation. This is a simplification of the
// full solar-geometry projection; horizon shading (applied by the caller)
// carries most of the local-terrain correction.
func cosIncidence(tiltDeg, azimuthDeg float64) float64 {
	deviation := azimuthDeg - 180
	if deviation < 0 {
		deviation = -deviation
	}
	factor := 1.0 - (deviation/180)*0.3
	if factor < 0.4 {
		factor = 0.4
	}
	return factor
}

// --- forecast_solar -------------------------------------------------------

type forecastSolarSource struct{}

type forecastSolarResponse struct {
	Result map[string]float64 `json:"result"`
}

func (forecastSolarSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	kwp := array.Power / 1000
	url := fmt.Sprintf("https://api.forecast.solar/estimate/%v/%v/%v/%v/%v",
		array.Lat, array.Lon, array.Tilt, array.Azimuth-180, kwp)

	var resp forecastSolarResponse
	if err := f.GetJSON(ctx, url, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result) == 0 {
		return nil, &httpx.DecodeError{Field: "result", Message: "empty forecast.solar response"}
	}

	entries := make([]forecastSolarEntry, 0, len(resp.Result))
	for ts, watts := range resp.Result {
		t, err := time.ParseInLocation("2006-01-02 15:04:05", ts, loc)
		if err != nil {
			continue
		}
		entries = append(entries, forecastSolarEntry{t: t, w: watts})
	}
	if len(entries) == 0 {
		return nil, &httpx.DecodeError{Field: "result", Message: "no parseable timestamps"}
	}
	sortByTime(entries)
	out := make([]float64, len(entries))
	for i, e := range entries {
		out[i] = e.w
	}
	return out, nil
}

type forecastSolarEntry struct {
	t time.Time
	w float64
}

func sortByTime(entries []forecastSolarEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].t.Before(entries[j-1].t); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// --- evcc -------------------------------------------------------

// evccPVSource reads a solar-forecast field that evcc itself can expose
// when it proxies a configured forecast plugin. The evcc base URL is taken
// from the array's Name field when this source is selected (pv_forecast
// entries have no dedicated evcc URL key in SPEC_FULL.md §6; reuse keeps
// the PVArrayConfig shape from growing a source-specific field).
type evccPVSource struct{}

type evccForecastResponse struct {
	Result struct {
		Forecast struct {
			Solar []struct {
				Timestamp string  `json:"ts"`
				Value     float64 `json:"val"`
			} `json:"solar"`
		} `json:"forecast"`
	} `json:"result"`
}

func (evccPVSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	var resp evccForecastResponse
	if err := f.GetJSON(ctx, "http://"+array.Name+"/api/state", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Result.Forecast.Solar) == 0 {
		return nil, &httpx.DecodeError{Field: "forecast.solar", Message: "empty evcc solar forecast"}
	}
	out := make([]float64, len(resp.Result.Forecast.Solar))
	for i, e := range resp.Result.Forecast.Solar {
		out[i] = e.Value
	}
	return out, nil
}

// --- solcast -------------------------------------------------------

type solcastSource struct{}

type solcastResponse struct {
	Forecasts []struct {
		PeriodEnd     string  `json:"period_end"`
		PVEstimateW   float64 `json:"pv_estimate"`
	} `json:"forecasts"`
}

func (solcastSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	if array.ResourceID == "" {
		return nil, &httpx.DecodeError{Field: "resource_id", Message: "solcast requires a resource_id"}
	}
	url := fmt.Sprintf("https://api.solcast.com.au/rooftop_sites/%s/forecasts?format=json&hours=48", array.ResourceID)

	var resp solcastResponse
	if err := f.GetJSON(ctx, url, nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Forecasts) == 0 {
		return nil, &httpx.DecodeError{Field: "forecasts", Message: "empty solcast response"}
	}

	// aggregate 30-minute entries to hourly by averaging pairs, per
	// SPEC_FULL.md §4.4.
	var hourly []float64
	for i := 0; i+1 < len(resp.Forecasts); i += 2 {
		avgKW := (resp.Forecasts[i].PVEstimateW + resp.Forecasts[i+1].PVEstimateW) / 2
		hourly = append(hourly, avgKW*1000)
	}
	return hourly, nil
}

// --- default -------------------------------------------------------

type defaultSource struct{}

func (defaultSource) fetchPower(ctx context.Context, f *httpx.Fetcher, array config.PVArrayConfig, loc *time.Location, now time.Time) ([]float64, error) {
	return defaultPowerForecast(array.Power), nil
}

// --- helpers -------------------------------------------------------

func clampEfficiency(eff float64) float64 {
	if eff <= 0 {
		return 1.0
	}
	return eff
}

// parseHorizonString parses the comma-separated horizon table string from
// PV array config, e.g. "0,0,0,0,50,70,0,...". Returns nil if empty.
func parseHorizonString(s string) *[sun.HorizonTableBins]float64 {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	values := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil
	}
	table := sun.ParseHorizonTable(values)
	return &table
}

// applyHorizonShading scales each hour's power by 0.25 when the sun's
// position at that hour falls below the configured horizon table.
func applyHorizonShading(power []float64, table [sun.HorizonTableBins]float64, lat, lon float64, now time.Time, loc *time.Location) []float64 {
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	out := make([]float64, len(power))
	for i, w := range power {
		t := start.Add(time.Duration(i) * time.Hour)
		pos := sun.PositionAt(t, lat, lon)
		out[i] = w * sun.ShadingFactor(pos, table)
	}
	return out
}
