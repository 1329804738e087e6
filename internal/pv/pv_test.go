package pv

import (
	"testing"
	"time"

	"github.com/devskill-org/eos-connect/internal/model"
)

func TestDefaultPowerForecastLength(t *testing.T) {
	out := defaultPowerForecast(5000)
	if len(out) != model.Horizon {
		t.Fatalf("expected length %d, got %d", model.Horizon, len(out))
	}
	for _, v := range out {
		if v < 0 || v > 5000 {
			t.Fatalf("expected value within [0, peak], got %v", v)
		}
	}
}

func TestDefaultTemperatureForecast(t *testing.T) {
	out := defaultTemperatureForecast()
	if len(out) != model.Horizon {
		t.Fatalf("expected length %d, got %d", model.Horizon, len(out))
	}
	for _, v := range out {
		if v != 15.0 {
			t.Fatalf("expected constant 15C, got %v", v)
		}
	}
}

func TestParseHorizonStringEmpty(t *testing.T) {
	if parseHorizonString("") != nil {
		t.Fatalf("expected nil table for empty horizon string")
	}
	if parseHorizonString("   ") != nil {
		t.Fatalf("expected nil table for whitespace horizon string")
	}
}

func TestParseHorizonStringParsesValues(t *testing.T) {
	table := parseHorizonString("0,0,10,20")
	if table == nil {
		t.Fatalf("expected non-nil table")
	}
	if table[2] != 10 {
		t.Fatalf("expected table[2]=10, got %v", table[2])
	}
	// repeats last value for remaining bins
	if table[35] != 20 {
		t.Fatalf("expected table[35] padded to 20, got %v", table[35])
	}
}

func TestWindowAkkudoktorForecastAppliesPopFirstAppendZero(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	midnight := time.Date(2026, 3, 1, 0, 0, 0, 0, loc)

	mkEntry := func(hoursFromMidnight int, power float64) akkudoktorForecastEntry {
		return akkudoktorForecastEntry{
			Datetime: midnight.Add(time.Duration(hoursFromMidnight) * time.Hour).Format(time.RFC3339),
			Power:    power,
		}
	}

	var day []akkudoktorForecastEntry
	for h := 0; h < 5; h++ {
		day = append(day, mkEntry(h, float64(h+1)*100))
	}
	resp := akkudoktorForecastResponse{Values: [][]akkudoktorForecastEntry{day}}

	out, err := windowAkkudoktorForecast(resp, loc, now, "power")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []float64{200, 300, 400, 500, 0}
	if len(out) != len(want) {
		t.Fatalf("expected length %d, got %d (%v)", len(want), len(out), out)
	}
	for i, v := range want {
		if out[i] != v {
			t.Fatalf("expected out[%d]=%v, got %v (full: %v)", i, v, out[i], out)
		}
	}
}

func TestWindowAkkudoktorForecastEmptyWindowErrors(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	resp := akkudoktorForecastResponse{}

	if _, err := windowAkkudoktorForecast(resp, loc, now, "power"); err == nil {
		t.Fatalf("expected error for empty forecast window")
	}
}
