// Package model holds the shared data model types from SPEC_FULL.md §3:
// forecast vectors, the price set, battery and EV snapshots, and the
// forecast-vector normalization helpers every provider uses.
package model

import "math"

// Horizon is the fixed forecast length (hours) every provider publishes.
const Horizon = 48

// NormalizeVector pads a vector shorter than Horizon by repeating its last
// sample (or zero, if empty) and truncates a vector longer than Horizon.
// This is the pad/truncate policy from SPEC_FULL.md §3 and the DST
// "25-hour day" edge case from §8 scenario S4.
func NormalizeVector(values []float64) []float64 {
	out := make([]float64, Horizon)
	if len(values) == 0 {
		return out
	}
	for i := range out {
		if i < len(values) {
			out[i] = values[i]
		} else {
			out[i] = values[len(values)-1]
		}
	}
	return out
}

// SliceFromHour returns a Horizon-length window of values starting at
// startHour, wrapping around to index 0 if the tail runs short
// (SPEC_FULL.md §4.3 step 3).
func SliceFromHour(values []float64, startHour int) []float64 {
	n := len(values)
	out := make([]float64, Horizon)
	if n == 0 {
		return out
	}
	for i := range out {
		idx := startHour + i
		if idx >= n {
			idx = idx % n
		}
		out[i] = values[idx]
	}
	return out
}

// SumVectors sums multiple Horizon-length vectors elementwise
// (SPEC_FULL.md §4.4 "Multiple arrays: summed elementwise").
func SumVectors(vectors ...[]float64) []float64 {
	out := make([]float64, Horizon)
	for _, v := range vectors {
		for i := 0; i < Horizon && i < len(v); i++ {
			out[i] += v[i]
		}
	}
	return out
}

// ClipNegative returns a copy of values with negative entries clamped to 0.
func ClipNegative(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out
}

// PriceSet holds the two parallel price vectors and the derived feed-in
// vector (SPEC_FULL.md §3).
type PriceSet struct {
	Total  []float64 // tax-inclusive, consumption, €/Wh
	Direct []float64 // energy-only, €/Wh
	FeedIn []float64 // derived, €/Wh
}

// DeriveFeedIn computes the feed-in vector from the direct price vector: the
// configured tariff (already in €/Wh) for every hour, or zero where
// negativePriceSwitch is enabled and direct[i] < 0.
func DeriveFeedIn(direct []float64, tariffPerWh float64, negativePriceSwitch bool) []float64 {
	out := make([]float64, len(direct))
	for i, d := range direct {
		if negativePriceSwitch && d < 0 {
			out[i] = 0
			continue
		}
		out[i] = tariffPerWh
	}
	return out
}

// BatterySnapshot is the provider-published battery state (SPEC_FULL.md §3).
type BatterySnapshot struct {
	SoCPercent       float64
	UsableWh         float64
	DynamicMaxChargeW float64
}

// DynamicMaxChargeW implements the piecewise C-rate-vs-SoC curve from
// SPEC_FULL.md §3:
//
//	SoC <= 50%: C-rate = 1.0
//	50% < SoC <= 100%: C-rate = max(0.05, 1.0*(1-(SoC-50)/60)^2)
//
// clamped to [minChargePower, configuredMaxChargePower] and rounded to the
// nearest 50 W.
func DynamicMaxChargeW(socPercent, batteryCapacityWh, configuredMaxChargePower float64) float64 {
	const minChargePower = 500.0

	var cRate float64
	if socPercent <= 50 {
		cRate = 1.0
	} else {
		x := 1.0 - (socPercent-50)/60
		cRate = math.Max(0.05, x*x)
	}

	power := cRate * batteryCapacityWh
	if power < minChargePower {
		power = minChargePower
	}
	if power > configuredMaxChargePower {
		power = configuredMaxChargePower
	}
	return math.Round(power/50) * 50
}

// UsableWh computes usable battery energy: capacity * dischargeEff *
// (SoC - minSoC) / 100.
func UsableWh(capacityWh, dischargeEfficiency, socPercent, minSoCPercent float64) float64 {
	delta := socPercent - minSoCPercent
	if delta < 0 {
		delta = 0
	}
	return capacityWh * dischargeEfficiency * delta / 100
}

// EVMode is the EVCC charging mode (SPEC_FULL.md §3).
type EVMode string

const (
	EVModeOff        EVMode = "off"
	EVModeNow        EVMode = "now"
	EVModePV         EVMode = "pv"
	EVModeMinPV      EVMode = "minpv"
	EVModePVNow      EVMode = "pv+now"
	EVModeMinPVNow   EVMode = "minpv+now"
	EVModeUnknown    EVMode = "unknown"
)

// ParseEVMode normalizes an upstream mode string, defaulting to
// EVModeUnknown for anything unrecognized.
func ParseEVMode(s string) EVMode {
	switch EVMode(s) {
	case EVModeOff, EVModeNow, EVModePV, EVModeMinPV, EVModePVNow, EVModeMinPVNow:
		return EVMode(s)
	default:
		return EVModeUnknown
	}
}

// EVState is the provider-published EV/EVCC state (SPEC_FULL.md §3).
type EVState struct {
	Charging bool
	Mode     EVMode
}
