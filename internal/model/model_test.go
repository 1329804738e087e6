package model

import (
	"math"
	"testing"
)

func TestNormalizeVectorPadsAndTruncates(t *testing.T) {
	short := NormalizeVector([]float64{1, 2, 3})
	if len(short) != Horizon {
		t.Fatalf("expected length %d, got %d", Horizon, len(short))
	}
	for i := 3; i < Horizon; i++ {
		if short[i] != 3 {
			t.Fatalf("expected padded value 3 at index %d, got %v", i, short[i])
		}
	}

	long := make([]float64, 72)
	for i := range long {
		long[i] = float64(i)
	}
	out := NormalizeVector(long)
	if len(out) != Horizon {
		t.Fatalf("expected truncated length %d, got %d", Horizon, len(out))
	}
}

func TestNormalizeVectorEmpty(t *testing.T) {
	out := NormalizeVector(nil)
	if len(out) != Horizon {
		t.Fatalf("expected length %d, got %d", Horizon, len(out))
	}
	for _, v := range out {
		if v != 0 {
			t.Fatalf("expected zero-filled vector, got %v", out)
		}
	}
}

func TestSliceFromHourWrapsAround(t *testing.T) {
	values := make([]float64, 30)
	for i := range values {
		values[i] = float64(i)
	}
	out := SliceFromHour(values, 20)
	if len(out) != Horizon {
		t.Fatalf("expected length %d, got %d", Horizon, len(out))
	}
	if out[0] != 20 {
		t.Fatalf("expected first element 20, got %v", out[0])
	}
	if out[9] != 29 {
		t.Fatalf("expected 10th element 29, got %v", out[9])
	}
	if out[10] != 0 {
		t.Fatalf("expected wraparound to index 0, got %v", out[10])
	}
}

func TestDeriveFeedIn(t *testing.T) {
	direct := []float64{0.0002, -0.0001, 0.0003}
	feedIn := DeriveFeedIn(direct, 0.00008, true)
	if len(feedIn) != len(direct) {
		t.Fatalf("expected same length as input")
	}
	if feedIn[1] != 0 {
		t.Fatalf("expected feed-in 0 for negative direct price, got %v", feedIn[1])
	}
	if feedIn[0] != 0.00008 {
		t.Fatalf("expected configured tariff, got %v", feedIn[0])
	}
}

func TestDynamicMaxChargeWInvariants(t *testing.T) {
	configuredMax := 5000.0
	for soc := 0.0; soc <= 100; soc += 1 {
		w := DynamicMaxChargeW(soc, 10000, configuredMax)
		if w < 500 || w > configuredMax {
			t.Fatalf("soc=%v: dynamicMaxChargeW %v out of range [500,%v]", soc, w, configuredMax)
		}
		if math.Mod(w, 50) != 0 {
			t.Fatalf("soc=%v: dynamicMaxChargeW %v not a multiple of 50", soc, w)
		}
	}
}

func TestParseEVModeUnknown(t *testing.T) {
	if ParseEVMode("garbage") != EVModeUnknown {
		t.Fatalf("expected unknown mode for unrecognized string")
	}
	if ParseEVMode("pv+now") != EVModePVNow {
		t.Fatalf("expected pv+now to round-trip")
	}
}
