package load

import "testing"

func TestScaleEVPowerHeuristic(t *testing.T) {
	if got := scaleEVPower(7.4); got != 7400 {
		t.Fatalf("expected kW value scaled to W, got %v", got)
	}
	if got := scaleEVPower(3500); got != 3500 {
		t.Fatalf("expected W value left unscaled, got %v", got)
	}
	if got := scaleEVPower(0); got != 0 {
		t.Fatalf("expected zero to remain zero, got %v", got)
	}
}

func TestDefaultHistoryLength(t *testing.T) {
	out := defaultHistory()
	if len(out) != 48 {
		t.Fatalf("expected length 48, got %d", len(out))
	}
	for _, v := range out {
		if v != defaultLoadWh {
			t.Fatalf("expected default load %v, got %v", defaultLoadWh, v)
		}
	}
}
