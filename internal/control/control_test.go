package control

import (
	"log"
	"os"
	"testing"
	"time"

	"github.com/devskill-org/eos-connect/internal/model"
)

type fakeInverter struct {
	forceChargeCalls int
	lastForceChargeW float64
	avoidCalls       int
	allowCalls       int
}

func (f *fakeInverter) SetForceCharge(w float64) error {
	f.forceChargeCalls++
	f.lastForceChargeW = w
	return nil
}
func (f *fakeInverter) SetAvoidDischarge() error { f.avoidCalls++; return nil }
func (f *fakeInverter) SetAllowDischarge() error { f.allowCalls++; return nil }

func newTestControl(inv Inverter) *Control {
	return New(inv, true, log.New(os.Stderr, "", 0))
}

// S1 — price-driven force-charge.
func TestScenarioForceChargeAtMinPriceHour(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)

	c.SetBatteryInfo(model.BatterySnapshot{DynamicMaxChargeW: 4500})
	c.SetEOSValues(1.0, 0, 1)

	if c.Snapshot().Mode != ChargeFromGrid {
		t.Fatalf("expected ChargeFromGrid, got %s", c.Snapshot().Mode)
	}
	if inv.forceChargeCalls != 1 {
		t.Fatalf("expected exactly one SetForceCharge call, got %d", inv.forceChargeCalls)
	}
	if inv.lastForceChargeW != 4500 {
		t.Fatalf("expected 4500W, got %v", inv.lastForceChargeW)
	}
}

// S2 — EV fast-charging overrides discharge.
func TestScenarioEVFastChargeAvoidsDischarge(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)

	c.SetBatteryInfo(model.BatterySnapshot{DynamicMaxChargeW: 5000})
	c.SetEOSValues(0, 0, 1)
	c.SetEVState(model.EVState{Charging: true, Mode: model.EVModeNow})

	if c.Snapshot().Mode != AvoidDischargeEvccFast {
		t.Fatalf("expected AvoidDischargeEvccFast, got %s", c.Snapshot().Mode)
	}
	if inv.avoidCalls == 0 {
		t.Fatalf("expected SetAvoidDischarge to have been called")
	}
}

// S3 — manual override and revert.
func TestScenarioManualOverrideReverts(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)

	c.SetBatteryInfo(model.BatterySnapshot{DynamicMaxChargeW: 5000})
	c.SetEOSValues(0, 0, 1)

	c.SetOverride(ChargeFromGrid, 30, 3.0)
	snap := c.Snapshot()
	if snap.ACChargeDemandW != 3000 {
		t.Fatalf("expected 3000W during override, got %v", snap.ACChargeDemandW)
	}

	c.ClearOverride()
	snap = c.Snapshot()
	if snap.ACChargeDemandW != 0 {
		t.Fatalf("expected ac charge demand to revert to pre-override EOS value (0), got %v", snap.ACChargeDemandW)
	}
}

// R2 — applying the same mode twice issues at most one inverter write.
func TestIdempotentApply(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)

	c.SetBatteryInfo(model.BatterySnapshot{DynamicMaxChargeW: 5000})
	c.SetEOSValues(0, 0, 1)
	calls := inv.allowCalls
	c.SetEVState(model.EVState{Charging: false, Mode: model.EVModeUnknown})
	if inv.allowCalls != calls {
		t.Fatalf("expected no additional inverter write for unchanged mode, got %d extra calls", inv.allowCalls-calls)
	}
}

// property 6 — sliding window never exceeds 1000 entries.
func TestChangeWindowBounded(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)
	for i := 0; i < 1500; i++ {
		c.SetEOSValues(float64(i%2), 0, 1)
	}
	c.mu.Lock()
	n := len(c.changeTimestamps)
	c.mu.Unlock()
	if n > maxTimestamps {
		t.Fatalf("expected at most %d timestamps, got %d", maxTimestamps, n)
	}
}

func TestWasChangedRecently(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)
	c.SetEOSValues(0, 0, 0)
	if !c.WasChangedRecently(time.Minute) {
		t.Fatalf("expected recent change to be detected")
	}
	if c.WasChangedRecently(0) {
		t.Fatalf("expected zero-width window to find nothing")
	}
}

// property 4 — mode<->acChargeDemandW/dischargeAllowed correspondence absent override.
func TestModeCorrespondsToInputs(t *testing.T) {
	inv := &fakeInverter{}
	c := newTestControl(inv)
	c.SetBatteryInfo(model.BatterySnapshot{DynamicMaxChargeW: 5000})

	c.SetEOSValues(0, 0, 0)
	if c.Snapshot().Mode != AvoidDischarge {
		t.Fatalf("expected AvoidDischarge when acCharge=0 and dischargeAllowed=0, got %s", c.Snapshot().Mode)
	}

	c.SetEOSValues(0.5, 0, 1)
	if c.Snapshot().Mode != ChargeFromGrid {
		t.Fatalf("expected ChargeFromGrid when acChargeDemandW>0, got %s", c.Snapshot().Mode)
	}
}
