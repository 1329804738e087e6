// Package control implements the control state machine from
// SPEC_FULL.md §4.9: fuses the EOS hourly plan with live EV-charging
// signals, manual overrides, and the dynamic battery charge-power limit
// into a single inverter mode, and drives the inverter driver when that
// mode (or its charge setpoint) changes.
package control

import (
	"log"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/model"
)

// Mode is the closed set of overall control modes (SPEC_FULL.md §3).
type Mode int

const (
	Startup Mode = iota - 1
	ChargeFromGrid
	AvoidDischarge
	DischargeAllowed
	AvoidDischargeEvccFast
	DischargeAllowedEvccPv
	DischargeAllowedEvccMinPv
)

// String renders a Mode as text; control logic must never compare mode
// strings (SPEC_FULL.md §9 "string comparisons forbidden").
func (m Mode) String() string {
	switch m {
	case Startup:
		return "Startup"
	case ChargeFromGrid:
		return "ChargeFromGrid"
	case AvoidDischarge:
		return "AvoidDischarge"
	case DischargeAllowed:
		return "DischargeAllowed"
	case AvoidDischargeEvccFast:
		return "AvoidDischargeEvccFast"
	case DischargeAllowedEvccPv:
		return "DischargeAllowedEvccPv"
	case DischargeAllowedEvccMinPv:
		return "DischargeAllowedEvccMinPv"
	default:
		return "Unknown"
	}
}

// maxTimestamps bounds the sliding change-timestamp window
// (SPEC_FULL.md §3 invariant 4).
const maxTimestamps = 1000

// Inverter is the abstraction the control state machine drives
// (SPEC_FULL.md §4.7).
type Inverter interface {
	SetForceCharge(powerW float64) error
	SetAvoidDischarge() error
	SetAllowDischarge() error
}

// Override is an operator-issued, time-bounded forced control state
// (SPEC_FULL.md §3/§4.9).
type Override struct {
	Mode            Mode
	EndTime         time.Time
	ChargeRateKW    float64
	PreOverrideAcW  float64
}

// Snapshot is a read-only view of the current control state, used by the
// HTTP facade (SPEC_FULL.md §6).
type Snapshot struct {
	Mode              Mode
	ACChargeDemandW   float64
	DCChargeRelative  float64
	DischargeAllowed  int
	EVCharging        bool
	EVMode            model.EVMode
	OverrideActive    bool
	OverrideEndTime   time.Time
}

// Control is the mutex-protected state machine. It is the only structure in
// this repository mutated by multiple workers (SPEC_FULL.md §5).
type Control struct {
	inverter        Inverter
	inverterEnabled bool
	logger          *log.Logger

	mu sync.Mutex

	acChargeRel       float64
	dcChargeRel       float64
	dischargeAllowed  int // -1 unset, 0, 1
	dynamicMaxChargeW float64

	evCharging bool
	evMode     model.EVMode

	override *Override

	overallMode         Mode
	acChargeDemandW     float64
	lastAppliedMode     Mode
	lastAppliedAcCharge float64
	everApplied         bool

	changeTimestamps []time.Time
}

// New constructs a Control state machine.
func New(inverter Inverter, inverterEnabled bool, logger *log.Logger) *Control {
	return &Control{
		inverter:         inverter,
		inverterEnabled:  inverterEnabled,
		logger:           logger,
		dischargeAllowed: -1,
		overallMode:      Startup,
		lastAppliedMode:  Startup,
	}
}

// SetEOSValues records the current-hour EOS plan values and re-evaluates.
func (c *Control) SetEOSValues(acChargeRel, dcChargeRel float64, dischargeAllowed int) {
	c.mu.Lock()
	c.acChargeRel = acChargeRel
	c.dcChargeRel = dcChargeRel
	c.dischargeAllowed = dischargeAllowed
	c.mu.Unlock()
	c.reevaluate()
}

// SetBatteryInfo records the dynamic max charge power and re-evaluates; this
// is the battery provider's ChangeObserver (SPEC_FULL.md §4.5).
func (c *Control) SetBatteryInfo(snapshot model.BatterySnapshot) {
	c.mu.Lock()
	c.dynamicMaxChargeW = snapshot.DynamicMaxChargeW
	c.mu.Unlock()
	c.reevaluate()
}

// SetEVState records the EVCC state and re-evaluates; cmd/eosconnect calls
// it from the EVCC provider's ChargingEdgeObserver, so it runs on each
// charging edge (a mode-only change does not trigger it).
func (c *Control) SetEVState(state model.EVState) {
	c.mu.Lock()
	c.evCharging = state.Charging
	c.evMode = state.Mode
	c.mu.Unlock()
	c.reevaluate()
}

// SetOverride installs a time-bounded forced mode (SPEC_FULL.md §4.9).
// durationMinutes is clamped to [0, 720].
func (c *Control) SetOverride(mode Mode, durationMinutes int, chargeRateKW float64) {
	if durationMinutes < 0 {
		durationMinutes = 0
	}
	if durationMinutes > 720 {
		durationMinutes = 720
	}

	c.mu.Lock()
	preAcW := c.acChargeDemandW
	c.override = &Override{
		Mode:           mode,
		EndTime:        time.Now().Add(time.Duration(durationMinutes) * time.Minute),
		ChargeRateKW:   chargeRateKW,
		PreOverrideAcW: preAcW,
	}
	c.mu.Unlock()
	c.reevaluate()
}

// ClearOverride removes any active override and reverts acChargeDemandW to
// its pre-override value (SPEC_FULL.md §4.9/§8 R3).
func (c *Control) ClearOverride() {
	c.mu.Lock()
	c.override = nil
	c.mu.Unlock()
	c.reevaluate()
}

// checkOverrideExpiry clears an expired override under lock; the following
// re-evaluation then recomputes acChargeDemandW from the current EOS values.
func (c *Control) checkOverrideExpiry() {
	c.mu.Lock()
	expired := c.override != nil && !time.Now().Before(c.override.EndTime)
	if expired {
		c.override = nil
	}
	c.mu.Unlock()
}

// reevaluate recomputes the overall mode from current inputs and, if it (or
// the charge setpoint) changed, applies it to hardware.
func (c *Control) reevaluate() {
	c.checkOverrideExpiry()

	c.mu.Lock()
	mode, acChargeW := c.computeMode()
	c.overallMode = mode
	c.acChargeDemandW = acChargeW
	c.recordChangeLocked()

	changed := !c.everApplied || mode != c.lastAppliedMode || acChargeW != c.lastAppliedAcCharge
	c.lastAppliedMode = mode
	c.lastAppliedAcCharge = acChargeW
	c.everApplied = true
	dynamicMax := c.dynamicMaxChargeW
	override := c.override
	c.mu.Unlock()

	if !changed {
		return
	}
	c.apply(mode, acChargeW, dynamicMax, override)
}

// computeMode implements the transition rule, override handling, and EV
// fusion from SPEC_FULL.md §4.9. Must be called with c.mu held.
func (c *Control) computeMode() (Mode, float64) {
	if c.override != nil {
		acW := c.acChargeRel * c.dynamicMaxChargeW
		if c.override.Mode == ChargeFromGrid {
			acW = c.override.ChargeRateKW * 1000
		}
		return c.override.Mode, acW
	}

	acChargeW := c.acChargeRel * c.dynamicMaxChargeW

	var mode Mode
	switch {
	case acChargeW > 0:
		mode = ChargeFromGrid
	case c.dischargeAllowed == 1:
		mode = DischargeAllowed
	case c.dischargeAllowed == 0:
		mode = AvoidDischarge
	default:
		mode = Startup
	}

	if mode == DischargeAllowed && c.evCharging {
		switch c.evMode {
		case model.EVModeNow, model.EVModePVNow, model.EVModeMinPVNow:
			mode = AvoidDischargeEvccFast
		case model.EVModePV:
			mode = DischargeAllowedEvccPv
		case model.EVModeMinPV:
			mode = DischargeAllowedEvccMinPv
		}
	}

	return mode, acChargeW
}

// recordChangeLocked appends a change timestamp, dropping the oldest entry
// once the window exceeds maxTimestamps (SPEC_FULL.md §3 invariant 4). Must
// be called with c.mu held.
func (c *Control) recordChangeLocked() {
	c.changeTimestamps = append(c.changeTimestamps, time.Now())
	if len(c.changeTimestamps) > maxTimestamps {
		c.changeTimestamps = c.changeTimestamps[len(c.changeTimestamps)-maxTimestamps:]
	}
}

// WasChangedRecently reports whether at least one state change happened
// within the last window (SPEC_FULL.md §4.9/§8 property 5).
func (c *Control) WasChangedRecently(window time.Duration) bool {
	cutoff := time.Now().Add(-window)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.changeTimestamps) - 1; i >= 0; i-- {
		if c.changeTimestamps[i].After(cutoff) {
			return true
		}
	}
	return false
}

// apply writes the mode to hardware, mapping per SPEC_FULL.md §4.9
// "Applying to hardware".
func (c *Control) apply(mode Mode, acChargeW, dynamicMaxChargeW float64, override *Override) {
	if !c.inverterEnabled {
		c.logger.Printf("[CONTROL] inverter disabled, would apply mode=%s acCharge=%.0fW", mode, acChargeW)
		return
	}

	var err error
	switch mode {
	case ChargeFromGrid:
		target := acChargeW
		if dynamicMaxChargeW > 0 && target > dynamicMaxChargeW {
			target = dynamicMaxChargeW
		}
		err = c.inverter.SetForceCharge(target)
	case AvoidDischarge, AvoidDischargeEvccFast:
		err = c.inverter.SetAvoidDischarge()
	case DischargeAllowed, DischargeAllowedEvccPv, DischargeAllowedEvccMinPv:
		err = c.inverter.SetAllowDischarge()
	case Startup:
		// uninitialized sentinel: no hardware action yet.
		return
	}

	if err != nil {
		c.logger.Printf("[CONTROL] failed to apply mode=%s: %v", mode, err)
		return
	}
	c.logger.Printf("[CONTROL] applied mode=%s acCharge=%.0fW", mode, acChargeW)
}

// Snapshot returns a read-only view of the current control state.
func (c *Control) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Mode:             c.overallMode,
		ACChargeDemandW:  c.acChargeDemandW,
		DCChargeRelative: c.dcChargeRel,
		DischargeAllowed: c.dischargeAllowed,
		EVCharging:       c.evCharging,
		EVMode:           c.evMode,
	}
	if c.override != nil {
		s.OverrideActive = true
		s.OverrideEndTime = c.override.EndTime
	}
	return s
}
