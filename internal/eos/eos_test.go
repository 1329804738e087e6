package eos

import "testing"

func TestExamineResponseFlagsMissingStartSolution(t *testing.T) {
	resp := &Response{ACCharge: []float64{0, 0, 1}, StartSolution: []float64{1}}
	_, err := ExamineResponse(resp, 2)
	if err != ErrNoStartSolution {
		t.Fatalf("expected ErrNoStartSolution, got %v", err)
	}

	resp.StartSolution = nil
	_, err = ExamineResponse(resp, 2)
	if err != ErrNoStartSolution {
		t.Fatalf("expected ErrNoStartSolution for empty slice, got %v", err)
	}
}

func TestExamineResponseExtractsCurrentHour(t *testing.T) {
	resp := &Response{
		ACCharge:         []float64{0, 0, 0.5, 1.0},
		DCCharge:         []float64{0, 0, 0, 0.2},
		DischargeAllowed: []float64{1, 1, 0, 1},
		StartSolution:    []float64{1, 2, 3},
	}
	cv, err := ExamineResponse(resp, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cv.ACChargeRelative != 0.5 {
		t.Fatalf("expected ac_charge[2]=0.5, got %v", cv.ACChargeRelative)
	}
	if cv.DischargeAllowed != 0 {
		t.Fatalf("expected discharge_allowed[2]=0, got %v", cv.DischargeAllowed)
	}
}

func TestApplyDeviceIDsTogglesWithSchema(t *testing.T) {
	req := &Request{EAuto: &EAuto{}, Dishwasher: &Dishwasher{}}

	ApplyDeviceIDs(req, true)
	if req.PVAkku.DeviceID != "battery1" || req.Inverter.DeviceID != "inverter1" || req.Inverter.BatteryID != "battery1" {
		t.Fatalf("expected device ids set on new schema, got %+v", req)
	}
	if req.EAuto.DeviceID != "ev1" || req.Dishwasher.DeviceID != "dishwasher1" {
		t.Fatalf("expected eauto/dishwasher device ids set, got %+v %+v", req.EAuto, req.Dishwasher)
	}

	ApplyDeviceIDs(req, false)
	if req.PVAkku.DeviceID != "" || req.Inverter.DeviceID != "" || req.Inverter.BatteryID != "" {
		t.Fatalf("expected device ids cleared on old schema, got %+v", req)
	}
}
