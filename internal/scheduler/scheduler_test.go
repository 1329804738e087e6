package scheduler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/devskill-org/eos-connect/internal/battery"
	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/control"
	"github.com/devskill-org/eos-connect/internal/eos"
	"github.com/devskill-org/eos-connect/internal/load"
	"github.com/devskill-org/eos-connect/internal/price"
	"github.com/devskill-org/eos-connect/internal/pv"
)

type fakeInverter struct {
	allowCalls int
}

func (f *fakeInverter) SetForceCharge(float64) error { return nil }
func (f *fakeInverter) SetAvoidDischarge() error     { return nil }
func (f *fakeInverter) SetAllowDischarge() error     { f.allowCalls++; return nil }

func newTestScheduler(t *testing.T, eosServerURL string) (*Scheduler, *fakeInverter) {
	t.Helper()
	loc := time.UTC
	logger := log.New(os.Stderr, "", 0)

	cfg := config.DefaultConfig()
	cfg.Price.Source = "default"
	cfg.Battery.Source = "default"
	cfg.Load.Source = "default"
	cfg.DataDir = t.TempDir()

	priceP := price.New(cfg.Price, loc, logger)
	pvP := pv.New(cfg.PVForecastSource, nil, loc, logger)
	loadP := load.New(cfg.Load, loc, logger)
	inv := &fakeInverter{}
	ctl := control.New(inv, true, logger)
	batteryP := battery.New(cfg.Battery, logger, ctl.SetBatteryInfo)

	u, err := url.Parse(eosServerURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse test server port: %v", err)
	}
	eosClient := eos.New(u.Hostname(), port, 5*time.Second)

	s := New(cfg, loc, logger, priceP, pvP, loadP, batteryP, eosClient, ctl)
	return s, inv
}

func TestTickAppliesControlOnValidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "health") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := eos.Response{
			ACCharge:         make([]float64, 48),
			DCCharge:         make([]float64, 48),
			DischargeAllowed: make([]float64, 48),
			StartSolution:    []float64{1, 2, 3},
		}
		for i := range resp.DischargeAllowed {
			resp.DischargeAllowed[i] = 1
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s, inv := newTestScheduler(t, srv.URL)
	s.tick(context.Background())

	if !s.Status().LastSuccess {
		t.Fatalf("expected successful tick, got error: %s", s.Status().LastError)
	}
	if inv.allowCalls == 0 {
		t.Fatalf("expected control to apply DischargeAllowed to the inverter")
	}
	if len(s.LastRequestJSON()) == 0 || len(s.LastResponseJSON()) == 0 {
		t.Fatalf("expected request/response JSON to be persisted in memory")
	}

	if _, err := os.Stat(s.dataDir + "/optimize_request.json"); err != nil {
		t.Fatalf("expected optimize_request.json on disk: %v", err)
	}
	if _, err := os.Stat(s.dataDir + "/optimize_response.json"); err != nil {
		t.Fatalf("expected optimize_response.json on disk: %v", err)
	}
}

func TestTickSkipsApplicationOnMissingStartSolution(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "health") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := eos.Response{StartSolution: []float64{1}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s, _ := newTestScheduler(t, srv.URL)
	s.tick(context.Background())

	if s.Status().LastSuccess {
		t.Fatalf("expected tick to fail when start_solution is unusable")
	}
}
