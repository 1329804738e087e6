package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/devskill-org/eos-connect/internal/battery"
	"github.com/devskill-org/eos-connect/internal/config"
	"github.com/devskill-org/eos-connect/internal/control"
)

type fakeInverter struct{}

func (fakeInverter) SetForceCharge(float64) error { return nil }
func (fakeInverter) SetAvoidDischarge() error      { return nil }
func (fakeInverter) SetAllowDischarge() error      { return nil }

type fakeScheduler struct {
	req, resp []byte
}

func (f *fakeScheduler) LastRequestJSON() []byte  { return f.req }
func (f *fakeScheduler) LastResponseJSON() []byte { return f.resp }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	logger := log.New(os.Stderr, "", 0)
	ctl := control.New(fakeInverter{}, true, logger)
	batteryP := battery.New(config.BatteryConfig{Source: "default"}, logger, ctl.SetBatteryInfo)
	sched := &fakeScheduler{req: []byte(`{"a":1}`), resp: []byte(`{"b":2}`)}

	s := NewServer(8081, sched, ctl, batteryP, func() bool { return true }, time.UTC, t.TempDir())
	if s == nil {
		t.Fatal("expected non-nil server for a positive port")
	}
	srv := httptest.NewServer(s.server.Handler)
	return s, srv
}

func TestNewServerDisabledWhenPortNonPositive(t *testing.T) {
	logger := log.New(os.Stderr, "", 0)
	ctl := control.New(fakeInverter{}, true, logger)
	batteryP := battery.New(config.BatteryConfig{Source: "default"}, logger, ctl.SetBatteryInfo)
	s := NewServer(0, &fakeScheduler{}, ctl, batteryP, func() bool { return false }, time.UTC, "")
	if s != nil {
		t.Fatalf("expected nil server when port <= 0")
	}
}

func TestOptimizeRequestAndResponseRoutes(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/json/optimize_request.json")
	if err != nil {
		t.Fatalf("GET optimize_request.json: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"a":1}` {
		t.Fatalf("unexpected request body: %s", body)
	}

	resp2, err := http.Get(srv.URL + "/json/optimize_response.json")
	if err != nil {
		t.Fatalf("GET optimize_response.json: %v", err)
	}
	defer resp2.Body.Close()
	body2, _ := io.ReadAll(resp2.Body)
	if string(body2) != `{"b":2}` {
		t.Fatalf("unexpected response body: %s", body2)
	}
}

func TestCurrentControlsRoute(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/json/current_controls.json")
	if err != nil {
		t.Fatalf("GET current_controls.json: %v", err)
	}
	defer resp.Body.Close()

	var payload currentControls
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode current_controls.json: %v", err)
	}
	if payload.ModeText == "" {
		t.Fatalf("expected a non-empty mode_text")
	}
	if !payload.SchedulerRunning {
		t.Fatalf("expected scheduler_running=true")
	}
	if payload.Version != version {
		t.Fatalf("expected version %q, got %q", version, payload.Version)
	}
}
