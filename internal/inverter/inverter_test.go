package inverter

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/devskill-org/eos-connect/internal/config"
)

func newTestGEN24(t *testing.T, addr string) *GEN24 {
	t.Helper()
	cfg := config.InverterConfig{
		Type:               "fronius_gen24_v2",
		Address:            addr,
		User:               "customer",
		Password:           "secret",
		MaxGridChargeRateW: 9000,
		MaxPVChargeRateW:   8000,
	}
	return NewGEN24(cfg, t.TempDir(), log.New(os.Stderr, "", 0))
}

// S6 — digest fallback: SHA256 challenge fails, MD5 retry succeeds, within
// three total requests.
func TestDigestFallbackFromSHA256ToMD5(t *testing.T) {
	var requestCount int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requestCount, 1)
		auth := r.Header.Get("Authorization")

		switch {
		case n == 1:
			w.Header().Set("WWW-Authenticate", `Digest realm="Webinterface area", nonce="abc123", qop="auth", algorithm="SHA256"`)
			w.WriteHeader(http.StatusUnauthorized)
		case n == 2:
			if !strings.Contains(auth, `algorithm="SHA256"`) {
				t.Errorf("expected second request to use SHA256, got %s", auth)
			}
			w.Header().Set("WWW-Authenticate", `Digest realm="Webinterface area", nonce="abc123", qop="auth", algorithm="SHA256"`)
			w.WriteHeader(http.StatusUnauthorized)
		case n == 3:
			if !strings.Contains(auth, `algorithm="MD5"`) {
				t.Errorf("expected third request to fall back to MD5, got %s", auth)
			}
			json.NewEncoder(w).Encode(timeOfUseResponse{WriteSuccess: []string{"timeofuse"}})
		default:
			t.Errorf("expected at most 3 requests, got a %dth", n)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	g := newTestGEN24(t, host)
	g.apiBase = ""
	g.apiBaseKnown = true // skip base-detection round-trips
	g.backedUp = true     // skip the first-write backup round-trips

	err := g.SetForceCharge(5000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := atomic.LoadInt32(&requestCount); got != 3 {
		t.Fatalf("expected exactly 3 requests, got %d", got)
	}
}

func TestSetForceChargeClampsToGridCap(t *testing.T) {
	var capturedPower int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body timeOfUseBody
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.TimeOfUse) > 0 {
			capturedPower = body.TimeOfUse[0].Power
		}
		json.NewEncoder(w).Encode(timeOfUseResponse{WriteSuccess: []string{"timeofuse"}})
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	g := newTestGEN24(t, host)
	g.apiBase = ""
	g.apiBaseKnown = true

	if err := g.SetForceCharge(50000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capturedPower != 9000 {
		t.Fatalf("expected power clamped to maxGridChargeRateW=9000, got %d", capturedPower)
	}
}

func TestSetAvoidDischargeWritesHoldAndPVRules(t *testing.T) {
	var rules []Rule
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body timeOfUseBody
		json.NewDecoder(r.Body).Decode(&body)
		rules = body.TimeOfUse
		json.NewEncoder(w).Encode(timeOfUseResponse{WriteSuccess: []string{"timeofuse"}})
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	g := newTestGEN24(t, host)
	g.apiBase = ""
	g.apiBaseKnown = true

	if err := g.SetAvoidDischarge(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules (discharge-max + charge-max), got %d", len(rules))
	}
	if rules[0].ScheduleType != ScheduleDischargeMax || rules[0].Power != 0 {
		t.Fatalf("expected first rule to be DISCHARGE_MAX at 0W, got %+v", rules[0])
	}
	if rules[1].ScheduleType != ScheduleChargeMax || rules[1].Power != 8000 {
		t.Fatalf("expected second rule to be CHARGE_MAX at 8000W, got %+v", rules[1])
	}
}

func TestWriteNotConfirmedReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(timeOfUseResponse{WriteSuccess: []string{}})
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	g := newTestGEN24(t, host)
	g.apiBase = ""
	g.apiBaseKnown = true

	if err := g.SetAllowDischarge(); err == nil {
		t.Fatalf("expected error when writeSuccess omits 'timeofuse'")
	}
}

func TestDetectAPIBaseCachesEmptyBase(t *testing.T) {
	var requestCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		if strings.HasPrefix(r.URL.Path, "/api") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	g := newTestGEN24(t, host)

	if base := g.detectAPIBase(t.Context()); base != "" {
		t.Fatalf("expected detected base to be empty string (old firmware), got %q", base)
	}
	if !g.apiBaseKnown {
		t.Fatalf("expected apiBaseKnown to be set after detection")
	}
	firstCount := atomic.LoadInt32(&requestCount)

	if base := g.detectAPIBase(t.Context()); base != "" {
		t.Fatalf("expected cached base to remain empty string, got %q", base)
	}
	if got := atomic.LoadInt32(&requestCount); got != firstCount {
		t.Fatalf("expected detectAPIBase to use the cached value, got %d more requests", got-firstCount)
	}
}

func TestParseDigestChallengePreservesSpacesInRealm(t *testing.T) {
	c, err := parseDigestChallenge(`Digest realm="Webinterface area", nonce="xyz", qop="auth", algorithm="SHA256"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.realm != "Webinterface area" {
		t.Fatalf("expected realm with space preserved, got %q", c.realm)
	}
	if c.nonce != "xyz" {
		t.Fatalf("expected nonce 'xyz', got %q", c.nonce)
	}
}

func TestDefaultDriverNeverErrors(t *testing.T) {
	d := NewDefault(log.New(os.Stderr, "", 0))
	if err := d.SetForceCharge(1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.SetAvoidDischarge(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := d.SetAllowDischarge(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
