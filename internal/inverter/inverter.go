// Package inverter drives the GEN24 family hybrid inverter via HTTP digest
// authentication, realizing the control state machine's three abstract
// operations as time-of-use rule writes (SPEC_FULL.md §4.7).
package inverter

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/devskill-org/eos-connect/internal/config"
)

// Schedule types written into a time-of-use rule (SPEC_FULL.md §4.7).
const (
	ScheduleChargeMin    = "CHARGE_MIN"
	ScheduleChargeMax    = "CHARGE_MAX"
	ScheduleDischargeMax = "DISCHARGE_MAX"
)

// TimeTable bounds a rule to a daily window. AllDay covers the full day.
type TimeTable struct {
	Start string `json:"Start"`
	End   string `json:"End"`
}

// AllDay is the always-active window used for every control rule this
// repository writes.
var AllDay = TimeTable{Start: "00:00", End: "23:59"}

// Weekdays selects which days a rule applies to. EveryDay covers all seven.
type Weekdays struct {
	Mon bool `json:"Mon"`
	Tue bool `json:"Tue"`
	Wed bool `json:"Wed"`
	Thu bool `json:"Thu"`
	Fri bool `json:"Fri"`
	Sat bool `json:"Sat"`
	Sun bool `json:"Sun"`
}

// EveryDay is the all-days-active Weekdays value used for every control rule.
var EveryDay = Weekdays{Mon: true, Tue: true, Wed: true, Thu: true, Fri: true, Sat: true, Sun: true}

// Rule is a single time-of-use entry as written to /config/timeofuse.
type Rule struct {
	Active       bool      `json:"Active"`
	Power        int       `json:"Power"`
	ScheduleType string    `json:"ScheduleType"`
	TimeTable    TimeTable `json:"TimeTable"`
	Weekdays     Weekdays  `json:"Weekdays"`
}

func rule(scheduleType string, powerW float64) Rule {
	return Rule{
		Active:       true,
		Power:        int(powerW),
		ScheduleType: scheduleType,
		TimeTable:    AllDay,
		Weekdays:     EveryDay,
	}
}

// GEN24 drives a Fronius GEN24-family inverter over HTTP digest auth.
type GEN24 struct {
	address  string
	user     string
	password string

	maxGridChargeRateW float64
	maxPVChargeRateW   float64

	client  *http.Client
	logger  *log.Logger
	backupFile string

	mu           sync.Mutex
	apiBaseKnown bool
	apiBase      string // valid once apiBaseKnown: "/api" or ""
	algorithm    string // last-seen challenge algorithm, sticky across calls
	backedUp     bool
}

// NewGEN24 constructs a GEN24 driver from configuration.
func NewGEN24(cfg config.InverterConfig, dataDir string, logger *log.Logger) *GEN24 {
	return &GEN24{
		address:             cfg.Address,
		user:                strings.ToLower(cfg.User),
		password:            cfg.Password,
		maxGridChargeRateW:  cfg.MaxGridChargeRateW,
		maxPVChargeRateW:    cfg.MaxPVChargeRateW,
		client:              &http.Client{Timeout: 10 * time.Second},
		logger:              logger,
		backupFile:          filepath.Join(dataDir, "battery_config_v2.json"),
		algorithm:           "SHA256",
	}
}

// SetForceCharge writes a single CHARGE_MIN rule capped at
// min(powerW, maxGridChargeRateW, 10000W) (SPEC_FULL.md §4.7 mapping).
func (g *GEN24) SetForceCharge(powerW float64) error {
	cap := g.maxGridChargeRateW
	if cap <= 0 || cap > 10000 {
		cap = 10000
	}
	target := powerW
	if target > cap {
		target = cap
	}
	return g.setTimeOfUse(context.Background(), []Rule{rule(ScheduleChargeMin, target)})
}

// SetAvoidDischarge writes a DISCHARGE_MAX rule at Power=0, plus a
// CHARGE_MAX rule at maxPVChargeRateW when PV charging is configured
// (SPEC_FULL.md §4.7 mapping).
func (g *GEN24) SetAvoidDischarge() error {
	rules := []Rule{rule(ScheduleDischargeMax, 0)}
	if g.maxPVChargeRateW > 0 {
		rules = append(rules, rule(ScheduleChargeMax, g.maxPVChargeRateW))
	}
	return g.setTimeOfUse(context.Background(), rules)
}

// SetAllowDischarge writes an empty rule set, or a single CHARGE_MAX rule
// when PV charging is configured (SPEC_FULL.md §4.7 mapping).
func (g *GEN24) SetAllowDischarge() error {
	var rules []Rule
	if g.maxPVChargeRateW > 0 {
		rules = []Rule{rule(ScheduleChargeMax, g.maxPVChargeRateW)}
	}
	return g.setTimeOfUse(context.Background(), rules)
}

type timeOfUseBody struct {
	TimeOfUse []Rule `json:"timeofuse"`
}

type timeOfUseResponse struct {
	WriteSuccess []string `json:"writeSuccess"`
}

// setTimeOfUse is the core mutating call: it backs up the current rule set
// on first use, then writes rules and checks writeSuccess confirms the
// "timeofuse" key (SPEC_FULL.md §4.7 "State-change confirmation").
func (g *GEN24) setTimeOfUse(ctx context.Context, rules []Rule) error {
	g.mu.Lock()
	needsBackup := !g.backedUp
	g.mu.Unlock()
	if needsBackup {
		g.backupCurrentConfig(ctx)
	}

	body := timeOfUseBody{TimeOfUse: rules}
	raw, err := g.authenticatedRequest(ctx, http.MethodPost, "/config/timeofuse", body)
	if err != nil {
		return fmt.Errorf("inverter: set timeofuse: %w", err)
	}

	var resp timeOfUseResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("inverter: decode writeSuccess: %w", err)
	}
	for _, key := range resp.WriteSuccess {
		if key == "timeofuse" {
			g.logger.Printf("[INVERTER] timeofuse rules applied: %+v", rules)
			return nil
		}
	}
	return fmt.Errorf("inverter: timeofuse write not confirmed, writeSuccess=%v", resp.WriteSuccess)
}

// backupCurrentConfig persists the live timeofuse rules to disk once per
// process lifetime, before the first mutating write (SPEC_FULL.md §4.7
// "Backup/restore").
func (g *GEN24) backupCurrentConfig(ctx context.Context) {
	raw, err := g.authenticatedRequest(ctx, http.MethodGet, "/config/timeofuse", nil)
	if err != nil {
		g.logger.Printf("[INVERTER] could not read current timeofuse for backup: %v", err)
		return
	}
	if err := os.WriteFile(g.backupFile, raw, 0o644); err != nil {
		g.logger.Printf("[INVERTER] could not write backup file: %v", err)
		return
	}
	g.mu.Lock()
	g.backedUp = true
	g.mu.Unlock()
	g.logger.Printf("[INVERTER] backed up current timeofuse config to %s", g.backupFile)
}

// RestoreBackup restores the pre-startup timeofuse config and deletes the
// backup file, called on graceful shutdown (SPEC_FULL.md §4.7).
func (g *GEN24) RestoreBackup(ctx context.Context) error {
	g.mu.Lock()
	backedUp := g.backedUp
	g.mu.Unlock()
	if !backedUp {
		return nil
	}

	raw, err := os.ReadFile(g.backupFile)
	if err != nil {
		return fmt.Errorf("inverter: read backup file: %w", err)
	}
	var body timeOfUseBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return fmt.Errorf("inverter: decode backup file: %w", err)
	}
	if err := g.setTimeOfUse(ctx, body.TimeOfUse); err != nil {
		return fmt.Errorf("inverter: restore backup: %w", err)
	}
	if err := os.Remove(g.backupFile); err != nil {
		g.logger.Printf("[INVERTER] restored backup but could not remove backup file: %v", err)
	}
	return nil
}

// digestChallenge is the parsed WWW-Authenticate: Digest header.
type digestChallenge struct {
	realm     string
	nonce     string
	qop       string
	algorithm string
}

var digestPairPattern = regexp.MustCompile(`(\w+)=(?:"([^"]*)"|([^,]*))`)

// parseDigestChallenge robustly parses the Digest challenge header,
// accepting any header-name capitalization and preserving spaces inside
// quoted values (SPEC_FULL.md §4.7 step 2).
func parseDigestChallenge(header string) (*digestChallenge, error) {
	if header == "" {
		return nil, fmt.Errorf("inverter: no WWW-Authenticate header")
	}
	content := strings.TrimPrefix(header, "Digest ")
	matches := digestPairPattern.FindAllStringSubmatch(content, -1)
	values := map[string]string{}
	for _, m := range matches {
		key := m[1]
		value := m[2]
		if value == "" {
			value = strings.TrimSpace(m[3])
		}
		values[key] = value
	}
	nonce, ok := values["nonce"]
	if !ok {
		return nil, fmt.Errorf("inverter: challenge missing nonce")
	}
	algorithm := values["algorithm"]
	if algorithm == "" {
		algorithm = "MD5"
	}
	return &digestChallenge{
		realm:     values["realm"],
		nonce:     nonce,
		qop:       values["qop"],
		algorithm: algorithm,
	}, nil
}

func hashFor(algorithm string) func(string) string {
	switch algorithm {
	case "SHA256", "SHA-256":
		return func(s string) string {
			sum := sha256.Sum256([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	default:
		return func(s string) string {
			sum := md5.Sum([]byte(s))
			return hex.EncodeToString(sum[:])
		}
	}
}

// buildAuthHeader computes the digest Authorization header value per
// SPEC_FULL.md §4.7 step 4. For the non-standard "SHA256" algorithm string
// the response is hashed with SHA-256 but the re-sent algorithm= field
// echoes "SHA256" verbatim, matching the firmware's expectation.
func (g *GEN24) buildAuthHeader(challenge *digestChallenge, method, uri, cnonce string) string {
	realm := challenge.realm
	if realm == "" {
		realm = "Webinterface area"
	}
	const nc = "00000001"
	qop := challenge.qop
	if qop == "" {
		qop = "auth"
	}

	hash := hashFor(challenge.algorithm)
	ha1 := hash(fmt.Sprintf("%s:%s:%s", g.user, realm, g.password))
	ha2 := hash(fmt.Sprintf("%s:%s", method, uri))
	response := hash(fmt.Sprintf("%s:%s:%s:%s:%s:%s", ha1, challenge.nonce, nc, cnonce, qop, ha2))

	return fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", algorithm="%s", qop=%s, nc=%s, cnonce="%s", response="%s"`,
		g.user, realm, challenge.nonce, uri, challenge.algorithm, qop, nc, cnonce, response,
	)
}

func randomCnonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "7d5190133564493d953a7193d9d120a2"
	}
	return hex.EncodeToString(buf)
}

// ErrAPINotFound means the cached API base (e.g. "/api") returned 404;
// authenticatedRequest then clears the cached base so the next call runs
// detectAPIBase again (SPEC_FULL.md §4.7 step 7 "404 is returned verbatim").
var ErrAPINotFound = fmt.Errorf("inverter: endpoint not found at this api base")

func (g *GEN24) detectAPIBase(ctx context.Context) string {
	g.mu.Lock()
	if g.apiBaseKnown {
		base := g.apiBase
		g.mu.Unlock()
		return base
	}
	g.mu.Unlock()

	for _, candidate := range []string{"/api", ""} {
		url := fmt.Sprintf("http://%s%s/config/timeofuse", g.address, candidate)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			continue
		}
		resp, err := g.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized {
			g.mu.Lock()
			g.apiBase = candidate
			g.apiBaseKnown = true
			g.mu.Unlock()
			return candidate
		}
	}
	g.mu.Lock()
	g.apiBase = "/api"
	g.apiBaseKnown = true
	g.mu.Unlock()
	return "/api"
}

// authenticatedRequest performs the full unauthenticated-probe /
// challenge-response / retry / algorithm-fallback protocol described in
// SPEC_FULL.md §4.7 and returns the final 200 response body.
func (g *GEN24) authenticatedRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	base := g.detectAPIBase(ctx)
	path := base + endpoint
	url := fmt.Sprintf("http://%s%s", g.address, path)

	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("inverter: marshal request body: %w", err)
		}
	}

	g.mu.Lock()
	lastKnownAlgorithm := g.algorithm
	g.mu.Unlock()

	var lastErr error
	for outerAttempt := 0; outerAttempt < 3; outerAttempt++ {
		body, done, err := g.tryOnce(ctx, method, url, path, raw, &lastKnownAlgorithm)
		if done {
			g.mu.Lock()
			if err == nil {
				g.algorithm = lastKnownAlgorithm
			} else if err == ErrAPINotFound {
				// the cached base no longer matches the firmware; force
				// re-detection on the next call.
				g.apiBaseKnown = false
			}
			g.mu.Unlock()
			return body, err
		}
		lastErr = err

		if outerAttempt < 2 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}

	return nil, fmt.Errorf("inverter: all attempts failed for %s: %w", endpoint, lastErr)
}

// tryOnce performs a single unauthenticated-probe / challenge-response /
// MD5-fallback cycle (at most three HTTP requests): SPEC_FULL.md §4.7 step
// 7 bounds a successful exchange to "exactly two challenge-response
// cycles, at most three requests total" (S6). done is true when the
// caller should stop retrying, either because of success, a definitive
// 404, or because the digest exchange itself (not the transport) failed.
func (g *GEN24) tryOnce(ctx context.Context, method, url, path string, raw []byte, algorithm *string) ([]byte, bool, error) {
	resp, respBody, err := g.doRequest(ctx, method, url, raw, nil)
	if err != nil {
		return nil, false, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, true, nil
	case http.StatusNotFound:
		return nil, true, ErrAPINotFound
	case http.StatusUnauthorized:
		// fall through to digest exchange below.
	default:
		return nil, false, fmt.Errorf("inverter: unexpected status %d", resp.StatusCode)
	}

	challenge, perr := parseDigestChallenge(firstNonEmpty(
		resp.Header.Get("WWW-Authenticate"),
		resp.Header.Get("X-WWW-Authenticate"),
		resp.Header.Get("X-Www-Authenticate"),
	))
	if perr != nil {
		return nil, false, perr
	}
	if challenge.algorithm != "" {
		*algorithm = challenge.algorithm
	}
	challenge.algorithm = *algorithm

	respBody2, state2, err2 := g.sendDigest(ctx, method, url, path, raw, challenge)
	if err2 != nil {
		return nil, false, err2
	}
	switch state2 {
	case digestOK:
		return respBody2, true, nil
	case digestNotFound:
		return nil, true, ErrAPINotFound
	}

	if challenge.algorithm == "SHA-256" || challenge.algorithm == "SHA256" {
		g.logger.Printf("[INVERTER] %s authentication failed, falling back to MD5", challenge.algorithm)
		*algorithm = "MD5"
		challenge.algorithm = "MD5"
		respBody3, state3, err3 := g.sendDigest(ctx, method, url, path, raw, challenge)
		if err3 != nil {
			return nil, false, err3
		}
		switch state3 {
		case digestOK:
			return respBody3, true, nil
		case digestNotFound:
			return nil, true, ErrAPINotFound
		}
	}

	return nil, true, fmt.Errorf("inverter: authentication failed")
}

type digestResult int

const (
	digestUnauthorized digestResult = iota
	digestOK
	digestNotFound
)

// sendDigest sends one authenticated request for the given challenge and
// reports its outcome, or an error for transport failures.
func (g *GEN24) sendDigest(ctx context.Context, method, url, path string, raw []byte, challenge *digestChallenge) ([]byte, digestResult, error) {
	authHeader := g.buildAuthHeader(challenge, method, path, randomCnonce())
	resp, respBody, err := g.doRequest(ctx, method, url, raw, map[string]string{"Authorization": authHeader})
	if err != nil {
		return nil, digestUnauthorized, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return respBody, digestOK, nil
	case http.StatusNotFound:
		return nil, digestNotFound, nil
	case http.StatusUnauthorized:
		return nil, digestUnauthorized, nil
	default:
		return nil, digestUnauthorized, fmt.Errorf("inverter: unexpected status %d", resp.StatusCode)
	}
}

func (g *GEN24) doRequest(ctx context.Context, method, url string, body []byte, extraHeaders map[string]string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Default is a no-op inverter driver for dry-run or hardware-less operation
// (SPEC_FULL.md §4.7 "[ADD] a default inverter type").
type Default struct {
	logger *log.Logger
}

// NewDefault constructs a logging-only inverter driver.
func NewDefault(logger *log.Logger) *Default {
	return &Default{logger: logger}
}

func (d *Default) SetForceCharge(powerW float64) error {
	d.logger.Printf("[INVERTER] (default driver) would force-charge at %.0fW", powerW)
	return nil
}

func (d *Default) SetAvoidDischarge() error {
	d.logger.Printf("[INVERTER] (default driver) would avoid discharge")
	return nil
}

func (d *Default) SetAllowDischarge() error {
	d.logger.Printf("[INVERTER] (default driver) would allow discharge")
	return nil
}

// Driver is the interface both inverter implementations and
// internal/control's Inverter interface share.
type Driver interface {
	SetForceCharge(powerW float64) error
	SetAvoidDischarge() error
	SetAllowDischarge() error
}

// New dispatches on cfg.Type to build the configured driver
// (SPEC_FULL.md §4.7/§6).
func New(cfg config.InverterConfig, dataDir string, logger *log.Logger) Driver {
	switch cfg.Type {
	case "fronius_gen24", "fronius_gen24_v2":
		return NewGEN24(cfg, dataDir, logger)
	default:
		return NewDefault(logger)
	}
}
