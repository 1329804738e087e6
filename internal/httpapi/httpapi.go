// Package httpapi implements the HTTP facade from SPEC_FULL.md §4.13: the
// static dashboard, the three JSON status routes, and a websocket push
// endpoint that streams the control snapshot.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devskill-org/eos-connect/internal/battery"
	"github.com/devskill-org/eos-connect/internal/control"
)

// version is reported on the current_controls.json snapshot.
const version = "1.0.0"

// dataSource is the subset of the scheduler the facade reads from.
type dataSource interface {
	LastRequestJSON() []byte
	LastResponseJSON() []byte
}

// Server serves the dashboard, JSON status routes, and websocket push
// endpoint (SPEC_FULL.md §6/§4.13).
type Server struct {
	scheduler dataSource
	control   *control.Control
	battery   *battery.Provider
	statusFn  func() (isRunning bool)
	loc       *time.Location

	port   int
	server *http.Server

	upgrader  websocket.Upgrader
	clients   sync.Map
	broadcast chan []byte
	done      chan struct{}
}

// NewServer constructs the HTTP facade. It returns nil when port <= 0,
// mirroring the teacher's WebServer/HealthServer "disabled" pattern.
func NewServer(
	port int,
	scheduler dataSource,
	ctl *control.Control,
	batteryProvider *battery.Provider,
	statusFn func() bool,
	loc *time.Location,
	webDir string,
) *Server {
	if port <= 0 {
		return nil
	}

	mux := http.NewServeMux()
	s := &Server{
		scheduler: scheduler,
		control:   ctl,
		battery:   batteryProvider,
		statusFn:  statusFn,
		loc:       loc,
		port:      port,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		broadcast: make(chan []byte, 256),
		done:      make(chan struct{}),
		server: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}

	mux.HandleFunc("/json/optimize_request.json", s.optimizeRequestHandler)
	mux.HandleFunc("/json/optimize_response.json", s.optimizeResponseHandler)
	mux.HandleFunc("/json/current_controls.json", s.currentControlsHandler)
	mux.HandleFunc("/api/ws", s.wsHandler)

	if webDir == "" {
		webDir = "./web"
	}
	mux.Handle("/", http.FileServer(http.Dir(webDir)))

	return s
}

// Start begins serving in the background and starts the periodic
// websocket broadcaster.
func (s *Server) Start() {
	if s == nil {
		return
	}
	go s.handleBroadcasts()
	go s.watchAndBroadcast()
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[HTTP] server error: %v\n", err)
		}
	}()
}

// Stop gracefully shuts the server down and closes open websocket
// connections.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	close(s.done)
	s.clients.Range(func(key, _ any) bool {
		if conn, ok := key.(*websocket.Conn); ok {
			conn.Close()
		}
		return true
	})
	return s.server.Shutdown(ctx)
}

func (s *Server) optimizeRequestHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONBody(w, s.scheduler.LastRequestJSON())
}

func (s *Server) optimizeResponseHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONBody(w, s.scheduler.LastResponseJSON())
}

func writeJSONBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	if len(body) == 0 {
		w.Write([]byte("{}"))
		return
	}
	w.Write(body)
}

// currentControls is the shape of the /json/current_controls.json route
// (spec.md §6).
type currentControls struct {
	Mode              int     `json:"mode"`
	ModeText          string  `json:"mode_text"`
	ACChargeDemandW   float64 `json:"ac_charge_demand_w"`
	DCChargeRelative  float64 `json:"dc_charge_relative"`
	DischargeAllowed  int     `json:"discharge_allowed"`
	EVCharging        bool    `json:"ev_charging"`
	EVMode            string  `json:"ev_mode"`
	BatterySoCPercent float64 `json:"battery_soc_percent"`
	DynamicMaxChargeW float64 `json:"dynamic_max_charge_w"`
	SchedulerRunning  bool    `json:"scheduler_running"`
	Timestamp         string  `json:"timestamp"`
	Version           string  `json:"version"`
}

func (s *Server) buildSnapshot() currentControls {
	snap := s.control.Snapshot()
	bat := s.battery.Current()
	now := time.Now()
	if s.loc != nil {
		now = now.In(s.loc)
	}
	return currentControls{
		Mode:              int(snap.Mode),
		ModeText:          snap.Mode.String(),
		ACChargeDemandW:   snap.ACChargeDemandW,
		DCChargeRelative:  snap.DCChargeRelative,
		DischargeAllowed:  snap.DischargeAllowed,
		EVCharging:        snap.EVCharging,
		EVMode:            string(snap.EVMode),
		BatterySoCPercent: bat.SoCPercent,
		DynamicMaxChargeW: bat.DynamicMaxChargeW,
		SchedulerRunning:  s.statusFn(),
		Timestamp:         now.Format(time.RFC3339),
		Version:           version,
	}
}

func (s *Server) currentControlsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.buildSnapshot())
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		fmt.Printf("[HTTP] websocket upgrade error: %v\n", err)
		return
	}
	s.clients.Store(conn, true)

	if err := conn.WriteJSON(s.buildSnapshot()); err != nil {
		fmt.Printf("[HTTP] websocket initial send error: %v\n", err)
	}

	defer func() {
		s.clients.Delete(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) handleBroadcasts() {
	for {
		select {
		case message := <-s.broadcast:
			s.clients.Range(func(key, _ any) bool {
				conn, ok := key.(*websocket.Conn)
				if !ok {
					return true
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					conn.Close()
					s.clients.Delete(conn)
				}
				return true
			})
		case <-s.done:
			return
		}
	}
}

// watchAndBroadcast pushes the control snapshot to connected clients every
// 5s, the teacher's broadcastStatus cadence (SPEC_FULL.md §4.13).
func (s *Server) watchAndBroadcast() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.maybeBroadcast()
		case <-s.done:
			return
		}
	}
}

func (s *Server) maybeBroadcast() {
	hasClients := false
	s.clients.Range(func(_, _ any) bool { hasClients = true; return false })
	if !hasClients {
		return
	}

	message, err := json.Marshal(s.buildSnapshot())
	if err != nil {
		return
	}
	select {
	case s.broadcast <- message:
	default:
	}
}
