// Package api provides extended HTTP endpoints for the trading engine.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/atlas-breakout/engine/internal/diagnostics"
	"github.com/atlas-breakout/engine/internal/orchestrator"
	"github.com/atlas-breakout/engine/internal/risk"
	"github.com/atlas-breakout/engine/pkg/types"
)

// ExtendedServer adds the orchestrator control surface and diagnostic
// endpoints to the API server (spec §4.1, §4.4, §4.8): current FSM state,
// start/stop/pause/resume/retry and emergency controls, kill-switch status
// and manual reset, open positions, and the diagnostic event ring. FSM
// transition history, the last scan result and the last error are not
// exposed.
type ExtendedServer struct {
	logger *zap.Logger
	router *mux.Router

	orch *orchestrator.Orchestrator
	risk *risk.Manager
	diag *diagnostics.Collector

	openPositions func() []types.Position
}

// NewExtendedServer wires the orchestrator/risk/diagnostics control surface
// onto an existing router.
func NewExtendedServer(
	logger *zap.Logger,
	router *mux.Router,
	orch *orchestrator.Orchestrator,
	riskMgr *risk.Manager,
	diag *diagnostics.Collector,
	openPositions func() []types.Position,
) *ExtendedServer {
	es := &ExtendedServer{
		logger:        logger,
		router:        router,
		orch:          orch,
		risk:          riskMgr,
		diag:          diag,
		openPositions: openPositions,
	}
	es.setupRoutes()
	return es
}

func (es *ExtendedServer) setupRoutes() {
	// Orchestrator control.
	es.router.HandleFunc("/api/v1/engine/state", es.handleEngineState).Methods("GET")
	es.router.HandleFunc("/api/v1/engine/start", es.handleEngineStart).Methods("POST")
	es.router.HandleFunc("/api/v1/engine/stop", es.handleEngineStop).Methods("POST")
	es.router.HandleFunc("/api/v1/engine/pause", es.handleEnginePause).Methods("POST")
	es.router.HandleFunc("/api/v1/engine/resume", es.handleEngineResume).Methods("POST")
	es.router.HandleFunc("/api/v1/engine/retry", es.handleEngineRetry).Methods("POST")
	es.router.HandleFunc("/api/v1/engine/emergency-stop", es.handleEmergencyStop).Methods("POST")
	es.router.HandleFunc("/api/v1/engine/emergency-reset", es.handleEmergencyReset).Methods("POST")

	// Risk / kill switch.
	es.router.HandleFunc("/api/v1/risk/kill-switch", es.handleKillSwitchStatus).Methods("GET")
	es.router.HandleFunc("/api/v1/risk/kill-switch/reset", es.handleKillSwitchReset).Methods("POST")

	// Positions (read-only; mutation goes through the orchestrator cycle).
	es.router.HandleFunc("/api/v1/positions", es.handleGetPositions).Methods("GET")

	// Diagnostics.
	es.router.HandleFunc("/api/v1/diagnostics/events", es.handleDiagnosticEvents).Methods("GET")
}

func (es *ExtendedServer) handleEngineState(w http.ResponseWriter, r *http.Request) {
	es.jsonResponse(w, map[string]string{"state": string(es.orch.State())})
}

func (es *ExtendedServer) handleEngineStart(w http.ResponseWriter, r *http.Request) {
	if err := es.orch.Start(r.Context()); err != nil {
		es.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "started"})
}

func (es *ExtendedServer) handleEngineStop(w http.ResponseWriter, r *http.Request) {
	if err := es.orch.Stop(); err != nil {
		es.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "stopped"})
}

func (es *ExtendedServer) handleEnginePause(w http.ResponseWriter, r *http.Request) {
	if err := es.orch.Pause(); err != nil {
		es.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "paused"})
}

func (es *ExtendedServer) handleEngineResume(w http.ResponseWriter, r *http.Request) {
	if err := es.orch.Resume(); err != nil {
		es.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "resumed"})
}

func (es *ExtendedServer) handleEngineRetry(w http.ResponseWriter, r *http.Request) {
	if err := es.orch.Retry(); err != nil {
		es.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "retrying"})
}

func (es *ExtendedServer) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator_requested"
	}
	if err := es.orch.EmergencyStop(req.Reason); err != nil {
		es.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "emergency_stop_activated"})
}

func (es *ExtendedServer) handleEmergencyReset(w http.ResponseWriter, r *http.Request) {
	if err := es.orch.ResetFromEmergency(); err != nil {
		es.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	es.jsonResponse(w, map[string]string{"status": "reset"})
}

func (es *ExtendedServer) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	es.jsonResponse(w, map[string]any{
		"active": es.risk.KillSwitchActive(),
		"reason": es.risk.KillSwitchReason(),
	})
}

// handleKillSwitchReset is the manual-only unlatch (spec §4.4 "kill switch
// ... cleared only by explicit operator reset").
func (es *ExtendedServer) handleKillSwitchReset(w http.ResponseWriter, r *http.Request) {
	es.risk.Reset()
	es.jsonResponse(w, map[string]string{"status": "kill_switch_reset"})
}

func (es *ExtendedServer) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	es.jsonResponse(w, es.openPositions())
}

func (es *ExtendedServer) handleDiagnosticEvents(w http.ResponseWriter, r *http.Request) {
	es.jsonResponse(w, es.diag.Snapshot())
}

func (es *ExtendedServer) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func (es *ExtendedServer) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
