package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/decision/repository"
	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// DecisionAPI exposes the decision store over REST for host dashboards.
// Team submissions land here too when a display has no direct database
// access.
type DecisionAPI struct {
	repo *repository.Repository
}

// NewDecisionAPI wraps the decision repository.
func NewDecisionAPI(repo *repository.Repository) *DecisionAPI {
	return &DecisionAPI{repo: repo}
}

// RegisterRoutes mounts the decision endpoints.
func (a *DecisionAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/decisions", a.handleDecisions)
	mux.HandleFunc("/api/decisions/phase", a.handlePhaseDecisions)
}

type submitRequest struct {
	SessionID string                 `json:"sessionId"`
	TeamID    string                 `json:"teamId"`
	PhaseID   string                 `json:"phaseId"`
	Payload   models.DecisionPayload `json:"payload"`
}

func (a *DecisionAPI) handleDecisions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submit(w, r)
	case http.MethodGet:
		a.get(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *DecisionAPI) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.TeamID == "" || req.PhaseID == "" {
		http.Error(w, "sessionId, teamId and phaseId are required", http.StatusBadRequest)
		return
	}

	if err := a.repo.Submit(r.Context(), req.SessionID, req.TeamID, req.PhaseID, req.Payload); err != nil {
		log.Error().Err(err).
			Str("session_id", req.SessionID).
			Str("team_id", req.TeamID).
			Str("phase_id", req.PhaseID).
			Msg("failed to store team decision")
		http.Error(w, "failed to store decision", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *DecisionAPI) get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, teamID, phaseID := q.Get("session_id"), q.Get("team_id"), q.Get("phase_id")
	if sessionID == "" || teamID == "" || phaseID == "" {
		http.Error(w, "session_id, team_id and phase_id are required", http.StatusBadRequest)
		return
	}

	decision, err := a.repo.GetDecision(r.Context(), sessionID, teamID, phaseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			http.Error(w, "decision not found", http.StatusNotFound)
			return
		}
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load team decision")
		http.Error(w, "failed to load decision", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decision)
}

func (a *DecisionAPI) handlePhaseDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	sessionID, phaseID := q.Get("session_id"), q.Get("phase_id")
	if sessionID == "" || phaseID == "" {
		http.Error(w, "session_id and phase_id are required", http.StatusBadRequest)
		return
	}

	decisions, err := a.repo.GetDecisionsByPhase(r.Context(), sessionID, phaseID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to load phase decisions")
		http.Error(w, "failed to load decisions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(decisions)
}
