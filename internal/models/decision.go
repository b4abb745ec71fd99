package models

import "time"

// DecisionPayload is the full decision a team submits for one phase.
// Persistence is keyed on (session, team, phase) so a resubmission
// overwrites rather than duplicates.
type DecisionPayload struct {
	SelectedInvestmentIDs []string `json:"selected_investment_ids,omitempty"`
	ImmediatePurchaseIDs  []string `json:"immediate_purchase_ids,omitempty"`
	SpentBudget           float64  `json:"spent_budget"`
	ChallengeOptionIDs    []string `json:"challenge_option_ids,omitempty"`
	WantsDoubleDown       bool     `json:"wants_double_down,omitempty"`
	SacrificeInvestmentID string   `json:"sacrifice_investment_id,omitempty"`
	DoubleDownTargetID    string   `json:"double_down_target_id,omitempty"`
}

// TeamDecision is a persisted decision record.
type TeamDecision struct {
	SessionID   string          `json:"session_id"`
	TeamID      string          `json:"team_id"`
	PhaseID     string          `json:"phase_id"`
	Payload     DecisionPayload `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
}
