package models

// SlideType defines the kind of content a slide carries.
type SlideType string

const (
	SlideTypeVideo       SlideType = "video"
	SlideTypeImage       SlideType = "image"
	SlideTypeInteractive SlideType = "interactive"
	SlideTypeReveal      SlideType = "reveal"
	SlideTypeLeaderboard SlideType = "leaderboard"
)

// PhaseType defines how a game phase collects team decisions, if at all.
type PhaseType string

const (
	PhaseTypeNarration   PhaseType = "narration"
	PhaseTypeInvest      PhaseType = "interactive_invest"
	PhaseTypeChoice      PhaseType = "interactive_choice"
	PhaseTypeDoubleDown  PhaseType = "interactive_double_down"
	PhaseTypeConsequence PhaseType = "consequence"
	PhaseTypePayoff      PhaseType = "payoff"
	PhaseTypeLeaderboard PhaseType = "leaderboard"
)

// IsInteractive reports whether the phase opens a decision window.
func (t PhaseType) IsInteractive() bool {
	switch t {
	case PhaseTypeInvest, PhaseTypeChoice, PhaseTypeDoubleDown:
		return true
	}
	return false
}

// Slide is the smallest unit of host-controlled content shown to displays.
type Slide struct {
	ID                 string    `json:"id" yaml:"id"`
	PhaseID            string    `json:"phase_id" yaml:"phase_id"`
	Type               SlideType `json:"type" yaml:"type"`
	Title              string    `json:"title,omitempty" yaml:"title,omitempty"`
	VideoURL           string    `json:"video_url,omitempty" yaml:"video_url,omitempty"`
	InteractiveDataKey string    `json:"interactive_data_key,omitempty" yaml:"interactive_data_key,omitempty"`
	TimerSeconds       int       `json:"timer_seconds,omitempty" yaml:"timer_seconds,omitempty"`
}

// GamePhaseNode is a named stage of the game composed of one or more slides.
type GamePhaseNode struct {
	ID       string    `json:"id" yaml:"id"`
	Type     PhaseType `json:"type" yaml:"type"`
	Round    int       `json:"round" yaml:"round"`
	Label    string    `json:"label,omitempty" yaml:"label,omitempty"`
	SlideIDs []string  `json:"slide_ids" yaml:"slide_ids"`
}

// InvestmentOption is one purchasable item in an investment phase.
// ReportLetter is the stored report identity; it is never re-derived from
// Name at decision time (the catalog validates the two agree at load).
type InvestmentOption struct {
	ID                string   `json:"id" yaml:"id"`
	Name              string   `json:"name" yaml:"name"`
	Cost              float64  `json:"cost" yaml:"cost"`
	ContinuationPrice *float64 `json:"continuation_price,omitempty" yaml:"continuation_price,omitempty"`
	ReportLetter      string   `json:"report_letter,omitempty" yaml:"report_letter,omitempty"`
	IsImmediate       bool     `json:"is_immediate,omitempty" yaml:"is_immediate,omitempty"`
}

// PriceFor returns the effective cost for a team, applying continuation
// pricing when the team already held this option in the prior round.
func (o InvestmentOption) PriceFor(heldPriorRound bool) float64 {
	if heldPriorRound && o.ContinuationPrice != nil {
		return *o.ContinuationPrice
	}
	return o.Cost
}

// ChallengeOption is one selectable answer in a choice phase.
type ChallengeOption struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}
