// Package decision runs the per-team decision flow for one interactive
// phase: local selection state, validation at the input boundary, explicit
// confirmation, and an idempotent submit to the persistence collaborator.
package decision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// State enumerates the machine's states. Submitted is terminal for the
// phase; Error is recoverable and returns to Editing with all selections
// preserved.
type State string

const (
	StateIdle       State = "idle"
	StateEditing    State = "editing"
	StateConfirming State = "confirming"
	StateSubmitting State = "submitting"
	StateSubmitted  State = "submitted"
	StateError      State = "error"
)

// Repository is the external persistence collaborator. Submit must be
// idempotent per (team, phase): a resubmission overwrites.
type Repository interface {
	Submit(ctx context.Context, sessionID, teamID, phaseID string, payload models.DecisionPayload) error
}

// Selection-boundary errors. These block the invalid input, never the
// machine.
var (
	ErrNotEditing          = errors.New("no decision phase is being edited")
	ErrOverBudget          = errors.New("selection exceeds the phase budget")
	ErrCombinationBlocked  = errors.New("option combination is not allowed for this challenge")
	ErrUnknownOption       = errors.New("unknown option id")
	ErrNotOwned            = errors.New("team does not own this investment")
	ErrSameAsSacrifice     = errors.New("double-down target must differ from the sacrifice")
	ErrInvalidSubmission   = errors.New("selection is not valid for submission")
	ErrAlreadySubmitted    = errors.New("decision already submitted for this phase")
	ErrSubmitInProgress    = errors.New("a submit is already in progress")
	ErrDoubleDownDeclined  = errors.New("double-down was declined")
	ErrConfirmationPending = errors.New("confirmation is pending")
)

// PhaseConfig describes the active decision phase.
type PhaseConfig struct {
	SessionID string
	TeamID    string
	PhaseID   string
	PhaseType models.PhaseType

	// Investment mode.
	Budget            float64
	InvestmentOptions []models.InvestmentOption
	// Investment ids the team held in the prior round; drives continuation
	// pricing and double-down ownership.
	PriorInvestmentIDs []string

	// Choice mode.
	ChallengeOptions []models.ChallengeOption
	// Non-nil marks the challenge multi-select; selections must stay inside
	// this whitelist.
	AllowedCombinations [][]string
}

// Machine is the decision state machine for one team and one phase.
type Machine struct {
	repo Repository

	mu    sync.Mutex
	cfg   PhaseConfig
	state State

	selected  map[string]bool
	immediate map[string]bool
	spent     float64

	challengeSelection []string

	wantsDoubleDown  *bool
	sacrificeID      string
	doubleDownTarget string

	validationMessage string
	submitErr         error

	optionsByID map[string]models.InvestmentOption
	priorOwned  map[string]bool
}

// NewMachine creates a machine in Idle.
func NewMachine(repo Repository) *Machine {
	return &Machine{repo: repo, state: StateIdle}
}

// State returns the current machine state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BeginPhase initializes fresh decision state for an active phase, replacing
// whatever phase was in progress. This is also the only way out of
// Submitted.
func (m *Machine) BeginPhase(cfg PhaseConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg = cfg
	m.state = StateEditing
	m.selected = make(map[string]bool)
	m.immediate = make(map[string]bool)
	m.spent = 0
	m.challengeSelection = nil
	m.wantsDoubleDown = nil
	m.sacrificeID = ""
	m.doubleDownTarget = ""
	m.validationMessage = ""
	m.submitErr = nil

	m.optionsByID = make(map[string]models.InvestmentOption, len(cfg.InvestmentOptions))
	for _, option := range cfg.InvestmentOptions {
		m.optionsByID[option.ID] = option
	}
	m.priorOwned = make(map[string]bool, len(cfg.PriorInvestmentIDs))
	for _, id := range cfg.PriorInvestmentIDs {
		m.priorOwned[id] = true
	}

	m.revalidateLocked()
}

// EndPhase returns the machine to Idle, discarding local state.
func (m *Machine) EndPhase() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
	m.selected = nil
	m.immediate = nil
	m.challengeSelection = nil
}

// ToggleInvestment adds or removes an investment pick. Adding a pick that
// would push spend past the budget is rejected at the boundary so the user
// never sees an invalid-but-selected state.
func (m *Machine) ToggleInvestment(optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.editableLocked(); err != nil {
		return err
	}
	option, ok := m.optionsByID[optionID]
	if !ok {
		return ErrUnknownOption
	}

	if m.selected[optionID] {
		delete(m.selected, optionID)
		delete(m.immediate, optionID)
	} else {
		price := option.PriceFor(m.priorOwned[optionID])
		if m.spent+price > m.cfg.Budget {
			return fmt.Errorf("%w: %s costs %.0f with %.0f remaining",
				ErrOverBudget, option.ID, price, m.cfg.Budget-m.spent)
		}
		m.selected[optionID] = true
		if option.IsImmediate {
			m.immediate[optionID] = true
		}
	}

	m.recomputeSpendLocked()
	m.revalidateLocked()
	return nil
}

// SpentBudget returns the current spend.
func (m *Machine) SpentBudget() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spent
}

// RemainingBudget returns budget minus spend.
func (m *Machine) RemainingBudget() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.Budget - m.spent
}

// ToggleChallengeOption selects or deselects a challenge option. In
// single-choice mode a new selection replaces the old. In multi-select mode
// the resulting set must stay inside the allowed-combination whitelist;
// an addition that leaves it is rejected here, not at submit time.
func (m *Machine) ToggleChallengeOption(optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.editableLocked(); err != nil {
		return err
	}
	if !m.knownChallengeOptionLocked(optionID) {
		return ErrUnknownOption
	}

	if idx := indexOf(m.challengeSelection, optionID); idx >= 0 {
		m.challengeSelection = append(m.challengeSelection[:idx], m.challengeSelection[idx+1:]...)
		m.revalidateLocked()
		return nil
	}

	if m.cfg.AllowedCombinations == nil {
		// Single-choice: replace.
		m.challengeSelection = []string{optionID}
		m.revalidateLocked()
		return nil
	}

	candidate := append(append([]string{}, m.challengeSelection...), optionID)
	if !subsetOfAnyCombination(candidate, m.cfg.AllowedCombinations) {
		return fmt.Errorf("%w: %v", ErrCombinationBlocked, candidate)
	}
	m.challengeSelection = candidate
	m.revalidateLocked()
	return nil
}

// ChallengeSelection returns the current challenge picks in selection order.
func (m *Machine) ChallengeSelection() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.challengeSelection...)
}

// SetWantsDoubleDown answers the yes/no gate of the double-down sub-flow.
// Only a "yes" activates the sacrifice/target selection.
func (m *Machine) SetWantsDoubleDown(wants bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.editableLocked(); err != nil {
		return err
	}
	m.wantsDoubleDown = &wants
	if !wants {
		m.sacrificeID = ""
		m.doubleDownTarget = ""
	}
	m.revalidateLocked()
	return nil
}

// SetSacrifice picks the investment to give up. It must be owned from the
// prior investment round.
func (m *Machine) SetSacrifice(optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.doubleDownActiveLocked(); err != nil {
		return err
	}
	if !m.priorOwned[optionID] {
		return ErrNotOwned
	}
	if optionID == m.doubleDownTarget {
		return ErrSameAsSacrifice
	}
	m.sacrificeID = optionID
	m.revalidateLocked()
	return nil
}

// SetDoubleDownTarget picks the investment to amplify. It must be owned and
// must differ from the sacrifice.
func (m *Machine) SetDoubleDownTarget(optionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.doubleDownActiveLocked(); err != nil {
		return err
	}
	if !m.priorOwned[optionID] {
		return ErrNotOwned
	}
	if optionID == m.sacrificeID {
		return ErrSameAsSacrifice
	}
	m.doubleDownTarget = optionID
	m.revalidateLocked()
	return nil
}

// DoubleDownTargets lists the options the team may double down on: exactly
// those it owns from the prior investment round, matched on stored ids.
func (m *Machine) DoubleDownTargets() []models.InvestmentOption {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []models.InvestmentOption
	for _, option := range m.cfg.InvestmentOptions {
		if m.priorOwned[option.ID] {
			owned = append(owned, option)
		}
	}
	return owned
}

// IsValidSubmission reports whether the current selection can be submitted.
func (m *Machine) IsValidSubmission() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validLocked()
}

// ValidationMessage returns the reason a selection is not submittable, or
// "" when it is.
func (m *Machine) ValidationMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.validationMessage
}

// BeginConfirm moves Editing → Confirming. Submission requires an explicit
// human confirmation step first.
func (m *Machine) BeginConfirm() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateEditing {
		return m.wrongStateLocked()
	}
	if !m.validLocked() {
		return fmt.Errorf("%w: %s", ErrInvalidSubmission, m.validationMessage)
	}
	m.state = StateConfirming
	return nil
}

// CancelConfirm returns to Editing with no state loss.
func (m *Machine) CancelConfirm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConfirming {
		return m.wrongStateLocked()
	}
	m.state = StateEditing
	return nil
}

// Submit persists the decision. Requires Confirming; concurrent submits are
// refused while one is in flight. On failure the machine moves to Error
// with every selection preserved; retry is manual, never automatic.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateConfirming {
		err := m.wrongStateLocked()
		m.mu.Unlock()
		return err
	}
	m.state = StateSubmitting
	m.submitErr = nil
	payload := m.payloadLocked()
	cfg := m.cfg
	m.mu.Unlock()

	err := m.repo.Submit(ctx, cfg.SessionID, cfg.TeamID, cfg.PhaseID, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateError
		m.submitErr = err
		log.Warn().
			Err(err).
			Str("team_id", cfg.TeamID).
			Str("phase_id", cfg.PhaseID).
			Msg("decision submission failed")
		return fmt.Errorf("failed to submit decision: %w", err)
	}

	m.state = StateSubmitted
	log.Info().
		Str("team_id", cfg.TeamID).
		Str("phase_id", cfg.PhaseID).
		Float64("spent", payload.SpentBudget).
		Msg("decision submitted")
	return nil
}

// SubmitError returns the failure that put the machine in Error.
func (m *Machine) SubmitError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitErr
}

// AcknowledgeError returns Error → Editing, selections intact.
func (m *Machine) AcknowledgeError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return m.wrongStateLocked()
	}
	m.state = StateEditing
	return nil
}

// Payload builds the decision payload from current selections.
func (m *Machine) Payload() models.DecisionPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payloadLocked()
}

func (m *Machine) payloadLocked() models.DecisionPayload {
	payload := models.DecisionPayload{
		SelectedInvestmentIDs: sortedKeys(m.selected),
		ImmediatePurchaseIDs:  sortedKeys(m.immediate),
		SpentBudget:           m.spent,
		ChallengeOptionIDs:    append([]string{}, m.challengeSelection...),
		SacrificeInvestmentID: m.sacrificeID,
		DoubleDownTargetID:    m.doubleDownTarget,
	}
	if m.wantsDoubleDown != nil {
		payload.WantsDoubleDown = *m.wantsDoubleDown
	}
	return payload
}

func (m *Machine) editableLocked() error {
	if m.state != StateEditing {
		return m.wrongStateLocked()
	}
	return nil
}

func (m *Machine) doubleDownActiveLocked() error {
	if err := m.editableLocked(); err != nil {
		return err
	}
	if m.wantsDoubleDown == nil || !*m.wantsDoubleDown {
		return ErrDoubleDownDeclined
	}
	return nil
}

func (m *Machine) wrongStateLocked() error {
	switch m.state {
	case StateIdle:
		return ErrNotEditing
	case StateSubmitted:
		return ErrAlreadySubmitted
	case StateSubmitting:
		return ErrSubmitInProgress
	case StateConfirming:
		return ErrConfirmationPending
	default:
		return fmt.Errorf("operation not allowed in state %s", m.state)
	}
}

func (m *Machine) recomputeSpendLocked() {
	total := 0.0
	for id := range m.selected {
		option := m.optionsByID[id]
		total += option.PriceFor(m.priorOwned[id])
	}
	m.spent = total
}

func (m *Machine) revalidateLocked() {
	m.validationMessage = ""
	if !m.validLocked() && m.validationMessage == "" {
		m.validationMessage = "selection incomplete"
	}
}

// validLocked computes the phase-specific isValidSubmission predicate. It
// may set validationMessage as a side effect.
func (m *Machine) validLocked() bool {
	switch m.cfg.PhaseType {
	case models.PhaseTypeInvest:
		// Any non-negative spend up to budget is valid, including zero.
		if m.spent < 0 || m.spent > m.cfg.Budget {
			m.validationMessage = "spend exceeds budget"
			return false
		}
		return true

	case models.PhaseTypeChoice:
		if m.cfg.AllowedCombinations == nil {
			if len(m.challengeSelection) != 1 {
				m.validationMessage = "choose exactly one option"
				return false
			}
			return true
		}
		if !matchesAnyCombination(m.challengeSelection, m.cfg.AllowedCombinations) {
			m.validationMessage = "selection is not an allowed combination"
			return false
		}
		return true

	case models.PhaseTypeDoubleDown:
		if m.wantsDoubleDown == nil {
			m.validationMessage = "answer the double-down prompt"
			return false
		}
		if !*m.wantsDoubleDown {
			return true
		}
		if m.sacrificeID == "" || m.doubleDownTarget == "" {
			m.validationMessage = "pick a sacrifice and a double-down target"
			return false
		}
		if m.sacrificeID == m.doubleDownTarget {
			m.validationMessage = "sacrifice and target must differ"
			return false
		}
		return true

	default:
		m.validationMessage = "phase does not accept decisions"
		return false
	}
}

func (m *Machine) knownChallengeOptionLocked(id string) bool {
	for _, option := range m.cfg.ChallengeOptions {
		if option.ID == id {
			return true
		}
	}
	return false
}

func indexOf(list []string, target string) int {
	for i, v := range list {
		if v == target {
			return i
		}
	}
	return -1
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

// subsetOfAnyCombination reports whether the candidate set can still grow
// into an allowed combination (used to gate additions at the boundary).
func subsetOfAnyCombination(candidate []string, combos [][]string) bool {
	want := asSet(candidate)
	for _, combo := range combos {
		have := asSet(combo)
		covered := true
		for id := range want {
			if !have[id] {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// matchesAnyCombination reports whether the selection equals an allowed
// combination exactly (order-insensitive).
func matchesAnyCombination(selection []string, combos [][]string) bool {
	want := asSet(selection)
	for _, combo := range combos {
		if len(combo) != len(want) {
			continue
		}
		match := true
		for _, id := range combo {
			if !want[id] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
