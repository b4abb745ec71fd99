package decision

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

type fakeRepo struct {
	mu      sync.Mutex
	records map[string]models.DecisionPayload
	submits int
	failErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]models.DecisionPayload)}
}

func (r *fakeRepo) Submit(_ context.Context, sessionID, teamID, phaseID string, payload models.DecisionPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits++
	if r.failErr != nil {
		return r.failErr
	}
	// Keyed on (session, team, phase): a resubmission overwrites.
	r.records[sessionID+"/"+teamID+"/"+phaseID] = payload
	return nil
}

func (r *fakeRepo) record(key string) (models.DecisionPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.records[key]
	return p, ok
}

func floatPtr(v float64) *float64 { return &v }

func investPhase() PhaseConfig {
	return PhaseConfig{
		SessionID: "s1",
		TeamID:    "team-1",
		PhaseID:   "rd1-invest",
		PhaseType: models.PhaseTypeInvest,
		Budget:    250000,
		InvestmentOptions: []models.InvestmentOption{
			{ID: "opt-a", Name: "A. Strategic Plan", Cost: 50000, ReportLetter: "A"},
			{ID: "opt-b", Name: "B. Production Efficiency", Cost: 100000, ContinuationPrice: floatPtr(50000), ReportLetter: "B"},
			{ID: "opt-c", Name: "C. Expanded 2nd Shift", Cost: 75000, ReportLetter: "C", IsImmediate: true},
			{ID: "opt-d", Name: "D. Automation", Cost: 150000, ReportLetter: "D"},
		},
	}
}

func choicePhase(combos [][]string) PhaseConfig {
	return PhaseConfig{
		SessionID: "s1",
		TeamID:    "team-1",
		PhaseID:   "ch-x",
		PhaseType: models.PhaseTypeChoice,
		ChallengeOptions: []models.ChallengeOption{
			{ID: "A", Text: "Hold the line"},
			{ID: "B", Text: "Cut prices"},
			{ID: "C", Text: "Negotiate"},
			{ID: "D", Text: "Do nothing"},
		},
		AllowedCombinations: combos,
	}
}

func TestInvestment_BudgetValidity(t *testing.T) {
	tests := []struct {
		name      string
		toggles   []string
		wantSpend float64
		wantValid bool
	}{
		{"zero spend is a valid submission", nil, 0, true},
		{"partial spend", []string{"opt-a", "opt-b"}, 150000, true},
		{"exactly at budget", []string{"opt-a", "opt-b", "opt-c"}, 225000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(newFakeRepo())
			m.BeginPhase(investPhase())
			for _, id := range tt.toggles {
				require.NoError(t, m.ToggleInvestment(id))
			}
			assert.Equal(t, tt.wantSpend, m.SpentBudget())
			assert.Equal(t, tt.wantValid, m.IsValidSubmission())
		})
	}
}

func TestInvestment_OverBudgetRejectedAtBoundary(t *testing.T) {
	m := NewMachine(newFakeRepo())
	m.BeginPhase(investPhase())

	require.NoError(t, m.ToggleInvestment("opt-b")) // 100k
	require.NoError(t, m.ToggleInvestment("opt-d")) // 150k, at budget

	err := m.ToggleInvestment("opt-a")
	require.ErrorIs(t, err, ErrOverBudget)
	assert.Equal(t, 250000.0, m.SpentBudget(), "rejected toggle must not change spend")
	assert.True(t, m.IsValidSubmission(), "state stays valid after a blocked input")
}

func TestInvestment_ContinuationPricing(t *testing.T) {
	cfg := investPhase()
	cfg.PriorInvestmentIDs = []string{"opt-b"}
	m := NewMachine(newFakeRepo())
	m.BeginPhase(cfg)

	// opt-b held last round: continuation price applies.
	require.NoError(t, m.ToggleInvestment("opt-b"))
	assert.Equal(t, 50000.0, m.SpentBudget())
}

func TestInvestment_ImmediatePurchasesRecorded(t *testing.T) {
	repo := newFakeRepo()
	m := NewMachine(repo)
	m.BeginPhase(investPhase())

	require.NoError(t, m.ToggleInvestment("opt-a"))
	require.NoError(t, m.ToggleInvestment("opt-c"))

	payload := m.Payload()
	assert.Equal(t, []string{"opt-a", "opt-c"}, payload.SelectedInvestmentIDs)
	assert.Equal(t, []string{"opt-c"}, payload.ImmediatePurchaseIDs)
}

func TestChoice_SingleSelectionReplaces(t *testing.T) {
	m := NewMachine(newFakeRepo())
	m.BeginPhase(choicePhase(nil))

	assert.False(t, m.IsValidSubmission())
	require.NoError(t, m.ToggleChallengeOption("A"))
	assert.True(t, m.IsValidSubmission())

	require.NoError(t, m.ToggleChallengeOption("B"))
	assert.Equal(t, []string{"B"}, m.ChallengeSelection())
	assert.True(t, m.IsValidSubmission())
}

func TestChoice_MultiSelectWhitelist(t *testing.T) {
	combos := [][]string{{"A"}, {"B"}, {"C"}, {"D"}, {"A", "C"}, {"B", "C"}}

	t.Run("disallowed pair rejected at input", func(t *testing.T) {
		m := NewMachine(newFakeRepo())
		m.BeginPhase(choicePhase(combos))

		require.NoError(t, m.ToggleChallengeOption("A"))
		err := m.ToggleChallengeOption("B")
		require.ErrorIs(t, err, ErrCombinationBlocked)
		assert.Equal(t, []string{"A"}, m.ChallengeSelection(), "blocked option never selected")
		assert.True(t, m.IsValidSubmission())
	})

	t.Run("allowed pair reaches submittable state", func(t *testing.T) {
		m := NewMachine(newFakeRepo())
		m.BeginPhase(choicePhase(combos))

		require.NoError(t, m.ToggleChallengeOption("A"))
		require.NoError(t, m.ToggleChallengeOption("C"))
		assert.Equal(t, []string{"A", "C"}, m.ChallengeSelection())
		assert.True(t, m.IsValidSubmission())
	})

	t.Run("deselect reopens combinations", func(t *testing.T) {
		m := NewMachine(newFakeRepo())
		m.BeginPhase(choicePhase(combos))

		require.NoError(t, m.ToggleChallengeOption("A"))
		require.NoError(t, m.ToggleChallengeOption("A")) // deselect
		require.NoError(t, m.ToggleChallengeOption("B"))
		require.NoError(t, m.ToggleChallengeOption("C"))
		assert.Equal(t, []string{"B", "C"}, m.ChallengeSelection())
		assert.True(t, m.IsValidSubmission())
	})
}

func doubleDownPhase(priorIDs []string) PhaseConfig {
	cfg := investPhase()
	cfg.PhaseID = "rd3-double-down"
	cfg.PhaseType = models.PhaseTypeDoubleDown
	cfg.PriorInvestmentIDs = priorIDs
	return cfg
}

func TestDoubleDown_OwnershipFilter(t *testing.T) {
	// Team's recorded RD-3 selections: options lettered A and C.
	m := NewMachine(newFakeRepo())
	m.BeginPhase(doubleDownPhase([]string{"opt-a", "opt-c"}))

	targets := m.DoubleDownTargets()
	letters := make([]string, len(targets))
	for i, option := range targets {
		letters[i] = option.ReportLetter
	}
	assert.ElementsMatch(t, []string{"A", "C"}, letters)
}

func TestDoubleDown_SubFlow(t *testing.T) {
	m := NewMachine(newFakeRepo())
	m.BeginPhase(doubleDownPhase([]string{"opt-a", "opt-c"}))

	// Target selection is gated on the yes/no prompt.
	require.ErrorIs(t, m.SetSacrifice("opt-a"), ErrDoubleDownDeclined)
	assert.False(t, m.IsValidSubmission())

	// Declining is itself a valid submission.
	require.NoError(t, m.SetWantsDoubleDown(false))
	assert.True(t, m.IsValidSubmission())

	require.NoError(t, m.SetWantsDoubleDown(true))
	assert.False(t, m.IsValidSubmission())

	require.ErrorIs(t, m.SetSacrifice("opt-b"), ErrNotOwned)
	require.NoError(t, m.SetSacrifice("opt-a"))
	require.ErrorIs(t, m.SetDoubleDownTarget("opt-a"), ErrSameAsSacrifice)
	require.NoError(t, m.SetDoubleDownTarget("opt-c"))
	assert.True(t, m.IsValidSubmission())

	payload := m.Payload()
	assert.True(t, payload.WantsDoubleDown)
	assert.Equal(t, "opt-a", payload.SacrificeInvestmentID)
	assert.Equal(t, "opt-c", payload.DoubleDownTargetID)
}

func TestSubmit_FullFlowAndResubmitOverwrites(t *testing.T) {
	repo := newFakeRepo()
	m := NewMachine(repo)
	m.BeginPhase(investPhase())

	// $150,000 of selections.
	require.NoError(t, m.ToggleInvestment("opt-a"))
	require.NoError(t, m.ToggleInvestment("opt-b"))

	require.NoError(t, m.BeginConfirm())
	require.NoError(t, m.Submit(context.Background()))
	require.Equal(t, StateSubmitted, m.State())

	record, ok := repo.record("s1/team-1/rd1-invest")
	require.True(t, ok)
	assert.Equal(t, 150000.0, record.SpentBudget)

	// Edits are refused once submitted; the phase restarts for a changed
	// selection, and the resubmission overwrites the same record.
	require.ErrorIs(t, m.ToggleInvestment("opt-c"), ErrAlreadySubmitted)

	m.BeginPhase(investPhase())
	require.NoError(t, m.ToggleInvestment("opt-b"))
	require.NoError(t, m.ToggleInvestment("opt-b")) // deselect
	require.NoError(t, m.ToggleInvestment("opt-a"))
	require.NoError(t, m.ToggleInvestment("opt-d"))
	require.NoError(t, m.BeginConfirm())
	require.NoError(t, m.Submit(context.Background()))

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.records, 1, "same (team, phase) key overwrites")
	assert.Equal(t, 200000.0, repo.records["s1/team-1/rd1-invest"].SpentBudget)
}

func TestSubmit_ConfirmationRequired(t *testing.T) {
	m := NewMachine(newFakeRepo())
	m.BeginPhase(investPhase())

	err := m.Submit(context.Background())
	require.Error(t, err, "submit without confirmation must be refused")
	assert.Equal(t, StateEditing, m.State())

	require.NoError(t, m.BeginConfirm())
	require.NoError(t, m.CancelConfirm())
	assert.Equal(t, StateEditing, m.State(), "cancel returns to editing")
}

func TestSubmit_InvalidSelectionBlocksConfirm(t *testing.T) {
	m := NewMachine(newFakeRepo())
	m.BeginPhase(choicePhase(nil))

	err := m.BeginConfirm()
	require.ErrorIs(t, err, ErrInvalidSubmission)
	assert.NotEmpty(t, m.ValidationMessage())
}

func TestSubmit_FailurePreservesSelections(t *testing.T) {
	repo := newFakeRepo()
	repo.failErr = errors.New("persistence unavailable")
	m := NewMachine(repo)
	m.BeginPhase(investPhase())

	require.NoError(t, m.ToggleInvestment("opt-a"))
	require.NoError(t, m.BeginConfirm())

	err := m.Submit(context.Background())
	require.Error(t, err)
	require.Equal(t, StateError, m.State())
	assert.ErrorContains(t, m.SubmitError(), "persistence unavailable")

	// Selections survive the failure; manual retry succeeds.
	require.NoError(t, m.AcknowledgeError())
	assert.Equal(t, []string{"opt-a"}, m.Payload().SelectedInvestmentIDs)

	repo.failErr = nil
	require.NoError(t, m.BeginConfirm())
	require.NoError(t, m.Submit(context.Background()))
	assert.Equal(t, StateSubmitted, m.State())
}

func TestPhaseChange_ResetsState(t *testing.T) {
	m := NewMachine(newFakeRepo())
	m.BeginPhase(investPhase())
	require.NoError(t, m.ToggleInvestment("opt-a"))

	m.BeginPhase(choicePhase(nil))
	assert.Equal(t, 0.0, m.SpentBudget())
	assert.Empty(t, m.Payload().SelectedInvestmentIDs)

	m.EndPhase()
	assert.Equal(t, StateIdle, m.State())
	require.ErrorIs(t, m.ToggleChallengeOption("A"), ErrNotEditing)
}
