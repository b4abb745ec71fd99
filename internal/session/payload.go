package session

import (
	"time"

	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// HostBroadcastPayload is the canonical session display state. It is always
// broadcast in full, never as a delta: applying the same payload twice is a
// no-op in effect, and a late joiner is correct as soon as it receives one.
type HostBroadcastPayload struct {
	CurrentSlideID string           `json:"currentSlideId"`
	PhaseID        string           `json:"phaseId"`
	PhaseType      models.PhaseType `json:"phaseType"`
	Round          int              `json:"round"`

	VideoPlaying bool     `json:"videoPlaying"`
	VideoTime    *float64 `json:"videoTime,omitempty"`
	TriggerSeek  bool     `json:"triggerSeek,omitempty"`

	DecisionWindowOpen bool   `json:"decisionWindowOpen"`
	DecisionOptionsKey string `json:"decisionOptionsKey,omitempty"`
	// Absolute deadline in epoch milliseconds, not a countdown, so late
	// joiners compute remaining time correctly. Zero means no timer.
	DecisionTimerEndsAt int64 `json:"decisionPhaseTimerEndTime,omitempty"`
}

// Equal compares payloads by value, including the optional video time.
func (p HostBroadcastPayload) Equal(other HostBroadcastPayload) bool {
	a, b := p, other
	a.VideoTime, b.VideoTime = nil, nil
	if a != b {
		return false
	}
	switch {
	case p.VideoTime == nil && other.VideoTime == nil:
		return true
	case p.VideoTime == nil || other.VideoTime == nil:
		return false
	default:
		return *p.VideoTime == *other.VideoTime
	}
}

// RemainingDecisionTime recomputes remaining time locally from the absolute
// deadline, clamped at zero, independent of when the display joined.
func (p HostBroadcastPayload) RemainingDecisionTime(now time.Time) time.Duration {
	if p.DecisionTimerEndsAt == 0 {
		return 0
	}
	remaining := time.UnixMilli(p.DecisionTimerEndsAt).Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
