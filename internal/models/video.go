package models

// VideoState is a snapshot of host video playback. The host's live video
// element is the single source of truth; every other copy is a reconciled
// snapshot and always considered stale relative to the host.
type VideoState struct {
	Playing     bool    `json:"playing"`
	CurrentTime float64 `json:"current_time"`
	Duration    float64 `json:"duration"`
	Volume      float64 `json:"volume"`
	LastUpdate  int64   `json:"last_update"` // producer clock, epoch ms
}
