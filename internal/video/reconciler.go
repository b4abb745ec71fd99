// Package video keeps non-host displays' playback reconciled to the host.
// The host's live video element is the single writer of truth; receivers
// apply whatever snapshot arrives, tolerating duplicates and reordering
// from overlapping broadcast intervals.
package video

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/sirrus7/ready-or-not-sub005/internal/broadcast"
	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// Element is the local playback surface a display owns exclusively.
type Element interface {
	Play() error
	Pause() error
	Seek(seconds float64) error
	SetVolume(volume float64) error
}

// SlideChanger swaps the displayed slide. Video state is meaningless
// against the wrong slide, so the reconciler always swaps first.
type SlideChanger func(slideID string)

const defaultSeekRearmDelay = 100 * time.Millisecond

// Reconciler applies host video broadcasts to a local element.
type Reconciler struct {
	clock          clockwork.Clock
	seekRearmDelay time.Duration

	mu           sync.Mutex
	element      Element
	onSlide      SlideChanger
	currentSlide string
	lastKey      string
}

// NewReconciler creates a reconciler; the element attaches later, once the
// display mounts it.
func NewReconciler(clock clockwork.Clock, onSlide SlideChanger) *Reconciler {
	return &Reconciler{
		clock:          clock,
		seekRearmDelay: defaultSeekRearmDelay,
		onSlide:        onSlide,
	}
}

// Attach installs the local video element.
func (r *Reconciler) Attach(el Element) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.element = el
}

// Detach removes the local video element; subsequent updates are dropped
// until the next Attach.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.element = nil
}

// CurrentSlide returns the slide id last applied.
func (r *Reconciler) CurrentSlide() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentSlide
}

// HandleMessage decodes a VIDEO_STATE_UPDATE or VIDEO_CONTROL envelope and
// applies it. Intended as a transport Subscribe handler.
func (r *Reconciler) HandleMessage(msg broadcast.Message) {
	payload, err := broadcast.ParsePayload(msg)
	if err != nil {
		log.Warn().Err(err).Str("type", string(msg.Type)).Msg("malformed video payload")
		return
	}
	switch p := payload.(type) {
	case broadcast.VideoStatePayload:
		r.ApplyState(string(msg.Type), p)
	case broadcast.VideoControlPayload:
		r.ApplyControl(p)
	}
}

// ApplyState reconciles the local element to a host snapshot.
func (r *Reconciler) ApplyState(msgType string, p broadcast.VideoStatePayload) {
	r.mu.Lock()

	if r.element == nil {
		// Not mounted yet: drop without recording the dedup key so the next
		// periodic broadcast re-delivers.
		r.mu.Unlock()
		return
	}

	key := dedupKey(msgType, p)
	if key == r.lastKey {
		r.mu.Unlock()
		return
	}
	r.lastKey = key

	if p.SlideID != "" && p.SlideID != r.currentSlide {
		r.currentSlide = p.SlideID
		onSlide := r.onSlide
		r.mu.Unlock()
		if onSlide != nil {
			onSlide(p.SlideID)
		}
		r.mu.Lock()
	}

	el := r.element
	seek := p.TriggerSeek
	r.mu.Unlock()

	if el == nil {
		return
	}

	if p.VideoState.Playing {
		if err := el.Play(); err != nil {
			log.Warn().Err(err).Msg("video play failed")
		}
	} else {
		if err := el.Pause(); err != nil {
			log.Warn().Err(err).Msg("video pause failed")
		}
	}

	if seek {
		if err := el.Seek(p.VideoState.CurrentTime); err != nil {
			log.Warn().Err(err).Msg("video seek failed")
		}
		// The seek trigger is edge-triggered: re-arm after a short delay so
		// a later identical snapshot can force another seek.
		r.clock.AfterFunc(r.seekRearmDelay, func() {
			r.mu.Lock()
			if r.lastKey == key {
				r.lastKey = ""
			}
			r.mu.Unlock()
		})
	}
}

// ApplyControl applies a direct host control verb.
func (r *Reconciler) ApplyControl(p broadcast.VideoControlPayload) {
	r.mu.Lock()
	el := r.element
	r.mu.Unlock()
	if el == nil {
		return
	}

	var err error
	switch p.Action {
	case broadcast.VideoActionPlay:
		err = el.Play()
	case broadcast.VideoActionPause:
		err = el.Pause()
	case broadcast.VideoActionSeek:
		if p.Value != nil {
			err = el.Seek(*p.Value)
		}
	case broadcast.VideoActionSetVolume:
		if p.Value != nil {
			err = el.SetVolume(*p.Value)
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("action", string(p.Action)).Msg("video control failed")
	}
}

// dedupKey is the coarse identity of a snapshot: time is rounded to tenths
// of a second so overlapping timers producing near-identical updates
// collapse without strict sequence numbers.
func dedupKey(msgType string, p broadcast.VideoStatePayload) string {
	return fmt.Sprintf("%s|%s|%t|%d|%t",
		msgType, p.SlideID, p.VideoState.Playing,
		int64(p.VideoState.CurrentTime*10), p.TriggerSeek)
}

// Publisher broadcasts the host element's state to every display.
type Publisher struct {
	transport *broadcast.Transport
}

// NewPublisher wraps the host-side transport.
func NewPublisher(transport *broadcast.Transport) *Publisher {
	return &Publisher{transport: transport}
}

// PublishState sends a full playback snapshot for the given slide.
func (p *Publisher) PublishState(slideID string, state models.VideoState, triggerSeek bool) error {
	return p.transport.Send(broadcast.MessageTypeVideoStateUpdate, broadcast.VideoStatePayload{
		SlideID:     slideID,
		VideoState:  state,
		TriggerSeek: triggerSeek,
	})
}

// PublishControl sends a direct control verb.
func (p *Publisher) PublishControl(action broadcast.VideoControlAction, value *float64) error {
	return p.transport.Send(broadcast.MessageTypeVideoControl, broadcast.VideoControlPayload{
		Action: action,
		Value:  value,
	})
}
