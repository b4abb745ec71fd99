package broadcast

import (
	"encoding/json"
	"time"

	"github.com/sirrus7/ready-or-not-sub005/internal/models"
)

// Message is the envelope for every broadcast on a session channel.
// Timestamp is producer-clock epoch milliseconds; it is used for latency
// computation and staleness checks and is never assumed synchronized across
// peers to sub-second precision.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"sessionId"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageType enumerates every message the session protocol carries.
type MessageType string

const (
	MessageTypePing                MessageType = "PING"
	MessageTypePong                MessageType = "PONG"
	MessageTypePresentationReady   MessageType = "PRESENTATION_READY"
	MessageTypeSessionEnded        MessageType = "SESSION_ENDED"
	MessageTypeSessionEndedByHost  MessageType = "SESSION_ENDED_BY_TEACHER"
	MessageTypeTeacherStateUpdate  MessageType = "teacher_state_update"
	MessageTypeDisplayReady        MessageType = "STUDENT_DISPLAY_READY"
	MessageTypeDisplayRequestState MessageType = "STUDENT_DISPLAY_REQUEST_STATE"
	MessageTypeDisplayClosing      MessageType = "STUDENT_DISPLAY_CLOSING"
	MessageTypeVideoControl        MessageType = "VIDEO_CONTROL"
	MessageTypeVideoStateUpdate    MessageType = "VIDEO_STATE_UPDATE"
	MessageTypeSlideUpdate         MessageType = "SLIDE_UPDATE"
)

// PingPayload is carried by PING messages.
type PingPayload struct {
	ConnectionType    models.ConnectionType `json:"connectionType"`
	RequestVideoState bool                  `json:"requestVideoState,omitempty"`
}

// PongPayload is carried by PONG messages. Latency is computed by the pong
// sender as now minus the originating ping's timestamp.
type PongPayload struct {
	ConnectionType models.ConnectionType `json:"connectionType"`
	LatencyMS      int64                 `json:"latency"`
	VideoState     *models.VideoState    `json:"videoState,omitempty"`
}

// PresentationReadyPayload announces a presentation display before the
// first heartbeat round trip completes.
type PresentationReadyPayload struct {
	ConnectionType models.ConnectionType `json:"connectionType"`
}

// DisplayPayload is carried by the STUDENT_DISPLAY_* family.
type DisplayPayload struct {
	SessionID string `json:"sessionId"`
}

// VideoControlAction enumerates direct control verbs the host can issue.
type VideoControlAction string

const (
	VideoActionPlay      VideoControlAction = "play"
	VideoActionPause     VideoControlAction = "pause"
	VideoActionSeek      VideoControlAction = "seek"
	VideoActionSetVolume VideoControlAction = "volume"
)

// VideoControlPayload is carried by VIDEO_CONTROL messages.
type VideoControlPayload struct {
	Action VideoControlAction `json:"action"`
	Value  *float64           `json:"value,omitempty"`
}

// VideoStatePayload is carried by VIDEO_STATE_UPDATE messages.
type VideoStatePayload struct {
	SlideID     string            `json:"slideId"`
	VideoState  models.VideoState `json:"videoState"`
	TriggerSeek bool              `json:"triggerSeek,omitempty"`
}

// SlideUpdatePayload is carried by SLIDE_UPDATE messages.
type SlideUpdatePayload struct {
	Slide models.Slide `json:"slide"`
}

// NewMessage builds an envelope stamped with the producer clock.
func NewMessage(msgType MessageType, sessionID string, payload interface{}, now time.Time) (Message, error) {
	msg := Message{
		Type:      msgType,
		SessionID: sessionID,
		Timestamp: now.UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Data = data
	}
	return msg, nil
}

// ParsePayload decodes a message's data into the payload struct for its
// type. Unknown types return (nil, nil) so bridges can pass them through.
func ParsePayload(msg Message) (interface{}, error) {
	switch msg.Type {
	case MessageTypePing:
		var p PingPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypePong:
		var p PongPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypePresentationReady:
		var p PresentationReadyPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeDisplayReady, MessageTypeDisplayRequestState, MessageTypeDisplayClosing:
		var p DisplayPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeVideoControl:
		var p VideoControlPayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeVideoStateUpdate:
		var p VideoStatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	case MessageTypeSlideUpdate:
		var p SlideUpdatePayload
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, nil
	}
}
