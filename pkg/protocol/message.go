// Package protocol defines the event names and payloads exchanged with the
// processing server, and the envelope used on the dashboard websockets.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Socket.IO event names
const (
	// Dashboard → Server
	EventStartProcessing = "start_processing" // StartConfig
	EventStopProcessing  = "stop_processing"  // StopCommand
	EventUpdateLogging   = "update_logging"   // LoggingUpdate
	EventShutdownServer  = "shutdown_server"  // no payload

	// Server → Dashboard
	EventDataUpdate = "data_update" // telemetry tick
	EventStatus     = "status"      // StatusMessage
)

// ErrMirrorMismatch is returned when the legacy camera keys disagree with
// the named ones.
var ErrMirrorMismatch = errors.New("protocol: legacy camera keys do not mirror named keys")

// ErrNoSource is returned when a camera has no device index or URL.
var ErrNoSource = errors.New("protocol: camera source is empty")

// =============================================================================
// Dashboard → Server Payloads
// =============================================================================

// CameraMode is how a camera source is selected in the dashboard.
type CameraMode string

const (
	CameraModeIndex CameraMode = "INDEX"  // local device index
	CameraModeIPURL CameraMode = "IP_URL" // network stream URL
)

// Valid reports whether m is a known mode.
func (m CameraMode) Valid() bool {
	return m == CameraModeIndex || m == CameraModeIPURL
}

// SourceType is the camera discriminator the server expects.
type SourceType string

const (
	SourceWebcam SourceType = "Webcam"
	SourceIP     SourceType = "IP"
)

// SourceTypeFor maps a dashboard camera mode to the server's discriminator.
// Anything but INDEX is treated as a network source.
func SourceTypeFor(m CameraMode) SourceType {
	if m == CameraModeIndex {
		return SourceWebcam
	}
	return SourceIP
}

// Camera is one logical camera channel as configured in the dashboard.
type Camera struct {
	Mode  CameraMode `json:"mode" yaml:"mode"`
	Value string     `json:"value" yaml:"value"` // device index or stream URL
	Model string     `json:"model" yaml:"model"` // model file path on the server
}

// StartConfig is the start_processing payload. Camera 1 feeds tilt and
// gaze, camera 2 feeds posture. The cam1_/cam2_ keys are kept for older
// servers and always mirror the tilt_/posture_ keys.
type StartConfig struct {
	UseTilt    bool `json:"use_tilt"`
	UsePosture bool `json:"use_posture"`
	UseGaze    bool `json:"use_gaze"`
	Logging    bool `json:"logging"`

	TiltModel string     `json:"tilt_model"`
	TiltType  SourceType `json:"tilt_type"`
	TiltVal   string     `json:"tilt_val"`

	PostureModel string     `json:"posture_model"`
	PostureType  SourceType `json:"posture_type"`
	PostureVal   string     `json:"posture_val"`

	Cam1Type SourceType `json:"cam1_type"`
	Cam1Val  string     `json:"cam1_val"`
	Cam2Type SourceType `json:"cam2_type"`
	Cam2Val  string     `json:"cam2_val"`
}

// Validate checks the legacy mirror contract and that both cameras name
// a source.
func (c StartConfig) Validate() error {
	switch {
	case c.Cam1Type != c.TiltType:
		return fmt.Errorf("%w: cam1_type=%q tilt_type=%q", ErrMirrorMismatch, c.Cam1Type, c.TiltType)
	case c.Cam1Val != c.TiltVal:
		return fmt.Errorf("%w: cam1_val=%q tilt_val=%q", ErrMirrorMismatch, c.Cam1Val, c.TiltVal)
	case c.Cam2Type != c.PostureType:
		return fmt.Errorf("%w: cam2_type=%q posture_type=%q", ErrMirrorMismatch, c.Cam2Type, c.PostureType)
	case c.Cam2Val != c.PostureVal:
		return fmt.Errorf("%w: cam2_val=%q posture_val=%q", ErrMirrorMismatch, c.Cam2Val, c.PostureVal)
	case c.TiltVal == "":
		return fmt.Errorf("%w: tilt", ErrNoSource)
	case c.PostureVal == "":
		return fmt.Errorf("%w: posture", ErrNoSource)
	}
	return nil
}

// StopCommand is the stop_processing payload.
type StopCommand struct {
	Force bool `json:"force"`
}

// LoggingUpdate is the update_logging payload.
type LoggingUpdate struct {
	Logging bool `json:"logging"`
}

// =============================================================================
// Server → Dashboard Payloads
// =============================================================================

// StatusMessage is the server's advisory reply to commands.
type StatusMessage struct {
	Msg     string `json:"msg"`
	Running *bool  `json:"running,omitempty"`
}

// ParseStatus decodes a status payload. A bare string becomes Msg.
func ParseStatus(raw json.RawMessage) (StatusMessage, error) {
	var s StatusMessage
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return StatusMessage{Msg: text}, nil
	}
	return StatusMessage{}, fmt.Errorf("failed to parse status: %s", raw)
}

// =============================================================================
// Dashboard WebSocket Envelope
// =============================================================================

// MessageType identifies a dashboard websocket message
type MessageType string

const (
	TypeState  MessageType = "state"  // monitor snapshot
	TypeLog    MessageType = "log"    // log entry
	TypeStatus MessageType = "status" // server status text
)

// Message is the base wrapper for dashboard websocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}
