package monitor

import (
	"github.com/teslashibe/biovision/pkg/protocol"
	"github.com/teslashibe/biovision/pkg/telemetry"
)

// Status strings shown by the dashboard.
const (
	StatusProcessing   = "PROCESSING"
	StatusIdle         = "IDLE"
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Cameras holds the configuration of both camera channels.
type Cameras struct {
	Tilt    protocol.Camera `json:"tilt"`    // camera 1: tilt and gaze
	Posture protocol.Camera `json:"posture"` // camera 2: posture
}

// State is one published snapshot of everything the dashboard shows.
// Snapshots are never modified after publication.
type State struct {
	// Version increases with every published snapshot.
	Version uint64 `json:"version"`

	// Ticks counts telemetry ticks applied while recording.
	Ticks uint64 `json:"ticks"`

	ServerURL string  `json:"serverUrl"`
	Cameras   Cameras `json:"cameras"`

	Connected   bool `json:"connected"`
	IsRecording bool `json:"isRecording"`
	IsLogging   bool `json:"isLogging"`

	RecordingStatus  string `json:"status"`
	ConnectionStatus string `json:"connectionStatus"`

	// ServerStatus is the last advisory status text from the server.
	ServerStatus string `json:"serverStatus,omitempty"`

	Biosignal []telemetry.BiosignalSample `json:"biopacData"`
	Tilt      telemetry.TiltData          `json:"tilt"`
	Gaze      telemetry.GazeData          `json:"gaze"`
	Posture   telemetry.PostureData       `json:"posture"`

	// UpdatedAt is the Unix millisecond time of publication.
	UpdatedAt int64 `json:"updatedAt"`

	history telemetry.History
}

// History returns the bounded biosignal history behind Biosignal.
func (s State) History() telemetry.History {
	return s.history
}

// Notice levels.
const (
	NoticeInfo    = "info"
	NoticeWarning = "warning"
	NoticeStatus  = "status"
)

// Notice is a human-readable event for the dashboard log.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func recordingStatus(recording bool) string {
	if recording {
		return StatusProcessing
	}
	return StatusIdle
}

func connectionStatus(connected bool) string {
	if connected {
		return StatusConnected
	}
	return StatusDisconnected
}
