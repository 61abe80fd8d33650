package protocol

import "strings"

// =============================================================================
// Helper functions for building command payloads
// =============================================================================

// CleanModelPath trims whitespace and one pair of surrounding quotes, as
// left behind by "Copy as path" on Windows.
func CleanModelPath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, `"`)
	return strings.TrimSuffix(p, `"`)
}

// NewStartConfig builds a start_processing payload with every feature
// enabled and the legacy keys mirrored.
func NewStartConfig(tilt, posture Camera, logging bool) StartConfig {
	tiltType := SourceTypeFor(tilt.Mode)
	postureType := SourceTypeFor(posture.Mode)

	return StartConfig{
		UseTilt:    true,
		UsePosture: true,
		UseGaze:    true,
		Logging:    logging,

		TiltModel: CleanModelPath(tilt.Model),
		TiltType:  tiltType,
		TiltVal:   tilt.Value,

		PostureModel: CleanModelPath(posture.Model),
		PostureType:  postureType,
		PostureVal:   posture.Value,

		Cam1Type: tiltType,
		Cam1Val:  tilt.Value,
		Cam2Type: postureType,
		Cam2Val:  posture.Value,
	}
}

// NewStopCommand creates a stop_processing payload. Stops are always forced.
func NewStopCommand() StopCommand {
	return StopCommand{Force: true}
}

// NewLoggingUpdate creates an update_logging payload
func NewLoggingUpdate(logging bool) LoggingUpdate {
	return LoggingUpdate{Logging: logging}
}

// NewStateMessage wraps a monitor snapshot for the dashboard
func NewStateMessage(state any) (*Message, error) {
	return NewMessage(TypeState, state)
}

// NewLogMessage wraps a log entry for the dashboard
func NewLogMessage(entry any) (*Message, error) {
	return NewMessage(TypeLog, entry)
}

// NewStatusMessage wraps a server status entry for the dashboard
func NewStatusMessage(entry any) (*Message, error) {
	return NewMessage(TypeStatus, entry)
}
