// Package session records processing sessions while logging is enabled
// and serves them back for review: listing, per-frame lookup at a
// playback offset, and CSV export.
package session

import (
	"errors"
	"time"

	"github.com/teslashibe/biovision/pkg/telemetry"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound is returned for unknown sessions, finished sessions
	// that are written to, and sessions without frames.
	ErrNotFound = errors.New("session: not found")
)

// NamePrefix starts every generated session name.
const NamePrefix = "session_"

// NameFor returns the session name for a start time,
// e.g. session_20240105_142233.
func NameFor(t time.Time) string {
	return NamePrefix + t.Format("20060102_150405")
}

// Frame is one recorded telemetry tick.
type Frame struct {
	Timestamp   int64                 `json:"timestamp"` // Unix ms
	BiopacValue float64               `json:"biopacValue"`
	Tilt        telemetry.TiltData    `json:"tilt"`
	Posture     telemetry.PostureData `json:"posture"`
	Gaze        telemetry.GazeData    `json:"gaze"`
}

// Session is a recorded run. Frames is only filled by Store.Get.
type Session struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Timestamp int64  `json:"timestamp"` // start, Unix ms

	// EndedAt is zero while the session is still being recorded.
	EndedAt int64 `json:"endedAt,omitempty"`

	// Duration in seconds, up to the end or the last frame.
	Duration   float64 `json:"duration"`
	FrameCount int     `json:"frameCount"`

	// VideoURL is where a recording of the feeds can be fetched. Feeds are
	// relayed live only, so it stays empty for locally recorded sessions.
	VideoURL string `json:"videoUrl"`

	Frames []Frame `json:"data,omitempty"`
}

// Open reports whether the session is still being recorded.
func (s Session) Open() bool {
	return s.EndedAt == 0
}
