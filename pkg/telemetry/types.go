// Package telemetry defines the dashboard view models and turns raw
// data_update payloads into them.
package telemetry

import (
	"fmt"
	"strings"
)

// KeypointCount is the fixed number of keypoints in every tilt record.
const KeypointCount = 7

// keypointLabels are the canonical labels by position.
var keypointLabels = [...]string{"Nose", "L.Eye", "R.Eye", "L.Ear", "R.Ear", "L.Sho", "R.Sho"}

// KeypointLabel returns the display label for position i.
func KeypointLabel(i int) string {
	if i >= 0 && i < len(keypointLabels) {
		return keypointLabels[i]
	}
	return fmt.Sprintf("KP%d", i)
}

// BiosignalSample is one point of the biosignal waveform.
type BiosignalSample struct {
	Timestamp int64   `json:"timestamp"` // Unix milliseconds, receipt time
	Value     float64 `json:"value"`
}

// Keypoint is one head/shoulder landmark.
type Keypoint struct {
	ID         int     `json:"id"`
	Label      string  `json:"label"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Confidence float64 `json:"confidence"`
}

// TiltData is the head-pose classification plus its keypoints.
type TiltData struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	Keypoints  []Keypoint `json:"keypoints"` // always KeypointCount entries
}

// EyeCoord is a pupil position relative to its eye box.
type EyeCoord struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GazeData is the gaze direction label and both pupil positions.
type GazeData struct {
	Label    string   `json:"label"` // "CENTER", "LEFT", "RIGHT", "BLINKING", "unknown"
	LeftEye  EyeCoord `json:"leftEye"`
	RightEye EyeCoord `json:"rightEye"`
}

// PostureStatus is the coarse posture verdict.
type PostureStatus string

const (
	PostureGood    PostureStatus = "GOOD"
	PostureBad     PostureStatus = "BAD"
	PostureUnknown PostureStatus = "UNKNOWN"
)

// ParsePostureStatus derives a status from a classifier label: UNKNOWN
// when empty, BAD when it mentions "bad" in any case, GOOD otherwise.
func ParsePostureStatus(label string) PostureStatus {
	switch {
	case label == "":
		return PostureUnknown
	case strings.Contains(strings.ToLower(label), "bad"):
		return PostureBad
	default:
		return PostureGood
	}
}

// PostureData is the posture classification.
type PostureData struct {
	Label      string        `json:"label"`
	Confidence float64       `json:"confidence"` // the upstream never sends one; always 0
	Status     PostureStatus `json:"status"`
}

// EmptyTilt returns the tilt record shown before any data arrives.
func EmptyTilt() TiltData {
	return TiltData{Keypoints: padKeypoints(nil)}
}

// EmptyPosture returns the posture record shown before any data arrives.
func EmptyPosture() PostureData {
	return PostureData{Status: PostureUnknown}
}

// padKeypoints fills kps up to KeypointCount with zeroed entries.
func padKeypoints(kps []Keypoint) []Keypoint {
	for i := len(kps); i < KeypointCount; i++ {
		kps = append(kps, Keypoint{ID: i, Label: KeypointLabel(i)})
	}
	return kps
}
