package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformedPayload is returned when a payload is not a JSON object.
var ErrMalformedPayload = errors.New("telemetry: payload is not an object")

// Update is the result of normalizing one telemetry tick. Nil channels
// were absent from the payload and leave prior state untouched.
type Update struct {
	Sample  BiosignalSample
	Tilt    *TiltData
	Gaze    *GazeData
	Posture *PostureData
}

// Normalize converts a raw data_update payload into view models. Wrongly
// typed or missing fields default to zero values; the only failure is an
// envelope that is not a JSON object.
//
// A biosignal sample is always produced, stamped with now. The other
// channels are produced only when their field is present and truthy.
func Normalize(raw json.RawMessage, now time.Time) (Update, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope == nil {
		return Update{}, fmt.Errorf("%w: %s", ErrMalformedPayload, preview(raw))
	}

	u := Update{
		Sample: BiosignalSample{
			Timestamp: now.UnixMilli(),
			Value:     number(envelope["biopac"]),
		},
	}

	if v, ok := envelope["tilt"]; ok && truthy(v) {
		t := normalizeTilt(object(v))
		u.Tilt = &t
	}
	if v, ok := envelope["gaze"]; ok && truthy(v) {
		g := normalizeGaze(object(v))
		u.Gaze = &g
	}
	if v, ok := envelope["posture"]; ok && truthy(v) {
		p := normalizePosture(object(v))
		u.Posture = &p
	}
	return u, nil
}

func normalizeTilt(fields map[string]json.RawMessage) TiltData {
	src := fields["keypoints"]
	if !truthy(src) {
		src = fields["kps"]
	}

	points := array(src)
	if len(points) > KeypointCount {
		points = points[:KeypointCount]
	}

	kps := make([]Keypoint, 0, KeypointCount)
	for i, p := range points {
		xy := array(p)
		kps = append(kps, Keypoint{
			ID:         i,
			Label:      KeypointLabel(i),
			X:          number(index(xy, 0)),
			Y:          number(index(xy, 1)),
			Confidence: 1,
		})
	}

	return TiltData{
		Label:      text(fields["label"]),
		Confidence: number(fields["conf"]),
		Keypoints:  padKeypoints(kps),
	}
}

func normalizeGaze(fields map[string]json.RawMessage) GazeData {
	eyes := array(fields["eyes"])
	return GazeData{
		Label:    text(fields["label"]),
		LeftEye:  eyeAt(eyes, 0),
		RightEye: eyeAt(eyes, 1),
	}
}

func eyeAt(eyes []json.RawMessage, i int) EyeCoord {
	e := index(eyes, i)
	if !truthy(e) {
		return EyeCoord{}
	}
	rel := array(object(e)["rel"])
	return EyeCoord{X: number(index(rel, 0)), Y: number(index(rel, 1))}
}

func normalizePosture(fields map[string]json.RawMessage) PostureData {
	label := text(fields["label"])
	return PostureData{
		Label:  label,
		Status: ParsePostureStatus(label),
	}
}

// =============================================================================
// Lenient JSON accessors
// =============================================================================

// truthy follows JavaScript truthiness: null, false, 0 and "" are false,
// everything else (including empty arrays and objects) is true. Absent
// fields are false.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func number(raw json.RawMessage) float64 {
	var f float64
	if len(raw) == 0 || json.Unmarshal(raw, &f) != nil {
		return 0
	}
	return f
}

func text(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func object(raw json.RawMessage) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

func array(raw json.RawMessage) []json.RawMessage {
	var a []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &a) != nil {
		return nil
	}
	return a
}

func index(a []json.RawMessage, i int) json.RawMessage {
	if i < len(a) {
		return a[i]
	}
	return nil
}

func preview(raw json.RawMessage) string {
	const limit = 64
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
