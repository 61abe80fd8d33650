package session

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/teslashibe/biovision/pkg/telemetry"
)

var csvKeypointNames = [telemetry.KeypointCount]string{
	"Nose", "L_Eye", "R_Eye", "L_Ear", "R_Ear", "L_Sho", "R_Sho",
}

// CSVHeader is the column layout of exported session logs.
func CSVHeader() []string {
	header := []string{"Timestamp", "Frame", "Tilt_Label", "Tilt_Conf"}
	for _, name := range csvKeypointNames {
		header = append(header, name+"_x", name+"_y")
	}
	header = append(header, "Gaze_Label", "Pupil_L_x", "Pupil_L_y", "Pupil_R_x", "Pupil_R_y")
	// Posture boxes are not part of the telemetry stream; the columns
	// stay for compatibility with existing log readers.
	header = append(header, "Posture_Label", "Box_x", "Box_y", "Box_w", "Box_h")
	return header
}

// WriteCSV writes frames as a session log. Timestamps are wall-clock
// times of day in loc (HH:MM:SS.mmm); nil loc means time.Local.
func WriteCSV(w io.Writer, frames []Frame, loc *time.Location) error {
	if loc == nil {
		loc = time.Local
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader()); err != nil {
		return fmt.Errorf("session: write csv header: %w", err)
	}

	for i, f := range frames {
		if err := cw.Write(csvRow(i, f, loc)); err != nil {
			return fmt.Errorf("session: write csv row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvRow(i int, f Frame, loc *time.Location) []string {
	row := make([]string, 0, 4+2*telemetry.KeypointCount+5+5)
	row = append(row,
		time.UnixMilli(f.Timestamp).In(loc).Format("15:04:05.000"),
		strconv.Itoa(i),
		f.Tilt.Label,
		formatFloat(f.Tilt.Confidence),
	)

	for k := range telemetry.KeypointCount {
		if k < len(f.Tilt.Keypoints) {
			kp := f.Tilt.Keypoints[k]
			row = append(row, formatFloat(kp.X), formatFloat(kp.Y))
		} else {
			row = append(row, "0", "0")
		}
	}

	row = append(row,
		f.Gaze.Label,
		formatFloat(f.Gaze.LeftEye.X), formatFloat(f.Gaze.LeftEye.Y),
		formatFloat(f.Gaze.RightEye.X), formatFloat(f.Gaze.RightEye.Y),
	)
	row = append(row, f.Posture.Label, "", "", "", "")
	return row
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
