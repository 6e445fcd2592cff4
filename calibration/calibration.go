// Package calibration converts a requested focal distance and interocular
// distance into haploscope carriage and mirror positions.
//
// The mechanical linkage is linear in the operating range, so every output is
// a closed-form offset from a calibrated zero. Inputs below the documented
// minimums are not clamped: a negative offset moves the carriage toward zero,
// and keeping the apparatus in its safe range is left to the operator.
package calibration

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Profile holds the zero positions and reference minimums of one apparatus,
// all in millimeters.
type Profile struct {
	MinFocalDistance float64 `json:"minFocalDistance"`
	MinIOD           float64 `json:"minIod"`
	DisplayLeftZero  float64 `json:"displayLeftZero"`
	DisplayRightZero float64 `json:"displayRightZero"`
	EyeLeftZero      float64 `json:"eyeLeftZero"`
	EyeRightZero     float64 `json:"eyeRightZero"`
}

// DefaultProfile returns the lab haploscope's measured constants.
func DefaultProfile() Profile {
	return Profile{
		MinFocalDistance: 387.5,
		MinIOD:           56.0,
		DisplayLeftZero:  551.0,
		DisplayRightZero: 1.0,
		EyeLeftZero:      31.5,
		EyeRightZero:     91.0,
	}
}

// DisplayPositions returns the left and right display carriage positions
// for focalDistance.
func (p Profile) DisplayPositions(focalDistance float64) (left, right float64) {
	delta := math.Abs(focalDistance) - p.MinFocalDistance
	return p.DisplayLeftZero - delta, p.DisplayRightZero + delta
}

// EyePositions returns the left and right eye mirror positions for iod.
func (p Profile) EyePositions(iod float64) (left, right float64) {
	delta := (math.Abs(iod) - p.MinIOD) / 2
	return p.EyeLeftZero - delta, p.EyeRightZero + delta
}

// ArmRotation returns the mirror arm rotation in degrees.
func ArmRotation(iod, focalDistance float64) float64 {
	return math.Atan(0.5*iod/focalDistance) * 180 / math.Pi
}

// Calibration is the full set of values the operator dials in.
type Calibration struct {
	DisplayLeft  float64 `json:"displayLeft"`
	DisplayRight float64 `json:"displayRight"`
	EyeLeft      float64 `json:"eyeLeft"`
	EyeRight     float64 `json:"eyeRight"`
	Angle        float64 `json:"angle"`
}

// Calibrate combines display positions, eye positions and arm rotation.
func (p Profile) Calibrate(iod, focalDistance float64) Calibration {
	dl, dr := p.DisplayPositions(focalDistance)
	el, er := p.EyePositions(iod)
	return Calibration{
		DisplayLeft:  dl,
		DisplayRight: dr,
		EyeLeft:      el,
		EyeRight:     er,
		Angle:        ArmRotation(iod, focalDistance),
	}
}

// Field is one labelled calibration value.
type Field struct {
	Key   string
	Value float64
}

// Fields returns the values in operator reading order.
func (c Calibration) Fields() []Field {
	return []Field{
		{"DISPLAY_LEFT", c.DisplayLeft},
		{"DISPLAY_RIGHT", c.DisplayRight},
		{"EYE_LEFT", c.EyeLeft},
		{"EYE_RIGHT", c.EyeRight},
		{"ANGLE", c.Angle},
	}
}

// Lines renders each field as "<KEY>: <value>mm".
func (c Calibration) Lines() []string {
	fields := c.Fields()
	lines := make([]string, len(fields))
	for i, f := range fields {
		lines[i] = fmt.Sprintf("%s: %smm", f.Key, strconv.FormatFloat(f.Value, 'f', -1, 64))
	}
	return lines
}

func (c Calibration) String() string {
	return strings.Join(c.Lines(), "\n")
}

// FocalDistanceFromViewing converts a fixation distance in centimeters to the
// focal distance in millimeters the model expects.
func FocalDistanceFromViewing(cm float64) float64 {
	return cm * 10
}
