// Package types defines the shared types used across all PillowMate packages.
//
// These types form the lingua franca between sensor providers, the activity
// pipeline, the turn machine and classifier providers. Each package defines its
// own domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

import "math"

// FeatureCount is the number of columns in a classifier feature row.
const FeatureCount = 7

// FeatureNames is the ordered list of feature columns sent to classifiers.
// The order matches [SensorFrame.Row].
var FeatureNames = [FeatureCount]string{"pressure_delta", "ax", "ay", "az", "gx", "gy", "gz"}

// Well-known action labels produced by the trained sequence model.
const (
	LabelTap      = "tap"
	LabelRestHead = "rest_head"
	LabelHug      = "hug"
	LabelShake    = "shake"
)

// KnownLabels lists the labels the bundled model was trained on.
var KnownLabels = []string{LabelTap, LabelRestHead, LabelHug, LabelShake}

// Vec3 is a three-axis sensor reading.
type Vec3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean length of v.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Motion is a combined accelerometer and gyroscope reading from the IMU.
type Motion struct {
	Accel Vec3
	Gyro  Vec3
}

// SensorFrame is one sampling tick captured during a turn.
//
// PressureDelta is already rebased against [Baseline.PressureMean]; the
// accelerometer and gyroscope values are raw, and are only made
// baseline-relative at scoring time.
type SensorFrame struct {
	PressureDelta float64
	Ax, Ay, Az    float64
	Gx, Gy, Gz    float64
}

// NewFrame builds a frame from a raw pressure reading and an IMU sample.
func NewFrame(pressure float64, m Motion, base Baseline) SensorFrame {
	return SensorFrame{
		PressureDelta: pressure - base.PressureMean,
		Ax:            m.Accel.X,
		Ay:            m.Accel.Y,
		Az:            m.Accel.Z,
		Gx:            m.Gyro.X,
		Gy:            m.Gyro.Y,
		Gz:            m.Gyro.Z,
	}
}

// AccelMag returns the Euclidean norm of the accelerometer vector.
func (f SensorFrame) AccelMag() float64 {
	return Vec3{f.Ax, f.Ay, f.Az}.Norm()
}

// GyroMag returns the Euclidean norm of the gyroscope vector.
func (f SensorFrame) GyroMag() float64 {
	return Vec3{f.Gx, f.Gy, f.Gz}.Norm()
}

// Row returns the frame as a classifier feature row in [FeatureNames] order.
func (f SensorFrame) Row() [FeatureCount]float64 {
	return [FeatureCount]float64{f.PressureDelta, f.Ax, f.Ay, f.Az, f.Gx, f.Gy, f.Gz}
}

// Baseline holds the resting-state means computed by the calibrator. It is
// computed once per session and never mutated afterwards.
type Baseline struct {
	PressureMean float64 `json:"pressure_mean"`
	AccelMagMean float64 `json:"accel_mag_mean"`
	GyroMagMean  float64 `json:"gyro_mag_mean"`
}

// Block is an inclusive range of frame indices judged active.
type Block struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of frames covered by b.
func (b Block) Len() int {
	return b.End - b.Start + 1
}

// ClassificationRequest is the message sent to a classifier.
type ClassificationRequest struct {
	Label        string                  `json:"label"`
	SampleMs     uint32                  `json:"sample_ms"`
	FeatureNames []string                `json:"feature_names"`
	Features     [][FeatureCount]float64 `json:"features"`
}

// ResultReason records which path of the pipeline produced a result.
type ResultReason string

const (
	// ReasonEmptyTurn means no frames were captured.
	ReasonEmptyTurn ResultReason = "empty_turn"

	// ReasonAutoIdle means the auto-idle heuristic short-circuited the turn.
	ReasonAutoIdle ResultReason = "auto_idle"

	// ReasonNoActivity means the block extractor found no active block.
	ReasonNoActivity ResultReason = "no_activity"

	// ReasonClassified means the classifier returned a well-formed answer.
	ReasonClassified ResultReason = "classified"

	// ReasonFallback means the classifier failed or timed out.
	ReasonFallback ResultReason = "fallback"
)

// ClassificationResult is the answer handed back to the caller of a turn.
type ClassificationResult struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`

	// Probabilities holds the per-label distribution when the classifier
	// reports one. May be nil.
	Probabilities map[string]float64 `json:"probabilities,omitempty"`

	// Reason is set by the pipeline, not by classifiers.
	Reason ResultReason `json:"reason,omitempty"`
}
