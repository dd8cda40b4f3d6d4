package servo

import (
	"fmt"
	"math"
	"strings"
)

type WorkoutMode int

const (
	LongDistance WorkoutMode = iota
	HIIT
)

func (m WorkoutMode) String() string {
	switch m {
	case LongDistance:
		return "Long Distance"
	case HIIT:
		return "HIIT"
	default:
		return "Unknown"
	}
}

// ParseWorkoutMode accepts the config names long_distance and hiit
func ParseWorkoutMode(s string) (WorkoutMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long_distance", "long-distance", "longdistance":
		return LongDistance, nil
	case "hiit":
		return HIIT, nil
	default:
		return LongDistance, fmt.Errorf("unknown workout mode %q", s)
	}
}

const (
	// BaselineHeartRate stands in for a missing (<= 0) heart rate
	BaselineHeartRate = 70.0
	// WattsZeroHeartRate is where the linear power estimate crosses zero
	WattsZeroHeartRate = 60.0
	WattsPerBeat       = 1.8
	HIITMultiplier     = 1.3
	SpeedOffset        = 0.1
	AngleGain          = 2.2

	MinAngle = 0.0
	MaxAngle = 180.0
)

// PredictedWatts is the linear power estimate for a heart rate. It goes
// negative below 60 BPM.
func PredictedWatts(heartRateBPM float64) float64 {
	if heartRateBPM <= 0 {
		heartRateBPM = BaselineHeartRate
	}
	return (heartRateBPM - WattsZeroHeartRate) * WattsPerBeat
}

// ComputeAngle maps heart rate, speed (m/s) and mode to a servo angle in
// [MinAngle, MaxAngle]. Negative speed counts as standing still.
func ComputeAngle(heartRateBPM float64, speedMetersPerSecond float64, mode WorkoutMode) float64 {
	if speedMetersPerSecond < 0 {
		speedMetersPerSecond = 0
	}
	multiplier := 1.0
	if mode == HIIT {
		multiplier = HIITMultiplier
	}
	raw := PredictedWatts(heartRateBPM) / (speedMetersPerSecond + SpeedOffset) * AngleGain * multiplier
	return clampAngle(raw)
}

func clampAngle(angle float64) float64 {
	if math.IsNaN(angle) {
		return MinAngle
	}
	return math.Min(math.Max(angle, MinAngle), MaxAngle)
}
