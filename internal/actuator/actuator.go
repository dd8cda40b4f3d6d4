package actuator

import (
	"log"
	"math"

	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

// Actuator drives the resistance servo. Implementations accept any angle and
// clamp to the servo's 0-180 range.
type Actuator interface {
	servo.Actuator
	Close() error
}

// wholeDegrees clamps and rounds an angle the way the firmware expects it
func wholeDegrees(angle float64) int {
	if math.IsNaN(angle) {
		return int(servo.MinAngle)
	}
	angle = math.Min(math.Max(angle, servo.MinAngle), servo.MaxAngle)
	return int(math.Round(angle))
}

// mapToRange linearly maps value from [min, max] onto [minReturn, maxReturn], clamped
func mapToRange(value, min, max, minReturn, maxReturn float64) float64 {
	mapped := (maxReturn-minReturn)*(value-min)/(max-min) + minReturn
	return math.Min(math.Max(mapped, math.Min(minReturn, maxReturn)), math.Max(minReturn, maxReturn))
}

// Log only records the commanded angle. Used when no hardware is attached.
type Log struct {
	logger *log.Logger
}

func NewLog(logger *log.Logger) *Log {
	if logger == nil {
		panic("LogActuator: logger cannot be nil")
	}
	return &Log{logger: logger}
}

func (a *Log) SetAngle(angle float64) error {
	a.logger.Printf("LogActuator: servo -> %d deg", wholeDegrees(angle))
	return nil
}

func (a *Log) Close() error {
	return nil
}
