package actuator

import (
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
	"github.com/stianeikeland/go-rpio/v4"
)

const (
	// 100kHz clock over 2000 ticks gives a 50Hz servo frame of 10us ticks
	pwmFrequency   = 100000
	pwmCycleLength = uint32(2000)
	pwmTickMicros  = 10.0
)

type PWMOptions struct {
	Pin      int
	MinPulse float64 // microseconds
	MaxPulse float64 // microseconds
}

// PWM drives the servo from a Raspberry Pi hardware PWM pin.
type PWM struct {
	logger   *log.Logger
	pin      rpio.Pin
	minTicks float64
	maxTicks float64
}

func NewPWM(opts PWMOptions, logger *log.Logger) (*PWM, error) {
	if logger == nil {
		panic("PWMActuator: logger cannot be nil")
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed opening rpio: %w", err)
	}
	a := &PWM{
		logger:   logger,
		pin:      rpio.Pin(opts.Pin),
		minTicks: opts.MinPulse / pwmTickMicros,
		maxTicks: opts.MaxPulse / pwmTickMicros,
	}
	a.pin.Mode(rpio.Pwm)
	a.pin.Freq(pwmFrequency)
	logger.Printf("PWMActuator: servo on pin %d", opts.Pin)
	return a, nil
}

func (a *PWM) dutyFor(angle float64) uint32 {
	return uint32(mapToRange(float64(wholeDegrees(angle)), servo.MinAngle, servo.MaxAngle, a.minTicks, a.maxTicks))
}

func (a *PWM) SetAngle(angle float64) error {
	a.pin.DutyCycle(a.dutyFor(angle), pwmCycleLength)
	return nil
}

func (a *PWM) Close() error {
	a.pin.DutyCycle(a.dutyFor(servo.MinAngle), pwmCycleLength)
	if err := rpio.Close(); err != nil {
		return fmt.Errorf("failed closing rpio: %w", err)
	}
	return nil
}
