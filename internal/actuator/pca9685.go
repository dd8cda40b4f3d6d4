package actuator

import (
	"fmt"
	"log"

	"github.com/googolgl/go-i2c"
	"github.com/googolgl/go-pca9685"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
)

type PCA9685Options struct {
	Address  uint8
	Device   string
	Channel  int
	MinPulse float64
	MaxPulse float64
}

// PCA9685 drives the servo from one channel of a PCA9685 PWM board over I2C.
type PCA9685 struct {
	logger *log.Logger
	driver *pca9685.PCA9685
	servo  *pca9685.Servo
}

func NewPCA9685(opts PCA9685Options, logger *log.Logger) (*PCA9685, error) {
	if logger == nil {
		panic("PCA9685Actuator: logger cannot be nil")
	}
	bus, err := i2c.New(opts.Address, opts.Device)
	if err != nil {
		return nil, fmt.Errorf("error starting i2c with address 0x%x - %w", opts.Address, err)
	}
	driver, err := pca9685.New(bus, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting servo driver - %w", err)
	}
	a := &PCA9685{
		logger: logger,
		driver: driver,
		servo: driver.ServoNew(opts.Channel, &pca9685.ServOptions{
			AcRange:  pca9685.ServoRangeDef,
			MinPulse: float32(opts.MinPulse),
			MaxPulse: float32(opts.MaxPulse),
		}),
	}
	logger.Printf("PCA9685Actuator: servo on channel %d", opts.Channel)
	return a, nil
}

func (a *PCA9685) SetAngle(angle float64) error {
	fraction := mapToRange(float64(wholeDegrees(angle)), servo.MinAngle, servo.MaxAngle, 0, 1)
	if err := a.servo.Fraction(float32(fraction)); err != nil {
		return fmt.Errorf("failed setting servo fraction %.3f: %w", fraction, err)
	}
	return nil
}

// Close returns the servo to the lowest resistance
func (a *PCA9685) Close() error {
	return a.servo.Fraction(0)
}
