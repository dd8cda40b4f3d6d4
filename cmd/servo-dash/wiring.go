package main

import (
	"context"
	"fmt"
	"log"

	"github.com/lowaak/smart-trainer/servo-dash/internal/actuator"
	"github.com/lowaak/smart-trainer/servo-dash/internal/bt"
	"github.com/lowaak/smart-trainer/servo-dash/internal/config"
	"github.com/lowaak/smart-trainer/servo-dash/internal/healthstore"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/sensor"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"
	"github.com/lowaak/smart-trainer/servo-dash/internal/wheel"

	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"
)

// heartRateInput is the store plus whatever writes into it
type heartRateInput struct {
	store     *healthstore.Store
	source    heartrate.Source // nil when feed.source is none
	simulator *sensor.Simulator
	strap     *sensor.Strap
	manager   bt.BTManagerInterface
}

func newHeartRateInput(cfg *config.Config, logger *log.Logger) *heartRateInput {
	in := &heartRateInput{}

	switch cfg.Feed.Source {
	case config.SourceBLE:
		in.manager = bt.NewBTManager(bluetooth.DefaultAdapter, logger, cfg.BLE.ScanTimeout)
	case config.SourceMockBLE:
		in.manager = bt.NewMockBTManager(logger, 0)
	}

	var authorizer healthstore.Authorizer
	if in.manager != nil {
		// the strap needs the store as its sink, so bind it after the store exists
		authorizer = healthstore.AuthorizerFunc(func(ctx context.Context) (bool, error) {
			return in.strap.Authorize(ctx)
		})
	} else {
		authorizer = healthstore.StaticAuthorizer(cfg.Feed.Authorization == config.AuthorizationGrant)
	}
	in.store = healthstore.NewStore(authorizer, logger, healthstore.DefaultCapacity)

	switch cfg.Feed.Source {
	case config.SourceSimulated:
		in.simulator = sensor.NewSimulator(in.store, logger, sensor.SimulatorOptions{
			BaseBPM:  cfg.Simulator.BaseBPM,
			Interval: cfg.Simulator.Interval,
		})
		in.source = in.store
	case config.SourceBLE, config.SourceMockBLE:
		in.strap = sensor.NewStrap(in.manager, in.store, logger, sensor.StrapOptions{
			Address:        cfg.BLE.Address,
			ConnectTimeout: cfg.BLE.ConnectTimeout,
		})
		in.source = in.store
	}
	return in
}

func (in *heartRateInput) run(ctx context.Context, group *errgroup.Group) {
	if in.simulator != nil {
		group.Go(func() error {
			return in.simulator.Run(ctx)
		})
	}
}

func (in *heartRateInput) shutdown() {
	if in.strap != nil {
		in.strap.Shutdown()
	}
	if in.manager != nil {
		in.manager.Shutdown()
	}
	in.store.Shutdown()
}

// openActuator builds the configured back-end. Only the serial link reports
// wheel revolutions; cycles is nil for the others.
func openActuator(cfg *config.Config, logger *log.Logger) (actuator.Actuator, wheel.CycleSource, error) {
	switch cfg.Actuator.Kind {
	case config.ActuatorSerial:
		link, err := actuator.OpenSerial(cfg.Actuator.Serial.Port, cfg.Actuator.Serial.Baud, logger)
		if err != nil {
			return nil, nil, err
		}
		return link, link, nil
	case config.ActuatorPCA9685:
		a, err := actuator.NewPCA9685(actuator.PCA9685Options{
			Address:  cfg.Actuator.PCA9685.Address,
			Device:   cfg.Actuator.PCA9685.Device,
			Channel:  cfg.Actuator.PCA9685.Channel,
			MinPulse: cfg.Actuator.Pulse.Min,
			MaxPulse: cfg.Actuator.Pulse.Max,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	case config.ActuatorPWM:
		a, err := actuator.NewPWM(actuator.PWMOptions{
			Pin:      cfg.Actuator.PWM.Pin,
			MinPulse: cfg.Actuator.Pulse.Min,
			MaxPulse: cfg.Actuator.Pulse.Max,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	case config.ActuatorLog:
		return actuator.NewLog(logger), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown actuator %q", cfg.Actuator.Kind)
	}
}

// trackWheel drives the controller speed from revolution counts until ctx is done
func trackWheel(ctx context.Context, cfg *config.Config, cycles wheel.CycleSource, controller *servo.Controller, logger *log.Logger) {
	estimator := wheel.NewEstimator(cfg.Wheel.CircumferenceM, cfg.Wheel.StaleAfter)
	wheel.NewTracker(estimator, logger, controller.SetSpeed).Run(ctx, cycles)
}
