package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/lowaak/smart-trainer/servo-dash/internal/config"
	"github.com/lowaak/smart-trainer/servo-dash/internal/dashboard"
	"github.com/lowaak/smart-trainer/servo-dash/internal/dispatch"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
	"github.com/lowaak/smart-trainer/servo-dash/internal/logging"
	"github.com/lowaak/smart-trainer/servo-dash/internal/mirror"
	"github.com/lowaak/smart-trainer/servo-dash/internal/servo"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

// stateSnapshot is what GET /api/state returns
type stateSnapshot struct {
	SpeedMPS         float64 `json:"speed_mps"`
	Mode             string  `json:"mode"`
	DebugMode        bool    `json:"debug_mode"`
	DebugHeartRate   int     `json:"debug_heart_rate"`
	LiveHeartRate    int     `json:"live_heart_rate"`
	DisplayHeartRate int     `json:"display_heart_rate"`
	Angle            float64 `json:"angle"`
	FeedStatus       string  `json:"feed_status"`
	Authorized       bool    `json:"authorized"`
	Monitoring       bool    `json:"monitoring"`
	SessionID        string  `json:"session_id,omitempty"`
}

func newStateSnapshot(c servo.ControllerState, f heartrate.FeedState) stateSnapshot {
	return stateSnapshot{
		SpeedMPS:         c.Speed,
		Mode:             c.Mode.String(),
		DebugMode:        c.DebugMode,
		DebugHeartRate:   c.DebugHeartRate,
		LiveHeartRate:    c.LiveHeartRate,
		DisplayHeartRate: c.DisplayHeartRate,
		Angle:            c.Angle,
		FeedStatus:       f.Status.String(),
		Authorized:       f.Authorized,
		Monitoring:       f.Monitoring,
		SessionID:        f.SessionID,
	}
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "servo-dash: %v\n", err)
		os.Exit(2)
	}

	logs, err := logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Console:    cfg.UI.Headless,
	})
	must("set up logging", err)

	err = run(cfg, logs)
	if err != nil {
		logs.Std().Printf("servo-dash: exited with error: %v", err)
	} else {
		logs.Std().Println("servo-dash: exited")
	}
	_ = logs.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logs *logging.Logging) error {
	logger := logs.Std()
	if cfg.ConfigFile != "" {
		logger.Printf("servo-dash: using config %s", cfg.ConfigFile)
	}

	mode, err := servo.ParseWorkoutMode(cfg.Servo.Mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := dispatch.New(logger)
	defer dispatcher.Shutdown()

	// deferred cleanups run in reverse, so the actuator outlives the controller
	act, cycles, err := openActuator(cfg, logger)
	if err != nil {
		return fmt.Errorf("open actuator: %w", err)
	}
	defer func() {
		if err := act.Close(); err != nil {
			logger.Printf("servo-dash: closing actuator: %v", err)
		}
	}()

	input := newHeartRateInput(cfg, logger)
	defer input.shutdown()

	feed := heartrate.NewFeed(input.source, dispatcher, logger, heartrate.Options{
		RecentWindow: cfg.Feed.RecentWindow,
	})
	defer feed.Shutdown()
	input.store.SetMirroringStartHandler(feed.AcceptMirroredSession)

	controller := servo.NewController(dispatcher, logger, servo.Options{
		Mode:      mode,
		DebugMode: cfg.Servo.Debug,
	})
	defer controller.Shutdown()
	controller.AttachFeed(feed)
	controller.AddActuator(act)

	group, groupCtx := errgroup.WithContext(ctx)
	input.run(groupCtx, group)

	if cycles != nil {
		group.Go(func() error {
			trackWheel(groupCtx, cfg, cycles, controller, logger)
			return nil
		})
	}

	if cfg.Mirror.Enabled {
		server := mirror.NewServer(input.store, logger, mirror.Options{
			Snapshot: func() any {
				return newStateSnapshot(controller.State(), feed.State())
			},
		})
		group.Go(func() error {
			return server.Run(groupCtx, cfg.Mirror.Listen)
		})
	}

	if cfg.UI.Headless {
		// nobody can press "a" without the dashboard
		feed.RequestAuthorization()
		group.Go(func() error {
			<-groupCtx.Done()
			return nil
		})
	} else {
		dash := dashboard.NewDashboard(dashboard.NewDashboardArg{
			View:       dashboard.NewTviewView(logger, tview.NewApplication()),
			Feed:       feed,
			Controller: controller,
			Logs:       logs,
			Quit:       stop,
			Logger:     logger,
		})
		defer dash.Shutdown()
		group.Go(func() error {
			// leaving the view ends the whole run
			defer stop()
			if err := dash.Run(groupCtx); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	logger.Printf("servo-dash: running (source=%s, actuator=%s, mode=%s)", cfg.Feed.Source, cfg.Actuator.Kind, mode)
	err = group.Wait()
	logger.Println("servo-dash: shutting down")
	return err
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}
