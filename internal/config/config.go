package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "SERVODASH"

const (
	SourceSimulated = "simulated"
	SourceBLE       = "ble"
	SourceMockBLE   = "mock-ble"
	SourceNone      = "none"

	AuthorizationGrant = "grant"
	AuthorizationDeny  = "deny"

	ActuatorLog     = "log"
	ActuatorSerial  = "serial"
	ActuatorPCA9685 = "pca9685"
	ActuatorPWM     = "pwm"

	ModeLongDistance = "long_distance"
	ModeHIIT         = "hiit"
)

type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type FeedConfig struct {
	Source        string
	RecentWindow  time.Duration
	Authorization string
}

type BLEConfig struct {
	Address        string
	ConnectTimeout time.Duration
	ScanTimeout    time.Duration
}

type SimulatorConfig struct {
	BaseBPM  int
	Interval time.Duration
}

type ServoConfig struct {
	Mode  string
	Debug bool
}

type SerialConfig struct {
	Port string
	Baud int
}

type PCA9685Config struct {
	Address uint8
	Device  string
	Channel int
}

type PulseConfig struct {
	Min float64
	Max float64
}

type PWMConfig struct {
	Pin int
}

type ActuatorConfig struct {
	Kind    string
	Serial  SerialConfig
	PCA9685 PCA9685Config
	Pulse   PulseConfig
	PWM     PWMConfig
}

type WheelConfig struct {
	CircumferenceM float64
	StaleAfter     time.Duration
}

type MirrorConfig struct {
	Enabled bool
	Listen  string
}

type UIConfig struct {
	Headless bool
}

type Config struct {
	Log       LogConfig
	Feed      FeedConfig
	BLE       BLEConfig
	Simulator SimulatorConfig
	Servo     ServoConfig
	Actuator  ActuatorConfig
	Wheel     WheelConfig
	Mirror    MirrorConfig
	UI        UIConfig

	// ConfigFile is the file viper read, empty when none was found
	ConfigFile string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", defaultLogFile())
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("feed.source", SourceSimulated)
	v.SetDefault("feed.recent_window", 10*time.Second)
	v.SetDefault("feed.authorization", AuthorizationGrant)

	v.SetDefault("ble.address", "")
	v.SetDefault("ble.connect_timeout", 20*time.Second)
	v.SetDefault("ble.scan_timeout", 10*time.Second)

	v.SetDefault("simulator.base_bpm", 95)
	v.SetDefault("simulator.interval", time.Second)

	v.SetDefault("servo.mode", ModeLongDistance)
	v.SetDefault("servo.debug", false)

	v.SetDefault("actuator.kind", ActuatorLog)
	v.SetDefault("actuator.serial.port", "/dev/ttyACM0")
	v.SetDefault("actuator.serial.baud", 115200)
	v.SetDefault("actuator.pca9685.address", 0x40)
	v.SetDefault("actuator.pca9685.device", "/dev/i2c-1")
	v.SetDefault("actuator.pca9685.channel", 0)
	v.SetDefault("actuator.pulse.min", 750.0)
	v.SetDefault("actuator.pulse.max", 2250.0)
	v.SetDefault("actuator.pwm.pin", 12)

	v.SetDefault("wheel.circumference_m", 2.105)
	v.SetDefault("wheel.stale_after", 3*time.Second)

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.listen", ":8085")

	v.SetDefault("ui.headless", false)
}

func defaultLogFile() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return homeDir + "/.servo-dash/servo-dash.log"
}

// flag name -> viper key
var flagKeys = map[string]string{
	"log-level":           "log.level",
	"log-file":            "log.file",
	"source":              "feed.source",
	"authorization":       "feed.authorization",
	"recent-window":       "feed.recent_window",
	"ble-address":         "ble.address",
	"mode":                "servo.mode",
	"debug":               "servo.debug",
	"actuator":            "actuator.kind",
	"serial-port":         "actuator.serial.port",
	"serial-baud":         "actuator.serial.baud",
	"pca9685-channel":     "actuator.pca9685.channel",
	"pwm-pin":             "actuator.pwm.pin",
	"wheel-circumference": "wheel.circumference_m",
	"mirror":              "mirror.enabled",
	"mirror-listen":       "mirror.listen",
	"headless":            "ui.headless",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("servo-dash", pflag.ContinueOnError)
	fs.String("config", "", "config file (default: ./configs/servo-dash.yaml or ~/.servo-dash/servo-dash.yaml)")
	fs.String("env-file", ".env", "dotenv file loaded before reading the environment")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-file", "", "log file path")
	fs.String("source", "", "heart rate source: simulated, ble, mock-ble, none")
	fs.String("authorization", "", "authorization policy for the simulated source: grant, deny")
	fs.Duration("recent-window", 0, "only samples newer than this are delivered when monitoring starts")
	fs.String("ble-address", "", "heart rate strap address; empty picks the first strap found")
	fs.String("mode", "", "workout mode: long_distance, hiit")
	fs.Bool("debug", false, "start in debug/simulation mode")
	fs.String("actuator", "", "actuator: log, serial, pca9685, pwm")
	fs.String("serial-port", "", "serial port of the resistance controller")
	fs.Int("serial-baud", 0, "serial baud rate")
	fs.Int("pca9685-channel", 0, "PCA9685 servo channel")
	fs.Int("pwm-pin", 0, "Raspberry Pi hardware PWM pin")
	fs.Float64("wheel-circumference", 0, "wheel circumference in meters")
	fs.Bool("mirror", false, "serve the mirrored session relay")
	fs.String("mirror-listen", "", "mirrored session relay listen address")
	fs.Bool("headless", false, "run without the terminal dashboard")
	return fs
}

// Load resolves configuration from defaults, an optional config file, the
// environment (SERVODASH_*, after loading the dotenv file) and flags, in
// increasing order of precedence.
func Load(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	envFile, _ := fs.GetString("env-file")
	if envFile != "" {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				return nil, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	configFile, _ := fs.GetString("config")
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("servo-dash")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath("$HOME/.servo-dash")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Feed: FeedConfig{
			Source:        strings.ToLower(v.GetString("feed.source")),
			RecentWindow:  v.GetDuration("feed.recent_window"),
			Authorization: strings.ToLower(v.GetString("feed.authorization")),
		},
		BLE: BLEConfig{
			Address:        v.GetString("ble.address"),
			ConnectTimeout: v.GetDuration("ble.connect_timeout"),
			ScanTimeout:    v.GetDuration("ble.scan_timeout"),
		},
		Simulator: SimulatorConfig{
			BaseBPM:  v.GetInt("simulator.base_bpm"),
			Interval: v.GetDuration("simulator.interval"),
		},
		Servo: ServoConfig{
			Mode:  strings.ToLower(v.GetString("servo.mode")),
			Debug: v.GetBool("servo.debug"),
		},
		Actuator: ActuatorConfig{
			Kind: strings.ToLower(v.GetString("actuator.kind")),
			Serial: SerialConfig{
				Port: v.GetString("actuator.serial.port"),
				Baud: v.GetInt("actuator.serial.baud"),
			},
			PCA9685: PCA9685Config{
				Address: uint8(v.GetUint("actuator.pca9685.address")),
				Device:  v.GetString("actuator.pca9685.device"),
				Channel: v.GetInt("actuator.pca9685.channel"),
			},
			Pulse: PulseConfig{
				Min: v.GetFloat64("actuator.pulse.min"),
				Max: v.GetFloat64("actuator.pulse.max"),
			},
			PWM: PWMConfig{
				Pin: v.GetInt("actuator.pwm.pin"),
			},
		},
		Wheel: WheelConfig{
			CircumferenceM: v.GetFloat64("wheel.circumference_m"),
			StaleAfter:     v.GetDuration("wheel.stale_after"),
		},
		Mirror: MirrorConfig{
			Enabled: v.GetBool("mirror.enabled"),
			Listen:  v.GetString("mirror.listen"),
		},
		UI: UIConfig{
			Headless: v.GetBool("ui.headless"),
		},
		ConfigFile: v.ConfigFileUsed(),
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unknown value %q (expected one of %s)", field, value, strings.Join(allowed, ", "))
}

// Validate rejects unknown enum values and out of range numbers
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs,
		oneOf("feed.source", c.Feed.Source, SourceSimulated, SourceBLE, SourceMockBLE, SourceNone),
		oneOf("feed.authorization", c.Feed.Authorization, AuthorizationGrant, AuthorizationDeny),
		oneOf("servo.mode", c.Servo.Mode, ModeLongDistance, ModeHIIT),
		oneOf("actuator.kind", c.Actuator.Kind, ActuatorLog, ActuatorSerial, ActuatorPCA9685, ActuatorPWM),
	)
	if c.Feed.RecentWindow <= 0 {
		errs = append(errs, errors.New("feed.recent_window must be > 0"))
	}
	if c.Simulator.Interval <= 0 {
		errs = append(errs, errors.New("simulator.interval must be > 0"))
	}
	if c.BLE.ConnectTimeout <= 0 || c.BLE.ScanTimeout <= 0 {
		errs = append(errs, errors.New("ble timeouts must be > 0"))
	}
	if c.Wheel.CircumferenceM <= 0 {
		errs = append(errs, errors.New("wheel.circumference_m must be > 0"))
	}
	if c.Wheel.StaleAfter < 0 {
		errs = append(errs, errors.New("wheel.stale_after must not be negative"))
	}
	if c.Actuator.Pulse.Min >= c.Actuator.Pulse.Max {
		errs = append(errs, errors.New("actuator.pulse.min must be below actuator.pulse.max"))
	}
	if c.Actuator.Kind == ActuatorSerial && c.Actuator.Serial.Baud <= 0 {
		errs = append(errs, errors.New("actuator.serial.baud must be > 0"))
	}
	return errors.Join(errs...)
}
