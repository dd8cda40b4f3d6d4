package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

// Options configures the sinks built by Setup.
type Options struct {
	Level      string
	File       string // empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Console    bool // write to stderr as well; off while the terminal dashboard owns the screen
}

// Logging owns the zap core and the stdlib logger handed to components.
type Logging struct {
	zap       *zap.Logger
	std       *log.Logger
	file      *lumberjack.Logger
	lineEvent *events.ChannelEvent[string]
}

func toZapLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case InfoLevel:
		return zapcore.InfoLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.DebugLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// lineWriter republishes encoded log lines so the dashboard can show a tail.
type lineWriter struct {
	event *events.ChannelEvent[string]
}

func (w lineWriter) Write(p []byte) (int, error) {
	w.event.Notify(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Setup builds the logger tree. Components receive Std(), a *log.Logger
// backed by zap, and log in the usual "Component: message" form.
func Setup(opts Options) (*Logging, error) {
	level := zap.NewAtomicLevelAt(toZapLevel(opts.Level))
	l := &Logging{lineEvent: events.NewChannelEvent[string](false)}

	tailCfg := encoderConfig()
	tailCfg.TimeKey = ""
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(tailCfg), zapcore.AddSync(lineWriter{l.lineEvent}), level),
	}

	if opts.Console {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stderr), level))
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(l.file), level))
	}

	l.zap = zap.New(zapcore.NewTee(cores...))
	l.std = zap.NewStdLog(l.zap)
	return l, nil
}

func (l *Logging) Std() *log.Logger {
	return l.std
}

func (l *Logging) Zap() *zap.Logger {
	return l.zap
}

// ListenToLines registers a channel for every encoded log line
func (l *Logging) ListenToLines(ch chan<- string) func() {
	return l.lineEvent.Listen(ch)
}

// Close flushes zap and closes the rotating file
func (l *Logging) Close() error {
	// stderr cannot be fsynced on most terminals
	_ = l.zap.Sync()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
