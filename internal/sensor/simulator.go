package sensor

import (
	"context"
	"log"
	"math/rand/v2"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
)

const (
	simulatorMinBPM = 50
	simulatorMaxBPM = 190
)

type SimulatorOptions struct {
	BaseBPM  int
	Interval time.Duration
	// Rand drives the walk; nil seeds from the clock
	Rand *rand.Rand
	Now  func() time.Time
}

// Simulator writes a random walk around BaseBPM into a sink, standing in for
// a wearable when no hardware is around
type Simulator struct {
	sink   SampleSink
	logger *log.Logger
	opts   SimulatorOptions
	bpm    int
}

func NewSimulator(sink SampleSink, logger *log.Logger, opts SimulatorOptions) *Simulator {
	if sink == nil {
		panic("Simulator: sink cannot be nil")
	}
	if logger == nil {
		panic("Simulator: logger cannot be nil")
	}
	if opts.BaseBPM <= 0 {
		opts.BaseBPM = 95
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(seed, seed>>1))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Simulator{
		sink:   sink,
		logger: logger,
		opts:   opts,
		bpm:    clampBPM(opts.BaseBPM),
	}
}

// Run appends one sample per interval until ctx is done
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Printf("Simulator: Starting at %d BPM every %v", s.bpm, s.opts.Interval)
	defer s.logger.Printf("Simulator: Stopped")

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sink.Append(heartrate.Sample{BPM: s.next(), Timestamp: s.opts.Now()})
		}
	}
}

// next steps by -3..+3 with a pull back toward BaseBPM
func (s *Simulator) next() int {
	step := s.opts.Rand.IntN(7) - 3
	switch {
	case s.bpm > s.opts.BaseBPM+15:
		step--
	case s.bpm < s.opts.BaseBPM-15:
		step++
	}
	s.bpm = clampBPM(s.bpm + step)
	return s.bpm
}

func clampBPM(bpm int) int {
	return max(simulatorMinBPM, min(simulatorMaxBPM, bpm))
}
