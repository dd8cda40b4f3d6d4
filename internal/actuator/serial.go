package actuator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"go.bug.st/serial"
)

const (
	cycleCountPrefix    = "CYCLE COUNT:"
	newResistancePrefix = "NEW RESISTANCE:"
)

// CycleCount is a cumulative wheel revolution count reported by the firmware.
type CycleCount struct {
	Count int
	At    time.Time
}

// Serial talks to the resistance controller firmware over a serial line.
// Angles are written as "<degrees>\n"; the firmware reports wheel
// revolutions as "CYCLE COUNT:<n>" and acknowledges as "NEW RESISTANCE:<n>".
type Serial struct {
	port            io.ReadWriteCloser
	logger          *log.Logger
	now             func() time.Time
	writeMu         sync.Mutex
	cycleEvent      *events.ChannelEvent[CycleCount]
	resistanceEvent *events.ChannelEvent[int]
	ctx             context.Context
	cancel          context.CancelFunc
	wg              sync.WaitGroup
	closeOnce       sync.Once
}

// OpenSerial opens portName at baud. An empty portName picks the first port
// the system reports.
func OpenSerial(portName string, baud int, logger *log.Logger) (*Serial, error) {
	if portName == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("list serial ports: %w", err)
		}
		if len(ports) == 0 {
			return nil, errors.New("no serial ports found")
		}
		portName = ports[0]
	}
	port, err := serial.Open(portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", portName, err)
	}
	logger.Printf("SerialActuator: opened %s at %d baud", portName, baud)
	return NewSerial(port, logger), nil
}

// NewSerial wraps an already open port and starts reading firmware reports
func NewSerial(port io.ReadWriteCloser, logger *log.Logger) *Serial {
	if port == nil {
		panic("SerialActuator: port cannot be nil")
	}
	if logger == nil {
		panic("SerialActuator: logger cannot be nil")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serial{
		port:            port,
		logger:          logger,
		now:             time.Now,
		cycleEvent:      events.NewChannelEvent[CycleCount](true),
		resistanceEvent: events.NewChannelEvent[int](true),
		ctx:             ctx,
		cancel:          cancel,
	}
	go_func_utils.SafeGoWG(logger, &s.wg, s.readLoop)
	return s
}

func (s *Serial) SetAngle(angle float64) error {
	degrees := wholeDegrees(angle)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.port, "%d\n", degrees); err != nil {
		return fmt.Errorf("write angle %d: %w", degrees, err)
	}
	return nil
}

// ListenToCycleCount registers a channel for wheel revolution reports
func (s *Serial) ListenToCycleCount(ch chan<- CycleCount) func() {
	return s.cycleEvent.Listen(ch)
}

// ListenToResistance registers a channel for angles the firmware applied
func (s *Serial) ListenToResistance(ch chan<- int) func() {
	return s.resistanceEvent.Listen(ch)
}

func (s *Serial) readLoop() {
	defer s.logger.Printf("SerialActuator: exiting read loop")
	scanner := bufio.NewScanner(s.port)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, cycleCountPrefix):
			count, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, cycleCountPrefix)))
			if err != nil {
				s.logger.Printf("SerialActuator: bad cycle count %q: %v", line, err)
				continue
			}
			s.cycleEvent.Notify(CycleCount{Count: count, At: s.now()})
		case strings.HasPrefix(line, newResistancePrefix):
			level, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, newResistancePrefix)))
			if err != nil {
				s.logger.Printf("SerialActuator: bad resistance ack %q: %v", line, err)
				continue
			}
			s.resistanceEvent.Notify(level)
		default:
			s.logger.Printf("SerialActuator: firmware: %s", line)
		}
	}
	if err := scanner.Err(); err != nil && s.ctx.Err() == nil {
		s.logger.Printf("SerialActuator: read error: %v", err)
	}
}

func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}
