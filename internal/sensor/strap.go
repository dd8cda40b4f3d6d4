package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/bt"
	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/servo-dash/internal/healthstore"
	"github.com/lowaak/smart-trainer/servo-dash/internal/heartrate"
)

// ErrStrapDisconnected is reported to the sink when a connected strap drops
var ErrStrapDisconnected = errors.New("heart rate strap disconnected")

// SampleSink receives decoded samples, normally a *healthstore.Store
type SampleSink interface {
	Append(sample heartrate.Sample)
	ReportError(err error)
}

type StrapOptions struct {
	// Address selects a strap; empty takes the first heart rate device found
	Address        string
	ConnectTimeout time.Duration
	Now            func() time.Time
}

// Strap turns a BLE heart rate strap into samples. Connecting happens in
// Authorize so the store's authorization step is where the user waits for
// the strap.
type Strap struct {
	manager bt.BTManagerInterface
	sink    SampleSink
	logger  *log.Logger
	opts    StrapOptions

	mu         sync.Mutex
	enabled    bool
	device     bt.BTDevice
	location   string
	stopWatch  func()
	watchToken *int
	watchWg    sync.WaitGroup
}

var _ healthstore.Authorizer = (*Strap)(nil)

func NewStrap(manager bt.BTManagerInterface, sink SampleSink, logger *log.Logger, opts StrapOptions) *Strap {
	if manager == nil {
		panic("Strap: manager cannot be nil")
	}
	if sink == nil {
		panic("Strap: sink cannot be nil")
	}
	if logger == nil {
		panic("Strap: logger cannot be nil")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Strap{
		manager: manager,
		sink:    sink,
		logger:  logger,
		opts:    opts,
	}
}

// Authorize finds, connects and subscribes to the strap. It grants once
// notifications are flowing and is a no-op while already connected.
func (s *Strap) Authorize(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device != nil && s.device.IsConnected() {
		return true, nil
	}

	if !s.enabled {
		if err := s.manager.Enable(); err != nil {
			return false, fmt.Errorf("enable bluetooth: %w", err)
		}
		s.enabled = true
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	s.manager.StartScan([]string{bt.ServiceUUIDHeartRate})
	device, err := s.manager.WaitForDevice(ctx, s.matches)
	if stopErr := s.manager.StopScan(); stopErr != nil {
		s.logger.Printf("Strap: Error stopping scan: %v", stopErr)
	}
	if err != nil {
		return false, fmt.Errorf("no heart rate strap found: %w", err)
	}
	deviceName := fmt.Sprintf("%s (%s)", device.GetLocalName(), device.GetAddressString())

	if !device.IsConnected() {
		s.logger.Printf("Strap: Connecting to %s", deviceName)
		if err := s.manager.Connect(device); err != nil {
			return false, fmt.Errorf("failed to initiate connection: %w", err)
		}
		if err := device.WaitForConnection(ctx); err != nil {
			return false, fmt.Errorf("connection timeout: %w", err)
		}
	}
	s.logger.Printf("Strap: Connected to %s", deviceName)

	if loc, err := device.ReadCharacteristic(bt.ServiceUUIDHeartRate, bt.CharUUIDBodySensorLocation); err != nil {
		s.logger.Printf("Strap: Body sensor location unavailable: %v", err)
		s.location = "Unknown"
	} else {
		s.location = bt.DescribeBodySensorLocation(loc)
	}

	if err := device.EnableNotifications(bt.ServiceUUIDHeartRate, bt.CharUUIDHeartRateMeasurement, s.onMeasurement); err != nil {
		if discErr := s.manager.Disconnect(device); discErr != nil {
			s.logger.Printf("Strap: Error disconnecting after failed subscribe: %v", discErr)
		}
		return false, fmt.Errorf("failed to enable heart rate notifications: %w", err)
	}
	s.logger.Printf("Strap: Subscribed to heart rate on %s (sensor location: %s)", deviceName, s.location)

	s.device = device
	s.watchConnection(device)
	return true, nil
}

func (s *Strap) matches(d bt.BTDevice) bool {
	if s.opts.Address != "" {
		return strings.EqualFold(d.GetAddressString(), s.opts.Address)
	}
	return d.HasServiceUUID(bt.ServiceUUIDHeartRate)
}

func (s *Strap) onMeasurement(buf []byte) {
	m, err := DecodeHeartRateMeasurement(buf)
	if err != nil {
		s.logger.Printf("Strap: Parse error: %v (raw: %v)", err, buf)
		return
	}
	if m.Contact == ContactNotDetected {
		s.logger.Printf("Strap: No skin contact, dropping %d BPM", m.BPM)
		return
	}
	s.sink.Append(heartrate.Sample{BPM: m.BPM, Timestamp: s.opts.Now()})
}

// watchConnection reports a drop of device to the sink. Caller holds mu.
// A connected list is only trusted once it has contained the device, since
// the replayed value may predate the connect.
func (s *Strap) watchConnection(device bt.BTDevice) {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	ch := make(chan []bt.BTDevice, 4)
	unregister := s.manager.ListenToConnectedDevices(ch)
	done := make(chan struct{})
	token := new(int)
	s.watchToken = token
	s.stopWatch = func() {
		unregister()
		close(done)
	}

	address := device.GetAddressString()
	go_func_utils.SafeGoWG(s.logger, &s.watchWg, func() {
		seen := false
		for {
			select {
			case <-done:
				return
			case devices := <-ch:
				if containsAddress(devices, address) {
					seen = true
					continue
				}
				if !seen {
					continue
				}
				s.mu.Lock()
				current := s.watchToken == token
				if current {
					s.device = nil
					s.watchToken = nil
				}
				s.mu.Unlock()
				if current {
					s.logger.Printf("Strap: %s disconnected", address)
					s.sink.ReportError(ErrStrapDisconnected)
				}
				return
			}
		}
	})
}

func containsAddress(devices []bt.BTDevice, address string) bool {
	for _, d := range devices {
		if d.GetAddressString() == address {
			return true
		}
	}
	return false
}

// Connected reports the current strap, if any
func (s *Strap) Connected() (name string, location string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return "", "", false
	}
	return s.device.GetLocalName(), s.location, true
}

// Shutdown stops notifications and disconnects the strap
func (s *Strap) Shutdown() {
	s.mu.Lock()
	device := s.device
	s.device = nil
	stopWatch := s.stopWatch
	s.stopWatch = nil
	s.watchToken = nil
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	s.watchWg.Wait()
	if device == nil {
		return
	}
	if err := device.DisableNotifications(bt.ServiceUUIDHeartRate, bt.CharUUIDHeartRateMeasurement); err != nil {
		s.logger.Printf("Strap: Error disabling notifications: %v", err)
	}
	if err := s.manager.Disconnect(device); err != nil {
		s.logger.Printf("Strap: Error disconnecting: %v", err)
	}
}
