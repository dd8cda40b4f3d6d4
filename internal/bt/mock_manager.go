package bt

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
)

const (
	MockHRStrapAddress = "00:11:22:33:44:01"
	MockHRStrapName    = "Mock HR Strap"
)

// MockHRStrap is a heart rate strap that exists only in memory. Once
// connected it notifies its current heart rate every interval.
type MockHRStrap struct {
	logger    *log.Logger
	address   string
	localName string

	mu                sync.RWMutex
	state             BTDeviceState
	heartRate         uint8
	heartRateCallback func([]byte)
}

func NewMockHRStrap(logger *log.Logger) *MockHRStrap {
	if logger == nil {
		panic("MockHRStrap: logger cannot be nil")
	}
	return &MockHRStrap{
		logger:    logger,
		address:   MockHRStrapAddress,
		localName: MockHRStrapName,
		state:     Disconnected,
		heartRate: 70,
	}
}

// SetHeartRate changes the value sent by the next notification
func (m *MockHRStrap) SetHeartRate(bpm uint8) {
	m.mu.Lock()
	m.heartRate = bpm
	m.mu.Unlock()
}

func (m *MockHRStrap) setConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		m.state = Connected
	} else {
		m.state = Disconnected
		m.heartRateCallback = nil
	}
	m.logger.Printf("MockHRStrap: State changed to %v", m.state)
}

// TriggerHeartRateNotification sends one measurement if notifications are on
func (m *MockHRStrap) TriggerHeartRateNotification() {
	m.mu.RLock()
	callback := m.heartRateCallback
	hr := m.heartRate
	m.mu.RUnlock()

	if callback != nil {
		// flags=0: uint8 value, no contact or energy fields
		callback([]byte{0x00, hr})
	}
}

func (m *MockHRStrap) GetAddressString() string {
	return m.address
}

func (m *MockHRStrap) GetScanRSSI() (int16, error) {
	return -50, nil
}

func (m *MockHRStrap) GetScanLastSeen() time.Time {
	return time.Now()
}

func (m *MockHRStrap) GetLocalName() string {
	return m.localName
}

func (m *MockHRStrap) IsConnected() bool {
	return m.GetState() == Connected
}

func (m *MockHRStrap) GetState() BTDeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MockHRStrap) IsRecentlyScanned() bool {
	return true
}

func (m *MockHRStrap) WaitForConnection(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *MockHRStrap) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if serviceUuid != ServiceUUIDHeartRate || characteristicUuid != CharUUIDHeartRateMeasurement {
		return fmt.Errorf("unknown service/characteristic: %s/%s", serviceUuid, characteristicUuid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return fmt.Errorf("device %s not connected", m.address)
	}
	m.heartRateCallback = callbackFunc
	m.logger.Printf("MockHRStrap: Heart rate notifications enabled")
	return nil
}

func (m *MockHRStrap) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	if serviceUuid != ServiceUUIDHeartRate || characteristicUuid != CharUUIDHeartRateMeasurement {
		return fmt.Errorf("unknown service/characteristic: %s/%s", serviceUuid, characteristicUuid)
	}
	m.mu.Lock()
	m.heartRateCallback = nil
	m.mu.Unlock()
	m.logger.Printf("MockHRStrap: Heart rate notifications disabled")
	return nil
}

func (m *MockHRStrap) ReadCharacteristic(serviceUuid string, characteristicUuid string) ([]byte, error) {
	if serviceUuid == ServiceUUIDHeartRate && characteristicUuid == CharUUIDBodySensorLocation {
		return []byte{0x01}, nil // chest
	}
	return nil, fmt.Errorf("unknown service/characteristic: %s/%s", serviceUuid, characteristicUuid)
}

func (m *MockHRStrap) GetServiceUUIDs() []string {
	return []string{ServiceUUIDHeartRate}
}

func (m *MockHRStrap) HasServiceUUID(uuid string) bool {
	return uuid == ServiceUUIDHeartRate
}

// MockBTManager is an in-memory BTManagerInterface holding a single
// MockHRStrap, for running without Bluetooth hardware
type MockBTManager struct {
	logger                *log.Logger
	strap                 *MockHRStrap
	notifyInterval        time.Duration
	scanDeviceListEvent   *events.ChannelEvent[[]BTDevice]
	connectedDevicesEvent *events.ChannelEvent[[]BTDevice]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup

	mu           sync.RWMutex
	scanning     bool
	strapVisible bool
	notifyCancel context.CancelFunc
}

// Verify MockBTManager implements BTManagerInterface
var _ BTManagerInterface = (*MockBTManager)(nil)

// NewMockBTManager creates the manager. notifyInterval defaults to one second.
func NewMockBTManager(logger *log.Logger, notifyInterval time.Duration) *MockBTManager {
	if logger == nil {
		panic("MockBTManager: logger cannot be nil")
	}
	if notifyInterval <= 0 {
		notifyInterval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockBTManager{
		logger:                logger,
		strap:                 NewMockHRStrap(logger),
		notifyInterval:        notifyInterval,
		scanDeviceListEvent:   events.NewChannelEvent[[]BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
	}
}

// Strap returns the simulated device so callers can drive its heart rate
func (m *MockBTManager) Strap() *MockHRStrap {
	return m.strap
}

func (m *MockBTManager) Enable() error {
	m.logger.Println("MockBTManager: Enabled")
	m.connectedDevicesEvent.Notify([]BTDevice{})
	return nil
}

func (m *MockBTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	if addressString == m.strap.address {
		return m.strap
	}
	return nil
}

func (m *MockBTManager) StartScan(serviceUuidFilter []string) {
	m.logger.Println("MockBTManager: Starting scan")
	m.mu.Lock()
	m.scanning = true
	m.strapVisible = serviceUuidFilter == nil || slices.Contains(serviceUuidFilter, ServiceUUIDHeartRate)
	m.mu.Unlock()
	m.scanDeviceListEvent.Notify(m.GetScanDevices())
}

func (m *MockBTManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	return nil
}

func (m *MockBTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockBTManager) Connect(device BTDevice) error {
	if device.GetAddressString() != m.strap.address {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}
	m.strap.setConnected(true)
	m.startNotifications()
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
	m.logger.Printf("MockBTManager: Connected to %s", device.GetAddressString())
	return nil
}

func (m *MockBTManager) Disconnect(device BTDevice) error {
	if device.GetAddressString() != m.strap.address {
		return fmt.Errorf("unknown device: %s", device.GetAddressString())
	}
	m.stopNotifications()
	m.strap.setConnected(false)
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
	return nil
}

func (m *MockBTManager) startNotifications() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyCancel != nil {
		return
	}
	notifyCtx, notifyCancel := context.WithCancel(m.ctx)
	m.notifyCancel = notifyCancel

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		ticker := time.NewTicker(m.notifyInterval)
		defer ticker.Stop()
		for {
			select {
			case <-notifyCtx.Done():
				return
			case <-ticker.C:
				m.strap.TriggerHeartRateNotification()
			}
		}
	})
}

func (m *MockBTManager) stopNotifications() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyCancel != nil {
		m.notifyCancel()
		m.notifyCancel = nil
	}
}

func (m *MockBTManager) GetConnectedDevices() []BTDevice {
	if m.strap.IsConnected() {
		return []BTDevice{m.strap}
	}
	return []BTDevice{}
}

func (m *MockBTManager) GetScanDevices() []BTDevice {
	m.mu.RLock()
	visible := m.scanning && m.strapVisible
	m.mu.RUnlock()
	if visible {
		return []BTDevice{m.strap}
	}
	return []BTDevice{}
}

func (m *MockBTManager) WaitForDevice(ctx context.Context, match func(BTDevice) bool) (BTDevice, error) {
	return waitForDevice(ctx, m.GetScanDevices, match)
}

func (m *MockBTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

func (m *MockBTManager) ListenToConnectedDevices(ch chan<- []BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *MockBTManager) Shutdown() {
	m.logger.Println("MockBTManager: Shutting down")
	m.stopNotifications()
	m.cancel()
	m.wg.Wait()
	m.strap.setConnected(false)
	m.logger.Println("MockBTManager: Shutdown complete")
}
