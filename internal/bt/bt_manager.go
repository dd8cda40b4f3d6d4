package bt

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lowaak/smart-trainer/servo-dash/internal/events"
	"github.com/lowaak/smart-trainer/servo-dash/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/servo-dash/internal/safe_map"

	"tinygo.org/x/bluetooth"
)

// BTManagerInterface defines the interface for Bluetooth manager implementations
type BTManagerInterface interface {
	Enable() error
	GetBTDeviceByAddressString(addressString string) BTDevice
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(device BTDevice) error
	Disconnect(device BTDevice) error
	GetConnectedDevices() []BTDevice
	GetScanDevices() []BTDevice
	WaitForDevice(ctx context.Context, match func(BTDevice) bool) (BTDevice, error)
	ListenToDeviceList(ch chan<- []BTDevice) func()
	ListenToConnectedDevices(ch chan<- []BTDevice) func()
	Shutdown()
}

// Verify BTManager implements BTManagerInterface
var _ BTManagerInterface = (*BTManager)(nil)

type BTManager struct {
	adapter               *bluetooth.Adapter
	devicesByAddress      *safe_map.SafeMap[string, *btDeviceImpl]
	mu                    sync.RWMutex
	scanning              bool
	scanTimeout           time.Duration
	scanDeviceListEvent   *events.ChannelEvent[[]BTDevice]
	scanContextCancel     context.CancelFunc
	connectedDevicesEvent *events.ChannelEvent[[]BTDevice]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
	logger                *log.Logger
}

func NewBTManager(adapter *bluetooth.Adapter, logger *log.Logger, scanTimeout ...time.Duration) *BTManager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	timeout := 10 * time.Second
	if len(scanTimeout) > 0 && scanTimeout[0] > 0 {
		timeout = scanTimeout[0]
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BTManager{
		adapter:               adapter,
		devicesByAddress:      safe_map.NewSafeMap[string, *btDeviceImpl](),
		scanTimeout:           timeout,
		scanDeviceListEvent:   events.NewChannelEvent[[]BTDevice](true),
		connectedDevicesEvent: events.NewChannelEvent[[]BTDevice](true),
		ctx:                   ctx,
		cancel:                cancel,
		logger:                logger,
	}
}

// GetBTDeviceByAddressString returns a BTDevice by its address string, or nil if not found
func (m *BTManager) GetBTDeviceByAddressString(addressString string) BTDevice {
	if device, ok := m.devicesByAddress.Load(addressString); ok {
		return device
	}
	return nil
}

func (m *BTManager) getBTDeviceImpl(address bluetooth.Address) (*btDeviceImpl, bool) {
	d, loaded := m.devicesByAddress.LoadOrStore(address.String(), func() *btDeviceImpl {
		return newBtDeviceImpl(m.logger, address, m.scanTimeout)
	})
	return d, !loaded
}

func (m *BTManager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		d, _ := m.getBTDeviceImpl(device.Address)
		if connected {
			m.logger.Printf("Device connected: %s", device.Address.String())
			d.setConnectedDevice(&device)
		} else {
			m.logger.Printf("Device disconnected: %s", device.Address.String())
			d.setConnectedDevice(nil)
		}
		m.emitConnectedDevicesChange()
	})

	return m.adapter.Enable()
}

// StartScan scans until StopScan or Shutdown. A non-nil filter keeps only
// devices advertising one of the listed service UUIDs.
func (m *BTManager) StartScan(serviceUuidFilter []string) {
	m.logger.Println("Starting scan")
	m.mu.Lock()
	defer m.mu.Unlock()

	filterSet := make(map[string]struct{}, len(serviceUuidFilter))
	for _, filter := range serviceUuidFilter {
		filterSet[filter] = struct{}{}
	}
	m.logger.Printf("Scan filter set is: %v", filterSet)

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("A scan is already running. Stop the old scan and make a new context...")
		m.scanContextCancel()
	}

	m.scanning = true
	scanCtx, scanCancel := context.WithCancel(m.ctx)
	m.scanContextCancel = scanCancel

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.logger.Printf("exiting scan handling loop")

		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				// still need StopScan on the adapter
				return
			default:
			}

			if serviceUuidFilter != nil && !advertisesAny(device, filterSet) {
				return
			}

			d, newObj := m.getBTDeviceImpl(device.Address)
			d.setScanResult(&device, time.Now())
			if newObj {
				d.setServiceUUIDs(device.ServiceUUIDs())
				m.logger.Printf("Found device: %s (%s) [RSSI: %d]", d.GetLocalName(), device.Address.String(), device.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("Scan error: %v", err)
		}
	})

	go_func_utils.SafeGoWG(m.logger, &m.wg, func() {
		defer m.logger.Printf("exiting scan emit event ticker loop")

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-scanCtx.Done():
				return
			case <-ticker.C:
				m.scanDeviceListEvent.Notify(m.GetScanDevices())
			}
		}
	})
}

func advertisesAny(device bluetooth.ScanResult, filterSet map[string]struct{}) bool {
	for _, uuid := range device.ServiceUUIDs() {
		if _, ok := filterSet[uuid.String()]; ok {
			return true
		}
	}
	return false
}

// Shutdown disconnects everything and waits for the scan goroutines
func (m *BTManager) Shutdown() {
	m.logger.Println("BTManager: Shutting down")
	connectedDevices := m.GetConnectedDevices()
	m.logger.Printf("Number of connected devices %v", len(connectedDevices))
	for _, dev := range connectedDevices {
		if err := m.Disconnect(dev); err != nil {
			m.logger.Printf("Error disconnecting from %v: %v", dev.GetAddressString(), err)
		} else {
			m.logger.Printf("Disconnected from %v", dev.GetAddressString())
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: Error stopping scan: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: Shutdown complete")
}

func (m *BTManager) cleanupStaleDevices(ctx context.Context) {
	defer m.logger.Printf("exiting cleanup stale devices loop")
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := m.devicesByAddress.DeleteFunc(func(_ string, d *btDeviceImpl) bool {
				return !d.IsConnected() && d.GetState() != Connecting && now.Sub(d.GetScanLastSeen()) > m.scanTimeout
			})
			for _, mac := range removed {
				m.logger.Printf("Device timeout: %s (not seen for %v)", mac, m.scanTimeout)
			}
		}
	}
}

func (m *BTManager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return m.adapter.StopScan()
}

// IsScanning returns whether the BTManager is currently scanning
func (m *BTManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect connects to a Bluetooth device using the adapter.
// Success is reported asynchronously through the connect handler.
func (m *BTManager) Connect(device BTDevice) error {
	addressStr := device.GetAddressString()
	m.logger.Printf("BTManager: Attempting to connect to device: %s", addressStr)

	d, ok := m.devicesByAddress.Load(addressStr)
	if !ok {
		return fmt.Errorf("could not find device %s", addressStr)
	}

	d.setState(Connecting)
	if _, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{}); err != nil {
		d.setState(Disconnected)
		m.logger.Printf("BTManager: Connection error: %v", err)
		return fmt.Errorf("connecting to %s: %w", addressStr, err)
	}

	m.logger.Printf("BTManager: Connection initiated to device: %s", addressStr)
	return nil
}

func (m *BTManager) Disconnect(device BTDevice) error {
	addressStr := device.GetAddressString()
	m.logger.Printf("BTManager: Attempting to disconnect from device: %s", addressStr)

	d, ok := m.devicesByAddress.Load(addressStr)
	if !ok {
		return fmt.Errorf("could not find device %s", addressStr)
	}
	if d.GetState() == Disconnected {
		m.logger.Printf("BTDevice in disconnected state")
		return nil
	}
	innerDevice := d.getConnectedDevice()
	if innerDevice == nil {
		m.logger.Printf("Tried to disconnect but device was nil")
		return nil
	}
	return innerDevice.Disconnect()
}

func (m *BTManager) GetConnectedDevices() []BTDevice {
	return filterDevices(m.devicesByAddress.Values(), func(d *btDeviceImpl) bool { return d.IsConnected() })
}

func (m *BTManager) GetScanDevices() []BTDevice {
	return filterDevices(m.devicesByAddress.Values(), func(d *btDeviceImpl) bool { return d.IsRecentlyScanned() })
}

// WaitForDevice blocks until a recently scanned device satisfies match. The
// scan must already be running.
func (m *BTManager) WaitForDevice(ctx context.Context, match func(BTDevice) bool) (BTDevice, error) {
	return waitForDevice(ctx, m.GetScanDevices, match)
}

// ListenToDeviceList registers a channel to receive device list changes.
// Events are emitted at most once per second while scanning.
func (m *BTManager) ListenToDeviceList(ch chan<- []BTDevice) func() {
	return m.scanDeviceListEvent.Listen(ch)
}

// ListenToConnectedDevices registers a channel to receive connected devices list changes
func (m *BTManager) ListenToConnectedDevices(ch chan<- []BTDevice) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *BTManager) emitConnectedDevicesChange() {
	m.connectedDevicesEvent.Notify(m.GetConnectedDevices())
}

func filterDevices[D BTDevice](devices []D, keep func(D) bool) []BTDevice {
	result := make([]BTDevice, 0, len(devices))
	for _, d := range devices {
		if keep(d) {
			result = append(result, d)
		}
	}
	return result
}

func waitForDevice(ctx context.Context, list func() []BTDevice, match func(BTDevice) bool) (BTDevice, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, d := range list() {
			if match(d) {
				return d, nil
			}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for device: %w", ctx.Err())
		}
	}
}
