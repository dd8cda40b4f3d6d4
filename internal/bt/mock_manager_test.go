package bt

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMockManager(t *testing.T) *MockBTManager {
	t.Helper()
	m := NewMockBTManager(log.New(io.Discard, "", 0), 10*time.Millisecond)
	t.Cleanup(m.Shutdown)
	require.NoError(t, m.Enable())
	return m
}

func TestMockBTManager_ScanFilter(t *testing.T) {
	m := newTestMockManager(t)

	m.StartScan([]string{ServiceUUIDBattery})
	assert.True(t, m.IsScanning())
	assert.Empty(t, m.GetScanDevices())

	m.StartScan([]string{ServiceUUIDHeartRate})
	devices := m.GetScanDevices()
	require.Len(t, devices, 1)
	assert.Equal(t, MockHRStrapAddress, devices[0].GetAddressString())

	require.NoError(t, m.StopScan())
	assert.Empty(t, m.GetScanDevices())
}

func TestMockBTManager_WaitForDevice(t *testing.T) {
	m := newTestMockManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := m.WaitForDevice(ctx, func(BTDevice) bool { return true })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.StartScan(nil)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	d, err := m.WaitForDevice(ctx2, func(d BTDevice) bool { return d.HasServiceUUID(ServiceUUIDHeartRate) })
	require.NoError(t, err)
	assert.Equal(t, MockHRStrapName, d.GetLocalName())
}

func TestMockBTManager_ConnectAndNotify(t *testing.T) {
	m := newTestMockManager(t)
	m.StartScan(nil)
	strap := m.Strap()
	strap.SetHeartRate(142)

	connected := make(chan []BTDevice, 4)
	unregister := m.ListenToConnectedDevices(connected)
	defer unregister()
	assert.Empty(t, <-connected)

	err := strap.EnableNotifications(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, func([]byte) {})
	assert.Error(t, err, "notifications need a connection")

	require.NoError(t, m.Connect(strap))
	assert.Len(t, <-connected, 1)
	require.NoError(t, strap.WaitForConnection(context.Background()))

	var mu sync.Mutex
	var got [][]byte
	require.NoError(t, strap.EnableNotifications(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, func(buf []byte) {
		mu.Lock()
		got = append(got, buf)
		mu.Unlock()
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []byte{0x00, 142}, got[0])
	mu.Unlock()

	loc, err := strap.ReadCharacteristic(ServiceUUIDHeartRate, CharUUIDBodySensorLocation)
	require.NoError(t, err)
	assert.Equal(t, "Chest", DescribeBodySensorLocation(loc))

	require.NoError(t, m.Disconnect(strap))
	assert.Empty(t, <-connected)
	assert.False(t, strap.IsConnected())
}

func TestMockBTManager_UnknownDevice(t *testing.T) {
	m := newTestMockManager(t)
	assert.Nil(t, m.GetBTDeviceByAddressString("aa:bb:cc:dd:ee:ff"))
	assert.NotNil(t, m.GetBTDeviceByAddressString(MockHRStrapAddress))
}

func TestDescribeBodySensorLocation(t *testing.T) {
	assert.Equal(t, "Unknown", DescribeBodySensorLocation(nil))
	assert.Equal(t, "Wrist", DescribeBodySensorLocation([]byte{2}))
	assert.Equal(t, "Unknown", DescribeBodySensorLocation([]byte{42}))
}

func TestBTDeviceState_String(t *testing.T) {
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Unknown", BTDeviceState(9).String())
}
