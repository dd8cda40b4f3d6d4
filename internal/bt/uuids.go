package bt

// Heart Rate Service, see https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"
	CharUUIDBodySensorLocation   = "00002a38-0000-1000-8000-00805f9b34fb"
	ServiceUUIDBattery           = "0000180f-0000-1000-8000-00805f9b34fb"
	CharUUIDBatteryLevel         = "00002a19-0000-1000-8000-00805f9b34fb"
)

var bodySensorLocations = map[byte]string{
	0: "Other",
	1: "Chest",
	2: "Wrist",
	3: "Finger",
	4: "Hand",
	5: "Ear Lobe",
	6: "Foot",
}

// DescribeBodySensorLocation decodes a Body Sensor Location value
func DescribeBodySensorLocation(buf []byte) string {
	if len(buf) == 0 {
		return "Unknown"
	}
	if name, ok := bodySensorLocations[buf[0]]; ok {
		return name
	}
	return "Unknown"
}
