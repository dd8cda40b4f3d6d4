package sensor

import (
	"fmt"
	"time"
)

// SensorContact is the skin contact field of a Heart Rate Measurement
type SensorContact int

const (
	ContactUnsupported SensorContact = iota
	ContactNotDetected
	ContactDetected
)

// Measurement is a decoded Heart Rate Measurement (0x2A37) notification
type Measurement struct {
	BPM            int
	Contact        SensorContact
	EnergyExpended int // kJ, -1 when absent
	RRIntervals    []time.Duration
}

const (
	flagUint16Value    = 0x01
	flagContactStatus  = 0x02
	flagContactSupport = 0x04
	flagEnergyExpended = 0x08
	flagRRIntervals    = 0x10
)

// DecodeHeartRateMeasurement parses heart rate measurement characteristic data
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func DecodeHeartRateMeasurement(buf []byte) (Measurement, error) {
	if len(buf) < 2 {
		return Measurement{}, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	m := Measurement{EnergyExpended: -1}
	offset := 1

	if flags&flagUint16Value != 0 {
		if len(buf) < 3 {
			return Measurement{}, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		m.BPM = int(uint16(buf[1]) | uint16(buf[2])<<8)
		offset = 3
	} else {
		m.BPM = int(buf[1])
		offset = 2
	}

	switch {
	case flags&flagContactSupport == 0:
		m.Contact = ContactUnsupported
	case flags&flagContactStatus != 0:
		m.Contact = ContactDetected
	default:
		m.Contact = ContactNotDetected
	}

	if flags&flagEnergyExpended != 0 {
		if len(buf) < offset+2 {
			return Measurement{}, fmt.Errorf("heart rate energy field truncated: %d bytes", len(buf))
		}
		m.EnergyExpended = int(uint16(buf[offset]) | uint16(buf[offset+1])<<8)
		offset += 2
	}

	if flags&flagRRIntervals != 0 {
		// 1/1024 s resolution
		for ; offset+1 < len(buf); offset += 2 {
			raw := uint16(buf[offset]) | uint16(buf[offset+1])<<8
			m.RRIntervals = append(m.RRIntervals, time.Duration(raw)*time.Second/1024)
		}
	}

	return m, nil
}

// ParseHeartRateMeasurement returns only the heart rate value
func ParseHeartRateMeasurement(buf []byte) (int, error) {
	m, err := DecodeHeartRateMeasurement(buf)
	if err != nil {
		return 0, err
	}
	return m.BPM, nil
}
