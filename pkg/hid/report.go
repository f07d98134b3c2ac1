// Package hid formats tracker state into the fixed 16-byte reports a
// SlimeVR host consumes. Reports are pure functions of the input; the
// caller decides cadence (pose reports per frame, status and info at
// low frequency).
package hid

import (
	"encoding/binary"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/receiver"
)

// ReportSize is the fixed length of every report.
const ReportSize = 16

// Report types, first byte of every report.
const (
	TypeInfo       byte = 0x00
	TypeQuatAccel  byte = 0x01
	TypeCompressed byte = 0x02
	TypeStatus     byte = 0x03
)

// Server status values, status report byte 2.
const (
	ServerOK byte = iota
	ServerCalibrating
	ServerError
)

// Tracker status bits, status report byte 3.
const (
	StatusLowBattery  byte = 1 << 0
	StatusCharging    byte = 1 << 1
	StatusCalibrating byte = 1 << 2
	StatusIMUError    byte = 1 << 3
	StatusRFLost      byte = 1 << 4
)

// Info carries the slow-changing device identity for info reports.
type Info struct {
	FWMajor     byte
	FWMinor     byte
	BoardID     byte
	MCUID       byte
	IMUType     byte
	MagID       byte
	Battery     byte
	BatteryMV   uint16
	Temperature int8
}

// accelFixed7 converts milli-g to the host's fixed-point 7 format
// (m/s² scaled by 128), saturating.
func accelFixed7(mg int16) int16 {
	v := int32(mg) * 125525 / 100000
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

func putI16(b []byte, v int16) {
	binary.LittleEndian.PutUint16(b, uint16(v))
}

// QuatAccel builds a full-precision pose report. The wire order is
// x,y,z,w while tracker records keep w,x,y,z.
func QuatAccel(id byte, quat [4]int16, accel [3]int16) [ReportSize]byte {
	var out [ReportSize]byte
	out[0] = TypeQuatAccel
	out[1] = id
	putI16(out[2:], quat[1])
	putI16(out[4:], quat[2])
	putI16(out[6:], quat[3])
	putI16(out[8:], quat[0])
	putI16(out[10:], accelFixed7(accel[0]))
	putI16(out[12:], accelFixed7(accel[1]))
	putI16(out[14:], accelFixed7(accel[2]))
	return out
}

// Compressed builds a pose report with the quaternion packed into 32
// bits, leaving room for battery and RSSI.
func Compressed(id byte, quat [4]int16, accel [3]int16, battery byte, rssi int8) [ReportSize]byte {
	var out [ReportSize]byte
	out[0] = TypeCompressed
	out[1] = id
	if battery > 100 {
		battery = 100
	}
	out[2] = 0x80 | battery // bit 7 marks the field valid
	binary.LittleEndian.PutUint32(out[5:], CompressQuat(quat))
	putI16(out[9:], accelFixed7(accel[0]))
	putI16(out[11:], accelFixed7(accel[1]))
	putI16(out[13:], accelFixed7(accel[2]))
	out[15] = byte(rssi)
	return out
}

// Status builds a status report from the link's flags byte.
func Status(id byte, flags byte) [ReportSize]byte {
	var out [ReportSize]byte
	out[0] = TypeStatus
	out[1] = id
	out[2] = serverStatus(flags)
	out[3] = trackerStatus(flags)
	return out
}

// DeviceInfo builds an info report.
func DeviceInfo(id byte, info Info) [ReportSize]byte {
	var out [ReportSize]byte
	out[0] = TypeInfo
	out[1] = id
	out[2] = info.FWMajor
	out[3] = info.FWMinor
	out[4] = info.BoardID
	out[5] = info.MCUID
	out[6] = info.IMUType
	out[7] = info.MagID
	out[8] = info.Battery
	binary.LittleEndian.PutUint16(out[9:], info.BatteryMV)
	out[11] = byte(info.Temperature)
	return out
}

// FromSnapshot builds the per-frame pose report for one tracker slot.
func FromSnapshot(s receiver.Snapshot) [ReportSize]byte {
	return QuatAccel(s.ID, s.Quat, s.Accel)
}

func trackerStatus(flags byte) byte {
	var s byte
	if flags&packet.FlagLowBattery != 0 {
		s |= StatusLowBattery
	}
	if flags&packet.FlagCharging != 0 {
		s |= StatusCharging
	}
	if flags&packet.FlagCalibrating != 0 {
		s |= StatusCalibrating
	}
	if flags&packet.FlagIMUError != 0 {
		s |= StatusIMUError
	}
	if flags&packet.FlagRFLost != 0 {
		s |= StatusRFLost
	}
	return s
}

func serverStatus(flags byte) byte {
	if flags&(packet.FlagIMUError|packet.FlagError) != 0 {
		return ServerError
	}
	if flags&packet.FlagCalibrating != 0 {
		return ServerCalibrating
	}
	return ServerOK
}

// CompressQuat packs a quaternion smallest-three into 32 bits: 2-bit
// index of the dropped (largest) component, then three 10-bit values.
func CompressQuat(quat [4]int16) uint32 {
	largest := 0
	abs := func(v int16) int32 {
		if v < 0 {
			return -int32(v)
		}
		return int32(v)
	}
	for i := 1; i < 4; i++ {
		if abs(quat[i]) > abs(quat[largest]) {
			largest = i
		}
	}
	sign := int32(1)
	if quat[largest] < 0 {
		sign = -1
	}

	var small [3]int32
	j := 0
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		v := int32(quat[i]) * sign * 512 / 32768
		if v > 511 {
			v = 511
		} else if v < -512 {
			v = -512
		}
		small[j] = v
		j++
	}

	packed := uint32(largest&0x3) << 30
	packed |= (uint32(small[0]+512) & 0x3FF) << 20
	packed |= (uint32(small[1]+512) & 0x3FF) << 10
	packed |= uint32(small[2]+512) & 0x3FF
	return packed
}
