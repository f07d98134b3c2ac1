package packet

import (
	"encoding/binary"
	"errors"
	"math"
)

// UltraType identifies an Ultra-format packet type.
type UltraType byte

// Ultra packet types, packed into the top two bits of the header.
const (
	UltraQuat   UltraType = 0 // quaternion + vertical accel + battery
	UltraInfo   UltraType = 1 // device info, sent periodically
	UltraStatus UltraType = 2 // status/battery, sent periodically
)

// Ultra wire sizes.
const (
	UltraSize      = 12 // type 0/1/2 frame
	UltraFullSize  = 10 // smallest-three compressed quaternion frame
	UltraDeltaSize = 6  // int8 delta frame
)

const (
	ultraIDMask    = 0x3F
	ultraTypeShift = 6
	ultraDeltaBit  = 0x80
)

// MaxDeltaRun bounds consecutive delta frames; the encoder then forces
// a full frame to cap accumulated quantization error.
const MaxDeltaRun = 10

// deltaThreshold is the per-component Q15 difference (about 2 degrees)
// above which a full frame is sent instead of a delta.
const deltaThreshold = 32767 * 2 / 180

// ErrNoReference reports a delta frame arriving before any full frame
// for that tracker.
var ErrNoReference = errors.New("delta frame without reference")

// UltraFrame is one decoded Ultra-format packet. Delta frames carry
// only Deltas and WNegative until resolved by an UltraDecoder.
type UltraFrame struct {
	Type UltraType
	ID   byte

	// Type 0 (quaternion data)
	Quat    [4]int16
	AccelZ  int16 // milli-g, 2 mg resolution
	Battery byte  // percent, 4% resolution in 12-byte frames

	// Type 1 (device info)
	IMUType  byte
	FWMajor  byte
	FWMinor  byte
	FWPatch  uint16
	UniqueID uint32

	// Type 2 (status)
	Flags       byte
	BatteryMV   uint16
	Temperature int8

	// Delta frames only
	Delta     bool
	Deltas    [3]int8 // x,y,z in Q15/256 steps
	WNegative bool
}

func ultraSeal(b []byte) []byte {
	b[len(b)-1] = CRC8(b[:len(b)-1])
	return b
}

// EncodeUltraQuat builds a 12-byte type-0 frame. Vertical acceleration
// is packed into 12 bits (2 mg steps), battery into 4 bits (4% steps).
func EncodeUltraQuat(id byte, quat [4]int16, accelZ int16, battery byte) []byte {
	b := make([]byte, UltraSize)
	b[0] = byte(UltraQuat)<<ultraTypeShift | id&ultraIDMask
	for i, q := range quat {
		binary.LittleEndian.PutUint16(b[1+2*i:], uint16(q))
	}
	az := accelZ >> 1
	if az > 2047 {
		az = 2047
	} else if az < -2048 {
		az = -2048
	}
	batt := battery >> 2
	if batt > 15 {
		batt = 15
	}
	b[9] = byte(az)
	b[10] = byte(az>>8)&0x0F | batt<<4
	return ultraSeal(b)
}

// EncodeUltraInfo builds a 12-byte type-1 device info frame.
func EncodeUltraInfo(id, imuType, fwMajor, fwMinor byte, fwPatch uint16, uniqueID uint32) []byte {
	b := make([]byte, UltraSize)
	b[0] = byte(UltraInfo)<<ultraTypeShift | id&ultraIDMask
	b[1], b[2], b[3] = imuType, fwMajor, fwMinor
	binary.LittleEndian.PutUint16(b[4:], fwPatch)
	binary.LittleEndian.PutUint32(b[6:], uniqueID)
	return ultraSeal(b)
}

// EncodeUltraStatus builds a 12-byte type-2 status frame.
func EncodeUltraStatus(id, flags byte, batteryMV uint16, temperature int8) []byte {
	b := make([]byte, UltraSize)
	b[0] = byte(UltraStatus)<<ultraTypeShift | id&ultraIDMask
	b[1] = flags
	binary.LittleEndian.PutUint16(b[2:], batteryMV)
	b[4] = byte(temperature)
	return ultraSeal(b)
}

// EncodeUltraFull builds a 10-byte smallest-three frame: the largest
// quaternion component is dropped and rebuilt from the unit norm on
// decode. The first kept component shares its high byte with the
// dropped-index bits and travels as Q13; the other two travel as Q14.
func EncodeUltraFull(id byte, quat [4]int16, battery, flags byte) []byte {
	kept, dropped := compressSmallestThree(quat)
	b := make([]byte, UltraFullSize)
	b[0] = id & ultraIDMask
	k0 := kept[0] >> 1 // Q14 -> Q13, fits the 14-bit field
	b[1] = byte(k0)
	b[2] = byte(k0>>8)&0x3F | dropped<<6
	binary.LittleEndian.PutUint16(b[3:], uint16(kept[1]))
	binary.LittleEndian.PutUint16(b[5:], uint16(kept[2]))
	b[7] = battery
	b[8] = flags
	return ultraSeal(b)
}

// EncodeUltraDelta builds a 6-byte delta frame against the previous
// sample: int8 steps of 1/256 full scale for x,y,z, w recovered from
// the unit norm with an explicit sign bit.
func EncodeUltraDelta(id byte, deltas [3]int8, wNegative bool) []byte {
	b := make([]byte, UltraDeltaSize)
	b[0] = ultraDeltaBit | id&ultraIDMask
	b[1], b[2], b[3] = byte(deltas[0]), byte(deltas[1]), byte(deltas[2])
	if wNegative {
		b[4] = 1
	}
	return ultraSeal(b)
}

// DecodeUltra parses an Ultra frame, dispatching on length. Delta
// frames come back unresolved; feed them to an UltraDecoder.
func DecodeUltra(b []byte) (*UltraFrame, error) {
	switch len(b) {
	case UltraSize:
		return decodeUltra12(b)
	case UltraFullSize:
		return decodeUltraFull(b)
	case UltraDeltaSize:
		return decodeUltraDelta(b)
	}
	return nil, ErrTruncated
}

func decodeUltra12(b []byte) (*UltraFrame, error) {
	if CRC8(b[:UltraSize-1]) != b[UltraSize-1] {
		return nil, ErrBadCRC
	}
	f := &UltraFrame{
		Type: UltraType(b[0] >> ultraTypeShift),
		ID:   b[0] & ultraIDMask,
	}
	switch f.Type {
	case UltraQuat:
		for i := range f.Quat {
			f.Quat[i] = int16(binary.LittleEndian.Uint16(b[1+2*i:]))
		}
		az := int16(b[9]) | int16(b[10]&0x0F)<<8
		if az&0x800 != 0 {
			az |= ^int16(0xFFF) // sign extend 12 bits
		}
		f.AccelZ = az * 2
		f.Battery = (b[10] >> 4) * 4
	case UltraInfo:
		f.IMUType, f.FWMajor, f.FWMinor = b[1], b[2], b[3]
		f.FWPatch = binary.LittleEndian.Uint16(b[4:])
		f.UniqueID = binary.LittleEndian.Uint32(b[6:])
	case UltraStatus:
		f.Flags = b[1]
		f.BatteryMV = binary.LittleEndian.Uint16(b[2:])
		f.Temperature = int8(b[4])
	default:
		return nil, ErrBadField
	}
	return f, nil
}

func decodeUltraFull(b []byte) (*UltraFrame, error) {
	if b[0]&ultraDeltaBit != 0 {
		return nil, ErrBadField
	}
	if CRC8(b[:UltraFullSize-1]) != b[UltraFullSize-1] {
		return nil, ErrBadCRC
	}
	var kept [3]int16
	k0 := int16(b[1]) | int16(b[2]&0x3F)<<8
	if k0&0x2000 != 0 {
		k0 |= ^int16(0x3FFF) // sign extend 14 bits
	}
	kept[0] = k0 << 1 // Q13 -> Q14
	kept[1] = int16(binary.LittleEndian.Uint16(b[3:]))
	kept[2] = int16(binary.LittleEndian.Uint16(b[5:]))
	return &UltraFrame{
		Type:    UltraQuat,
		ID:      b[0] & ultraIDMask,
		Quat:    decompressSmallestThree(kept, b[2]>>6),
		Battery: b[7],
		Flags:   b[8],
	}, nil
}

func decodeUltraDelta(b []byte) (*UltraFrame, error) {
	if b[0]&ultraDeltaBit == 0 {
		return nil, ErrBadField
	}
	if CRC8(b[:UltraDeltaSize-1]) != b[UltraDeltaSize-1] {
		return nil, ErrBadCRC
	}
	return &UltraFrame{
		Type:      UltraQuat,
		ID:        b[0] & ultraIDMask,
		Delta:     true,
		Deltas:    [3]int8{int8(b[1]), int8(b[2]), int8(b[3])},
		WNegative: b[4]&1 != 0,
	}, nil
}

// UltraEncoder emits compressed quaternion frames for one tracker,
// switching between smallest-three full frames and delta frames. It
// mirrors the decoder's reconstruction so delta error cannot
// accumulate past the bounded run.
type UltraEncoder struct {
	ID byte

	last [4]int16
	run  int
	have bool
}

// Encode returns the next on-air frame for the sample.
func (e *UltraEncoder) Encode(quat [4]int16, battery, flags byte) []byte {
	if e.have && e.run < MaxDeltaRun && e.withinDelta(quat) {
		var deltas [3]int8
		for i := 0; i < 3; i++ {
			d := int32(quat[1+i]-e.last[1+i]) >> 8
			if d > 127 {
				d = 127
			} else if d < -128 {
				d = -128
			}
			deltas[i] = int8(d)
		}
		wNeg := quat[0] < 0
		e.last = applyDelta(e.last, deltas, wNeg)
		e.run++
		return EncodeUltraDelta(e.ID, deltas, wNeg)
	}
	e.last = quat
	e.have = true
	e.run = 0
	return EncodeUltraFull(e.ID, quat, battery, flags)
}

func (e *UltraEncoder) withinDelta(quat [4]int16) bool {
	for i := range quat {
		d := int32(quat[i]) - int32(e.last[i])
		if d < 0 {
			d = -d
		}
		if d >= deltaThreshold {
			return false
		}
	}
	return true
}

// applyDelta reconstructs the quaternion a delta frame encodes, given
// the previous sample: x,y,z stepped by delta*256 and w recovered from
// the unit norm.
func applyDelta(last [4]int16, deltas [3]int8, wNegative bool) [4]int16 {
	var q [4]int16
	sumSq := float64(0)
	for i := 0; i < 3; i++ {
		v := int32(last[1+i]) + int32(deltas[i])*256
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		q[1+i] = int16(v)
		f := float64(v) / 32767
		sumSq += f * f
	}
	rest := 1 - sumSq
	if rest < 0 {
		rest = 0
	}
	w := int16(math.Sqrt(rest) * 32767)
	if wNegative {
		w = -w
	}
	q[0] = w
	return q
}

// UltraDecoder resolves delta frames against the previous sample for
// one tracker. The receiver keeps one per TrackerRecord.
type UltraDecoder struct {
	last [4]int16
	have bool
}

// Resolve fills in Quat for delta frames and records full frames as
// the new reference. A delta frame with no prior full frame fails with
// ErrNoReference and must be dropped.
func (d *UltraDecoder) Resolve(f *UltraFrame) error {
	if f.Type != UltraQuat {
		return nil
	}
	if !f.Delta {
		d.last = f.Quat
		d.have = true
		return nil
	}
	if !d.have {
		return ErrNoReference
	}
	f.Quat = applyDelta(d.last, f.Deltas, f.WNegative)
	d.last = f.Quat
	return nil
}

// ToTrackerData converts a resolved quaternion frame to the standard
// format record used by receiver bookkeeping and the HID formatter.
func (f *UltraFrame) ToTrackerData() *TrackerData {
	return &TrackerData{
		ID:      f.ID,
		Quat:    f.Quat,
		Accel:   [3]int16{0, 0, f.AccelZ},
		Battery: f.Battery,
		Flags:   f.Flags,
	}
}
