package packet

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// randomUnitQuat draws a normalized quaternion in Q15.
func randomUnitQuat(t *rapid.T) [4]int16 {
	var q [4]float64
	norm := 0.0
	for i := range q {
		q[i] = rapid.Float64Range(-1, 1).Draw(t, "q")
		norm += q[i] * q[i]
	}
	if norm < 1e-6 {
		return [4]int16{32767, 0, 0, 0}
	}
	norm = math.Sqrt(norm)
	var out [4]int16
	for i := range q {
		out[i] = int16(q[i] / norm * 32767)
	}
	return out
}

func TestUltraQuatRoundTrip(t *testing.T) {
	b := EncodeUltraQuat(5, [4]int16{32767, -12345, 0, 1}, 998, 80)
	require.Len(t, b, UltraSize)

	f, err := DecodeUltra(b)
	require.NoError(t, err)
	require.Equal(t, UltraQuat, f.Type)
	require.Equal(t, byte(5), f.ID)
	require.Equal(t, [4]int16{32767, -12345, 0, 1}, f.Quat)
	// 12-bit accel, 2 mg steps
	require.InDelta(t, 998, f.AccelZ, 2)
	// 4-bit battery, 4% steps, saturates at 60
	require.Equal(t, byte(60), f.Battery)

	b = EncodeUltraQuat(5, [4]int16{32767, 0, 0, 0}, -2000, 40)
	f, err = DecodeUltra(b)
	require.NoError(t, err)
	require.InDelta(t, -2000, f.AccelZ, 2)
	require.Equal(t, byte(40), f.Battery)
}

func TestUltraInfoRoundTrip(t *testing.T) {
	b := EncodeUltraInfo(9, 0x45, 1, 0, 257, 0xDEADBEEF)
	f, err := DecodeUltra(b)
	require.NoError(t, err)
	require.Equal(t, UltraInfo, f.Type)
	require.Equal(t, byte(9), f.ID)
	require.Equal(t, byte(0x45), f.IMUType)
	require.Equal(t, byte(1), f.FWMajor)
	require.Equal(t, byte(0), f.FWMinor)
	require.Equal(t, uint16(257), f.FWPatch)
	require.Equal(t, uint32(0xDEADBEEF), f.UniqueID)
}

func TestUltraStatusRoundTrip(t *testing.T) {
	b := EncodeUltraStatus(2, FlagCharging|FlagLowBattery, 3712, -12)
	f, err := DecodeUltra(b)
	require.NoError(t, err)
	require.Equal(t, UltraStatus, f.Type)
	require.Equal(t, FlagCharging|FlagLowBattery, f.Flags)
	require.Equal(t, uint16(3712), f.BatteryMV)
	require.Equal(t, int8(-12), f.Temperature)
}

// Smallest-three keeps components in Q14 and rebuilds the dropped one
// from the unit norm; the error stays within a few Q15 steps.
func TestUltraFullRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		quat := randomUnitQuat(t)
		b := EncodeUltraFull(21, quat, 95, FlagMagEnabled)
		require.Len(t, b, UltraFullSize)

		f, err := DecodeUltra(b)
		require.NoError(t, err)
		require.Equal(t, byte(21), f.ID)
		require.Equal(t, byte(95), f.Battery)
		require.Equal(t, FlagMagEnabled, f.Flags)

		// Sign may be normalized as a whole; q and -q are the same
		// rotation.
		sign := 1
		var maxIdx int
		maxVal := int32(0)
		for i, v := range quat {
			a := int32(v)
			if a < 0 {
				a = -a
			}
			if a > maxVal {
				maxVal, maxIdx = a, i
			}
		}
		if quat[maxIdx] < 0 {
			sign = -1
		}
		for i := range quat {
			require.InDelta(t, int(quat[i])*sign, int(f.Quat[i]), 16,
				"component %d", i)
		}
	})
}

// The first kept component rides a 14-bit field; a component at or
// above 0.5 full scale must keep its sign through the round trip.
func TestUltraFullLargeKeptComponent(t *testing.T) {
	quat := [4]int16{19660, 0, 26213, 0} // (0.6, 0, 0.8, 0), y dropped
	f, err := DecodeUltra(EncodeUltraFull(3, quat, 80, 0))
	require.NoError(t, err)
	for i := range quat {
		require.InDelta(t, int(quat[i]), int(f.Quat[i]), 16,
			"component %d", i)
	}
}

// quatAt builds a unit quaternion whose x,y,z are exact multiples of
// the int8 delta step, with w recovered the same way the delta decoder
// recovers it.
func quatAt(z int16) [4]int16 {
	x := int16(16384)
	sumSq := float64(x)/32767*float64(x)/32767 + float64(z)/32767*float64(z)/32767
	w := int16(math.Sqrt(1-sumSq) * 32767)
	return [4]int16{w, x, 0, z}
}

func TestUltraDeltaRun(t *testing.T) {
	enc := &UltraEncoder{ID: 4}
	var dec UltraDecoder

	// First frame is always full.
	b := enc.Encode(quatAt(0), 50, 0)
	require.Len(t, b, UltraFullSize)
	f, err := DecodeUltra(b)
	require.NoError(t, err)
	require.NoError(t, dec.Resolve(f))

	// Slow motion stays in delta mode for at most MaxDeltaRun frames,
	// then a full frame caps accumulated error.
	deltas, fulls := 0, 0
	for i := 1; i <= MaxDeltaRun+1; i++ {
		quat := quatAt(int16(i) * 256)
		b = enc.Encode(quat, 50, 0)
		f, err = DecodeUltra(b)
		require.NoError(t, err)
		require.NoError(t, dec.Resolve(f))
		if f.Delta {
			deltas++
		} else {
			fulls++
		}
		for c := range quat {
			require.InDelta(t, int(quat[c]), int(f.Quat[c]), 16,
				"frame %d component %d", i, c)
		}
	}
	require.Equal(t, MaxDeltaRun, deltas)
	require.Equal(t, 1, fulls)
}

func TestUltraDeltaForcesFullOnJump(t *testing.T) {
	enc := &UltraEncoder{ID: 1}
	b := enc.Encode([4]int16{32767, 0, 0, 0}, 50, 0)
	require.Len(t, b, UltraFullSize)

	// A rotation past the delta threshold must produce a full frame.
	b = enc.Encode([4]int16{0, 32767, 0, 0}, 50, 0)
	require.Len(t, b, UltraFullSize)
}

func TestUltraDeltaWithoutReference(t *testing.T) {
	var dec UltraDecoder
	f, err := DecodeUltra(EncodeUltraDelta(3, [3]int8{1, 2, 3}, false))
	require.NoError(t, err)
	require.Equal(t, ErrNoReference, dec.Resolve(f))
}

func TestUltraDecodeRejectsLength(t *testing.T) {
	for _, n := range []int{0, 1, 5, 7, 9, 11, 13, 32} {
		_, err := DecodeUltra(make([]byte, n))
		require.Error(t, err, "len %d", n)
	}
}
