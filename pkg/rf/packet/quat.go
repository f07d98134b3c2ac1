package packet

import "math"

// QuatToQ15 converts a unit quaternion (w,x,y,z) to fixed-point Q15.
// Components are clamped to ±1.0 first; ±1.0 maps to ±32767.
func QuatToQ15(q [4]float32) [4]int16 {
	var out [4]int16
	for i, v := range q {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767)
	}
	return out
}

// QuatFromQ15 converts a Q15 quaternion back to floats.
func QuatFromQ15(q [4]int16) [4]float32 {
	var out [4]float32
	for i, v := range q {
		out[i] = float32(v) / 32767
	}
	return out
}

// AccelToMilliG converts acceleration in g to the int16 milli-g wire
// form, clamped to the representable ±32.767 g.
func AccelToMilliG(a [3]float32) [3]int16 {
	var out [3]int16
	for i, v := range a {
		if v > 32.767 {
			v = 32.767
		} else if v < -32.768 {
			v = -32.768
		}
		out[i] = int16(v * 1000)
	}
	return out
}

// AccelFromMilliG converts the wire form back to g.
func AccelFromMilliG(a [3]int16) [3]float32 {
	var out [3]float32
	for i, v := range a {
		out[i] = float32(v) / 1000
	}
	return out
}

// compressSmallestThree drops the largest-magnitude component of a Q15
// quaternion. The sign is normalized so the dropped component is
// non-negative, and the three kept components are stored in Q14.
func compressSmallestThree(q [4]int16) (kept [3]int16, dropped byte) {
	maxIdx := 0
	maxVal := int32(q[0])
	if maxVal < 0 {
		maxVal = -maxVal
	}
	for i := 1; i < 4; i++ {
		v := int32(q[i])
		if v < 0 {
			v = -v
		}
		if v > maxVal {
			maxVal, maxIdx = v, i
		}
	}
	sign := int32(1)
	if q[maxIdx] < 0 {
		sign = -1
	}
	j := 0
	for i := 0; i < 4; i++ {
		if i == maxIdx {
			continue
		}
		kept[j] = int16((int32(q[i]) * sign) >> 1) // Q15 -> Q14
		j++
	}
	return kept, byte(maxIdx)
}

// decompressSmallestThree rebuilds the full Q15 quaternion, recovering
// the dropped component from the unit-norm identity. The dropped
// component is always non-negative by construction.
func decompressSmallestThree(kept [3]int16, dropped byte) [4]int16 {
	var comp [3]int16
	sumSq := float64(0)
	for i, k := range kept {
		comp[i] = k << 1 // Q14 -> Q15
		f := float64(comp[i]) / 32767
		sumSq += f * f
	}
	rest := 1 - sumSq
	if rest < 0 {
		rest = 0
	}
	recovered := int16(math.Sqrt(rest) * 32767)

	var q [4]int16
	j := 0
	for i := 0; i < 4; i++ {
		if byte(i) == dropped {
			q[i] = recovered
			continue
		}
		q[i] = comp[j]
		j++
	}
	return q
}
