package transmitter

// RSSI bands for adaptive output power, dBm.
const (
	rssiHigh       = -45
	rssiMed        = -60
	rssiLow        = -75
	rssiHysteresis = 3
	rssiSamples    = 10
)

// powerControl selects one of three discrete output levels from a
// moving average of ack RSSI, with hysteresis so a borderline link
// does not flap between levels.
type powerControl struct {
	history [rssiSamples]int8
	idx     int
	level   uint8
}

func (p *powerControl) init() {
	for i := range p.history {
		p.history[i] = -50
	}
	p.level = PowerMed
}

// update folds one RSSI sample in and returns the level to use.
func (p *powerControl) update(rssi int8) uint8 {
	p.history[p.idx] = rssi
	p.idx = (p.idx + 1) % rssiSamples

	sum := 0
	for _, v := range p.history {
		sum += int(v)
	}
	avg := int8(sum / rssiSamples)

	switch {
	case avg > rssiHigh+rssiHysteresis:
		p.level = PowerLow
	case avg > rssiMed+rssiHysteresis:
		p.level = PowerMed
	case avg < rssiLow-rssiHysteresis:
		p.level = PowerHigh
	}
	// inside the dead bands the level is unchanged
	return p.level
}
