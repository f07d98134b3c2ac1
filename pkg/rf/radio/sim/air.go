package sim

import (
	"sync"

	"github.com/trackwire/rflink/pkg/rf/packet"
)

// Timing constants of the simulated medium, in microseconds. Frame
// air time models 1 Mbps with preamble, address and CRC overhead.
const (
	frameOverheadBytes = 9
	ackTurnaroundUs    = 50
)

func airTimeUs(n int) uint32 {
	return uint32(n+frameOverheadBytes) * 8
}

// ambientFloor is the idle-channel energy reported by RSSI sampling.
const ambientFloor = -90

// DropFunc decides whether one delivery is lost on the air. from is
// the transmitter address; to the would-be receiver.
type DropFunc func(ch uint8, from, to packet.HardwareAddr) bool

// Air is the shared medium. All nodes created from one Air hear each
// other when tuned to the same channel in receive mode.
type Air struct {
	clock *Clock

	mu    sync.Mutex
	nodes []*Node
	noise [packet.ChannelCount]int8
	drop  DropFunc
}

// NewAir creates an empty medium on the given clock.
func NewAir(clock *Clock) *Air {
	a := &Air{clock: clock}
	for i := range a.noise {
		a.noise[i] = ambientFloor
	}
	return a
}

// Clock returns the medium's clock.
func (a *Air) Clock() *Clock { return a.clock }

// Node registers a new radio on the medium.
func (a *Air) Node(addr packet.HardwareAddr) *Node {
	n := &Node{air: a, addr: addr, txPower: 7}
	a.mu.Lock()
	a.nodes = append(a.nodes, n)
	a.mu.Unlock()
	return n
}

// SetNoise sets the ambient energy on one channel, as seen by RSSI
// sampling. Raising it above the clear-channel threshold makes the
// channel busy.
func (a *Air) SetNoise(ch uint8, dbm int8) {
	a.mu.Lock()
	a.noise[ch] = dbm
	a.mu.Unlock()
}

// SetDropFunc installs per-delivery loss injection. nil restores
// perfect delivery.
func (a *Air) SetDropFunc(fn DropFunc) {
	a.mu.Lock()
	a.drop = fn
	a.mu.Unlock()
}

func (a *Air) noiseAt(ch uint8) int8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ch) < len(a.noise) {
		return a.noise[ch]
	}
	return ambientFloor
}

// transmit schedules delivery of one frame to every listening node on
// the channel. Receivers are filtered again at delivery time so a node
// that retunes mid-flight misses the frame.
func (a *Air) transmit(from *Node, ch uint8, data []byte, txPower uint8) {
	frame := append([]byte(nil), data...)
	delay := airTimeUs(len(frame))

	a.mu.Lock()
	targets := make([]*Node, 0, len(a.nodes))
	for _, n := range a.nodes {
		if n != from {
			targets = append(targets, n)
		}
	}
	drop := a.drop
	a.mu.Unlock()

	for _, n := range targets {
		n := n
		if drop != nil && drop(ch, from.addr, n.addr) {
			continue
		}
		a.clock.schedule(delay, func() {
			n.deliver(from, ch, frame, rssiAt(txPower, n.pathLossTo(from)))
		})
	}
}

// rssiAt models received strength from the discrete output level and a
// per-link path loss.
func rssiAt(txPower uint8, pathLoss int8) int8 {
	r := int(-30) - int(7-txPower)*5 - int(pathLoss)
	if r < ambientFloor {
		r = ambientFloor
	}
	return int8(r)
}
