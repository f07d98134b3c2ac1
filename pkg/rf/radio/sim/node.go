package sim

import (
	"sync"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
)

type rxFrame struct {
	data []byte
	rssi int8
}

// Node is one radio on a simulated Air. It implements radio.Radio.
type Node struct {
	air  *Air
	addr packet.HardwareAddr

	mu       sync.Mutex
	mode     radio.Mode
	channel  uint8
	txPower  uint8
	pathLoss int8
	rxq      []rxFrame
	ackPay   []byte
	rxFn     radio.RxFunc
	timer    *event

	txCount uint64
	rxCount uint64
}

var _ radio.Radio = (*Node)(nil)

// SetPathLoss adds attenuation (dB) to every link this node is an
// endpoint of, in both directions. Tests use it to push a link toward
// the power-control thresholds.
func (n *Node) SetPathLoss(db int8) {
	n.mu.Lock()
	n.pathLoss = db
	n.mu.Unlock()
}

// pathLossTo is the symmetric link loss between the two endpoints.
func (n *Node) pathLossTo(from *Node) int8 {
	n.mu.Lock()
	loss := int(n.pathLoss)
	n.mu.Unlock()
	from.mu.Lock()
	loss += int(from.pathLoss)
	from.mu.Unlock()
	if loss > 127 {
		loss = 127
	}
	return int8(loss)
}

// Counters reports frames sent and delivered since creation.
func (n *Node) Counters() (tx, rx uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.txCount, n.rxCount
}

// SetChannel implements radio.Radio.
func (n *Node) SetChannel(ch uint8) error {
	if ch >= packet.ChannelCount {
		return radio.ErrBadChannel
	}
	n.mu.Lock()
	n.channel = ch
	n.mu.Unlock()
	return nil
}

// Channel implements radio.Radio.
func (n *Node) Channel() uint8 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.channel
}

// SetTxPower implements radio.Radio.
func (n *Node) SetTxPower(level uint8) {
	if level > 7 {
		level = 7
	}
	n.mu.Lock()
	n.txPower = level
	n.mu.Unlock()
}

// SetMode implements radio.Radio.
func (n *Node) SetMode(m radio.Mode) {
	n.mu.Lock()
	n.mode = m
	n.mu.Unlock()
}

// Transmit implements radio.Radio. The simulated air never jams a
// transmitter, so it always completes.
func (n *Node) Transmit(data []byte) error {
	n.mu.Lock()
	ch, power := n.channel, n.txPower
	n.txCount++
	n.mu.Unlock()
	n.air.transmit(n, ch, data, power)
	return nil
}

// TransmitAsync implements radio.Radio.
func (n *Node) TransmitAsync(data []byte) error {
	return n.Transmit(data)
}

// ReceiveAvailable implements radio.Radio.
func (n *Node) ReceiveAvailable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.rxq) > 0
}

// Receive implements radio.Radio.
func (n *Node) Receive(maxLen int) ([]byte, int8, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.rxq) == 0 {
		return nil, 0, false
	}
	f := n.rxq[0]
	n.rxq = n.rxq[1:]
	if len(f.data) > maxLen {
		f.data = f.data[:maxLen]
	}
	return f.data, f.rssi, true
}

// SetAckPayload implements radio.Radio. The payload rides back to the
// sender of the next received frame, then clears.
func (n *Node) SetAckPayload(data []byte) {
	n.mu.Lock()
	n.ackPay = append([]byte(nil), data...)
	n.mu.Unlock()
}

// SetRxCallback implements radio.Radio.
func (n *Node) SetRxCallback(fn radio.RxFunc) {
	n.mu.Lock()
	n.rxFn = fn
	n.mu.Unlock()
}

// RSSI implements radio.Radio.
func (n *Node) RSSI() int8 {
	return n.air.noiseAt(n.Channel())
}

// Address implements radio.Radio.
func (n *Node) Address() packet.HardwareAddr { return n.addr }

// TimeUs implements radio.Radio.
func (n *Node) TimeUs() uint32 { return n.air.clock.NowUs() }

// StartTimer implements radio.Radio.
func (n *Node) StartTimer(periodUs uint32, fn func()) {
	n.mu.Lock()
	old := n.timer
	ev := n.air.clock.schedule(periodUs, fn)
	n.timer = ev
	n.mu.Unlock()
	n.air.clock.cancel(old)
}

// StopTimer implements radio.Radio.
func (n *Node) StopTimer() {
	n.mu.Lock()
	old := n.timer
	n.timer = nil
	n.mu.Unlock()
	n.air.clock.cancel(old)
}

// FlushTx implements radio.Radio.
func (n *Node) FlushTx() {}

// FlushRx implements radio.Radio.
func (n *Node) FlushRx() {
	n.mu.Lock()
	n.rxq = nil
	n.mu.Unlock()
}

// deliver hands a frame to this node if it is still listening on the
// channel, fires the receive callback, and returns the pending ack
// payload to the sender.
func (n *Node) deliver(from *Node, ch uint8, data []byte, rssi int8) {
	n.mu.Lock()
	if n.mode != radio.ModeRx || n.channel != ch {
		n.mu.Unlock()
		return
	}
	n.rxCount++
	fn := n.rxFn
	if fn == nil {
		n.rxq = append(n.rxq, rxFrame{data: data, rssi: rssi})
	}
	ack := n.ackPay
	n.ackPay = nil
	power := n.txPower
	n.mu.Unlock()

	if fn != nil {
		fn(data, rssi)
	}
	if ack != nil {
		n.air.clock.schedule(ackTurnaroundUs, func() {
			from.deliver(n, ch, ack, rssiAt(power, from.pathLossTo(n)))
		})
	}
}
