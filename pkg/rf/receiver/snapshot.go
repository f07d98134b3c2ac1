package receiver

import (
	"sync/atomic"

	"github.com/trackwire/rflink/pkg/rf/packet"
)

// Snapshot is the read-side view of one tracker, safe to consume from
// any goroutine (HID formatter, diagnostics) without touching the
// receiver lock.
type Snapshot struct {
	ID        byte
	Active    bool
	Connected bool
	Quat      [4]int16
	Accel     [3]int16
	Battery   byte
	Flags     byte
	RSSI      int8
	// LossEWMA in tenths of a packet.
	LossEWMA uint16
}

// snapBuffer is a double buffer with an atomic front index. The single
// writer (the receiver's callback path) fills the back buffer and
// flips; readers copy from the front and never block the writer.
type snapBuffer struct {
	front atomic.Uint32
	bufs  [2][packet.MaxTrackers]Snapshot
}

// publishLocked rebuilds the back buffer from the tracker table and
// flips it to the front. Caller holds rx.mu, making it the sole
// writer.
func (rx *Receiver) publishLocked() {
	back := 1 - rx.snaps.front.Load()
	buf := &rx.snaps.bufs[back]
	for i := range rx.trackers {
		tr := &rx.trackers[i]
		buf[i] = Snapshot{
			ID:        byte(i),
			Active:    tr.Active,
			Connected: tr.Connected,
			Quat:      tr.Quat,
			Accel:     tr.Accel,
			Battery:   tr.Battery,
			Flags:     tr.Flags,
			RSSI:      tr.RSSI,
			LossEWMA:  tr.LossEWMA,
		}
	}
	rx.snaps.front.Store(back)
}

// Snapshots returns the current view of all tracker slots.
func (rx *Receiver) Snapshots() [packet.MaxTrackers]Snapshot {
	return rx.snaps.bufs[rx.snaps.front.Load()]
}

// SnapshotTracker returns the current view of one slot.
func (rx *Receiver) SnapshotTracker(id byte) (Snapshot, bool) {
	if id >= packet.MaxTrackers {
		return Snapshot{}, false
	}
	s := rx.snaps.bufs[rx.snaps.front.Load()][id]
	return s, s.Active
}
