// Package radio defines the radio I/O interface the link layer is
// written against. Hardware drivers and the simulated air implement
// it; the protocol code never touches radio registers.
package radio

import (
	"errors"

	"github.com/trackwire/rflink/pkg/rf/packet"
)

// Operating modes.
type Mode byte

// Modes, ordered by power draw.
const (
	ModeSleep Mode = iota
	ModeStandby
	ModeRx
	ModeTx
)

func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "sleep"
	case ModeStandby:
		return "standby"
	case ModeRx:
		return "rx"
	case ModeTx:
		return "tx"
	}
	return "mode(?)"
}

// Result codes returned to callers for their retry decision.
var (
	// ErrTimeout reports a blocking transmit that never completed.
	ErrTimeout = errors.New("radio: transmit timeout")
	// ErrBusy reports a transmit FIFO still occupied by a previous
	// frame.
	ErrBusy = errors.New("radio: busy")
	// ErrBadChannel reports a channel outside the usable range.
	ErrBadChannel = errors.New("radio: invalid channel")
)

// RxFunc is invoked from the radio's receive context when a frame
// arrives. Implementations must not block and must not call back into
// the radio; they hand the frame to the owning state machine.
type RxFunc func(data []byte, rssi int8)

// Radio is the hardware abstraction both roles are driven by. All
// methods are only safe from the owning state machine except the
// receive callback, which the driver fires from its own context.
type Radio interface {
	// SetChannel tunes the radio; channels are 2 MHz wide from
	// 2402 MHz.
	SetChannel(ch uint8) error
	// Channel returns the currently tuned channel.
	Channel() uint8
	// SetTxPower selects one of the discrete output levels (0..7).
	SetTxPower(level uint8)

	// SetMode switches between sleep, standby, rx and tx.
	SetMode(m Mode)

	// Transmit sends one frame, blocking until the air is free.
	Transmit(data []byte) error
	// TransmitAsync starts a transmission without waiting for
	// completion; ErrBusy when a frame is still in flight.
	TransmitAsync(data []byte) error

	// ReceiveAvailable reports whether a received frame is pending.
	ReceiveAvailable() bool
	// Receive pops one pending frame (at most maxLen bytes) with its
	// RSSI. ok is false when nothing is pending.
	Receive(maxLen int) (data []byte, rssi int8, ok bool)
	// SetAckPayload preloads the frame the radio piggybacks on the
	// next reception.
	SetAckPayload(data []byte)
	// SetRxCallback installs the receive-context callback.
	SetRxCallback(fn RxFunc)

	// RSSI samples the current received signal strength on the tuned
	// channel (used for clear-channel assessment).
	RSSI() int8

	// Address returns the device hardware address.
	Address() packet.HardwareAddr

	// TimeUs returns the radio's microsecond clock. It wraps; compare
	// with differences only.
	TimeUs() uint32
	// StartTimer arms the one-shot timer; an armed timer is replaced
	// atomically.
	StartTimer(periodUs uint32, fn func())
	// StopTimer disarms the timer; a stopped callback never fires.
	StopTimer()

	// FlushTx/FlushRx discard any queued frames.
	FlushTx()
	FlushRx()
}
