// Package transmitter implements the tracker side of the link: beacon
// synchronization, slot-deadline transmission, pairing, motion-gated
// send rate and adaptive output power. The state machine is driven
// entirely by the radio's one-shot timer and receive callback; there
// is no polling loop.
package transmitter

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
	"github.com/trackwire/rflink/pkg/rf/recovery"
)

// Link tunables.
const (
	// SearchTimeoutMs bounds beacon search before requesting sleep.
	SearchTimeoutMs = 5000
	// searchHopGapUs is the listen dwell per channel while searching.
	searchHopGapUs = 10000
	// ackWindowUs is how long after a transmission the ack may arrive.
	ackWindowUs = 600
	// syncGraceUs extends the beacon wait past the nominal sync time.
	syncGraceUs = packet.SyncSlotUs
	// pairingTimeoutMs bounds one pairing attempt.
	pairingTimeoutMs = 5000
	ccaRetries       = 2

	// Ultra telemetry cadence, in transmitted frames.
	statusEveryFrames = 100
	infoEveryFrames   = 200
)

// Discrete output power levels.
const (
	PowerLow  = 0
	PowerMed  = 4
	PowerHigh = 7
)

// Package errors.
var (
	ErrNotPaired = errors.New("transmitter: not paired")
)

// State is the tracker's link mode.
type State byte

// States.
const (
	StateUnpaired State = iota
	StatePairing
	StateSearching
	StateSynced
	StateRunning
	StateSleep
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnpaired:
		return "unpaired"
	case StatePairing:
		return "pairing"
	case StateSearching:
		return "searching"
	case StateSynced:
		return "synced"
	case StateRunning:
		return "running"
	case StateSleep:
		return "sleep"
	case StateError:
		return "error"
	}
	return "state(?)"
}

// Motion is the external motion classifier's verdict, gating the send
// rate divider.
type Motion byte

// Motion classes and their frame dividers.
const (
	MotionMoving      Motion = iota // every frame
	MotionMicro                     // every 2nd frame
	MotionStationary                // every 4th frame
)

func (m Motion) divider() uint32 {
	switch m {
	case MotionStationary:
		return 4
	case MotionMicro:
		return 2
	}
	return 1
}

// SyncFunc fires on every accepted beacon.
type SyncFunc func(frame uint16)

// AckFunc reports per-transmission outcome.
type AckFunc func(seq byte, acked bool)

// CommandFunc receives commands carried on acks (calibrate, tare and
// friends). Sleep and unpair are handled internally first.
type CommandFunc func(cmd packet.Command, param byte)

// Config wires a transmitter.
type Config struct {
	// UseUltra selects the compressed data format.
	UseUltra bool
	// IMUType and UniqueID identify the device in periodic info frames.
	IMUType  byte
	UniqueID uint32

	OnSync    SyncFunc
	OnAck     AckFunc
	OnCommand CommandFunc
	// OnSleepRequest fires when the link wants the host to power
	// down (search timeout, sleep command).
	OnSleepRequest func()
}

// Stats aggregates transmitter counters.
type Stats struct {
	State      State
	Frame      uint16
	TxCount    uint32
	AckCount   uint32
	MissedSync uint32
	Skipped    uint32
	TxPower    uint8
	Recovery   recovery.Stats
}

// Transmitter drives one radio as a tracker endpoint.
type Transmitter struct {
	r   radio.Radio
	ch  *channel.Manager
	rec *recovery.Engine
	cfg Config

	mu    sync.Mutex
	state State

	paired       bool
	id           byte
	receiverAddr packet.HardwareAddr
	networkKey   uint32

	frame      uint16
	syncTimeUs uint32
	searchFrom uint32
	missedRun  uint32

	chanMap    [packet.ChannelMapLen]uint8
	chanMapIdx int

	quat        [4]int16
	accel       [3]int16
	battery     byte
	flags       byte
	batteryMV   uint16
	temperature int8
	seq         byte
	ultra       packet.UltraEncoder
	ultraCount  uint32

	motion      Motion
	skipCounter uint32

	power powerControl

	awaitingAck bool
	txStartUs   uint32

	txCount    uint32
	ackCount   uint32
	missedSync uint32
	skipped    uint32
}

// New wires a transmitter to its radio and channel manager.
func New(r radio.Radio, ch *channel.Manager, cfg Config) *Transmitter {
	tx := &Transmitter{
		r:     r,
		ch:    ch,
		rec:   recovery.NewEngine(),
		cfg:   cfg,
		state: StateUnpaired,
		quat:  [4]int16{32767, 0, 0, 0},
	}
	tx.power.init()
	r.SetRxCallback(tx.onRx)
	return tx
}

// State returns the current link mode.
func (tx *Transmitter) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// Paired reports whether the tracker holds a slot assignment.
func (tx *Transmitter) Paired() (byte, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.id, tx.paired
}

// SetData updates the sample transmitted at the next slot. Callable
// from the sensor path at any rate.
func (tx *Transmitter) SetData(quat [4]int16, accel [3]int16, battery, flags byte) {
	tx.mu.Lock()
	tx.quat = quat
	tx.accel = accel
	tx.battery = battery
	tx.flags = flags
	tx.mu.Unlock()
}

// SetStatus updates the telemetry carried by periodic status frames.
func (tx *Transmitter) SetStatus(batteryMV uint16, temperature int8) {
	tx.mu.Lock()
	tx.batteryMV = batteryMV
	tx.temperature = temperature
	tx.mu.Unlock()
}

// SetMotion feeds the external motion classifier's verdict.
func (tx *Transmitter) SetMotion(m Motion) {
	tx.mu.Lock()
	tx.motion = m
	tx.mu.Unlock()
}

// Start begins searching for the paired receiver. Unpaired trackers
// stay in StateUnpaired until StartPairing.
func (tx *Transmitter) Start() {
	tx.mu.Lock()
	paired := tx.paired
	tx.mu.Unlock()
	if paired {
		tx.startSearching()
	}
}

// Restore installs a persisted pairing (slot, receiver, key) without
// a handshake.
func (tx *Transmitter) Restore(id byte, receiver packet.HardwareAddr, key uint32) {
	tx.mu.Lock()
	tx.id = id
	tx.receiverAddr = receiver
	tx.networkKey = key
	tx.paired = true
	tx.mu.Unlock()
}

// Sleep powers the radio down until Wake.
func (tx *Transmitter) Sleep() {
	tx.r.StopTimer()
	tx.mu.Lock()
	tx.state = StateSleep
	tx.awaitingAck = false
	tx.mu.Unlock()
	tx.r.SetMode(radio.ModeSleep)
	glog.V(1).Info("transmitter sleeping")
	if tx.cfg.OnSleepRequest != nil {
		tx.cfg.OnSleepRequest()
	}
}

// Wake leaves sleep and resumes searching if paired.
func (tx *Transmitter) Wake() {
	tx.mu.Lock()
	if tx.state != StateSleep {
		tx.mu.Unlock()
		return
	}
	paired := tx.paired
	tx.state = StateUnpaired
	tx.mu.Unlock()
	tx.r.SetMode(radio.ModeStandby)
	if paired {
		tx.startSearching()
	}
}

// Stats snapshots the counters.
func (tx *Transmitter) Stats() Stats {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return Stats{
		State:      tx.state,
		Frame:      tx.frame,
		TxCount:    tx.txCount,
		AckCount:   tx.ackCount,
		MissedSync: tx.missedSync,
		Skipped:    tx.skipped,
		TxPower:    tx.power.level,
		Recovery:   tx.rec.Stats(),
	}
}

// TxPower returns the current adaptive output level.
func (tx *Transmitter) TxPower() uint8 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.power.level
}

func (tx *Transmitter) nowMs() uint32 {
	return tx.r.TimeUs() / 1000
}
