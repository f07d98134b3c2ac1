// Package receiver implements the dongle side of the link: the TDMA
// superframe scheduler, the paired-tracker table, pairing and command
// dispatch, and per-tracker loss accounting. One Receiver owns one
// radio; all protocol state is mutated from the radio's timer and
// receive callbacks under a single lock, with read-side snapshots
// served from a lock-free double buffer.
package receiver

import (
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
	"github.com/trackwire/rflink/pkg/rf/recovery"
)

// Operational defaults, milliseconds.
const (
	TrackerTimeoutMs   = 500
	PairingTimeoutMs   = 30000
	pairingBeaconGapMs = 100
	beaconTxPower      = 7
)

// Package errors.
var (
	ErrBadTrackerID = errors.New("receiver: tracker id out of range")
	ErrNotPaired    = errors.New("receiver: tracker not paired")
	ErrNotRunning   = errors.New("receiver: not running")
)

// State is the receiver's top-level mode.
type State byte

// States.
const (
	StateIdle State = iota
	StateRunning
	StatePairing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePairing:
		return "pairing"
	}
	return "state(?)"
}

// TrackerRecord is the receiver's bookkeeping for one paired tracker.
type TrackerRecord struct {
	Addr      packet.HardwareAddr
	Active    bool
	Connected bool

	LastSeq    byte
	LastSeenMs uint32
	// LossEWMA is packet loss in tenths of a packet, decayed 7/8 on
	// every in-order arrival.
	LossEWMA uint16
	RSSI     int8

	Quat    [4]int16
	Accel   [3]int16
	Battery byte
	Flags   byte

	// Periodic telemetry from Ultra status and info frames.
	BatteryMV   uint16
	Temperature int8
	IMUType     byte
	FWVersion   [2]byte
	FWPatch     uint16
	UniqueID    uint32

	ultra packet.UltraDecoder
}

// DataFunc receives every accepted tracker-data packet.
type DataFunc func(id byte, d *packet.TrackerData)

// ConnectFunc fires on connect/disconnect edges, once per edge.
type ConnectFunc func(id byte, connected bool)

// PairedFunc fires when a pairing handshake completes.
type PairedFunc func(id byte, addr packet.HardwareAddr)

// Config carries receiver wiring and tunables.
type Config struct {
	// NetworkKey identifies this receiver's network; zero derives one
	// from the radio address.
	NetworkKey uint32
	// TrackerTimeoutMs overrides the disconnect timeout.
	TrackerTimeoutMs uint32
	// PairingTimeoutMs bounds a pairing window.
	PairingTimeoutMs uint32

	OnData    DataFunc
	OnConnect ConnectFunc
	OnPaired  PairedFunc
}

// Stats aggregates receiver counters.
type Stats struct {
	Frame        uint16
	TotalPackets uint64
	LostPackets  uint64
	PairedCount  int
	State        State
	Recovery     recovery.Stats
}

type pendingCommand struct {
	id      byte
	command packet.Command
	param   byte
	pending bool
}

// Receiver drives one radio as the link master.
type Receiver struct {
	r   radio.Radio
	ch  *channel.Manager
	rec *recovery.Engine
	cfg Config

	mu    sync.Mutex
	state State

	frame          uint16
	currentChannel uint8
	frameStartUs   uint32
	syncSent       bool
	slot           int

	trackers    [packet.MaxTrackers]TrackerRecord
	pairedCount int
	cmd         pendingCommand

	totalPackets uint64
	lostPackets  uint64

	pairingStartMs  uint32
	lastBeaconMs    uint32

	snaps snapBuffer
}

// New wires a receiver to its radio and channel manager.
func New(r radio.Radio, ch *channel.Manager, cfg Config) *Receiver {
	if cfg.TrackerTimeoutMs == 0 {
		cfg.TrackerTimeoutMs = TrackerTimeoutMs
	}
	if cfg.PairingTimeoutMs == 0 {
		cfg.PairingTimeoutMs = PairingTimeoutMs
	}
	if cfg.NetworkKey == 0 {
		cfg.NetworkKey = deriveKey(r.Address())
	}
	rx := &Receiver{r: r, ch: ch, rec: recovery.NewEngine(), cfg: cfg}
	r.SetRxCallback(rx.onRx)
	return rx
}

// deriveKey mixes the hardware address into a non-zero 32-bit key.
func deriveKey(addr packet.HardwareAddr) uint32 {
	k := uint32(0x9E3779B9)
	for _, b := range addr {
		k = (k ^ uint32(b)) * 0x01000193
	}
	if k == 0 {
		k = 0xCAFEBABE
	}
	return k
}

// NetworkKey returns the key assigned to paired trackers.
func (rx *Receiver) NetworkKey() uint32 { return rx.cfg.NetworkKey }

// State returns the current mode.
func (rx *Receiver) State() State {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return rx.state
}

// Start begins superframe scheduling.
func (rx *Receiver) Start() {
	rx.mu.Lock()
	rx.state = StateRunning
	rx.frame = 0
	rx.currentChannel = rx.ch.NextChannel()
	rx.frameStartUs = rx.r.TimeUs()
	rx.syncSent = false
	rx.slot = 0
	rx.mu.Unlock()

	glog.Infof("receiver starting on channel %d, key %08x",
		rx.currentChannel, rx.cfg.NetworkKey)
	rx.r.StartTimer(100, rx.onSlotTimer)
}

// Stop halts scheduling and puts the radio in standby.
func (rx *Receiver) Stop() {
	rx.r.StopTimer()
	rx.r.SetMode(radio.ModeStandby)
	rx.mu.Lock()
	rx.state = StateIdle
	rx.mu.Unlock()
}

// StartPairing suspends the superframe and listens on the pairing
// channel. Periodic pairing beacons invite unpaired trackers.
func (rx *Receiver) StartPairing() {
	rx.r.StopTimer()
	rx.mu.Lock()
	rx.state = StatePairing
	now := rx.nowMs()
	rx.pairingStartMs = now
	rx.lastBeaconMs = 0
	rx.mu.Unlock()

	rx.r.SetChannel(packet.PairingChannel)
	rx.r.SetMode(radio.ModeRx)
	glog.Info("pairing window open")
}

// StopPairing returns to normal superframe operation.
func (rx *Receiver) StopPairing() {
	glog.Info("pairing window closed")
	rx.Start()
}

// SendCommand queues a command for piggyback on the tracker's next
// ACK. Overwrites any previously queued command.
func (rx *Receiver) SendCommand(id byte, cmd packet.Command, param byte) error {
	if id >= packet.MaxTrackers {
		return ErrBadTrackerID
	}
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if !rx.trackers[id].Active {
		return ErrNotPaired
	}
	rx.cmd = pendingCommand{id: id, command: cmd, param: param, pending: true}
	return nil
}

// Unpair removes a tracker. The tracker learns of the removal from its
// absence in the beacon active mask; no command is queued, the slot
// goes inactive and could not deliver one. Unpairing an unknown
// tracker is a no-op.
func (rx *Receiver) Unpair(id byte) error {
	if id >= packet.MaxTrackers {
		return ErrBadTrackerID
	}
	rx.mu.Lock()
	defer rx.mu.Unlock()
	if !rx.trackers[id].Active {
		return nil
	}
	if rx.cmd.pending && rx.cmd.id == id {
		rx.cmd = pendingCommand{}
	}
	rx.trackers[id] = TrackerRecord{}
	if rx.pairedCount > 0 {
		rx.pairedCount--
	}
	rx.publishLocked()
	glog.Infof("tracker %d unpaired", id)
	return nil
}

// UnpairAll removes every paired tracker.
func (rx *Receiver) UnpairAll() {
	for id := byte(0); id < packet.MaxTrackers; id++ {
		rx.Unpair(id)
	}
}

// Process runs housekeeping: tracker timeouts, pairing window expiry
// and pairing beacons. Call it from the role's periodic tick, outside
// slot-critical timing.
func (rx *Receiver) Process() {
	now := rx.nowMs()

	var disconnects []byte
	rx.mu.Lock()
	for i := range rx.trackers {
		tr := &rx.trackers[i]
		if tr.Active && tr.Connected && now-tr.LastSeenMs > rx.cfg.TrackerTimeoutMs {
			tr.Connected = false
			disconnects = append(disconnects, byte(i))
		}
	}
	if len(disconnects) > 0 {
		rx.publishLocked()
	}
	pairing := rx.state == StatePairing
	expired := pairing && now-rx.pairingStartMs > rx.cfg.PairingTimeoutMs
	beacon := pairing && !expired && now-rx.lastBeaconMs >= pairingBeaconGapMs
	if beacon {
		rx.lastBeaconMs = now
	}
	rx.mu.Unlock()

	for _, id := range disconnects {
		glog.Warningf("tracker %d timed out", id)
		if rx.cfg.OnConnect != nil {
			rx.cfg.OnConnect(id, false)
		}
	}
	if expired {
		rx.StopPairing()
		return
	}
	if beacon {
		rx.sendPairingBeacon()
	}

	rx.ch.Update(now)
}

// CurrentChannel returns the channel this frame's beacon went out on.
func (rx *Receiver) CurrentChannel() uint8 {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return rx.currentChannel
}

// Tracker returns a copy of one record.
func (rx *Receiver) Tracker(id byte) (TrackerRecord, bool) {
	if id >= packet.MaxTrackers {
		return TrackerRecord{}, false
	}
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return rx.trackers[id], rx.trackers[id].Active
}

// Stats snapshots the counters.
func (rx *Receiver) Stats() Stats {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return Stats{
		Frame:        rx.frame,
		TotalPackets: rx.totalPackets,
		LostPackets:  rx.lostPackets,
		PairedCount:  rx.pairedCount,
		State:        rx.state,
		Recovery:     rx.rec.Stats(),
	}
}

func (rx *Receiver) nowMs() uint32 {
	return rx.r.TimeUs() / 1000
}
