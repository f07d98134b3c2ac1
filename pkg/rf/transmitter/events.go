package transmitter

import (
	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
	"github.com/trackwire/rflink/pkg/rf/recovery"
)

// Pairing identity.
const (
	deviceTypeTracker = 1
)

var fwVersion = [2]byte{1, 0}

const fwPatch = 0

// beaconAirUs is the beacon's on-air time (preamble, address and CRC
// add 9 bytes, 8 us per byte at 1 Mbps). The frame clock anchors on
// the start of the beacon transmission, not on its completion.
const beaconAirUs = (packet.SyncBeaconSize + 9) * 8

// onRx is the radio receive callback: beacons, pairing responses and
// acks. Anything malformed or not addressed to us is dropped.
func (tx *Transmitter) onRx(data []byte, rssi int8) {
	p, err := packet.Decode(data)
	if err != nil {
		if err == packet.ErrBadCRC {
			tx.ch.RecordCRCError(tx.r.Channel())
		}
		return
	}
	switch p := p.(type) {
	case *packet.SyncBeacon:
		tx.onBeacon(p)
	case *packet.PairResponse:
		tx.onPairResponse(p)
	case *packet.Ack:
		tx.onAck(p, rssi)
	}
}

// onBeacon processes a sync beacon: re-anchor the frame clock, adopt
// the channel map, and schedule this tracker's slot deadline.
func (tx *Transmitter) onBeacon(b *packet.SyncBeacon) {
	tx.mu.Lock()
	switch tx.state {
	case StatePairing:
		if !b.Pairing {
			tx.mu.Unlock()
			return
		}
		addr := tx.r.Address()
		tx.mu.Unlock()
		req := packet.PairRequest{
			Addr:       addr,
			DeviceType: deviceTypeTracker,
			FWVersion:  fwVersion,
		}
		tx.r.SetMode(radio.ModeTx)
		tx.r.Transmit(req.Bytes())
		tx.r.SetMode(radio.ModeRx)
		return
	case StateSearching, StateSynced, StateRunning:
	default:
		tx.mu.Unlock()
		return
	}

	now := tx.r.TimeUs()
	tx.frame = b.Frame
	tx.syncTimeUs = now - beaconAirUs
	tx.chanMap = b.ChannelMap
	tx.chanMapIdx = 0
	tx.missedRun = 0
	tx.rec.ReportSyncOK()

	// dropped from the active mask means the receiver unpaired us
	if tx.paired && !b.Pairing && b.ActiveMask&(1<<uint(tx.id)) == 0 {
		tx.paired = false
		tx.state = StateUnpaired
		tx.mu.Unlock()
		glog.Warning("absent from active mask, pairing revoked")
		tx.r.StopTimer()
		tx.r.SetMode(radio.ModeStandby)
		return
	}

	if tx.state == StateSearching {
		glog.Infof("sync acquired at frame %d", b.Frame)
	}
	tx.state = StateRunning
	id := tx.id
	frame := tx.frame
	tx.mu.Unlock()

	// slot deadline relative to the start of the beacon
	tx.r.StartTimer(packet.SyncSlotUs+uint32(id)*packet.DataSlotUs-beaconAirUs, tx.onSlotTimer)
	if tx.cfg.OnSync != nil {
		tx.cfg.OnSync(frame)
	}
}

// onSlotTimer fires at this tracker's slot. The rate divider may skip
// the frame entirely; otherwise validate the channel, transmit the
// current sample and open the ack window.
func (tx *Transmitter) onSlotTimer() {
	tx.mu.Lock()
	if tx.state != StateRunning {
		tx.mu.Unlock()
		return
	}

	tx.skipCounter++
	if tx.skipCounter < tx.motion.divider() {
		tx.skipped++
		tx.mu.Unlock()
		tx.scheduleSyncCheck()
		return
	}
	tx.skipCounter = 0

	var raw []byte
	if tx.cfg.UseUltra {
		tx.ultra.ID = tx.id
		tx.ultraCount++
		switch {
		case tx.ultraCount%infoEveryFrames == 0:
			raw = packet.EncodeUltraInfo(tx.id, tx.cfg.IMUType,
				fwVersion[0], fwVersion[1], fwPatch, tx.cfg.UniqueID)
		case tx.ultraCount%statusEveryFrames == 0:
			raw = packet.EncodeUltraStatus(tx.id, tx.flags, tx.batteryMV, tx.temperature)
		default:
			raw = tx.ultra.Encode(tx.quat, tx.battery, tx.flags)
		}
	} else {
		p := packet.TrackerData{
			ID:      tx.id,
			Seq:     tx.seq + 1,
			Quat:    tx.quat,
			Accel:   tx.accel,
			Battery: tx.battery,
			Flags:   tx.flags,
		}
		raw = p.Bytes()
	}
	tx.seq++
	level := tx.power.level
	tx.awaitingAck = true
	start := tx.r.TimeUs()
	tx.txStartUs = start
	tx.txCount++
	tx.mu.Unlock()

	// the slot is reserved for us, but dodge to a clear channel when
	// the scheduled one is occupied by a foreign emitter
	if !tx.ch.IsChannelClear(tx.r, tx.r.Channel()) {
		alt := tx.ch.ClearChannel(tx.r, ccaRetries)
		tx.r.SetChannel(alt)
	}
	tx.r.SetTxPower(level)
	tx.r.SetMode(radio.ModeTx)
	tx.r.Transmit(raw)
	tx.r.SetMode(radio.ModeRx)
	tx.rec.CheckSlotOverrun(tx.r.TimeUs() - start)
	tx.r.StartTimer(ackWindowUs, tx.onAckTimeout)
}

// onAck closes the ack window: feed the channel stats and power
// control, then surface any piggybacked command.
func (tx *Transmitter) onAck(p *packet.Ack, rssi int8) {
	tx.mu.Lock()
	if !tx.awaitingAck || p.ID != tx.id {
		tx.mu.Unlock()
		return
	}
	tx.awaitingAck = false
	tx.ackCount++
	level := tx.power.update(rssi)
	seq := tx.seq
	tx.mu.Unlock()

	tx.r.StopTimer()
	tx.ch.RecordTx(tx.r.Channel(), true, rssi)
	tx.r.SetTxPower(level)

	switch p.Command {
	case packet.CmdNone:
	case packet.CmdSleep:
		if tx.cfg.OnAck != nil {
			tx.cfg.OnAck(seq, true)
		}
		tx.Sleep()
		return
	case packet.CmdUnpair:
		tx.mu.Lock()
		tx.paired = false
		tx.state = StateUnpaired
		tx.mu.Unlock()
		glog.Info("unpaired by receiver")
		if tx.cfg.OnAck != nil {
			tx.cfg.OnAck(seq, true)
		}
		tx.r.SetMode(radio.ModeStandby)
		return
	default:
		if tx.cfg.OnCommand != nil {
			tx.cfg.OnCommand(p.Command, p.Param)
		}
	}

	if tx.cfg.OnAck != nil {
		tx.cfg.OnAck(seq, true)
	}
	tx.scheduleSyncCheck()
}

// onAckTimeout records the loss and moves on to the next beacon.
func (tx *Transmitter) onAckTimeout() {
	tx.mu.Lock()
	if !tx.awaitingAck || tx.state != StateRunning {
		tx.mu.Unlock()
		return
	}
	tx.awaitingAck = false
	seq := tx.seq
	tx.mu.Unlock()

	tx.ch.RecordTx(tx.r.Channel(), false, -127)
	if tx.cfg.OnAck != nil {
		tx.cfg.OnAck(seq, false)
	}
	tx.scheduleSyncCheck()
}

// scheduleSyncCheck hops to the next frame's beacon channel and arms
// the miss detector just past the expected sync time.
func (tx *Transmitter) scheduleSyncCheck() {
	tx.mu.Lock()
	if tx.state != StateRunning {
		tx.mu.Unlock()
		return
	}
	var next uint8
	if tx.chanMapIdx < len(tx.chanMap) {
		next = tx.chanMap[tx.chanMapIdx]
		tx.chanMapIdx++
	} else {
		// outran the beacon's map: keyed pseudo-random walk
		next = tx.ch.HashChannel(tx.networkKey, tx.frame+1)
	}
	nextSync := tx.syncTimeUs + packet.SuperframeUs
	now := tx.r.TimeUs()
	// already past the window: fire the miss path at once
	delay := uint32(1)
	if nextSync+syncGraceUs > now {
		delay = nextSync + syncGraceUs - now
	}
	tx.mu.Unlock()

	tx.r.SetChannel(next)
	tx.r.SetMode(radio.ModeRx)
	tx.r.StartTimer(delay, tx.onSyncCheck)
}

// onSyncCheck fires when the beacon did not arrive in its window:
// count the miss, take the recovery verdict, and either free-run on
// predicted timing or fall back to searching.
func (tx *Transmitter) onSyncCheck() {
	tx.mu.Lock()
	if tx.state != StateRunning {
		tx.mu.Unlock()
		return
	}
	tx.missedSync++
	tx.missedRun++
	action := tx.rec.ReportMissSync()

	// free-run: predict the frame clock forward
	tx.frame++
	tx.syncTimeUs += packet.SuperframeUs
	id := tx.id
	syncTime := tx.syncTimeUs
	tx.mu.Unlock()

	switch action {
	case recovery.ActionFullScan, recovery.ActionDeepSearch:
		tx.rec.Execute(tx.r, action)
		tx.startSearching()
		return
	case recovery.ActionChannelSwitch, recovery.ActionResync:
		tx.rec.Execute(tx.r, action)
	}

	target := syncTime + packet.SyncSlotUs + uint32(id)*packet.DataSlotUs
	now := tx.r.TimeUs()
	delay := uint32(1)
	if target > now {
		delay = target - now
	}
	tx.r.StartTimer(delay, tx.onSlotTimer)
}

// startSearching hops across the channel set listening for a beacon.
func (tx *Transmitter) startSearching() {
	tx.mu.Lock()
	tx.state = StateSearching
	tx.searchFrom = tx.nowMs()
	tx.awaitingAck = false
	tx.mu.Unlock()

	glog.Info("searching for sync")
	tx.r.SetChannel(tx.ch.NextChannel())
	tx.r.SetMode(radio.ModeRx)
	tx.r.StartTimer(searchHopGapUs, tx.onSearchTimer)
}

// onSearchTimer hops to the next candidate channel, or gives up and
// requests sleep after the search timeout.
func (tx *Transmitter) onSearchTimer() {
	tx.mu.Lock()
	if tx.state != StateSearching {
		tx.mu.Unlock()
		return
	}
	timedOut := tx.nowMs()-tx.searchFrom > SearchTimeoutMs
	tx.mu.Unlock()

	if timedOut {
		glog.Warning("no sync found, requesting sleep")
		tx.Sleep()
		return
	}
	tx.r.SetChannel(tx.ch.NextChannel())
	tx.r.StartTimer(searchHopGapUs, tx.onSearchTimer)
}

// StartPairing listens on the pairing channel for an invitation and
// runs the three-way handshake.
func (tx *Transmitter) StartPairing() {
	tx.mu.Lock()
	tx.state = StatePairing
	tx.mu.Unlock()

	glog.Info("pairing: waiting for invitation")
	tx.r.SetChannel(packet.PairingChannel)
	tx.r.SetMode(radio.ModeRx)
	tx.r.StartTimer(pairingTimeoutMs*1000, tx.onPairingTimeout)
}

func (tx *Transmitter) onPairingTimeout() {
	tx.mu.Lock()
	if tx.state != StatePairing {
		tx.mu.Unlock()
		return
	}
	tx.state = StateUnpaired
	tx.mu.Unlock()
	glog.Warning("pairing timed out, no receiver found")
	tx.r.SetMode(radio.ModeStandby)
}

// onPairResponse accepts a slot assignment addressed to us, confirms
// it, and begins searching for the superframe.
func (tx *Transmitter) onPairResponse(p *packet.PairResponse) {
	tx.mu.Lock()
	if tx.state != StatePairing || p.Addr != tx.r.Address() {
		tx.mu.Unlock()
		return
	}
	tx.id = p.ID
	tx.receiverAddr = p.ReceiverAddr
	tx.networkKey = p.NetworkKey
	tx.paired = true
	addr := tx.r.Address()
	tx.mu.Unlock()

	conf := packet.PairConfirm{ID: p.ID, Addr: addr}
	tx.r.SetMode(radio.ModeTx)
	tx.r.Transmit(conf.Bytes())

	glog.Infof("paired as tracker %d to %s", p.ID, p.ReceiverAddr)
	tx.r.StopTimer()
	tx.startSearching()
}
