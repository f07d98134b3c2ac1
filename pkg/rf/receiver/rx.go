package receiver

import (
	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
)

// isUltraFrame classifies a raw frame by length. A pair confirm is the
// same length as a 12-byte Ultra frame, so that case falls back to the
// header byte: Ultra headers carry the tracker id in the low six bits
// and ids stop well below the pair-confirm kind value.
func isUltraFrame(data []byte) bool {
	switch len(data) {
	case packet.UltraFullSize, packet.UltraDeltaSize:
		return true
	case packet.UltraSize:
		return packet.Kind(data[0]) != packet.KindPairConfirm
	}
	return false
}

// onRx is the radio receive callback. It classifies the frame by
// length (Ultra) or header (standard), validates it, and folds it into
// the tracker table. Malformed input is dropped, never trusted.
func (rx *Receiver) onRx(data []byte, rssi int8) {
	if isUltraFrame(data) {
		f, err := packet.DecodeUltra(data)
		if err != nil {
			if err == packet.ErrBadCRC {
				rx.ch.RecordCRCError(rx.r.Channel())
			}
			return
		}
		rx.handleUltra(f, rssi)
		return
	}

	p, err := packet.Decode(data)
	if err != nil {
		if err == packet.ErrBadCRC {
			rx.ch.RecordCRCError(rx.r.Channel())
		}
		return
	}
	switch p := p.(type) {
	case *packet.TrackerData:
		rx.handleData(p, rssi)
	case *packet.PairRequest:
		rx.handlePairRequest(p)
	case *packet.PairConfirm:
		rx.handlePairConfirm(p)
	}
}

// handleData folds a standard data packet into the tracker record,
// EWMA-ing loss from the sequence gap.
func (rx *Receiver) handleData(p *packet.TrackerData, rssi int8) {
	rx.mu.Lock()
	tr := &rx.trackers[p.ID]
	if !tr.Active {
		rx.mu.Unlock()
		return
	}

	expected := tr.LastSeq + 1
	if p.Seq != expected && tr.Connected {
		lost := p.Seq - expected // modulo-256 gap
		rx.lostPackets += uint64(lost)
		tr.LossEWMA = (tr.LossEWMA*7 + uint16(lost)*10) / 8
	} else {
		tr.LossEWMA = tr.LossEWMA * 7 / 8
	}
	tr.LastSeq = p.Seq
	tr.LastSeenMs = rx.nowMs()
	tr.RSSI = rssi
	tr.Battery = p.Battery
	tr.Flags = p.Flags
	tr.Quat = p.Quat
	tr.Accel = p.Accel

	connected := !tr.Connected
	tr.Connected = true
	rx.totalPackets++
	rx.publishLocked()
	rx.mu.Unlock()

	if connected {
		glog.Infof("tracker %d connected", p.ID)
		if rx.cfg.OnConnect != nil {
			rx.cfg.OnConnect(p.ID, true)
		}
	}
	if rx.cfg.OnData != nil {
		rx.cfg.OnData(p.ID, p)
	}
}

// handleUltra resolves a compressed frame against the tracker's delta
// reference and folds it in like a standard packet.
func (rx *Receiver) handleUltra(f *packet.UltraFrame, rssi int8) {
	if f.ID >= packet.MaxTrackers {
		return
	}
	rx.mu.Lock()
	tr := &rx.trackers[f.ID]
	if !tr.Active {
		rx.mu.Unlock()
		return
	}
	if err := tr.ultra.Resolve(f); err != nil {
		// delta before any full frame: drop, reference comes soon
		rx.mu.Unlock()
		return
	}

	tr.LastSeenMs = rx.nowMs()
	tr.RSSI = rssi
	switch f.Type {
	case packet.UltraQuat:
		tr.Quat = f.Quat
		if !f.Delta {
			tr.Battery = f.Battery
			tr.Flags = f.Flags
		}
		if f.AccelZ != 0 {
			tr.Accel = [3]int16{0, 0, f.AccelZ}
		}
	case packet.UltraStatus:
		tr.Flags = f.Flags
		tr.BatteryMV = f.BatteryMV
		tr.Temperature = f.Temperature
	case packet.UltraInfo:
		tr.IMUType = f.IMUType
		tr.FWVersion = [2]byte{f.FWMajor, f.FWMinor}
		tr.FWPatch = f.FWPatch
		tr.UniqueID = f.UniqueID
	}

	connected := !tr.Connected
	tr.Connected = true
	rx.totalPackets++
	rx.publishLocked()
	var data *packet.TrackerData
	if f.Type == packet.UltraQuat {
		data = f.ToTrackerData()
		data.Battery = tr.Battery
		data.Flags = tr.Flags
	}
	rx.mu.Unlock()

	if connected {
		glog.Infof("tracker %d connected", f.ID)
		if rx.cfg.OnConnect != nil {
			rx.cfg.OnConnect(f.ID, true)
		}
	}
	if data != nil && rx.cfg.OnData != nil {
		rx.cfg.OnData(f.ID, data)
	}
}

// handlePairRequest answers a pairing request with a slot assignment.
// Matching is stateless: a tracker already paired by address gets its
// existing slot back.
func (rx *Receiver) handlePairRequest(p *packet.PairRequest) {
	rx.mu.Lock()
	if rx.state != StatePairing {
		rx.mu.Unlock()
		return
	}
	slot := -1
	for i := range rx.trackers {
		if !rx.trackers[i].Active {
			if slot < 0 {
				slot = i
			}
		} else if rx.trackers[i].Addr == p.Addr {
			slot = i
			break
		}
	}
	key := rx.cfg.NetworkKey
	rx.mu.Unlock()

	if slot < 0 {
		glog.Warningf("pair request from %s rejected, no free slot", p.Addr)
		return
	}

	resp := packet.PairResponse{
		Addr:         p.Addr,
		ID:           byte(slot),
		ReceiverAddr: rx.r.Address(),
		NetworkKey:   key,
	}
	rx.r.SetMode(radio.ModeTx)
	rx.r.Transmit(resp.Bytes())
	rx.r.SetMode(radio.ModeRx)
}

// handlePairConfirm activates the slot the tracker accepted.
func (rx *Receiver) handlePairConfirm(p *packet.PairConfirm) {
	rx.mu.Lock()
	if rx.state != StatePairing || p.Status != 0 {
		rx.mu.Unlock()
		return
	}
	tr := &rx.trackers[p.ID]
	fresh := !tr.Active
	*tr = TrackerRecord{Addr: p.Addr, Active: true}
	if fresh {
		rx.pairedCount++
	}
	if rx.cmd.pending && rx.cmd.id == p.ID {
		// command aimed at the slot's previous occupant
		rx.cmd = pendingCommand{}
	}
	rx.publishLocked()
	rx.mu.Unlock()

	glog.Infof("tracker %d paired as %s", p.ID, p.Addr)
	if rx.cfg.OnPaired != nil {
		rx.cfg.OnPaired(p.ID, p.Addr)
	}
}
