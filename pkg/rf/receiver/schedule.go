package receiver

import (
	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
	"github.com/trackwire/rflink/pkg/rf/recovery"
)

// onSlotTimer advances the superframe. It fires once at the sync slot,
// once per data slot, and once at the frame tail to schedule the next
// frame at a fixed period.
func (rx *Receiver) onSlotTimer() {
	rx.mu.Lock()

	if rx.state != StateRunning {
		// stale callback from a mode change
		rx.mu.Unlock()
		return
	}
	now := rx.r.TimeUs()

	if !rx.syncSent {
		b := rx.buildBeaconLocked()
		rx.syncSent = true
		rx.slot = 0
		rx.frameStartUs = now
		ch := rx.currentChannel
		rx.mu.Unlock()

		rx.r.SetChannel(ch)
		rx.r.SetMode(radio.ModeTx)
		rx.r.TransmitAsync(b.Bytes())
		rx.r.StartTimer(packet.SyncSlotUs, rx.onSlotTimer)
		return
	}

	if rx.slot < packet.MaxTrackers {
		slot := rx.slot
		rx.rec.SlotStart(now)

		var ack []byte
		if tr := &rx.trackers[slot]; tr.Active {
			cmd, param := packet.CmdNone, byte(0)
			if rx.cmd.pending && int(rx.cmd.id) == slot {
				cmd, param = rx.cmd.command, rx.cmd.param
				rx.cmd.pending = false
			}
			a := packet.Ack{
				ID:      byte(slot),
				AckSeq:  tr.LastSeq + 1,
				Command: cmd,
				Param:   param,
			}
			ack = a.Bytes()
		}
		rx.slot++
		rx.mu.Unlock()

		rx.r.SetMode(radio.ModeRx)
		if ack != nil {
			rx.r.SetAckPayload(ack)
		}
		// the slot's setup work must fit well inside the slot; a
		// streak of overruns means timing is broken and we abort
		if !rx.rec.SlotEnd(byte(slot), rx.r.TimeUs()) {
			rx.mu.Lock()
			rx.abortLocked()
			return
		}
		rx.r.StartTimer(packet.DataSlotUs, rx.onSlotTimer)
		return
	}

	// frame tail: hop and schedule the next frame on a fixed period
	rx.frame++
	rx.currentChannel = rx.ch.NextChannel()
	rx.syncSent = false

	elapsed := now - rx.frameStartUs
	var delay uint32
	if elapsed < packet.SuperframeUs {
		delay = packet.SuperframeUs - elapsed
	} else {
		// overran the frame: restart after the minimum guard so
		// drift stays bounded
		delay = packet.GuardTimeUs
	}
	rx.mu.Unlock()

	rx.r.StartTimer(delay, rx.onSlotTimer)
}

// buildBeaconLocked assembles the sync beacon for the current frame.
func (rx *Receiver) buildBeaconLocked() *packet.SyncBeacon {
	b := &packet.SyncBeacon{
		Pairing: rx.state == StatePairing,
		Frame:   rx.frame,
		TxPower: beaconTxPower,
	}
	for i := range rx.trackers {
		if rx.trackers[i].Active {
			b.ActiveMask |= 1 << uint(i)
		}
	}
	for i, ch := range rx.ch.PeekMap(packet.ChannelMapLen) {
		b.ChannelMap[i] = ch
	}
	return b
}

// abortLocked applies the recovery abort verdict: flush, standby,
// fall back to idle. Called with the lock held; releases it.
func (rx *Receiver) abortLocked() {
	rx.state = StateIdle
	rx.mu.Unlock()

	glog.Error("slot overrun streak, receiver aborting to idle")
	rx.rec.Execute(rx.r, recovery.ActionAbort)
	rx.r.StopTimer()
}

// sendPairingBeacon broadcasts an invitation on the pairing channel.
func (rx *Receiver) sendPairingBeacon() {
	rx.mu.Lock()
	b := rx.buildBeaconLocked()
	rx.mu.Unlock()

	rx.r.SetMode(radio.ModeTx)
	rx.r.Transmit(b.Bytes())
	rx.r.SetMode(radio.ModeRx)
}
