// Package diag defines the diagnostic events the link emits: connect
// and disconnect edges, pairing results, periodic pose samples and
// aggregate link statistics. The mqtt and wsfeed subpackages deliver
// them off the device.
package diag

import (
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/receiver"
)

// ConnectEvent is one connect or disconnect edge.
type ConnectEvent struct {
	ID        byte `json:"id"`
	Connected bool `json:"connected"`
}

// PairEvent reports a completed pairing handshake.
type PairEvent struct {
	ID   byte   `json:"id"`
	Addr string `json:"addr"`
}

// PoseSample is one tracker's latest pose and link quality.
type PoseSample struct {
	ID         byte     `json:"id"`
	Connected  bool     `json:"connected"`
	Quat       [4]int16 `json:"quat"`
	Accel      [3]int16 `json:"accel"`
	Battery    byte     `json:"battery"`
	Flags      byte     `json:"flags"`
	RSSI       int8     `json:"rssi"`
	LossTenths uint16   `json:"loss_tenths"`
}

// LinkStats aggregates the receiver's counters.
type LinkStats struct {
	Frame        uint16 `json:"frame"`
	TotalPackets uint64 `json:"total_packets"`
	LostPackets  uint64 `json:"lost_packets"`
	Paired       int    `json:"paired"`
}

// Samples converts the active slots of a snapshot set.
func Samples(snaps [packet.MaxTrackers]receiver.Snapshot) []PoseSample {
	out := make([]PoseSample, 0, len(snaps))
	for _, s := range snaps {
		if !s.Active {
			continue
		}
		out = append(out, PoseSample{
			ID:         s.ID,
			Connected:  s.Connected,
			Quat:       s.Quat,
			Accel:      s.Accel,
			Battery:    s.Battery,
			Flags:      s.Flags,
			RSSI:       s.RSSI,
			LossTenths: s.LossEWMA,
		})
	}
	return out
}

// Stats converts the receiver's counter snapshot.
func Stats(st receiver.Stats) LinkStats {
	return LinkStats{
		Frame:        st.Frame,
		TotalPackets: st.TotalPackets,
		LostPackets:  st.LostPackets,
		Paired:       st.PairedCount,
	}
}
