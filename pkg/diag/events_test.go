package diag

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/receiver"
)

func TestSamplesSkipInactiveSlots(t *testing.T) {
	var snaps [packet.MaxTrackers]receiver.Snapshot
	snaps[2] = receiver.Snapshot{
		ID:        2,
		Active:    true,
		Connected: true,
		Quat:      [4]int16{100, 200, 300, 400},
		Battery:   55,
		RSSI:      -48,
		LossEWMA:  12,
	}
	snaps[7] = receiver.Snapshot{ID: 7, Active: true}

	out := Samples(snaps)
	require.Len(t, out, 2)
	require.Equal(t, byte(2), out[0].ID)
	require.True(t, out[0].Connected)
	require.Equal(t, [4]int16{100, 200, 300, 400}, out[0].Quat)
	require.Equal(t, byte(55), out[0].Battery)
	require.Equal(t, int8(-48), out[0].RSSI)
	require.Equal(t, uint16(12), out[0].LossTenths)
	require.Equal(t, byte(7), out[1].ID)
	require.False(t, out[1].Connected)
}

func TestStatsMapping(t *testing.T) {
	got := Stats(receiver.Stats{
		Frame:        410,
		TotalPackets: 4000,
		LostPackets:  3,
		PairedCount:  2,
	})
	require.Equal(t, LinkStats{
		Frame:        410,
		TotalPackets: 4000,
		LostPackets:  3,
		Paired:       2,
	}, got)
}
