package transmitter

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio/sim"
)

// The sync-check window can already be in the past when slot work
// finishes. The miss must then fire on the next tick, not a full grace
// period later.
func TestOverdueSyncCheckFiresImmediately(t *testing.T) {
	clk := sim.NewClock()
	air := sim.NewAir(clk)
	n := air.Node(packet.HardwareAddr{0x71, 1, 2, 3, 4, 5})
	tx := New(n, channel.NewManager(channel.Config{}), Config{})

	clk.Advance(20 * packet.SuperframeUs)
	tx.mu.Lock()
	tx.state = StateRunning
	tx.paired = true
	tx.syncTimeUs = n.TimeUs() - 3*packet.SuperframeUs
	tx.mu.Unlock()

	tx.scheduleSyncCheck()
	clk.Advance(2)
	require.Equal(t, uint32(1), tx.Stats().MissedSync)
}
