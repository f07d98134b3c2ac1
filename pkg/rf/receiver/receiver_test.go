package receiver_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
	"github.com/trackwire/rflink/pkg/rf/radio/sim"
	"github.com/trackwire/rflink/pkg/rf/receiver"
)

// pairTracker runs the pairing handshake for one simulated tracker
// node and returns the assigned slot.
func pairTracker(t *testing.T, air *sim.Air, recv *receiver.Receiver, node *sim.Node, addr packet.HardwareAddr) byte {
	t.Helper()
	recv.StartPairing()

	require.NoError(t, node.SetChannel(packet.PairingChannel))
	req := packet.PairRequest{Addr: addr, DeviceType: 1, FWVersion: [2]byte{1, 0}}
	require.NoError(t, node.Transmit(req.Bytes()))
	node.SetMode(radio.ModeRx)
	air.Clock().Advance(1000)

	data, _, ok := node.Receive(packet.MaxPayloadSize)
	require.True(t, ok, "no pair response")
	p, err := packet.Decode(data)
	require.NoError(t, err)
	resp, ok := p.(*packet.PairResponse)
	require.True(t, ok)
	require.Equal(t, addr, resp.Addr)
	require.Equal(t, recv.NetworkKey(), resp.NetworkKey)

	conf := packet.PairConfirm{ID: resp.ID, Addr: addr}
	require.NoError(t, node.Transmit(conf.Bytes()))
	air.Clock().Advance(1000)
	return resp.ID
}

// receiveNonBeacon pops frames off a node's queue until one that is
// not the superframe beacon; a node tuned to the hop channel picks
// those up alongside its ack.
func receiveNonBeacon(t *testing.T, node *sim.Node) packet.Packet {
	t.Helper()
	for {
		raw, _, ok := node.Receive(packet.MaxPayloadSize)
		require.True(t, ok, "rx queue empty")
		p, err := packet.Decode(raw)
		require.NoError(t, err)
		if _, beacon := p.(*packet.SyncBeacon); !beacon {
			return p
		}
	}
}

func TestFixedSuperframePeriod(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	recv.Start()
	air.Clock().Advance(100)
	const frames = 50
	air.Clock().Advance(frames * packet.SuperframeUs)

	require.Equal(t, uint16(frames), recv.Stats().Frame)
	// exactly one beacon per superframe
	tx, _ := rxNode.Counters()
	require.Equal(t, uint64(frames+1), tx)
}

func TestPairingHandshake(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})

	var paired []byte
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{
		OnPaired: func(id byte, addr packet.HardwareAddr) { paired = append(paired, id) },
	})

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	addr := packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5}
	id := pairTracker(t, air, recv, trNode, addr)
	require.Equal(t, byte(0), id)
	require.Equal(t, []byte{0}, paired)

	rec, active := recv.Tracker(id)
	require.True(t, active)
	require.Equal(t, addr, rec.Addr)
	require.Equal(t, 1, recv.Stats().PairedCount)

	// same address pairs back into the same slot
	id2 := pairTracker(t, air, recv, trNode, addr)
	require.Equal(t, id, id2)
	require.Equal(t, 1, recv.Stats().PairedCount)
}

func TestPairingAssignsDistinctSlots(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	a := air.Node(packet.HardwareAddr{0xA1, 1, 1, 1, 1, 1})
	b := air.Node(packet.HardwareAddr{0xB1, 2, 2, 2, 2, 2})
	idA := pairTracker(t, air, recv, a, a.Address())
	idB := pairTracker(t, air, recv, b, b.Address())
	require.NotEqual(t, idA, idB)
	require.Equal(t, 2, recv.Stats().PairedCount)
}

// A pair confirm is exactly as long as a 12-byte Ultra frame; the
// receiver must dispatch it on the kind byte, not swallow it in the
// Ultra path.
func TestPairConfirmSameLengthAsUltraFrame(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})
	recv.StartPairing()

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	require.NoError(t, trNode.SetChannel(packet.PairingChannel))
	conf := packet.PairConfirm{ID: 0, Addr: trNode.Address()}
	require.Len(t, conf.Bytes(), packet.UltraSize)
	require.NoError(t, trNode.Transmit(conf.Bytes()))
	air.Clock().Advance(1000)

	rec, active := recv.Tracker(0)
	require.True(t, active)
	require.Equal(t, trNode.Address(), rec.Addr)
}

// sendInSlot delivers one tracker-data packet during the tracker's
// data slot of the running superframe.
func sendInSlot(t *testing.T, air *sim.Air, recv *receiver.Receiver, node *sim.Node, pkt *packet.TrackerData) {
	t.Helper()
	// into the sync slot of the next frame
	air.Clock().Advance(packet.SuperframeUs)
	require.NoError(t, node.SetChannel(recv.CurrentChannel()))
	node.SetMode(radio.ModeRx)
	// past the sync slot into the tracker's slot
	air.Clock().Advance(packet.SyncSlotUs + uint32(pkt.ID)*packet.DataSlotUs + 50)
	require.NoError(t, node.Transmit(pkt.Bytes()))
	air.Clock().Advance(300)
}

func TestDataPathAndCommandPiggyback(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})

	var gotData []*packet.TrackerData
	var connects []bool
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{
		OnData:    func(id byte, d *packet.TrackerData) { gotData = append(gotData, d) },
		OnConnect: func(id byte, up bool) { connects = append(connects, up) },
	})

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	id := pairTracker(t, air, recv, trNode, trNode.Address())

	recv.Start()

	pkt := &packet.TrackerData{
		ID:      id,
		Seq:     1,
		Quat:    [4]int16{32767, 0, 0, 0},
		Battery: 88,
	}
	// queue the command mid-frame so the next slot's ack carries it
	air.Clock().Advance(packet.SuperframeUs)
	require.NoError(t, recv.SendCommand(id, packet.CmdTare, 2))
	require.NoError(t, trNode.SetChannel(recv.CurrentChannel()))
	trNode.SetMode(radio.ModeRx)
	air.Clock().Advance(packet.SyncSlotUs + 50)
	require.NoError(t, trNode.Transmit(pkt.Bytes()))
	air.Clock().Advance(300)

	require.Len(t, gotData, 1)
	require.Equal(t, byte(88), gotData[0].Battery)
	require.Equal(t, []bool{true}, connects)

	snap, active := recv.SnapshotTracker(id)
	require.True(t, active)
	require.True(t, snap.Connected)
	require.Equal(t, [4]int16{32767, 0, 0, 0}, snap.Quat)

	// the queued command rode back on the auto-ack; a beacon may sit
	// ahead of it in the queue
	ack, ok := receiveNonBeacon(t, trNode).(*packet.Ack)
	require.True(t, ok, "no ack")
	require.Equal(t, id, ack.ID)
	require.Equal(t, packet.CmdTare, ack.Command)
	require.Equal(t, byte(2), ack.Param)

	// command is one-shot: next slot's ack is empty
	pkt.Seq = 2
	sendInSlot(t, air, recv, trNode, pkt)
	ack, ok = receiveNonBeacon(t, trNode).(*packet.Ack)
	require.True(t, ok, "no ack")
	require.Equal(t, packet.CmdNone, ack.Command)
}

func TestLossEWMA(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	id := pairTracker(t, air, recv, trNode, trNode.Address())
	recv.Start()

	pkt := &packet.TrackerData{ID: id, Seq: 1}
	sendInSlot(t, air, recv, trNode, pkt)
	rec, _ := recv.Tracker(id)
	require.Equal(t, uint16(0), rec.LossEWMA)

	// gap of three
	pkt.Seq = 5
	sendInSlot(t, air, recv, trNode, pkt)
	rec, _ = recv.Tracker(id)
	require.Equal(t, uint16(3), rec.LossEWMA) // (0*7 + 3*10)/8
	require.Equal(t, uint64(3), recv.Stats().LostPackets)

	// in-order arrivals decay the average
	pkt.Seq = 6
	sendInSlot(t, air, recv, trNode, pkt)
	rec, _ = recv.Tracker(id)
	require.Equal(t, uint16(2), rec.LossEWMA) // 3*7/8
}

func TestTrackerTimeoutDisconnectsOnce(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})

	var connects []bool
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{
		OnConnect: func(id byte, up bool) { connects = append(connects, up) },
	})

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	id := pairTracker(t, air, recv, trNode, trNode.Address())
	recv.Start()
	sendInSlot(t, air, recv, trNode, &packet.TrackerData{ID: id, Seq: 1})
	require.Equal(t, []bool{true}, connects)

	air.Clock().Advance(600 * 1000)
	recv.Process()
	require.Equal(t, []bool{true, false}, connects)

	recv.Process()
	require.Equal(t, []bool{true, false}, connects)

	snap, _ := recv.SnapshotTracker(id)
	require.False(t, snap.Connected)
}

func TestUnpairIsIdempotent(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	id := pairTracker(t, air, recv, trNode, trNode.Address())

	require.NoError(t, recv.Unpair(id))
	_, active := recv.Tracker(id)
	require.False(t, active)
	require.Equal(t, 0, recv.Stats().PairedCount)

	require.NoError(t, recv.Unpair(id))
	require.Equal(t, 0, recv.Stats().PairedCount)

	require.Equal(t, receiver.ErrNotPaired, recv.SendCommand(id, packet.CmdSleep, 0))
	require.Equal(t, receiver.ErrBadTrackerID, recv.Unpair(packet.MaxTrackers))
}

// A command queued for a slot dies with the slot: after unpair and a
// re-pair of the same slot, the new tracker's first ack must be clean.
func TestUnpairClearsPendingCommand(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	a := air.Node(packet.HardwareAddr{0xA1, 1, 1, 1, 1, 1})
	id := pairTracker(t, air, recv, a, a.Address())
	require.NoError(t, recv.SendCommand(id, packet.CmdTare, 1))
	require.NoError(t, recv.Unpair(id))

	b := air.Node(packet.HardwareAddr{0xB1, 2, 2, 2, 2, 2})
	id2 := pairTracker(t, air, recv, b, b.Address())
	require.Equal(t, id, id2)

	recv.Start()
	sendInSlot(t, air, recv, b, &packet.TrackerData{ID: id2, Seq: 1})
	ack, ok := receiveNonBeacon(t, b).(*packet.Ack)
	require.True(t, ok, "no ack")
	require.Equal(t, packet.CmdNone, ack.Command)
}

func TestPairingWindowExpires(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{
		PairingTimeoutMs: 1000,
	})

	recv.StartPairing()
	require.Equal(t, receiver.StatePairing, recv.State())

	air.Clock().Advance(1100 * 1000)
	recv.Process()
	require.Equal(t, receiver.StateRunning, recv.State())
}

func TestPairingBeaconInvites(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	listener := air.Node(packet.HardwareAddr{2})
	require.NoError(t, listener.SetChannel(packet.PairingChannel))
	listener.SetMode(radio.ModeRx)

	air.Clock().Advance(200 * 1000)
	recv.StartPairing()
	recv.Process()
	air.Clock().Advance(1000)

	raw, _, ok := listener.Receive(packet.MaxPayloadSize)
	require.True(t, ok, "no pairing beacon")
	p, err := packet.Decode(raw)
	require.NoError(t, err)
	b := p.(*packet.SyncBeacon)
	require.True(t, b.Pairing)
}

func TestUltraDataPath(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	rxNode := air.Node(packet.HardwareAddr{1})
	recv := receiver.New(rxNode, channel.NewManager(channel.Config{}), receiver.Config{})

	trNode := air.Node(packet.HardwareAddr{0xAA, 1, 2, 3, 4, 5})
	id := pairTracker(t, air, recv, trNode, trNode.Address())
	recv.Start()

	// a delta with no reference is dropped
	air.Clock().Advance(packet.SuperframeUs)
	require.NoError(t, trNode.SetChannel(recv.CurrentChannel()))
	air.Clock().Advance(packet.SyncSlotUs + 50)
	require.NoError(t, trNode.Transmit(packet.EncodeUltraDelta(id, [3]int8{1, 0, 0}, false)))
	air.Clock().Advance(300)
	snap, _ := recv.SnapshotTracker(id)
	require.False(t, snap.Connected)

	// a quat frame lands
	raw := packet.EncodeUltraQuat(id, [4]int16{32767, 0, 0, 0}, 1000, 80)
	require.NoError(t, trNode.Transmit(raw))
	air.Clock().Advance(300)
	snap, _ = recv.SnapshotTracker(id)
	require.True(t, snap.Connected)
	require.Equal(t, [4]int16{32767, 0, 0, 0}, snap.Quat)
	require.Equal(t, byte(80), snap.Battery)
}
