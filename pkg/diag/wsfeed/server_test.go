package wsfeed_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/trackwire/rflink/pkg/diag/wsfeed"
	"github.com/trackwire/rflink/pkg/hid"
	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio/sim"
	"github.com/trackwire/rflink/pkg/rf/receiver"
	"github.com/trackwire/rflink/pkg/rf/transmitter"
)

// connectedReceiver pairs one simulated tracker and runs the link long
// enough for its slot to carry data, then freezes the simulation.
func connectedReceiver(t *testing.T) *receiver.Receiver {
	t.Helper()
	clk := sim.NewClock()
	air := sim.NewAir(clk)
	rxN := air.Node(packet.HardwareAddr{0xD0, 0x01, 0x02, 0x03, 0x04})
	txN := air.Node(packet.HardwareAddr{0x71, 0x21, 0x22, 0x23, 0x24})
	rx := receiver.New(rxN, channel.NewManager(channel.Config{}.Default()), receiver.Config{})
	tx := transmitter.New(txN, channel.NewManager(channel.Config{}.Default()), transmitter.Config{})

	rx.StartPairing()
	tx.StartPairing()
	for i := 0; i < 5; i++ {
		rx.Process()
		clk.Advance(100 * 1000)
	}
	_, ok := tx.Paired()
	require.True(t, ok)

	tx.SetData([4]int16{16384, 0, 0, 0}, [3]int16{0, 0, 1000}, 88, 0)
	rx.StopPairing()
	clk.Advance(500 * 1000)
	require.True(t, rx.Snapshots()[0].Connected)
	return rx
}

func TestFeedStreamsReports(t *testing.T) {
	rx := connectedReceiver(t)
	srv := wsfeed.NewServer("127.0.0.1:0", rx)
	srv.Every = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var addr net.Addr
	for i := 0; i < 200 && addr == nil; i++ {
		addr = srv.ListenAddr()
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, addr, "server never bound")

	conn, err := websocket.Dial(fmt.Sprintf("ws://%s/feed", addr), "", "http://localhost/")
	require.NoError(t, err)
	defer conn.Close()

	var msg []byte
	require.NoError(t, websocket.Message.Receive(conn, &msg))
	require.Len(t, msg, hid.ReportSize)
	want := hid.FromSnapshot(rx.Snapshots()[0])
	require.Equal(t, want[:], msg)

	cancel()
	require.Equal(t, context.Canceled, <-done)
}

func TestFeedShutsDownIdleClients(t *testing.T) {
	rx := connectedReceiver(t)
	srv := wsfeed.NewServer("127.0.0.1:0", rx)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var addr net.Addr
	for i := 0; i < 200 && addr == nil; i++ {
		addr = srv.ListenAddr()
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, addr, "server never bound")

	cancel()
	select {
	case err := <-done:
		require.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
