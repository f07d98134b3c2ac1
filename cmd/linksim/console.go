package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/abiosoft/ishell"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/run"
)

var commandNames = map[string]packet.Command{
	"calibrate-gyro":  packet.CmdCalibrateGyro,
	"calibrate-accel": packet.CmdCalibrateAccel,
	"calibrate-mag":   packet.CmdCalibrateMag,
	"tare":            packet.CmdTare,
	"reset":           packet.CmdReset,
	"sleep":           packet.CmdSleep,
	"wake":            packet.CmdWake,
	"set-power":       packet.CmdSetPower,
}

// console is the interactive shell over a running simulation.
type console struct {
	sim *simulation
	sh  *ishell.Shell
}

func newConsole(s *simulation) *console {
	c := &console{sim: s, sh: ishell.New()}
	c.sh.SetPrompt("rflink > ")
	c.sh.AddCmd(&ishell.Cmd{
		Name:    "trackers",
		Aliases: []string{"t"},
		Help:    "list tracker slots",
		Func:    c.trackers,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name:    "stats",
		Aliases: []string{"s"},
		Help:    "link counters for both roles",
		Func:    c.stats,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name: "pair",
		Help: "open a pairing window for unpaired trackers",
		Func: c.pair,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name: "unpair",
		Help: "ID",
		Func: c.unpair,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name: "cmd",
		Help: "ID NAME [PARAM]",
		Func: c.cmd,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name: "power",
		Help: "ID LEVEL, force tx power 0..7",
		Func: c.power,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name: "pathloss",
		Help: "DB, extra attenuation on every tracker",
		Func: c.pathloss,
	})
	c.sh.AddCmd(&ishell.Cmd{
		Name: "wake",
		Help: "INDEX, wake a sleeping simulated tracker",
		Func: c.wake,
	})
	return c
}

func (c *console) run(ctx context.Context) error {
	return run.WithContextCancel(ctx, c.sh.Stop, func() error {
		c.sh.Run()
		return nil
	})
}

func (c *console) trackers(ic *ishell.Context) {
	any := false
	for _, snap := range c.sim.rx.Snapshots() {
		if !snap.Active {
			continue
		}
		any = true
		ic.Printf("%d: connected=%v quat=%v accel=%v batt=%d%% rssi=%ddBm loss=%.1f%%\n",
			snap.ID, snap.Connected, snap.Quat, snap.Accel,
			snap.Battery, snap.RSSI, float64(snap.LossEWMA)/10)
	}
	if !any {
		ic.Println("no paired trackers")
	}
}

func (c *console) stats(ic *ishell.Context) {
	st := c.sim.rx.Stats()
	ic.Printf("receiver: state=%s frame=%d packets=%d lost=%d paired=%d\n",
		st.State, st.Frame, st.TotalPackets, st.LostPackets, st.PairedCount)
	for i, tr := range c.sim.trackers {
		ts := tr.tx.Stats()
		ic.Printf("tracker %d: state=%s tx=%d ack=%d missed=%d power=%d\n",
			i, ts.State, ts.TxCount, ts.AckCount, ts.MissedSync, ts.TxPower)
	}
}

func (c *console) pair(ic *ishell.Context) {
	c.sim.rx.StartPairing()
	started := 0
	for _, tr := range c.sim.trackers {
		if _, ok := tr.tx.Paired(); !ok {
			tr.tx.StartPairing()
			started++
		}
	}
	ic.Printf("pairing window open, %d trackers searching\n", started)
}

func (c *console) unpair(ic *ishell.Context) {
	id, err := argByte(ic.Args, 0, packet.MaxTrackers-1)
	if err != nil {
		ic.Err(err)
		return
	}
	if err := c.sim.rx.Unpair(id); err != nil {
		ic.Err(err)
	}
}

func (c *console) cmd(ic *ishell.Context) {
	if len(ic.Args) < 2 {
		ic.Err(fmt.Errorf("usage: cmd ID NAME [PARAM]"))
		return
	}
	id, err := argByte(ic.Args, 0, packet.MaxTrackers-1)
	if err != nil {
		ic.Err(err)
		return
	}
	cmd, ok := commandNames[ic.Args[1]]
	if !ok {
		ic.Err(fmt.Errorf("unknown command %q", ic.Args[1]))
		return
	}
	var param byte
	if len(ic.Args) > 2 {
		if param, err = argByte(ic.Args, 2, 255); err != nil {
			ic.Err(err)
			return
		}
	}
	if err := c.sim.rx.SendCommand(id, cmd, param); err != nil {
		ic.Err(err)
	}
}

func (c *console) power(ic *ishell.Context) {
	id, err := argByte(ic.Args, 0, packet.MaxTrackers-1)
	if err != nil {
		ic.Err(err)
		return
	}
	level, err := argByte(ic.Args, 1, 7)
	if err != nil {
		ic.Err(err)
		return
	}
	if err := c.sim.rx.SendCommand(id, packet.CmdSetPower, level); err != nil {
		ic.Err(err)
	}
}

func (c *console) pathloss(ic *ishell.Context) {
	db, err := argByte(ic.Args, 0, 127)
	if err != nil {
		ic.Err(err)
		return
	}
	for _, tr := range c.sim.trackers {
		tr.node.SetPathLoss(int8(db))
	}
	ic.Printf("path loss %d dB on %d trackers\n", db, len(c.sim.trackers))
}

func (c *console) wake(ic *ishell.Context) {
	idx, err := argByte(ic.Args, 0, byte(len(c.sim.trackers)-1))
	if err != nil {
		ic.Err(err)
		return
	}
	c.sim.trackers[idx].tx.Wake()
}

func argByte(args []string, n int, max byte) (byte, error) {
	if n >= len(args) {
		return 0, fmt.Errorf("missing argument")
	}
	v, err := strconv.ParseUint(args[n], 10, 8)
	if err != nil || byte(v) > max {
		return 0, fmt.Errorf("bad argument %q, want 0..%d", args[n], max)
	}
	return byte(v), nil
}
