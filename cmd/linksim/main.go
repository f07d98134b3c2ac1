// Command linksim runs a full link over the simulated air: one
// receiver and a configurable set of trackers fed with synthetic
// motion. Diagnostics go out over MQTT and the websocket HID feed,
// and an interactive console drives pairing and commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/pflag"

	"github.com/trackwire/rflink/pkg/config"
	"github.com/trackwire/rflink/pkg/diag/mqtt"
	"github.com/trackwire/rflink/pkg/diag/wsfeed"
	"github.com/trackwire/rflink/pkg/env"
	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio/sim"
	"github.com/trackwire/rflink/pkg/rf/receiver"
	"github.com/trackwire/rflink/pkg/rf/transmitter"
	"github.com/trackwire/rflink/pkg/run"
)

var (
	configPath  = pflag.StringP("config", "c", "", "Configuration file.")
	mqttURL     = pflag.String("mqtt", "", "MQTT broker URL, overrides config.")
	wsListen    = pflag.String("ws", "", "HID feed listen address, overrides config.")
	numTrackers = pflag.IntP("trackers", "n", 0, "Number of simulated trackers, overrides config.")
	tick        = pflag.Duration("tick", 2*time.Millisecond, "Virtual clock advance period.")
	noConsole   = pflag.Bool("no-console", false, "Disable the interactive console.")
)

func main() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Exitf("config: %v", err)
	}
	if *mqttURL != "" {
		cfg.Diag.MQTTBroker = *mqttURL
	}
	if *wsListen != "" {
		cfg.Diag.WSListen = *wsListen
	}
	if *numTrackers > 0 {
		cfg.Sim.Trackers = *numTrackers
	}
	if cfg.Sim.Trackers < 1 || cfg.Sim.Trackers > packet.MaxTrackers {
		glog.Exitf("trackers must be 1..%d", packet.MaxTrackers)
	}

	s := newSimulation(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := run.NewRunnerWith(ctx).HandleSignals()
	r.Go(
		run.Name("clock", run.Func(func(ctx context.Context) error {
			s.clock.Run(ctx, *tick)
			return nil
		})),
		run.Name("pump", run.Func(s.pump)),
		run.Name("motion", run.Func(s.motion)),
		run.Name("autopair", run.Func(s.autoPair)),
	)

	if cfg.Diag.MQTTBroker != "" {
		opts, prefix, err := mqtt.ClientOptionsFromURL(cfg.Diag.MQTTBroker)
		if err != nil {
			glog.Exitf("mqtt: %v", err)
		}
		if prefix == "" && cfg.Diag.MQTTTopic != "" {
			prefix = cfg.Diag.MQTTTopic + "/"
		}
		q := mqtt.NewQueue(opts, prefix)
		if t := q.Connect(); t.Wait() && t.Error() != nil {
			glog.Exitf("mqtt: %v", t.Error())
		}
		defer q.Close()
		pub := mqtt.NewPublisher(q, s.rx)
		s.listen(pub.OnConnect, pub.OnPaired)
		r.Go(run.Name("mqtt", pub))
	}
	if cfg.Diag.WSListen != "" {
		r.Go(run.Name("wsfeed", wsfeed.NewServer(cfg.Diag.WSListen, s.rx)))
	}
	if !*noConsole {
		con := newConsole(s)
		r.Go(run.Name("console", run.Func(func(ctx context.Context) error {
			err := con.run(ctx)
			cancel()
			return err
		})))
	}

	if err := r.Wait(); err != nil {
		glog.Exitln(err)
	}
}

// simTracker is one simulated tracker and its air endpoint.
type simTracker struct {
	node  *sim.Node
	tx    *transmitter.Transmitter
	phase float64
}

// simulation owns the virtual air and both link roles.
type simulation struct {
	cfg      config.Config
	clock    *sim.Clock
	air      *sim.Air
	rx       *receiver.Receiver
	trackers []*simTracker

	onConnect []receiver.ConnectFunc
	onPaired  []receiver.PairedFunc
}

func newSimulation(cfg config.Config) *simulation {
	clk := sim.NewClock()
	s := &simulation{cfg: cfg, clock: clk, air: sim.NewAir(clk)}

	name := "linksim"
	if id, err := env.MachineID(); err == nil {
		name = id
	} else {
		glog.Warningf("no machine id, using %q: %v", name, err)
	}

	rxCfg := cfg.ReceiverConfig()
	rxCfg.OnConnect = s.connectEvent
	rxCfg.OnPaired = s.pairedEvent
	s.rx = receiver.New(
		s.air.Node(env.AddrFromString(name)),
		channel.NewManager(cfg.ChannelConfig()),
		rxCfg)

	for i := 0; i < cfg.Sim.Trackers; i++ {
		i := i
		node := s.air.Node(env.AddrFromString(fmt.Sprintf("%s/tracker-%d", name, i)))
		if cfg.Sim.PathLoss > 0 {
			node.SetPathLoss(cfg.Sim.PathLoss)
		}
		tx := transmitter.New(node, channel.NewManager(cfg.ChannelConfig()), transmitter.Config{
			UseUltra: cfg.Tracker.UseUltra,
			IMUType:  cfg.Tracker.IMUType,
			UniqueID: uint32(i) + 1,
			OnCommand: func(cmd packet.Command, param byte) {
				glog.Infof("tracker %d: command %#02x param %d", i, byte(cmd), param)
			},
			OnSleepRequest: func() {
				glog.Infof("tracker %d: sleeping", i)
			},
		})
		tx.SetStatus(3900, 25)
		s.trackers = append(s.trackers, &simTracker{node: node, tx: tx, phase: float64(i)})
	}

	s.rx.Start()
	return s
}

// listen registers additional consumers for the receiver's events.
func (s *simulation) listen(onConnect receiver.ConnectFunc, onPaired receiver.PairedFunc) {
	s.onConnect = append(s.onConnect, onConnect)
	s.onPaired = append(s.onPaired, onPaired)
}

func (s *simulation) connectEvent(id byte, connected bool) {
	glog.Infof("tracker slot %d connected=%v", id, connected)
	for _, fn := range s.onConnect {
		fn(id, connected)
	}
}

func (s *simulation) pairedEvent(id byte, addr packet.HardwareAddr) {
	glog.Infof("tracker slot %d paired to %s", id, addr)
	for _, fn := range s.onPaired {
		fn(id, addr)
	}
}

// pump drains the receiver's deferred work, pairing grants included.
func (s *simulation) pump(ctx context.Context) error {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.rx.Process()
		}
	}
}

// motion feeds every tracker a slow rotation about the vertical axis,
// one turn every ten seconds, phase offset per tracker.
func (s *simulation) motion(ctx context.Context) error {
	const step = 10 * time.Millisecond
	t := time.NewTicker(step)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		for _, tr := range s.trackers {
			tr.phase += 2 * math.Pi * step.Seconds() / 10
			half := tr.phase / 2
			q := [4]int16{
				int16(math.Cos(half) * 32767),
				0, 0,
				int16(math.Sin(half) * 32767),
			}
			tr.tx.SetData(q, [3]int16{0, 0, 1000}, 100, 0)
		}
	}
}

func (s *simulation) allPaired() bool {
	for _, tr := range s.trackers {
		if _, ok := tr.tx.Paired(); !ok {
			return false
		}
	}
	return true
}

// autoPair opens a pairing window at startup and closes it once every
// tracker has a slot.
func (s *simulation) autoPair(ctx context.Context) error {
	s.rx.StartPairing()
	defer s.rx.StopPairing()
	for _, tr := range s.trackers {
		tr.tx.StartPairing()
	}
	deadline := time.NewTimer(15 * time.Second)
	defer deadline.Stop()
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			glog.Warning("pairing window closed with unpaired trackers")
			return nil
		case <-t.C:
			if s.allPaired() {
				glog.Infof("all %d trackers paired", len(s.trackers))
				return nil
			}
		}
	}
}
