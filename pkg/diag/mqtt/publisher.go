package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/diag"
	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/receiver"
)

// Publish cadence defaults.
const (
	DefaultPoseEvery  = 100 * time.Millisecond
	DefaultStatsEvery = time.Second
)

// commandByName maps the command topic leaf to the wire command.
var commandByName = map[string]packet.Command{
	"calibrate-gyro":  packet.CmdCalibrateGyro,
	"calibrate-accel": packet.CmdCalibrateAccel,
	"calibrate-mag":   packet.CmdCalibrateMag,
	"tare":            packet.CmdTare,
	"reset":           packet.CmdReset,
	"sleep":           packet.CmdSleep,
	"wake":            packet.CmdWake,
	"set-power":       packet.CmdSetPower,
}

// Publisher streams link diagnostics to the broker and routes
// cmd/<id>/<name> messages back into the receiver.
type Publisher struct {
	Queue    *Queue
	Receiver *receiver.Receiver

	PoseEvery  time.Duration
	StatsEvery time.Duration
}

// NewPublisher wires a publisher with default cadences.
func NewPublisher(q *Queue, rx *receiver.Receiver) *Publisher {
	return &Publisher{
		Queue:      q,
		Receiver:   rx,
		PoseEvery:  DefaultPoseEvery,
		StatsEvery: DefaultStatsEvery,
	}
}

// OnConnect is wired into the receiver's connect callback.
func (p *Publisher) OnConnect(id byte, connected bool) {
	p.pub("event/connect", diag.ConnectEvent{ID: id, Connected: connected})
}

// OnPaired is wired into the receiver's pairing callback.
func (p *Publisher) OnPaired(id byte, addr packet.HardwareAddr) {
	p.pub("event/paired", diag.PairEvent{ID: id, Addr: addr.String()})
}

// Run implements run.Runnable: periodic pose and stats publishing,
// plus the inbound command subscription.
func (p *Publisher) Run(ctx context.Context) error {
	p.Queue.Sub("cmd/+/+", p.onCommand)

	pose := time.NewTicker(p.PoseEvery)
	defer pose.Stop()
	stats := time.NewTicker(p.StatsEvery)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pose.C:
			p.pub("pose", diag.Samples(p.Receiver.Snapshots()))
		case <-stats.C:
			p.pub("stats", diag.Stats(p.Receiver.Stats()))
		}
	}
}

func (p *Publisher) pub(topic string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		glog.Errorf("marshal %s: %v", topic, err)
		return
	}
	p.Queue.Pub(topic, data)
}

// parseCommand splits cmd/<id>/<name> with an optional numeric param
// in the payload.
func parseCommand(topic string, payload []byte) (id byte, cmd packet.Command, param byte, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "cmd" {
		return 0, 0, 0, false
	}
	n, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil || n >= packet.MaxTrackers {
		return 0, 0, 0, false
	}
	if parts[2] == "unpair" {
		return byte(n), packet.CmdUnpair, 0, true
	}
	cmd, found := commandByName[parts[2]]
	if !found {
		return 0, 0, 0, false
	}
	if len(payload) > 0 {
		v, err := strconv.ParseUint(strings.TrimSpace(string(payload)), 10, 8)
		if err != nil {
			return 0, 0, 0, false
		}
		param = byte(v)
	}
	return byte(n), cmd, param, true
}

func (p *Publisher) onCommand(topic string, payload []byte) {
	id, cmd, param, ok := parseCommand(topic, payload)
	if !ok {
		glog.Warningf("ignoring command %q", topic)
		return
	}
	var err error
	if cmd == packet.CmdUnpair {
		err = p.Receiver.Unpair(id)
	} else {
		err = p.Receiver.SendCommand(id, cmd, param)
	}
	if err != nil {
		glog.Warningf("command %q: %v", topic, err)
	}
}
