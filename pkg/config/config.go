// Package config loads the link's tunables from a YAML file, with
// defaults matching the protocol constants. Zero values in the file
// fall back to the defaults, so a partial file is fine.
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/trackwire/rflink/pkg/rf/channel"
	"github.com/trackwire/rflink/pkg/rf/receiver"
)

// Channel tunes the channel manager.
type Channel struct {
	UpdateMs        uint32  `yaml:"update_ms"`
	BlacklistPct    uint8   `yaml:"blacklist_pct"`
	RecoveryPct     uint8   `yaml:"recovery_pct"`
	RecoveryMs      uint32  `yaml:"recovery_ms"`
	MinActive       int     `yaml:"min_active"`
	CCAThresholdDBm int8    `yaml:"cca_threshold_dbm"`
	HopSequence     []uint8 `yaml:"hop_sequence"`
}

// Receiver tunes the dongle role.
type Receiver struct {
	NetworkKey       uint32 `yaml:"network_key"`
	TrackerTimeoutMs uint32 `yaml:"tracker_timeout_ms"`
	PairingTimeoutMs uint32 `yaml:"pairing_timeout_ms"`
}

// Tracker tunes the tracker role.
type Tracker struct {
	UseUltra bool `yaml:"use_ultra"`
	IMUType  byte `yaml:"imu_type"`
}

// Diag configures the diagnostic surfaces.
type Diag struct {
	MQTTBroker string `yaml:"mqtt_broker"`
	MQTTTopic  string `yaml:"mqtt_topic"`
	WSListen   string `yaml:"ws_listen"`
}

// Sim configures the simulation daemon.
type Sim struct {
	Trackers int  `yaml:"trackers"`
	PathLoss int8 `yaml:"path_loss_db"`
}

// Config is the root document.
type Config struct {
	Channel  Channel  `yaml:"channel"`
	Receiver Receiver `yaml:"receiver"`
	Tracker  Tracker  `yaml:"tracker"`
	Diag     Diag     `yaml:"diag"`
	Sim      Sim      `yaml:"sim"`
}

// Default returns the configuration matching the protocol constants.
func Default() Config {
	ch := channel.Config{}.Default()
	return Config{
		Channel: Channel{
			UpdateMs:        ch.UpdateMs,
			BlacklistPct:    ch.BlacklistPct,
			RecoveryPct:     ch.RecoveryPct,
			RecoveryMs:      ch.RecoveryMs,
			MinActive:       ch.MinActive,
			CCAThresholdDBm: ch.CCAThresholdDBm,
			HopSequence:     append([]uint8(nil), ch.HopSequence...),
		},
		Receiver: Receiver{
			TrackerTimeoutMs: receiver.TrackerTimeoutMs,
			PairingTimeoutMs: receiver.PairingTimeoutMs,
		},
		Diag: Diag{
			MQTTTopic: "rflink",
			WSListen:  ":6969",
		},
		Sim: Sim{Trackers: 2},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

// ChannelConfig maps to the channel manager's configuration.
func (c Config) ChannelConfig() channel.Config {
	return channel.Config{
		UpdateMs:        c.Channel.UpdateMs,
		BlacklistPct:    c.Channel.BlacklistPct,
		RecoveryPct:     c.Channel.RecoveryPct,
		RecoveryMs:      c.Channel.RecoveryMs,
		MinActive:       c.Channel.MinActive,
		CCAThresholdDBm: c.Channel.CCAThresholdDBm,
		HopSequence:     c.Channel.HopSequence,
	}.Default()
}

// ReceiverConfig maps to the dongle role's configuration; callbacks
// are wired by the caller.
func (c Config) ReceiverConfig() receiver.Config {
	return receiver.Config{
		NetworkKey:       c.Receiver.NetworkKey,
		TrackerTimeoutMs: c.Receiver.TrackerTimeoutMs,
		PairingTimeoutMs: c.Receiver.PairingTimeoutMs,
	}
}
