package packet

import (
	"errors"
	"fmt"
)

// Protocol limits shared by both roles.
const (
	// MaxTrackers is the number of data slots in a superframe.
	MaxTrackers = 10
	// ChannelCount is the number of RF channels (2402..2480 MHz, 2 MHz
	// spacing).
	ChannelCount = 40
	// PairingChannel is the fixed channel used for the pairing
	// handshake.
	PairingChannel = 37
	// ChannelMapLen is the number of upcoming hop channels announced in
	// every sync beacon.
	ChannelMapLen = 5
	// MaxPayloadSize bounds any on-air frame.
	MaxPayloadSize = 32
)

// Superframe timing in microseconds.
const (
	SuperframeUs = 5000 // 200 Hz
	SyncSlotUs   = 250
	DataSlotUs   = 400
	GuardTimeUs  = 200
	AckWaitUs    = 100
)

// Kind identifies a standard-format packet type on the wire.
type Kind byte

// Standard packet kinds.
const (
	KindSyncBeacon  Kind = 0x01 // receiver sync broadcast
	KindSyncPairing Kind = 0x02 // receiver beacon while in pairing mode
	KindTrackerData Kind = 0x10 // tracker sensor data
	KindPairRequest Kind = 0x20 // tracker pairing request
	KindPairResponse Kind = 0x21
	KindPairConfirm  Kind = 0x22
	KindAck          Kind = 0x30
)

func (k Kind) String() string {
	switch k {
	case KindSyncBeacon:
		return "sync-beacon"
	case KindSyncPairing:
		return "sync-pairing"
	case KindTrackerData:
		return "tracker-data"
	case KindPairRequest:
		return "pair-request"
	case KindPairResponse:
		return "pair-response"
	case KindPairConfirm:
		return "pair-confirm"
	case KindAck:
		return "ack"
	}
	return fmt.Sprintf("kind(%#02x)", byte(k))
}

// Command is a control code carried in an ACK to a tracker.
type Command byte

// Commands.
const (
	CmdNone           Command = 0x00
	CmdCalibrateGyro  Command = 0x01
	CmdCalibrateAccel Command = 0x02
	CmdCalibrateMag   Command = 0x03
	CmdTare           Command = 0x04
	CmdReset          Command = 0x05
	CmdSleep          Command = 0x06
	CmdWake           Command = 0x07
	CmdSetPower       Command = 0x10
	CmdUnpair         Command = 0xFF
)

// Tracker status flags carried in data packets.
const (
	FlagCharging    byte = 1 << 0
	FlagLowBattery  byte = 1 << 1
	FlagCalibrating byte = 1 << 2
	FlagMagEnabled  byte = 1 << 3
	FlagIMUError    byte = 1 << 4
	FlagRFLost      byte = 1 << 5
	FlagStationary  byte = 1 << 6
	FlagError       byte = 1 << 7
)

// Decode failure causes. Callers treat any of these as a dropped
// packet, never as control input.
var (
	ErrTruncated   = errors.New("packet truncated")
	ErrBadCRC      = errors.New("packet crc mismatch")
	ErrBadField    = errors.New("packet field out of range")
	ErrUnknownKind = errors.New("unknown packet kind")
)

// HardwareAddr is the 6-byte hardware address burnt into each device.
type HardwareAddr [6]byte

func (a HardwareAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether the address is all zeroes.
func (a HardwareAddr) IsZero() bool {
	return a == HardwareAddr{}
}

// Packet is one decoded standard-format packet.
type Packet interface {
	// Kind returns the wire type code.
	Kind() Kind
	// Bytes returns the encoded on-air form including trailing CRC.
	Bytes() []byte
}

// Wire sizes of the standard packet kinds, header and CRC included.
const (
	headerSize       = 2
	crcSize          = 2
	SyncBeaconSize   = headerSize + 2 + 2 + ChannelMapLen + 1 + crcSize // 14
	TrackerDataSize  = headerSize + 2 + 8 + 6 + 2 + crcSize            // 22
	AckSize          = headerSize + 4 + crcSize                        // 8
	PairRequestSize  = headerSize + 6 + 3 + crcSize                    // 13
	PairResponseSize = headerSize + 6 + 1 + 6 + 4 + crcSize            // 21
	PairConfirmSize  = headerSize + 1 + 6 + 1 + crcSize                // 12
)

func putHeader(b []byte, kind Kind) {
	b[0] = byte(kind)
	b[1] = byte(len(b) - headerSize)
}

// seal writes the trailing CRC16 over all preceding bytes.
func seal(b []byte) []byte {
	crc := CRC16(b[:len(b)-crcSize])
	b[len(b)-2] = byte(crc)
	b[len(b)-1] = byte(crc >> 8)
	return b
}

// checkCRC verifies the trailing CRC16 of a standard packet.
func checkCRC(b []byte) error {
	got := uint16(b[len(b)-2]) | uint16(b[len(b)-1])<<8
	if got != CRC16(b[:len(b)-crcSize]) {
		return ErrBadCRC
	}
	return nil
}
