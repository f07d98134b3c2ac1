// Package packet frames and parses every packet kind of the tracker
// RF protocol.
package packet

// The protocol is a private 2.4 GHz TDMA link between up to 10
// battery-powered motion trackers and one receiver dongle. Two wire
// families exist:
//
//   - the standard format: a two-byte header (type, length), a fixed
//     per-kind body, and a trailing CRC-16 over all preceding bytes;
//   - the Ultra format: 12 bytes or less, a one-byte header packing a
//     2-bit type and 6-bit tracker ID, and a trailing CRC-8.
//
// Ultra additionally supports smallest-three quaternion compression
// (10-byte full frame) and int8 delta frames (6 bytes) against the
// previous sample, reverting to a full frame after a bounded run.
//
// Orientation is carried as fixed-point Q15: ±1.0 maps to ±32767.
// Acceleration is carried in milli-g.
//
// Decoding untrusted bytes never panics: any length mismatch, CRC
// mismatch or out-of-range field yields an error and the caller drops
// the packet.
