package packet

import "encoding/binary"

// SyncBeacon is broadcast by the receiver at the start of every
// superframe. Trackers derive slot timing from its arrival time.
type SyncBeacon struct {
	Pairing    bool    // receiver is accepting pairing requests
	Frame      uint16  // superframe counter, wraps at 65536
	ActiveMask uint16  // bit i set when tracker i is paired
	ChannelMap [ChannelMapLen]byte // hop channels for the next frames
	TxPower    byte    // power hint for trackers
}

// Kind implements Packet.
func (p *SyncBeacon) Kind() Kind {
	if p.Pairing {
		return KindSyncPairing
	}
	return KindSyncBeacon
}

// Bytes implements Packet.
func (p *SyncBeacon) Bytes() []byte {
	b := make([]byte, SyncBeaconSize)
	putHeader(b, p.Kind())
	binary.LittleEndian.PutUint16(b[2:], p.Frame)
	binary.LittleEndian.PutUint16(b[4:], p.ActiveMask)
	copy(b[6:], p.ChannelMap[:])
	b[11] = p.TxPower
	return seal(b)
}

func decodeSyncBeacon(b []byte) (*SyncBeacon, error) {
	p := &SyncBeacon{
		Pairing:    Kind(b[0]) == KindSyncPairing,
		Frame:      binary.LittleEndian.Uint16(b[2:]),
		ActiveMask: binary.LittleEndian.Uint16(b[4:]),
		TxPower:    b[11],
	}
	copy(p.ChannelMap[:], b[6:11])
	for _, ch := range p.ChannelMap {
		if ch >= ChannelCount {
			return nil, ErrBadField
		}
	}
	return p, nil
}

// TrackerData carries one fused orientation/acceleration sample from a
// tracker to the receiver.
type TrackerData struct {
	ID      byte
	Seq     byte // modulo-256 send sequence
	Quat    [4]int16 // w,x,y,z in Q15
	Accel   [3]int16 // milli-g
	Battery byte     // percent
	Flags   byte
}

// Kind implements Packet.
func (p *TrackerData) Kind() Kind { return KindTrackerData }

// Bytes implements Packet.
func (p *TrackerData) Bytes() []byte {
	b := make([]byte, TrackerDataSize)
	putHeader(b, KindTrackerData)
	b[2], b[3] = p.ID, p.Seq
	for i, q := range p.Quat {
		binary.LittleEndian.PutUint16(b[4+2*i:], uint16(q))
	}
	for i, a := range p.Accel {
		binary.LittleEndian.PutUint16(b[12+2*i:], uint16(a))
	}
	b[18], b[19] = p.Battery, p.Flags
	return seal(b)
}

func decodeTrackerData(b []byte) (*TrackerData, error) {
	p := &TrackerData{
		ID:      b[2],
		Seq:     b[3],
		Battery: b[18],
		Flags:   b[19],
	}
	if p.ID >= MaxTrackers {
		return nil, ErrBadField
	}
	for i := range p.Quat {
		p.Quat[i] = int16(binary.LittleEndian.Uint16(b[4+2*i:]))
	}
	for i := range p.Accel {
		p.Accel[i] = int16(binary.LittleEndian.Uint16(b[12+2*i:]))
	}
	return p, nil
}

// Ack acknowledges one tracker-data packet. The receiver preloads it
// as the radio ACK payload before the tracker's slot; Command rides
// along when a control operation is pending.
type Ack struct {
	ID      byte
	AckSeq  byte
	Command Command
	Param   byte
}

// Kind implements Packet.
func (p *Ack) Kind() Kind { return KindAck }

// Bytes implements Packet.
func (p *Ack) Bytes() []byte {
	b := make([]byte, AckSize)
	putHeader(b, KindAck)
	b[2], b[3] = p.ID, p.AckSeq
	b[4], b[5] = byte(p.Command), p.Param
	return seal(b)
}

func decodeAck(b []byte) (*Ack, error) {
	p := &Ack{ID: b[2], AckSeq: b[3], Command: Command(b[4]), Param: b[5]}
	if p.ID >= MaxTrackers {
		return nil, ErrBadField
	}
	return p, nil
}

// PairRequest is sent by an unpaired tracker on the pairing channel.
type PairRequest struct {
	Addr       HardwareAddr
	DeviceType byte
	FWVersion  [2]byte // major, minor
}

// Kind implements Packet.
func (p *PairRequest) Kind() Kind { return KindPairRequest }

// Bytes implements Packet.
func (p *PairRequest) Bytes() []byte {
	b := make([]byte, PairRequestSize)
	putHeader(b, KindPairRequest)
	copy(b[2:], p.Addr[:])
	b[8] = p.DeviceType
	b[9], b[10] = p.FWVersion[0], p.FWVersion[1]
	return seal(b)
}

func decodePairRequest(b []byte) (*PairRequest, error) {
	p := &PairRequest{DeviceType: b[8], FWVersion: [2]byte{b[9], b[10]}}
	copy(p.Addr[:], b[2:8])
	if p.Addr.IsZero() {
		return nil, ErrBadField
	}
	return p, nil
}

// PairResponse assigns a tracker ID and the network key. Addressed by
// hardware address since the tracker has no ID yet.
type PairResponse struct {
	Addr         HardwareAddr // target tracker
	ID           byte         // assigned slot ID
	ReceiverAddr HardwareAddr
	NetworkKey   uint32
}

// Kind implements Packet.
func (p *PairResponse) Kind() Kind { return KindPairResponse }

// Bytes implements Packet.
func (p *PairResponse) Bytes() []byte {
	b := make([]byte, PairResponseSize)
	putHeader(b, KindPairResponse)
	copy(b[2:], p.Addr[:])
	b[8] = p.ID
	copy(b[9:], p.ReceiverAddr[:])
	binary.LittleEndian.PutUint32(b[15:], p.NetworkKey)
	return seal(b)
}

func decodePairResponse(b []byte) (*PairResponse, error) {
	p := &PairResponse{
		ID:         b[8],
		NetworkKey: binary.LittleEndian.Uint32(b[15:]),
	}
	copy(p.Addr[:], b[2:8])
	copy(p.ReceiverAddr[:], b[9:15])
	if p.ID >= MaxTrackers {
		return nil, ErrBadField
	}
	return p, nil
}

// PairConfirm completes the handshake; the receiver activates the
// tracker slot only after a CRC-valid confirm.
type PairConfirm struct {
	ID     byte
	Addr   HardwareAddr
	Status byte // 0 = success
}

// Kind implements Packet.
func (p *PairConfirm) Kind() Kind { return KindPairConfirm }

// Bytes implements Packet.
func (p *PairConfirm) Bytes() []byte {
	b := make([]byte, PairConfirmSize)
	putHeader(b, KindPairConfirm)
	b[2] = p.ID
	copy(b[3:], p.Addr[:])
	b[9] = p.Status
	return seal(b)
}

func decodePairConfirm(b []byte) (*PairConfirm, error) {
	p := &PairConfirm{ID: b[2], Status: b[9]}
	copy(p.Addr[:], b[3:9])
	if p.ID >= MaxTrackers {
		return nil, ErrBadField
	}
	return p, nil
}

// wireSizes maps each kind to its fixed on-air length.
var wireSizes = map[Kind]int{
	KindSyncBeacon:   SyncBeaconSize,
	KindSyncPairing:  SyncBeaconSize,
	KindTrackerData:  TrackerDataSize,
	KindAck:          AckSize,
	KindPairRequest:  PairRequestSize,
	KindPairResponse: PairResponseSize,
	KindPairConfirm:  PairConfirmSize,
}

// Decode parses one standard-format packet. It accepts trailing junk
// beyond the kind's fixed length (radio FIFOs pad reads) but rejects
// short buffers, CRC mismatches, a length byte that disagrees with the
// kind, and out-of-range fields.
func Decode(b []byte) (Packet, error) {
	if len(b) < headerSize {
		return nil, ErrTruncated
	}
	kind := Kind(b[0])
	size, ok := wireSizes[kind]
	if !ok {
		return nil, ErrUnknownKind
	}
	if len(b) < size {
		return nil, ErrTruncated
	}
	b = b[:size]
	if int(b[1]) != size-headerSize {
		return nil, ErrBadField
	}
	if err := checkCRC(b); err != nil {
		return nil, err
	}
	switch kind {
	case KindSyncBeacon, KindSyncPairing:
		return decodeSyncBeacon(b)
	case KindTrackerData:
		return decodeTrackerData(b)
	case KindAck:
		return decodeAck(b)
	case KindPairRequest:
		return decodePairRequest(b)
	case KindPairResponse:
		return decodePairResponse(b)
	case KindPairConfirm:
		return decodePairConfirm(b)
	}
	return nil, ErrUnknownKind
}
