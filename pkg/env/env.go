// Package env derives stable link identities from the host machine.
package env

import (
	"github.com/denisbrodbeck/machineid"

	"github.com/trackwire/rflink/pkg/rf/packet"
)

// appID keys the machine identity so the derived address is specific
// to this application.
const appID = "rflink"

// MachineID retrieves the unique ID identifying the machine.
func MachineID() (string, error) {
	return machineid.ProtectedID(appID)
}

// HardwareAddr derives a stable 6-byte radio address from the machine
// identity. The first byte is forced non-zero so the address is never
// confused with an unconfigured radio.
func HardwareAddr() (packet.HardwareAddr, error) {
	id, err := MachineID()
	if err != nil {
		return packet.HardwareAddr{}, err
	}
	return AddrFromString(id), nil
}

// AddrFromString folds an arbitrary identity string into an address.
func AddrFromString(id string) packet.HardwareAddr {
	h := uint64(14695981039346656037)
	for i := 0; i < len(id); i++ {
		h = (h ^ uint64(id[i])) * 1099511628211
	}
	var addr packet.HardwareAddr
	for i := range addr {
		addr[i] = byte(h >> (8 * uint(i)))
	}
	if addr[0] == 0 {
		addr[0] = 0xC3
	}
	return addr
}
