// Package hostaddr implements a minimal IPv4 address value type.
//
// It intentionally covers only what udpcap needs: parsing, the
// loopback/multicast/broadcast predicates the bind and filter logic
// branch on, and round-tripping to the byte layout pcap device address
// lists use. It is not a general-purpose networking type.
package hostaddr

import (
	"fmt"
	"net"
)

// Address is an IPv4 address stored in network byte order (the same
// layout a sockaddr_in's sin_addr carries), so it compares directly
// against addresses read off the wire or off a pcap device list.
type Address struct {
	valid bool
	bytes [4]byte
}

// Parse builds an Address from a dotted-decimal string. The second
// return value is false if the string is not a valid IPv4 address.
func Parse(s string) (Address, bool) {
	ip := net.ParseIP(s)
	if ip == nil {
		return Address{}, false
	}
	return FromNetIP(ip)
}

// FromNetIP builds an Address from a net.IP. Only 4-byte (or 4-in-16)
// IPv4 representations are accepted.
func FromNetIP(ip net.IP) (Address, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return Address{}, false
	}
	var a Address
	a.valid = true
	copy(a.bytes[:], v4)
	return a, true
}

// FromUint32 builds an Address from its 32-bit network-byte-order value.
func FromUint32(v uint32) Address {
	return Address{
		valid: true,
		bytes: [4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)},
	}
}

// Invalid returns the zero-value, invalid Address.
func Invalid() Address { return Address{} }

// Any returns 0.0.0.0.
func Any() Address { return FromUint32(0) }

// LocalHost returns 127.0.0.1.
func LocalHost() Address { return FromUint32(0x7F000001) }

// Broadcast returns 255.255.255.255.
func Broadcast() Address { return FromUint32(0xFFFFFFFF) }

// IsValid reports whether the address was successfully parsed/constructed.
func (a Address) IsValid() bool { return a.valid }

// IsLoopback reports whether the address is in 127.0.0.0/8.
func (a Address) IsLoopback() bool {
	return a.valid && a.bytes[0] == 127
}

// IsMulticast reports whether the address is in 224.0.0.0/4.
func (a Address) IsMulticast() bool {
	return a.valid && a.bytes[0] >= 224 && a.bytes[0] <= 239
}

// IsAny reports whether the address equals 0.0.0.0.
func (a Address) IsAny() bool {
	return a == Any()
}

// IsBroadcast reports whether the address equals 255.255.255.255.
func (a Address) IsBroadcast() bool {
	return a == Broadcast()
}

// String renders the address in dotted-decimal form, or "" if invalid.
func (a Address) String() string {
	if !a.valid {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", a.bytes[0], a.bytes[1], a.bytes[2], a.bytes[3])
}

// Uint32 returns the address as a 32-bit network-byte-order value.
func (a Address) Uint32() uint32 {
	return uint32(a.bytes[0])<<24 | uint32(a.bytes[1])<<16 | uint32(a.bytes[2])<<8 | uint32(a.bytes[3])
}

// NetIP converts the address to a net.IP.
func (a Address) NetIP() net.IP {
	if !a.valid {
		return nil
	}
	ip := make(net.IP, 4)
	copy(ip, a.bytes[:])
	return ip
}

// Less reports whether a sorts before other, for use as a set ordering key.
// Invalid addresses never compare less than anything.
func (a Address) Less(other Address) bool {
	if !a.valid || !other.valid {
		return false
	}
	return a.Uint32() < other.Uint32()
}
