package wire

import (
	"fmt"
	"net"
)

// Endpoint is an IPv4 or IPv6 address plus a port, comparable byte-wise so
// it can be used directly as a map key.
type Endpoint struct {
	IP   [16]byte
	Port uint16
	V4   bool
}

// EndpointFromUDPAddr converts a *net.UDPAddr into an Endpoint.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	var ep Endpoint
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(ep.IP[:4], ip4)
		ep.V4 = true
	} else {
		copy(ep.IP[:], addr.IP.To16())
	}
	ep.Port = uint16(addr.Port)
	return ep
}

// UDPAddr converts the Endpoint back into a *net.UDPAddr.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	if e.V4 {
		return &net.UDPAddr{IP: net.IP(e.IP[:4]), Port: int(e.Port)}
	}
	ip := make(net.IP, 16)
	copy(ip, e.IP[:])
	return &net.UDPAddr{IP: ip, Port: int(e.Port)}
}

// String renders the endpoint in host:port form.
func (e Endpoint) String() string {
	return e.UDPAddr().String()
}

// MarshalIPv4 serializes an IPv4 endpoint into 6 bytes (addr||port, network
// byte order), per the wire format. Calling it on a non-v4 endpoint is a
// programmer error.
func (e Endpoint) MarshalIPv4() [6]byte {
	var out [6]byte
	copy(out[:4], e.IP[:4])
	out[4] = byte(e.Port >> 8)
	out[5] = byte(e.Port)
	return out
}

// UnmarshalEndpointIPv4 is the inverse of MarshalIPv4.
func UnmarshalEndpointIPv4(b [6]byte) Endpoint {
	var ep Endpoint
	copy(ep.IP[:4], b[:4])
	ep.V4 = true
	ep.Port = uint16(b[4])<<8 | uint16(b[5])
	return ep
}

// Key returns a string usable as a map key; Endpoint is already comparable,
// but Key is handy for log fields and error messages.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%x:%d:%v", e.IP, e.Port, e.V4)
}
