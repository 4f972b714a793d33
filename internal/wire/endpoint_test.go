package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEndpointIPv4RoundTrip(t *testing.T) {
	ep := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("127.0.0.1").To4(), Port: 27015})
	require.True(t, ep.V4)

	b := ep.MarshalIPv4()
	back := UnmarshalEndpointIPv4(b)

	require.Equal(t, ep, back)
}

func TestEndpointComparable(t *testing.T) {
	a := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 1000})
	b := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.1").To4(), Port: 1000})
	c := EndpointFromUDPAddr(&net.UDPAddr{IP: net.ParseIP("10.0.0.2").To4(), Port: 1000})

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)

	m := map[Endpoint]int{a: 1}
	_, ok := m[b]
	require.True(t, ok, "Endpoint must be usable as a map key regardless of which struct built it")
}
