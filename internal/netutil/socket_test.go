//go:build linux || darwin

package netutil

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestFamily(t *testing.T) {
	assert.Equal(t, unix.AF_INET, Family(netip.MustParseAddrPort("127.0.0.1:80")))
	assert.Equal(t, unix.AF_INET6, Family(netip.MustParseAddrPort("[::1]:80")))
}

func TestSockaddrRoundTrip(t *testing.T) {
	for _, s := range []string{"10.0.0.1:8080", "[2001:db8::1]:443", "0.0.0.0:0"} {
		ap := netip.MustParseAddrPort(s)
		assert.Equal(t, ap, AddrPort(Sockaddr(ap)), s)
	}

	// 内核返回的 v4-mapped 地址按 IPv4 处理
	sa := &unix.SockaddrInet6{Port: 9, Addr: netip.MustParseAddr("::ffff:1.2.3.4").As16()}
	assert.Equal(t, netip.MustParseAddrPort("1.2.3.4:9"), AddrPort(sa))

	numeric := Sockaddr(netip.MustParseAddrPort("[fe80::1%7]:1")).(*unix.SockaddrInet6)
	assert.EqualValues(t, 7, numeric.ZoneId)
}

func TestSocketOptions(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Skipf("ipv6 sockets unavailable: %v", err)
	}
	defer unix.Close(fd)

	require.NoError(t, SetReuseAddr(fd, true))
	require.NoError(t, SetV6Only(fd, true))
	require.NoError(t, SetNoDelay(fd, true))
	require.NoError(t, SetNonblock(fd, true))

	v, err := unix.GetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	require.NoError(t, err)
	assert.NotZero(t, v)

	if err := unix.Bind(fd, Sockaddr(netip.MustParseAddrPort("[::1]:0"))); err != nil {
		t.Skipf("ipv6 loopback unavailable: %v", err)
	}
	local, err := LocalAddrPort(fd)
	require.NoError(t, err)
	assert.Equal(t, "::1", local.Addr().String())
	assert.NotZero(t, local.Port())
}
