// Copyright 2020 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package discover

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPacket is one datagram in flight on a memNetwork.
type memPacket struct {
	data []byte
	from netip.AddrPort
}

// memConn is a UDPConn backed by Go channels, so two UDPv5 services can
// exchange real discv5 packets without touching an actual socket.
type memConn struct {
	addr      netip.AddrPort
	net       *memNetwork
	in        chan memPacket
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *memConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	select {
	case p := <-c.in:
		return copy(b, p.data), p.from, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (c *memConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	c.net.mu.Lock()
	dest, ok := c.net.conns[addr]
	c.net.mu.Unlock()
	if !ok {
		return len(b), nil // simulates a datagram dropped en route to an unknown address
	}
	data := append([]byte{}, b...)
	select {
	case dest.in <- memPacket{data: data, from: c.addr}:
	case <-dest.closed:
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(c.addr) }

// memNetwork routes packets between memConns by destination address.
type memNetwork struct {
	mu    sync.Mutex
	conns map[netip.AddrPort]*memConn
}

func newMemNetwork() *memNetwork {
	return &memNetwork{conns: make(map[netip.AddrPort]*memConn)}
}

func (nw *memNetwork) newConn(addr netip.AddrPort) *memConn {
	c := &memConn{addr: addr, net: nw, in: make(chan memPacket, 64), closed: make(chan struct{})}
	nw.mu.Lock()
	nw.conns[addr] = c
	nw.mu.Unlock()
	return c
}

// newTestService creates a UDPv5 service reachable at ip:port on nw.
func newTestService(t *testing.T, nw *memNetwork, ip string, port int) *UDPv5 {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	ln := enode.NewLocalNode(db, key)
	ln.SetStaticIP(net.ParseIP(ip))
	ln.SetFallbackUDP(port)

	addr := netip.MustParseAddrPort(fmt.Sprintf("%s:%d", ip, port))
	conn := nw.newConn(addr)
	cfg := Config{
		PrivateKey:     key,
		Log:            log.Root(),
		Clock:          mclock.System{},
		RequestTimeout: 500 * time.Millisecond,
		RequestRetries: 1,
	}
	udp, err := newUDPv5(conn, ln, cfg)
	require.NoError(t, err)
	t.Cleanup(udp.Close)
	return udp
}

func TestServicePingPongEstablishesSession(t *testing.T) {
	nw := newMemNetwork()
	a := newTestService(t, nw, "127.0.0.1", 30301)
	b := newTestService(t, nw, "127.0.0.1", 30302)

	err := a.SendPing(b.Self())
	require.NoError(t, err)

	// The handshake must have produced a session usable in both directions.
	err = b.SendPing(a.Self())
	assert.NoError(t, err)
}

func TestServiceFindNodeReturnsKnownPeer(t *testing.T) {
	nw := newMemNetwork()
	a := newTestService(t, nw, "127.0.0.1", 30311)
	b := newTestService(t, nw, "127.0.0.1", 30312)

	a.AddEnr(b.Self())

	result := a.FindNode(b.Self().ID())
	assert.True(t, containsNode(result, b.Self().ID()))
}

func TestServiceTalkRequestRoundTrip(t *testing.T) {
	nw := newMemNetwork()
	a := newTestService(t, nw, "127.0.0.1", 30321)
	b := newTestService(t, nw, "127.0.0.1", 30322)

	b.RegisterTalkHandler("ping-proto", func(caller *enode.Node, msg []byte) []byte {
		return append([]byte("pong:"), msg...)
	})

	resp, err := a.TalkRequestToNode(b.Self(), "ping-proto", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "pong:hello", string(resp))
}

func TestServiceTalkRequestUnhandledProtocolTimesOut(t *testing.T) {
	nw := newMemNetwork()
	a := newTestService(t, nw, "127.0.0.1", 30331)
	b := newTestService(t, nw, "127.0.0.1", 30332)

	_, err := a.TalkRequestToNode(b.Self(), "unknown-proto", []byte("hi"))
	assert.Error(t, err)
}

func TestServiceCallWithoutEndpointFails(t *testing.T) {
	nw := newMemNetwork()
	a := newTestService(t, nw, "127.0.0.1", 30341)
	// Target record with no IP/UDP endpoint: the call must fail rather than hang.
	ghost := nullNode(enode.ID{0xEE})

	done := make(chan error, 1)
	go func() { done <- a.SendPing(ghost) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("SendPing to an address with no UDP endpoint did not return")
	}
}
