// Copyright 2019 The go-ethereum Authors
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

// Package discover implements the discv5 Node Discovery Protocol.
//
// The protocol provides a way to find peers on a UDP network by 256-bit node
// identifier. It maintains a Kademlia-style routing table and performs
// iterative lookups by XOR distance over an authenticated, encrypted
// per-peer session.
package discover

import (
	"crypto/ecdsa"
	crand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/p2p/netutil"
)

// UDPConn is a network connection on which discovery can operate.
type UDPConn interface {
	ReadFromUDPAddrPort(b []byte) (n int, addr netip.AddrPort, err error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

// Config holds settings for the discv5 service.
type Config struct {
	// These settings are required and configure the UDP listener:
	PrivateKey *ecdsa.PrivateKey

	// All remaining settings are optional.

	// Packet handling configuration:
	NetRestrict *netutil.Netlist  // list of allowed IP networks
	Unhandled   chan<- ReadPacket // unhandled packets are sent on this channel

	// Node table configuration:
	Bootnodes       []*enode.Node // list of bootstrap nodes
	PingInterval    time.Duration // speed of node liveness check
	RefreshInterval time.Duration // used in bucket refresh

	// Session and request/response engine configuration:
	RequestTimeout          time.Duration // per-request timeout before retry/failure
	RequestRetries          int           // number of retries after the first timeout
	SessionTimeout          time.Duration // idle lifetime of an Established session
	SessionEstablishTimeout time.Duration // handshake completion deadline
	LookupTimeout           time.Duration // wall-clock bound on one iterative lookup

	// Lookup engine configuration:
	LookupParallelism  int  // alpha, concurrent FINDNODE queries per lookup
	LookupNumResults   int  // K, bucket size and lookup result count
	LookupRequestLimit int  // max FINDNODE requests sent to one peer per lookup
	EnrUpdate          bool // update local ENR from PONG-observed address

	// The options below are useful in very specific cases, like in unit tests.
	Log          log.Logger         // if set, log messages go here
	ValidSchemes enr.IdentityScheme // allowed identity schemes
	Clock        mclock.Clock
}

func (cfg Config) withDefaults() Config {
	// Node table configuration:
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 5 * time.Minute
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 30 * time.Minute
	}

	// Session / request engine configuration, defaults:
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 1000 * time.Millisecond
	}
	if cfg.RequestRetries == 0 {
		cfg.RequestRetries = 1
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 86_400_000 * time.Millisecond
	}
	if cfg.SessionEstablishTimeout == 0 {
		cfg.SessionEstablishTimeout = 15_000 * time.Millisecond
	}
	if cfg.LookupTimeout == 0 {
		cfg.LookupTimeout = 60_000 * time.Millisecond
	}
	if cfg.LookupParallelism == 0 {
		cfg.LookupParallelism = alpha
	}
	if cfg.LookupNumResults == 0 {
		cfg.LookupNumResults = bucketSize
	}
	if cfg.LookupRequestLimit == 0 {
		cfg.LookupRequestLimit = 3
	}

	// Debug/test settings:
	if cfg.Log == nil {
		cfg.Log = log.Root()
	}
	if cfg.ValidSchemes == nil {
		cfg.ValidSchemes = enode.ValidSchemes
	}
	if cfg.Clock == nil {
		cfg.Clock = mclock.System{}
	}
	return cfg
}

// ReadPacket is a packet that couldn't be handled. Those packets are sent to the
// Unhandled channel if configured.
type ReadPacket struct {
	Data []byte
	Addr netip.AddrPort
}

// TalkRequest is delivered to the application when a peer sends a TALKREQ message
// for a protocol the application handles.
type TalkRequest struct {
	Node     *enode.Node
	Protocol string
	Message  []byte

	fromID enode.ID
	reqid  []byte
	addr   netip.AddrPort
}

// TalkRequestHandler answers an inbound TALKREQ. Returning nil means no response
// is sent (the peer's request will eventually time out).
type TalkRequestHandler func(*enode.Node, []byte) []byte

type randomSource interface {
	Intn(int) int
	Int63n(int64) int64
	Shuffle(int, func(int, int))
}

// reseedingRandom is a random number generator that tracks when it was last re-seeded.
type reseedingRandom struct {
	mu  sync.Mutex
	cur *rand.Rand
}

func (r *reseedingRandom) seed() {
	var b [8]byte
	crand.Read(b[:])
	seed := binary.BigEndian.Uint64(b[:])
	new := rand.New(rand.NewSource(int64(seed)))

	r.mu.Lock()
	r.cur = new
	r.mu.Unlock()
}

func (r *reseedingRandom) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.Intn(n)
}

func (r *reseedingRandom) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur.Int63n(n)
}

func (r *reseedingRandom) Shuffle(n int, swap func(i, j int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur.Shuffle(n, swap)
}
