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

package v5wire

import (
	crand "crypto/rand"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p/enode"
	lru "github.com/hashicorp/golang-lru"
)

const (
	aesKeySize = 16 // AES-128

	// handshakeTimeout bounds how long an outstanding WHOAREYOU challenge is
	// remembered before the responder gives up on the handshake completing.
	handshakeTimeout = 2 * time.Second

	// sessionCacheSize is the number of concurrent handshakes/sessions tracked.
	// Nodes with an active lookup running may easily reach for a few hundred peers.
	sessionCacheSize = 1024
)

// Nonce represents a nonce used for AES/GCM.
type Nonce [gcmNonceSize]byte

// EncodeNonce encodes a nonce to a byte array.
func EncodeNonce(n Nonce) []byte {
	return n[:]
}

// DecodeNonce decodes a nonce from a byte slice.
func DecodeNonce(b []byte) (n Nonce) {
	copy(n[:], b)
	return n
}

// generateNonce creates a random nonce.
func generateNonce(rand func([]byte) (int, error)) Nonce {
	var n Nonce
	if rand != nil {
		rand(n[:])
	} else {
		crand.Read(n[:])
	}
	return n
}

// session contains session information (keys established after the handshake).
// The initiator uses initiatorKey to encrypt and recipientKey to decrypt; the
// recipient of the handshake does the reverse. weInitiated records which side
// of the handshake the local node played, for the life of the session.
type session struct {
	initiatorKey, recipientKey []byte
	weInitiated                bool
	nonceCounter               uint32
}

// writeKey/readKey pick keys according to whether the local side sent or received
// the handshake that established this session.
func (s *session) writeKey() []byte {
	if s.weInitiated {
		return s.initiatorKey
	}
	return s.recipientKey
}

func (s *session) readKey() []byte {
	if s.weInitiated {
		return s.recipientKey
	}
	return s.initiatorKey
}

// nextNonce returns the next outbound message nonce: an 8-byte random prefix
// followed by a 4-byte big-endian message counter, unique per session/direction.
func (s *session) nextNonce(prefix [8]byte) Nonce {
	var n Nonce
	copy(n[:8], prefix[:])
	s.nonceCounter++
	binary.BigEndian.PutUint32(n[8:], s.nonceCounter)
	return n
}

// NodeAddress identifies a session in the cache. Sessions are keyed on this pair:
// the NodeId is authoritative, the address is where packets are sent.
type NodeAddress struct {
	ID   enode.ID
	Addr netip.AddrPort
}

// String implements fmt.Stringer.
func (n NodeAddress) String() string {
	return n.ID.String() + "@" + n.Addr.String()
}

// handshake tracks an outstanding WHOAREYOU challenge. It must be kept until
// the handshake completes or handshakeTimeout elapses; challenge.Header is
// what reproduces the challenge-data bytes for the eventual handshake signature
// and HKDF salt.
type handshake struct {
	challenge *Whoareyou
	node      *enode.Node
	sent      mclock.AbsTime
}

// SessionCache maps NodeAddress to session and remembers outstanding handshakes,
// the per-peer state needed to run the handshake state machine beyond what a
// bare key pair holds.
type SessionCache struct {
	sessions   *lru.Cache // NodeAddress -> *session
	handshakes map[NodeAddress]*handshake
	clock      mclock.Clock
}

// NewSessionCache creates a new session cache.
func NewSessionCache(maxItems int, clock mclock.Clock) *SessionCache {
	if maxItems <= 0 {
		maxItems = sessionCacheSize
	}
	cache, err := lru.New(maxItems)
	if err != nil {
		panic(err)
	}
	return &SessionCache{
		sessions:   cache,
		handshakes: make(map[NodeAddress]*handshake),
		clock:      clock,
	}
}

// session returns the current session for the given node, if any.
func (sc *SessionCache) session(id enode.ID, addr netip.AddrPort) *session {
	item, ok := sc.sessions.Get(NodeAddress{ID: id, Addr: addr})
	if !ok {
		return nil
	}
	return item.(*session)
}

// writeKey/readKey return the keys used to write, read messages for a session,
// or nil if there is none.
func (sc *SessionCache) writeKey(id enode.ID, addr netip.AddrPort) []byte {
	if s := sc.session(id, addr); s != nil {
		return s.writeKey()
	}
	return nil
}

func (sc *SessionCache) readKey(id enode.ID, addr netip.AddrPort) []byte {
	if s := sc.session(id, addr); s != nil {
		return s.readKey()
	}
	return nil
}

// storeNewSession stores new encryption keys in the cache.
func (sc *SessionCache) storeNewSession(id enode.ID, addr netip.AddrPort, s *session) {
	sc.sessions.Add(NodeAddress{ID: id, Addr: addr}, s)
}

// getHandshake gets the handshake challenge we previously sent to the given remote node.
func (sc *SessionCache) getHandshake(id enode.ID, addr netip.AddrPort) *handshake {
	return sc.handshakes[NodeAddress{ID: id, Addr: addr}]
}

// storeSentHandshake stores the WHOAREYOU challenge we sent to the given remote
// node, which will initiate the handshake in reply.
func (sc *SessionCache) storeSentHandshake(id enode.ID, addr netip.AddrPort, c *handshake) {
	c.sent = sc.clock.Now()
	sc.handshakes[NodeAddress{ID: id, Addr: addr}] = c
}

// deleteHandshake deletes handshake data for the given node.
func (sc *SessionCache) deleteHandshake(id enode.ID, addr netip.AddrPort) {
	delete(sc.handshakes, NodeAddress{ID: id, Addr: addr})
}

// HandshakeGC deletes timed-out handshakes, using handshakeTimeout as the
// maximum handshake time. Callers should invoke this periodically.
func (sc *SessionCache) HandshakeGC() {
	sc.handshakeGC()
}

// handshakeGC deletes timed-out handshakes, using the given handshakeTimeout as the
// maximum handshake time.
func (sc *SessionCache) handshakeGC() {
	deadline := sc.clock.Now().Add(-1 * handshakeTimeout)
	for key, challenge := range sc.handshakes {
		if challenge.sent < deadline {
			delete(sc.handshakes, key)
		}
	}
}
