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
	"crypto/ecdsa"
	"net/netip"
	"testing"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer bundles the identity and codec of one endpoint in the handshake tests.
type peer struct {
	key   *ecdsa.PrivateKey
	ln    *enode.LocalNode
	codec *Codec
	addr  netip.AddrPort
}

func newPeer(t *testing.T, addr string) *peer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	ln := enode.NewLocalNode(db, key)
	codec := NewCodec(ln, key, mclock.System{}, NewSessionCache(8, mclock.System{}))
	return &peer{key: key, ln: ln, codec: codec, addr: netip.MustParseAddrPort(addr)}
}

func (p *peer) id() enode.ID { return p.ln.ID() }

// TestHandshakeAndSessionRoundTrip drives a full WHOAREYOU handshake between
// two codecs and then checks that ordinary encrypted traffic decodes on both
// sides afterwards.
func TestHandshakeAndSessionRoundTrip(t *testing.T) {
	a := newPeer(t, "10.0.0.1:30303")
	b := newPeer(t, "10.0.0.2:30303")

	// A has no session with B yet, so this becomes a Random packet.
	randomWire, randomNonce, err := a.codec.Encode(b.id(), b.addr, &Ping{ENRSeq: 1}, nil)
	require.NoError(t, err)

	// B can't decrypt it and returns Unknown.
	_, _, pkt, err := b.codec.Decode(randomWire, a.addr)
	require.NoError(t, err)
	unknown, ok := pkt.(*Unknown)
	require.True(t, ok)
	assert.Equal(t, randomNonce, unknown.Nonce)

	// B challenges A with WHOAREYOU.
	challenge := &Whoareyou{Nonce: unknown.Nonce, Node: a.ln.Node()}
	copy(challenge.IDNonce[:], []byte("0123456789abcdef"))
	whoareyouWire, _, err := b.codec.Encode(a.id(), a.addr, challenge, nil)
	require.NoError(t, err)

	// A decodes the challenge; its Nonce must match the packet that triggered it.
	_, _, pkt, err = a.codec.Decode(whoareyouWire, b.addr)
	require.NoError(t, err)
	decodedChallenge, ok := pkt.(*Whoareyou)
	require.True(t, ok)
	assert.Equal(t, randomNonce, decodedChallenge.Nonce)
	decodedChallenge.Node = b.ln.Node()

	// A replies with a Handshake packet carrying the original Ping.
	handshakeWire, _, err := a.codec.Encode(b.id(), b.addr, &Ping{ENRSeq: 1}, decodedChallenge)
	require.NoError(t, err)

	// B completes the handshake and recovers the Ping.
	fromID, fromNode, pkt, err := b.codec.Decode(handshakeWire, a.addr)
	require.NoError(t, err)
	assert.Equal(t, a.id(), fromID)
	require.NotNil(t, fromNode)
	assert.Equal(t, a.id(), fromNode.ID())
	ping, ok := pkt.(*Ping)
	require.True(t, ok)
	assert.EqualValues(t, 1, ping.ENRSeq)

	// Both sides now hold an established session; ordinary traffic flows either way.
	pongWire, _, err := b.codec.Encode(a.id(), a.addr, &Pong{ENRSeq: 1}, nil)
	require.NoError(t, err)
	_, _, pkt, err = a.codec.Decode(pongWire, b.addr)
	require.NoError(t, err)
	_, ok = pkt.(*Pong)
	assert.True(t, ok)

	pingWire2, _, err := a.codec.Encode(b.id(), b.addr, &Ping{ENRSeq: 2}, nil)
	require.NoError(t, err)
	_, _, pkt, err = b.codec.Decode(pingWire2, a.addr)
	require.NoError(t, err)
	ping2, ok := pkt.(*Ping)
	require.True(t, ok)
	assert.EqualValues(t, 2, ping2.ENRSeq)
}

func TestDecodeRejectsWrongProtocolID(t *testing.T) {
	a := newPeer(t, "10.0.0.1:30303")
	b := newPeer(t, "10.0.0.2:30303")

	wire, _, err := a.codec.Encode(b.id(), b.addr, &Ping{ENRSeq: 1}, nil)
	require.NoError(t, err)
	corrupt := append([]byte{}, wire...)
	corrupt[sizeofMaskingIV] ^= 0xff // flit a byte inside the masked static header

	_, _, _, err = b.codec.Decode(corrupt, a.addr)
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedPacket(t *testing.T) {
	b := newPeer(t, "10.0.0.2:30303")
	_, _, _, err := b.codec.Decode([]byte{1, 2, 3}, netip.MustParseAddrPort("10.0.0.1:1"))
	assert.Equal(t, errTooSmall, err)
}

func TestHandshakeAuthDataRoundTrip(t *testing.T) {
	a := handshakeAuthData{
		srcID:  enode.ID{1, 2, 3},
		sig:    []byte("some-signature-bytes"),
		pubkey: []byte("compressed-pubkey-33"),
		record: []byte("rlp-encoded-record"),
	}
	encoded := a.encode()
	decoded, err := decodeHandshakeAuthData(encoded)
	require.NoError(t, err)
	assert.Equal(t, a, decoded)
}

func TestGCMEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	nonce := make([]byte, gcmNonceSize)
	for i := range key {
		key[i] = byte(i)
	}
	aad := []byte("associated-data")
	plaintext := []byte("hello discv5")

	ct, err := encryptGCM(key, nonce, plaintext, aad)
	require.NoError(t, err)
	pt, err := decryptGCM(key, nonce, ct, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)

	_, err = decryptGCM(key, nonce, ct, []byte("wrong-aad"))
	assert.Equal(t, errDecryptionFailed, err)
}
