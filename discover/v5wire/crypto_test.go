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
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_ECDH(t *testing.T) {
	var (
		staticKey = hexPrivkey("0xfb757dc581730490a1d7a00deea65e9b1936924caaea8f44d476014856b68736")
		publicKey = hexPubkey(crypto.S256(), "0x039961e4c2356d61bedb83052c115d311acb3a96f5777296dcf297351130266231")
		want      = hexutil.MustDecode("0x033b11a2a1f214567e1537ce5e509ffd9b21373247f2a3ff6841f4976f53165e7e")
	)
	result := ecdh(staticKey, publicKey)
	check(t, "shared-secret", result, want)
}

// TestIDSignatureRoundTrip checks that a signature produced by makeIDSignature
// for a given challenge/ephemeral-key/destination triple is accepted by
// verifyIDSignature, and rejected once any of the three inputs changes.
func TestIDSignatureRoundTrip(t *testing.T) {
	signerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	signerNode := nodeFromKey(t, signerKey)
	destID := enode.ID{9}

	challenge := []byte("whoareyou-challenge-data")
	ephkey := EncodePubkey(&signerKey.PublicKey)

	sig, err := makeIDSignature(sha256.New(), signerKey, challenge, ephkey, destID)
	require.NoError(t, err)
	assert.NoError(t, verifyIDSignature(sha256.New(), sig, challenge, ephkey, destID, signerNode))

	assert.Error(t, verifyIDSignature(sha256.New(), sig, []byte("different-challenge"), ephkey, destID, signerNode))
	assert.Error(t, verifyIDSignature(sha256.New(), sig, challenge, []byte("different-ephkey"), destID, signerNode))
	assert.Error(t, verifyIDSignature(sha256.New(), sig, challenge, ephkey, enode.ID{10}, signerNode))
}

// TestDeriveKeysSymmetric checks that both sides of a handshake, running
// deriveKeys with their own private key and the peer's public key, arrive at
// the same session keys, and that the initiator's write key is the
// recipient's read key and vice versa.
func TestDeriveKeysSymmetric(t *testing.T) {
	initKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	recvKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	n1 := enode.ID{1}
	n2 := enode.ID{2}
	challenge := []byte("some-challenge-data")

	initSession := deriveKeys(sha256.New, initKey, &recvKey.PublicKey, n1, n2, challenge, true)
	recvSession := deriveKeys(sha256.New, recvKey, &initKey.PublicKey, n1, n2, challenge, false)
	require.NotNil(t, initSession)
	require.NotNil(t, recvSession)

	assert.Equal(t, initSession.initiatorKey, recvSession.initiatorKey)
	assert.Equal(t, initSession.recipientKey, recvSession.recipientKey)
	assert.Equal(t, initSession.writeKey(), recvSession.readKey())
	assert.Equal(t, initSession.readKey(), recvSession.writeKey())
}

func TestDeriveKeysDiffersByChallenge(t *testing.T) {
	initKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	recvKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	n1, n2 := enode.ID{1}, enode.ID{2}

	s1 := deriveKeys(sha256.New, initKey, &recvKey.PublicKey, n1, n2, []byte("a"), true)
	s2 := deriveKeys(sha256.New, initKey, &recvKey.PublicKey, n1, n2, []byte("b"), true)
	assert.NotEqual(t, s1.initiatorKey, s2.initiatorKey)
}

func nodeFromKey(t *testing.T, key *ecdsa.PrivateKey) *enode.Node {
	t.Helper()
	db, err := enode.OpenDB("")
	require.NoError(t, err)
	ln := enode.NewLocalNode(db, key)
	return ln.Node()
}

func check(t *testing.T, what string, x, y []byte) {
	t.Helper()

	if !bytes.Equal(x, y) {
		t.Errorf("wrong %s: %#x != %#x", what, x, y)
	} else {
		t.Logf("%s = %#x", what, x)
	}
}

func hexPrivkey(input string) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(input, "0x"))
	if err != nil {
		panic(err)
	}
	return key
}

func hexPubkey(curve elliptic.Curve, input string) *ecdsa.PublicKey {
	key, err := DecodePubkey(curve, hexutil.MustDecode(input))
	if err != nil {
		panic(err)
	}
	return key
}
