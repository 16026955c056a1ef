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
	"crypto/elliptic"
	"errors"
	"hash"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"golang.org/x/crypto/hkdf"
)

// idNoncePrefix is the domain separator for the identity proof signature.
const idNoncePrefix = "discovery v5 identity proof"

// keyAgreementPrefix is the domain separator fed into HKDF-Expand's info parameter.
const keyAgreementPrefix = "discovery v5 key agreement"

var errInvalidPubkey = errors.New("invalid public key")

// ecdh performs an ECDH exchange and returns the compressed secp256k1 shared point,
// matching the point format node identities are encoded in.
func ecdh(privkey *ecdsa.PrivateKey, pubkey *ecdsa.PublicKey) []byte {
	secX, secY := privkey.Curve.ScalarMult(pubkey.X, pubkey.Y, privkey.D.Bytes())
	if secX == nil {
		return nil
	}
	sec := new(ecdsa.PublicKey)
	sec.Curve = privkey.Curve
	sec.X, sec.Y = secX, secY
	return crypto.CompressPubkey(sec)
}

// EncodePubkey encodes a public key in compressed secp256k1 format (33 bytes), the
// wire format used for the ephemeral key carried in Handshake authdata.
func EncodePubkey(key *ecdsa.PublicKey) []byte {
	return crypto.CompressPubkey(key)
}

// DecodePubkey decodes a compressed secp256k1 public key.
func DecodePubkey(curve elliptic.Curve, e []byte) (*ecdsa.PublicKey, error) {
	if curve != crypto.S256() {
		return nil, errors.New("unsupported curve")
	}
	if len(e) != 33 {
		return nil, errInvalidPubkey
	}
	key, err := crypto.DecompressPubkey(e)
	if err != nil {
		return nil, errInvalidPubkey
	}
	return key, nil
}

// idNonceHash computes the SHA256 hash used to sign and verify the identity proof.
func idNonceHash(h hash.Hash, challenge, ephkey []byte, destID enode.ID) []byte {
	h.Reset()
	h.Write([]byte(idNoncePrefix))
	h.Write(challenge)
	h.Write(ephkey)
	h.Write(destID[:])
	return h.Sum(nil)
}

// makeIDSignature creates the ID nonce signature.
func makeIDSignature(hash hash.Hash, key *ecdsa.PrivateKey, challenge, ephkey []byte, destID enode.ID) ([]byte, error) {
	input := idNonceHash(hash, challenge, ephkey, destID)
	idsig, err := crypto.Sign(input, key)
	if err != nil {
		return nil, err
	}
	return idsig[:len(idsig)-1], nil // remove recovery id
}

// verifyIDSignature checks that a claimed identity proof signature matches an identity.
// destID is the node the signature was made for (the local node, when verifying an
// inbound handshake); n is the node whose static key allegedly produced the signature.
func verifyIDSignature(hash hash.Hash, sig, challenge, ephkey []byte, destID enode.ID, n *enode.Node) error {
	input := idNonceHash(hash, challenge, ephkey, destID)
	switch idscheme := n.Record().IdentityScheme(); idscheme {
	case "v4":
		key := n.Pubkey()
		if key == nil {
			return errInvalidPubkey
		}
		if !crypto.VerifySignature(crypto.FromECDSAPub(key), input, sig) {
			return errInvalidSignature
		}
		return nil
	default:
		return errors.New("can't verify signature: unknown identity scheme " + idscheme)
	}
}

// deriveKeys creates the session keys. n1 is always the initiator's node ID and n2
// the recipient's, regardless of which role the local node plays; weInitiated
// records that role on the returned session so writeKey/readKey pick correctly.
func deriveKeys(hash func() hash.Hash, priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey, n1, n2 enode.ID, challenge []byte, weInitiated bool) *session {
	const text = keyAgreementPrefix
	info := []byte(text)
	info = append(info, n1[:]...)
	info = append(info, n2[:]...)

	eph := ecdh(priv, pub)
	if eph == nil {
		return nil
	}

	kdf := hkdf.New(hash, eph, challenge, info)
	sec := session{initiatorKey: make([]byte, aesKeySize), recipientKey: make([]byte, aesKeySize), weInitiated: weInitiated}
	kdf.Read(sec.initiatorKey)
	kdf.Read(sec.recipientKey)
	return &sec
}
