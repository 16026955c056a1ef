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
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"net/netip"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
)

// Packet header layout, bit-exact with discv5 v5.1.
const (
	version   = 1
	minVersion = 1

	sizeofMaskingIV    = 16
	sizeofStaticHeader = 6 + 2 + 1 + 12 + 2 // protocol-id, version, flag, nonce, authdata-size
	minPacketSize      = sizeofMaskingIV + sizeofStaticHeader + sizeofWhoareyouAuthData

	sizeofOrdinaryAuthData   = 32 // source NodeId
	sizeofWhoareyouAuthData  = 16 + 8
	sizeofHandshakeAuthDataMin = 32 + 1 + 1

	gcmNonceSize = 12
	gcmTagSize   = 16

	randomPacketMsgSize = 20 // length of the fake ciphertext in a Random packet
)

var protocolID = [6]byte{'d', 'i', 's', 'c', 'v', '5'}

// Packet kind flags, carried as the one-byte `flag` field of the static header.
const (
	flagMessage byte = iota
	flagWhoareyou
	flagHandshake
)

// StaticHeader is the fixed-size, masked prefix of every packet.
type StaticHeader struct {
	ProtocolID [6]byte
	Version    uint16
	Flag       byte
	Nonce      Nonce
	AuthSize   uint16
}

// Header is a packet header together with the masking IV and the raw authdata.
type Header struct {
	IV [16]byte
	StaticHeader
	AuthData []byte

	src enode.ID // populated for Ordinary/Handshake once authdata is parsed
}

// staticHeaderBytes reconstructs the 23-byte plaintext static header.
func (h *Header) staticHeaderBytes() []byte {
	b := make([]byte, sizeofStaticHeader)
	copy(b[0:6], h.ProtocolID[:])
	binary.BigEndian.PutUint16(b[6:8], h.Version)
	b[8] = h.Flag
	copy(b[9:21], h.Nonce[:])
	binary.BigEndian.PutUint16(b[21:23], h.AuthSize)
	return b
}

// aad returns the additional authenticated data for AES-GCM: protocol-id ||
// version || flag || nonce || authdata-size || authdata || IV.
func (h *Header) aad() []byte {
	b := h.staticHeaderBytes()
	b = append(b, h.AuthData...)
	b = append(b, h.IV[:]...)
	return b
}

// challengeData returns the full bytes of a WHOAREYOU packet used as the HKDF salt
// and handshake signature domain separator: masking IV || static-header || authdata.
func (h *Header) challengeData() []byte {
	b := append([]byte{}, h.IV[:]...)
	b = append(b, h.staticHeaderBytes()...)
	b = append(b, h.AuthData...)
	return b
}

// handshakeAuthData is the parsed form of a Handshake packet's authdata.
type handshakeAuthData struct {
	srcID  enode.ID
	sig    []byte
	pubkey []byte
	record []byte // rlp-encoded ENR, or nil
}

func (a *handshakeAuthData) encode() []byte {
	b := make([]byte, 32+1+1+len(a.sig)+len(a.pubkey)+len(a.record))
	copy(b[:32], a.srcID[:])
	b[32] = byte(len(a.sig))
	b[33] = byte(len(a.pubkey))
	n := 34
	n += copy(b[n:], a.sig)
	n += copy(b[n:], a.pubkey)
	copy(b[n:], a.record)
	return b
}

func decodeHandshakeAuthData(auth []byte) (handshakeAuthData, error) {
	var a handshakeAuthData
	if len(auth) < sizeofHandshakeAuthDataMin {
		return a, errInvalidAuthdata
	}
	copy(a.srcID[:], auth[:32])
	sigsize := int(auth[32])
	keysize := int(auth[33])
	if sigsize == 0 || keysize == 0 {
		return a, errInvalidAuthdata
	}
	rest := auth[34:]
	if len(rest) < sigsize+keysize {
		return a, errInvalidAuthdata
	}
	a.sig = rest[:sigsize]
	a.pubkey = rest[sigsize : sigsize+keysize]
	a.record = rest[sigsize+keysize:]
	return a, nil
}

// Codec implements the discv5 packet codec: header masking, WHOAREYOU
// challenges, the handshake, and AES-128-GCM message encryption.
type Codec struct {
	sha256    hash.Hash
	localnode *enode.LocalNode
	privkey   *ecdsa.PrivateKey
	myNode    enode.ID
	sc        *SessionCache
}

// NewCodec creates a wire codec.
func NewCodec(ln *enode.LocalNode, key *ecdsa.PrivateKey, clock mclock.Clock, sc *SessionCache) *Codec {
	c := &Codec{
		sha256:    sha256.New(),
		localnode: ln,
		privkey:   key,
		myNode:    ln.ID(),
		sc:        sc,
	}
	if c.sc == nil {
		c.sc = NewSessionCache(sessionCacheSize, clock)
	}
	return c
}

// Sessions returns the codec's session cache, for use by the caller's own
// per-NodeAddress handshake state machine.
func (c *Codec) Sessions() *SessionCache { return c.sc }

// Encode encodes a packet. The 'challenge' parameter must be non-nil for the
// first attempt to send a Handshake message; it is not needed for subsequent
// packets in a session once it is established.
func (c *Codec) Encode(id enode.ID, addr netip.AddrPort, packet Packet, challenge *Whoareyou) ([]byte, Nonce, error) {
	if packet.Kind() == WhoareyouPacket {
		p, _ := packet.(*Whoareyou)
		enc, nonce, err := c.encodeWhoareyou(id, p)
		if err == nil {
			// Remember the challenge so the reply Handshake packet can be matched
			// against it later: the responder must keep challenge-data around
			// until the handshake completes or times out.
			c.sc.storeSentHandshake(id, addr, &handshake{challenge: p, node: p.Node})
		}
		return enc, nonce, err
	}
	if s := c.sc.session(id, addr); s != nil {
		return c.encodeEncrypted(id, s, packet)
	}
	if challenge != nil {
		return c.encodeHandshakeMessage(id, addr, packet, challenge)
	}
	return c.encodeRandom(id)
}

// encodeHeader masks and returns the wire bytes IV||masked(static-header||authdata),
// along with the Header struct describing what was written.
func (c *Codec) encodeHeader(toID enode.ID, flag byte, nonce Nonce, authdata []byte) ([]byte, Header) {
	var head Header
	crand.Read(head.IV[:])
	head.ProtocolID = protocolID
	head.Version = version
	head.Flag = flag
	head.Nonce = nonce
	head.AuthSize = uint16(len(authdata))
	head.AuthData = authdata

	plaintext := append(head.staticHeaderBytes(), authdata...)
	out := make([]byte, sizeofMaskingIV+len(plaintext))
	copy(out[:sizeofMaskingIV], head.IV[:])

	block, err := aes.NewCipher(toID[:16])
	if err != nil {
		panic(err) // toID[:16] is always 16 bytes, key size is always valid
	}
	stream := cipher.NewCTR(block, head.IV[:])
	stream.XORKeyStream(out[sizeofMaskingIV:], plaintext)
	return out, head
}

func (c *Codec) encodeWhoareyou(toID enode.ID, packet *Whoareyou) ([]byte, Nonce, error) {
	authdata := make([]byte, sizeofWhoareyouAuthData)
	copy(authdata[:16], packet.IDNonce[:])
	binary.BigEndian.PutUint64(authdata[16:], packet.RecordSeq)

	wire, head := c.encodeHeader(toID, flagWhoareyou, packet.Nonce, authdata)
	packet.Header = head
	return wire, packet.Nonce, nil
}

// encodeRandom produces a Random packet: an Ordinary-flag header with plausible
// authdata but a body of random bytes, used to solicit a WHOAREYOU when no
// session exists yet.
func (c *Codec) encodeRandom(toID enode.ID) ([]byte, Nonce, error) {
	nonce := generateNonce(crand.Read)
	wire, _ := c.encodeHeader(toID, flagMessage, nonce, c.myNode[:])
	tail := make([]byte, randomPacketMsgSize)
	if _, err := crand.Read(tail); err != nil {
		return nil, Nonce{}, err
	}
	return append(wire, tail...), nonce, nil
}

func (c *Codec) encodeEncrypted(toID enode.ID, s *session, packet Packet) ([]byte, Nonce, error) {
	var prefix [8]byte
	if _, err := crand.Read(prefix[:]); err != nil {
		return nil, Nonce{}, err
	}
	nonce := s.nextNonce(prefix)
	wire, head := c.encodeHeader(toID, flagMessage, nonce, c.myNode[:])

	msgdata, err := EncodeMessage(packet)
	if err != nil {
		return nil, Nonce{}, err
	}
	ct, err := encryptGCM(s.writeKey(), nonce[:], msgdata, head.aad())
	if err != nil {
		return nil, Nonce{}, err
	}
	return append(wire, ct...), nonce, nil
}

// encodeHandshakeMessage builds a Handshake packet in reply to a received
// WHOAREYOU challenge, carrying the buffered message.
func (c *Codec) encodeHandshakeMessage(toID enode.ID, addr netip.AddrPort, packet Packet, challenge *Whoareyou) ([]byte, Nonce, error) {
	if challenge.Node == nil {
		return nil, Nonce{}, errMissingNode
	}
	remotePubkey := challenge.Node.Pubkey()
	if remotePubkey == nil {
		return nil, Nonce{}, errInvalidPubkey
	}

	ephkey, err := crypto.GenerateKey()
	if err != nil {
		return nil, Nonce{}, err
	}
	ephpubkey := EncodePubkey(&ephkey.PublicKey)

	cdata := challenge.Header.challengeData()
	sig, err := makeIDSignature(c.sha256, c.privkey, cdata, ephpubkey, toID)
	if err != nil {
		return nil, Nonce{}, fmt.Errorf("can't sign id nonce: %v", err)
	}

	auth := handshakeAuthData{srcID: c.myNode, sig: sig, pubkey: ephpubkey}
	if challenge.RecordSeq < c.localnode.Node().Seq() {
		auth.record, _ = rlp.EncodeToBytes(c.localnode.Node().Record())
	}
	authdata := auth.encode()

	nonce := generateNonce(crand.Read)
	wire, head := c.encodeHeader(toID, flagHandshake, nonce, authdata)

	sec := deriveKeys(sha256.New, ephkey, remotePubkey, c.myNode, toID, cdata, true)
	if sec == nil {
		return nil, Nonce{}, errInvalidPubkey
	}

	msgdata, err := EncodeMessage(packet)
	if err != nil {
		return nil, Nonce{}, err
	}
	ct, err := encryptGCM(sec.writeKey(), nonce[:], msgdata, head.aad())
	if err != nil {
		return nil, Nonce{}, err
	}

	c.sc.storeNewSession(toID, addr, sec)
	return append(wire, ct...), nonce, nil
}

// Decode decodes a packet. It returns an *Unknown packet if there is no
// established session for the sender, letting the caller decide whether to
// respond with a WHOAREYOU.
func (c *Codec) Decode(input []byte, addr netip.AddrPort) (enode.ID, *enode.Node, Packet, error) {
	if len(input) < minPacketSize {
		return enode.ID{}, nil, nil, errTooSmall
	}
	head, headerSize, err := c.decodeHeader(input)
	if err != nil {
		return enode.ID{}, nil, nil, err
	}
	body := input[headerSize:]

	switch head.Flag {
	case flagWhoareyou:
		whoareyou, err := c.decodeWhoareyou(&head)
		return enode.ID{}, nil, whoareyou, err
	case flagHandshake:
		return c.decodeHandshakeMessage(addr, &head, body)
	case flagMessage:
		if len(head.AuthData) != sizeofOrdinaryAuthData {
			return enode.ID{}, nil, nil, errInvalidAuthdata
		}
		copy(head.src[:], head.AuthData)
		return c.decodeMessage(addr, &head, body)
	default:
		return enode.ID{}, nil, nil, errInvalidAuthdata
	}
}

// decodeHeader unmasks and parses the static header and authdata. It returns the
// total number of bytes consumed by IV+static-header+authdata.
func (c *Codec) decodeHeader(input []byte) (Header, int, error) {
	var head Header
	copy(head.IV[:], input[:sizeofMaskingIV])

	block, err := aes.NewCipher(c.myNode[:16])
	if err != nil {
		return head, 0, err
	}
	stream := cipher.NewCTR(block, head.IV[:])

	staticCT := input[sizeofMaskingIV : sizeofMaskingIV+sizeofStaticHeader]
	staticPT := make([]byte, sizeofStaticHeader)
	stream.XORKeyStream(staticPT, staticCT)

	copy(head.ProtocolID[:], staticPT[:6])
	head.Version = binary.BigEndian.Uint16(staticPT[6:8])
	head.Flag = staticPT[8]
	copy(head.Nonce[:], staticPT[9:21])
	head.AuthSize = binary.BigEndian.Uint16(staticPT[21:23])

	if head.ProtocolID != protocolID {
		return head, 0, errWrongProtocol
	}
	if head.Version < minVersion {
		return head, 0, errUnsupportedVersion
	}

	end := sizeofMaskingIV + sizeofStaticHeader + int(head.AuthSize)
	if end > len(input) {
		return head, 0, errInvalidAuthdata
	}
	authCT := input[sizeofMaskingIV+sizeofStaticHeader : end]
	head.AuthData = make([]byte, len(authCT))
	stream.XORKeyStream(head.AuthData, authCT)

	return head, end, nil
}

func (c *Codec) decodeWhoareyou(head *Header) (*Whoareyou, error) {
	if len(head.AuthData) != sizeofWhoareyouAuthData {
		return nil, errInvalidAuthdata
	}
	p := new(Whoareyou)
	p.Header = *head
	p.Nonce = head.Nonce
	copy(p.IDNonce[:], head.AuthData[:16])
	p.RecordSeq = binary.BigEndian.Uint64(head.AuthData[16:24])
	return p, nil
}

// decodeMessage decodes an Ordinary packet.
func (c *Codec) decodeMessage(addr netip.AddrPort, head *Header, body []byte) (enode.ID, *enode.Node, Packet, error) {
	s := c.sc.session(head.src, addr)
	if s == nil {
		return head.src, nil, &Unknown{Nonce: head.Nonce}, nil
	}
	msgdata, err := decryptGCM(s.readKey(), head.Nonce[:], body, head.aad())
	if err != nil {
		return head.src, nil, &Unknown{Nonce: head.Nonce}, nil
	}
	if len(msgdata) == 0 {
		return head.src, nil, nil, errInvalidAuthdata
	}
	p, err := DecodeMessage(msgdata[0], msgdata[1:])
	return head.src, nil, p, err
}

// decodeHandshakeMessage decodes a Handshake packet, completing the handshake.
func (c *Codec) decodeHandshakeMessage(fromAddr netip.AddrPort, head *Header, body []byte) (enode.ID, *enode.Node, Packet, error) {
	auth, err := decodeHandshakeAuthData(head.AuthData)
	if err != nil {
		return enode.ID{}, nil, nil, err
	}
	head.src = auth.srcID

	pending := c.sc.getHandshake(auth.srcID, fromAddr)
	if pending == nil {
		return auth.srcID, nil, nil, errUnknownChallenge
	}
	c.sc.deleteHandshake(auth.srcID, fromAddr)

	node, err := c.decodeHandshakeRecord(pending.node, auth.srcID, auth.record)
	if err != nil {
		return auth.srcID, nil, nil, err
	}
	remotePubkey, err := DecodePubkey(crypto.S256(), auth.pubkey)
	if err != nil {
		return auth.srcID, nil, nil, err
	}
	cdata := pending.challenge.Header.challengeData()
	if err := verifyIDSignature(c.sha256, auth.sig, cdata, auth.pubkey, c.myNode, node); err != nil {
		return auth.srcID, nil, nil, err
	}

	sec := deriveKeys(sha256.New, c.privkey, remotePubkey, auth.srcID, c.myNode, cdata, false)
	if sec == nil {
		return auth.srcID, nil, nil, errInvalidPubkey
	}
	msgdata, err := decryptGCM(sec.readKey(), head.Nonce[:], body, head.aad())
	if err != nil {
		return auth.srcID, nil, nil, errDecryptionFailed
	}
	if len(msgdata) == 0 {
		return auth.srcID, nil, nil, errInvalidAuthdata
	}
	c.sc.storeNewSession(auth.srcID, fromAddr, sec)

	p, err := DecodeMessage(msgdata[0], msgdata[1:])
	return auth.srcID, node, p, err
}

// decodeHandshakeRecord verifies the ENR carried in (or already known for) a
// Handshake packet and checks its NodeId binding.
func (c *Codec) decodeHandshakeRecord(local *enode.Node, wantID enode.ID, remote []byte) (*enode.Node, error) {
	node := local
	if len(remote) > 0 {
		var record enr.Record
		if err := rlp.DecodeBytes(remote, &record); err != nil {
			return nil, err
		}
		if local == nil || local.Seq() < record.Seq() {
			n, err := enode.New(enode.ValidSchemes, &record)
			if err != nil {
				return nil, fmt.Errorf("invalid node record: %v", err)
			}
			if n.ID() != wantID {
				return nil, fmt.Errorf("record in handshake has wrong ID: %v", n.ID())
			}
			node = n
		}
	}
	if node == nil {
		return nil, errNoRecord
	}
	return node, nil
}

// encryptGCM encrypts plaintext with AES-128-GCM.
func encryptGCM(key, nonce, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("can't create block cipher: %v", err)
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}
	return aesgcm.Seal(nil, nonce, plaintext, aad), nil
}

// decryptGCM decrypts ciphertext with AES-128-GCM.
func decryptGCM(key, nonce, ct, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("can't create block cipher: %v", err)
	}
	if len(nonce) != gcmNonceSize {
		return nil, fmt.Errorf("invalid GCM nonce size: %d", len(nonce))
	}
	aesgcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return nil, err
	}
	pt, err := aesgcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, errDecryptionFailed
	}
	return pt, nil
}
