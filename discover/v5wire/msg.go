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

// Package v5wire implements the discv5 packet codec: framing, header masking,
// the WHOAREYOU handshake, and the message set carried over an established
// session.
package v5wire

import (
	"fmt"
	"net"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/rlp"
)

// Packet is implemented by all message types.
type Packet interface {
	Name() string    // Name returns a string corresponding to the message type.
	Kind() byte      // Kind returns the message type.
	SetReqID([]byte) // Sets the request ID.
}

// Message types.
const (
	PingMsg byte = iota + 1
	PongMsg
	FindnodeMsg
	NodesMsg
	TalkRequestMsg
	TalkResponseMsg

	UnknownPacket   = byte(255) // any non-decryptable packet
	WhoareyouPacket = byte(254) // the WHOAREYOU packet
)

// Protocol messages.
type (
	// Unknown represents any packet that can't be decrypted.
	Unknown struct {
		Nonce Nonce
	}

	// Whoareyou contains the handshake challenge.
	Whoareyou struct {
		Header    Header
		Nonce     Nonce    // nonce of the request packet that triggered the challenge
		IDNonce   [16]byte // identity proof data
		RecordSeq uint64   // ENR sequence number of recipient, as last seen by sender

		// Node is the locally known node record of the recipient. It must be set
		// by the caller of Encode.
		Node *enode.Node

		sent mclock.AbsTime // for handshake GC
	}

	// Ping is sent during liveness checks.
	Ping struct {
		ReqID  []byte
		ENRSeq uint64
	}

	// Pong is the reply to Ping.
	Pong struct {
		ReqID  []byte
		ENRSeq uint64
		ToIP   net.IP // these fields mirror the UDP envelope address of the ping
		ToPort uint16 // packet, providing a way to discover the external address after NAT
	}

	// Findnode is a query for nodes at the given log-distances.
	Findnode struct {
		ReqID     []byte
		Distances []uint
	}

	// Nodes is the reply to Findnode. A single logical response may be split
	// across several packets, all carrying the same Total and ReqID.
	Nodes struct {
		ReqID []byte
		Total uint8
		Nodes []*enr.Record
	}

	// TalkRequest is an application-level request.
	TalkRequest struct {
		ReqID    []byte
		Protocol string
		Message  []byte
	}

	// TalkResponse is the reply to TalkRequest.
	TalkResponse struct {
		ReqID   []byte
		Message []byte
	}
)

// DecodeMessage decodes the message body of a packet (everything after the
// one-byte kind prefix).
func DecodeMessage(ptype byte, body []byte) (Packet, error) {
	var dec Packet
	switch ptype {
	case PingMsg:
		dec = new(Ping)
	case PongMsg:
		dec = new(Pong)
	case FindnodeMsg:
		dec = new(Findnode)
	case NodesMsg:
		dec = new(Nodes)
	case TalkRequestMsg:
		dec = new(TalkRequest)
	case TalkResponseMsg:
		dec = new(TalkResponse)
	default:
		return nil, fmt.Errorf("unknown packet type %d", ptype)
	}
	if err := rlp.DecodeBytes(body, dec); err != nil {
		return nil, err
	}
	return dec, nil
}

// EncodeMessage encodes a message body, prefixed with its one-byte kind.
func EncodeMessage(p Packet) ([]byte, error) {
	body, err := rlp.EncodeToBytes(p)
	if err != nil {
		return nil, err
	}
	return append([]byte{p.Kind()}, body...), nil
}

func (*Whoareyou) Name() string    { return "WHOAREYOU/v5" }
func (*Whoareyou) Kind() byte      { return WhoareyouPacket }
func (*Whoareyou) SetReqID([]byte) {}

func (*Unknown) Name() string    { return "UNKNOWN/v5" }
func (*Unknown) Kind() byte      { return UnknownPacket }
func (*Unknown) SetReqID([]byte) {}

func (*Ping) Name() string         { return "PING/v5" }
func (*Ping) Kind() byte           { return PingMsg }
func (p *Ping) SetReqID(id []byte) { p.ReqID = id }

func (*Pong) Name() string         { return "PONG/v5" }
func (*Pong) Kind() byte           { return PongMsg }
func (p *Pong) SetReqID(id []byte) { p.ReqID = id }

func (*Findnode) Name() string         { return "FINDNODE/v5" }
func (*Findnode) Kind() byte           { return FindnodeMsg }
func (p *Findnode) SetReqID(id []byte) { p.ReqID = id }

func (*Nodes) Name() string         { return "NODES/v5" }
func (*Nodes) Kind() byte           { return NodesMsg }
func (p *Nodes) SetReqID(id []byte) { p.ReqID = id }

func (*TalkRequest) Name() string         { return "TALKREQ/v5" }
func (*TalkRequest) Kind() byte           { return TalkRequestMsg }
func (p *TalkRequest) SetReqID(id []byte) { p.ReqID = id }

func (*TalkResponse) Name() string         { return "TALKRESP/v5" }
func (*TalkResponse) Kind() byte           { return TalkResponseMsg }
func (p *TalkResponse) SetReqID(id []byte) { p.ReqID = id }
