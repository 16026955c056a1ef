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
	crand "crypto/rand"
	"net/netip"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"

	"github.com/dv5x/discv5-core/discover/v5wire"
)

// findnodeResultLimit bounds how many ENRs handleFindnode returns for a
// single query. A NODES response declaring total>16 clamps to 16.
const findnodeResultLimit = bucketSize

// call represents an in-flight request/response exchange. One call is
// created per outbound PING/FINDNODE/TALKREQ; it is retried up to
// cfg.RequestRetries times before failing with errTimeout.
type call struct {
	node         *enode.Node
	addr         netip.AddrPort
	packet       v5wire.Packet
	responseType byte // expected response message kind
	reqid        []byte
	ch           chan v5wire.Packet // responses are sent here as they arrive
	err          chan error         // final error, sent exactly once

	// handshake bookkeeping: set when a Whoareyou challenge interrupts this call.
	handshakeCount int
	challenge      *v5wire.Whoareyou

	nonce   v5wire.Nonce // nonce of the most recently sent packet for this call
	retries int          // plain-timeout resends issued so far

	timeout mclock.Timer
}

// callQueue tracks calls that are queued or active per destination node, so
// that at most one call is ever outstanding to a given peer at a time,
// preserving per-NodeAddress event order.
type callQueue struct {
	active map[enode.ID]*call
	queue  map[enode.ID][]*call
	byAuth map[v5wire.Nonce]*call // active calls indexed by the nonce that triggered a WHOAREYOU
}

func newCallQueue() *callQueue {
	return &callQueue{
		active: make(map[enode.ID]*call),
		queue:  make(map[enode.ID][]*call),
		byAuth: make(map[v5wire.Nonce]*call),
	}
}

// enqueue adds c to the queue for its destination. If no call is active for
// that destination, it becomes active immediately (caller must then send it).
func (cq *callQueue) enqueue(c *call) (startNow bool) {
	id := c.node.ID()
	if _, active := cq.active[id]; active {
		cq.queue[id] = append(cq.queue[id], c)
		return false
	}
	cq.active[id] = c
	return true
}

// dequeue removes the completed call for id and returns the next queued call
// for that destination, if any.
func (cq *callQueue) dequeue(id enode.ID) *call {
	delete(cq.active, id)
	q := cq.queue[id]
	if len(q) == 0 {
		delete(cq.queue, id)
		return nil
	}
	next := q[0]
	if len(q) == 1 {
		delete(cq.queue, id)
	} else {
		cq.queue[id] = q[1:]
	}
	cq.active[id] = next
	return next
}

func genRequestID() []byte {
	id := make([]byte, 8)
	crand.Read(id)
	return id
}

// matchResponse reports whether p is an acceptable response to c, per the
// message-type pairings (FINDNODE -> NODES etc).
func matchResponse(c *call, p v5wire.Packet) bool {
	return p.Kind() == c.responseType
}

// nodesFromRecords filters and converts raw ENRs from a NODES packet,
// dropping ones that fail identity-scheme validation. Invalid records are
// dropped, not fatal to the whole response.
func nodesFromRecords(recs []*enr.Record, valid enr.IdentityScheme) []*enode.Node {
	var out []*enode.Node
	for _, r := range recs {
		n, err := enode.New(valid, r)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
