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
	"testing"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dv5x/discv5-core/discover/v5wire"
)

func TestCallQueueSerializesPerPeer(t *testing.T) {
	cq := newCallQueue()
	n := nullNode(enode.ID{1})

	c1 := &call{node: n}
	c2 := &call{node: n}
	c3 := &call{node: n}

	assert.True(t, cq.enqueue(c1), "first call for a peer starts immediately")
	assert.False(t, cq.enqueue(c2), "second call queues behind the first")
	assert.False(t, cq.enqueue(c3))

	assert.Same(t, c1, cq.active[n.ID()])
	assert.Same(t, c2, cq.dequeue(n.ID()))
	assert.Same(t, c2, cq.active[n.ID()])
	assert.Same(t, c3, cq.dequeue(n.ID()))
	assert.Nil(t, cq.dequeue(n.ID()))
	assert.NotContains(t, cq.active, n.ID())
}

func TestCallQueueIndependentPeers(t *testing.T) {
	cq := newCallQueue()
	a := &call{node: nullNode(enode.ID{1})}
	b := &call{node: nullNode(enode.ID{2})}

	assert.True(t, cq.enqueue(a))
	assert.True(t, cq.enqueue(b), "different destinations run concurrently")
}

func TestGenRequestID(t *testing.T) {
	a := genRequestID()
	b := genRequestID()
	require.Len(t, a, 8)
	require.Len(t, b, 8)
	assert.NotEqual(t, a, b)
}

func TestMatchResponse(t *testing.T) {
	c := &call{responseType: v5wire.NodesMsg}
	assert.True(t, matchResponse(c, &v5wire.Nodes{}))
	assert.False(t, matchResponse(c, &v5wire.Pong{}))
}

func TestNodesFromRecordsDropsInvalid(t *testing.T) {
	valid := nullNode(enode.ID{1}).Record()
	bad := &enr.Record{} // unsigned, fails identity-scheme validation

	out := nodesFromRecords([]*enr.Record{valid, bad}, enode.ValidSchemesForTesting)
	require.Len(t, out, 1)
	assert.Equal(t, enode.ID{1}, out[0].ID())
}
