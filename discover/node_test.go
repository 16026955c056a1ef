// Copyright 2015 The go-ethereum Authors
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
)

func nullNode(id enode.ID) *enode.Node {
	var r enr.Record
	return enode.SignNull(&r, id)
}

func TestWrapUnwrapNode(t *testing.T) {
	n := nullNode(enode.ID{1})
	w := wrapNode(n)
	assert.Equal(t, n, unwrapNode(w))
	assert.Equal(t, n.String(), w.String())
}

func TestUnwrapNodes(t *testing.T) {
	ns := []*node{wrapNode(nullNode(enode.ID{1})), wrapNode(nullNode(enode.ID{2}))}
	out := unwrapNodes(ns)
	assert.Len(t, out, 2)
	assert.Equal(t, ns[0].Node, out[0])
	assert.Equal(t, ns[1].Node, out[1])
}

func TestNodesByDistancePush(t *testing.T) {
	target := enode.ID{0}
	var h nodesByDistance
	h.target = target

	ids := []enode.ID{{4}, {1}, {3}, {2}, {5}}
	for _, id := range ids {
		h.push(nullNode(id), 3)
	}

	assert.Len(t, h.entries, 3)
	for i := 1; i < len(h.entries); i++ {
		d1 := enode.LogDist(target, h.entries[i-1].ID())
		d2 := enode.LogDist(target, h.entries[i].ID())
		assert.LessOrEqual(t, d1, d2, "entries must be sorted by ascending distance")
	}
}

func TestContainsAndDeleteNode(t *testing.T) {
	ns := []*node{wrapNode(nullNode(enode.ID{1})), wrapNode(nullNode(enode.ID{2}))}
	assert.True(t, containsID(ns, enode.ID{1}))
	assert.False(t, containsID(ns, enode.ID{9}))

	ns = deleteNode(ns, enode.ID{1})
	assert.Len(t, ns, 1)
	assert.False(t, containsID(ns, enode.ID{1}))
}
