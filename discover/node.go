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
	"slices"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
)

// BucketNode is the JSON-friendly view of a table entry, returned by getKadValues.
type BucketNode struct {
	Node          *enode.Node `json:"node"`
	AddedToTable  time.Time   `json:"addedToTable"`
	AddedToBucket time.Time   `json:"addedToBucket"`
	Checks        uint        `json:"checks"`
	Live          bool        `json:"live"`
}

// node is an entry in the routing table. Its liveness fields are owned by
// tableRevalidation.
type node struct {
	*enode.Node
	addedToTable    time.Time // first time the node was added to the table, in a bucket or as a replacement
	addedToBucket   time.Time // time it was promoted into the live bucket entries
	livenessChecks  uint      // how often liveness was confirmed
	isValidatedLive bool      // true if the node is currently considered live ("Connected")
}

func wrapNode(n *enode.Node) *node {
	return &node{Node: n}
}

func unwrapNode(n *node) *enode.Node {
	return n.Node
}

func unwrapNodes(ns []*node) []*enode.Node {
	result := make([]*enode.Node, len(ns))
	for i, n := range ns {
		result[i] = n.Node
	}
	return result
}

func (n *node) String() string {
	return n.Node.String()
}

func (n *node) bucketEntry() BucketNode {
	return BucketNode{
		Node:          n.Node,
		AddedToTable:  n.addedToTable,
		AddedToBucket: n.addedToBucket,
		Checks:        n.livenessChecks,
		Live:          n.isValidatedLive,
	}
}

// nodesByDistance is a list of nodes, ordered by distance to target.
type nodesByDistance struct {
	entries []*enode.Node
	target  enode.ID
}

// push adds the given node to the list, keeping the total size below maxElems.
func (h *nodesByDistance) push(n *enode.Node, maxElems int) {
	ix := sort.Search(len(h.entries), func(i int) bool {
		return enode.DistCmp(h.target, h.entries[i].ID(), n.ID()) > 0
	})

	end := len(h.entries)
	if len(h.entries) < maxElems {
		h.entries = append(h.entries, n)
	}
	if ix < end {
		copy(h.entries[ix+1:], h.entries[ix:])
		h.entries[ix] = n
	}
}

type nodeType interface {
	ID() enode.ID
}

// containsID reports whether ns contains a node with the given ID.
func containsID[N nodeType](ns []N, id enode.ID) bool {
	for _, n := range ns {
		if n.ID() == id {
			return true
		}
	}
	return false
}

// deleteNode removes a node from the list.
func deleteNode[N nodeType](list []N, id enode.ID) []N {
	return slices.DeleteFunc(list, func(n N) bool {
		return n.ID() == id
	})
}
