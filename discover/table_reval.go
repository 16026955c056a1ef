// Copyright 2024 The go-ethereum Authors
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
	"math"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

const never = mclock.AbsTime(math.MaxInt64)

// tableRevalidation implements the liveness-check policy: newly added nodes
// are pinged more often (newNodes) until their first successful response,
// then move to the slower steady-state schedule (nodes).
type tableRevalidation struct {
	newNodes  revalidationList
	nodes     revalidationList
	activeReq map[enode.ID]struct{}
}

type revalidationResponse struct {
	n          *node
	didRespond bool
	isNewNode  bool
	newRecord  *enode.Node
}

func (tr *tableRevalidation) init(cfg *Config) {
	tr.activeReq = make(map[enode.ID]struct{})
	tr.newNodes.nextTime = never
	tr.newNodes.interval = cfg.PingInterval / 3
	tr.nodes.nextTime = never
	tr.nodes.interval = cfg.PingInterval
}

// nodeAdded is called when the table gains a new live entry.
func (tr *tableRevalidation) nodeAdded(tab *Table, n *node) {
	tr.newNodes.push(n, tab.cfg.Clock.Now(), tab.rand)
}

// nodeRemoved is called when a node is dropped from the table.
func (tr *tableRevalidation) nodeRemoved(n *node) {
	wasnew := tr.newNodes.remove(n)
	if !wasnew {
		tr.nodes.remove(n)
	}
}

// nextTime returns the next time run() should be invoked. The table's main
// loop uses this to schedule a timer.
func (tr *tableRevalidation) nextTime() mclock.AbsTime {
	return min(tr.newNodes.nextTime, tr.nodes.nextTime)
}

// run performs node revalidation, spawning at most one PING per queue.
func (tr *tableRevalidation) run(tab *Table, now mclock.AbsTime) {
	if n := tr.newNodes.get(now, tab.rand, tr.activeReq); n != nil {
		tr.startRequest(tab, n, true)
		tr.newNodes.schedule(now, tab.rand)
	}
	if n := tr.nodes.get(now, tab.rand, tr.activeReq); n != nil {
		tr.startRequest(tab, n, false)
		tr.nodes.schedule(now, tab.rand)
	}
}

// startRequest spawns a revalidation PING for node n. Callers must hold
// tab.mutex (the table loop calls run with it held).
func (tr *tableRevalidation) startRequest(tab *Table, n *node, newNode bool) {
	if _, ok := tr.activeReq[n.ID()]; ok {
		panic("duplicate startRequest")
	}
	tr.activeReq[n.ID()] = struct{}{}
	resp := revalidationResponse{n: n, isNewNode: newNode}

	rn := n.Node
	go tab.doRevalidate(resp, rn)
}

// doRevalidate pings the node and, if it advertises a newer ENR sequence
// number, requests the updated record.
func (tab *Table) doRevalidate(resp revalidationResponse, n *enode.Node) {
	remoteSeq, err := tab.net.ping(n)
	resp.didRespond = err == nil

	if remoteSeq > n.Seq() {
		newrec, err := tab.net.RequestENR(n)
		if err != nil {
			tab.log.Debug("ENR request failed", "id", n.ID(), "err", err)
		} else {
			resp.newRecord = newrec
		}
	}

	select {
	case tab.revalidateResp <- resp:
	case <-tab.closed:
	}
}

// handleResponse processes the result of a revalidation request.
func (tr *tableRevalidation) handleResponse(tab *Table, resp revalidationResponse) {
	n := resp.n
	b := tab.bucket(n.ID())
	delete(tr.activeReq, n.ID())

	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	if !resp.didRespond {
		n.livenessChecks /= 3
		if n.livenessChecks == 0 || resp.isNewNode {
			tab.deleteInBucket(b, n.ID())
		}
		return
	}

	n.livenessChecks++
	n.isValidatedLive = true
	tab.log.Debug("Revalidated node", "b", b.index, "id", n.ID(), "checks", n.livenessChecks)
	if resp.newRecord != nil {
		updated := tab.bumpInBucket(b, resp.newRecord)
		if updated {
			// The node's endpoint changed; don't serve it again until re-validated.
			n.isValidatedLive = false
		}
	}

	if resp.isNewNode {
		tr.newNodes.remove(n)
		tr.nodes.push(n, tab.cfg.Clock.Now(), tab.rand)
	}

	if n.isValidatedLive && n.livenessChecks > 5 {
		tab.db.UpdateNode(resp.n.Node)
	}
}

// revalidationList holds a set of nodes and the next scheduled revalidation time.
type revalidationList struct {
	nodes    []*node
	nextTime mclock.AbsTime
	interval time.Duration
}

// get returns a random node from the list, skipping IDs in exclude.
func (rq *revalidationList) get(now mclock.AbsTime, rand randomSource, exclude map[enode.ID]struct{}) *node {
	if now < rq.nextTime || len(rq.nodes) == 0 {
		return nil
	}
	for i := 0; i < len(rq.nodes)*3; i++ {
		n := rq.nodes[rand.Intn(len(rq.nodes))]
		if _, excluded := exclude[n.ID()]; !excluded {
			return n
		}
	}
	return nil
}

func (rq *revalidationList) push(n *node, now mclock.AbsTime, rand randomSource) {
	rq.nodes = append(rq.nodes, n)
	if rq.nextTime == never {
		rq.schedule(now, rand)
	}
}

func (rq *revalidationList) schedule(now mclock.AbsTime, rand randomSource) {
	rq.nextTime = now.Add(time.Duration(rand.Int63n(int64(rq.interval))))
}

func (rq *revalidationList) remove(n *node) bool {
	i := slices.Index(rq.nodes, n)
	if i == -1 {
		return false
	}
	rq.nodes = slices.Delete(rq.nodes, i, i+1)
	if len(rq.nodes) == 0 {
		rq.nextTime = never
	}
	return true
}
