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

// Package discover implements the Kademlia-style routing table, the iterative
// FINDNODE lookup, and the request/response and service orchestration layers
// on top of the v5wire packet codec.
package discover

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

const (
	alpha      = 3  // Kademlia concurrency factor
	bucketSize = 16 // Kademlia bucket size, K
	nBuckets   = 256 + 1
)

// transport is the interface the table needs from the service layer to
// revalidate nodes and drive refresh lookups.
type transport interface {
	self() *enode.Node
	ping(*enode.Node) (uint64, error)
	RequestENR(*enode.Node) (*enode.Node, error)
	lookupRandom() []*enode.Node
	lookupSelf() []*enode.Node
}

// bucket contains live and pending (replacement) entries for one log-distance.
type bucket struct {
	entries      []*node // live entries, in the order they were added (oldest first); not reordered when seen again
	replacements []*node // pending entries, FIFO bounded at bucketSize
	index        int
}

// Table is the Kademlia routing table.
type Table struct {
	mutex   sync.Mutex
	buckets [nBuckets]*bucket
	rand    randomSource

	ln  *enode.LocalNode
	db  *enode.DB
	net transport
	cfg Config
	log log.Logger

	revalidation   tableRevalidation
	revalidateResp chan revalidationResponse

	refreshReq chan chan struct{}
	initDone   chan struct{}
	closeOnce  sync.Once
	closeReq   chan struct{}
	closed     chan struct{}
	wg         sync.WaitGroup
}

func newTable(t transport, ln *enode.LocalNode, db *enode.DB, cfg Config) (*Table, error) {
	cfg = cfg.withDefaults()
	rr := &reseedingRandom{}
	rr.seed()
	tab := &Table{
		net:            t,
		ln:             ln,
		db:             db,
		cfg:            cfg,
		log:            cfg.Log,
		rand:           rr,
		revalidateResp: make(chan revalidationResponse),
		refreshReq:     make(chan chan struct{}),
		initDone:       make(chan struct{}),
		closeReq:       make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for i := range tab.buckets {
		tab.buckets[i] = &bucket{index: i}
	}
	tab.revalidation.init(&cfg)

	tab.loadSeedNodes()

	tab.wg.Add(1)
	go tab.loop()
	return tab, nil
}

// self returns the local node record.
func (tab *Table) self() *enode.Node {
	return tab.ln.Node()
}

func (tab *Table) loadSeedNodes() {
	seeds := tab.db.QuerySeeds(bucketSize, 30*time.Minute)
	seeds = append(seeds, tab.cfg.Bootnodes...)
	for _, seed := range seeds {
		if seed.ID() == tab.self().ID() {
			continue
		}
		tab.mutex.Lock()
		tab.addFoundNode(seed, false)
		tab.mutex.Unlock()
	}
}

// close terminates the background loop and waits for it to exit.
func (tab *Table) close() {
	tab.closeOnce.Do(func() {
		close(tab.closeReq)
		tab.wg.Wait()
	})
}

// refresh triggers a table refresh (bond with bootnodes, self-lookup, random
// lookups) and returns a channel that is closed when it completes.
func (tab *Table) refresh() <-chan struct{} {
	done := make(chan struct{})
	select {
	case tab.refreshReq <- done:
	case <-tab.closeReq:
		close(done)
	}
	return done
}

// waitForNodes blocks until the table has at least n entries or ctx expires.
func (tab *Table) waitForNodes(ctx context.Context, n int) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if tab.len() >= n {
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		case <-tab.closed:
			return
		}
	}
}

// len returns the number of tracked live nodes.
func (tab *Table) len() int {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	n := 0
	for _, b := range &tab.buckets {
		n += len(b.entries)
	}
	return n
}

// bucket returns the bucket for the given ID.
func (tab *Table) bucket(id enode.ID) *bucket {
	d := enode.LogDist(tab.self().ID(), id)
	return tab.bucketAtDistance(d)
}

func (tab *Table) bucketAtDistance(d int) *bucket {
	if d <= 0 {
		d = 1
	}
	if d > len(tab.buckets) {
		d = len(tab.buckets)
	}
	return tab.buckets[d-1]
}

// nodesAtDistance returns a copy of the live entries at log-distance d from
// the local node. Callers must hold tab.mutex.
func (tab *Table) nodesAtDistance(d int) []*enode.Node {
	b := tab.bucketAtDistance(d)
	nodes := make([]*enode.Node, len(b.entries))
	for i, n := range b.entries {
		nodes[i] = n.Node
	}
	return nodes
}

func (tab *Table) loop() {
	defer tab.wg.Done()

	var (
		refresh     = time.NewTimer(tab.cfg.RefreshInterval)
		refreshDone chan struct{}
		waiting     = []chan struct{}{tab.initDone}
	)
	defer refresh.Stop()

	tab.doRefresh(make(chan struct{}))
	close(tab.initDone)
	waiting = nil

	revalC := tab.revalTimerChan()

	for {
		select {
		case <-refresh.C:
			if refreshDone == nil {
				refreshDone = make(chan struct{})
				go tab.doRefreshAsync(refreshDone)
			}
		case req := <-tab.refreshReq:
			waiting = append(waiting, req)
			if refreshDone == nil {
				refreshDone = make(chan struct{})
				go tab.doRefreshAsync(refreshDone)
			}
		case <-refreshDone:
			for _, ch := range waiting {
				close(ch)
			}
			waiting, refreshDone = nil, nil
			refresh.Reset(tab.cfg.RefreshInterval)

		case <-revalC:
			tab.mutex.Lock()
			tab.revalidation.run(tab, tab.cfg.Clock.Now())
			tab.mutex.Unlock()
			revalC = tab.revalTimerChan()

		case resp := <-tab.revalidateResp:
			tab.revalidation.handleResponse(tab, resp)
			revalC = tab.revalTimerChan()

		case <-tab.closeReq:
			for _, ch := range waiting {
				close(ch)
			}
			close(tab.closed)
			return
		}
	}
}

func (tab *Table) doRefreshAsync(done chan struct{}) {
	tab.doRefresh(done)
}

// revalTimerChan returns a channel that fires when the next revalidation is due.
func (tab *Table) revalTimerChan() <-chan mclock.AbsTime {
	tab.mutex.Lock()
	next := tab.revalidation.nextTime()
	tab.mutex.Unlock()

	d := time.Duration(next - tab.cfg.Clock.Now())
	if d <= 0 {
		d = time.Millisecond
	}
	const maxWait = 24 * time.Hour
	if d > maxWait || d < 0 {
		d = maxWait
	}
	return tab.cfg.Clock.After(d)
}

// doRefresh performs a self-lookup plus a few random lookups, seeding empty
// buckets, and re-adds the configured bootnodes.
func (tab *Table) doRefresh(done chan struct{}) {
	defer close(done)

	tab.loadSeedNodes()

	if tab.net != nil {
		tab.mergeFound(tab.net.lookupSelf())
		for i := 0; i < 3; i++ {
			tab.mergeFound(tab.net.lookupRandom())
		}
	}
}

func (tab *Table) mergeFound(nodes []*enode.Node) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()
	for _, n := range nodes {
		if n.ID() != tab.self().ID() {
			tab.addFoundNode(n, false)
		}
	}
}

// addFoundNode inserts a node discovered indirectly, e.g. via a FINDNODE
// response. live marks it as already validated, used for nodes that just
// replied to one of our requests.
func (tab *Table) addFoundNode(n *enode.Node, live bool) bool {
	if n.ID() == tab.self().ID() {
		return false
	}
	b := tab.bucket(n.ID())
	if idx := findInList(b.entries, n.ID()); idx != -1 {
		b.entries[idx].Node = n
		return true
	}
	if len(b.entries) < bucketSize {
		wrapped := wrapNode(n)
		wrapped.addedToTable = time.Now()
		wrapped.addedToBucket = time.Now()
		wrapped.isValidatedLive = live
		b.entries = append(b.entries, wrapped)
		tab.revalidation.nodeAdded(tab, wrapped)
		return true
	}
	tab.addReplacement(b, n)
	return false
}

// addInboundNode inserts a node that just contacted us directly, e.g. after a
// completed handshake. It is preferred over addFoundNode: if the bucket is
// full, the oldest-added entry that has never been validated live is evicted
// to make room. Recency of contact is not tracked, so a validated entry is
// never evicted here, however long ago it was last seen.
func (tab *Table) addInboundNode(n *enode.Node) {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	if n.ID() == tab.self().ID() {
		return
	}
	b := tab.bucket(n.ID())
	if idx := findInList(b.entries, n.ID()); idx != -1 {
		b.entries[idx].Node = n
		b.entries[idx].isValidatedLive = true
		return
	}
	if len(b.entries) < bucketSize {
		wrapped := wrapNode(n)
		wrapped.addedToTable = time.Now()
		wrapped.addedToBucket = time.Now()
		wrapped.isValidatedLive = true
		b.entries = append(b.entries, wrapped)
		tab.revalidation.nodeAdded(tab, wrapped)
		return
	}
	// Bucket full: evict the oldest-added entry that has never been validated
	// live, to make room for a node we know is reachable right now.
	for i, e := range b.entries {
		if !e.isValidatedLive {
			tab.deleteInBucketAt(b, i)
			wrapped := wrapNode(n)
			wrapped.addedToTable = time.Now()
			wrapped.addedToBucket = time.Now()
			wrapped.isValidatedLive = true
			b.entries = append(b.entries, wrapped)
			tab.revalidation.nodeAdded(tab, wrapped)
			return
		}
	}
	tab.addReplacement(b, n)
}

// addReplacement pushes n onto the bucket's pending list, evicting the oldest
// pending entry if it is already at capacity (FIFO).
func (tab *Table) addReplacement(b *bucket, n *enode.Node) {
	if containsID(b.replacements, n.ID()) {
		return
	}
	wrapped := wrapNode(n)
	wrapped.addedToTable = time.Now()
	if len(b.replacements) >= bucketSize {
		copy(b.replacements, b.replacements[1:])
		b.replacements[len(b.replacements)-1] = wrapped
		return
	}
	b.replacements = append(b.replacements, wrapped)
}

// deleteInBucket removes the node with the given ID from a bucket's live
// entries.
func (tab *Table) deleteInBucket(b *bucket, id enode.ID) {
	if idx := findInList(b.entries, id); idx != -1 {
		tab.deleteInBucketAt(b, idx)
	}
}

func (tab *Table) deleteInBucketAt(b *bucket, idx int) {
	n := b.entries[idx]
	b.entries = append(b.entries[:idx], b.entries[idx+1:]...)
	tab.revalidation.nodeRemoved(n)
	// Promote the oldest replacement, if any, into the vacated slot.
	if len(b.replacements) > 0 {
		rep := b.replacements[0]
		b.replacements = b.replacements[1:]
		rep.addedToBucket = time.Now()
		b.entries = append(b.entries, rep)
		tab.revalidation.nodeAdded(tab, rep)
	}
}

// bumpInBucket updates a node's record in place, e.g. after it advertises a
// higher ENR sequence number. It returns true if the endpoint changed.
// Callers must hold tab.mutex.
func (tab *Table) bumpInBucket(b *bucket, newRecord *enode.Node) bool {
	idx := findInList(b.entries, newRecord.ID())
	if idx == -1 {
		return false
	}
	changed := b.entries[idx].IP().String() != newRecord.IP().String() || b.entries[idx].UDP() != newRecord.UDP()
	b.entries[idx].Node = newRecord
	return changed
}

func findInList(ns []*node, id enode.ID) int {
	for i, n := range ns {
		if n.ID() == id {
			return i
		}
	}
	return -1
}

// findnodeByID returns the live entries closest to target. If foundLive is
// true, only nodes validated live are considered.
func (tab *Table) findnodeByID(target enode.ID, nresults int, foundLive bool) *nodesByDistance {
	tab.mutex.Lock()
	defer tab.mutex.Unlock()

	result := &nodesByDistance{target: target}
	for _, b := range &tab.buckets {
		for _, n := range b.entries {
			if foundLive && !n.isValidatedLive {
				continue
			}
			result.push(n.Node, nresults)
		}
	}
	return result
}

// trackRequest records the outcome of a FINDNODE query issued by a lookup:
// the queried peer's liveness is refreshed on success, and any returned
// records are merged into the table.
func (tab *Table) trackRequest(n *enode.Node, success bool, foundNodes []*enode.Node) {
	tab.mutex.Lock()
	b := tab.bucket(n.ID())
	if idx := findInList(b.entries, n.ID()); idx != -1 {
		if success {
			b.entries[idx].livenessChecks++
			b.entries[idx].isValidatedLive = true
		} else {
			b.entries[idx].livenessChecks /= 3
			if b.entries[idx].livenessChecks == 0 {
				tab.deleteInBucketAt(b, idx)
			}
		}
	} else if success {
		tab.addFoundNode(n, true)
	}
	tab.mutex.Unlock()

	if success {
		tab.mergeFound(foundNodes)
	}
}
