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

package discover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainQuery builds a queryFunc that hands out a fixed response per node ID,
// simulating a network of peers that each know about one further hop toward
// the target.
func chainQuery(t *testing.T, responses map[enode.ID][]*enode.Node) queryFunc {
	var mu sync.Mutex
	return func(n *enode.Node) ([]*enode.Node, error) {
		mu.Lock()
		defer mu.Unlock()
		return responses[n.ID()], nil
	}
}

func TestLookupConvergesOnCloserNodes(t *testing.T) {
	tab, _ := newTestTable(t)
	target := randomID(tab.self().ID(), 200)

	hop1 := nullNode(randomID(target, 50))
	hop2 := nullNode(randomID(target, 20))
	final := nullNode(randomID(target, 1))

	tab.mutex.Lock()
	tab.addFoundNode(hop1, false)
	tab.mutex.Unlock()

	responses := map[enode.ID][]*enode.Node{
		hop1.ID(): {hop2},
		hop2.ID(): {final},
		final.ID(): nil,
	}
	q := chainQuery(t, responses)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newLookup(ctx, tab, target, q)
	result := l.run()

	require.NotEmpty(t, result)
	assert.True(t, containsNode(result, final.ID()))
}

func TestLookupNeverAsksSelfOrExceedsRequestLimit(t *testing.T) {
	tab, _ := newTestTable(t)
	target := randomID(tab.self().ID(), 100)

	peer := nullNode(randomID(target, 10))
	tab.mutex.Lock()
	tab.addFoundNode(peer, false)
	tab.mutex.Unlock()

	var callCount int
	var mu sync.Mutex
	q := func(n *enode.Node) ([]*enode.Node, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		if n.ID() == tab.self().ID() {
			t.Fatal("lookup queried itself")
		}
		return []*enode.Node{peer, tab.self()}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newLookup(ctx, tab, target, q)
	l.run()

	assert.LessOrEqual(t, callCount, tab.cfg.LookupRequestLimit, "a single peer must never exceed the configured request limit")
	assert.Positive(t, callCount)
}

func TestLookupHandlesQueryErrors(t *testing.T) {
	tab, _ := newTestTable(t)
	target := randomID(tab.self().ID(), 100)

	peer := nullNode(randomID(target, 10))
	tab.mutex.Lock()
	tab.addFoundNode(peer, false)
	tab.mutex.Unlock()

	q := func(n *enode.Node) ([]*enode.Node, error) {
		return nil, errors.New("simulated network failure")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := newLookup(ctx, tab, target, q)
	result := l.run() // must not hang or panic despite every query failing
	assert.Empty(t, result)
}

func TestLookupShutdownOnCancel(t *testing.T) {
	tab, _ := newTestTable(t)
	target := randomID(tab.self().ID(), 100)

	peer := nullNode(randomID(target, 10))
	tab.mutex.Lock()
	tab.addFoundNode(peer, false)
	tab.mutex.Unlock()

	blocked := make(chan struct{})
	release := make(chan struct{})
	var blockedOnce sync.Once // the peer may be queried again, up to LookupRequestLimit
	q := func(n *enode.Node) ([]*enode.Node, error) {
		blockedOnce.Do(func() { close(blocked) })
		<-release
		return nil, errClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := newLookup(ctx, tab, target, q)

	done := make(chan []*enode.Node)
	go func() { done <- l.run() }()

	<-blocked
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup did not shut down after cancellation")
	}
}

func containsNode(ns []*enode.Node, id enode.ID) bool {
	for _, n := range ns {
		if n.ID() == id {
			return true
		}
	}
	return false
}
