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
	"bytes"
	"context"
	"crypto/ecdsa"
	crand "crypto/rand"
	"errors"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/enr"
	"github.com/ethereum/go-ethereum/p2p/netutil"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/dv5x/discv5-core/discover/v5wire"
)

// handshakeGC is how often outstanding WHOAREYOU challenges are swept for
// expiry; a responder forgets a challenge after ~2s.
const handshakeGC = 1 * time.Second

// whoareyouRate and whoareyouBurst bound the WHOAREYOU challenges a single
// source address can provoke per second, limiting the amplification an
// attacker can extract by spraying spoofed-source Ordinary packets.
const (
	whoareyouRate             = 5
	whoareyouBurst            = 10
	whoareyouLimiterCacheSize = 1024
)

// endpointVoteMemory bounds how many recent PONG-reported endpoints
// maybeUpdateLocalENR remembers when looking for a majority.
const endpointVoteMemory = 5

// endpointVote is one peer's report, via PONG, of our external address.
type endpointVote struct {
	ip   net.IP
	port int
}

// UDPv5 is the discv5 service orchestrator. It owns the UDP socket, the
// session/handshake state carried by the codec, the routing table, the
// request/response engine, and any lookups in progress. Inbound packets and
// the call queue are handled on a single goroutine (dispatch); request API
// calls enqueue their call onto that goroutine and block for the result.
// The routing table is guarded by its own mutex and is also written by API
// callers, lookup goroutines and the table's own loop.
type UDPv5 struct {
	conn         UDPConn
	localNode    *enode.LocalNode
	db           *enode.DB
	priv         *ecdsa.PrivateKey
	netrestrict  *netutil.Netlist
	log          log.Logger
	clock        mclock.Clock
	cfg          Config
	tab          *Table
	codec        *v5wire.Codec
	queue        *callQueue

	whoareyouLimiters *lru.Cache // netip.Addr -> *rate.Limiter, bounds WHOAREYOU amplification
	resolveGroup      singleflight.Group
	endpointVotes     []endpointVote // recent PONG-reported external addresses

	packetInCh chan ReadPacket
	readErr    chan error
	callCh     chan *call
	callDoneCh chan *call
	timeoutCh  chan *call

	talkHandlers   map[string]TalkRequestHandler
	talkHandlersMu sync.Mutex

	talkReqFeed    event.Feed
	enrAddedFeed   event.Feed
	discoveredFeed event.Feed
	sessionEstFeed event.Feed
	scope          event.SubscriptionScope

	closeOnce      sync.Once
	closeCtx       context.Context
	cancelCloseCtx context.CancelFunc
	wg             sync.WaitGroup
}

// ListenV5 starts listening for discovery v5 packets on the given UDP socket.
func ListenV5(c UDPConn, ln *enode.LocalNode, cfg Config) (*UDPv5, error) {
	return newUDPv5(c, ln, cfg)
}

func newUDPv5(c UDPConn, ln *enode.LocalNode, cfg Config) (*UDPv5, error) {
	cfg = cfg.withDefaults()
	closeCtx, cancel := context.WithCancel(context.Background())
	t := &UDPv5{
		conn:           c,
		localNode:      ln,
		db:             ln.Database(),
		priv:           cfg.PrivateKey,
		netrestrict:    cfg.NetRestrict,
		log:            cfg.Log,
		clock:          cfg.Clock,
		cfg:            cfg,
		queue:          newCallQueue(),
		packetInCh:     make(chan ReadPacket, 16),
		readErr:        make(chan error, 1),
		callCh:         make(chan *call),
		callDoneCh:     make(chan *call),
		timeoutCh:      make(chan *call),
		talkHandlers:   make(map[string]TalkRequestHandler),
		closeCtx:       closeCtx,
		cancelCloseCtx: cancel,
	}
	t.codec = v5wire.NewCodec(ln, cfg.PrivateKey, cfg.Clock, v5wire.NewSessionCache(1024, cfg.Clock))
	t.whoareyouLimiters, _ = lru.New(whoareyouLimiterCacheSize)

	tab, err := newTable(t, ln, ln.Database(), cfg)
	if err != nil {
		return nil, err
	}
	t.tab = tab

	t.wg.Add(2)
	go t.readLoop()
	go t.dispatch()
	return t, nil
}

// Self returns the local node record.
func (t *UDPv5) Self() *enode.Node { return t.localNode.Node() }

// LocalNode returns the underlying local node object.
func (t *UDPv5) LocalNode() *enode.LocalNode { return t.localNode }

// Close shuts down the socket and aborts any running queries.
func (t *UDPv5) Close() {
	t.closeOnce.Do(func() {
		t.cancelCloseCtx()
		t.conn.Close()
		t.wg.Wait()
		t.tab.close()
		t.scope.Close()
	})
}

// AddEnr inserts a node record into the routing table.
func (t *UDPv5) AddEnr(n *enode.Node) {
	t.tab.mutex.Lock()
	t.tab.addFoundNode(n, false)
	t.tab.mutex.Unlock()
	t.enrAddedFeed.Send(n)
}

// RemoveEnr removes a node from the routing table.
func (t *UDPv5) RemoveEnr(id enode.ID) {
	t.tab.mutex.Lock()
	b := t.tab.bucket(id)
	t.tab.deleteInBucket(b, id)
	t.tab.mutex.Unlock()
}

// GetKadValues returns a snapshot of the routing table.
func (t *UDPv5) GetKadValues() []BucketNode {
	t.tab.mutex.Lock()
	defer t.tab.mutex.Unlock()
	var out []BucketNode
	for _, b := range &t.tab.buckets {
		for _, n := range b.entries {
			out = append(out, n.bucketEntry())
		}
	}
	return out
}

// RegisterTalkHandler installs a responder for inbound TALKREQ messages
// carrying the given protocol name.
func (t *UDPv5) RegisterTalkHandler(protocol string, handler TalkRequestHandler) {
	t.talkHandlersMu.Lock()
	defer t.talkHandlersMu.Unlock()
	t.talkHandlers[protocol] = handler
}

func (t *UDPv5) SubscribeTalkRequests(ch chan<- TalkRequest) event.Subscription {
	return t.scope.Track(t.talkReqFeed.Subscribe(ch))
}

func (t *UDPv5) SubscribeEnrAdded(ch chan<- *enode.Node) event.Subscription {
	return t.scope.Track(t.enrAddedFeed.Subscribe(ch))
}

func (t *UDPv5) SubscribeDiscovered(ch chan<- *enode.Node) event.Subscription {
	return t.scope.Track(t.discoveredFeed.Subscribe(ch))
}

func (t *UDPv5) SubscribeSessionEstablished(ch chan<- *enode.Node) event.Subscription {
	return t.scope.Track(t.sessionEstFeed.Subscribe(ch))
}

// ---- transport interface required by Table ----

func (t *UDPv5) self() *enode.Node { return t.localNode.Node() }

func (t *UDPv5) ping(n *enode.Node) (uint64, error) {
	pong, err := t.sendPing(n)
	if err != nil {
		return 0, err
	}
	return pong.ENRSeq, nil
}

func (t *UDPv5) RequestENR(n *enode.Node) (*enode.Node, error) {
	nodes, err := t.findnode(n, []uint{0})
	if err != nil {
		return nil, err
	}
	for _, rn := range nodes {
		if rn.ID() == n.ID() {
			return rn, nil
		}
	}
	return nil, errUnknownNode
}

func (t *UDPv5) lookupRandom() []*enode.Node {
	return t.newRandomLookup(t.closeCtx).run()
}

func (t *UDPv5) lookupSelf() []*enode.Node {
	return t.findNode(t.self().ID())
}

// ---- public request API ----

// FindNode launches an iterative lookup for the given target and returns the
// closest nodes found, ordered by ascending distance. Concurrent calls for
// the same target share one lookup rather than walking the DHT redundantly,
// the same de-duplication go-ethereum's p2p/dnsdisc client applies to
// concurrent fetches of the same tree entry.
func (t *UDPv5) FindNode(target enode.ID) []*enode.Node {
	v, err, _ := t.resolveGroup.Do(string(target[:]), func() (interface{}, error) {
		return t.findNode(target), nil
	})
	if err != nil {
		return nil
	}
	return v.([]*enode.Node)
}

func (t *UDPv5) findNode(target enode.ID) []*enode.Node {
	ctx, cancel := context.WithTimeout(t.closeCtx, t.cfg.LookupTimeout)
	defer cancel()
	return t.newLookupFor(ctx, target).run()
}

// newLookupFor constructs (but does not run) a lookup for target.
func (t *UDPv5) newLookupFor(ctx context.Context, target enode.ID) *lookup {
	return newLookup(ctx, t.tab, target, func(n *enode.Node) ([]*enode.Node, error) {
		return t.findnode(n, lookupDistances(target, n.ID()))
	})
}

// newRandomLookup constructs a lookup for a freshly generated random target,
// used both by lookupRandom (table refresh) and RandomNodes (continuous
// discovery stream).
func (t *UDPv5) newRandomLookup(ctx context.Context) *lookup {
	var target enode.ID
	crand.Read(target[:])
	return t.newLookupFor(ctx, target)
}

// RandomNodes returns an iterator that yields random nodes discovered by
// repeated lookups for freshly generated random targets. Callers that need a
// continuous stream of peers (e.g. a peer-sampling loop) should use this
// instead of one-shot FindNode calls.
func (t *UDPv5) RandomNodes() enode.Iterator {
	if t.tab.len() == 0 {
		<-t.tab.refresh()
	}
	return newLookupIterator(t.closeCtx, t.newRandomLookup)
}

// lookupDistances picks the log-distances a FINDNODE query should ask for,
// bracketing the distance from asked to target: the three distances nearest
// the target bucket.
func lookupDistances(target, asked enode.ID) []uint {
	td := enode.LogDist(target, asked)
	dists := []uint{uint(td)}
	for i := 1; len(dists) < 3; i++ {
		if td+i <= 256 {
			dists = append(dists, uint(td+i))
		}
		if td-i > 0 {
			dists = append(dists, uint(td-i))
		}
	}
	return dists
}

// sendPing sends a PING and waits for the PONG. It applies the
// ENR-update-from-PONG policy and fetches the peer's record with a follow-up
// FINDNODE if the peer's advertised sequence number is newer than what we know.
func (t *UDPv5) sendPing(n *enode.Node) (*v5wire.Pong, error) {
	req := &v5wire.Ping{ENRSeq: t.localNode.Node().Seq()}
	c := t.callToNode(n, v5wire.PongMsg, req)

	resp, err := t.waitForResponse(c)
	// Release the peer's call slot before handlePong, whose follow-up
	// FINDNODE to the same peer would otherwise queue behind this call.
	t.callDone(c)
	if err != nil {
		return nil, err
	}
	pong := resp.(*v5wire.Pong)
	t.handlePong(n, pong)
	return pong, nil
}

// SendPing is the exported counterpart of sendPing.
func (t *UDPv5) SendPing(n *enode.Node) error {
	_, err := t.sendPing(n)
	return err
}

func (t *UDPv5) handlePong(n *enode.Node, p *v5wire.Pong) {
	if t.cfg.EnrUpdate && p.ToIP != nil {
		t.maybeUpdateLocalENR(p.ToIP, int(p.ToPort))
	}
	if p.ENRSeq > n.Seq() {
		if newer, err := t.RequestENR(n); err == nil {
			t.tab.mutex.Lock()
			t.tab.bumpInBucket(t.tab.bucket(newer.ID()), newer)
			t.tab.mutex.Unlock()
		}
	}
}

// maybeUpdateLocalENR records a peer-reported external endpoint and re-signs
// the local ENR once a majority of the recently remembered votes agree on it.
// A single PONG carrying a spoofed or NAT-mangled address can't flip the
// record on its own; endpointVoteMemory votes have to accumulate first.
func (t *UDPv5) maybeUpdateLocalENR(ip net.IP, port int) {
	if port <= 1024 {
		t.log.Trace("Ignoring self-reported endpoint", "ip", ip, "port", port, "err", errLowPort)
		return
	}
	self := t.localNode.Node()
	if self.IP().Equal(ip) && self.UDP() == port {
		return
	}

	t.endpointVotes = append(t.endpointVotes, endpointVote{ip: ip, port: port})
	if len(t.endpointVotes) > endpointVoteMemory {
		t.endpointVotes = t.endpointVotes[len(t.endpointVotes)-endpointVoteMemory:]
	}
	if len(t.endpointVotes) < endpointVoteMemory {
		return
	}

	counts := make(map[string]int, len(t.endpointVotes))
	var winner endpointVote
	var winnerCount int
	for _, v := range t.endpointVotes {
		key := v.ip.String() + ":" + strconv.Itoa(v.port)
		counts[key]++
		if counts[key] > winnerCount {
			winner, winnerCount = v, counts[key]
		}
	}
	if winnerCount*2 <= len(t.endpointVotes) {
		t.log.Trace("No majority among recent endpoint votes", "votes", len(t.endpointVotes), "leader", winnerCount)
		return
	}

	t.localNode.SetStaticIP(winner.ip)
	t.localNode.SetFallbackUDP(winner.port)
	t.endpointVotes = t.endpointVotes[:0]
}

// findnode sends a FINDNODE for the given distances and aggregates the
// resulting NODES packets, up to 16 packets with a bounded total.
func (t *UDPv5) findnode(n *enode.Node, distances []uint) ([]*enode.Node, error) {
	req := &v5wire.Findnode{Distances: distances}
	c := t.callToNode(n, v5wire.NodesMsg, req)
	defer t.callDone(c)

	var (
		nodes     []*enode.Node
		remaining = -1
	)
	for {
		select {
		case resp := <-c.ch:
			np, ok := resp.(*v5wire.Nodes)
			if !ok {
				continue
			}
			if remaining == -1 {
				remaining = int(np.Total)
				if remaining == 0 {
					return nil, errors.New("node declared zero-length NODES response")
				}
				if remaining > findnodeResultLimit {
					remaining = findnodeResultLimit
				}
			}
			nodes = append(nodes, nodesFromRecords(np.Nodes, t.cfg.ValidSchemes)...)
			remaining--
			if remaining <= 0 {
				return nodes, nil
			}
		case err := <-c.err:
			return nodes, err
		case <-t.closeCtx.Done():
			return nodes, errClosed
		}
	}
}

// TalkRequestToNode sends a TALKREQ and waits for the TALKRESP.
func (t *UDPv5) TalkRequestToNode(n *enode.Node, protocol string, payload []byte) ([]byte, error) {
	req := &v5wire.TalkRequest{Protocol: protocol, Message: payload}
	c := t.callToNode(n, v5wire.TalkResponseMsg, req)
	defer t.callDone(c)
	resp, err := t.waitForResponse(c)
	if err != nil {
		return nil, err
	}
	return resp.(*v5wire.TalkResponse).Message, nil
}

// TalkRequestAnswer sends a response to a previously received TALKREQ event.
// req must be the value delivered on the talkReqReceived subscription.
func (t *UDPv5) TalkRequestAnswer(req TalkRequest, payload []byte) {
	t.sendResponse(req.fromID, req.addr, &v5wire.TalkResponse{ReqID: req.reqid, Message: payload})
}

// callToNode constructs and dispatches an outbound call to n; use
// waitForResponse (single-response calls) or a custom loop over c.ch/c.err
// (multi-response calls, e.g. findnode).
func (t *UDPv5) callToNode(n *enode.Node, responseType byte, req v5wire.Packet) *call {
	addr, hasAddr := nodeUDPAddr(n)
	reqid := genRequestID()
	req.SetReqID(reqid)
	c := &call{
		node:         n,
		addr:         addr,
		packet:       req,
		responseType: responseType,
		reqid:        reqid,
		ch:           make(chan v5wire.Packet, findnodeResultLimit),
		err:          make(chan error, 1),
	}
	if !hasAddr {
		c.err <- errors.New("node has no UDP endpoint")
		return c
	}
	select {
	case t.callCh <- c:
	case <-t.closeCtx.Done():
		c.err <- errClosed
	}
	return c
}

func (t *UDPv5) waitForResponse(c *call) (v5wire.Packet, error) {
	select {
	case resp := <-c.ch:
		return resp, nil
	case err := <-c.err:
		return nil, err
	}
}

func (t *UDPv5) callDone(c *call) {
	select {
	case t.callDoneCh <- c:
	case <-t.closeCtx.Done():
	}
}

func nodeUDPAddr(n *enode.Node) (netip.AddrPort, bool) {
	ip := n.IP()
	if ip == nil || n.UDP() == 0 {
		return netip.AddrPort{}, false
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(n.UDP())), true
}

// ---- dispatch loop (single cooperative task) ----

func (t *UDPv5) dispatch() {
	defer t.wg.Done()

	gc := t.clock.After(handshakeGC)
	for {
		select {
		case c := <-t.callCh:
			if t.queue.enqueue(c) {
				t.sendCall(c)
			}

		case c := <-t.timeoutCh:
			t.handleCallTimeout(c)

		case c := <-t.callDoneCh:
			if c.timeout != nil {
				c.timeout.Stop()
			}
			if c.nonce != (v5wire.Nonce{}) {
				delete(t.queue.byAuth, c.nonce)
			}
			if next := t.queue.dequeue(c.node.ID()); next != nil {
				t.sendCall(next)
			}

		case pkt := <-t.packetInCh:
			t.handlePacket(pkt.Addr, pkt.Data)

		case err := <-t.readErr:
			t.log.Debug("discv5 UDP read error", "err", err)

		case <-gc:
			t.codec.Sessions().HandshakeGC()
			gc = t.clock.After(handshakeGC)

		case <-t.closeCtx.Done():
			for _, c := range t.queue.active {
				t.failCall(c, errClosed)
			}
			for _, q := range t.queue.queue {
				for _, c := range q {
					t.failCall(c, errRequestShutdown)
				}
			}
			return
		}
	}
}

func (t *UDPv5) sendCall(c *call) {
	data, nonce, err := t.codec.Encode(c.node.ID(), c.addr, c.packet, c.challenge)
	if err != nil {
		t.log.Debug("Failed to encode discv5 packet", "id", c.node.ID(), "err", err)
		t.failCall(c, err)
		return
	}
	c.nonce = nonce
	t.queue.byAuth[nonce] = c
	if _, err := t.conn.WriteToUDPAddrPort(data, c.addr); err != nil {
		t.log.Debug("Failed to write discv5 packet", "id", c.node.ID(), "addr", c.addr, "err", err)
	}
	timeout := t.cfg.RequestTimeout
	c.timeout = t.clock.AfterFunc(timeout, func() {
		select {
		case t.timeoutCh <- c:
		case <-t.closeCtx.Done():
		}
	})
}

func (t *UDPv5) handleCallTimeout(c *call) {
	if t.queue.active[c.node.ID()] != c {
		return // stale timer for a call that already completed
	}
	c.timeout = nil
	if c.retries < t.cfg.RequestRetries {
		c.retries++
		t.sendCall(c)
		return
	}
	t.failCall(c, errTimeout)
}

func (t *UDPv5) failCall(c *call, err error) {
	if c.nonce != (v5wire.Nonce{}) {
		delete(t.queue.byAuth, c.nonce)
	}
	select {
	case c.err <- err:
	default:
	}
}

// handlePacket decodes and routes one inbound datagram.
func (t *UDPv5) handlePacket(from netip.AddrPort, data []byte) {
	fromID, fromNode, packet, err := t.codec.Decode(data, from)
	if err != nil {
		t.log.Trace("Bad discv5 packet", "addr", from, "err", err)
		if t.cfg.Unhandled != nil {
			select {
			case t.cfg.Unhandled <- ReadPacket{Data: data, Addr: from}:
			default:
			}
		}
		return
	}
	switch p := packet.(type) {
	case *v5wire.Unknown:
		t.handleUnknown(from, fromID, p)
	case *v5wire.Whoareyou:
		t.handleWhoareyou(from, p)
	default:
		t.handleMessage(from, fromID, fromNode, packet)
	}
}

// handleUnknown responds to an undecryptable packet with a fresh WHOAREYOU
// challenge.
func (t *UDPv5) handleUnknown(from netip.AddrPort, fromID enode.ID, p *v5wire.Unknown) {
	if !t.allowWhoareyou(from.Addr()) {
		t.log.Trace("Dropping WHOAREYOU, rate limit exceeded", "addr", from)
		return
	}
	challenge := &v5wire.Whoareyou{Nonce: p.Nonce}
	crand.Read(challenge.IDNonce[:])
	if n := t.getNode(fromID); n != nil {
		challenge.Node = n
		challenge.RecordSeq = n.Seq()
	}
	data, _, err := t.codec.Encode(fromID, from, challenge, nil)
	if err != nil {
		t.log.Debug("Failed to encode WHOAREYOU", "id", fromID, "err", err)
		return
	}
	t.conn.WriteToUDPAddrPort(data, from)
}

// allowWhoareyou reports whether from may still provoke a WHOAREYOU
// challenge this instant. Every source address gets its own token bucket, so
// one spoofed sender can't exhaust the budget of another.
func (t *UDPv5) allowWhoareyou(addr netip.Addr) bool {
	v, ok := t.whoareyouLimiters.Get(addr)
	if !ok {
		v = rate.NewLimiter(whoareyouRate, whoareyouBurst)
		t.whoareyouLimiters.Add(addr, v)
	}
	return v.(*rate.Limiter).Allow()
}

// handleWhoareyou completes the initiator side of the handshake by resending
// the pending call as a Handshake packet.
func (t *UDPv5) handleWhoareyou(from netip.AddrPort, p *v5wire.Whoareyou) {
	c, ok := t.queue.byAuth[p.Nonce]
	if !ok {
		t.log.Trace("Discarding unexpected WHOAREYOU", "addr", from, "err", errNoQuery)
		return
	}
	if c.handshakeCount > 0 {
		t.log.Trace("Discarding repeated WHOAREYOU", "addr", from)
		return
	}
	delete(t.queue.byAuth, p.Nonce)
	if c.timeout != nil {
		c.timeout.Stop()
	}
	c.handshakeCount++
	p.Node = c.node
	c.challenge = p
	t.sendCall(c)
}

// handleMessage processes a fully decoded message, whether it arrived as a
// plain Ordinary packet or was carried inside a just-completed Handshake.
func (t *UDPv5) handleMessage(from netip.AddrPort, fromID enode.ID, fromNode *enode.Node, p v5wire.Packet) {
	if fromNode != nil {
		t.tab.addInboundNode(fromNode)
		t.sessionEstFeed.Send(fromNode)
		t.discoveredFeed.Send(fromNode)
	}
	switch p := p.(type) {
	case *v5wire.Ping:
		t.handlePing(from, fromID, p)
	case *v5wire.Pong:
		t.handleCallResponse(fromID, from, p)
	case *v5wire.Findnode:
		t.handleFindnode(from, fromID, p)
	case *v5wire.Nodes:
		t.handleCallResponse(fromID, from, p)
	case *v5wire.TalkRequest:
		t.handleTalkRequest(from, fromID, fromNode, p)
	case *v5wire.TalkResponse:
		t.handleCallResponse(fromID, from, p)
	}
}

// handleCallResponse matches an inbound response to its outstanding call and
// forwards it, or drops it silently if there is no match: responses arriving
// with unknown request-ids are dropped.
func (t *UDPv5) handleCallResponse(fromID enode.ID, from netip.AddrPort, p v5wire.Packet) {
	ac, ok := t.queue.active[fromID]
	if !ok || ac.addr != from || !matchResponse(ac, p) || !bytes.Equal(ac.reqid, packetReqID(p)) {
		t.log.Trace("Unsolicited discv5 response", "id", fromID, "addr", from, "err", errUnsolicited)
		return
	}
	if ac.timeout != nil {
		ac.timeout.Stop()
	}
	ac.timeout = t.clock.AfterFunc(t.cfg.RequestTimeout, func() {
		select {
		case t.timeoutCh <- ac:
		case <-t.closeCtx.Done():
		}
	})
	select {
	case ac.ch <- p:
	default:
		t.log.Warn("discv5 response channel full", "id", fromID)
	}
}

func (t *UDPv5) handlePing(from netip.AddrPort, fromID enode.ID, p *v5wire.Ping) {
	t.sendResponse(fromID, from, &v5wire.Pong{
		ReqID:  p.ReqID,
		ENRSeq: t.localNode.Node().Seq(),
		ToIP:   net.IP(from.Addr().AsSlice()),
		ToPort: from.Port(),
	})
}

func (t *UDPv5) handleFindnode(from netip.AddrPort, fromID enode.ID, p *v5wire.Findnode) {
	nodes := t.collectTableNodes(p.Distances, findnodeResultLimit)
	for _, resp := range packNodes(p.ReqID, nodes) {
		t.sendResponse(fromID, from, resp)
	}
}

func (t *UDPv5) handleTalkRequest(from netip.AddrPort, fromID enode.ID, fromNode *enode.Node, p *v5wire.TalkRequest) {
	t.talkHandlersMu.Lock()
	handler := t.talkHandlers[p.Protocol]
	t.talkHandlersMu.Unlock()

	if handler == nil {
		t.talkReqFeed.Send(TalkRequest{
			Node: fromNode, Protocol: p.Protocol, Message: p.Message,
			fromID: fromID, reqid: p.ReqID, addr: from,
		})
		return
	}
	reply := handler(fromNode, p.Message)
	if reply == nil {
		return
	}
	t.sendResponse(fromID, from, &v5wire.TalkResponse{ReqID: p.ReqID, Message: reply})
}

func (t *UDPv5) sendResponse(toID enode.ID, toAddr netip.AddrPort, packet v5wire.Packet) {
	data, _, err := t.codec.Encode(toID, toAddr, packet, nil)
	if err != nil {
		t.log.Debug("Failed to encode discv5 response", "id", toID, "err", err)
		return
	}
	t.conn.WriteToUDPAddrPort(data, toAddr)
}

// getNode looks up a node record known to the routing table or local node.
func (t *UDPv5) getNode(id enode.ID) *enode.Node {
	if id == t.self().ID() {
		return t.self()
	}
	t.tab.mutex.Lock()
	defer t.tab.mutex.Unlock()
	b := t.tab.bucket(id)
	if idx := findInList(b.entries, id); idx != -1 {
		return b.entries[idx].Node
	}
	return nil
}

// collectTableNodes gathers up to limit ENRs from the given log-distances.
// Distance 0 always means "the node itself": distance-0 entries are never
// stored in the table.
func (t *UDPv5) collectTableNodes(distances []uint, limit int) []*enode.Node {
	t.tab.mutex.Lock()
	defer t.tab.mutex.Unlock()

	var result []*enode.Node
	seen := make(map[enode.ID]bool)
	for _, d64 := range distances {
		if len(result) >= limit {
			break
		}
		d := int(d64)
		var nodes []*enode.Node
		if d == 0 {
			nodes = []*enode.Node{t.self()}
		} else if d <= len(t.tab.buckets) {
			nodes = t.tab.nodesAtDistance(d)
		}
		for _, n := range nodes {
			if seen[n.ID()] {
				continue
			}
			seen[n.ID()] = true
			result = append(result, n)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

// packNodes splits a set of ENRs into one or more NODES packets, small enough
// to stay under typical UDP MTUs. Total is always in [1..16].
func packNodes(reqid []byte, nodes []*enode.Node) []*v5wire.Nodes {
	if len(nodes) == 0 {
		return []*v5wire.Nodes{{ReqID: reqid, Total: 1}}
	}
	const maxRecordsPerPacket = 3
	total := (len(nodes) + maxRecordsPerPacket - 1) / maxRecordsPerPacket
	var packets []*v5wire.Nodes
	for len(nodes) > 0 {
		n := maxRecordsPerPacket
		if n > len(nodes) {
			n = len(nodes)
		}
		recs := make([]*enr.Record, n)
		for i, en := range nodes[:n] {
			recs[i] = en.Record()
		}
		packets = append(packets, &v5wire.Nodes{ReqID: reqid, Total: uint8(total), Nodes: recs})
		nodes = nodes[n:]
	}
	return packets
}

func packetReqID(p v5wire.Packet) []byte {
	switch p := p.(type) {
	case *v5wire.Ping:
		return p.ReqID
	case *v5wire.Pong:
		return p.ReqID
	case *v5wire.Findnode:
		return p.ReqID
	case *v5wire.Nodes:
		return p.ReqID
	case *v5wire.TalkRequest:
		return p.ReqID
	case *v5wire.TalkResponse:
		return p.ReqID
	default:
		return nil
	}
}

// readLoop reads datagrams off the socket and forwards them to dispatch.
// Decoding happens on the dispatch goroutine, not here, to keep the codec
// single-threaded.
func (t *UDPv5) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, 1280)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if netutilTemporary(err) {
			continue
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				select {
				case t.readErr <- err:
				case <-t.closeCtx.Done():
				}
			}
			return
		}
		if t.netrestrict != nil && !t.netrestrict.Contains(net.IP(from.Addr().AsSlice())) {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.packetInCh <- ReadPacket{Data: data, Addr: from}:
		case <-t.closeCtx.Done():
			return
		}
	}
}

func netutilTemporary(err error) bool {
	type temporary interface{ Temporary() bool }
	te, ok := err.(temporary)
	return ok && te.Temporary()
}
