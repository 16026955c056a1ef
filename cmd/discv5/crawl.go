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

package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dv5x/discv5-core/discover"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

var (
	crawlTimeoutFlag = &cli.DurationFlag{
		Name:  "timeout",
		Usage: "duration to crawl for before printing results and exiting",
		Value: 30 * time.Second,
	}
	crawlRateFlag = &cli.Float64Flag{
		Name:  "rate",
		Usage: "maximum nodes recorded per second",
		Value: 5,
	}
)

var crawlCommand = &cli.Command{
	Name:   "crawl",
	Usage:  "walk the DHT via random-target lookups and print discovered nodes",
	Flags:  []cli.Flag{configFlag, verbosityFlag, bootnodesFlag, crawlTimeoutFlag, crawlRateFlag},
	Action: crawlAction,
}

// crawler drains a UDPv5.RandomNodes iterator, rate limited so it never
// floods the network with lookups faster than the caller wants results.
type crawler struct {
	it      enode.Iterator
	limiter *rate.Limiter

	mu    sync.Mutex
	found map[enode.ID]*enode.Node
}

func newCrawler(srv *discover.UDPv5, ratePerSec float64) *crawler {
	return &crawler{
		it:      srv.RandomNodes(),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		found:   make(map[enode.ID]*enode.Node),
	}
}

func (c *crawler) run(deadline <-chan time.Time) {
	defer c.it.Close()
	for {
		select {
		case <-deadline:
			return
		default:
		}
		if err := c.limiter.Wait(context.Background()); err != nil {
			return
		}
		if !c.it.Next() {
			return
		}
		c.record(c.it.Node())
	}
}

func (c *crawler) record(n *enode.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.found[n.ID()] = n
}

func (c *crawler) results() []*enode.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*enode.Node, 0, len(c.found))
	for _, n := range c.found {
		out = append(out, n)
	}
	return out
}

func crawlAction(ctx *cli.Context) error {
	setupLogging(ctx.Int(verbosityFlag.Name))

	fc, err := loadFileConfig(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if names := ctx.StringSlice(bootnodesFlag.Name); len(names) > 0 {
		fc.Bootnodes = names
	}
	bootnodes, err := fc.bootnodes()
	if err != nil {
		return err
	}
	if len(bootnodes) == 0 {
		return fmt.Errorf("crawl needs at least one -bootnodes entry")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return err
	}
	db, err := enode.OpenDB("")
	if err != nil {
		return err
	}
	ln := enode.NewLocalNode(db, key)
	if laddr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		ln.SetFallbackIP(net.ParseIP("127.0.0.1"))
		ln.SetFallbackUDP(laddr.Port)
	}

	srv, err := discover.ListenV5(conn, ln, discover.Config{
		PrivateKey: key,
		Bootnodes:  bootnodes,
		Log:        log.Root(),
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	c := newCrawler(srv, ctx.Float64(crawlRateFlag.Name))
	timeout := time.After(ctx.Duration(crawlTimeoutFlag.Name))
	c.run(timeout)

	for _, n := range c.results() {
		fmt.Println(n.URLv4())
	}
	log.Info("crawl finished", "nodes", len(c.results()))
	return nil
}
