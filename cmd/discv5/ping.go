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
	"fmt"
	"net"
	"time"

	"github.com/dv5x/discv5-core/discover"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/urfave/cli/v2"
)

var pingCommand = &cli.Command{
	Name:      "ping",
	Usage:     "sends a single PING to a node and reports whether it answered",
	ArgsUsage: "<enode>",
	Flags:     []cli.Flag{verbosityFlag},
	Action:    pingAction,
}

func pingAction(ctx *cli.Context) error {
	setupLogging(ctx.Int(verbosityFlag.Name))

	if ctx.NArg() != 1 {
		return fmt.Errorf("need target node as the only argument")
	}
	target, err := enode.Parse(enode.ValidSchemes, ctx.Args().First())
	if err != nil {
		return fmt.Errorf("invalid enode: %w", err)
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

	srv, err := discover.ListenV5(conn, ln, discover.Config{PrivateKey: key, Log: log.Root()})
	if err != nil {
		return err
	}
	defer srv.Close()

	start := time.Now()
	if err := srv.SendPing(target); err != nil {
		return fmt.Errorf("node didn't respond: %w", err)
	}
	fmt.Printf("node responded to ping (RTT %v)\n", time.Since(start))
	return nil
}
