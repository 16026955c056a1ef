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

// Command discv5 runs a standalone Discovery v5 node: a bootstrap/relay
// listener by default, or a one-off crawler/pinger via its subcommands.
package main

import (
	"crypto/ecdsa"
	"fmt"
	"net"
	"os"

	"github.com/dv5x/discv5-core/discover"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/p2p/enode"
	"github.com/ethereum/go-ethereum/p2p/netutil"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0-5, crit-trace)",
		Value: 3, // info on the legacy 0-5 scale read by log.FromLegacyLevel
	}
	bootnodesFlag = &cli.StringSliceFlag{
		Name:  "bootnodes",
		Usage: "comma-separated enode:// bootstrap nodes",
	}
)

func main() {
	app := &cli.App{
		Name:  "discv5",
		Usage: "Discovery v5 node discovery utility",
		Flags: []cli.Flag{configFlag, verbosityFlag},
		Action: func(ctx *cli.Context) error {
			return runNode(ctx)
		},
		Commands: []*cli.Command{
			crawlCommand,
			pingCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(verbosity int) {
	glogger := log.NewGlogHandler(log.NewTerminalHandler(os.Stderr, true))
	glogger.Verbosity(log.FromLegacyLevel(verbosity))
	log.SetDefault(log.NewLogger(glogger))
}

// runNode starts a long-lived discv5 listener from a TOML config file and
// blocks until interrupted. This is the "bootnode" mode of the tool.
func runNode(ctx *cli.Context) error {
	setupLogging(ctx.Int(verbosityFlag.Name))

	fc, err := loadFileConfig(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}

	key, err := loadOrCreateNodeKey(fc.NodeKeyFile)
	if err != nil {
		return err
	}

	bootnodes, err := fc.bootnodes()
	if err != nil {
		return err
	}

	var restrict *netutil.Netlist
	if fc.NetRestrict != "" {
		restrict, err = netutil.ParseNetlist(fc.NetRestrict)
		if err != nil {
			return fmt.Errorf("-netrestrict: %w", err)
		}
	}

	pingInterval, err := parseDuration(fc.PingInterval, 0)
	if err != nil {
		return fmt.Errorf("ping-interval: %w", err)
	}
	refreshInterval, err := parseDuration(fc.RefreshInterval, 0)
	if err != nil {
		return fmt.Errorf("refresh-interval: %w", err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", fc.ListenAddr)
	if err != nil {
		return fmt.Errorf("-listen-addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
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

	cfg := discover.Config{
		PrivateKey:      key,
		Bootnodes:       bootnodes,
		NetRestrict:     restrict,
		PingInterval:    pingInterval,
		RefreshInterval: refreshInterval,
		Log:             log.Root(),
	}
	srv, err := discover.ListenV5(conn, ln, cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	log.Info("discv5 node listening", "enode", ln.Node().URLv4(), "addr", conn.LocalAddr())
	select {}
}

func loadOrCreateNodeKey(path string) (*ecdsa.PrivateKey, error) {
	if key, err := crypto.LoadECDSA(path); err == nil {
		return key, nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, fmt.Errorf("could not persist generated node key: %w", err)
	}
	return key, nil
}
