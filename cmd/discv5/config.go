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
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/p2p/enode"
)

// fileConfig is the TOML representation of a node's on-disk configuration.
// Durations and node URLs are given as plain strings and resolved by
// parseDuration and the bootnodes method.
type fileConfig struct {
	ListenAddr      string   `toml:"listen-addr"`
	NodeKeyFile     string   `toml:"node-key-file"`
	Bootnodes       []string `toml:"bootnodes"`
	NetRestrict     string   `toml:"net-restrict"`
	PingInterval    string   `toml:"ping-interval"`
	RefreshInterval string   `toml:"refresh-interval"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		ListenAddr:  ":30303",
		NodeKeyFile: "discv5.key",
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, fmt.Errorf("config file %q does not exist", path)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config file %q: %w", path, err)
	}
	return cfg, nil
}

func (c fileConfig) bootnodes() ([]*enode.Node, error) {
	nodes := make([]*enode.Node, 0, len(c.Bootnodes))
	for _, url := range c.Bootnodes {
		n, err := enode.Parse(enode.ValidSchemes, url)
		if err != nil {
			return nil, fmt.Errorf("invalid bootstrap node %q: %w", url, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
