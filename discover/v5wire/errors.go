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

package v5wire

import "errors"

// Decoder failure modes.
var (
	errTooSmall          = errors.New("packet too small")
	errWrongProtocol     = errors.New("wrong protocol-id")
	errUnsupportedVersion = errors.New("unsupported version")
	errInvalidAuthdata   = errors.New("invalid authdata")
	errDecryptionFailed  = errors.New("cannot decrypt message")
	errInvalidSignature  = errors.New("invalid signature")
	errUnknownChallenge  = errors.New("no matching outstanding WHOAREYOU challenge")

	errNoRecord    = errors.New("expected ENR in handshake but none sent")
	errMissingNode = errors.New("can't encode handshake, missing remote node record")

	zeroNonce = Nonce{}
)
