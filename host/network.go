// Hostlink
// Copyright (C) 2013-2024+ James Shubin and the project contributors
// Written by James Shubin <james@shubin.ca> and the project contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package host

import (
	"context"
	"fmt"
)

// SocketKind discriminates the NetworkSocket union.
type SocketKind int

const (
	SocketTCP SocketKind = iota
	SocketUnix
)

// NetworkSocket names one endpoint of a forwarding: either a TCP host and
// port, or a Unix domain socket path.
type NetworkSocket struct {
	Kind SocketKind

	// Host and Port are used when Kind is SocketTCP.
	Host string
	Port uint16

	// SocketPath is used when Kind is SocketUnix.
	SocketPath string
}

// TCPSocket builds a TCP endpoint.
func TCPSocket(h string, port uint16) NetworkSocket {
	return NetworkSocket{Kind: SocketTCP, Host: h, Port: port}
}

// UnixSocket builds a Unix domain socket endpoint.
func UnixSocket(path string) NetworkSocket {
	return NetworkSocket{Kind: SocketUnix, SocketPath: path}
}

// String renders the endpoint the way OpenSSH forwarding specs spell it.
func (obj NetworkSocket) String() string {
	if obj.Kind == SocketUnix {
		return obj.SocketPath
	}
	return fmt.Sprintf("%s:%d", obj.Host, obj.Port)
}

// Network is the socket forwarding port of a backend.
type Network interface {
	// RequiresForwarding reports whether reaching sockets on the host
	// needs a forwarding at all. It is false for the native backend, where
	// every socket is already local.
	RequiresForwarding() bool

	// ReverseForward makes the remote side listen on remote and carry
	// connections back to local.
	ReverseForward(ctx context.Context, local, remote NetworkSocket) error

	// DirectForward listens on local and carries connections to remote on
	// the host.
	DirectForward(ctx context.Context, local, remote NetworkSocket) error
}
