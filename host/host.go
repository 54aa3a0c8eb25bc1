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

// Package host defines the common surface which every backend satisfies. A
// backend is a handle onto a local or remote Linux machine, and exposes three
// capability ports: a Filesystem for file and directory manipulation, an
// Executor for spawning and controlling processes, and a Network for socket
// forwarding. Consumers can hold a single Backend value and stay oblivious to
// whether the machine is reached through direct syscalls, an in-process SSH
// and SFTP implementation, or an OpenSSH client subprocess.
package host

// Backend is the full triple of capability ports plus a Close method which
// releases any transport resources the backend holds. Closing the native
// backend leaves the processes started through it alone; the SSH backends
// close the connection which their processes' channels run over, and those
// processes end with it.
type Backend interface {
	Filesystem
	Executor
	Network

	// Close releases the backend. It must be safe to call exactly once.
	Close() error
}
