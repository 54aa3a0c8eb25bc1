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
	"testing"
)

func TestNetworkSocketString1(t *testing.T) {
	tests := []struct {
		socket NetworkSocket
		out    string
	}{
		{TCPSocket("localhost", 8080), "localhost:8080"},
		{TCPSocket("0.0.0.0", 22), "0.0.0.0:22"},
		{UnixSocket("/run/app.sock"), "/run/app.sock"},
	}
	for _, test := range tests {
		if out := test.socket.String(); out != test.out {
			t.Errorf("expected %q, got %q", test.out, out)
		}
	}
}
