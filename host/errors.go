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
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrStdinNotPiped is returned by WriteStdin and CloseStdin when the
	// process was started without stdin redirection, or when stdin was
	// already closed.
	ErrStdinNotPiped = errors.New("stdin is not piped")

	// ErrKillUnsupported is returned by RequestKill on implementations
	// which have no way to kill their process.
	ErrKillUnsupported = errors.New("kill requests are not supported")

	// ErrProcessIDNotFound is returned when an operation needs the pid of
	// a process whose pid was never discovered.
	ErrProcessIDNotFound = errors.New("process id not found")

	// ErrUnsupportedOperation is returned by network ports which do not
	// implement the requested kind of forwarding.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// KillUtilityError is returned when a backend signalled a process by running
// the kill(1) utility on the host and that helper exited non-zero.
type KillUtilityError struct {
	// StatusCode is the helper's exit code, nil if it was not observed.
	StatusCode *int64
}

// Error implements the error interface.
func (obj *KillUtilityError) Error() string {
	if obj.StatusCode == nil {
		return "kill utility failed without reporting a status code"
	}
	return fmt.Sprintf("kill utility failed with status code %d", *obj.StatusCode)
}
