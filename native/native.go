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

// Package native is the backend for the machine we are already running on.
// Processes are direct children, the filesystem is the local one, and socket
// forwarding is a no-op because everything is already local.
package native

import (
	"context"

	"github.com/purpleidea/hostlink/capture"
	"github.com/purpleidea/hostlink/host"

	"github.com/spf13/afero"
)

var _ host.Backend = &Host{}

// Host is the native backend. The zero options are fine, so
// native.New(&native.Options{}) gives a working backend.
type Host struct {
	// Debug enables extra logging.
	Debug bool

	// Logf is the logger, nil means silent.
	Logf func(format string, v ...interface{})

	fs       afero.Fs
	instance uint16
}

// Options configure the native backend.
type Options struct {
	// Debug enables extra logging.
	Debug bool

	// Logf is the logger to use, nil means silent.
	Logf func(format string, v ...interface{})
}

// New builds a native backend.
func New(opts *Options) *Host {
	if opts == nil {
		opts = &Options{}
	}
	return &Host{
		Debug:    opts.Debug,
		Logf:     opts.Logf,
		fs:       afero.NewOsFs(),
		instance: capture.NextInstance(),
	}
}

// Close releases the backend. The native backend holds no transport
// resources, so this is a no-op.
func (obj *Host) Close() error {
	return nil
}

// RequiresForwarding is false: every socket on this host is already
// reachable.
func (obj *Host) RequiresForwarding() bool {
	return false
}

// ReverseForward succeeds without doing anything; there is nothing to tunnel
// on a local host.
func (obj *Host) ReverseForward(ctx context.Context, local, remote host.NetworkSocket) error {
	return nil
}

// DirectForward succeeds without doing anything.
func (obj *Host) DirectForward(ctx context.Context, local, remote host.NetworkSocket) error {
	return nil
}

// logf logs through the injected logger if there is one.
func (obj *Host) logf(format string, v ...interface{}) {
	if obj.Logf == nil {
		return
	}
	obj.Logf("native: "+format, v...)
}
