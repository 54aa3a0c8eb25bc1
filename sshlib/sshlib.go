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

// Package sshlib is the backend which speaks the SSH and SFTP wire protocols
// itself, in process, over a single multiplexed TCP connection. Each process
// runs in its own session channel of that connection, and the filesystem port
// is an SFTP subsystem channel of the same connection. Nothing is executed on
// the local machine.
//
// Connection setup is the caller's problem: hand New an *ssh.Client that is
// already authenticated, or use Dial as a thin convenience around ssh.Dial.
package sshlib

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/purpleidea/hostlink/capture"
	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/sftpfs"
	"github.com/purpleidea/hostlink/util/errwrap"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// defaultPidPollTimeout bounds the pid discovery loop. The original polling
// design would spin forever against a remote that lost the handoff file; a
// bound turns that into a reported error.
const defaultPidPollTimeout = 10 * time.Second

// PtyOptions describe the pty requested for processes with piped stdin. An
// interactive remote program only cooperates on a terminal, so stdin piping
// implies a pty request with these parameters.
type PtyOptions struct {
	// Term is the TERM value to claim.
	Term string

	// Cols and Rows are the terminal dimensions in characters.
	Cols uint32
	Rows uint32

	// Modes are the terminal modes to request.
	Modes ssh.TerminalModes
}

// Options configure the library SSH backend.
type Options struct {
	// Pty configures the pty used for stdin-piped processes. Nil gets a
	// plain 80x24 xterm.
	Pty *PtyOptions

	// PidPollTimeout bounds how long a process launch polls the handoff
	// file for the remote pid. Zero means the default.
	PidPollTimeout time.Duration

	// Debug enables extra logging.
	Debug bool

	// Logf is the logger to use, nil means silent.
	Logf func(format string, v ...interface{})
}

var _ host.Backend = &Host{}

// Host is the library SSH backend. The filesystem port is embedded: its
// methods come from the shared SFTP filesystem running over this connection.
type Host struct {
	*sftpfs.FS

	// Debug enables extra logging.
	Debug bool

	// Logf is the logger, nil means silent.
	Logf func(format string, v ...interface{})

	client *ssh.Client
	mu     sync.Mutex // serializes session opening on the shared connection

	instance   uint16
	channelSeq atomic.Uint32

	pty            PtyOptions
	pidPollTimeout time.Duration
}

// New wraps an established, authenticated ssh client into a backend. It opens
// the dedicated SFTP subsystem channel immediately so that a broken remote
// surfaces here and not on the first filesystem call.
func New(client *ssh.Client, opts *Options) (*Host, error) {
	if opts == nil {
		opts = &Options{}
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not open the sftp subsystem")
	}

	obj := &Host{
		Debug:          opts.Debug,
		Logf:           opts.Logf,
		client:         client,
		instance:       capture.NextInstance(),
		pidPollTimeout: opts.PidPollTimeout,
	}
	if obj.pidPollTimeout == 0 {
		obj.pidPollTimeout = defaultPidPollTimeout
	}
	if opts.Pty != nil {
		obj.pty = *opts.Pty
	} else {
		obj.pty = PtyOptions{
			Term: "xterm",
			Cols: 80,
			Rows: 24,
		}
	}
	obj.FS = sftpfs.New(sftpClient, obj.runCommand)
	return obj, nil
}

// Dial connects to addr with the given client config and builds a backend on
// the new connection.
func Dial(addr string, config *ssh.ClientConfig, opts *Options) (*Host, error) {
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not dial %s", addr)
	}
	obj, err := New(client, opts)
	if err != nil {
		client.Close()
		return nil, err
	}
	return obj, nil
}

// Close shuts down the SFTP channel and then the whole connection. Processes
// started through this backend die with the connection, since their channels
// are multiplexed onto it.
func (obj *Host) Close() error {
	var reterr error
	if err := obj.FS.Client.Close(); err != nil {
		reterr = errwrap.Append(reterr, errwrap.Wrapf(err, "could not close the sftp channel"))
	}
	if err := obj.client.Close(); err != nil {
		reterr = errwrap.Append(reterr, errwrap.Wrapf(err, "could not close the connection"))
	}
	return reterr
}

// RequiresForwarding is true: sockets on the remote host are only reachable
// through a tunnel.
func (obj *Host) RequiresForwarding() bool {
	return true
}

// ReverseForward is not supported at this layer.
func (obj *Host) ReverseForward(ctx context.Context, local, remote host.NetworkSocket) error {
	return host.ErrUnsupportedOperation
}

// DirectForward is not supported at this layer.
func (obj *Host) DirectForward(ctx context.Context, local, remote host.NetworkSocket) error {
	return host.ErrUnsupportedOperation
}

// newSession opens a fresh session channel on the shared connection.
func (obj *Host) newSession() (*ssh.Session, error) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	session, err := obj.client.NewSession()
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not open a session channel")
	}
	return session, nil
}

// runCommand runs a shell command in a session of its own and reports the
// exit status. The filesystem port uses it for the operations SFTP cannot
// express. A remote which never sends an exit-status yields a nil status.
func (obj *Host) runCommand(ctx context.Context, cmd string) (*int64, error) {
	session, err := obj.newSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if obj.Debug {
		obj.logf("running: %s", cmd)
	}
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()
	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL) // best effort
		return nil, ctx.Err()
	case err = <-done:
	}
	return exitStatus(err)
}

// exitStatus maps a session Wait or Run error onto the optional exit code. A
// missing exit-status message and a signal death both yield no code; any
// other error is a transport problem.
func exitStatus(err error) (*int64, error) {
	if err == nil {
		code := int64(0)
		return &code, nil
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		if exitErr.Signal() != "" {
			return nil, nil // died to a signal, no code
		}
		code := int64(exitErr.ExitStatus())
		return &code, nil
	}
	if _, ok := err.(*ssh.ExitMissingError); ok {
		return nil, nil // remote never sent an exit-status
	}
	return nil, errwrap.Wrapf(err, "session wait failed")
}

// logf logs through the injected logger if there is one.
func (obj *Host) logf(format string, v ...interface{}) {
	if obj.Logf == nil {
		return
	}
	obj.Logf("sshlib: "+format, v...)
}
