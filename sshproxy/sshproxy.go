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

// Package sshproxy is the backend which drives a long lived OpenSSH client
// instead of speaking the wire protocols itself. A control master subprocess
// owns the TCP connection; every command, the SFTP subsystem, and all port
// forwardings multiplex over its control socket. Authentication is whatever
// the user's OpenSSH configuration says it is, which is precisely the appeal
// of this backend.
package sshproxy

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/purpleidea/hostlink/capture"
	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/sftpfs"
	"github.com/purpleidea/hostlink/util/errwrap"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/sftp"
)

const (
	// defaultSSHCommand is the client binary we drive.
	defaultSSHCommand = "ssh"

	// defaultConnectTimeout bounds how long Connect waits for the control
	// master to accept commands.
	defaultConnectTimeout = 10 * time.Second

	// defaultPidPollTimeout bounds the pid discovery loop.
	defaultPidPollTimeout = 10 * time.Second

	// closeTimeout is how long Close waits for a subprocess to exit on its
	// own before killing it.
	closeTimeout = 2 * time.Second
)

// Options configure the proxy backend.
type Options struct {
	// Destination is the ssh destination, usually user@host.
	Destination string

	// Port is the remote port, zero for the client's default.
	Port uint16

	// SSHCommand is the client binary to run, "ssh" if empty.
	SSHCommand string

	// ControlPath is where the control socket goes. Empty gets a fresh
	// path under the temp dir.
	ControlPath string

	// ExtraArgs are passed to every client invocation, for -o options and
	// friends.
	ExtraArgs []string

	// ConnectTimeout bounds the wait for control master readiness. Zero
	// means the default.
	ConnectTimeout time.Duration

	// PidPollTimeout bounds the pid discovery loop on process launches.
	// Zero means the default.
	PidPollTimeout time.Duration

	// Debug enables extra logging.
	Debug bool

	// Logf is the logger to use, nil means silent.
	Logf func(format string, v ...interface{})
}

var _ host.Backend = &Host{}

// Host is the proxy backend. The filesystem port is embedded: its methods
// come from the shared SFTP filesystem speaking through the pipes of a
// dedicated ssh subprocess.
type Host struct {
	*sftpfs.FS

	// Debug enables extra logging.
	Debug bool

	// Logf is the logger, nil means silent.
	Logf func(format string, v ...interface{})

	destination string
	sshCommand  string
	controlPath string
	port        uint16
	extraArgs   []string

	master       *exec.Cmd
	masterResult <-chan error

	sftpCmd    *exec.Cmd
	sftpResult <-chan error

	instance       uint16
	syntheticSeq   atomic.Uint32
	pidPollTimeout time.Duration
}

// Connect starts the control master, waits until its socket accepts control
// commands, and opens the SFTP subsystem over it. The caller's OpenSSH setup
// must allow non-interactive authentication; this backend never prompts.
func Connect(ctx context.Context, opts *Options) (*Host, error) {
	if opts == nil || opts.Destination == "" {
		return nil, errwrap.Wrapf(os.ErrInvalid, "a destination is required")
	}

	obj := &Host{
		Debug:          opts.Debug,
		Logf:           opts.Logf,
		destination:    opts.Destination,
		sshCommand:     opts.SSHCommand,
		controlPath:    opts.ControlPath,
		port:           opts.Port,
		extraArgs:      opts.ExtraArgs,
		instance:       capture.NextInstance(),
		pidPollTimeout: opts.PidPollTimeout,
	}
	if obj.sshCommand == "" {
		obj.sshCommand = defaultSSHCommand
	}
	if obj.controlPath == "" {
		obj.controlPath = filepath.Join(os.TempDir(), "hostlink-"+uuid.NewString()[:8]+".ctl")
	}
	if obj.pidPollTimeout == 0 {
		obj.pidPollTimeout = defaultPidPollTimeout
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	// the master owns the connection; -N keeps it command-less
	master := exec.Command(obj.sshCommand, obj.clientArgs("-M", "-N")...)
	obj.relayStderr(master)
	if err := master.Start(); err != nil {
		return nil, errwrap.Wrapf(err, "could not start the control master")
	}
	obj.master = master
	obj.masterResult = waitInBackground(master)

	if err := obj.awaitMaster(ctx, connectTimeout); err != nil {
		obj.teardownMaster()
		return nil, err
	}

	if err := obj.startSftp(); err != nil {
		obj.teardownMaster()
		return nil, err
	}
	return obj, nil
}

// clientArgs assembles an ssh invocation which shares the master connection.
// The trailing destination is always present; extras go in front of it.
func (obj *Host) clientArgs(pre ...string) []string {
	args := []string{"-S", obj.controlPath, "-o", "BatchMode=yes"}
	args = append(args, pre...)
	if obj.port != 0 {
		args = append(args, "-p", strconv.FormatUint(uint64(obj.port), 10))
	}
	args = append(args, obj.extraArgs...)
	args = append(args, obj.destination)
	return args
}

// commandArgs assembles an ssh invocation which runs a remote shell command
// over the master connection. The command rides as one word after the
// destination, so the remote side word-splits exactly our escaped string.
func (obj *Host) commandArgs(remoteCmd string) []string {
	return append(obj.clientArgs(), remoteCmd)
}

// relayStderr forwards a subprocess's stderr lines into our logger, so that
// client diagnostics are not lost.
func (obj *Host) relayStderr(cmd *exec.Cmd) {
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return
	}
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			obj.logf("%s: %s", obj.sshCommand, sc.Text())
		}
	}()
}

// waitInBackground reaps a subprocess in its own goroutine and hands the
// result to anyone who ever asks for it.
func waitInBackground(cmd *exec.Cmd) <-chan error {
	ch := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		for {
			ch <- err
		}
	}()
	return ch
}

// awaitMaster polls `ssh -O check` until the control socket answers. A master
// that died early fails immediately with its exit error.
func (obj *Host) awaitMaster(ctx context.Context, timeout time.Duration) error {
	op := func() error {
		select {
		case err := <-obj.masterResult:
			return backoff.Permanent(errwrap.Wrapf(err, "the control master exited"))
		default:
		}
		check := exec.Command(obj.sshCommand, obj.clientArgs("-O", "check")...)
		return check.Run()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = timeout
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return errwrap.Wrapf(err, "the control master never became ready")
	}
	obj.logf("control master ready on %s", obj.controlPath)
	return nil
}

// startSftp requests the sftp subsystem over the multiplex and speaks the
// protocol through the subprocess's pipes.
func (obj *Host) startSftp() error {
	// the subsystem name is a command word, so it follows the destination
	cmd := exec.Command(obj.sshCommand, append(obj.clientArgs("-s"), "sftp")...)
	obj.relayStderr(cmd)
	wr, err := cmd.StdinPipe()
	if err != nil {
		return errwrap.Wrapf(err, "could not pipe sftp stdin")
	}
	rd, err := cmd.StdoutPipe()
	if err != nil {
		return errwrap.Wrapf(err, "could not pipe sftp stdout")
	}
	if err := cmd.Start(); err != nil {
		return errwrap.Wrapf(err, "could not start the sftp subprocess")
	}
	obj.sftpCmd = cmd
	obj.sftpResult = waitInBackground(cmd)

	client, err := sftp.NewClientPipe(rd, wr)
	if err != nil {
		return errwrap.Wrapf(err, "could not establish the sftp session")
	}
	obj.FS = sftpfs.New(client, obj.runCommand)
	return nil
}

// runCommand runs a shell command over the multiplex and reports the status
// the client exited with. OpenSSH propagates the remote exit status, except
// that 255 is also what it uses for its own failures, so a 255 is reported as
// no status at all rather than as a believable remote code.
func (obj *Host) runCommand(ctx context.Context, cmd string) (*int64, error) {
	child := exec.Command(obj.sshCommand, obj.commandArgs("sh -c "+host.ShellEscape(cmd))...)
	if obj.Debug {
		obj.logf("running: %s", cmd)
	}
	if err := child.Start(); err != nil {
		return nil, errwrap.Wrapf(err, "could not start the client")
	}
	result := make(chan error, 1)
	go func() {
		result <- child.Wait()
	}()
	var waitErr error
	select {
	case <-ctx.Done():
		child.Process.Kill() // best effort
		<-result
		return nil, ctx.Err()
	case waitErr = <-result:
	}
	return proxyExitStatus(waitErr)
}

// proxyExitStatus maps a client Wait error onto the optional remote status.
func proxyExitStatus(waitErr error) (*int64, error) {
	if waitErr == nil {
		code := int64(0)
		return &code, nil
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return nil, errwrap.Wrapf(waitErr, "wait failed")
	}
	code := exitErr.ExitCode()
	if code < 0 || code == 255 {
		return nil, nil // signal death or a client side failure
	}
	c := int64(code)
	return &c, nil
}

// RequiresForwarding is true: sockets on the remote host need a tunnel.
func (obj *Host) RequiresForwarding() bool {
	return true
}

// DirectForward asks the control master to listen on local and carry
// connections to remote, the -L direction.
func (obj *Host) DirectForward(ctx context.Context, local, remote host.NetworkSocket) error {
	return obj.requestForward(ctx, "-L", local.String()+":"+remote.String())
}

// ReverseForward asks the control master to listen remotely on remote and
// carry connections back to local, the -R direction.
func (obj *Host) ReverseForward(ctx context.Context, local, remote host.NetworkSocket) error {
	return obj.requestForward(ctx, "-R", remote.String()+":"+local.String())
}

// requestForward issues an -O forward control command against the master.
func (obj *Host) requestForward(ctx context.Context, direction, spec string) error {
	child := exec.Command(obj.sshCommand, obj.clientArgs("-O", "forward", direction, spec)...)
	obj.logf("forward %s %s", direction, spec)
	if err := child.Start(); err != nil {
		return errwrap.Wrapf(err, "could not start the client")
	}
	result := make(chan error, 1)
	go func() {
		result <- child.Wait()
	}()
	select {
	case <-ctx.Done():
		child.Process.Kill() // best effort
		<-result
		return ctx.Err()
	case err := <-result:
		return errwrap.Wrapf(err, "forward request %s %s failed", direction, spec)
	}
}

// Close tears down the SFTP subsystem and then the control master. Processes
// started over the multiplex die with the master.
func (obj *Host) Close() error {
	var reterr error
	if obj.FS != nil {
		if err := obj.FS.Client.Close(); err != nil {
			reterr = errwrap.Append(reterr, errwrap.Wrapf(err, "could not close the sftp session"))
		}
	}
	if obj.sftpCmd != nil {
		if err := reapOrKill(obj.sftpCmd, obj.sftpResult); err != nil {
			reterr = errwrap.Append(reterr, errwrap.Wrapf(err, "could not stop the sftp subprocess"))
		}
	}

	// ask the master to exit cleanly before resorting to a kill
	exit := exec.Command(obj.sshCommand, obj.clientArgs("-O", "exit")...)
	exit.Run() // ignore errors, the kill below is the fallback
	if err := obj.teardownMaster(); err != nil {
		reterr = errwrap.Append(reterr, err)
	}
	os.Remove(obj.controlPath) // usually gone already
	return reterr
}

// teardownMaster reaps the master, killing it if it lingers.
func (obj *Host) teardownMaster() error {
	if obj.master == nil {
		return nil
	}
	return reapOrKill(obj.master, obj.masterResult)
}

// reapOrKill waits briefly for a subprocess to exit, then kills it. The exit
// error of a process we asked to die is not interesting.
func reapOrKill(cmd *exec.Cmd, result <-chan error) error {
	select {
	case <-result:
		return nil
	case <-time.After(closeTimeout):
	}
	if err := cmd.Process.Kill(); err != nil {
		return errwrap.Wrapf(err, "could not kill pid %d", cmd.Process.Pid)
	}
	<-result
	return nil
}

// logf logs through the injected logger if there is one.
func (obj *Host) logf(format string, v ...interface{}) {
	if obj.Logf == nil {
		return
	}
	obj.Logf("sshproxy: "+format, v...)
}
