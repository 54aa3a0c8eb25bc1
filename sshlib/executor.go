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

package sshlib

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/purpleidea/hostlink/capture"
	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/util/errwrap"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

// BeginExecute opens a session channel, runs the desugared form of the
// config in it, and discovers the remote pid through the handoff file before
// returning. An exec'd remote command has no pid as far as the SSH protocol
// is concerned, which is the entire reason the desugared subshell writes one
// into a file we can poll over SFTP.
//
// Output capture is wired by pointing the session's stream writers at the
// capture registry, so the transport appends payloads as they arrive and
// snapshots never have to touch the channel.
func (obj *Host) BeginExecute(ctx context.Context, cfg *host.ProcessConfig) (host.Process, error) {
	session, err := obj.newSession()
	if err != nil {
		return nil, err
	}

	cmd, pidFile := host.Desugar(cfg)
	channel := obj.channelSeq.Add(1)
	reg := capture.Buffers()

	if cfg.RedirectStdout {
		key := capture.Key{Instance: obj.instance, Channel: channel, Stream: capture.StreamStdout}
		reg.Register(key)
		session.Stdout = reg.Writer(key)
	}
	if cfg.RedirectStderr {
		key := capture.Key{Instance: obj.instance, Channel: channel, Stream: capture.StreamStderr}
		reg.Register(key)
		session.Stderr = reg.Writer(key)
	}

	cleanup := func() {
		reg.RemoveAll(obj.instance, channel)
		session.Close()
	}

	var stdin io.WriteCloser
	if cfg.RedirectStdin {
		// interactive programs want a terminal before they cooperate
		if err := session.RequestPty(obj.pty.Term, int(obj.pty.Rows), int(obj.pty.Cols), obj.pty.Modes); err != nil {
			cleanup()
			return nil, errwrap.Wrapf(err, "could not request a pty")
		}
		if stdin, err = session.StdinPipe(); err != nil {
			cleanup()
			return nil, errwrap.Wrapf(err, "could not pipe stdin")
		}
	}

	if obj.Debug {
		obj.logf("exec: %s", cmd)
	}
	if err := session.Start(cmd); err != nil {
		cleanup()
		return nil, errwrap.Wrapf(err, "could not exec on the channel")
	}

	pid, err := obj.discoverPid(ctx, pidFile)
	if err != nil {
		cleanup()
		return nil, err
	}
	obj.logf("pid %d discovered via %s", pid, pidFile)

	return &process{
		host:    obj,
		session: session,
		stdin:   stdin,
		channel: channel,
		pid:     pid,
	}, nil
}

// Execute runs the config to completion and returns the finished output.
func (obj *Host) Execute(ctx context.Context, cfg *host.ProcessConfig) (*host.FinishedOutput, error) {
	p, err := obj.BeginExecute(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.AwaitExitWithOutput(ctx)
}

// SendSignal delivers a named signal to a remote pid by running the kill
// utility in a session of its own. A non-zero kill status comes back as a
// KillUtilityError.
func (obj *Host) SendSignal(ctx context.Context, signal string, pid uint32) error {
	cmd := "kill -" + signal + " " + strconv.FormatUint(uint64(pid), 10)
	status, err := obj.runCommand(ctx, cmd)
	if err != nil {
		return errwrap.Wrapf(err, "could not run the kill utility")
	}
	if status == nil || *status != 0 {
		return &host.KillUtilityError{StatusCode: status}
	}
	return nil
}

// discoverPid polls the handoff file through this backend's own filesystem
// port until it parses, backing off between attempts and giving up after the
// configured bound. The subshell writes the file before exec'ing the real
// program, so under a well behaved remote the loop terminates quickly; it
// also terminates for a process that has already exited, because the file
// outlives it.
func (obj *Host) discoverPid(ctx context.Context, pidFile string) (uint32, error) {
	var pid uint32
	op := func() error {
		f, err := obj.Open(ctx, pidFile, host.OpenOptions{Read: true})
		if err != nil {
			return err // not written yet, retry
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(content)), 10, 32)
		if err != nil {
			return err // partially written, retry
		}
		pid = uint32(v)
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 20 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = obj.pidPollTimeout
	if err := backoff.Retry(op, backoff.WithContext(eb, ctx)); err != nil {
		return 0, errwrap.Wrapf(err, "could not discover the pid from %s", pidFile)
	}
	return pid, nil
}

// process is the library SSH host.Process implementation. The pid is known
// from construction on and never changes.
type process struct {
	host    *Host
	session *ssh.Session
	channel uint32
	pid     uint32

	mu    sync.Mutex // guards stdin and the wait state below
	stdin io.WriteCloser

	waitOnce sync.Once
	waitCh   chan struct{}
	waitCode *int64
	waitErr  error

	closeOnce sync.Once
}

// ID returns the discovered remote pid.
func (obj *process) ID() (uint32, bool) {
	return obj.pid, true
}

// WriteStdin writes to the channel's input side. Calls are serialized.
func (obj *process) WriteStdin(p []byte) (int, error) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.stdin == nil {
		return 0, host.ErrStdinNotPiped
	}
	return obj.stdin.Write(p)
}

// CloseStdin sends EOF on the channel.
func (obj *process) CloseStdin() error {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.stdin == nil {
		return host.ErrStdinNotPiped
	}
	err := obj.stdin.Close()
	obj.stdin = nil
	return errwrap.Wrapf(err, "could not send eof")
}

// Output snapshots the captured streams. The transport keeps appending while
// we copy; the snapshot is simply a prefix of what has arrived. StdoutExt is
// always empty here: x/crypto/ssh hands a session only extended data of type
// 1 (stderr) and no buffer with a stream of two or higher is ever registered.
func (obj *process) Output() *host.Output {
	reg := capture.Buffers()
	return &host.Output{
		Stdout:    reg.Snapshot(capture.Key{Instance: obj.host.instance, Channel: obj.channel, Stream: capture.StreamStdout}),
		Stderr:    reg.Snapshot(capture.Key{Instance: obj.host.instance, Channel: obj.channel, Stream: capture.StreamStderr}),
		StdoutExt: reg.SnapshotExtended(obj.host.instance, obj.channel),
	}
}

// startWait pumps channel messages in one goroutine until the exit-status
// arrives or the channel closes. Everyone awaits the same completion channel.
func (obj *process) startWait() {
	obj.waitOnce.Do(func() {
		obj.waitCh = make(chan struct{})
		go func() {
			err := obj.session.Wait()
			obj.mu.Lock()
			obj.waitCode, obj.waitErr = exitStatus(err)
			obj.mu.Unlock()
			close(obj.waitCh)
		}()
	})
}

// AwaitExit blocks until the remote process terminates. The exit code is the
// last exit-status message the channel carried, or nothing if the remote
// never sent one.
func (obj *process) AwaitExit(ctx context.Context) (*int64, error) {
	obj.startWait()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-obj.waitCh:
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.waitCode, obj.waitErr
}

// AwaitExitWithOutput blocks until termination and returns the final output.
func (obj *process) AwaitExitWithOutput(ctx context.Context) (*host.FinishedOutput, error) {
	code, err := obj.AwaitExit(ctx)
	if err != nil {
		return nil, err
	}
	return host.FinishOutput(obj.Output(), code), nil
}

// RequestKill sends an SSH signal request for SIGKILL down the channel.
func (obj *process) RequestKill(ctx context.Context) error {
	if err := obj.session.Signal(ssh.SIGKILL); err != nil {
		return errwrap.Wrapf(err, "could not signal the channel")
	}
	return nil
}

// Close removes this handle's capture buffers and releases the channel. The
// remote process is not killed.
func (obj *process) Close() error {
	obj.closeOnce.Do(func() {
		capture.Buffers().RemoveAll(obj.host.instance, obj.channel)
		obj.session.Close()
	})
	return nil
}
