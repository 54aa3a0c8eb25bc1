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

package sshproxy

import (
	"context"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/purpleidea/hostlink/capture"
	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/util/errwrap"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// BeginExecute runs the desugared form of the config in a shell over the
// multiplex and discovers the remote pid through the handoff file before
// returning. The client subprocess's pipes stand in for the remote streams;
// line reader goroutines feed them into the capture registry under a
// synthetic id, because no OS pid of ours identifies the remote process.
func (obj *Host) BeginExecute(ctx context.Context, cfg *host.ProcessConfig) (host.Process, error) {
	cmd, pidFile := host.Desugar(cfg)
	child := exec.Command(obj.sshCommand, obj.commandArgs("sh -c "+host.ShellEscape(cmd))...)

	var stdout, stderr io.ReadCloser
	var stdin io.WriteCloser
	var err error
	if cfg.RedirectStdout {
		if stdout, err = child.StdoutPipe(); err != nil {
			return nil, errwrap.Wrapf(err, "could not pipe stdout")
		}
	}
	if cfg.RedirectStderr {
		if stderr, err = child.StderrPipe(); err != nil {
			return nil, errwrap.Wrapf(err, "could not pipe stderr")
		}
	}
	if cfg.RedirectStdin {
		if stdin, err = child.StdinPipe(); err != nil {
			return nil, errwrap.Wrapf(err, "could not pipe stdin")
		}
	}

	if obj.Debug {
		obj.logf("exec: %s", cmd)
	}
	if err := child.Start(); err != nil {
		return nil, errwrap.Wrapf(err, "could not start the client")
	}

	synthetic := obj.syntheticSeq.Add(1)
	reg := capture.Buffers()
	p := &process{
		host:      obj,
		child:     child,
		synthetic: synthetic,
		stdin:     stdin,
		eg:        &errgroup.Group{},
	}
	if cfg.RedirectStdout {
		key := capture.Key{Instance: obj.instance, Channel: synthetic, Stream: capture.StreamStdout}
		reg.Register(key)
		rd := stdout
		p.eg.Go(func() error {
			return reg.CaptureLines(key, rd)
		})
	}
	if cfg.RedirectStderr {
		key := capture.Key{Instance: obj.instance, Channel: synthetic, Stream: capture.StreamStderr}
		reg.Register(key)
		rd := stderr
		p.eg.Go(func() error {
			return reg.CaptureLines(key, rd)
		})
	}

	pid, err := obj.discoverPid(ctx, pidFile)
	if err != nil {
		child.Process.Kill() // the remote shell is useless without a pid
		go child.Wait()      // reap it
		p.Close()
		return nil, err
	}
	p.pid = pid
	obj.logf("pid %d discovered via %s", pid, pidFile)

	return p, nil
}

// Execute runs the config to completion and returns the finished output.
// Remember the degradation rule: a successful run reports status zero, but
// any failure reports no status at all, because the client's exit code
// conflates remote failures with its own.
func (obj *Host) Execute(ctx context.Context, cfg *host.ProcessConfig) (*host.FinishedOutput, error) {
	p, err := obj.BeginExecute(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.AwaitExitWithOutput(ctx)
}

// SendSignal delivers a named signal to a remote pid by running the kill
// utility over the multiplex. The helper's exit status is not trustworthy
// here, so only a transport failure is an error.
func (obj *Host) SendSignal(ctx context.Context, signal string, pid uint32) error {
	cmd := "kill -" + signal + " " + strconv.FormatUint(uint64(pid), 10)
	if _, err := obj.runCommand(ctx, cmd); err != nil {
		return errwrap.Wrapf(err, "could not run the kill utility")
	}
	return nil
}

// discoverPid polls the handoff file through the SFTP subsystem until it
// parses, with the same backoff and bound as the library backend.
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

// process is the proxy host.Process implementation.
type process struct {
	host      *Host
	child     *exec.Cmd
	synthetic uint32
	pid       uint32
	eg        *errgroup.Group // capture goroutines

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
	if obj.pid == 0 {
		return 0, false
	}
	return obj.pid, true
}

// WriteStdin writes through the client to the remote shell's stdin.
func (obj *process) WriteStdin(p []byte) (int, error) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.stdin == nil {
		return 0, host.ErrStdinNotPiped
	}
	return obj.stdin.Write(p)
}

// CloseStdin closes the pipe, which the client forwards as EOF.
func (obj *process) CloseStdin() error {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.stdin == nil {
		return host.ErrStdinNotPiped
	}
	err := obj.stdin.Close()
	obj.stdin = nil
	return errwrap.Wrapf(err, "could not close stdin")
}

// Output snapshots the captured streams without waiting for anything.
// StdoutExt is always empty here: the client subprocess only has stdout and
// stderr pipes, so no extended data stream reaches us.
func (obj *process) Output() *host.Output {
	reg := capture.Buffers()
	return &host.Output{
		Stdout:    reg.Snapshot(capture.Key{Instance: obj.host.instance, Channel: obj.synthetic, Stream: capture.StreamStdout}),
		Stderr:    reg.Snapshot(capture.Key{Instance: obj.host.instance, Channel: obj.synthetic, Stream: capture.StreamStderr}),
		StdoutExt: reg.SnapshotExtended(obj.host.instance, obj.synthetic),
	}
}

// startWait reaps the client subprocess once, after the capture goroutines
// have drained the pipes.
func (obj *process) startWait() {
	obj.waitOnce.Do(func() {
		obj.waitCh = make(chan struct{})
		go func() {
			obj.eg.Wait()
			waitErr := obj.child.Wait()
			obj.mu.Lock()
			obj.waitCode, obj.waitErr = awaitedExitStatus(waitErr)
			obj.mu.Unlock()
			close(obj.waitCh)
		}()
	})
}

// awaitedExitStatus implements the exit code policy for awaited processes: a
// clean client exit is status zero, everything else is no status, because a
// non-zero client exit cannot be attributed to the remote program.
func awaitedExitStatus(waitErr error) (*int64, error) {
	if waitErr == nil {
		code := int64(0)
		return &code, nil
	}
	if _, ok := waitErr.(*exec.ExitError); ok {
		return nil, nil
	}
	return nil, errwrap.Wrapf(waitErr, "wait failed")
}

// AwaitExit blocks until the client subprocess is reaped.
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

// RequestKill signals the remote process by pid over the multiplex. Killing
// the local client would just sever the connection and leave the remote
// program running.
func (obj *process) RequestKill(ctx context.Context) error {
	pid, exists := obj.ID()
	if !exists {
		return host.ErrProcessIDNotFound
	}
	return obj.host.SendSignal(ctx, "KILL", pid)
}

// Close removes this handle's capture buffers. The remote process keeps
// running.
func (obj *process) Close() error {
	obj.closeOnce.Do(func() {
		capture.Buffers().RemoveAll(obj.host.instance, obj.synthetic)
	})
	return nil
}
