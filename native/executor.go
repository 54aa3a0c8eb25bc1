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

package native

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/purpleidea/hostlink/capture"
	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/util/errwrap"

	"golang.org/x/sync/errgroup"
)

// BeginExecute spawns the configured program as a direct child and returns a
// handle onto it. Captured streams are read by per-stream goroutines which
// append whole lines into the capture registry under the child's pid.
func (obj *Host) BeginExecute(ctx context.Context, cfg *host.ProcessConfig) (host.Process, error) {
	cmd := obj.buildCmd(cfg)

	var stdout, stderr io.ReadCloser
	var err error
	if cfg.RedirectStdout {
		if stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, errwrap.Wrapf(err, "could not pipe stdout")
		}
	}
	if cfg.RedirectStderr {
		if stderr, err = cmd.StderrPipe(); err != nil {
			return nil, errwrap.Wrapf(err, "could not pipe stderr")
		}
	}
	var stdin io.WriteCloser
	if cfg.RedirectStdin {
		if stdin, err = cmd.StdinPipe(); err != nil {
			return nil, errwrap.Wrapf(err, "could not pipe stdin")
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, errwrap.Wrapf(err, "could not spawn %s", cfg.Program)
	}
	pid := uint32(cmd.Process.Pid)
	obj.logf("spawned %s as pid %d", cfg.Program, pid)

	reg := capture.Buffers()
	p := &process{
		host:  obj,
		cmd:   cmd,
		pid:   pid,
		stdin: stdin,
		eg:    &errgroup.Group{},
	}
	if cfg.RedirectStdout {
		key := capture.Key{Instance: obj.instance, Channel: pid, Stream: capture.StreamStdout}
		reg.Register(key)
		rd := stdout
		p.eg.Go(func() error {
			return reg.CaptureLines(key, rd)
		})
	}
	if cfg.RedirectStderr {
		key := capture.Key{Instance: obj.instance, Channel: pid, Stream: capture.StreamStderr}
		reg.Register(key)
		rd := stderr
		p.eg.Go(func() error {
			return reg.CaptureLines(key, rd)
		})
	}

	return p, nil
}

// Execute runs the program to completion and returns its finished output.
// The capture registry is not involved: the streams are collected into plain
// buffers the way a one-shot command runner would. Cancelling the context
// kills the child.
func (obj *Host) Execute(ctx context.Context, cfg *host.ProcessConfig) (*host.FinishedOutput, error) {
	cmd := obj.buildCmd(cfg)

	var stdout, stderr bytes.Buffer
	if cfg.RedirectStdout {
		cmd.Stdout = &stdout
	}
	if cfg.RedirectStderr {
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, errwrap.Wrapf(err, "could not spawn %s", cfg.Program)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()
	var waitErr error
	select {
	case <-ctx.Done():
		cmd.Process.Kill() // best effort
		<-waitCh
		return nil, ctx.Err()
	case waitErr = <-waitCh:
	}

	code, err := exitCode(waitErr)
	if err != nil {
		return nil, err
	}
	output := &host.Output{
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		StdoutExt: make(map[uint32][]byte),
	}
	return host.FinishOutput(output, code), nil
}

// SendSignal delivers a named signal to a pid by running the kill utility, so
// that all three backends signal the same way. A non-zero helper status comes
// back as a KillUtilityError.
func (obj *Host) SendSignal(ctx context.Context, signal string, pid uint32) error {
	cfg := host.NewProcessConfig("kill").
		Arg("-" + signal).
		Arg(strconv.FormatUint(uint64(pid), 10))
	out, err := obj.Execute(ctx, cfg)
	if err != nil {
		return errwrap.Wrapf(err, "could not run the kill utility")
	}
	if out.StatusCode == nil || *out.StatusCode != 0 {
		return &host.KillUtilityError{StatusCode: out.StatusCode}
	}
	return nil
}

// buildCmd translates a process config into an os/exec command. Unset streams
// land on /dev/null rather than being inherited.
func (obj *Host) buildCmd(cfg *host.ProcessConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Program, cfg.Args...)
	if len(cfg.Envs) > 0 {
		env := os.Environ()
		for k, v := range cfg.Envs {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	if cfg.UID != nil || cfg.GID != nil || cfg.PGID != nil {
		attr := &syscall.SysProcAttr{}
		if cfg.UID != nil || cfg.GID != nil {
			cred := &syscall.Credential{
				Uid: uint32(os.Getuid()),
				Gid: uint32(os.Getgid()),
			}
			if cfg.UID != nil {
				cred.Uid = *cfg.UID
			}
			if cfg.GID != nil {
				cred.Gid = *cfg.GID
			}
			attr.Credential = cred
		}
		if cfg.PGID != nil {
			attr.Setpgid = true
			attr.Pgid = int(*cfg.PGID)
		}
		cmd.SysProcAttr = attr
	}
	return cmd
}

// exitCode maps a Wait error onto the optional exit code. A signal death has
// no code. Anything that is not an exit status is a real error.
func exitCode(waitErr error) (*int64, error) {
	if waitErr == nil {
		code := int64(0)
		return &code, nil
	}
	exitErr, ok := waitErr.(*exec.ExitError)
	if !ok {
		return nil, errwrap.Wrapf(waitErr, "wait failed")
	}
	if exitErr.ExitCode() < 0 {
		return nil, nil // killed by a signal
	}
	code := int64(exitErr.ExitCode())
	return &code, nil
}

// process is the native host.Process implementation.
type process struct {
	host  *Host
	cmd   *exec.Cmd
	pid   uint32
	eg    *errgroup.Group // capture goroutines

	mu    sync.Mutex // guards stdin and the wait state below
	stdin io.WriteCloser

	waitOnce sync.Once
	waitCh   chan struct{}
	waitCode *int64
	waitErr  error

	closeOnce sync.Once
}

// ID returns the child's pid.
func (obj *process) ID() (uint32, bool) {
	return obj.pid, true
}

// WriteStdin writes to the child's stdin. Calls are serialized.
func (obj *process) WriteStdin(p []byte) (int, error) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.stdin == nil {
		return 0, host.ErrStdinNotPiped
	}
	return obj.stdin.Write(p)
}

// CloseStdin closes the stdin pipe, delivering EOF to the child.
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
func (obj *process) Output() *host.Output {
	reg := capture.Buffers()
	return &host.Output{
		Stdout:    reg.Snapshot(capture.Key{Instance: obj.host.instance, Channel: obj.pid, Stream: capture.StreamStdout}),
		Stderr:    reg.Snapshot(capture.Key{Instance: obj.host.instance, Channel: obj.pid, Stream: capture.StreamStderr}),
		StdoutExt: make(map[uint32][]byte), // never populated natively
	}
}

// startWait arranges for exactly one goroutine to reap the child. Every
// awaiter then blocks on the same channel, which makes awaiting cancel safe.
func (obj *process) startWait() {
	obj.waitOnce.Do(func() {
		obj.waitCh = make(chan struct{})
		go func() {
			// drain the pipes first: Wait closes them, and it must
			// not race the capture goroutines out of trailing bytes
			obj.eg.Wait()
			waitErr := obj.cmd.Wait()
			obj.mu.Lock()
			obj.waitCode, obj.waitErr = exitCode(waitErr)
			obj.mu.Unlock()
			close(obj.waitCh)
		}()
	})
}

// AwaitExit blocks until the child is reaped and returns its exit code if one
// exists.
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

// AwaitExitWithOutput blocks until the child is reaped and returns the final
// output.
func (obj *process) AwaitExitWithOutput(ctx context.Context) (*host.FinishedOutput, error) {
	code, err := obj.AwaitExit(ctx)
	if err != nil {
		return nil, err
	}
	return host.FinishOutput(obj.Output(), code), nil
}

// RequestKill sends SIGKILL to the child. Killing an already reaped child
// fails the same way every time.
func (obj *process) RequestKill(ctx context.Context) error {
	if err := obj.cmd.Process.Kill(); err != nil {
		return errwrap.Wrapf(err, "could not kill pid %d", obj.pid)
	}
	return nil
}

// Close removes this handle's capture buffers. The child keeps running.
func (obj *process) Close() error {
	obj.closeOnce.Do(func() {
		capture.Buffers().RemoveAll(obj.host.instance, obj.pid)
	})
	return nil
}

// String is for debug output.
func (obj *process) String() string {
	return fmt.Sprintf("native process pid %d", obj.pid)
}
