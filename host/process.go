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
)

// ProcessConfig describes a process to be started on a host. It is plain
// data: a program path, ordered args, an environment map, an optional working
// directory, redirection flags for the three standard streams, and optional
// credentials. Once it has been handed to BeginExecute or Execute it must not
// be mutated.
type ProcessConfig struct {
	// Program is the path of the program to run. A bare name is looked up
	// in PATH: by os/exec on the native backend, and by the remote shell's
	// exec builtin on the SSH backends, whose PATH may differ from ours.
	Program string

	// Args is the ordered argument list, not including the program itself.
	Args []string

	// Envs is the set of environment variables to pass to the process.
	// Iteration order of this map is not meaningful.
	Envs map[string]string

	// Dir is the working directory to run in. Empty means unset, in which
	// case the process runs wherever the backend's shell or parent process
	// happens to be.
	Dir string

	// RedirectStdin requests a writable stdin handle for the process.
	RedirectStdin bool

	// RedirectStdout requests that stdout be captured. Without it, stdout
	// is discarded and output snapshots return empty buffers.
	RedirectStdout bool

	// RedirectStderr requests that stderr be captured.
	RedirectStderr bool

	// UID is the user id to run as, if set.
	UID *uint32

	// GID is the group id to run as, if set.
	GID *uint32

	// PGID is the process group id to assign, if set. Only the native
	// backend can honour this directly.
	PGID *uint32
}

// NewProcessConfig builds a config for the given program with everything else
// left at the defaults. The returned value supports chained mutation:
//
//	cfg := host.NewProcessConfig("/usr/bin/echo").Arg("hello").CaptureStdout()
func NewProcessConfig(program string) *ProcessConfig {
	return &ProcessConfig{
		Program: program,
		Envs:    make(map[string]string),
	}
}

// Arg appends a single argument.
func (obj *ProcessConfig) Arg(arg string) *ProcessConfig {
	obj.Args = append(obj.Args, arg)
	return obj
}

// AppendArgs appends a list of arguments in order.
func (obj *ProcessConfig) AppendArgs(args ...string) *ProcessConfig {
	obj.Args = append(obj.Args, args...)
	return obj
}

// Env sets a single environment variable.
func (obj *ProcessConfig) Env(key, value string) *ProcessConfig {
	obj.Envs[key] = value
	return obj
}

// AppendEnvs merges a map of environment variables into the config.
func (obj *ProcessConfig) AppendEnvs(envs map[string]string) *ProcessConfig {
	for k, v := range envs {
		obj.Envs[k] = v
	}
	return obj
}

// ClearEnv removes every environment variable previously set.
func (obj *ProcessConfig) ClearEnv() *ProcessConfig {
	obj.Envs = make(map[string]string)
	return obj
}

// WorkingDir sets the working directory.
func (obj *ProcessConfig) WorkingDir(dir string) *ProcessConfig {
	obj.Dir = dir
	return obj
}

// CaptureStdin requests a writable stdin handle.
func (obj *ProcessConfig) CaptureStdin() *ProcessConfig {
	obj.RedirectStdin = true
	return obj
}

// CaptureStdout requests stdout capture.
func (obj *ProcessConfig) CaptureStdout() *ProcessConfig {
	obj.RedirectStdout = true
	return obj
}

// CaptureStderr requests stderr capture.
func (obj *ProcessConfig) CaptureStderr() *ProcessConfig {
	obj.RedirectStderr = true
	return obj
}

// AsUser sets the uid to run as.
func (obj *ProcessConfig) AsUser(uid uint32) *ProcessConfig {
	obj.UID = &uid
	return obj
}

// AsGroup sets the gid to run as.
func (obj *ProcessConfig) AsGroup(gid uint32) *ProcessConfig {
	obj.GID = &gid
	return obj
}

// InProcessGroup sets the process group id to assign.
func (obj *ProcessConfig) InProcessGroup(pgid uint32) *ProcessConfig {
	obj.PGID = &pgid
	return obj
}

// Output is a point-in-time snapshot of what a running process has written so
// far. The buffers grow monotonically between snapshots until the process
// exits, and a snapshot may cut a line in half.
type Output struct {
	// Stdout is everything captured from the stdout stream.
	Stdout []byte

	// Stderr is everything captured from the stderr stream.
	Stderr []byte

	// StdoutExt holds SSH extended-data streams with type codes of two or
	// higher, keyed by that code. It is always empty for the native
	// backend, and the SSH backends document whether they populate it.
	StdoutExt map[uint32][]byte
}

// FinishedOutput is the final output of a process which has terminated.
type FinishedOutput struct {
	Output

	// StatusCode is the exit code if the backend was able to observe one.
	// It is nil when the process was killed by a signal, when the remote
	// side never sent an exit-status message, or when the backend cannot
	// report exit codes faithfully (the proxy backend).
	StatusCode *int64
}

// FinishOutput joins a live snapshot with an exit code into the final output.
func FinishOutput(output *Output, statusCode *int64) *FinishedOutput {
	if output == nil {
		output = &Output{}
	}
	return &FinishedOutput{
		Output:     *output,
		StatusCode: statusCode,
	}
}

// Process is a handle onto a single process previously started through an
// Executor. The handle owns the captured output buffers for the process:
// calling Close releases them, and it never kills the process itself.
//
// A process moves through starting, running, awaiting-exit and exited states.
// The first AwaitExit or AwaitExitWithOutput call becomes the exclusive
// consumer of the exit event; awaiting is cancel safe, so a call abandoned
// via its context does not lose the exit and a later call observes it.
type Process interface {
	// ID returns the POSIX pid of the process if it is known. For the SSH
	// backends the pid is discovered through the pid handoff file before
	// the process handle is returned, so it is normally always available.
	// Once observed, a pid never changes.
	ID() (uint32, bool)

	// WriteStdin appends bytes to the process's stdin and returns how many
	// were written. It fails with ErrStdinNotPiped if the config did not
	// request stdin redirection. Writes from one handle are serialized.
	WriteStdin(p []byte) (int, error)

	// CloseStdin closes the stdin handle. On the SSH backends this sends
	// channel EOF. It fails with ErrStdinNotPiped if stdin was never piped
	// or was already closed.
	CloseStdin() error

	// Output returns a snapshot of the captured output so far. It never
	// blocks on the process exiting.
	Output() *Output

	// AwaitExit blocks until the process terminates and returns the exit
	// code if one could be observed.
	AwaitExit(ctx context.Context) (*int64, error)

	// AwaitExitWithOutput blocks until the process terminates and returns
	// the final output.
	AwaitExitWithOutput(ctx context.Context) (*FinishedOutput, error)

	// RequestKill asks the backend to kill the process. Implementations
	// that cannot do this fail with ErrKillUnsupported. The proxy backend
	// cannot distinguish a successful kill from a failed one.
	RequestKill(ctx context.Context) error

	// Close releases the output buffers owned by this handle. It does not
	// kill the process.
	Close() error
}

// Executor is the process-producing port of a backend.
type Executor interface {
	// BeginExecute starts the process described by the config and returns
	// a handle for interacting with it. For the SSH backends this does not
	// return until the remote pid has been discovered through the handoff
	// file, or until that discovery fails.
	BeginExecute(ctx context.Context, cfg *ProcessConfig) (Process, error)

	// Execute is the convenience form: start the process, wait for it to
	// terminate, and return the finished output.
	Execute(ctx context.Context, cfg *ProcessConfig) (*FinishedOutput, error)

	// SendSignal delivers the named signal ("KILL", "INT", ...) to the
	// given pid on the host. The backends implement this by running the
	// kill(1) utility, so on the proxy backend a non-zero kill status is
	// indistinguishable from success.
	SendSignal(ctx context.Context, signal string, pid uint32) error
}
