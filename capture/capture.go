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

// Package capture is the process wide registry of output buffers for running
// processes. Each buffer is keyed by which backend instance owns it, which
// process (channel) it belongs to, and which stream of that process it
// carries. Capture goroutines append to the buffers while user code takes
// snapshots of them; a buffer lives from Register until Remove, and appends
// arriving after Remove are silently dropped. That drop is the only race the
// registry allows.
package capture

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	// StreamStdout is the stream index for stdout.
	StreamStdout uint32 = 0

	// StreamStderr is the stream index for stderr. It matches the SSH
	// extended data type code for stderr.
	StreamStderr uint32 = 1

	// Stream indexes of two or higher are SSH extended data type codes,
	// carried through verbatim.
)

// Key addresses one buffer. Instance is the backend instance the process was
// started through, Channel identifies the process within that instance (an
// SSH channel counter, a synthetic id, or an OS pid for the native backend),
// and Stream picks the stream. Instance ids come from NextInstance so keys
// are unique across every concurrently live handle in the process.
type Key struct {
	Instance uint16
	Channel  uint32
	Stream   uint32
}

// buffer is one append-only byte buffer. The registry map is lock free; the
// bytes themselves are guarded per buffer.
type buffer struct {
	mu sync.Mutex
	b  []byte
}

// Registry maps keys to buffers. Use Buffers for the shared instance.
type Registry struct {
	m *xsync.MapOf[Key, *buffer]
}

// registry is the process wide singleton.
var registry = &Registry{
	m: xsync.NewMapOf[Key, *buffer](),
}

// instanceSeq allocates backend instance ids.
var instanceSeq atomic.Uint32

// Buffers returns the process wide registry.
func Buffers() *Registry {
	return registry
}

// NextInstance allocates a fresh backend instance id. Instance ids wrap after
// 65536 backend constructions, long after any earlier instance's handles are
// gone.
func NextInstance() uint16 {
	return uint16(instanceSeq.Add(1))
}

// Register inserts an empty buffer for the key. Registering a key twice
// keeps the existing buffer.
func (obj *Registry) Register(key Key) {
	obj.m.LoadOrStore(key, &buffer{})
}

// Append concatenates p onto the buffer for key. If the key was removed (or
// never registered) the bytes are dropped.
func (obj *Registry) Append(key Key, p []byte) {
	buf, exists := obj.m.Load(key)
	if !exists {
		return
	}
	buf.mu.Lock()
	buf.b = append(buf.b, p...)
	buf.mu.Unlock()
}

// Snapshot returns a copy of everything appended to the key so far, or nil if
// the key is not registered. The copy reflects a prefix of the completed
// appends at the time of the call.
func (obj *Registry) Snapshot(key Key) []byte {
	buf, exists := obj.m.Load(key)
	if !exists {
		return nil
	}
	buf.mu.Lock()
	out := make([]byte, len(buf.b))
	copy(out, buf.b)
	buf.mu.Unlock()
	return out
}

// SnapshotExtended returns copies of every extended data buffer (stream >= 2)
// registered for the given instance and channel, keyed by the extended data
// type code. The result is empty, never nil.
func (obj *Registry) SnapshotExtended(instance uint16, channel uint32) map[uint32][]byte {
	out := make(map[uint32][]byte)
	obj.m.Range(func(key Key, _ *buffer) bool {
		if key.Instance == instance && key.Channel == channel && key.Stream >= 2 {
			if b := obj.Snapshot(key); b != nil {
				out[key.Stream] = b
			}
		}
		return true
	})
	return out
}

// Remove deletes the buffer for the key. Later appends to it are dropped.
func (obj *Registry) Remove(key Key) {
	obj.m.Delete(key)
}

// RemoveAll deletes every buffer of the given instance and channel, including
// extended data buffers.
func (obj *Registry) RemoveAll(instance uint16, channel uint32) {
	obj.m.Range(func(key Key, _ *buffer) bool {
		if key.Instance == instance && key.Channel == channel {
			obj.m.Delete(key)
		}
		return true
	})
}

// Writer adapts a key into an io.Writer which appends to its buffer. Writes
// after Remove succeed and are dropped, which lets transports keep writing
// harmlessly while a handle is being torn down.
func (obj *Registry) Writer(key Key) io.Writer {
	return &keyWriter{registry: obj, key: key}
}

type keyWriter struct {
	registry *Registry
	key      Key
}

func (obj *keyWriter) Write(p []byte) (int, error) {
	obj.registry.Append(obj.key, p)
	return len(p), nil
}

// CaptureLines reads r line by line and appends each line plus a trailing
// newline to the key's buffer, until EOF or a read error. It blocks, so run
// it in its own goroutine. The scanner error is returned so supervisors can
// surface broken pipes; EOF returns nil.
func (obj *Registry) CaptureLines(key Key, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		p := make([]byte, 0, len(line)+1)
		p = append(p, line...)
		p = append(p, '\n')
		obj.Append(key, p)
	}
	return scanner.Err()
}
