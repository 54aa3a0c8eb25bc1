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

package sftpfs

import (
	"context"
	"os"
	"testing"

	"github.com/purpleidea/hostlink/host"
)

func TestCheckPath1(t *testing.T) {
	if err := checkPath("/tmp/ordinary"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := checkPath("/tmp/\xff\xfe"); err == nil {
		t.Errorf("expected an error for a non utf-8 path")
	}
}

func TestFileTypeOf1(t *testing.T) {
	tests := []struct {
		mode os.FileMode
		out  host.FileType
	}{
		{0o644, host.TypeFile},
		{os.ModeDir | 0o755, host.TypeDir},
		{os.ModeSymlink | 0o777, host.TypeSymlink},
		{os.ModeSocket | 0o600, host.TypeOther},
		{os.ModeDevice | 0o600, host.TypeOther},
	}
	for _, test := range tests {
		if out := fileTypeOf(test.mode); out != test.out {
			t.Errorf("mode %v: expected %v, got %v", test.mode, test.out, out)
		}
	}
}

func TestRunCheckedCommands1(t *testing.T) {
	recorded := []string{}
	zero := int64(0)
	three := int64(3)

	fs := New(nil, func(ctx context.Context, cmd string) (*int64, error) {
		recorded = append(recorded, cmd)
		if cmd == "rm -r '/tmp/denied'" {
			return &three, nil
		}
		return &zero, nil
	})

	ctx := context.Background()
	if _, err := fs.CopyFile(ctx, "/tmp/a file", "/tmp/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fs.RemoveDirRecursively(ctx, "/tmp/old"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := fs.RemoveDirRecursively(ctx, "/tmp/denied"); err == nil {
		t.Errorf("expected an error for a non-zero status")
	}

	expected := []string{
		"cp '/tmp/a file' '/tmp/b'",
		"rm -r '/tmp/old'",
		"rm -r '/tmp/denied'",
	}
	if len(recorded) != len(expected) {
		t.Fatalf("recorded %d commands: %v", len(recorded), recorded)
	}
	for i, cmd := range expected {
		if recorded[i] != cmd {
			t.Errorf("command %d: expected %q, got %q", i, cmd, recorded[i])
		}
	}
}

func TestRunCheckedMissingStatusIsSuccess1(t *testing.T) {
	fs := New(nil, func(ctx context.Context, cmd string) (*int64, error) {
		return nil, nil // the proxy backend cannot always report a status
	})
	if err := fs.RemoveDirRecursively(context.Background(), "/tmp/x"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
