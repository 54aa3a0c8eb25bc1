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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/purpleidea/hostlink/host"
)

func TestExists1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()

	exists, err := h.Exists(ctx, filepath.Join(dir, "nope"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Errorf("missing path reported as existing")
	}

	path := filepath.Join(dir, "file")
	if err := h.CreateFile(ctx, path); err != nil {
		t.Fatalf("could not create: %v", err)
	}
	exists, err = h.Exists(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !exists {
		t.Errorf("created path reported as missing")
	}

	md, err := h.GetMetadata(ctx, path)
	if err != nil {
		t.Fatalf("could not stat: %v", err)
	}
	if md.Type == nil || *md.Type != host.TypeFile {
		t.Errorf("created path is not a regular file")
	}
}

func TestOpenReadWrite1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	path := filepath.Join(t.TempDir(), "file")

	f, err := h.Open(ctx, path, host.OpenOptions{Write: true, Create: true})
	if err != nil {
		t.Fatalf("could not open for write: %v", err)
	}
	if _, err := f.Write([]byte("payload")); err != nil {
		t.Fatalf("could not write: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("could not close: %v", err)
	}

	f, err = h.Open(ctx, path, host.OpenOptions{Read: true})
	if err != nil {
		t.Fatalf("could not open for read: %v", err)
	}
	defer f.Close()
	buf := make([]byte, 16)
	n, _ := f.Read(buf)
	if string(buf[:n]) != "payload" {
		t.Errorf("unexpected content: %q", string(buf[:n]))
	}
}

func TestSymlink1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")

	if err := h.CreateFile(ctx, target); err != nil {
		t.Fatalf("could not create: %v", err)
	}
	if err := h.CreateSymlink(ctx, target, link); err != nil {
		t.Fatalf("could not symlink: %v", err)
	}

	out, err := h.ReadLink(ctx, link)
	if err != nil {
		t.Fatalf("could not readlink: %v", err)
	}
	if out != target {
		t.Errorf("expected %s, got %s", target, out)
	}

	md, err := h.GetSymlinkMetadata(ctx, link)
	if err != nil {
		t.Fatalf("could not lstat: %v", err)
	}
	if md.Type == nil || *md.Type != host.TypeSymlink {
		t.Errorf("lstat did not see a symlink")
	}

	md, err = h.GetMetadata(ctx, link)
	if err != nil {
		t.Fatalf("could not stat: %v", err)
	}
	if md.Type == nil || *md.Type != host.TypeFile {
		t.Errorf("stat did not follow the symlink")
	}
}

func TestHardLink1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "hard")

	if err := os.WriteFile(target, []byte("data"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := h.CreateHardLink(ctx, target, link); err != nil {
		t.Fatalf("could not hard link: %v", err)
	}
	out, err := os.ReadFile(link)
	if err != nil || string(out) != "data" {
		t.Errorf("hard link does not read back: %q, %v", string(out), err)
	}
}

func TestPermissionsRoundTripOnDisk1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	path := filepath.Join(t.TempDir(), "file")
	if err := h.CreateFile(ctx, path); err != nil {
		t.Fatalf("could not create: %v", err)
	}

	want := host.PermOwnerRead | host.PermOtherExec
	if err := h.SetPermissions(ctx, path, want); err != nil {
		t.Fatalf("could not chmod: %v", err)
	}
	md, err := h.GetMetadata(ctx, path)
	if err != nil {
		t.Fatalf("could not stat: %v", err)
	}
	if md.Mode == nil || *md.Mode != want {
		t.Errorf("expected %#o, got %+v", uint32(want), md.Mode)
	}
}

func TestCreateDirRecursively1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")

	if err := h.CreateDirRecursively(ctx, nested); err != nil {
		t.Fatalf("could not mkdir -p: %v", err)
	}
	for _, p := range []string{filepath.Join(dir, "a"), nested} {
		md, err := h.GetMetadata(ctx, p)
		if err != nil {
			t.Fatalf("could not stat %s: %v", p, err)
		}
		if *md.Type != host.TypeDir {
			t.Errorf("%s is not a directory", p)
		}
	}

	entries, err := h.ListDir(ctx, dir)
	if err != nil {
		t.Fatalf("could not list: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "a" && e.Type == host.TypeDir && e.Path == filepath.Join(dir, "a") {
			found = true
		}
	}
	if !found {
		t.Errorf("listing of %s does not contain the new dir: %+v", dir, entries)
	}
}

func TestCopyFile1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	if err := os.WriteFile(src, []byte("abcdef"), 0o644); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	n, err := h.CopyFile(ctx, src, dst)
	if err != nil {
		t.Fatalf("could not copy: %v", err)
	}
	if n == nil || *n != 6 {
		t.Errorf("expected 6 bytes copied, got %+v", n)
	}
	out, err := os.ReadFile(dst)
	if err != nil || string(out) != "abcdef" {
		t.Errorf("copy does not read back: %q, %v", string(out), err)
	}
}

func TestRemoveDirRecursively1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()
	nested := filepath.Join(dir, "x", "y")
	if err := h.CreateDirRecursively(ctx, nested); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := h.CreateFile(ctx, filepath.Join(nested, "f")); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := h.RemoveDirRecursively(ctx, filepath.Join(dir, "x")); err != nil {
		t.Fatalf("could not remove tree: %v", err)
	}
	exists, err := h.Exists(ctx, filepath.Join(dir, "x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Errorf("tree still exists")
	}
}

func TestCanonicalize1(t *testing.T) {
	ctx := context.Background()
	h := New(nil)
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	link := filepath.Join(dir, "alias")
	if err := h.CreateFile(ctx, target); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if err := h.CreateSymlink(ctx, target, link); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	out, err := h.Canonicalize(ctx, link)
	if err != nil {
		t.Fatalf("could not canonicalize: %v", err)
	}
	want, err := filepath.EvalSymlinks(target) // the tmp dir itself may be a symlink
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if out != want {
		t.Errorf("expected %s, got %s", want, out)
	}
}
