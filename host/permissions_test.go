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
	"os"
	"testing"
)

func TestPermissionsRoundTrip1(t *testing.T) {
	modes := []uint32{
		0o0000, 0o0644, 0o0755, 0o4755, 0o2755, 0o1777, 0o7777, 0o0007,
	}
	for _, mode := range modes {
		perms, err := PermissionsFromMode(mode)
		if err != nil {
			t.Errorf("mode %#o: unexpected error: %v", mode, err)
			continue
		}
		if out := perms.Mode(); out != mode {
			t.Errorf("mode %#o round-tripped to %#o", mode, out)
		}
	}
}

func TestPermissionsRejectsUnknownBits1(t *testing.T) {
	for _, mode := range []uint32{0o10000, 0o100644, 0o170000} {
		if _, err := PermissionsFromMode(mode); err == nil {
			t.Errorf("mode %#o: expected an error", mode)
		}
	}
}

func TestPermissionsRetain1(t *testing.T) {
	// a full st_mode word for a setuid regular file
	perms := PermissionsRetain(0o104755)
	if perms != 0o4755 {
		t.Errorf("expected %#o, got %#o", 0o4755, uint32(perms))
	}
}

func TestPermissionsFileMode1(t *testing.T) {
	perms := PermOwnerRead | PermOwnerWrite | PermGroupRead | PermSetGID
	mode := perms.FileMode()
	if mode.Perm() != 0o640 {
		t.Errorf("expected perm 0640, got %#o", uint32(mode.Perm()))
	}
	if mode&os.ModeSetgid == 0 {
		t.Errorf("setgid bit was lost")
	}

	back, err := PermissionsFromFileMode(mode)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if back != perms {
		t.Errorf("expected %#o, got %#o", uint32(perms), uint32(back))
	}
}

func TestPermissionsFileModeRejectsType1(t *testing.T) {
	if _, err := PermissionsFromFileMode(os.ModeDir | 0o755); err == nil {
		t.Errorf("expected an error for a directory mode")
	}
}

func TestPermissionsString1(t *testing.T) {
	tests := []struct {
		perms Permissions
		out   string
	}{
		{0o644, "rw-r--r--"},
		{0o755 | PermSetUID, "rwsr-xr-x"},
		{0o777 | PermSticky, "rwxrwxrwt"},
	}
	for _, test := range tests {
		if out := test.perms.String(); out != test.out {
			t.Errorf("perms %#o: expected %q, got %q", uint32(test.perms), test.out, out)
		}
	}
}

func TestProcessConfigBuilder1(t *testing.T) {
	cfg := NewProcessConfig("/usr/bin/bash").
		Arg("-c").
		Arg("printenv FOO").
		Env("FOO", "bar").
		WorkingDir("/tmp").
		CaptureStdout().
		CaptureStderr().
		AsUser(1000)

	if cfg.Program != "/usr/bin/bash" {
		t.Errorf("program: %s", cfg.Program)
	}
	if len(cfg.Args) != 2 || cfg.Args[0] != "-c" {
		t.Errorf("args: %v", cfg.Args)
	}
	if cfg.Envs["FOO"] != "bar" {
		t.Errorf("envs: %v", cfg.Envs)
	}
	if cfg.Dir != "/tmp" {
		t.Errorf("dir: %s", cfg.Dir)
	}
	if !cfg.RedirectStdout || !cfg.RedirectStderr || cfg.RedirectStdin {
		t.Errorf("redirect flags are wrong")
	}
	if cfg.UID == nil || *cfg.UID != 1000 {
		t.Errorf("uid was not set")
	}
	if cfg.GID != nil || cfg.PGID != nil {
		t.Errorf("gid/pgid should be unset")
	}

	cfg.ClearEnv()
	if len(cfg.Envs) != 0 {
		t.Errorf("clear env did not clear")
	}
}
