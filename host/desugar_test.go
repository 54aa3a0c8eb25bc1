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
	"regexp"
	"strings"
	"testing"
)

var pidFileRegexp = regexp.MustCompile(`^/tmp/pid-[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestShellEscape1(t *testing.T) {
	tests := []struct {
		in  string
		out string
	}{
		{"", "''"},
		{"hello", "'hello'"},
		{"two words", "'two words'"},
		{"it's", `'it'\''s'`},
		{"'", `''\'''`},
		{"$HOME", "'$HOME'"},
		{"a\"b", "'a\"b'"},
	}
	for _, test := range tests {
		if out := ShellEscape(test.in); out != test.out {
			t.Errorf("escape of %q: expected %q, got %q", test.in, test.out, out)
		}
	}
}

func TestDesugarShape1(t *testing.T) {
	cfg := NewProcessConfig("/usr/bin/echo").Arg("--help")
	cmd, pidFile := Desugar(cfg)

	if !pidFileRegexp.MatchString(pidFile) {
		t.Errorf("unexpected pid file path: %s", pidFile)
	}
	expected := "(echo $$ > " + pidFile + " && exec /usr/bin/echo '--help')"
	if cmd != expected {
		t.Errorf("expected: %s", expected)
		t.Errorf("got: %s", cmd)
	}
}

func TestDesugarWorkingDir1(t *testing.T) {
	cfg := NewProcessConfig("/usr/bin/pwd").WorkingDir("/tmp")
	cmd, pidFile := Desugar(cfg)

	expected := "(cd /tmp && echo $$ > " + pidFile + " && exec /usr/bin/pwd)"
	if cmd != expected {
		t.Errorf("expected: %s", expected)
		t.Errorf("got: %s", cmd)
	}
}

func TestDesugarEnvOrder1(t *testing.T) {
	cfg := NewProcessConfig("/usr/bin/env")
	cfg.Env("ZZZ", "1").Env("AAA", "2").Env("MMM", "3")
	cmd, _ := Desugar(cfg)

	if !strings.Contains(cmd, "AAA=2 MMM=3 ZZZ=1 exec /usr/bin/env") {
		t.Errorf("env section is not in sorted key order: %s", cmd)
	}

	// same config must desugar identically from the exec keyword on; the
	// env pairs in front of it were checked above
	cmd2, _ := Desugar(cfg)
	i := strings.Index(cmd, "exec ")
	j := strings.Index(cmd2, "exec ")
	if i == -1 || j == -1 || cmd[i:] != cmd2[j:] {
		t.Errorf("desugaring is not deterministic: %s vs %s", cmd, cmd2)
	}
}

func TestDesugarQuotedArgs1(t *testing.T) {
	cfg := NewProcessConfig("/usr/bin/printf")
	cfg.AppendArgs("%s", "don't panic")
	cmd, _ := Desugar(cfg)

	if !strings.HasSuffix(cmd, `exec /usr/bin/printf '%s' 'don'\''t panic')`) {
		t.Errorf("args are not escaped as expected: %s", cmd)
	}
}

func TestDesugarPidFileUniqueness1(t *testing.T) {
	cfg := NewProcessConfig("/bin/true")
	seen := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		_, pidFile := Desugar(cfg)
		if _, exists := seen[pidFile]; exists {
			t.Fatalf("pid file collision after %d iterations: %s", i, pidFile)
		}
		seen[pidFile] = struct{}{}
	}
}
