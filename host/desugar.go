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
	"sort"
	"strings"

	"github.com/google/uuid"
)

// pidFilePrefix is where the remote subshell writes its pid for the handoff.
const pidFilePrefix = "/tmp/pid-"

// Desugar rewrites a process config into a single POSIX shell command and a
// fresh pid handoff file path. The command has the shape:
//
//	(cd WORKDIR && echo $$ > PIDFILE && K1=V1 K2=V2 exec PROG 'ARG1' 'ARG2')
//
// The working directory section only appears when one is set, and it is
// emitted verbatim: callers escape unusual cd targets themselves. The exec
// keyword makes the program inherit the subshell's pid, which is the pid that
// was already written into the handoff file, so whoever reads the file learns
// the pid of the actual program. Joining with && means a failed cd aborts the
// whole thing instead of running the program somewhere unexpected.
//
// Environment pairs are emitted unquoted in sorted key order, so a given
// config always desugars to the same command except for the pid file name.
// Arguments are individually shell escaped.
func Desugar(cfg *ProcessConfig) (string, string) {
	pidFile := pidFilePrefix + uuid.NewString()
	sections := []string{}

	if cfg.Dir != "" {
		sections = append(sections, "cd "+cfg.Dir)
	}

	sections = append(sections, "echo $$ > "+pidFile)

	execSection := strings.Builder{}
	if len(cfg.Envs) > 0 {
		keys := []string{}
		for k := range cfg.Envs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			execSection.WriteString(k)
			execSection.WriteString("=")
			execSection.WriteString(cfg.Envs[k])
			execSection.WriteString(" ")
		}
	}
	execSection.WriteString("exec ")
	execSection.WriteString(cfg.Program)
	for _, arg := range cfg.Args {
		execSection.WriteString(" ")
		execSection.WriteString(ShellEscape(arg))
	}
	sections = append(sections, execSection.String())

	return "(" + strings.Join(sections, " && ") + ")", pidFile
}

// ShellEscape renders s as a single-quoted POSIX shell token. An embedded
// single quote closes the token, emits a backslashed quote, and reopens it,
// so the token survives any POSIX compliant shell byte for byte.
func ShellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
