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
	"fmt"
	"os"
)

// Permissions is the twelve bit POSIX permission set: the nine rwx bits plus
// setuid, setgid and sticky. File type bits are never part of the value.
type Permissions uint32

const (
	PermSetUID Permissions = 0o4000
	PermSetGID Permissions = 0o2000
	PermSticky Permissions = 0o1000

	PermOwnerRead  Permissions = 0o0400
	PermOwnerWrite Permissions = 0o0200
	PermOwnerExec  Permissions = 0o0100

	PermGroupRead  Permissions = 0o0040
	PermGroupWrite Permissions = 0o0020
	PermGroupExec  Permissions = 0o0010

	PermOtherRead  Permissions = 0o0004
	PermOtherWrite Permissions = 0o0002
	PermOtherExec  Permissions = 0o0001

	// permAll is the union of every defined bit.
	permAll Permissions = 0o7777
)

// PermissionsFromMode builds a permission set from raw mode bits. It errors
// if any bit outside of the twelve defined ones is present. Use
// PermissionsRetain for untrusted input such as SFTP file-mode words.
func PermissionsFromMode(mode uint32) (Permissions, error) {
	if extra := Permissions(mode) &^ permAll; extra != 0 {
		return 0, fmt.Errorf("mode %#o contains unknown permission bits %#o", mode, uint32(extra))
	}
	return Permissions(mode), nil
}

// PermissionsRetain builds a permission set from raw mode bits by keeping the
// twelve defined bits and silently dropping everything else. SFTP servers
// deliver full st_mode words including file type bits, so their input goes
// through this rule.
func PermissionsRetain(mode uint32) Permissions {
	return Permissions(mode) & permAll
}

// PermissionsFromFileMode converts an os.FileMode. It errors if the mode
// carries anything besides permission, setuid, setgid and sticky bits.
func PermissionsFromFileMode(mode os.FileMode) (Permissions, error) {
	if mode &^ (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky) != 0 {
		return 0, fmt.Errorf("file mode %v contains non-permission bits", mode)
	}
	return filePermBits(mode), nil
}

// filePermBits maps the permission related bits of an os.FileMode onto the
// POSIX layout, without validating the rest.
func filePermBits(mode os.FileMode) Permissions {
	perms := Permissions(mode.Perm())
	if mode&os.ModeSetuid != 0 {
		perms |= PermSetUID
	}
	if mode&os.ModeSetgid != 0 {
		perms |= PermSetGID
	}
	if mode&os.ModeSticky != 0 {
		perms |= PermSticky
	}
	return perms
}

// Mode returns the raw POSIX mode bits. This conversion is total.
func (obj Permissions) Mode() uint32 {
	return uint32(obj)
}

// FileMode returns the os.FileMode representation, for chmod style calls.
func (obj Permissions) FileMode() os.FileMode {
	mode := os.FileMode(obj & 0o777)
	if obj&PermSetUID != 0 {
		mode |= os.ModeSetuid
	}
	if obj&PermSetGID != 0 {
		mode |= os.ModeSetgid
	}
	if obj&PermSticky != 0 {
		mode |= os.ModeSticky
	}
	return mode
}

// Has reports whether every bit of the given set is present.
func (obj Permissions) Has(perms Permissions) bool {
	return obj&perms == perms
}

// Add returns the union of both sets.
func (obj Permissions) Add(perms Permissions) Permissions {
	return obj | perms
}

// String renders the bits the way ls(1) would, minus the file type column.
func (obj Permissions) String() string {
	b := []byte("rwxrwxrwx")
	for i, bit := range []Permissions{
		PermOwnerRead, PermOwnerWrite, PermOwnerExec,
		PermGroupRead, PermGroupWrite, PermGroupExec,
		PermOtherRead, PermOtherWrite, PermOtherExec,
	} {
		if obj&bit == 0 {
			b[i] = '-'
		}
	}
	// like ls(1), a special bit without the matching x bit is upper case
	if obj&PermSetUID != 0 {
		b[2] = 'S'
		if obj&PermOwnerExec != 0 {
			b[2] = 's'
		}
	}
	if obj&PermSetGID != 0 {
		b[5] = 'S'
		if obj&PermGroupExec != 0 {
			b[5] = 's'
		}
	}
	if obj&PermSticky != 0 {
		b[8] = 'T'
		if obj&PermOtherExec != 0 {
			b[8] = 't'
		}
	}
	return string(b)
}
