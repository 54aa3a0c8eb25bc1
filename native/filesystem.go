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
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"time"

	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/util/errwrap"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

// defaultDirMode is what new directories get before umask.
const defaultDirMode = 0o755

// Exists reports whether the path exists.
func (obj *Host) Exists(ctx context.Context, path string) (bool, error) {
	return afero.Exists(obj.fs, path)
}

// Open opens the path with the translated POSIX flag set.
func (obj *Host) Open(ctx context.Context, path string, opts host.OpenOptions) (host.File, error) {
	f, err := obj.fs.OpenFile(path, openFlags(opts), 0o666)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not open %s", path)
	}
	return f, nil
}

// openFlags translates OpenOptions into the os package flag word.
func openFlags(opts host.OpenOptions) int {
	flags := 0
	switch {
	case opts.Read && opts.Write:
		flags = os.O_RDWR
	case opts.Write:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if opts.Append {
		flags |= os.O_APPEND
	}
	if opts.Truncate {
		flags |= os.O_TRUNC
	}
	if opts.Create {
		flags |= os.O_CREATE
	}
	return flags
}

// CreateFile creates an empty regular file.
func (obj *Host) CreateFile(ctx context.Context, path string) error {
	f, err := obj.fs.Create(path)
	if err != nil {
		return errwrap.Wrapf(err, "could not create %s", path)
	}
	return f.Close()
}

// RenameFile renames a file.
func (obj *Host) RenameFile(ctx context.Context, oldPath, newPath string) error {
	return errwrap.Wrapf(obj.fs.Rename(oldPath, newPath), "could not rename %s", oldPath)
}

// CopyFile copies a regular file with a read/write loop and returns the
// number of bytes copied.
func (obj *Host) CopyFile(ctx context.Context, oldPath, newPath string) (*uint64, error) {
	src, err := obj.fs.Open(oldPath)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not open %s", oldPath)
	}
	defer src.Close()
	dst, err := obj.fs.Create(newPath)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not create %s", newPath)
	}
	defer dst.Close()

	n, err := io.Copy(dst, src)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not copy to %s", newPath)
	}
	count := uint64(n)
	return &count, nil
}

// Canonicalize resolves symlinks and returns an absolute path.
func (obj *Host) Canonicalize(ctx context.Context, path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errwrap.Wrapf(err, "could not canonicalize %s", path)
	}
	return filepath.Abs(resolved)
}

// CreateSymlink makes destPath a symlink to srcPath. This goes straight to
// the os package; afero has no symlink creation on its base interface.
func (obj *Host) CreateSymlink(ctx context.Context, srcPath, destPath string) error {
	return errwrap.Wrapf(os.Symlink(srcPath, destPath), "could not symlink %s", destPath)
}

// CreateHardLink makes destPath a hard link to srcPath.
func (obj *Host) CreateHardLink(ctx context.Context, srcPath, destPath string) error {
	return errwrap.Wrapf(os.Link(srcPath, destPath), "could not hard link %s", destPath)
}

// ReadLink returns the target of a symlink.
func (obj *Host) ReadLink(ctx context.Context, path string) (string, error) {
	target, err := os.Readlink(path)
	return target, errwrap.Wrapf(err, "could not read link %s", path)
}

// SetPermissions chmods the path to exactly the given bits.
func (obj *Host) SetPermissions(ctx context.Context, path string, perms host.Permissions) error {
	return errwrap.Wrapf(obj.fs.Chmod(path, perms.FileMode()), "could not chmod %s", path)
}

// RemoveFile unlinks a file.
func (obj *Host) RemoveFile(ctx context.Context, path string) error {
	return errwrap.Wrapf(obj.fs.Remove(path), "could not remove %s", path)
}

// CreateDir creates a single directory.
func (obj *Host) CreateDir(ctx context.Context, path string) error {
	return errwrap.Wrapf(obj.fs.Mkdir(path, defaultDirMode), "could not mkdir %s", path)
}

// CreateDirRecursively creates the directory and any missing parents.
func (obj *Host) CreateDirRecursively(ctx context.Context, path string) error {
	return errwrap.Wrapf(obj.fs.MkdirAll(path, defaultDirMode), "could not mkdir -p %s", path)
}

// ListDir lists a directory.
func (obj *Host) ListDir(ctx context.Context, path string) ([]host.DirEntry, error) {
	infos, err := afero.ReadDir(obj.fs, path)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not list %s", path)
	}
	entries := []host.DirEntry{}
	for _, fi := range infos {
		entries = append(entries, host.DirEntry{
			Name: fi.Name(),
			Type: fileTypeOf(fi.Mode()),
			Path: filepath.Join(path, fi.Name()),
		})
	}
	return entries, nil
}

// RemoveDir removes an empty directory.
func (obj *Host) RemoveDir(ctx context.Context, path string) error {
	return errwrap.Wrapf(obj.fs.Remove(path), "could not rmdir %s", path)
}

// RemoveDirRecursively removes a directory tree.
func (obj *Host) RemoveDirRecursively(ctx context.Context, path string) error {
	return errwrap.Wrapf(obj.fs.RemoveAll(path), "could not remove %s", path)
}

// GetMetadata stats the path, following symlinks.
func (obj *Host) GetMetadata(ctx context.Context, path string) (*host.FileMetadata, error) {
	st := unix.Stat_t{}
	if err := unix.Stat(path, &st); err != nil {
		return nil, errwrap.Wrapf(err, "could not stat %s", path)
	}
	return metadataFromStat(&st), nil
}

// GetSymlinkMetadata stats the path without following symlinks.
func (obj *Host) GetSymlinkMetadata(ctx context.Context, path string) (*host.FileMetadata, error) {
	st := unix.Stat_t{}
	if err := unix.Lstat(path, &st); err != nil {
		return nil, errwrap.Wrapf(err, "could not lstat %s", path)
	}
	return metadataFromStat(&st), nil
}

// fileTypeOf maps an os.FileMode onto the coarse file type.
func fileTypeOf(mode os.FileMode) host.FileType {
	switch {
	case mode.IsRegular():
		return host.TypeFile
	case mode.IsDir():
		return host.TypeDir
	case mode&os.ModeSymlink != 0:
		return host.TypeSymlink
	}
	return host.TypeOther
}

// metadataFromStat normalizes a kernel stat record. The permission bits go
// through the retain-known-bits rule, and the owner and group names are
// resolved best effort. Linux has no portable creation time in stat, so that
// field stays unset.
func metadataFromStat(st *unix.Stat_t) *host.FileMetadata {
	md := &host.FileMetadata{}

	t := statFileType(st.Mode)
	md.Type = &t

	size := uint64(st.Size)
	md.Size = &size

	perms := host.PermissionsRetain(uint32(st.Mode))
	md.Mode = &perms

	mtime := time.Unix(int64(st.Mtim.Sec), int64(st.Mtim.Nsec))
	md.ModTime = &mtime
	atime := time.Unix(int64(st.Atim.Sec), int64(st.Atim.Nsec))
	md.AccessTime = &atime

	uid := st.Uid
	md.UID = &uid
	gid := st.Gid
	md.GID = &gid

	if u, err := user.LookupId(strconv.FormatUint(uint64(st.Uid), 10)); err == nil {
		md.User = &u.Username
	}
	if g, err := user.LookupGroupId(strconv.FormatUint(uint64(st.Gid), 10)); err == nil {
		md.Group = &g.Name
	}

	return md
}

// statFileType maps the type bits of a raw st_mode.
func statFileType(mode uint32) host.FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return host.TypeFile
	case unix.S_IFDIR:
		return host.TypeDir
	case unix.S_IFLNK:
		return host.TypeSymlink
	}
	return host.TypeOther
}
