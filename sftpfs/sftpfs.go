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

// Package sftpfs implements the filesystem port on top of an SFTP client.
// Both SSH backends use it: the library backend hands it an sftp client
// running over its multiplexed connection, and the proxy backend hands it one
// speaking through the pipes of an OpenSSH subprocess. Where the SFTP
// protocol has no primitive (file copy, recursive removal, hard links on
// servers without the extension) the operation is shelled out through the
// owning backend's executor instead.
package sftpfs

import (
	"context"
	"os"
	"path"
	"time"
	"unicode/utf8"

	"github.com/purpleidea/hostlink/host"
	"github.com/purpleidea/hostlink/util/errwrap"

	"github.com/pkg/sftp"
)

// RunFunc executes a shell command on the remote host and returns its exit
// status if one was observed. It is how the filesystem escapes to cp, rm and
// ln when SFTP cannot express an operation.
type RunFunc func(ctx context.Context, cmd string) (*int64, error)

// FS is the SFTP backed filesystem port.
type FS struct {
	// Client is the established sftp client. The pkg/sftp client
	// serializes its own wire access internally.
	Client *sftp.Client

	// Run executes remote shell commands for the operations SFTP cannot
	// express.
	Run RunFunc
}

// New builds an FS from an established client and a command runner.
func New(client *sftp.Client, run RunFunc) *FS {
	return &FS{
		Client: client,
		Run:    run,
	}
}

// checkPath rejects paths that cannot cross the SFTP boundary. The protocol
// carries paths as UTF-8 strings.
func checkPath(p string) error {
	if !utf8.ValidString(p) {
		return errwrap.Wrapf(os.ErrInvalid, "path is not valid utf-8")
	}
	return nil
}

// Exists reports whether the path exists on the remote host. A NOT_FOUND
// status is a false, not an error.
func (obj *FS) Exists(ctx context.Context, p string) (bool, error) {
	if err := checkPath(p); err != nil {
		return false, err
	}
	if _, err := obj.Client.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errwrap.Wrapf(err, "could not stat %s", p)
	}
	return true, nil
}

// Open opens the remote path with the translated flag set.
func (obj *FS) Open(ctx context.Context, p string, opts host.OpenOptions) (host.File, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
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
	f, err := obj.Client.OpenFile(p, flags)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not open %s", p)
	}
	return f, nil
}

// CreateFile creates an empty remote file and closes it again right away.
func (obj *FS) CreateFile(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	f, err := obj.Client.Create(p)
	if err != nil {
		return errwrap.Wrapf(err, "could not create %s", p)
	}
	return f.Close()
}

// RenameFile renames a remote file.
func (obj *FS) RenameFile(ctx context.Context, oldPath, newPath string) error {
	if err := checkPath(oldPath); err != nil {
		return err
	}
	if err := checkPath(newPath); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.Rename(oldPath, newPath), "could not rename %s", oldPath)
}

// CopyFile copies a remote file by shelling out to cp, since SFTP has no copy
// primitive. The byte count is unknown.
func (obj *FS) CopyFile(ctx context.Context, oldPath, newPath string) (*uint64, error) {
	if err := checkPath(oldPath); err != nil {
		return nil, err
	}
	if err := checkPath(newPath); err != nil {
		return nil, err
	}
	cmd := "cp " + host.ShellEscape(oldPath) + " " + host.ShellEscape(newPath)
	if err := obj.runChecked(ctx, cmd); err != nil {
		return nil, err
	}
	return nil, nil
}

// Canonicalize resolves the remote path through the server.
func (obj *FS) Canonicalize(ctx context.Context, p string) (string, error) {
	if err := checkPath(p); err != nil {
		return "", err
	}
	out, err := obj.Client.RealPath(p)
	return out, errwrap.Wrapf(err, "could not canonicalize %s", p)
}

// CreateSymlink makes destPath a symlink to srcPath.
func (obj *FS) CreateSymlink(ctx context.Context, srcPath, destPath string) error {
	if err := checkPath(srcPath); err != nil {
		return err
	}
	if err := checkPath(destPath); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.Symlink(srcPath, destPath), "could not symlink %s", destPath)
}

// CreateHardLink makes destPath a hard link to srcPath. It uses the hardlink
// protocol extension when the server offers it and falls back to running ln.
func (obj *FS) CreateHardLink(ctx context.Context, srcPath, destPath string) error {
	if err := checkPath(srcPath); err != nil {
		return err
	}
	if err := checkPath(destPath); err != nil {
		return err
	}
	if err := obj.Client.Link(srcPath, destPath); err == nil {
		return nil
	}
	cmd := "ln " + host.ShellEscape(srcPath) + " " + host.ShellEscape(destPath)
	return obj.runChecked(ctx, cmd)
}

// ReadLink returns the target of a remote symlink.
func (obj *FS) ReadLink(ctx context.Context, p string) (string, error) {
	if err := checkPath(p); err != nil {
		return "", err
	}
	out, err := obj.Client.ReadLink(p)
	return out, errwrap.Wrapf(err, "could not read link %s", p)
}

// SetPermissions sets exactly the given permission bits via setstat.
func (obj *FS) SetPermissions(ctx context.Context, p string, perms host.Permissions) error {
	if err := checkPath(p); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.Chmod(p, perms.FileMode()), "could not chmod %s", p)
}

// RemoveFile removes a remote file.
func (obj *FS) RemoveFile(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.Remove(p), "could not remove %s", p)
}

// CreateDir creates a single remote directory.
func (obj *FS) CreateDir(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.Mkdir(p), "could not mkdir %s", p)
}

// CreateDirRecursively creates the directory and any missing parents. The
// client walks the components and stats-then-mkdirs each missing one.
func (obj *FS) CreateDirRecursively(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.MkdirAll(p), "could not mkdir -p %s", p)
}

// ListDir lists a remote directory. Entry paths are the listed directory
// joined with each base name.
func (obj *FS) ListDir(ctx context.Context, p string) ([]host.DirEntry, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	infos, err := obj.Client.ReadDir(p)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not list %s", p)
	}
	entries := []host.DirEntry{}
	for _, fi := range infos {
		entries = append(entries, host.DirEntry{
			Name: fi.Name(),
			Type: fileTypeOf(fi.Mode()),
			Path: path.Join(p, fi.Name()),
		})
	}
	return entries, nil
}

// RemoveDir removes an empty remote directory.
func (obj *FS) RemoveDir(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	return errwrap.Wrapf(obj.Client.RemoveDirectory(p), "could not rmdir %s", p)
}

// RemoveDirRecursively removes a remote tree by shelling out to rm, which is
// much cheaper than issuing one SFTP round trip per entry.
func (obj *FS) RemoveDirRecursively(ctx context.Context, p string) error {
	if err := checkPath(p); err != nil {
		return err
	}
	return obj.runChecked(ctx, "rm -r "+host.ShellEscape(p))
}

// GetMetadata stats the remote path, following symlinks.
func (obj *FS) GetMetadata(ctx context.Context, p string) (*host.FileMetadata, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	fi, err := obj.Client.Stat(p)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not stat %s", p)
	}
	return metadataFromInfo(fi), nil
}

// GetSymlinkMetadata stats the remote path without following symlinks.
func (obj *FS) GetSymlinkMetadata(ctx context.Context, p string) (*host.FileMetadata, error) {
	if err := checkPath(p); err != nil {
		return nil, err
	}
	fi, err := obj.Client.Lstat(p)
	if err != nil {
		return nil, errwrap.Wrapf(err, "could not lstat %s", p)
	}
	return metadataFromInfo(fi), nil
}

// runChecked runs a remote command and fails unless it reported success. A
// missing status with no transport error counts as success, which is all the
// proxy backend can promise.
func (obj *FS) runChecked(ctx context.Context, cmd string) error {
	status, err := obj.Run(ctx, cmd)
	if err != nil {
		return errwrap.Wrapf(err, "could not run `%s`", cmd)
	}
	if status != nil && *status != 0 {
		return errwrap.Wrapf(os.ErrInvalid, "`%s` exited with status %d", cmd, *status)
	}
	return nil
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

// metadataFromInfo normalizes an SFTP stat reply. Servers leave out what they
// do not track, so everything stays optional: the raw attribute record is
// only consulted for the fields the wire format actually has. Permission bits
// from the server go through the retain-known-bits rule because the file-mode
// word carries type bits too. SFTP has no creation time and no owner names in
// the attribute record, so those stay unset.
func metadataFromInfo(fi os.FileInfo) *host.FileMetadata {
	md := &host.FileMetadata{}

	t := fileTypeOf(fi.Mode())
	md.Type = &t

	st, ok := fi.Sys().(*sftp.FileStat)
	if !ok {
		return md
	}

	size := st.Size
	md.Size = &size

	perms := host.PermissionsRetain(st.Mode)
	md.Mode = &perms

	if st.Mtime != 0 {
		mtime := time.Unix(int64(st.Mtime), 0)
		md.ModTime = &mtime
	}
	if st.Atime != 0 {
		atime := time.Unix(int64(st.Atime), 0)
		md.AccessTime = &atime
	}

	uid := st.UID
	md.UID = &uid
	gid := st.GID
	md.GID = &gid

	return md
}
