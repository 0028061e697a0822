// Package fsutil collects the filesystem primitives the transaction engine,
// distfile cache, and fetcher all need for atomic, cross-device-safe
// publishing: rename with a copy fallback, and recursive tree copies that
// preserve file modes. Grounded verbatim on the teacher's internal/fs.go
// (renameWithFallback, CopyDir, CopyFile), lifted out of the dep-specific
// package into a shared leaf package since this repo has several
// consumers (internal/txn, internal/cache, internal/fetch) instead of the
// teacher's single internal package.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
)

// HasFilepathPrefix reports whether path begins with prefix after both are
// cleaned, guarding against prefix matches that only share a textual
// prefix (e.g. "/var/db/buckosx" must not match prefix "/var/db/buckos").
func HasFilepathPrefix(path, prefix string) bool {
	dir := filepath.Clean(path)
	prefix = filepath.Clean(prefix)
	if dir == prefix {
		return true
	}
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
		if dir == prefix {
			return true
		}
	}
}

// IsDir reports whether name exists and is a directory.
func IsDir(name string) (bool, error) {
	fi, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", name)
	}
	return fi.IsDir(), nil
}

// RenameWithFallback attempts to rename a file or directory, falling back
// to a recursive copy on a cross-device link error (EXDEV), exactly the
// teacher's renameWithFallback. If the fallback copy succeeds, src is still
// removed, emulating normal rename semantics.
func RenameWithFallback(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errors.Wrapf(err, "cannot stat %s", src)
	}

	err = os.Rename(src, dest)
	if err == nil {
		return nil
	}

	terr, ok := err.(*os.LinkError)
	if !ok {
		return errors.Wrapf(err, "cannot rename %s to %s", src, dest)
	}

	var cerr error
	if terr.Err == syscall.EXDEV {
		if fi.IsDir() {
			cerr = CopyDir(src, dest)
		} else {
			cerr = CopyFile(src, dest)
		}
	} else {
		return errors.Wrapf(terr, "link error: cannot rename %s to %s", src, dest)
	}

	if cerr != nil {
		return errors.Wrapf(cerr, "second attempt failed: cannot rename %s to %s", src, dest)
	}
	return errors.Wrapf(os.RemoveAll(src), "cannot delete %s", src)
}

// CopyDir recursively copies src into dest, preserving file modes. Symlinks
// within the tree are recreated with CopySymlink, keeping their targets
// unchanged.
func CopyDir(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errors.Wrapf(err, "cannot stat %s", src)
	}
	if err := os.MkdirAll(dest, fi.Mode()); err != nil {
		return errors.Wrapf(err, "cannot mkdir %s", dest)
	}

	dir, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "cannot open %s", src)
	}
	defer dir.Close()

	objects, err := dir.Readdir(-1)
	if err != nil {
		return errors.Wrapf(err, "cannot read directory %s", dir.Name())
	}

	for _, obj := range objects {
		srcfile := filepath.Join(src, obj.Name())
		destfile := filepath.Join(dest, obj.Name())

		if obj.Mode()&os.ModeSymlink != 0 {
			if err := CopySymlink(srcfile, destfile); err != nil {
				return err
			}
			continue
		}
		if obj.IsDir() {
			if err := CopyDir(srcfile, destfile); err != nil {
				return err
			}
			continue
		}
		if err := CopyFile(srcfile, destfile); err != nil {
			return err
		}
	}
	return nil
}

// CopyFile copies a regular file from src to dest, preserving permission
// bits, exactly the teacher's CopyFile.
func CopyFile(src, dest string) error {
	srcfile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcfile.Close()

	fi, err := srcfile.Stat()
	if err != nil {
		return err
	}

	destfile, err := os.OpenFile(dest, os.O_RDWR|os.O_CREATE|os.O_TRUNC, fi.Mode())
	if err != nil {
		return err
	}
	defer destfile.Close()

	if _, err := io.Copy(destfile, srcfile); err != nil {
		return errors.Wrapf(err, "copying %s to %s", src, dest)
	}
	return nil
}

// CopySymlink recreates the symlink at src (whatever its target) at dest,
// replacing anything already at dest. The target is copied verbatim; no
// staging-prefix rewrite is applied (that is RewriteSymlinkTarget, which
// CopySymlink does not call).
func CopySymlink(src, dest string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return errors.Wrapf(err, "reading symlink %s", src)
	}
	if err := os.RemoveAll(dest); err != nil {
		return errors.Wrapf(err, "clearing destination symlink %s", dest)
	}
	return errors.Wrapf(os.Symlink(target, dest), "creating symlink %s -> %s", dest, target)
}

// RewriteSymlinkTarget rewrites an absolute symlink target under
// stagingPrefix to be rooted at newRoot instead (spec §6's StagedImage
// contract: "symlink targets with the staging-prefix rewrite rule
// applied").
func RewriteSymlinkTarget(target, stagingPrefix, newRoot string) string {
	if stagingPrefix == "" || !HasFilepathPrefix(target, stagingPrefix) {
		return target
	}
	rel := target[len(stagingPrefix):]
	return filepath.Join(newRoot, rel)
}
