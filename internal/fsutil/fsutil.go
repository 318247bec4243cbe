// Package fsutil holds the recursive copy, move and delete helpers shared
// by topology operations.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/narvanalabs/searchnode/internal/models"
)

// SkipFunc reports whether the entry at rel (relative to the copy source)
// should be left out of a copy. Skipping a directory skips its contents.
type SkipFunc func(rel string, d fs.DirEntry) bool

// CopyTree copies the directory tree at src to dst, preserving file modes.
// dst is created when missing; existing files in dst are overwritten.
// Symlinks are recreated, not followed.
func CopyTree(src, dst string, skip SkipFunc) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("copying %s: not a directory", src)
	}

	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && skip != nil && skip(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			fi, err := d.Info()
			if err != nil {
				return err
			}
			return mkdir(target, fi.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			// sockets, devices and pipes have no meaning in a node tree
			return nil
		}
	})
}

func copyFile(from, to string) error {
	fi, err := os.Stat(from)
	if err != nil {
		return err
	}
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return models.NewPermissionDenied(to, err)
		}
		return err
	}
	_, err = io.Copy(out, in)
	cerr := out.Close()
	if err != nil {
		return err
	}
	return cerr
}

func mkdir(dir string, perm fs.FileMode) error {
	if err := os.MkdirAll(dir, perm|0o700); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return models.NewPermissionDenied(dir, err)
		}
		return err
	}
	return nil
}

// RemoveTree deletes path and everything below it. A path that is already
// missing counts as removed.
func RemoveTree(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// MoveTree renames src to dst, falling back to copy and remove when the
// rename crosses filesystems. The parent of dst is created as needed.
func MoveTree(src, dst string) error {
	if err := mkdir(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) || Exists(dst) {
		return fmt.Errorf("moving %s to %s: %w", src, dst, err)
	}

	if err := CopyTree(src, dst, nil); err != nil {
		_ = RemoveTree(dst)
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return RemoveTree(src)
}

// EmptyDir removes the contents of dir, leaving dir itself in place.
func EmptyDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := RemoveTree(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// IsEmptyDir reports whether dir is missing or contains no entries.
func IsEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
