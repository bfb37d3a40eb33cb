package staging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/slipwayhq/slipway/internal/paths"
)

// Copies a file, directory tree, or symlink, returning the number of
// files and links written.
func copyPath(src, dest string) (int, error) {
	info, err := os.Lstat(src)
	if err != nil {
		return 0, err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		if err := copySymlink(src, dest); err != nil {
			return 0, err
		}
		return 1, nil
	case info.IsDir():
		return copyTree(src, dest)
	default:
		if err := copyFile(src, dest, info.Mode().Perm()); err != nil {
			return 0, err
		}
		return 1, nil
	}
}

// Copies a directory tree, preserving permissions and symlinks.
func copyTree(srcDir, destDir string) (int, error) {
	copied := 0

	err := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, relPath)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if err := copySymlink(path, target); err != nil {
				return err
			}
			copied++
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		default:
			if err := copyFile(path, target, info.Mode().Perm()); err != nil {
				return err
			}
			copied++
		}

		return nil
	})

	return copied, err
}

// Copies a regular file, creating parent directories as needed.
func copyFile(src, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), paths.DefaultDirMode); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

// Replicates a symlink, replacing any existing entry at dest.
func copySymlink(src, dest string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(dest), paths.DefaultDirMode); err != nil {
		return err
	}

	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return err
	}

	return os.Symlink(target, dest)
}
