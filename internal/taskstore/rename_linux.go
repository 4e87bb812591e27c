//go:build linux

package taskstore

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// renameNoReplace atomically moves src to dst failing if dst exists.
func renameNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	if err == nil {
		return nil
	}

	// Some filesystems don't support the flag.
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOSYS) {
		return renameCheckExists(src, dst)
	}

	return &os.LinkError{Op: "rename", Old: src, New: dst, Err: err}
}
