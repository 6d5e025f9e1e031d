//go:build linux || darwin

package validator

import (
	"golang.org/x/sys/unix"
)

// diskFree returns the bytes available to an unprivileged user on the
// filesystem holding path.
func diskFree(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:gosec
}

func canRead(path string) error {
	return unix.Access(path, unix.R_OK)
}

func canWrite(path string) error {
	return unix.Access(path, unix.W_OK)
}
