//go:build !linux && !darwin

package validator

import (
	"errors"
	"os"
)

var errNoStatfs = errors.New("free space check is not supported on this platform")

func diskFree(string) (uint64, error) {
	return 0, errNoStatfs
}

func canRead(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}

func canWrite(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		f, err := os.CreateTemp(path, ".evmigrate-write-check-*")
		if err != nil {
			return err
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	return f.Close()
}
