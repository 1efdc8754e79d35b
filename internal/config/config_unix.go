//go:build !windows

package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openConfigFile opens the file with O_NOFOLLOW to reject symlinks.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errConfigNotFound
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, ErrConfigSymlink
		}
		return nil, err
	}
	return f, nil
}

// checkFileSecurity rejects files writable by group or others and files
// owned by another user.
func checkFileSecurity(info os.FileInfo) error {
	if perm := info.Mode().Perm(); perm&0022 != 0 {
		return fmt.Errorf("%w: %o (group or others can write)", ErrConfigInsecure, perm)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok && stat.Uid != uint32(os.Getuid()) {
		return ErrConfigNotOwnedByUser
	}
	return nil
}
