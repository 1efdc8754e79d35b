//go:build windows

package config

import "os"

// openConfigFile opens the file. Windows has no O_NOFOLLOW.
func openConfigFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errConfigNotFound
		}
		return nil, err
	}
	return f, nil
}

// checkFileSecurity is a no-op; Windows uses ACLs.
func checkFileSecurity(_ os.FileInfo) error {
	return nil
}
