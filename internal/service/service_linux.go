//go:build linux

package service

import "os"

func supported() error { return nil }

// IsRoot reports whether the process can write system units.
func IsRoot() bool {
	return os.Getuid() == 0
}
