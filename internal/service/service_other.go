//go:build !linux

package service

func supported() error { return ErrUnsupported }

// IsRoot always reports false where systemd is unavailable.
func IsRoot() bool { return false }
