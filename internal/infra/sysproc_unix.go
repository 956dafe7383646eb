//go:build !windows

package infra

import "syscall"

// detachedAttr starts the child in its own session, away from the
// launcher's controlling terminal.
func detachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// hiddenAttr is used for short-lived helper commands.
func hiddenAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
