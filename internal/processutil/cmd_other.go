//go:build !windows

// Package processutil adjusts child processes for the host platform.
package processutil

import "os/exec"

// HideConsoleWindow is a no-op outside Windows.
func HideConsoleWindow(*exec.Cmd) {}
