//go:build !windows

package utils

// PatchWindowsArgs is a no-op off Windows.
func PatchWindowsArgs() {}
