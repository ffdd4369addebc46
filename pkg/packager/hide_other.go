//go:build !windows

package packager

import "os/exec"

func hideConsoleWindow(*exec.Cmd) {}
