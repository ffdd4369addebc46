//go:build windows

package utils

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// PatchWindowsArgs re-parses the raw Windows command line so that
// os.Args matches what the user typed, including paths with spaces.
//
// Must be called before cobra parses flags.
func PatchWindowsArgs() {
	cmdLinePtr := windows.GetCommandLine()
	if cmdLinePtr == nil {
		return
	}
	var argc int32
	argvPtr, err := windows.CommandLineToArgv(cmdLinePtr, &argc)
	if err != nil || argvPtr == nil || argc < 1 {
		return
	}
	defer windows.LocalFree(windows.Handle(uintptr(unsafe.Pointer(argvPtr))))

	argv := unsafe.Slice((**uint16)(unsafe.Pointer(argvPtr)), argc)
	args := make([]string, 0, argc)
	for _, p := range argv {
		if p != nil {
			args = append(args, windows.UTF16PtrToString(p))
		}
	}
	os.Args = args
}
