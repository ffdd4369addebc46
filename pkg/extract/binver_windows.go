//go:build windows

package extract

import (
	"fmt"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/yusufpapurcu/wmi"
	"golang.org/x/sys/windows"

	"github.com/windowsadmins/autopackager/pkg/logging"
)

// exeVersion asks version.dll first, then WMI, then scans the PE resources.
func exeVersion(path string) (string, error) {
	v, err := versionInfo(path)
	if err == nil {
		return v, nil
	}
	logging.Debug("version.dll lookup failed", "file", filepath.Base(path), "error", err)

	if v, err := wmiVersion(path); err == nil && v != "" {
		return v, nil
	}

	return peFileVersion(path)
}

func versionInfo(path string) (string, error) {
	size, err := windows.GetFileVersionInfoSize(path, nil)
	if err != nil {
		return "", fmt.Errorf("GetFileVersionInfoSize: %w", err)
	}
	if size == 0 {
		return "", ErrNoVersion
	}

	info := make([]byte, size)
	if err := windows.GetFileVersionInfo(path, 0, size, unsafe.Pointer(&info[0])); err != nil {
		return "", fmt.Errorf("GetFileVersionInfo: %w", err)
	}

	var fixed *windows.VS_FIXEDFILEINFO
	var fixedLen uint32
	if err := windows.VerQueryValue(unsafe.Pointer(&info[0]), `\`, unsafe.Pointer(&fixed), &fixedLen); err != nil {
		return "", fmt.Errorf("VerQueryValue: %w", err)
	}
	if fixedLen == 0 || fixed == nil || fixed.Signature != vsFixedFileInfoSignature {
		return "", ErrNoVersion
	}
	return formatFileVersion(fixed.FileVersionMS, fixed.FileVersionLS), nil
}

type cimDataFile struct {
	Version string
}

func wmiVersion(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	escaped := strings.ReplaceAll(strings.ReplaceAll(abs, `\`, `\\`), `'`, `\'`)

	var dst []cimDataFile
	query := fmt.Sprintf("SELECT Version FROM CIM_DataFile WHERE Name = '%s'", escaped)
	if err := wmi.Query(query, &dst); err != nil {
		return "", fmt.Errorf("WMI query: %w", err)
	}
	if len(dst) == 0 || dst[0].Version == "" {
		return "", ErrNoVersion
	}
	return dst[0].Version, nil
}
