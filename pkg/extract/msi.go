// pkg/extract/msi.go - functions for extracting metadata from MSI files.

package extract

import (
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrUnsupported is returned when metadata cannot be read on this platform.
var ErrUnsupported = errors.New("not supported on " + runtime.GOOS)

// execCommand is replaced in tests.
var execCommand = exec.Command

// MsiProperties holds the Property table values autopackager cares about.
type MsiProperties struct {
	ProductName    string
	ProductVersion string
	Manufacturer   string
	ProductCode    string
	UpgradeCode    string
}

const msiPropertyScript = `
$msi = '%s'
$WindowsInstaller = New-Object -ComObject WindowsInstaller.Installer
$db = $WindowsInstaller.GetType().InvokeMember('OpenDatabase', 'InvokeMethod', $null, $WindowsInstaller, @($msi, 0))
$view = $db.OpenView('SELECT * FROM Property')
$view.Execute()

$pairs = @{}
while($rec = $view.Fetch()) {
    $pairs[$rec.StringData(1)] = $rec.StringData(2)
}
$view.Close()
[PSCustomObject]@{
  ProductName    = $pairs["ProductName"]
  ProductVersion = $pairs["ProductVersion"]
  Manufacturer   = $pairs["Manufacturer"]
  ProductCode    = $pairs["ProductCode"]
  UpgradeCode    = $pairs["UpgradeCode"]
} | ConvertTo-Json -Compress
`

// MsiMetadata reads the Property table of an MSI through the Windows Installer
// COM object.
func MsiMetadata(msiPath string) (MsiProperties, error) {
	if runtime.GOOS != "windows" {
		return MsiProperties{}, fmt.Errorf("reading MSI properties: %w", ErrUnsupported)
	}

	script := fmt.Sprintf(msiPropertyScript, strings.ReplaceAll(msiPath, "'", "''"))
	out, err := execCommand("powershell", "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return MsiProperties{}, fmt.Errorf("failed to query MSI %s: %w", msiPath, err)
	}

	var props MsiProperties
	if err := json.Unmarshal(out, &props); err != nil {
		return MsiProperties{}, fmt.Errorf("failed to decode MSI properties: %w", err)
	}
	props.ProductName = strings.TrimSpace(props.ProductName)
	props.ProductVersion = strings.TrimSpace(props.ProductVersion)
	props.Manufacturer = strings.TrimSpace(props.Manufacturer)
	props.ProductCode = strings.TrimSpace(props.ProductCode)
	props.UpgradeCode = strings.TrimSpace(props.UpgradeCode)
	return props, nil
}
