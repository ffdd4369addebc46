package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/autopackager/pkg/catalog"
)

func touch(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestIsUpToDateDotted(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "app-2.5.0.archive", time.Now())
	l := Ledger{Scheme: DottedScheme{}}

	assert.True(t, l.IsUpToDate(dir, "2.5.0", "*.archive"))
	assert.True(t, l.IsUpToDate(dir, "2.5", "*.archive"))
	assert.True(t, l.IsUpToDate(dir, "2.4.9", "*.archive"))
	assert.False(t, l.IsUpToDate(dir, "2.6.0", "*.archive"))
	assert.False(t, l.IsUpToDate(dir, "Latest", "*.archive"))
}

func TestIsUpToDateArchitectureTokenBeforeVersion(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "Tool-x64-2.1.0.intunewin", time.Now())
	l := Ledger{Scheme: DottedScheme{}}

	assert.True(t, l.IsUpToDate(dir, "2.1.0", "*.intunewin"))
	assert.False(t, l.IsUpToDate(dir, "2.2.0", "*.intunewin"))
	assert.False(t, l.IsUpToDate(dir, "10.0", "*.intunewin"))
}

func TestIsUpToDateEmptyOrMissing(t *testing.T) {
	l := Ledger{Scheme: DottedScheme{}}
	assert.False(t, l.IsUpToDate(t.TempDir(), "1.0", "*.intunewin"))
	assert.False(t, l.IsUpToDate(filepath.Join(t.TempDir(), "absent"), "1.0", "*.intunewin"))
}

func TestIsUpToDateUnparseable(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "zoom-latest.intunewin", time.Now())
	l := Ledger{Scheme: DottedScheme{}}
	assert.False(t, l.IsUpToDate(dir, "6.2.5", "*.intunewin"))
}

func TestDottedSchemeExtract(t *testing.T) {
	tests := map[string]string{
		"Firefox Setup 131.0.3.intunewin":    "131.0.3",
		"npp.8.7.Installer.x64.intunewin":    "8.7",
		"PowerShell-7.4.6-win-x64.intunewin": "7.4.6",
		"ZoomInstallerFull-6.2.5.msi":        "6.2.5",
		"vlc-3.0.21-win64.intunewin":         "3.0.21",
		"Tool-x64-2.1.0.intunewin":           "2.1.0",
		"Tool-arm64-setup-2.1.exe":           "2.1",
		"zoom-6.intunewin":                   "6",
	}
	for name, want := range tests {
		got, ok := DottedScheme{}.Extract(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, got, name)
	}

	_, ok := DottedScheme{}.Extract("latest.intunewin")
	assert.False(t, ok)
}

func TestCompactScheme(t *testing.T) {
	sevenZip := CompactScheme{Prefix: "7z", Digits: []int{2}}
	got, ok := sevenZip.Extract("7z2501-x64.intunewin")
	require.True(t, ok)
	assert.Equal(t, "25.01", got)

	_, ok = sevenZip.Extract("npp.8.7.intunewin")
	assert.False(t, ok)

	reader := CompactScheme{Prefix: "AcroRdrDCx64", Digits: []int{2, 3}}
	got, ok = reader.Extract("AcroRdrDCx642500120432_en_US.intunewin")
	require.True(t, ok)
	assert.Equal(t, "25.001.20432", got)

	dir := t.TempDir()
	touch(t, dir, "7z2409-x64.intunewin", time.Now())
	l := Ledger{Scheme: sevenZip}
	assert.True(t, l.IsUpToDate(dir, "24.09", "7z*-x64.intunewin"))
	assert.False(t, l.IsUpToDate(dir, "25.01", "7z*-x64.intunewin"))
}

func TestFor(t *testing.T) {
	assert.IsType(t, DottedScheme{}, For(catalog.Descriptor{}).Scheme)
	assert.Equal(t,
		CompactScheme{Prefix: "7z", Digits: []int{2}},
		For(catalog.Descriptor{NonStandardVersion: true, VersionPrefix: "7z", VersionDigits: []int{2}}).Scheme)
}

func TestNewest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	touch(t, dir, "app-1.0.intunewin", now.Add(-2*time.Hour))
	want := touch(t, dir, "app-0.9.intunewin", now)
	touch(t, dir, "app-2.0.exe", now.Add(time.Hour))

	got, err := Newest(dir, "*.intunewin")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = Newest(t.TempDir(), "*.intunewin")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
