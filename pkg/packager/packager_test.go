package packager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess stands in for IntuneWinAppUtil.exe.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	flags := map[string]string{}
	for i := 0; i+1 < len(args); i++ {
		if strings.HasPrefix(args[i], "-") {
			flags[args[i]] = args[i+1]
		}
	}

	switch os.Getenv("HELPER_MODE") {
	case "ok":
		stem := strings.TrimSuffix(flags["-s"], filepath.Ext(flags["-s"]))
		_ = os.WriteFile(filepath.Join(flags["-o"], stem+".intunewin"), []byte("archive"), 0644)
		fmt.Println("Done!!!")
	case "silent":
	case "fail":
		fmt.Println("ERROR: setup file not supported")
		os.Exit(2)
	}
	os.Exit(0)
}

func useHelper(t *testing.T, mode string) *[]string {
	t.Helper()
	var seen []string
	orig := commandContext
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		seen = append([]string{name}, args...)
		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	t.Cleanup(func() { commandContext = orig })
	return &seen
}

func setupSource(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "widget-2.5.0.msi"), []byte("msi"), 0644))
	return dir
}

func TestPack(t *testing.T) {
	seen := useHelper(t, "ok")
	src := setupSource(t)

	archive, err := New(`C:\tools\IntuneWinAppUtil.exe`).Pack(context.Background(), src, "widget-2.5.0.msi", src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(src, "widget-2.5.0.intunewin"), archive)
	assert.FileExists(t, archive)
	assert.Equal(t, []string{`C:\tools\IntuneWinAppUtil.exe`, "-c", src, "-s", "widget-2.5.0.msi", "-o", src, "-q"}, *seen)
}

func TestPackNonZeroExit(t *testing.T) {
	useHelper(t, "fail")
	src := setupSource(t)

	_, err := New("").Pack(context.Background(), src, "widget-2.5.0.msi", src)
	var pe *PackagingError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 2, pe.ExitCode)
	assert.Contains(t, pe.Output, "not supported")
}

func TestPackNoArchiveProduced(t *testing.T) {
	useHelper(t, "silent")
	src := setupSource(t)

	_, err := New("").Pack(context.Background(), src, "widget-2.5.0.msi", src)
	var pe *PackagingError
	require.True(t, errors.As(err, &pe))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPackMissingSetupFile(t *testing.T) {
	seen := useHelper(t, "ok")
	_, err := New("").Pack(context.Background(), t.TempDir(), "missing.exe", t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, *seen)
}

func TestNewDefaultsToolName(t *testing.T) {
	assert.Equal(t, DefaultToolName, New("").Path)
}
