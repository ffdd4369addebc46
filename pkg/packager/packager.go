// pkg/packager/packager.go - wraps IntuneWinAppUtil.exe to build .intunewin archives.

package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/logging"
)

// DefaultToolName is looked up on PATH when no tool path is configured.
const DefaultToolName = "IntuneWinAppUtil.exe"

// commandContext is replaced in tests.
var commandContext = exec.CommandContext

// PackagingError is a non-zero exit from the packaging tool.
type PackagingError struct {
	ExitCode int
	Output   string
	Err      error
}

func (e *PackagingError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("packaging tool exited with code %d: %s", e.ExitCode, e.Output)
	}
	return fmt.Sprintf("packaging tool failed: %v: %s", e.Err, e.Output)
}

func (e *PackagingError) Unwrap() error { return e.Err }

// IntuneWinAppUtil invokes the Microsoft Win32 content prep tool.
type IntuneWinAppUtil struct {
	Path string
}

// New returns a packager for the tool at path, or DefaultToolName when empty.
func New(path string) *IntuneWinAppUtil {
	if path == "" {
		path = DefaultToolName
	}
	return &IntuneWinAppUtil{Path: path}
}

// Pack wraps sourceDir with entryFile as setup file and writes the archive to
// outputDir. It returns the archive path.
func (p *IntuneWinAppUtil) Pack(ctx context.Context, sourceDir, entryFile, outputDir string) (string, error) {
	if _, err := os.Stat(filepath.Join(sourceDir, entryFile)); err != nil {
		return "", fmt.Errorf("setup file %s not found in %s: %w", entryFile, sourceDir, err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	args := []string{"-c", sourceDir, "-s", entryFile, "-o", outputDir, "-q"}
	logging.Info("Packaging", "setup", entryFile, "source", sourceDir)

	cmd := commandContext(ctx, p.Path, args...)
	hideConsoleWindow(cmd)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		pe := &PackagingError{Output: strings.TrimSpace(out.String()), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			pe.ExitCode = exitErr.ExitCode()
		}
		return "", pe
	}

	archive := filepath.Join(outputDir, catalog.ArchiveName(entryFile))
	info, err := os.Stat(archive)
	if err != nil {
		return "", &PackagingError{
			Output: strings.TrimSpace(out.String()),
			Err:    fmt.Errorf("expected archive %s was not produced: %w", filepath.Base(archive), err),
		}
	}
	logging.Info("Packaged", "archive", filepath.Base(archive), "size", humanize.Bytes(uint64(info.Size())))
	return archive, nil
}
