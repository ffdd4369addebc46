// pkg/extract/nested.go - pulls the real installer out of a downloaded container.

package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/mholt/archives"

	"github.com/windowsadmins/autopackager/pkg/blocking"
	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/logging"
)

// commandContext is replaced in tests.
var commandContext = exec.CommandContext

// waitForExit is replaced in tests.
var waitForExit = blocking.WaitForExit

const defaultExtractionTimeout = 10 * time.Minute

// ErrUnsafePath is returned for archive members that would land outside the
// extraction directory.
var ErrUnsafePath = errors.New("archive member escapes extraction directory")

// NestedExtractor runs a descriptor's extraction block.
type NestedExtractor struct {
	// Poll is how often helper processes are checked for exit.
	Poll time.Duration
}

// Extract unpacks installer into dir. vars are the version template
// variables; {installer} and {dir} are added here.
func (n NestedExtractor) Extract(ctx context.Context, x catalog.Extraction, installer, dir string, vars map[string]string) error {
	timeout := x.Timeout
	if timeout <= 0 {
		timeout = defaultExtractionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}

	switch x.Mode {
	case catalog.ExtractArchive:
		return extractArchive(ctx, installer, dir)
	case catalog.ExtractCommand:
		return n.runCommand(ctx, x, installer, dir, vars, timeout)
	default:
		return fmt.Errorf("unknown extraction mode %q", x.Mode)
	}
}

func (n NestedExtractor) runCommand(ctx context.Context, x catalog.Extraction, installer, dir string, vars map[string]string, timeout time.Duration) error {
	all := make(map[string]string, len(vars)+2)
	for k, v := range vars {
		all[k] = v
	}
	all["installer"] = installer
	all["dir"] = dir

	line := catalog.Expand(x.Command, all)
	args, err := shellquote.Split(line)
	if err != nil {
		return fmt.Errorf("invalid extraction command %q: %w", line, err)
	}
	if len(args) == 0 {
		return fmt.Errorf("empty extraction command")
	}

	logging.Info("Running extraction command", "command", args[0], "dir", dir)
	cmd := commandContext(ctx, args[0], args[1:]...)
	cmd.Dir = filepath.Dir(installer)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("extraction timed out after %s: %w", timeout, ctx.Err())
		}
		return fmt.Errorf("extraction command failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	// Self-extractors often hand off to a helper and return early.
	if len(x.WaitFor) > 0 {
		names := make([]string, 0, len(x.WaitFor))
		for _, w := range x.WaitFor {
			names = append(names, catalog.Expand(w, all))
		}
		poll := n.Poll
		if poll <= 0 {
			poll = 2 * time.Second
		}
		if err := waitForExit(ctx, names, poll, timeout); err != nil {
			return fmt.Errorf("extraction helpers did not finish: %w", err)
		}
	}
	return nil
}

// extractArchive unpacks any format mholt/archives can identify.
func extractArchive(ctx context.Context, src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, filepath.Base(src), f)
	if err != nil {
		return fmt.Errorf("unrecognised container %s: %w", filepath.Base(src), err)
	}
	ex, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("%s is not an extractable archive", filepath.Base(src))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}

	root := filepath.Clean(dir)
	count := 0
	err = ex.Extract(ctx, f, func(ctx context.Context, info archives.FileInfo) error {
		target := filepath.Join(root, filepath.FromSlash(info.NameInArchive))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return fmt.Errorf("%s: %w", info.NameInArchive, ErrUnsafePath)
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if info.LinkTarget != "" {
			logging.Debug("Skipping link in archive", "name", info.NameInArchive)
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		count++
		return writeMember(info, target)
	})
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(src), err)
	}
	logging.Debug("Extracted archive", "file", filepath.Base(src), "files", count, "dir", dir)
	return nil
}

func writeMember(info archives.FileInfo, target string) error {
	rc, err := info.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
