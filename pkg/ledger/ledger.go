// pkg/ledger/ledger.go - checks which versions are already packaged on disk.
//
// The version of a packaged archive is never stored; it is recovered from the
// archive's filename. A filename the scheme cannot parse never counts as up to
// date.

package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/version"
)

// Scheme recovers a dotted version from a filename.
type Scheme interface {
	Extract(filename string) (string, bool)
}

var (
	dottedRun  = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)+`)
	integerRun = regexp.MustCompile(`[0-9]+`)
)

// DottedScheme takes the first dotted-numeric run in the filename, or the
// first bare number when there is none.
type DottedScheme struct{}

// Extract implements Scheme.
func (DottedScheme) Extract(filename string) (string, bool) {
	base := filepath.Base(filename)
	m := dottedRun.FindString(base)
	if m == "" {
		m = integerRun.FindString(base)
	}
	if m == "" {
		return "", false
	}
	return m, true
}

var leadingDigits = regexp.MustCompile(`^[0-9]+`)

// CompactScheme handles forms like 7z2501: a literal prefix followed by the
// version digits without separators. Digits holds the width of each leading
// component; the last component takes whatever remains.
type CompactScheme struct {
	Prefix string
	Digits []int
}

// Extract implements Scheme.
func (s CompactScheme) Extract(filename string) (string, bool) {
	base := filepath.Base(filename)
	if len(base) < len(s.Prefix) || !strings.EqualFold(base[:len(s.Prefix)], s.Prefix) {
		return "", false
	}
	run := leadingDigits.FindString(base[len(s.Prefix):])
	if run == "" {
		return "", false
	}
	return s.expand(run)
}

func (s CompactScheme) expand(run string) (string, bool) {
	var parts []string
	for _, w := range s.Digits {
		if w <= 0 || len(run) <= w {
			break
		}
		parts = append(parts, run[:w])
		run = run[w:]
	}
	parts = append(parts, run)
	return strings.Join(parts, "."), true
}

// Ledger answers questions about one application's archive directory.
type Ledger struct {
	Scheme Scheme
}

// For returns the ledger matching the descriptor's version format.
func For(d catalog.Descriptor) Ledger {
	if d.NonStandardVersion {
		return Ledger{Scheme: CompactScheme{Prefix: d.VersionPrefix, Digits: d.VersionDigits}}
	}
	return Ledger{Scheme: DottedScheme{}}
}

// IsUpToDate reports whether an archive in dir matching glob already holds
// candidate or something newer. A missing or empty directory, or one where no
// filename parses, is never up to date.
func (l Ledger) IsUpToDate(dir, candidate, glob string) bool {
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		logging.Warn("Invalid archive pattern", "dir", dir, "glob", glob, "error", err)
		return false
	}

	for _, path := range matches {
		existing, ok := l.Scheme.Extract(path)
		if !ok {
			logging.Debug("No version in archive filename", "file", filepath.Base(path))
			continue
		}
		switch version.Compare(existing, candidate) {
		case version.Equal, version.Greater:
			logging.Debug("Archive already covers candidate", "file", filepath.Base(path), "existing", existing, "candidate", candidate)
			return true
		}
	}
	return false
}

// VersionOf returns the version embedded in an archive filename.
func (l Ledger) VersionOf(filename string) (string, bool) {
	return l.Scheme.Extract(filename)
}

// Newest returns the most recently modified file in dir matching glob.
func Newest(dir, glob string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, glob))
	if err != nil {
		return "", fmt.Errorf("invalid archive pattern %q: %w", glob, err)
	}

	var newest string
	var newestInfo os.FileInfo
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) {
			newest, newestInfo = path, info
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no archive matching %s in %s: %w", glob, dir, os.ErrNotExist)
	}
	return newest, nil
}
