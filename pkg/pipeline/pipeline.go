// pkg/pipeline/pipeline.go - acquires an application's installer and packages it.
//
// Per application: resolve the version, fetch or reuse the installer, run an
// optional nested extraction, remove stale installers and pack the result
// into an .intunewin archive next to the previous ones.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/ledger"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/resolve"
)

// ErrExtraction is wrapped by every nested-installer extraction failure.
var ErrExtraction = errors.New("installer extraction failed")

// Status is the result class of one pipeline run.
type Status string

const (
	StatusSkipped  Status = "skipped"
	StatusPackaged Status = "packaged"
	StatusFailed   Status = "failed"
)

// Outcome is what Run reports for one application.
type Outcome struct {
	App     string
	Status  Status
	Version string
	Path    string // archive path when packaged
	Reason  string // why it was skipped or failed
	Err     error
}

func skipped(app, ver, reason string) Outcome {
	return Outcome{App: app, Status: StatusSkipped, Version: ver, Reason: reason}
}

func failed(app, ver string, err error) Outcome {
	return Outcome{App: app, Status: StatusFailed, Version: ver, Reason: err.Error(), Err: err}
}

// Resolver finds the current version of an application.
type Resolver interface {
	Resolve(ctx context.Context, desc catalog.Descriptor) (resolve.ResolvedVersion, error)
}

// Fetcher downloads url to dest.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string) error
}

// Packer builds an archive of sourceDir with entryFile as setup file.
type Packer interface {
	Pack(ctx context.Context, sourceDir, entryFile, outputDir string) (string, error)
}

// VersionReader reads the version embedded in an installer.
type VersionReader interface {
	ReadVersion(path string) (string, error)
}

// Extractor unpacks a nested installer from a downloaded container.
type Extractor interface {
	Extract(ctx context.Context, x catalog.Extraction, installer, dir string, vars map[string]string) error
}

// Pipeline runs acquisition and packaging for one application at a time.
type Pipeline struct {
	Repo      string
	Resolver  Resolver
	Fetcher   Fetcher
	Packer    Packer
	Versions  VersionReader
	Extractor Extractor
}

// run carries the per-application state through the steps.
type run struct {
	desc      catalog.Descriptor
	dir       string
	version   string
	installer string
	fetched   bool // downloaded during this run
	extracted string
}

// Run executes the pipeline for desc.
func (p *Pipeline) Run(ctx context.Context, desc catalog.Descriptor) Outcome {
	r := &run{desc: desc, dir: desc.Dir(p.Repo)}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return failed(desc.ID, "", fmt.Errorf("failed to create %s: %w", r.dir, err))
	}

	res, err := p.Resolver.Resolve(ctx, desc)
	if err != nil {
		return failed(desc.ID, "", err)
	}
	r.version = res.Version
	r.installer = filepath.Join(r.dir, res.Filename)

	if res.IsPlaceholder() {
		if err := p.fetchAndIdentify(ctx, r, res); err != nil {
			return failed(desc.ID, r.version, err)
		}
	}

	if desc.RequiresManualExtraction && exists(r.installer) {
		if err := p.extract(ctx, r); err != nil {
			return failed(desc.ID, r.version, err)
		}
	}

	if ledger.For(desc).IsUpToDate(r.dir, r.version, desc.Glob()) {
		if r.fetched {
			p.discard(r)
		}
		logging.Info("Already packaged", "app", desc.ID, "version", r.version)
		return skipped(desc.ID, r.version, "already packaged")
	}

	archive := filepath.Join(r.dir, catalog.ArchiveName(r.installer))
	if exists(r.installer) && !r.fetched {
		if exists(archive) {
			logging.Info("Installer and archive present", "app", desc.ID, "archive", filepath.Base(archive))
			return skipped(desc.ID, r.version, "installer and archive present")
		}
		logging.Info("Resuming from existing installer", "app", desc.ID, "installer", filepath.Base(r.installer))
	}

	if !exists(r.installer) {
		if err := p.Fetcher.Fetch(ctx, res.DownloadURL, r.installer); err != nil {
			return failed(desc.ID, r.version, fmt.Errorf("download failed: %w", err))
		}
		r.fetched = true
		if desc.RequiresManualExtraction {
			if err := p.extract(ctx, r); err != nil {
				return failed(desc.ID, r.version, err)
			}
		}
	}

	removeStale(r)

	path, err := p.pack(ctx, r, archive)
	if err != nil {
		return failed(desc.ID, r.version, err)
	}
	return Outcome{App: desc.ID, Status: StatusPackaged, Version: r.version, Path: path}
}

// fetchAndIdentify downloads an installer whose version is only known after
// download and renames it once the version has been read. If the version
// cannot be read the temporary name and placeholder version are kept.
func (p *Pipeline) fetchAndIdentify(ctx context.Context, r *run, res resolve.ResolvedVersion) error {
	if err := p.Fetcher.Fetch(ctx, res.DownloadURL, r.installer); err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	r.fetched = true

	v, err := p.Versions.ReadVersion(r.installer)
	if err != nil || strings.TrimSpace(v) == "" {
		logging.Warn("Could not read installer version, keeping placeholder", "app", r.desc.ID, "file", filepath.Base(r.installer), "error", err)
		return nil
	}
	v = strings.TrimSpace(v)

	name := r.desc.RenderFilename(v)
	if name == "" {
		name = filepath.Base(r.installer)
	}
	target := filepath.Join(r.dir, name)
	if target != r.installer {
		if err := os.Rename(r.installer, target); err != nil {
			return fmt.Errorf("failed to rename %s: %w", filepath.Base(r.installer), err)
		}
	}
	logging.Info("Read installer version", "app", r.desc.ID, "version", v, "installer", name)
	r.installer = target
	r.version = v
	return nil
}

// paths returns the extraction directory and inner installer path.
func (r *run) paths() (string, string) {
	x := r.desc.Extraction
	vars := r.desc.Vars(r.version)
	dirName := x.Dir
	if dirName == "" {
		base := filepath.Base(r.installer)
		dirName = strings.TrimSuffix(base, filepath.Ext(base))
	}
	dir := filepath.Join(r.dir, catalog.Expand(dirName, vars))
	return dir, filepath.Join(dir, catalog.Expand(x.InnerFile, vars))
}

func (p *Pipeline) extract(ctx context.Context, r *run) error {
	dir, inner := r.paths()
	if exists(inner) {
		r.extracted = inner
		return nil
	}
	if p.Extractor == nil {
		return fmt.Errorf("%w: no extractor configured", ErrExtraction)
	}

	logging.Info("Extracting nested installer", "app", r.desc.ID, "container", filepath.Base(r.installer))
	if err := p.Extractor.Extract(ctx, *r.desc.Extraction, r.installer, dir, r.desc.Vars(r.version)); err != nil {
		return fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	if !exists(inner) {
		return fmt.Errorf("%w: expected %s after extraction", ErrExtraction, inner)
	}
	r.extracted = inner
	return nil
}

// discard removes what this run downloaded when it turned out not to be needed.
func (p *Pipeline) discard(r *run) {
	if err := os.Remove(r.installer); err != nil && !os.IsNotExist(err) {
		logging.Warn("Failed to remove download", "file", r.installer, "error", err)
	}
	if r.extracted != "" {
		dir, _ := r.paths()
		if err := os.RemoveAll(dir); err != nil {
			logging.Warn("Failed to remove extraction directory", "dir", dir, "error", err)
		}
	}
}

// removeStale deletes sibling installers other than the current one. Archives
// are never removed.
func removeStale(r *run) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		logging.Warn("Failed to list archive directory", "dir", r.dir, "error", err)
		return
	}
	keep := filepath.Base(r.installer)
	for _, e := range entries {
		if e.IsDir() || strings.EqualFold(e.Name(), keep) || !isInstaller(e.Name(), r.desc.Extensions()) {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		if err := os.Remove(path); err != nil {
			logging.Warn("Failed to remove stale installer", "file", e.Name(), "error", err)
			continue
		}
		logging.Info("Removed stale installer", "app", r.desc.ID, "file", e.Name())
	}
}

func isInstaller(name string, exts []string) bool {
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, catalog.ArchiveExt) {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(ext, e) {
			return true
		}
	}
	return false
}

// pack builds the archive and makes sure it carries the installer's name so
// the ledger can recover the version from it.
func (p *Pipeline) pack(ctx context.Context, r *run, archive string) (string, error) {
	source, entry := r.dir, filepath.Base(r.installer)
	if r.extracted != "" {
		dir, _ := r.paths()
		rel, err := filepath.Rel(dir, r.extracted)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExtraction, err)
		}
		source, entry = dir, rel
	}

	produced, err := p.Packer.Pack(ctx, source, entry, r.dir)
	if err != nil {
		return "", fmt.Errorf("packaging failed: %w", err)
	}
	if filepath.Clean(produced) != filepath.Clean(archive) {
		if err := os.Rename(produced, archive); err != nil {
			return "", fmt.Errorf("failed to rename %s: %w", filepath.Base(produced), err)
		}
	}
	logging.Info("Packaged application", "app", r.desc.ID, "version", r.version, "archive", filepath.Base(archive))
	return archive, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
