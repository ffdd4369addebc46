// pkg/reconcile/reconcile.go - decides whether a packaged version is published
// and links it to the versions it supersedes.
//
// Published entries have no stable identity. An entry belongs to an
// application when its display name starts with the application's base name;
// its version comes from displayVersion or, failing that, from the name.

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/extract"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/retry"
	"github.com/windowsadmins/autopackager/pkg/version"
)

// Entry is a published application as the catalog reports it.
type Entry struct {
	ID             string
	DisplayName    string
	DisplayVersion string
}

// GroupKind is a built-in assignment target.
type GroupKind string

const (
	AllUsers   GroupKind = "all_users"
	AllDevices GroupKind = "all_devices"
)

// Intent is the assignment intent.
type Intent string

const (
	Required  Intent = "required"
	Available Intent = "available"
)

// CreateSpec is everything needed to publish a new entry.
type CreateSpec struct {
	DisplayName      string
	DisplayVersion   string
	Description      string
	Publisher        string
	ArchivePath      string
	Metadata         extract.PackageMetadata
	InstallCommand   string
	UninstallCommand string
	Detection        catalog.Rule
	Architecture     string
	MinimumOS        string
	Icon             []byte // PNG
}

// EntryQuery identifies the entry a create call should have produced.
type EntryQuery struct {
	DisplayName    string
	DisplayVersion string
	// Exclude holds the ids that were published before the create call.
	Exclude []string
}

// Matches reports whether e is the entry q describes.
func (q EntryQuery) Matches(e Entry) bool {
	if e.DisplayName != q.DisplayName {
		return false
	}
	for _, id := range q.Exclude {
		if e.ID == id {
			return false
		}
	}
	if q.DisplayVersion == "" {
		return true
	}
	ev, ok := EntryVersion(e, BaseName(q.DisplayName))
	return ok && version.Compare(ev, q.DisplayVersion) == version.Equal
}

// Catalog is the cloud-side application catalog.
type Catalog interface {
	ListEntries(ctx context.Context, prefix string) ([]Entry, error)
	CreateEntry(ctx context.Context, spec CreateSpec) (Entry, error)
	FindEntry(ctx context.Context, q EntryQuery) (Entry, bool, error)
	CreateSupersedence(ctx context.Context, newID, oldID, supersedenceType string) error
	AssignToGroup(ctx context.Context, id string, group GroupKind, intent Intent) error
}

// MetadataReader reads the metadata embedded in a packaged archive.
type MetadataReader interface {
	ReadMetadata(ctx context.Context, archivePath string) (extract.PackageMetadata, error)
}

// Status is the result class of one reconciliation.
type Status string

const (
	StatusCreated Status = "created"
	StatusSkipped Status = "skipped_existing"
	StatusFailed  Status = "failed"
)

// Outcome is what Reconcile reports for one application.
type Outcome struct {
	App         string
	Status      Status
	ID          string
	DisplayName string
	Version     string
	Superseded  []string // ids of entries linked as superseded
	Reason      string
	Err         error
}

// Options are caller overrides for one reconciliation.
type Options struct {
	// Force publishes even when an entry with the same version exists.
	Force  bool
	Assign []GroupKind
	Intent Intent
}

// ErrNotVisible is returned while a created entry cannot be found yet.
var ErrNotVisible = errors.New("entry not visible")

// sleep waits for d or until ctx is done; replaced in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reconciler compares a packaged version with the published entries.
type Reconciler struct {
	Catalog  Catalog
	Metadata MetadataReader
	// Verify is the retry policy used to look for an entry after a create
	// call reported an error.
	Verify retry.RetryConfig
	// IconDir resolves relative descriptor icon paths.
	IconDir string
}

var (
	versionSuffix = regexp.MustCompile(`\s+\d`)
	nameVersion   = regexp.MustCompile(`\d+(?:\.\d+)*`)
)

// BaseName strips the version and everything after it from a display name.
func BaseName(displayName string) string {
	if loc := versionSuffix.FindStringIndex(displayName); loc != nil {
		return strings.TrimSpace(displayName[:loc[0]])
	}
	return strings.TrimSpace(displayName)
}

// EntryVersion returns the version of a published entry, from its recorded
// version or else from the part of its name after base.
func EntryVersion(e Entry, base string) (string, bool) {
	if v := strings.TrimSpace(e.DisplayVersion); v != "" {
		return v, true
	}
	rest := e.DisplayName
	if len(rest) >= len(base) && strings.EqualFold(rest[:len(base)], base) {
		rest = rest[len(base):]
	}
	if v := nameVersion.FindString(rest); v != "" {
		return v, true
	}
	return "", false
}

// plan is the classification of the published entries.
type plan struct {
	skip   string // reason; empty means create
	older  []Entry
	forced bool
}

func classify(entries []Entry, full, base, candidate string, force bool) plan {
	for _, e := range entries {
		if e.DisplayName != full {
			continue
		}
		ev, _ := EntryVersion(e, base)
		switch version.Compare(candidate, ev) {
		case version.Equal:
			if force {
				return plan{forced: true}
			}
			return plan{skip: fmt.Sprintf("%q already published with version %s", full, ev)}
		case version.Greater:
			return plan{older: []Entry{e}}
		default:
			return plan{skip: fmt.Sprintf("%q is published with version %q which is not older", full, ev)}
		}
	}

	var p plan
	sameVersion := ""
	for _, e := range entries {
		ev, ok := EntryVersion(e, base)
		if !ok {
			logging.Debug("Ignoring entry without version", "entry", e.DisplayName)
			continue
		}
		if version.IsNewer(candidate, ev) {
			p.older = append(p.older, e)
		} else if version.Compare(candidate, ev) == version.Equal {
			sameVersion = e.DisplayName
		}
	}
	if sameVersion != "" {
		if !force {
			return plan{skip: fmt.Sprintf("version %s already published as %q", candidate, sameVersion)}
		}
		p.forced = true
	}
	return p
}

// Reconcile publishes archive as desc at candidate unless an entry with that
// version exists, then links it to every strictly older entry.
func (r *Reconciler) Reconcile(ctx context.Context, desc catalog.Descriptor, archive, candidate string, opts Options) Outcome {
	full := desc.RenderDisplayName(candidate)
	base := BaseName(full)
	out := Outcome{App: desc.ID, DisplayName: full, Version: candidate}
	fail := func(err error) Outcome {
		out.Status, out.Err, out.Reason = StatusFailed, err, err.Error()
		return out
	}

	entries, err := r.Catalog.ListEntries(ctx, base)
	if err != nil {
		return fail(fmt.Errorf("failed to list published entries for %q: %w", base, err))
	}
	logging.Debug("Published entries", "app", desc.ID, "prefix", base, "count", len(entries))

	p := classify(entries, full, base, candidate, opts.Force)
	if p.skip != "" {
		logging.Info("Skipping upload", "app", desc.ID, "reason", p.skip)
		out.Status, out.Reason = StatusSkipped, p.skip
		return out
	}
	if p.forced {
		logging.Warn("Republishing existing version", "app", desc.ID, "version", candidate)
	}

	spec, err := r.buildSpec(ctx, desc, archive, full, candidate)
	if err != nil {
		return fail(err)
	}

	created, err := r.create(ctx, spec, entries)
	if err != nil {
		return fail(err)
	}
	out.Status, out.ID = StatusCreated, created.ID
	logging.Info("Published application", "app", desc.ID, "name", full, "id", created.ID)

	kind := desc.SupersedenceType()
	for _, old := range p.older {
		if old.ID == "" || old.ID == created.ID {
			continue
		}
		if err := r.Catalog.CreateSupersedence(ctx, created.ID, old.ID, kind); err != nil {
			logging.Warn("Failed to create supersedence", "app", desc.ID, "new", created.ID, "old", old.DisplayName, "error", err)
			continue
		}
		out.Superseded = append(out.Superseded, old.ID)
		logging.Info("Supersedes", "app", desc.ID, "old", old.DisplayName, "type", kind)
	}

	intent := opts.Intent
	if intent == "" {
		intent = Required
	}
	for _, g := range opts.Assign {
		if err := r.Catalog.AssignToGroup(ctx, created.ID, g, intent); err != nil {
			logging.Warn("Failed to assign", "app", desc.ID, "group", g, "error", err)
			continue
		}
		logging.Info("Assigned", "app", desc.ID, "group", g, "intent", intent)
	}
	return out
}

// create publishes spec. A create call that errors is not trusted: the
// service sometimes reports failure after the entry was made, so the entry is
// looked up before giving up. Only an entry with the new version that was not
// among existing counts.
func (r *Reconciler) create(ctx context.Context, spec CreateSpec, existing []Entry) (Entry, error) {
	created, createErr := r.Catalog.CreateEntry(ctx, spec)
	if createErr == nil {
		return created, nil
	}
	logging.Warn("Create reported an error, verifying", "name", spec.DisplayName, "error", createErr)

	q := EntryQuery{DisplayName: spec.DisplayName, DisplayVersion: spec.DisplayVersion}
	for _, e := range existing {
		if e.ID != "" {
			q.Exclude = append(q.Exclude, e.ID)
		}
	}

	if err := sleep(ctx, r.Verify.InitialInterval); err != nil {
		return Entry{}, fmt.Errorf("failed to create %q: %w", spec.DisplayName, createErr)
	}
	var found Entry
	err := retry.Retry(ctx, r.Verify, func() error {
		e, ok, err := r.Catalog.FindEntry(ctx, q)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotVisible
		}
		found = e
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("failed to create %q: %w", spec.DisplayName, createErr)
	}
	logging.Info("Entry exists despite create error", "name", spec.DisplayName, "id", found.ID)
	return found, nil
}

func (r *Reconciler) buildSpec(ctx context.Context, desc catalog.Descriptor, archive, full, candidate string) (CreateSpec, error) {
	meta, err := r.Metadata.ReadMetadata(ctx, archive)
	if err != nil {
		return CreateSpec{}, fmt.Errorf("failed to read archive metadata: %w", err)
	}

	productCode := ""
	publisher := desc.Publisher
	if meta.Msi != nil {
		productCode = meta.Msi.ProductCode
		if publisher == "" {
			publisher = meta.Msi.Publisher
		}
	}

	vars := desc.Vars(candidate)
	vars["file"] = meta.SetupFile
	vars["productcode"] = productCode

	detection := desc.Detection.Rule
	if pc, ok := detection.(catalog.ProductCodeRule); ok && pc.ProductCode == "" {
		if productCode == "" {
			return CreateSpec{}, fmt.Errorf("product code detection needs an MSI product code, %s has none", filepath.Base(archive))
		}
		pc.ProductCode = productCode
		detection = pc
	}

	description := desc.Description
	if description == "" {
		description = full
	}

	return CreateSpec{
		DisplayName:      full,
		DisplayVersion:   candidate,
		Description:      description,
		Publisher:        publisher,
		ArchivePath:      archive,
		Metadata:         meta,
		InstallCommand:   catalog.Expand(desc.InstallCommand, vars),
		UninstallCommand: catalog.Expand(desc.UninstallCommand, vars),
		Detection:        detection,
		Architecture:     desc.Architecture,
		MinimumOS:        desc.MinimumOS,
		Icon:             r.icon(desc),
	}, nil
}

// icon loads the descriptor's PNG icon. Problems only cost the icon.
func (r *Reconciler) icon(desc catalog.Descriptor) []byte {
	if desc.Icon == "" {
		return nil
	}
	if !strings.EqualFold(filepath.Ext(desc.Icon), ".png") {
		logging.Warn("Icon is not a PNG, skipping", "app", desc.ID, "icon", desc.Icon)
		return nil
	}
	path := desc.Icon
	if !filepath.IsAbs(path) && r.IconDir != "" {
		path = filepath.Join(r.IconDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logging.Warn("Failed to read icon", "app", desc.ID, "icon", path, "error", err)
		return nil
	}
	return data
}
