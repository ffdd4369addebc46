// pkg/catalog/descriptor.go - application descriptors and their templates.

package catalog

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/windowsadmins/autopackager/pkg/version"
)

// ArchiveExt is the extension of packaged Intune archives.
const ArchiveExt = ".intunewin"

// Supersedence types.
const (
	SupersedeUpdate  = "update"
	SupersedeReplace = "replace"
)

// Extraction modes.
const (
	ExtractCommand = "command"
	ExtractArchive = "archive"
)

var defaultInstallerExtensions = []string{".exe", ".msi", ".msix"}

// Descriptor is the static record describing one application.
type Descriptor struct {
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"` // template: {version} {major} {minor} {compact}
	Publisher   string `yaml:"publisher"`
	Description string `yaml:"description"`

	ArchiveDir  string `yaml:"archive_dir"`
	ArchiveGlob string `yaml:"archive_glob"`
	Filename    string `yaml:"filename"` // installer filename template

	InstallerExtensions []string `yaml:"installer_extensions"`

	Discovery Discovery `yaml:"discovery"`
	Fallback  *Fallback `yaml:"fallback"`

	InstallCommand   string    `yaml:"install_command"`   // template: {file} {productcode} {version}
	UninstallCommand string    `yaml:"uninstall_command"` // same tokens
	Detection        Detection `yaml:"detection"`

	AutoUpdate *bool `yaml:"auto_update"`

	// Compact version forms such as 7z2501. VersionDigits holds the width of
	// each leading component; the last component takes the remaining digits.
	NonStandardVersion bool   `yaml:"non_standard_version"`
	VersionPrefix      string `yaml:"version_prefix"`
	VersionDigits      []int  `yaml:"version_digits"`

	RequiresManualExtraction bool        `yaml:"requires_manual_extraction"`
	Extraction               *Extraction `yaml:"extraction"`

	Supersedence string `yaml:"supersedence"`
	Icon         string `yaml:"icon"`
	Architecture string `yaml:"architecture"`
	MinimumOS    string `yaml:"minimum_os"`
}

// Fallback is the static (url, version, filename) triple used when discovery fails.
type Fallback struct {
	URL      string `yaml:"url"`
	Version  string `yaml:"version"`
	Filename string `yaml:"filename"` // defaults to the descriptor filename template
}

// Extraction describes how to get the real installer out of a downloaded container.
type Extraction struct {
	Mode      string        `yaml:"mode"`
	Command   string        `yaml:"command"`    // template: {installer} {dir}
	Dir       string        `yaml:"dir"`        // template, relative to the archive dir
	InnerFile string        `yaml:"inner_file"` // template, relative to Dir
	WaitFor   []string      `yaml:"wait_for"`   // helper processes to wait on
	Timeout   time.Duration `yaml:"timeout"`
}

// UpdatesAutomatically reports whether a full run includes this application.
func (d Descriptor) UpdatesAutomatically() bool {
	return d.AutoUpdate == nil || *d.AutoUpdate
}

// Extensions returns the installer extensions cleaned up by the pipeline.
func (d Descriptor) Extensions() []string {
	if len(d.InstallerExtensions) == 0 {
		return defaultInstallerExtensions
	}
	return d.InstallerExtensions
}

// Glob returns the archive filename pattern.
func (d Descriptor) Glob() string {
	if d.ArchiveGlob == "" {
		return "*" + ArchiveExt
	}
	return d.ArchiveGlob
}

// Dir returns the application's archive directory under repo.
func (d Descriptor) Dir(repo string) string {
	return filepath.Join(repo, d.ArchiveDir)
}

// SupersedenceType returns update unless the descriptor asks for replace.
func (d Descriptor) SupersedenceType() string {
	if strings.EqualFold(d.Supersedence, SupersedeReplace) {
		return SupersedeReplace
	}
	return SupersedeUpdate
}

// Vars returns the template variables for a version.
func (d Descriptor) Vars(v string) map[string]string {
	return map[string]string{
		"version": v,
		"major":   version.Major(v),
		"minor":   version.Minor(v),
		"compact": version.Compact(v),
	}
}

// RenderDisplayName renders the display name for a version.
func (d Descriptor) RenderDisplayName(v string) string {
	return Expand(d.DisplayName, d.Vars(v))
}

// RenderFilename renders the installer filename for a version.
func (d Descriptor) RenderFilename(v string) string {
	return Expand(d.Filename, d.Vars(v))
}

// ArchiveName returns the archive filename produced for an installer.
func ArchiveName(installer string) string {
	base := filepath.Base(installer)
	return strings.TrimSuffix(base, filepath.Ext(base)) + ArchiveExt
}

// Expand replaces {name} tokens with vars. Unknown tokens are left alone.
func Expand(tpl string, vars map[string]string) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tpl)
}

// Validate checks the descriptor for missing required fields.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("descriptor without id")
	}
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%s: %s", d.ID, fmt.Sprintf(format, args...))
	}

	if d.DisplayName == "" {
		return fail("display_name is required")
	}
	if d.ArchiveDir == "" {
		return fail("archive_dir is required")
	}
	if d.Discovery.Strategy == nil {
		return fail("discovery is required")
	}
	if err := d.Discovery.validate(); err != nil {
		return fail("%v", err)
	}

	switch s := d.Discovery.Strategy.(type) {
	case StaticFallback:
		if d.Fallback == nil {
			return fail("static_fallback requires a fallback")
		}
	case ReleaseAsset:
	case PageScrape:
		if s.Rule != RuleTwoStep && d.Filename == "" {
			return fail("filename is required")
		}
	default:
		if d.Filename == "" {
			return fail("filename is required")
		}
	}

	if d.Fallback != nil {
		if d.Fallback.URL == "" || d.Fallback.Version == "" {
			return fail("fallback requires url and version")
		}
		if d.Fallback.Filename == "" && d.Filename == "" {
			return fail("fallback requires a filename")
		}
	}

	if d.RequiresManualExtraction {
		x := d.Extraction
		if x == nil || x.InnerFile == "" {
			return fail("manual extraction requires extraction.inner_file")
		}
		switch x.Mode {
		case ExtractCommand:
			if x.Command == "" {
				return fail("extraction mode command requires a command")
			}
		case ExtractArchive:
		default:
			return fail("unknown extraction mode %q", x.Mode)
		}
	}

	if d.NonStandardVersion && d.VersionPrefix == "" {
		return fail("non_standard_version requires version_prefix")
	}

	switch strings.ToLower(d.Supersedence) {
	case "", SupersedeUpdate, SupersedeReplace:
	default:
		return fail("unknown supersedence %q", d.Supersedence)
	}
	return nil
}
