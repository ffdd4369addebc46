package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltinCatalog(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	ids := c.IDs()
	assert.Contains(t, ids, "7zip")
	assert.Contains(t, ids, "zoom")

	sevenZip, ok := c.Lookup("7ZIP")
	require.True(t, ok)
	assert.Equal(t, "7-Zip 25.01", sevenZip.RenderDisplayName("25.01"))
	assert.Equal(t, "7z2501-x64.exe", sevenZip.RenderFilename("25.01"))
	assert.Equal(t, []int{2}, sevenZip.VersionDigits)

	scrape, ok := sevenZip.Discovery.Strategy.(PageScrape)
	require.True(t, ok)
	assert.Equal(t, RuleDirectTemplate, scrape.Rule)

	file, ok := sevenZip.Detection.Rule.(FileRule)
	require.True(t, ok)
	assert.Equal(t, "7z.exe", file.File)
	assert.Equal(t, "version", file.Check)

	zoom, _ := c.Lookup("zoom")
	assert.IsType(t, BinaryMetadata{}, zoom.Discovery.Strategy)
	assert.Equal(t, SupersedeReplace, zoom.SupersedenceType())

	reader, _ := c.Lookup("adobereader")
	assert.False(t, reader.UpdatesAutomatically())
	require.NotNil(t, reader.Extraction)
	assert.Equal(t, 10*time.Minute, reader.Extraction.Timeout)
	assert.IsType(t, StaticFallback{}, reader.Discovery.Strategy)
}

func TestSelect(t *testing.T) {
	c, err := Builtin()
	require.NoError(t, err)

	all, err := c.Select(nil)
	require.NoError(t, err)
	for _, d := range all {
		assert.NotEqual(t, "adobereader", d.ID, "manual apps are only run when named")
	}

	picked, err := c.Select([]string{"adobereader", "firefox", "AdobeReader"})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.Equal(t, "adobereader", picked[0].ID)
	assert.Equal(t, "firefox", picked[1].ID)

	_, err = c.Select([]string{"firefox", "notepad"})
	assert.ErrorContains(t, err, "notepad")
}

func TestParseStrategies(t *testing.T) {
	data := []byte(`
apps:
  - id: tool
    display_name: "Tool {major}"
    archive_dir: tool
    filename: "tool-{version}.exe"
    discovery:
      kind: api_field
      url: https://example.com/latest.json
      field_path: releases.0.version
      download_url: "https://example.com/tool-{version}.exe"
    detection:
      kind: registry
      key: HKLM\Software\Tool
      value_name: Version
  - id: other
    display_name: Other
    archive_dir: other
    discovery:
      kind: release_asset
      repo: acme/other
      asset_pattern: 'other-.*\.msi$'
      api_base: http://127.0.0.1:1/
    detection:
      kind: script
      script_path: detect.ps1
`)
	c, err := Parse(data)
	require.NoError(t, err)

	tool, _ := c.Lookup("tool")
	api, ok := tool.Discovery.Strategy.(APIField)
	require.True(t, ok)
	assert.Equal(t, "releases.0.version", api.FieldPath)
	reg, ok := tool.Detection.Rule.(RegistryRule)
	require.True(t, ok)
	assert.Equal(t, "exists", reg.Check)
	assert.Equal(t, "*.intunewin", tool.Glob())
	assert.Equal(t, []string{".exe", ".msi", ".msix"}, tool.Extensions())
	assert.Equal(t, SupersedeUpdate, tool.SupersedenceType())

	other, _ := c.Lookup("other")
	rel, ok := other.Discovery.Strategy.(ReleaseAsset)
	require.True(t, ok)
	assert.Equal(t, "acme/other", rel.Repo)
	assert.Equal(t, ScriptRule{ScriptPath: "detect.ps1"}, other.Detection.Rule)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown kind",
			yaml: `apps: [{id: a, display_name: A, archive_dir: a, filename: a.exe, discovery: {kind: ftp}}]`,
			want: "unknown discovery kind",
		},
		{
			name: "missing kind",
			yaml: `apps: [{id: a, display_name: A, archive_dir: a, filename: a.exe, discovery: {url: x}}]`,
			want: "discovery kind is missing",
		},
		{
			name: "unknown rule",
			yaml: `apps: [{id: a, display_name: A, archive_dir: a, filename: a.exe, discovery: {kind: page_scrape, url: u, pattern: p, rule: guess}}]`,
			want: "unknown page_scrape rule",
		},
		{
			name: "static without fallback",
			yaml: `apps: [{id: a, display_name: A, archive_dir: a, filename: a.exe, discovery: {kind: static_fallback}}]`,
			want: "static_fallback requires a fallback",
		},
		{
			name: "duplicate id",
			yaml: `apps: [{id: a, display_name: A, archive_dir: a, filename: a.exe, discovery: {kind: binary_metadata, url: u}}, {id: A, display_name: A, archive_dir: a, filename: a.exe, discovery: {kind: binary_metadata, url: u}}]`,
			want: "duplicate application id",
		},
		{
			name: "extraction without inner file",
			yaml: `apps: [{id: a, display_name: A, archive_dir: a, filename: a.exe, discovery: {kind: binary_metadata, url: u}, requires_manual_extraction: true, extraction: {mode: command, command: x}}]`,
			want: "extraction.inner_file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
apps:
  - id: only
    display_name: Only {version}
    archive_dir: only
    filename: only-{version}.msi
    discovery: {kind: binary_metadata, url: "https://example.com/only.msi"}
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"only"}, c.IDs())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestTemplates(t *testing.T) {
	d := Descriptor{DisplayName: "Widget {major}", Filename: "widget-{version}-{compact}.exe"}
	assert.Equal(t, "Widget 11", d.RenderDisplayName("11.2.3"))
	assert.Equal(t, "widget-11.2.3-1123.exe", d.RenderFilename("11.2.3"))
	assert.Equal(t, "keep {unknown}", Expand("keep {unknown}", d.Vars("1")))
	assert.Equal(t, "7z2501-x64.intunewin", ArchiveName(filepath.Join("repo", "7zip", "7z2501-x64.exe")))
}
