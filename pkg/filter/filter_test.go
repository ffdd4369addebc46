package filter

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/autopackager/pkg/catalog"
)

func ids(ds []catalog.Descriptor) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.ID)
	}
	return out
}

func builtin(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Builtin()
	require.NoError(t, err)
	return cat
}

func TestFlagsParse(t *testing.T) {
	f := NewAppFilter()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--app", "firefox,vlc", "-a", "7zip"}))

	got, err := f.Apply(builtin(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"firefox", "vlc", "7zip"}, ids(got))
	assert.True(t, f.HasFilter())
}

func TestNoFilterSelectsAutoUpdating(t *testing.T) {
	got, err := NewAppFilter().Apply(builtin(t))
	require.NoError(t, err)
	assert.Contains(t, ids(got), "firefox")
	assert.NotContains(t, ids(got), "adobereader")
}

func TestNamedManualApp(t *testing.T) {
	f := NewAppFilter()
	f.SetApps([]string{" adobereader "})
	got, err := f.Apply(builtin(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"adobereader"}, ids(got))
}

func TestSkip(t *testing.T) {
	f := NewAppFilter()
	f.SetSkip([]string{"zoom"})
	got, err := f.Apply(builtin(t))
	require.NoError(t, err)
	assert.NotContains(t, ids(got), "zoom")
	assert.Contains(t, ids(got), "vlc")
}

func TestUnknownApp(t *testing.T) {
	f := NewAppFilter()
	f.SetApps([]string{"notreal"})
	_, err := f.Apply(builtin(t))
	assert.Error(t, err)

	f = NewAppFilter()
	f.SetSkip([]string{"notreal"})
	_, err = f.Apply(builtin(t))
	assert.Error(t, err)
}
