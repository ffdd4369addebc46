// pkg/filter/filter.go - selects which catalog applications a run processes

package filter

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/logging"
)

// AppFilter holds the --app and --skip selections.
type AppFilter struct {
	apps []string
	skip []string
}

// NewAppFilter creates an empty filter.
func NewAppFilter() *AppFilter {
	return &AppFilter{}
}

// RegisterFlags registers --app and --skip on fs.
func (f *AppFilter) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringSliceVarP(
		&f.apps,
		"app",
		"a",
		nil,
		"Process only the specified application id(s). "+
			"Can be repeated or given as a comma-separated list.",
	)
	fs.StringSliceVar(
		&f.skip,
		"skip",
		nil,
		"Application id(s) to leave out of the run.",
	)
}

// SetApps sets the selection programmatically.
func (f *AppFilter) SetApps(apps []string) {
	f.apps = apps
}

// SetSkip sets the exclusions programmatically.
func (f *AppFilter) SetSkip(skip []string) {
	f.skip = skip
}

// HasFilter returns true if applications were named explicitly.
func (f *AppFilter) HasFilter() bool {
	return len(f.apps) > 0
}

// Apply returns the descriptors to process. Without --app this is every
// application that updates automatically. Unknown ids are an error.
func (f *AppFilter) Apply(cat *catalog.Catalog) ([]catalog.Descriptor, error) {
	selected, err := cat.Select(clean(f.apps))
	if err != nil {
		return nil, err
	}

	skip := make(map[string]struct{}, len(f.skip))
	for _, id := range clean(f.skip) {
		d, ok := cat.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("unknown application %q in --skip", id)
		}
		skip[d.ID] = struct{}{}
	}

	out := selected[:0]
	for _, d := range selected {
		if _, ok := skip[d.ID]; ok {
			logging.Debug("Skipping application", "app", d.ID)
			continue
		}
		out = append(out, d)
	}

	if f.HasFilter() || len(skip) > 0 {
		logging.Info("Filtered application list", "count", len(out))
	}
	return out, nil
}

func clean(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
