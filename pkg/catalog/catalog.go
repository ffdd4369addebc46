// pkg/catalog/catalog.go - the application descriptor catalog.

package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed apps.yaml
var builtinCatalog []byte

// Catalog holds the descriptors keyed by id.
type Catalog struct {
	apps []Descriptor
	byID map[string]int
}

type catalogFile struct {
	Apps []Descriptor `yaml:"apps"`
}

// Builtin returns the catalog compiled into the binary.
func Builtin() (*Catalog, error) {
	return Parse(builtinCatalog)
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Builtin()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{byID: make(map[string]int, len(f.Apps))}
	for _, d := range f.Apps {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(d.ID)
		if _, dup := c.byID[key]; dup {
			return nil, fmt.Errorf("duplicate application id %q", d.ID)
		}
		c.byID[key] = len(c.apps)
		c.apps = append(c.apps, d)
	}
	return c, nil
}

// Apps returns all descriptors in catalog order.
func (c *Catalog) Apps() []Descriptor {
	out := make([]Descriptor, len(c.apps))
	copy(out, c.apps)
	return out
}

// IDs returns the sorted application ids.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.apps))
	for _, d := range c.apps {
		ids = append(ids, d.ID)
	}
	sort.Strings(ids)
	return ids
}

// Lookup finds a descriptor by id, case-insensitively.
func (c *Catalog) Lookup(id string) (Descriptor, bool) {
	i, ok := c.byID[strings.ToLower(id)]
	if !ok {
		return Descriptor{}, false
	}
	return c.apps[i], true
}

// Select returns the descriptors for ids. With no ids it returns every
// application that updates automatically; explicitly named ones are always
// included.
func (c *Catalog) Select(ids []string) ([]Descriptor, error) {
	if len(ids) == 0 {
		var out []Descriptor
		for _, d := range c.apps {
			if d.UpdatesAutomatically() {
				out = append(out, d)
			}
		}
		return out, nil
	}

	var out []Descriptor
	var unknown []string
	seen := make(map[string]bool)
	for _, id := range ids {
		d, ok := c.Lookup(id)
		if !ok {
			unknown = append(unknown, id)
			continue
		}
		if seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		out = append(out, d)
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("unknown application(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
