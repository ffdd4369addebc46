// pkg/catalog/strategy.go - discovery strategies, detection rules and extraction settings.

package catalog

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Discovery strategy kinds as written in the catalog.
const (
	KindAPIField       = "api_field"
	KindReleaseAsset   = "release_asset"
	KindPageScrape     = "page_scrape"
	KindBinaryMetadata = "binary_metadata"
	KindStaticFallback = "static_fallback"
)

// Page scrape composition rules.
const (
	RuleDirectTemplate = "direct_template"
	RuleTwoStep        = "two_step"
	RulePickLowest     = "pick_lowest"
)

// Strategy is one way of discovering an application's current version.
// The set of implementations is closed.
type Strategy interface {
	Kind() string
	validate() error
}

// APIField reads the version from a JSON document.
type APIField struct {
	URL         string `yaml:"url"`
	FieldPath   string `yaml:"field_path"`   // dot separated, numeric segments index arrays
	DownloadURL string `yaml:"download_url"` // template
}

// ReleaseAsset picks an asset from the latest GitHub release.
type ReleaseAsset struct {
	Repo         string `yaml:"repo"` // owner/name
	AssetPattern string `yaml:"asset_pattern"`
	APIBase      string `yaml:"api_base"` // GitHub Enterprise or test server
}

// PageScrape applies a regular expression to an HTML page.
type PageScrape struct {
	URL           string `yaml:"url"`
	Pattern       string `yaml:"pattern"`
	Rule          string `yaml:"rule"`
	DownloadURL   string `yaml:"download_url"`
	SecondURL     string `yaml:"second_url"`
	SecondPattern string `yaml:"second_pattern"`
}

// BinaryMetadata downloads first and reads the version from the file.
type BinaryMetadata struct {
	URL string `yaml:"url"`
}

// StaticFallback always uses the descriptor's fallback triple.
type StaticFallback struct{}

func (APIField) Kind() string       { return KindAPIField }
func (ReleaseAsset) Kind() string   { return KindReleaseAsset }
func (PageScrape) Kind() string     { return KindPageScrape }
func (BinaryMetadata) Kind() string { return KindBinaryMetadata }
func (StaticFallback) Kind() string { return KindStaticFallback }

func (s APIField) validate() error {
	if s.URL == "" || s.FieldPath == "" || s.DownloadURL == "" {
		return fmt.Errorf("api_field requires url, field_path and download_url")
	}
	return nil
}

func (s ReleaseAsset) validate() error {
	if s.Repo == "" || s.AssetPattern == "" {
		return fmt.Errorf("release_asset requires repo and asset_pattern")
	}
	return nil
}

func (s PageScrape) validate() error {
	if s.URL == "" || s.Pattern == "" {
		return fmt.Errorf("page_scrape requires url and pattern")
	}
	switch s.Rule {
	case RuleDirectTemplate, RulePickLowest:
		if s.DownloadURL == "" {
			return fmt.Errorf("page_scrape rule %s requires download_url", s.Rule)
		}
	case RuleTwoStep:
		if s.SecondURL == "" || s.SecondPattern == "" {
			return fmt.Errorf("page_scrape rule two_step requires second_url and second_pattern")
		}
	default:
		return fmt.Errorf("unknown page_scrape rule %q", s.Rule)
	}
	return nil
}

func (s BinaryMetadata) validate() error {
	if s.URL == "" {
		return fmt.Errorf("binary_metadata requires url")
	}
	return nil
}

func (StaticFallback) validate() error { return nil }

// Discovery wraps a Strategy so it can be decoded from a "kind" tagged mapping.
type Discovery struct {
	Strategy
}

// UnmarshalYAML decodes the variant named by the kind field.
func (d *Discovery) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}

	var s Strategy
	var err error
	switch head.Kind {
	case KindAPIField:
		var v APIField
		err = node.Decode(&v)
		s = v
	case KindReleaseAsset:
		var v ReleaseAsset
		err = node.Decode(&v)
		s = v
	case KindPageScrape:
		var v PageScrape
		err = node.Decode(&v)
		s = v
	case KindBinaryMetadata:
		var v BinaryMetadata
		err = node.Decode(&v)
		s = v
	case KindStaticFallback:
		s = StaticFallback{}
	case "":
		return fmt.Errorf("line %d: discovery kind is missing", node.Line)
	default:
		return fmt.Errorf("line %d: unknown discovery kind %q", node.Line, head.Kind)
	}
	if err != nil {
		return fmt.Errorf("line %d: %s: %w", node.Line, head.Kind, err)
	}
	d.Strategy = s
	return nil
}

// Detection rule kinds as written in the catalog.
const (
	DetectFile        = "file"
	DetectProductCode = "product_code"
	DetectScript      = "script"
	DetectRegistry    = "registry"
)

// Rule is a detection rule shape. The set of implementations is closed.
type Rule interface {
	Kind() string
}

// FileRule detects an install by a file's existence or version.
type FileRule struct {
	Path     string `yaml:"path"`
	File     string `yaml:"file"`
	Check    string `yaml:"check"`    // exists or version
	Operator string `yaml:"operator"` // e.g. greaterThanOrEqual
	Value    string `yaml:"value"`    // template
}

// ProductCodeRule detects an MSI install. An empty code is taken from the archive.
type ProductCodeRule struct {
	ProductCode string `yaml:"product_code"`
}

// ScriptRule detects an install with a PowerShell script shipped next to the archives.
type ScriptRule struct {
	ScriptPath string `yaml:"script_path"`
}

// RegistryRule detects an install by a registry value.
type RegistryRule struct {
	Key       string `yaml:"key"`
	ValueName string `yaml:"value_name"`
	Check     string `yaml:"check"` // exists, string or version
	Operator  string `yaml:"operator"`
	Value     string `yaml:"value"` // template
}

func (FileRule) Kind() string        { return DetectFile }
func (ProductCodeRule) Kind() string { return DetectProductCode }
func (ScriptRule) Kind() string      { return DetectScript }
func (RegistryRule) Kind() string    { return DetectRegistry }

// Detection wraps a Rule so it can be decoded from a "kind" tagged mapping.
type Detection struct {
	Rule
}

// UnmarshalYAML decodes the variant named by the kind field.
func (d *Detection) UnmarshalYAML(node *yaml.Node) error {
	var head struct {
		Kind string `yaml:"kind"`
	}
	if err := node.Decode(&head); err != nil {
		return err
	}

	var r Rule
	var err error
	switch head.Kind {
	case DetectFile:
		v := FileRule{Check: "exists"}
		err = node.Decode(&v)
		r = v
	case DetectProductCode:
		var v ProductCodeRule
		err = node.Decode(&v)
		r = v
	case DetectScript:
		var v ScriptRule
		err = node.Decode(&v)
		r = v
	case DetectRegistry:
		v := RegistryRule{Check: "exists"}
		err = node.Decode(&v)
		r = v
	default:
		return fmt.Errorf("line %d: unknown detection kind %q", node.Line, head.Kind)
	}
	if err != nil {
		return fmt.Errorf("line %d: %s: %w", node.Line, head.Kind, err)
	}
	d.Rule = r
	return nil
}
