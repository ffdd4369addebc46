// pkg/resolve/resolve.go - discovers the current version and download location
// of an application.
//
// Each discovery strategy has its own handler. Any handler failure falls back
// to the descriptor's static fallback triple when one is configured.

package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/download"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/version"
)

// maxBodyBytes bounds pages and API documents read during discovery.
const maxBodyBytes = 16 << 20

// ResolvedVersion is the outcome of discovery.
type ResolvedVersion struct {
	Version      string
	DownloadURL  string
	Filename     string
	FromFallback bool
}

// IsPlaceholder reports whether the version is only known after download.
func (r ResolvedVersion) IsPlaceholder() bool {
	return r.Version == version.Latest
}

// ErrNoMatch is returned when a page or document does not contain what the
// strategy looks for.
var ErrNoMatch = errors.New("no match")

// DiscoveryError is returned when discovery fails and no fallback exists.
type DiscoveryError struct {
	App  string
	Kind string
	Err  error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("version discovery for %s (%s) failed: %v", e.App, e.Kind, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Options configures a Resolver.
type Options struct {
	Timeout     time.Duration
	Retries     int
	GitHubToken string
}

// Resolver runs discovery strategies.
type Resolver struct {
	http        *retryablehttp.Client
	githubToken string
}

// New creates a Resolver.
func New(opts Options) *Resolver {
	return &Resolver{
		http:        download.NewHTTPClient(opts.Timeout, opts.Retries),
		githubToken: opts.GitHubToken,
	}
}

// Resolve returns the version, URL and installer filename for desc.
func (r *Resolver) Resolve(ctx context.Context, desc catalog.Descriptor) (ResolvedVersion, error) {
	kind := desc.Discovery.Kind()
	logging.Debug("Resolving version", "app", desc.ID, "strategy", kind)

	var res ResolvedVersion
	var err error
	switch s := desc.Discovery.Strategy.(type) {
	case catalog.APIField:
		res, err = r.apiField(ctx, desc, s)
	case catalog.ReleaseAsset:
		res, err = r.releaseAsset(ctx, s)
	case catalog.PageScrape:
		res, err = r.pageScrape(ctx, desc, s)
	case catalog.BinaryMetadata:
		res = ResolvedVersion{
			Version:     version.Latest,
			DownloadURL: s.URL,
			Filename:    TempFilename(desc),
		}
	case catalog.StaticFallback:
		err = errors.New("static fallback only")
	default:
		err = fmt.Errorf("unsupported discovery strategy %T", s)
	}

	if err == nil {
		err = validate(res)
	}
	if err == nil {
		logging.Info("Resolved version", "app", desc.ID, "version", res.Version, "url", res.DownloadURL)
		return res, nil
	}

	if desc.Fallback == nil {
		return ResolvedVersion{}, &DiscoveryError{App: desc.ID, Kind: kind, Err: err}
	}

	if _, static := desc.Discovery.Strategy.(catalog.StaticFallback); !static {
		logging.Warn("Discovery failed, using fallback", "app", desc.ID, "strategy", kind, "error", err)
	}
	fb := desc.Fallback
	filename := fb.Filename
	if filename == "" {
		filename = desc.RenderFilename(fb.Version)
	}
	return ResolvedVersion{
		Version:      fb.Version,
		DownloadURL:  fb.URL,
		Filename:     filename,
		FromFallback: true,
	}, nil
}

// TempFilename is the name a binary_metadata installer is downloaded under
// before its version is known.
func TempFilename(desc catalog.Descriptor) string {
	ext := filepath.Ext(desc.Filename)
	if ext == "" {
		ext = ".exe"
	}
	return desc.ID + "-latest" + ext
}

func validate(res ResolvedVersion) error {
	if strings.TrimSpace(res.Version) == "" {
		return fmt.Errorf("empty version: %w", ErrNoMatch)
	}
	if res.DownloadURL == "" {
		return fmt.Errorf("empty download url: %w", ErrNoMatch)
	}
	if res.Filename == "" || res.Filename != filepath.Base(res.Filename) || res.Filename == ".." {
		return fmt.Errorf("invalid installer filename %q", res.Filename)
	}
	return nil
}

// get fetches url and returns its body.
func (r *Resolver) get(ctx context.Context, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %w", err)
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &download.StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", url, err)
	}
	return body, nil
}
