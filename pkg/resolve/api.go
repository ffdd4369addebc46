// pkg/resolve/api.go - api_field and release_asset discovery.

package resolve

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-github/v74/github"
	"github.com/valyala/fastjson"

	"github.com/windowsadmins/autopackager/pkg/catalog"
)

// apiField reads the version from a JSON document.
func (r *Resolver) apiField(ctx context.Context, desc catalog.Descriptor, s catalog.APIField) (ResolvedVersion, error) {
	body, err := r.get(ctx, s.URL)
	if err != nil {
		return ResolvedVersion{}, err
	}

	v, err := lookupField(body, s.FieldPath)
	if err != nil {
		return ResolvedVersion{}, err
	}

	vars := desc.Vars(v)
	return ResolvedVersion{
		Version:     v,
		DownloadURL: catalog.Expand(s.DownloadURL, vars),
		Filename:    catalog.Expand(desc.Filename, vars),
	}, nil
}

// lookupField walks a dot separated path through a JSON document. Numeric
// segments index arrays.
func lookupField(body []byte, path string) (string, error) {
	var p fastjson.Parser
	doc, err := p.ParseBytes(body)
	if err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	v := doc.Get(strings.Split(path, ".")...)
	if v == nil {
		return "", fmt.Errorf("field %q: %w", path, ErrNoMatch)
	}

	switch v.Type() {
	case fastjson.TypeString:
		return string(v.GetStringBytes()), nil
	case fastjson.TypeNumber:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %q is a %s, not a version", path, v.Type())
	}
}

// releaseAsset looks at the latest GitHub release of a repository.
func (r *Resolver) releaseAsset(ctx context.Context, s catalog.ReleaseAsset) (ResolvedVersion, error) {
	owner, repo, ok := strings.Cut(s.Repo, "/")
	if !ok || owner == "" || repo == "" {
		return ResolvedVersion{}, fmt.Errorf("invalid repository %q, want owner/name", s.Repo)
	}
	pattern, err := compile(s.AssetPattern)
	if err != nil {
		return ResolvedVersion{}, err
	}

	gh := github.NewClient(r.http.StandardClient())
	if r.githubToken != "" {
		gh = gh.WithAuthToken(r.githubToken)
	}
	if s.APIBase != "" {
		base := s.APIBase
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return ResolvedVersion{}, fmt.Errorf("invalid api_base %q: %w", s.APIBase, err)
		}
		gh.BaseURL = u
	}

	release, _, err := gh.Repositories.GetLatestRelease(ctx, owner, repo)
	if err != nil {
		return ResolvedVersion{}, fmt.Errorf("latest release of %s: %w", s.Repo, err)
	}

	v := strings.TrimPrefix(release.GetTagName(), "v")
	for _, asset := range release.Assets {
		if pattern.MatchString(asset.GetName()) {
			return ResolvedVersion{
				Version:     v,
				DownloadURL: asset.GetBrowserDownloadURL(),
				Filename:    asset.GetName(),
			}, nil
		}
	}
	return ResolvedVersion{}, fmt.Errorf("no asset of %s %s matches %q: %w", s.Repo, release.GetTagName(), s.AssetPattern, ErrNoMatch)
}
