// pkg/resolve/scrape.go - page_scrape discovery and link following.

package resolve

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"

	"github.com/PuerkitoBio/goquery"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/version"
)

func compile(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	return re, nil
}

// versionGroup returns the index of the "version" group, or 1, or 0 when the
// pattern has no groups at all.
func versionGroup(re *regexp.Regexp) int {
	if i := re.SubexpIndex("version"); i > 0 {
		return i
	}
	if re.NumSubexp() > 0 {
		return 1
	}
	return 0
}

// matchVars returns the template variables for one match: the usual version
// variables plus {1}..{n} for each capture.
func matchVars(desc catalog.Descriptor, v string, m []string) map[string]string {
	vars := desc.Vars(v)
	for i := 1; i < len(m); i++ {
		vars[strconv.Itoa(i)] = m[i]
	}
	return vars
}

func (r *Resolver) pageScrape(ctx context.Context, desc catalog.Descriptor, s catalog.PageScrape) (ResolvedVersion, error) {
	re, err := compile(s.Pattern)
	if err != nil {
		return ResolvedVersion{}, err
	}
	body, err := r.get(ctx, s.URL)
	if err != nil {
		return ResolvedVersion{}, err
	}
	group := versionGroup(re)

	switch s.Rule {
	case catalog.RuleDirectTemplate:
		m := re.FindSubmatch(body)
		if m == nil {
			return ResolvedVersion{}, fmt.Errorf("%s: %w", s.URL, ErrNoMatch)
		}
		sm := toStrings(m)
		vars := matchVars(desc, sm[group], sm)
		return ResolvedVersion{
			Version:     sm[group],
			DownloadURL: catalog.Expand(s.DownloadURL, vars),
			Filename:    catalog.Expand(desc.Filename, vars),
		}, nil

	case catalog.RulePickLowest:
		v, err := pickLowest(re, group, body)
		if err != nil {
			return ResolvedVersion{}, fmt.Errorf("%s: %w", s.URL, err)
		}
		vars := desc.Vars(v)
		return ResolvedVersion{
			Version:     v,
			DownloadURL: catalog.Expand(s.DownloadURL, vars),
			Filename:    catalog.Expand(desc.Filename, vars),
		}, nil

	case catalog.RuleTwoStep:
		m := re.FindSubmatch(body)
		if m == nil {
			return ResolvedVersion{}, fmt.Errorf("%s: %w", s.URL, ErrNoMatch)
		}
		sm := toStrings(m)
		return r.followLink(ctx, desc, s, sm[group], matchVars(desc, sm[group], sm))

	default:
		return ResolvedVersion{}, fmt.Errorf("unknown page_scrape rule %q", s.Rule)
	}
}

// pickLowest collects every match on the page and returns the lowest distinct
// version. Sites that list a stable and a development channel side by side
// list the stable one with the lower version.
func pickLowest(re *regexp.Regexp, group int, body []byte) (string, error) {
	seen := make(map[string]bool)
	var versions []string
	for _, m := range re.FindAllSubmatch(body, -1) {
		v := string(m[group])
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return "", ErrNoMatch
	}

	version.Sort(versions)
	if len(versions) > 1 {
		logging.Debug("Multiple versions on page, picking lowest", "versions", versions, "picked", versions[0])
	}
	return versions[0], nil
}

// followLink fetches the second page and takes the first anchor whose href
// matches the second pattern.
func (r *Resolver) followLink(ctx context.Context, desc catalog.Descriptor, s catalog.PageScrape, v string, vars map[string]string) (ResolvedVersion, error) {
	re, err := compile(s.SecondPattern)
	if err != nil {
		return ResolvedVersion{}, err
	}

	pageURL := catalog.Expand(s.SecondURL, vars)
	base, err := url.Parse(pageURL)
	if err != nil {
		return ResolvedVersion{}, fmt.Errorf("invalid second url %q: %w", pageURL, err)
	}
	body, err := r.get(ctx, pageURL)
	if err != nil {
		return ResolvedVersion{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ResolvedVersion{}, fmt.Errorf("failed to parse %s: %w", pageURL, err)
	}

	var link *url.URL
	var refined string
	group := re.SubexpIndex("version")
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		m := re.FindStringSubmatch(href)
		if m == nil {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		link = u
		if group > 0 {
			refined = m[group]
		}
		return false
	})
	if link == nil {
		return ResolvedVersion{}, fmt.Errorf("no link on %s matches %q: %w", pageURL, s.SecondPattern, ErrNoMatch)
	}

	if refined != "" && refined != v {
		logging.Debug("Second page refined version", "app", desc.ID, "from", v, "to", refined)
		v = refined
	}

	filename, err := url.PathUnescape(path.Base(link.Path))
	if err != nil {
		filename = path.Base(link.Path)
	}
	return ResolvedVersion{
		Version:     v,
		DownloadURL: link.String(),
		Filename:    filename,
	}, nil
}

func toStrings(m [][]byte) []string {
	out := make([]string, len(m))
	for i, b := range m {
		out[i] = string(b)
	}
	return out
}
