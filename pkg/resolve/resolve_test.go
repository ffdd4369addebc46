package resolve

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/autopackager/pkg/catalog"
	"github.com/windowsadmins/autopackager/pkg/version"
)

func newTestResolver() *Resolver {
	return New(Options{Retries: 0})
}

func serve(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveAPIField(t *testing.T) {
	srv := serve(t, map[string]string{
		"/firefox.json": `{"LATEST_FIREFOX_VERSION": "131.0.3", "FIREFOX_ESR": "128.3.1esr"}`,
		"/nested.json":  `{"releases": [{"version": "2.4.1"}, {"version": "2.3.0"}]}`,
	})

	desc := catalog.Descriptor{
		ID:       "firefox",
		Filename: "Firefox Setup {version}.msi",
		Discovery: catalog.Discovery{Strategy: catalog.APIField{
			URL:         srv.URL + "/firefox.json",
			FieldPath:   "LATEST_FIREFOX_VERSION",
			DownloadURL: "https://download.example.com/firefox-{version}.msi",
		}},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, ResolvedVersion{
		Version:     "131.0.3",
		DownloadURL: "https://download.example.com/firefox-131.0.3.msi",
		Filename:    "Firefox Setup 131.0.3.msi",
	}, res)

	desc.Discovery = catalog.Discovery{Strategy: catalog.APIField{
		URL:         srv.URL + "/nested.json",
		FieldPath:   "releases.0.version",
		DownloadURL: "https://download.example.com/{version}",
	}}
	res, err = newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", res.Version)
}

func TestResolveAPIFieldMissing(t *testing.T) {
	srv := serve(t, map[string]string{"/v.json": `{"other": "1.0"}`})
	desc := catalog.Descriptor{
		ID:       "tool",
		Filename: "tool.exe",
		Discovery: catalog.Discovery{Strategy: catalog.APIField{
			URL: srv.URL + "/v.json", FieldPath: "version", DownloadURL: "https://x/{version}",
		}},
	}

	_, err := newTestResolver().Resolve(context.Background(), desc)
	var discErr *DiscoveryError
	require.True(t, errors.As(err, &discErr))
	assert.Equal(t, "tool", discErr.App)
	assert.Equal(t, catalog.KindAPIField, discErr.Kind)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveReleaseAsset(t *testing.T) {
	srv := serve(t, map[string]string{
		"/repos/acme/tool/releases/latest": `{
			"tag_name": "v7.4.6",
			"assets": [
				{"name": "PowerShell-7.4.6-win-x64.zip", "browser_download_url": "https://dl.example.com/ps.zip"},
				{"name": "PowerShell-7.4.6-win-x64.msi", "browser_download_url": "https://dl.example.com/ps.msi"}
			]
		}`,
		"/repos/acme/vv/releases/latest": `{"tag_name": "vv1.0", "assets": [{"name": "vv.msi", "browser_download_url": "https://dl.example.com/vv.msi"}]}`,
	})

	desc := catalog.Descriptor{
		ID: "powershell",
		Discovery: catalog.Discovery{Strategy: catalog.ReleaseAsset{
			Repo:         "acme/tool",
			AssetPattern: `PowerShell-[0-9.]+-win-x64\.msi$`,
			APIBase:      srv.URL,
		}},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, ResolvedVersion{
		Version:     "7.4.6",
		DownloadURL: "https://dl.example.com/ps.msi",
		Filename:    "PowerShell-7.4.6-win-x64.msi",
	}, res)

	// only one leading v is stripped
	desc.Discovery = catalog.Discovery{Strategy: catalog.ReleaseAsset{Repo: "acme/vv", AssetPattern: `\.msi$`, APIBase: srv.URL + "/"}}
	res, err = newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "v1.0", res.Version)

	desc.Discovery = catalog.Discovery{Strategy: catalog.ReleaseAsset{Repo: "acme/tool", AssetPattern: `\.pkg$`, APIBase: srv.URL}}
	_, err = newTestResolver().Resolve(context.Background(), desc)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolvePageScrapeDirectTemplate(t *testing.T) {
	srv := serve(t, map[string]string{
		"/download.html": `<html><body><h1>Download 7-Zip 25.01 (2025-08-03)</h1>
			<p>Download 7-Zip 24.09 (2024-11-29)</p></body></html>`,
	})

	desc := catalog.Descriptor{
		ID:       "7zip",
		Filename: "7z{compact}-x64.exe",
		Discovery: catalog.Discovery{Strategy: catalog.PageScrape{
			URL:         srv.URL + "/download.html",
			Pattern:     `Download 7-Zip (?P<version>\d+\.\d+) \((\d{4})`,
			Rule:        catalog.RuleDirectTemplate,
			DownloadURL: "https://www.7-zip.org/a/7z{compact}-x64.exe?y={2}",
		}},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "25.01", res.Version)
	assert.Equal(t, "https://www.7-zip.org/a/7z2501-x64.exe?y=2025", res.DownloadURL)
	assert.Equal(t, "7z2501-x64.exe", res.Filename)
}

func TestResolvePageScrapePickLowest(t *testing.T) {
	srv := serve(t, map[string]string{
		"/download.html": `
			<a href="/win64/Wireshark-7.6.4-x64.exe">Development</a>
			<a href="/win64/Wireshark-7.6.1-x64.exe">Stable</a>
			<a href="/win64/Wireshark-7.6.4-x64.exe">Development mirror</a>`,
		"/one.html": `<a href="/win64/Wireshark-7.6.4-x64.exe">only</a>`,
		"/none.html": `nothing here`,
	})

	desc := catalog.Descriptor{
		ID:       "wireshark",
		Filename: "Wireshark-{version}-x64.exe",
		Discovery: catalog.Discovery{Strategy: catalog.PageScrape{
			URL:         srv.URL + "/download.html",
			Pattern:     `Wireshark-(?P<version>\d+\.\d+\.\d+)-x64\.exe`,
			Rule:        catalog.RulePickLowest,
			DownloadURL: "https://dl.example.com/Wireshark-{version}-x64.exe",
		}},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "7.6.1", res.Version)
	assert.Equal(t, "https://dl.example.com/Wireshark-7.6.1-x64.exe", res.DownloadURL)
	assert.Equal(t, "Wireshark-7.6.1-x64.exe", res.Filename)

	s := desc.Discovery.Strategy.(catalog.PageScrape)
	s.URL = srv.URL + "/one.html"
	desc.Discovery = catalog.Discovery{Strategy: s}
	res, err = newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "7.6.4", res.Version)

	s.URL = srv.URL + "/none.html"
	desc.Discovery = catalog.Discovery{Strategy: s}
	_, err = newTestResolver().Resolve(context.Background(), desc)
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolvePageScrapeTwoStep(t *testing.T) {
	srv := serve(t, map[string]string{
		"/vlc/download-windows.html": `<a href="//get.example.com/vlc-3.0.21-win64.exe">Download VLC 3.0.21</a>`,
		"/vlc/3.0.21/win64/": `<html><body>
			<a href="../">Parent</a>
			<a href="vlc-3.0.21-win64.exe">vlc-3.0.21-win64.exe</a>
			<a href="vlc-3.0.21.1-win64.msi">vlc-3.0.21.1-win64.msi</a>
			<a href="vlc-3.0.21-win64.zip">vlc-3.0.21-win64.zip</a>
		</body></html>`,
	})

	desc := catalog.Descriptor{
		ID: "vlc",
		Discovery: catalog.Discovery{Strategy: catalog.PageScrape{
			URL:           srv.URL + "/vlc/download-windows.html",
			Pattern:       `vlc-(?P<version>\d+\.\d+\.\d+)-win64\.exe`,
			Rule:          catalog.RuleTwoStep,
			SecondURL:     srv.URL + "/vlc/{version}/win64/",
			SecondPattern: `vlc-(?P<version>[0-9.]+)-win64\.msi$`,
		}},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "3.0.21.1", res.Version)
	assert.Equal(t, srv.URL+"/vlc/3.0.21/win64/vlc-3.0.21.1-win64.msi", res.DownloadURL)
	assert.Equal(t, "vlc-3.0.21.1-win64.msi", res.Filename)
}

func TestResolveBinaryMetadata(t *testing.T) {
	desc := catalog.Descriptor{
		ID:        "zoom",
		Filename:  "ZoomInstallerFull-{version}.msi",
		Discovery: catalog.Discovery{Strategy: catalog.BinaryMetadata{URL: "https://zoom.example.com/latest.msi"}},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.True(t, res.IsPlaceholder())
	assert.Equal(t, version.Latest, res.Version)
	assert.Equal(t, "zoom-latest.msi", res.Filename)
	assert.Equal(t, "https://zoom.example.com/latest.msi", res.DownloadURL)
}

func TestResolveFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	desc := catalog.Descriptor{
		ID:       "7zip",
		Filename: "7z{compact}-x64.exe",
		Discovery: catalog.Discovery{Strategy: catalog.PageScrape{
			URL: srv.URL, Pattern: `(\d+\.\d+)`, Rule: catalog.RuleDirectTemplate, DownloadURL: "https://x/{compact}",
		}},
		Fallback: &catalog.Fallback{URL: "https://www.7-zip.org/a/7z2409-x64.exe", Version: "24.09"},
	}
	res, err := newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, ResolvedVersion{
		Version:      "24.09",
		DownloadURL:  "https://www.7-zip.org/a/7z2409-x64.exe",
		Filename:     "7z2409-x64.exe",
		FromFallback: true,
	}, res)

	desc.Discovery = catalog.Discovery{Strategy: catalog.StaticFallback{}}
	desc.Fallback.Filename = "explicit.exe"
	res, err = newTestResolver().Resolve(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, "explicit.exe", res.Filename)
	assert.True(t, res.FromFallback)
}

func TestResolveFailureWithoutFallback(t *testing.T) {
	srv := serve(t, map[string]string{})
	desc := catalog.Descriptor{
		ID:       "tool",
		Filename: "tool-{version}.exe",
		Discovery: catalog.Discovery{Strategy: catalog.PageScrape{
			URL: srv.URL + "/missing", Pattern: `(\d+)`, Rule: catalog.RuleDirectTemplate, DownloadURL: "https://x",
		}},
	}
	_, err := newTestResolver().Resolve(context.Background(), desc)

	var discErr *DiscoveryError
	require.True(t, errors.As(err, &discErr))
	assert.Equal(t, catalog.KindPageScrape, discErr.Kind)
}
