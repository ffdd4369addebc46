// pkg/download/download.go - HTTP client construction and installer downloads.

package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/windowsadmins/autopackager/pkg/logging"
	"github.com/windowsadmins/autopackager/pkg/retry"
	"github.com/windowsadmins/autopackager/pkg/version"
)

// UserAgent is sent with every request; some vendor sites reject Go's default.
var UserAgent = "autopackager/" + version.Version().Version

// NewHTTPClient returns a retrying client. A zero timeout leaves the overall
// request unbounded and only limits the wait for response headers.
func NewHTTPClient(timeout time.Duration, retries int) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = time.Second
	c.RetryWaitMax = 30 * time.Second
	c.Logger = logging.Leveled{}
	c.HTTPClient.Timeout = timeout
	if t, ok := c.HTTPClient.Transport.(*http.Transport); ok && timeout == 0 {
		t.ResponseHeaderTimeout = 60 * time.Second
	}
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if req.Header.Get("User-Agent") == "" {
			req.Header.Set("User-Agent", UserAgent)
		}
	}
	return c
}

// StatusError reports an unexpected HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code: %d", e.StatusCode)
}

// Downloader fetches installers to disk.
type Downloader struct {
	client *retryablehttp.Client
	retry  retry.RetryConfig
}

// NewDownloader creates a Downloader that retries whole transfers attempts times.
func NewDownloader(attempts int) *Downloader {
	return &Downloader{
		client: NewHTTPClient(0, 0),
		retry:  retry.RetryConfig{MaxRetries: attempts, InitialInterval: 2 * time.Second, Multiplier: 2.0},
	}
}

// Fetch downloads url to dest. Data is written to dest.part and renamed once
// complete so an interrupted run never leaves a truncated installer behind.
func (d *Downloader) Fetch(ctx context.Context, url, dest string) error {
	if url == "" {
		return fmt.Errorf("invalid parameters: url cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create directory structure: %w", err)
	}

	part := dest + ".part"
	err := retry.Retry(ctx, d.retry, func() error {
		logging.Info("Starting download", "url", url, "destination", dest)
		start := time.Now()

		n, err := d.fetchOnce(ctx, url, part)
		if err != nil {
			return err
		}

		logging.Info("Download completed successfully",
			"file", filepath.Base(dest),
			"size", humanize.Bytes(uint64(n)),
			"duration", time.Since(start).Round(time.Millisecond))
		return nil
	})
	if err != nil {
		os.Remove(part)
		return err
	}

	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	return nil
}

func (d *Downloader) fetchOnce(ctx context.Context, url, part string) (int64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to prepare HTTP request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, retry.Permanent(err)
		}
		return 0, fmt.Errorf("failed to perform HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{URL: url, StatusCode: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return 0, retry.Permanent(statusErr)
		}
		return 0, statusErr
	}

	out, err := os.Create(part)
	if err != nil {
		return 0, retry.Permanent(fmt.Errorf("failed to open destination file: %w", err))
	}

	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write downloaded data: %w", err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return 0, fmt.Errorf("short download: got %s of %s",
			humanize.Bytes(uint64(n)), humanize.Bytes(uint64(resp.ContentLength)))
	}
	return n, nil
}
