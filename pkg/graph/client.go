// pkg/graph/client.go - Microsoft Graph deviceAppManagement client.

package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/windowsadmins/autopackager/pkg/reconcile"
)

// APIError is a non-success Graph response.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Options configures a Client.
type Options struct {
	// PollInterval is the wait between upload state checks.
	PollInterval time.Duration
	// CommitTimeout bounds each upload state wait.
	CommitTimeout time.Duration
	Uploader      BlobUploader
}

// Client implements the reconciler's catalog over Graph.
type Client struct {
	session  *Session
	poll     time.Duration
	timeout  time.Duration
	uploader BlobUploader
}

var _ reconcile.Catalog = (*Client)(nil)

// NewClient returns a Client that sends requests through session.
func NewClient(session *Session, opts Options) *Client {
	c := &Client{
		session:  session,
		poll:     opts.PollInterval,
		timeout:  opts.CommitTimeout,
		uploader: opts.Uploader,
	}
	if c.poll <= 0 {
		c.poll = 5 * time.Second
	}
	if c.timeout <= 0 {
		c.timeout = 10 * time.Minute
	}
	if c.uploader == nil {
		c.uploader = AzureBlobUploader{}
	}
	return c
}

// do sends a JSON request. path is relative to the Graph base URL unless it
// is already absolute (nextLink). A nil out discards the body.
func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	client, err := c.session.httpClient()
	if err != nil {
		return err
	}

	url := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		url = c.session.BaseURL() + path
	}

	var body []byte
	if in != nil {
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, URL: url, StatusCode: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			apiErr.Code, apiErr.Message = eb.Error.Code, eb.Error.Message
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %v", ErrAuth, apiErr)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// odataQuote escapes a string literal for an OData filter.
func odataQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
