// pkg/graph/session.go - authenticated Microsoft Graph session.

package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/windowsadmins/autopackager/pkg/download"
	"github.com/windowsadmins/autopackager/pkg/logging"
)

// ErrAuth is returned when a session cannot be established or re-established.
var ErrAuth = errors.New("graph authentication failed")

// DefaultScope requests the application permissions granted to the client.
const DefaultScope = "https://graph.microsoft.com/.default"

// Credentials identify the app registration used for uploads.
type Credentials struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Credentials  Credentials
	LoginBaseURL string
	GraphBaseURL string
	Timeout      time.Duration
	Retries      int
}

// Session holds the token source and the authenticated HTTP client.
type Session struct {
	opts SessionOptions

	mu     sync.Mutex
	client *retryablehttp.Client
}

// NewSession returns an unconnected session.
func NewSession(opts SessionOptions) *Session {
	opts.LoginBaseURL = strings.TrimRight(opts.LoginBaseURL, "/")
	opts.GraphBaseURL = strings.TrimRight(opts.GraphBaseURL, "/")
	return &Session{opts: opts}
}

// BaseURL is the Graph endpoint requests are made against.
func (s *Session) BaseURL() string {
	return s.opts.GraphBaseURL
}

// Connect acquires a fresh token and replaces the HTTP client.
func (s *Session) Connect(ctx context.Context) error {
	c := s.opts.Credentials
	conf := clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     fmt.Sprintf("%s/%s/oauth2/v2.0/token", s.opts.LoginBaseURL, c.TenantID),
		Scopes:       []string{DefaultScope},
	}

	rc := download.NewHTTPClient(s.opts.Timeout, s.opts.Retries)
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, rc.StandardClient())
	ts := conf.TokenSource(tokenCtx)

	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	logging.Debug("Acquired Graph token", "tenant", c.TenantID, "expires", tok.Expiry.Format(time.RFC3339))

	base := rc.HTTPClient
	rc.HTTPClient = &http.Client{
		Timeout:   base.Timeout,
		Transport: &oauth2.Transport{Base: base.Transport, Source: ts},
	}

	s.mu.Lock()
	s.client = rc
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Session) httpClient() (*retryablehttp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("%w: not connected", ErrAuth)
	}
	return s.client, nil
}

// EnsureSession verifies the session with a cheap read and reconnects once
// when it is missing or rejected. It is safe to call before every unit of work.
func (s *Session) EnsureSession(ctx context.Context) error {
	s.mu.Lock()
	connected := s.client != nil
	s.mu.Unlock()

	if connected {
		err := s.probe(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAuth) {
			return err
		}
		logging.Warn("Graph session rejected, reconnecting", "error", err)
	}

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.probe(ctx); err != nil {
		if errors.Is(err, ErrAuth) {
			return err
		}
		return fmt.Errorf("graph probe failed: %w", err)
	}
	return nil
}

func (s *Session) probe(ctx context.Context) error {
	client, err := s.httpClient()
	if err != nil {
		return err
	}
	url := s.opts.GraphBaseURL + "/deviceAppManagement/mobileApps?$top=1&$select=id"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: probe returned %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode >= 300:
		return &APIError{Method: http.MethodGet, URL: url, StatusCode: resp.StatusCode}
	}
	return nil
}
