// Package upstream implements the client fetching images from the
// upstream image service on cache misses
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const defaultTimeout = 30 * time.Second

type (
	// Fetcher retrieves the resource stored upstream for a cache key
	Fetcher interface {
		Fetch(ctx context.Context, key string) (*Resource, error)
	}

	// Resource is the content fetched from upstream
	Resource struct {
		Data         []byte
		ContentType  string
		LastModified time.Time
	}

	// Config configures the upstream Client
	Config struct {
		// BaseURL is the upstream service root, the key is appended as
		// the final path segment
		BaseURL   string
		Timeout   time.Duration
		UserAgent string
	}

	// Client implements the Fetcher interface using HTTP GET requests
	Client struct {
		base      *url.URL
		client    *http.Client
		userAgent string
	}

	// StatusError is returned when upstream answered with a non-success status
	StatusError struct {
		StatusCode int
	}
)

func (s StatusError) Error() string {
	return fmt.Sprintf("HTTP status signaled failure: %d", s.StatusCode)
}

// New validates the config and returns a new Client
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse upstream URL")
	}

	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, errors.Errorf("upstream URL must be an absolute http(s) URL: %q", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		base:      base,
		client:    &http.Client{Timeout: timeout},
		userAgent: cfg.UserAgent,
	}, nil
}

// Fetch implements the Fetcher Fetch method issuing exactly one request
func (c Client) Fetch(ctx context.Context, key string) (*Resource, error) {
	target := c.URL(key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetch source file")
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logrus.WithError(err).Error("closing upstream response body (leaked fd)")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		return nil, StatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read source file")
	}

	lm := time.Now()
	if t, err := time.Parse(http.TimeFormat, resp.Header.Get("Last-Modified")); err == nil {
		lm = t
	}

	return &Resource{
		Data:         data,
		ContentType:  resp.Header.Get("Content-Type"),
		LastModified: lm,
	}, nil
}

// URL returns the upstream location of the given key
func (c Client) URL(key string) string {
	return c.base.JoinPath(key).String()
}
