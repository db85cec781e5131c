// Package release queries a GitHub releases index and downloads assets.
package release

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultAPIURL = "https://api.github.com"
	DefaultRepo   = "jrl290/RNodeTHV4"
)

var (
	ErrNotFound    = errors.New("release not found")
	ErrBadResponse = errors.New("unexpected release index response")
)

// Asset is a downloadable file attached to a release.
type Asset struct {
	Name string
	URL  string
	Size int64
}

// Release is a release descriptor.
type Release struct {
	Tag    string
	Assets []Asset
}

// Asset returns the asset with the given name.
func (r *Release) Asset(name string) (Asset, bool) {
	for _, a := range r.Assets {
		if a.Name == name {
			return a, true
		}
	}
	return Asset{}, false
}

// AssetNames lists the names of all assets.
func (r *Release) AssetNames() []string {
	names := make([]string, len(r.Assets))
	for i, a := range r.Assets {
		names[i] = a.Name
	}
	return names
}

// Client talks to the GitHub REST API.
type Client struct {
	apiURL          string
	repo            string
	http            *http.Client
	queryTimeout    time.Duration
	downloadTimeout time.Duration
	logger          *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithAPIURL overrides the API base URL.
func WithAPIURL(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.apiURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRepo sets the owner/name of the repository.
func WithRepo(repo string) Option {
	return func(c *Client) {
		if repo != "" {
			c.repo = repo
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeouts sets the release query and asset download time limits.
func WithTimeouts(query, download time.Duration) Option {
	return func(c *Client) {
		if query > 0 {
			c.queryTimeout = query
		}
		if download > 0 {
			c.downloadTimeout = download
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a release index client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		apiURL:          DefaultAPIURL,
		repo:            DefaultRepo,
		http:            &http.Client{},
		queryTimeout:    10 * time.Second,
		downloadTimeout: 5 * time.Minute,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NormalizeTag prefixes a bare version with "v". An empty tag stays empty.
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" || strings.HasPrefix(tag, "v") {
		return tag
	}
	return "v" + tag
}

// Release fetches the release with the given tag, or the latest release
// when tag is empty.
func (c *Client) Release(ctx context.Context, tag string) (*Release, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/releases/latest", c.apiURL, c.repo)
	if tag = NormalizeTag(tag); tag != "" {
		url = fmt.Sprintf("%s/repos/%s/releases/tags/%s", c.apiURL, c.repo, tag)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read release response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s returned %s: %s", ErrBadResponse, url, resp.Status,
			gjson.GetBytes(body, "message").String())
	}

	rel, err := parseRelease(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched release info",
		zap.String("tag", rel.Tag),
		zap.Strings("assets", rel.AssetNames()))
	return rel, nil
}

func parseRelease(body []byte) (*Release, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrBadResponse)
	}
	tag := gjson.GetBytes(body, "tag_name")
	if !tag.Exists() || tag.String() == "" {
		return nil, fmt.Errorf("%w: missing tag_name", ErrBadResponse)
	}

	rel := &Release{Tag: tag.String()}
	gjson.GetBytes(body, "assets").ForEach(func(_, a gjson.Result) bool {
		rel.Assets = append(rel.Assets, Asset{
			Name: a.Get("name").String(),
			URL:  a.Get("browser_download_url").String(),
			Size: a.Get("size").Int(),
		})
		return true
	})
	return rel, nil
}

// Download streams the asset at url into w and returns the byte count.
func (c *Client) Download(ctx context.Context, url string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download failed: %s returned %s", url, resp.Status)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download failed after %d bytes: %w", n, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("download truncated: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, nil
}
