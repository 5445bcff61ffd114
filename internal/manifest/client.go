// Package manifest fetches the remote release manifest and the agent config
// template.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/validate"
	"github.com/carlosprados/wingman/internal/version"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	FileName       = "manifest.json"
	ConfigTemplate = "config.json"
	maxBody        = 1 << 20
)

// Manifest is the content of manifest.json.
type Manifest struct {
	WingmanVersion string `json:"wingmanVersion"`
	ToolsVersion   string `json:"toolsVersion"`
}

// Sentinel is returned when the manifest cannot be fetched.
var Sentinel = Manifest{WingmanVersion: version.Sentinel, ToolsVersion: version.Sentinel}

// IsSentinel reports whether both versions are the skip sentinel.
func (m Manifest) IsSentinel() bool {
	return version.IsSentinel(m.WingmanVersion) && version.IsSentinel(m.ToolsVersion)
}

// Options configures a Client.
type Options struct {
	BaseURL        string
	UserAgent      string
	ClientInfo     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryMax       int
}

// Client fetches manifest.json from BaseURL. Concurrent callers share one
// in-flight request and the last good manifest is kept.
type Client struct {
	base   *url.URL
	opts   Options
	client *retryablehttp.Client
	group  singleflight.Group

	mu   sync.RWMutex
	last Manifest
	when time.Time
}

// NewClient validates base and returns a client.
func NewClient(o Options) (*Client, error) {
	if o.BaseURL == "" {
		return nil, fmt.Errorf("manifest base url required")
	}
	base, err := url.Parse(o.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest base url: %w", err)
	}
	// resolve manifest.json inside the base directory
	if base.Path == "" || base.Path[len(base.Path)-1] != '/' {
		base.Path += "/"
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	return &Client{base: base, opts: o, client: artifact.NewHTTPClient(o.ConnectTimeout, o.ReadTimeout, o.RetryMax)}, nil
}

// URL resolves name against the base.
func (c *Client) URL(name string) string {
	return c.base.ResolveReference(&url.URL{Path: name}).String()
}

// Fetch retrieves the manifest. Errors are MANIFEST_FETCH; see Latest for
// the sentinel-returning form.
func (c *Client) Fetch(ctx context.Context) (Manifest, error) {
	v, err, _ := c.group.Do(FileName, func() (any, error) { return c.fetch(ctx) })
	if err != nil {
		return Manifest{}, err
	}
	m := v.(Manifest)
	c.mu.Lock()
	c.last, c.when = m, time.Now()
	c.mu.Unlock()
	return m, nil
}

func (c *Client) fetch(ctx context.Context) (Manifest, error) {
	const op = "fetch manifest"
	u := c.URL(FileName)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.ManifestFetch, op, err)
	}
	c.setHeaders(req.Header)
	resp, err := c.client.Do(req)
	if err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.ManifestFetch, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return Manifest{}, errdefs.HTTP(errdefs.ManifestFetch, op, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.ManifestFetch, op, err)
	}
	if err := validate.Manifest(body); err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.ManifestFetch, op, err)
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, errdefs.Wrap(errdefs.ManifestFetch, op, err)
	}
	log.Info().Str("url", u).Str("wingmanVersion", m.WingmanVersion).Str("toolsVersion", m.ToolsVersion).Msg("manifest fetched")
	return m, nil
}

// Latest fetches the manifest and returns the sentinel pair on any failure.
// It satisfies version.LatestSource.
func (c *Client) Latest(ctx context.Context) version.Latest {
	m, err := c.Fetch(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("manifest unavailable, skipping update this cycle")
		m = Sentinel
	}
	return version.Latest{Binary: m.WingmanVersion, Tools: m.ToolsVersion}
}

// Cached returns the last successfully fetched manifest.
func (c *Client) Cached() (Manifest, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.when, !c.when.IsZero()
}

// Headers returns the request headers sent with every manifest and artifact
// request.
func (c *Client) Headers() map[string]string {
	return map[string]string{
		"User-Agent":   c.opts.UserAgent,
		"X-ClientInfo": c.opts.ClientInfo,
		"Content-Type": "application/json",
	}
}

func (c *Client) setHeaders(h http.Header) {
	for k, v := range c.Headers() {
		if v != "" {
			h.Set(k, v)
		}
	}
}

// FetchConfigTemplate downloads <base>/config.json to dest through engine.
func (c *Client) FetchConfigTemplate(ctx context.Context, engine *artifact.Engine, dest string) error {
	_, err := engine.Download(ctx, artifact.Request{
		URL:     c.URL(ConfigTemplate),
		Dest:    dest,
		Headers: c.Headers(),
		Title:   "Fetching agent configuration",
		Label:   "config",
	}, nil)
	return err
}
