// Package keys obtains the workspace API key the agent authenticates with.
package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// KeyName labels the key created for the agent in the workspace.
const KeyName = "AUTOGENERATED_FOR_BITO_WINGMAN"

// Client calls the management API.
type Client struct {
	base    string
	keyName string
	client  *retryablehttp.Client
}

// New returns a client for the management API at base.
func New(base string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("management api url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse management api url: %w", err)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: base, keyName: KeyName, client: artifact.NewHTTPClient(timeout, timeout, 2)}, nil
}

// WorkspaceKey returns the existing key for id or creates one.
func (c *Client) WorkspaceKey(ctx context.Context, id identity.Identity, token string) (string, error) {
	if !id.Valid() || token == "" {
		return "", errdefs.New(errdefs.MissingIdentity, "get workspace key")
	}
	q := url.Values{}
	q.Set("userId", strconv.Itoa(id.UserID))
	q.Set("workspaceId", strconv.Itoa(id.WorkspaceID))
	q.Set("wsKeyName", c.keyName)
	u := c.base + "api/getOrCreateWSKey?" + q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", fmt.Errorf("build key request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get workspace key: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		log.Warn().Str("identity", id.String()).Int("status", resp.StatusCode).Msg("workspace key request rejected")
		return "", fmt.Errorf("get workspace key: %s", resp.Status)
	}
	var out struct {
		WorkspaceKey string `json:"workspaceKey"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode workspace key: %w", err)
	}
	if out.WorkspaceKey == "" {
		return "", fmt.Errorf("get workspace key: empty key")
	}
	log.Info().Str("identity", id.String()).Msg("received workspace key")
	return out.WorkspaceKey, nil
}
