package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"entanglement/pkg/meta"
	"entanglement/pkg/models"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	defaultRetryMax     = 3
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 10 * time.Second
)

// OwnerHeader carries the principal on every request. Authentication
// is handled outside the core; the server treats the value as opaque.
const OwnerHeader = "X-Owner-ID"

// TierHeader carries the chunk's tier on uploads so the server can
// apply the matching compression policy.
const TierHeader = "X-Chunk-Tier"

// Client talks the sync protocol to a server. Transport failures and
// retryable statuses are retried with exponential backoff; definitive
// answers (2xx, 4xx other than 408/429) are returned as-is.
type Client struct {
	base  string
	owner string
	http  *retryablehttp.Client
}

// NewClient builds a client for the server at base, acting as owner.
func NewClient(base, owner string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = defaultRetryMax
	c.RetryWaitMin = defaultRetryWaitMin
	c.RetryWaitMax = defaultRetryWaitMax
	c.Logger = nil
	c.CheckRetry = retryPolicy
	return &Client{base: base, owner: owner, http: c}
}

// retryPolicy retries transport errors and the statuses that signal a
// transient server condition. Everything else is a definitive answer:
// a 404 or 409 will not change on retry, so it is forwarded.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil //nolint:nilerr // retryablehttp reports the final error
	}
	if resp == nil {
		return true, nil
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return true, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	}
	return false, nil
}

// CheckChunks asks the server which of the given hashes it lacks.
// This is the negotiation step that makes uploads delta-sized: only
// the returned hashes need a PutChunk.
func (c *Client) CheckChunks(ctx context.Context, hashes []string) ([]string, error) {
	body, err := json.Marshal(map[string][]string{"hashes": hashes})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/chunks/check", body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}
	var out struct {
		Missing []string `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Missing, nil
}

// PutChunk uploads one chunk. The server re-hashes the body and
// rejects a mismatch, so a corrupted transfer can never enter the
// store. 201 means stored, 200 means it was already there.
func (c *Client) PutChunk(ctx context.Context, hash string, data []byte, tier int) error {
	headers := map[string]string{TierHeader: strconv.Itoa(tier)}
	resp, err := c.do(ctx, http.MethodPut, "/api/chunks/"+hash, data, headers)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}
	return nil
}

// GetChunk downloads one chunk by hash.
func (c *Client) GetChunk(ctx context.Context, hash string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/chunks/"+hash, nil, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorFrom(resp)
	}
	return io.ReadAll(resp.Body)
}

// CommitRequest is the manifest commit payload.
type CommitRequest struct {
	Path          string                 `json:"path"`
	ParentVersion string                 `json:"parent_version,omitempty"`
	Manifest      []models.ManifestEntry `json:"manifest"`
	Blake3        string                 `json:"blake3_hash"`
	SizeBytes     int64                  `json:"size_bytes"`
	TierID        int                    `json:"tier_id"`
	Device        string                 `json:"device,omitempty"`
}

// Commit submits a manifest commit. A 409 is decoded into a
// *meta.ConflictError so callers branch on the same type locally and
// remotely.
func (c *Client) Commit(ctx context.Context, req CommitRequest) (*models.Version, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/files/commit", body, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		var out struct {
			Kind       string `json:"kind"`
			ConflictID string `json:"conflict_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return nil, &meta.ConflictError{Kind: out.Kind, ConflictID: out.ConflictID}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.errorFrom(resp)
	}

	var version models.Version
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return nil, err
	}
	return &version, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(OwnerHeader, c.owner)
	if body != nil && (method == http.MethodPost) {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.http.Do(req)
}

// errorFrom turns an error response into an error without leaking the
// raw body when it is not the expected JSON shape.
func (c *Client) errorFrom(resp *http.Response) error {
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Error != "" {
		return fmt.Errorf("server: %s (status %d)", out.Error, resp.StatusCode)
	}
	return fmt.Errorf("server returned status %d", resp.StatusCode)
}
