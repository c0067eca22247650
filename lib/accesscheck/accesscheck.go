/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package accesscheck implements the client for the external download
// and upload access API. A granted access is reported as an expiry
// timestamp; "no access" is a nil expiry. Infrastructure faults are
// reported as errors so that callers can fail closed without mistaking a
// transient 5xx for a denial.
package accesscheck

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
)

// Timeout is the hard timeout for access check calls.
const Timeout = 60 * time.Second

// Error is the hard failure surface of the access check client. It is
// raised for unexpected statuses and unparseable payloads, never for a
// plain "no access" answer.
type Error struct {
	Reason string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("access check failed: %s", e.Reason)
}

// IsError reports whether the given error is an access check failure.
func IsError(err error) bool {
	var accessErr *Error
	return errors.As(err, &accessErr)
}

// Config holds the client configuration.
type Config struct {
	// URL is the base URL of the access API, without the
	// /download-access or /upload-access suffix.
	URL string
	// Client is an optional HTTP client; a pooled client with the
	// package timeout is used when unset.
	Client *http.Client
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing parameter URL")
	}
	c.URL = strings.TrimRight(c.URL, "/")
	if c.Client == nil {
		c.Client = &http.Client{Timeout: Timeout}
	}
	return nil
}

// Client queries the external access API.
type Client struct {
	cfg Config
}

// NewClient creates an access check client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{cfg: cfg}, nil
}

// CheckDownloadAccess returns the expiry of the user's download grant
// for the dataset, or nil when no access is granted.
func (c *Client) CheckDownloadAccess(
	ctx context.Context, userID uuid.UUID, datasetID string,
) (*time.Time, error) {
	url := fmt.Sprintf("%s/download-access/users/%s/datasets/%s",
		c.cfg.URL, userID, datasetID)
	return c.checkAccess(ctx, url)
}

// CheckUploadAccess returns the expiry of the user's upload grant for
// the box, or nil when no access is granted.
func (c *Client) CheckUploadAccess(
	ctx context.Context, userID, boxID uuid.UUID,
) (*time.Time, error) {
	url := fmt.Sprintf("%s/upload-access/users/%s/boxes/%s",
		c.cfg.URL, userID, boxID)
	return c.checkAccess(ctx, url)
}

// ListDownloadDatasets returns the per-dataset grant expiries of the
// given user. A 404 means the user has no grants at all.
func (c *Client) ListDownloadDatasets(
	ctx context.Context, userID uuid.UUID,
) (map[string]time.Time, error) {
	url := fmt.Sprintf("%s/download-access/users/%s/datasets", c.cfg.URL, userID)
	raw, err := c.listAccess(ctx, url)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	grants := make(map[string]time.Time, len(raw))
	for id, value := range raw {
		expiry, err := parseExpiry(value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		grants[id] = expiry
	}
	return grants, nil
}

// ListUploadBoxes returns the per-box grant expiries of the given user.
func (c *Client) ListUploadBoxes(
	ctx context.Context, userID uuid.UUID,
) (map[uuid.UUID]time.Time, error) {
	url := fmt.Sprintf("%s/upload-access/users/%s/boxes", c.cfg.URL, userID)
	raw, err := c.listAccess(ctx, url)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	grants := make(map[uuid.UUID]time.Time, len(raw))
	for id, value := range raw {
		boxID, err := uuid.Parse(id)
		if err != nil {
			return nil, trace.Wrap(&Error{Reason: fmt.Sprintf("invalid box id %q", id)})
		}
		expiry, err := parseExpiry(value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		grants[boxID] = expiry
	}
	return grants, nil
}

func (c *Client) checkAccess(ctx context.Context, url string) (*time.Time, error) {
	body, status, err := c.get(ctx, url)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch status {
	case http.StatusOK:
		var value *string
		if err := json.Unmarshal(body, &value); err != nil {
			return nil, trace.Wrap(&Error{Reason: "unexpected response payload"})
		}
		if value == nil {
			return nil, nil
		}
		expiry, err := parseExpiry(*value)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return &expiry, nil
	case http.StatusNotFound:
		return nil, nil
	}
	return nil, trace.Wrap(&Error{Reason: fmt.Sprintf("unexpected status %d", status)})
}

func (c *Client) listAccess(ctx context.Context, url string) (map[string]string, error) {
	body, status, err := c.get(ctx, url)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	switch status {
	case http.StatusOK:
		var raw map[string]string
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, trace.Wrap(&Error{Reason: "unexpected response payload"})
		}
		return raw, nil
	case http.StatusNotFound:
		return map[string]string{}, nil
	}
	return nil, trace.Wrap(&Error{Reason: fmt.Sprintf("unexpected status %d", status)})
}

func (c *Client) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return nil, 0, trace.Wrap(&Error{Reason: err.Error()})
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, trace.Wrap(&Error{Reason: err.Error()})
	}
	return body, resp.StatusCode, nil
}

func parseExpiry(value string) (time.Time, error) {
	expiry, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, trace.Wrap(&Error{
			Reason: fmt.Sprintf("invalid expiry timestamp %q", value),
		})
	}
	return expiry.UTC(), nil
}
