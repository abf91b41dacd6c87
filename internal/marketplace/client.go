// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package marketplace downloads plugin archives from the ChatPlug
// marketplace HTTP API.
package marketplace

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

const (
	// DefaultBaseURL is the public marketplace endpoint.
	DefaultBaseURL = "https://marketplace.chatplug.dev"

	downloadTimeout    = 2 * time.Minute
	retryBackoffBase   = time.Second
	retryBackoffCap    = 15 * time.Second
	retryMaxAttempts   = 4
	maxArchiveBytes    = 256 << 20
	downloadPathFormat = "/api/v1/marketplace/plugins/download/%s/%s/%s"
)

// Client fetches plugin archives. The zero value is not usable; call
// NewClient.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a marketplace client. An empty baseURL selects the
// public marketplace.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: downloadTimeout},
	}
}

// Download fetches the zip archive for one plugin version. version may be
// "latest". Transient failures (network errors, 5xx) are retried with
// exponential backoff; a 404 fails immediately.
func (c *Client) Download(ctx context.Context, author, name, version string) ([]byte, error) {
	if version == "" {
		version = "latest"
	}
	url := c.baseURL + fmt.Sprintf(downloadPathFormat, author, name, version)

	var archive []byte

	backoff := retry.WithCappedDuration(retryBackoffCap, retry.NewExponential(retryBackoffBase))
	backoff = retry.WithMaxRetries(retryMaxAttempts, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := c.fetch(ctx, url)
		if err != nil {
			return err
		}
		archive = data
		return nil
	})
	if err != nil {
		return nil, oops.Code("MARKETPLACE_DOWNLOAD_FAILED").
			With("plugin", author+"/"+name).
			With("version", version).
			Wrap(err)
	}
	return archive, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
		if err != nil {
			return nil, retry.RetryableError(err)
		}
		return data, nil
	case resp.StatusCode >= 500:
		return nil, retry.RetryableError(fmt.Errorf("marketplace returned %s", resp.Status))
	default:
		// 4xx will not improve with retries.
		return nil, fmt.Errorf("marketplace returned %s", resp.Status)
	}
}
