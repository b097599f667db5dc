// Package chatty is a client for the WinChatty-style event stream, reply,
// and settings APIs.
package chatty

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"chatty-notifier/pkg/notifier"
)

const clientName = "chatty-notifier"

// Client talks to the forum's v2 API.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	baseURL string
}

// New creates a new API client. The http.Client should have no overall
// timeout; long-poll calls are bounded by their context instead.
func New(client *http.Client, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		logger:  logger,
	}
}

// NewestEventID fetches the id of the newest event in the stream. Used to
// bootstrap the poll cursor when none is known.
func (c *Client) NewestEventID(ctx context.Context) (int, error) {
	var result struct {
		EventID int `json:"eventId"`
	}

	err := retry.Do(
		func() error {
			return c.getJSON(ctx, c.baseURL+"/getNewestEventId", &result)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying newest event id fetch", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("newest event id: %w", err)
	}

	c.logger.Info("Newest event id fetched", "event_id", result.EventID)
	return result.EventID, nil
}

// WaitForEvent long-polls for events after lastEventID. The call blocks
// until the backend returns a batch or ctx is done; the caller owns retry
// and backoff policy.
func (c *Client) WaitForEvent(ctx context.Context, lastEventID int) (*notifier.EventBatch, error) {
	pollURL := fmt.Sprintf("%s/waitForEvent?lastEventId=%d", c.baseURL, lastEventID)

	c.logger.Debug("Long poll starting", "url", pollURL, "last_event_id", lastEventID)
	startTime := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wait for event: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wait for event: HTTP %d", resp.StatusCode)
	}

	batch, err := decodeEventBatch(resp.Body, c.logger)
	if err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}

	c.logger.Info("Long poll completed",
		"duration_ms", time.Since(startTime).Milliseconds(),
		"events", len(batch.Events),
		"next_cursor", batch.NextCursor)

	return batch, nil
}

// PostComment posts a reply to the forum on behalf of a user.
func (c *Client) PostComment(ctx context.Context, parentID int, text, username, password string) error {
	form := url.Values{}
	form.Set("text", text)
	form.Set("parentId", fmt.Sprint(parentID))
	form.Set("username", username)
	form.Set("password", password)

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost,
				c.baseURL+"/postComment", strings.NewReader(form.Encode()))
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			resp, err := c.client.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("HTTP %d", resp.StatusCode)
			}

			var result struct {
				Result string `json:"result"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if result.Result != "success" {
				return retry.Unrecoverable(fmt.Errorf("post rejected: %s", result.Result))
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying comment post", "attempt", n, "parent_id", parentID, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("post comment: %w", err)
	}

	c.logger.Info("Comment posted", "parent_id", parentID, "username", username)
	return nil
}

// IgnoredUsers fetches the list of usernames the given user has ignored,
// stored server-side as client data. A fetch failure is not fatal to
// matching, so callers may treat an error as an empty list.
func (c *Client) IgnoredUsers(ctx context.Context, username string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/clientData/getClientData?username=%s&client=%s",
		c.baseURL, url.QueryEscape(username), clientName)

	var result struct {
		Data string `json:"data"`
	}

	err := retry.Do(
		func() error {
			return c.getJSON(ctx, reqURL, &result)
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying client data fetch", "attempt", n, "username", username, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("get client data: %w", err)
	}

	if result.Data == "" {
		return nil, nil
	}

	ignored, err := decodeIgnoreList(result.Data)
	if err != nil {
		return nil, fmt.Errorf("decode ignore list: %w", err)
	}

	return ignored, nil
}

func (c *Client) getJSON(ctx context.Context, reqURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeIgnoreList unpacks the client-data blob: a base64-encoded,
// gzip-compressed JSON array of usernames. Older clients stored the array
// uncompressed, so plain base64 JSON is accepted too.
func decodeIgnoreList(data string) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}

	if zr, zerr := gzip.NewReader(bytes.NewReader(raw)); zerr == nil {
		inflated, rerr := io.ReadAll(zr)
		if cerr := zr.Close(); rerr == nil && cerr != nil {
			rerr = cerr
		}
		if rerr != nil {
			return nil, fmt.Errorf("gunzip: %w", rerr)
		}
		raw = inflated
	}

	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return nil, fmt.Errorf("unmarshal ignore list: %w", err)
	}
	return names, nil
}

// IsTimeout reports whether err came from a cancelled or expired request
// rather than a backend failure. The monitor keeps its cursor on timeouts
// but resets it on anything else.
func IsTimeout(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
