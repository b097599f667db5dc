// Package tile caches Windows tile content rendered from the front-page
// RSS feed.
package tile

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	refreshInterval = 10 * time.Minute
	maxHeadlines    = 3
)

// Cache holds the latest rendered tile XML. Refresh is lazy: a request
// past the refresh interval fetches the feed before answering.
type Cache struct {
	client  *http.Client
	logger  *slog.Logger
	feedURL string

	mu        sync.Mutex
	xml       string
	fetchedAt time.Time
}

// New creates a tile cache for the given RSS feed.
func New(client *http.Client, feedURL string, logger *slog.Logger) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Cache{client: client, feedURL: feedURL, logger: logger}
}

// XML returns the current tile payload, refreshing it when stale. A failed
// refresh serves the previous payload rather than an error, as long as one
// exists.
func (c *Cache) XML(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.xml != "" && time.Since(c.fetchedAt) < refreshInterval {
		return c.xml, nil
	}

	rendered, err := c.fetchAndRender(ctx)
	if err != nil {
		if c.xml != "" {
			c.logger.Warn("Tile refresh failed, serving stale content", "error", err)
			return c.xml, nil
		}
		return "", err
	}

	c.xml = rendered
	c.fetchedAt = time.Now()
	return c.xml, nil
}

type rssFeed struct {
	Channel struct {
		Items []struct {
			Title string `xml:"title"`
		} `xml:"item"`
	} `xml:"channel"`
}

func (c *Cache) fetchAndRender(ctx context.Context) (string, error) {
	var feed rssFeed

	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, http.NoBody)
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

			feed = rssFeed{}
			if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
				return fmt.Errorf("decode feed: %w", err)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying tile feed fetch", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("fetch feed: %w", err)
	}

	titles := make([]string, 0, maxHeadlines)
	for _, item := range feed.Channel.Items {
		title := strings.TrimSpace(item.Title)
		if title == "" {
			continue
		}
		titles = append(titles, title)
		if len(titles) == maxHeadlines {
			break
		}
	}
	if len(titles) == 0 {
		return "", fmt.Errorf("feed contained no titles")
	}

	c.logger.Info("Tile content refreshed", "headlines", len(titles))
	return renderTile(titles), nil
}

// renderTile builds a TileWideText05 payload from the latest headlines.
func renderTile(titles []string) string {
	var b strings.Builder
	b.WriteString(`<tile><visual><binding template="TileWideText05">`)
	for i, title := range titles {
		fmt.Fprintf(&b, `<text id="%d">%s</text>`, i+1, escapeXML(title))
	}
	b.WriteString(`</binding></visual></tile>`)
	return b.String()
}

func escapeXML(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return ""
	}
	return b.String()
}
