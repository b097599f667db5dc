package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatty-notifier/pkg/notifier"
)

// WNSSender posts toast payloads directly to WNS device channel URIs.
type WNSSender struct {
	client *http.Client
	logger *slog.Logger
}

// NewWNSSender creates the WNS channel sender.
func NewWNSSender(client *http.Client, logger *slog.Logger) *WNSSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WNSSender{client: client, logger: logger}
}

// Send delivers one toast to the item's channel URI. The raw HTTP status is
// classified into outcome facts; transport errors are retryable.
func (s *WNSSender) Send(ctx context.Context, item *Item, token string) notifier.DeliveryOutcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, item.DeviceURI,
		strings.NewReader(item.Payload))
	if err != nil {
		s.logger.Warn("Failed to build WNS request", "uri", item.DeviceURI, "error", err)
		return notifier.PermanentFailure
	}

	req.Header.Set("Content-Type", "text/xml")
	req.Header.Set("X-WNS-Type", "wns/toast")
	req.Header.Set("Authorization", "Bearer "+token)
	if item.Group != "" {
		req.Header.Set("X-WNS-Group", item.Group)
	}
	if item.Tag != "" {
		req.Header.Set("X-WNS-Tag", item.Tag)
	}
	if item.TTL > 0 {
		req.Header.Set("X-WNS-TTL", fmt.Sprint(item.TTL))
	}

	startTime := time.Now()
	resp, err := s.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Warn("WNS request failed",
			"post_id", item.PostID,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return notifier.RetryableFailure
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	outcome := ClassifyWNSStatus(resp.StatusCode)

	s.logger.Info("WNS request completed",
		"post_id", item.PostID,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"outcome", outcome.String())

	return outcome
}

// ClassifyWNSStatus maps a WNS HTTP status code to delivery outcome facts.
//
//	200              delivered
//	404, 410, 403    channel gone or forbidden; drop the device record
//	406              throttled; try again later
//	401              token expired; refetch and retry
//	anything else    fail closed, do not loop
func ClassifyWNSStatus(status int) notifier.DeliveryOutcome {
	switch status {
	case http.StatusOK:
		return notifier.Success
	case http.StatusNotFound, http.StatusGone, http.StatusForbidden:
		return notifier.RemoveTargetDevice | notifier.PermanentFailure
	case http.StatusNotAcceptable:
		return notifier.RetryableFailure
	case http.StatusUnauthorized:
		return notifier.RetryableFailure | notifier.InvalidateToken
	default:
		return notifier.PermanentFailure
	}
}
