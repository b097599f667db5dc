package push

import (
	"context"
	"log/slog"

	"chatty-notifier/pkg/notifier"
)

// MockSender logs notifications instead of delivering them, for local
// development without push credentials.
type MockSender struct {
	logger *slog.Logger
}

// NewMockSender creates a new mock sender.
func NewMockSender(logger *slog.Logger) *MockSender {
	return &MockSender{logger: logger}
}

// Send logs the item and reports success.
func (m *MockSender) Send(_ context.Context, item *Item, _ string) notifier.DeliveryOutcome {
	m.logger.Info("MOCK PUSH",
		"uri", item.DeviceURI,
		"post_id", item.PostID,
		"type", item.Match.String(),
		"payload_length", len(item.Payload))
	return notifier.Success
}
