package push

import (
	"context"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"

	"chatty-notifier/pkg/notifier"
)

// FCMMessenger is the slice of the Firebase messaging client the sender
// needs; satisfied by *messaging.Client.
type FCMMessenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers data messages through Firebase Cloud Messaging.
type FCMSender struct {
	messenger FCMMessenger
	logger    *slog.Logger
}

// NewFCMSender creates the FCM channel sender.
func NewFCMSender(messenger FCMMessenger, logger *slog.Logger) *FCMSender {
	return &FCMSender{messenger: messenger, logger: logger}
}

// Send delivers one data message to the registration token embedded in the
// item's device URI. The bearer token argument is unused; FCM authenticates
// with its own credentials.
func (s *FCMSender) Send(ctx context.Context, item *Item, _ string) notifier.DeliveryOutcome {
	regToken := strings.TrimPrefix(item.DeviceURI, FCMPrefix)
	if regToken == "" {
		s.logger.Warn("Empty FCM registration token", "post_id", item.PostID)
		return notifier.PermanentFailure
	}

	msgID, err := s.messenger.Send(ctx, &messaging.Message{
		Token: regToken,
		Data:  item.Data,
	})
	if err != nil {
		outcome := classifyFCMError(err)
		s.logger.Warn("FCM send failed",
			"post_id", item.PostID,
			"outcome", outcome.String(),
			"error", err)
		return outcome
	}

	s.logger.Info("FCM message sent", "post_id", item.PostID, "message_id", msgID)
	return notifier.Success
}

// classifyFCMError folds the FCM error space into outcome facts: a dead
// registration token drops the device, transient backend trouble retries,
// everything else fails closed.
func classifyFCMError(err error) notifier.DeliveryOutcome {
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err):
		return notifier.RemoveTargetDevice | notifier.PermanentFailure
	case messaging.IsUnavailable(err), messaging.IsInternal(err), messaging.IsQuotaExceeded(err):
		return notifier.RetryableFailure
	case messaging.IsThirdPartyAuthError(err), messaging.IsSenderIDMismatch(err), messaging.IsInvalidArgument(err):
		return notifier.PermanentFailure
	default:
		// Transport-level errors carry no FCM code; let the dispatcher retry.
		return notifier.RetryableFailure
	}
}
