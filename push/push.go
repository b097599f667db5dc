// Package push delivers rendered notifications to device push channels.
//
// Two heterogeneous backends are supported behind one Sender contract: a
// WNS-style HTTP channel addressed by an https device URI, and an FCM
// channel addressed by a device URI of the form "fcm:<registration token>".
package push

import (
	"context"
	"fmt"
	"strings"

	"chatty-notifier/pkg/notifier"
)

// FCMPrefix marks a device URI as an FCM registration token target.
const FCMPrefix = "fcm:"

// Item is the wire-ready form of a notification intent: the rendered
// payload plus the header metadata a channel needs. The dispatcher owns an
// item exclusively from enqueue until its terminal outcome.
type Item struct {
	DeviceURI string
	PostID    int
	Match     notifier.MatchType
	Payload   string            // Toast XML for the WNS channel
	Data      map[string]string // Key/value message for the FCM channel
	Group     string
	Tag       string
	TTL       int
}

// NewItem renders an intent into its wire-ready form for both channels.
func NewItem(intent notifier.NotificationIntent) *Item {
	return &Item{
		DeviceURI: intent.DeviceURI,
		PostID:    intent.PostID,
		Match:     intent.Match,
		Payload:   renderToast(intent.Title, intent.Message),
		Data: map[string]string{
			"type":    intent.Match.String(),
			"title":   intent.Title,
			"message": intent.Message,
			"postId":  fmt.Sprint(intent.PostID),
		},
		Group: intent.Group,
		Tag:   intent.Tag,
		TTL:   intent.TTL,
	}
}

// Sender delivers one item to its push channel and classifies the result.
type Sender interface {
	Send(ctx context.Context, item *Item, token string) notifier.DeliveryOutcome
}

// Router selects the channel variant by device URI scheme. Either slot may
// be a mock when that channel's credentials are not configured.
type Router struct {
	wns Sender
	fcm Sender
}

// NewRouter creates a sender that routes fcm: URIs to the FCM channel and
// everything else to the WNS channel.
func NewRouter(wns, fcm Sender) *Router {
	return &Router{wns: wns, fcm: fcm}
}

// Send dispatches to the channel matching the item's device URI.
func (r *Router) Send(ctx context.Context, item *Item, token string) notifier.DeliveryOutcome {
	if strings.HasPrefix(item.DeviceURI, FCMPrefix) {
		return r.fcm.Send(ctx, item, token)
	}
	return r.wns.Send(ctx, item, token)
}

// renderToast builds the ToastText02 XML payload used by the WNS channel.
func renderToast(title, message string) string {
	var b strings.Builder
	b.WriteString(`<toast><visual><binding template="ToastText02">`)
	b.WriteString(`<text id="1">`)
	b.WriteString(escapeXML(title))
	b.WriteString(`</text><text id="2">`)
	b.WriteString(escapeXML(message))
	b.WriteString(`</text></binding></visual></toast>`)
	return b.String()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	return s
}
