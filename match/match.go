// Package match decides which users to notify about a new post and for
// what reason: reply, mention, or subscribed keyword.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chatty-notifier/pkg/notifier"
)

// UserStore is the slice of user storage the matcher reads.
type UserStore interface {
	FindUserByName(ctx context.Context, name string) (*notifier.User, error)
	MentionUsernames(ctx context.Context) ([]string, error)
	AllKeywords(ctx context.Context) ([]string, error)
	UsersSubscribedToWord(ctx context.Context, word string) ([]*notifier.User, error)
	DevicesForUser(ctx context.Context, userID int64) ([]notifier.Device, error)
}

// IgnoreLister fetches a user's dynamic ignore list from the settings API.
type IgnoreLister interface {
	IgnoredUsers(ctx context.Context, username string) ([]string, error)
}

// Enqueuer accepts notification intents for delivery.
type Enqueuer interface {
	Enqueue(intent notifier.NotificationIntent) error
}

// Notification time-to-live. Stale post alerts are worthless after a
// couple of days.
const notificationTTL = 2 * 24 * 60 * 60

// Matcher turns new-post events into notification intents. It is stateless
// across events; per-event bookkeeping lives in the state value threaded
// through one ProcessEvent call.
type Matcher struct {
	store   UserStore
	ignores IgnoreLister
	queue   Enqueuer
	logger  *slog.Logger
}

// New creates a matcher.
func New(store UserStore, ignores IgnoreLister, queue Enqueuer, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:   store,
		ignores: ignores,
		queue:   queue,
		logger:  logger,
	}
}

// eventState is the dedup scope for a single event: (postID, userName)
// pairs already notified through the keyword path.
type eventState struct {
	keywordNotified map[string]bool
}

func (s *eventState) markKeyword(postID int, userName string) bool {
	key := fmt.Sprintf("%d|%s", postID, strings.ToLower(userName))
	if s.keywordNotified[key] {
		return false
	}
	s.keywordNotified[key] = true
	return true
}

// ProcessEvent evaluates one event against all registered users. Expected
// no-match conditions are silent; collaborator failures are logged and
// absorbed so one bad lookup never stops the poll loop.
func (m *Matcher) ProcessEvent(ctx context.Context, ev notifier.Event) {
	if ev.Kind != notifier.EventNewPost || ev.Post == nil {
		return
	}

	post := ev.Post
	body := PrepareBody(post.Body)
	state := &eventState{keywordNotified: make(map[string]bool)}

	m.matchReply(ctx, ev, body)
	m.matchMentions(ctx, post, body)
	m.matchKeywords(ctx, post, body, state)
}

func (m *Matcher) matchReply(ctx context.Context, ev notifier.Event, body string) {
	post := ev.Post
	if ev.ParentAuthor == "" || strings.EqualFold(ev.ParentAuthor, post.Author) {
		return
	}

	user, err := m.store.FindUserByName(ctx, ev.ParentAuthor)
	if err != nil {
		m.logger.Warn("Reply user lookup failed", "name", ev.ParentAuthor, "error", err)
		return
	}
	if user == nil {
		return
	}

	if m.isIgnored(ctx, user.Name, post.Author) {
		m.logger.Info("Reply suppressed by ignore list",
			"recipient", user.Name, "author", post.Author, "post_id", post.ID)
		return
	}

	m.notify(ctx, user, notifier.NotificationIntent{
		PostID:  post.ID,
		Match:   notifier.MatchReply,
		Title:   "Reply from " + post.Author,
		Message: body,
		Group:   "reply",
		Tag:     fmt.Sprint(post.ID),
		TTL:     notificationTTL,
	})
}

func (m *Matcher) matchMentions(ctx context.Context, post *notifier.Post, body string) {
	names, err := m.store.MentionUsernames(ctx)
	if err != nil {
		m.logger.Warn("Mention username list fetch failed", "error", err)
		return
	}

	for _, name := range names {
		if strings.EqualFold(name, post.Author) {
			continue
		}
		if !containsWord(body, name) {
			continue
		}

		user, err := m.store.FindUserByName(ctx, name)
		if err != nil {
			m.logger.Warn("Mention user lookup failed", "name", name, "error", err)
			continue
		}
		if user == nil {
			continue
		}

		m.notify(ctx, user, notifier.NotificationIntent{
			PostID:  post.ID,
			Match:   notifier.MatchMention,
			Title:   "Mentioned by " + post.Author,
			Message: body,
			Group:   "mention",
			Tag:     fmt.Sprint(post.ID),
			TTL:     notificationTTL,
		})
	}
}

func (m *Matcher) matchKeywords(ctx context.Context, post *notifier.Post, body string, state *eventState) {
	keywords, err := m.store.AllKeywords(ctx)
	if err != nil {
		m.logger.Warn("Keyword list fetch failed", "error", err)
		return
	}

	for _, word := range keywords {
		if !containsWord(body, word) {
			continue
		}

		users, err := m.store.UsersSubscribedToWord(ctx, word)
		if err != nil {
			m.logger.Warn("Keyword subscriber lookup failed", "word", word, "error", err)
			continue
		}

		for _, user := range users {
			if strings.EqualFold(user.Name, post.Author) {
				continue
			}
			// A user subscribed to two matching keywords gets one keyword
			// alert per post. Reply and mention alerts are independent.
			if !state.markKeyword(post.ID, user.Name) {
				continue
			}

			m.notify(ctx, user, notifier.NotificationIntent{
				PostID:  post.ID,
				Match:   notifier.MatchKeyword,
				Title:   fmt.Sprintf("Keyword '%s' used by %s", word, post.Author),
				Message: body,
				Group:   "keyword",
				Tag:     fmt.Sprint(post.ID),
				TTL:     notificationTTL,
			})
		}
	}
}

// isIgnored reports whether recipient has author on their ignore list. A
// settings fetch failure is treated as an empty list.
func (m *Matcher) isIgnored(ctx context.Context, recipient, author string) bool {
	ignored, err := m.ignores.IgnoredUsers(ctx, recipient)
	if err != nil {
		m.logger.Warn("Ignore list fetch failed", "username", recipient, "error", err)
		return false
	}
	for _, name := range ignored {
		if strings.EqualFold(name, author) {
			return true
		}
	}
	return false
}

// notify emits one intent per device registered to the user.
func (m *Matcher) notify(ctx context.Context, user *notifier.User, intent notifier.NotificationIntent) {
	devices, err := m.store.DevicesForUser(ctx, user.ID)
	if err != nil {
		m.logger.Warn("Device lookup failed", "user", user.Name, "error", err)
		return
	}

	for _, device := range devices {
		intent.DeviceURI = device.URI
		if err := m.queue.Enqueue(intent); err != nil {
			m.logger.Warn("Failed to enqueue notification",
				"user", user.Name, "uri", device.URI, "error", err)
			continue
		}
		m.logger.Info("Notification queued",
			"user", user.Name,
			"post_id", intent.PostID,
			"type", intent.Match.String())
	}
}
