// Package notifier contains the core domain types for the chatty push
// notification service.
package notifier

import "strings"

// EventKind identifies the type of a stream event.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventNewPost
	EventCategoryChange
	EventLolCountsUpdate
	EventServerMessage
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventNewPost:
		return "newPost"
	case EventCategoryChange:
		return "categoryChange"
	case EventLolCountsUpdate:
		return "lolCountsUpdate"
	case EventServerMessage:
		return "serverMessage"
	default:
		return "unknown"
	}
}

// Post is a single post from the event stream. Immutable once parsed.
type Post struct {
	ID       int    `json:"id"`
	ThreadID int    `json:"threadId"`
	ParentID int    `json:"parentId"`
	Author   string `json:"author"`
	Category string `json:"category"`
	Date     string `json:"date"`
	Body     string `json:"body"`
}

// Event is one entry from the event stream. Only NewPost events carry a
// ParentAuthor and Post; the other kinds are recognized but not acted on.
type Event struct {
	Kind         EventKind
	ParentAuthor string // May be empty (top-level post)
	Post         *Post  // Set only for EventNewPost
}

// EventBatch is an ordered batch of events plus the cursor to resume
// long-polling from.
type EventBatch struct {
	Events     []Event
	NextCursor int
}

// MatchType is the reason a user is being notified about a post.
type MatchType int

const (
	MatchReply MatchType = iota
	MatchMention
	MatchKeyword
)

// String returns a short name for the match type, used in payloads and logs.
func (m MatchType) String() string {
	switch m {
	case MatchReply:
		return "reply"
	case MatchMention:
		return "mention"
	case MatchKeyword:
		return "keyword"
	default:
		return "unknown"
	}
}

// NotificationIntent is the matcher's decision that one device should
// receive one notification, prior to wire formatting. Immutable.
type NotificationIntent struct {
	DeviceURI string
	PostID    int
	Match     MatchType
	Title     string
	Message   string
	Group     string
	Tag       string
	TTL       int // Seconds; zero means no TTL header
}

// DeliveryOutcome is a bitset of independent facts about one delivery
// attempt. Multiple facts may co-occur: a 401 from the push backend yields
// RetryableFailure|InvalidateToken.
type DeliveryOutcome int

const (
	Success DeliveryOutcome = 1 << iota
	RetryableFailure
	PermanentFailure
	RemoveTargetDevice
	InvalidateToken
)

// Has reports whether the outcome includes the given fact.
func (o DeliveryOutcome) Has(fact DeliveryOutcome) bool {
	return o&fact != 0
}

// String renders the outcome's facts for logging.
func (o DeliveryOutcome) String() string {
	var facts []string
	if o.Has(Success) {
		facts = append(facts, "success")
	}
	if o.Has(RetryableFailure) {
		facts = append(facts, "retryable")
	}
	if o.Has(PermanentFailure) {
		facts = append(facts, "permanent")
	}
	if o.Has(RemoveTargetDevice) {
		facts = append(facts, "remove-device")
	}
	if o.Has(InvalidateToken) {
		facts = append(facts, "invalidate-token")
	}
	if len(facts) == 0 {
		return "none"
	}
	return strings.Join(facts, "|")
}

// Device is a registered push target belonging to a user.
type Device struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

// User is a registered account with its notification settings.
type User struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	NotifyOnMention bool     `json:"notifyOnMention"`
	Keywords        []string `json:"keywords"`
}
