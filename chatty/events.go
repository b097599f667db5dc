package chatty

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"chatty-notifier/pkg/notifier"
)

// rawEvent is one undecoded entry from waitForEvent. EventData is decoded
// per event type; unknown types are kept as notifier.EventUnknown so a new
// server-side event type never breaks polling.
type rawEvent struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData"`
}

type newPostData struct {
	PostID       int           `json:"postId"`
	ParentAuthor string        `json:"parentAuthor"`
	Post         notifier.Post `json:"post"`
}

// decodeEventBatch decodes a waitForEvent response body into typed events
// plus the cursor for the next poll. A single undecodable entry degrades to
// EventUnknown rather than failing the batch; a whole-batch failure would
// reset the poll cursor and skip everything the backend had buffered.
func decodeEventBatch(r io.Reader, logger *slog.Logger) (*notifier.EventBatch, error) {
	var payload struct {
		LastEventID int        `json:"lastEventId"`
		Events      []rawEvent `json:"events"`
	}
	if err := json.NewDecoder(r).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	batch := &notifier.EventBatch{
		NextCursor: payload.LastEventID,
		Events:     make([]notifier.Event, 0, len(payload.Events)),
	}

	for _, raw := range payload.Events {
		batch.Events = append(batch.Events, decodeEvent(raw, logger))
	}

	return batch, nil
}

func decodeEvent(raw rawEvent, logger *slog.Logger) notifier.Event {
	switch raw.EventType {
	case "newPost":
		var data newPostData
		if err := json.Unmarshal(raw.EventData, &data); err != nil {
			logger.Warn("Dropping undecodable newPost event", "error", err)
			return notifier.Event{Kind: notifier.EventUnknown}
		}
		post := data.Post
		if post.ID == 0 {
			post.ID = data.PostID
		}
		return notifier.Event{
			Kind:         notifier.EventNewPost,
			ParentAuthor: data.ParentAuthor,
			Post:         &post,
		}
	case "categoryChange":
		return notifier.Event{Kind: notifier.EventCategoryChange}
	case "lolCountsUpdate":
		return notifier.Event{Kind: notifier.EventLolCountsUpdate}
	case "serverMessage":
		return notifier.Event{Kind: notifier.EventServerMessage}
	default:
		return notifier.Event{Kind: notifier.EventUnknown}
	}
}
