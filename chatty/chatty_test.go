package chatty

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chatty-notifier/pkg/notifier"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.Client(), srv.URL, testLogger())
}

const sampleBatch = `{
	"lastEventId": 99999,
	"events": [
		{
			"eventType": "newPost",
			"eventData": {
				"postId": 1001,
				"parentAuthor": "alice",
				"post": {
					"id": 1001,
					"threadId": 900,
					"parentId": 950,
					"author": "bob",
					"category": "ontopic",
					"date": "2024-05-01T12:00:00Z",
					"body": "hello alice"
				}
			}
		},
		{"eventType": "categoryChange", "eventData": {"postId": 1000, "category": "nws"}},
		{"eventType": "lolCountsUpdate", "eventData": {"updates": []}},
		{"eventType": "serverMessage", "eventData": {"message": "maintenance"}},
		{"eventType": "somethingNew", "eventData": {}}
	]
}`

func TestDecodeEventBatch(t *testing.T) {
	batch, err := decodeEventBatch(strings.NewReader(sampleBatch), testLogger())
	if err != nil {
		t.Fatalf("decodeEventBatch() = %v", err)
	}

	if batch.NextCursor != 99999 {
		t.Errorf("NextCursor = %d, want 99999", batch.NextCursor)
	}
	if len(batch.Events) != 5 {
		t.Fatalf("got %d events, want 5", len(batch.Events))
	}

	wantKinds := []notifier.EventKind{
		notifier.EventNewPost,
		notifier.EventCategoryChange,
		notifier.EventLolCountsUpdate,
		notifier.EventServerMessage,
		notifier.EventUnknown,
	}
	for i, want := range wantKinds {
		if batch.Events[i].Kind != want {
			t.Errorf("event %d kind = %v, want %v", i, batch.Events[i].Kind, want)
		}
	}

	post := batch.Events[0]
	if post.ParentAuthor != "alice" {
		t.Errorf("ParentAuthor = %q, want alice", post.ParentAuthor)
	}
	if post.Post == nil || post.Post.Author != "bob" || post.Post.ID != 1001 {
		t.Errorf("Post = %+v", post.Post)
	}
	if post.Post.Body != "hello alice" {
		t.Errorf("Body = %q", post.Post.Body)
	}
	if batch.Events[1].Post != nil {
		t.Error("non-post event carries a Post")
	}
}

func TestDecodeEventBatchEmpty(t *testing.T) {
	batch, err := decodeEventBatch(strings.NewReader(`{"lastEventId": 5, "events": []}`), testLogger())
	if err != nil {
		t.Fatalf("decodeEventBatch() = %v", err)
	}
	if batch.NextCursor != 5 || len(batch.Events) != 0 {
		t.Errorf("batch = %+v", batch)
	}
}

// One undecodable newPost entry must not fail the batch: the cursor and the
// surrounding events survive, and the bad entry degrades to unknown.
func TestDecodeEventBatchMalformedEntry(t *testing.T) {
	const payload = `{
		"lastEventId": 42,
		"events": [
			{"eventType": "newPost", "eventData": "not an object"},
			{"eventType": "newPost", "eventData": {"postId": 7, "post": {"id": 7, "author": "bob", "body": "ok"}}}
		]
	}`

	batch, err := decodeEventBatch(strings.NewReader(payload), testLogger())
	if err != nil {
		t.Fatalf("decodeEventBatch() = %v", err)
	}
	if batch.NextCursor != 42 {
		t.Errorf("NextCursor = %d, want 42", batch.NextCursor)
	}
	if len(batch.Events) != 2 {
		t.Fatalf("got %d events, want 2", len(batch.Events))
	}
	if batch.Events[0].Kind != notifier.EventUnknown {
		t.Errorf("malformed entry kind = %v, want unknown", batch.Events[0].Kind)
	}
	if batch.Events[1].Kind != notifier.EventNewPost || batch.Events[1].Post.ID != 7 {
		t.Errorf("good entry not preserved: %+v", batch.Events[1])
	}
}

func TestNewestEventID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/getNewestEventId" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"eventId": 424242}`)
	})

	id, err := client.NewestEventID(context.Background())
	if err != nil {
		t.Fatalf("NewestEventID() = %v", err)
	}
	if id != 424242 {
		t.Errorf("id = %d, want 424242", id)
	}
}

func TestWaitForEventPassesCursor(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("lastEventId"); got != "777" {
			t.Errorf("lastEventId = %q, want 777", got)
		}
		fmt.Fprint(w, `{"lastEventId": 778, "events": []}`)
	})

	batch, err := client.WaitForEvent(context.Background(), 777)
	if err != nil {
		t.Fatalf("WaitForEvent() = %v", err)
	}
	if batch.NextCursor != 778 {
		t.Errorf("NextCursor = %d, want 778", batch.NextCursor)
	}
}

func TestWaitForEventHonorsContext(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.WaitForEvent(ctx, 1)
	if err == nil {
		t.Fatal("WaitForEvent() succeeded, want timeout error")
	}
	if !IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = false, want true", err)
	}
}

func TestIsTimeout(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"canceled", context.Canceled, true},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("wait for event: %w", context.DeadlineExceeded), true},
		{"plain error", fmt.Errorf("HTTP 500"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIgnoredUsersGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(`["troll","spammer"]`)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("username"); got != "alice" {
			t.Errorf("username = %q, want alice", got)
		}
		fmt.Fprintf(w, `{"data": %q}`, encoded)
	})

	ignored, err := client.IgnoredUsers(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IgnoredUsers() = %v", err)
	}
	if len(ignored) != 2 || ignored[0] != "troll" || ignored[1] != "spammer" {
		t.Errorf("ignored = %v", ignored)
	}
}

func TestIgnoredUsersPlainJSONFallback(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte(`["troll"]`))
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data": %q}`, encoded)
	})

	ignored, err := client.IgnoredUsers(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IgnoredUsers() = %v", err)
	}
	if len(ignored) != 1 || ignored[0] != "troll" {
		t.Errorf("ignored = %v", ignored)
	}
}

func TestIgnoredUsersEmptyData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": ""}`)
	})

	ignored, err := client.IgnoredUsers(context.Background(), "alice")
	if err != nil {
		t.Fatalf("IgnoredUsers() = %v", err)
	}
	if len(ignored) != 0 {
		t.Errorf("ignored = %v, want empty", ignored)
	}
}

func TestPostComment(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/postComment" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if got := r.FormValue("parentId"); got != "950" {
			t.Errorf("parentId = %q", got)
		}
		if got := r.FormValue("username"); got != "alice" {
			t.Errorf("username = %q", got)
		}
		fmt.Fprint(w, `{"result": "success"}`)
	})

	err := client.PostComment(context.Background(), 950, "hi back", "alice", "hunter2")
	if err != nil {
		t.Fatalf("PostComment() = %v", err)
	}
}

func TestPostCommentRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"result": "error_banned"}`)
	})

	err := client.PostComment(context.Background(), 950, "hi", "alice", "hunter2")
	if err == nil {
		t.Fatal("PostComment() succeeded, want rejection error")
	}
	if !strings.Contains(err.Error(), "error_banned") {
		t.Errorf("error = %v, want rejection reason", err)
	}
}
