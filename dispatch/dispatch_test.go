package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatty-notifier/pkg/notifier"
	"chatty-notifier/push"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedSender returns outcomes from a script, then succeeds forever.
type scriptedSender struct {
	mu       sync.Mutex
	script   []notifier.DeliveryOutcome
	attempts int
	seenURIs []string
}

func (s *scriptedSender) Send(_ context.Context, item *push.Item, _ string) notifier.DeliveryOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seenURIs = append(s.seenURIs, item.DeviceURI)
	s.attempts++
	if len(s.script) == 0 {
		return notifier.Success
	}
	outcome := s.script[0]
	s.script = s.script[1:]
	return outcome
}

func (s *scriptedSender) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

type fakeTokens struct {
	invalidations atomic.Int32
}

func (f *fakeTokens) Token(context.Context) string { return "tok" }
func (f *fakeTokens) Invalidate()                  { f.invalidations.Add(1) }

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeRemover) DeleteDeviceByURI(_ context.Context, uri string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, uri)
	return nil
}

func newTestDispatcher(sender push.Sender) (*Dispatcher, *fakeTokens, *fakeRemover) {
	tokens := &fakeTokens{}
	remover := &fakeRemover{}
	d := New(context.Background(), sender, tokens, remover, testLogger())
	d.sleep = func(time.Duration) {} // No real waiting in tests
	d.itemDelay = 0
	return d, tokens, remover
}

func intent(uri string) notifier.NotificationIntent {
	return notifier.NotificationIntent{
		DeviceURI: uri,
		PostID:    1,
		Match:     notifier.MatchReply,
		Title:     "Reply from bob",
		Message:   "hi",
	}
}

func TestEnqueueEmptyDeviceURI(t *testing.T) {
	d, _, _ := newTestDispatcher(&scriptedSender{})
	if err := d.Enqueue(notifier.NotificationIntent{}); !errors.Is(err, ErrEmptyDeviceURI) {
		t.Fatalf("Enqueue(empty URI) = %v, want ErrEmptyDeviceURI", err)
	}
}

func TestDeliverySuccess(t *testing.T) {
	sender := &scriptedSender{}
	d, _, _ := newTestDispatcher(sender)

	if err := d.Enqueue(intent("https://wns.example/ch1")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	d.Wait()

	if got := sender.attemptCount(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	sender := &scriptedSender{script: []notifier.DeliveryOutcome{
		notifier.RetryableFailure,
		notifier.RetryableFailure,
	}}
	d, _, _ := newTestDispatcher(sender)

	if err := d.Enqueue(intent("https://wns.example/ch1")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	d.Wait()

	if got := sender.attemptCount(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

// An item that never stops failing retryably must be abandoned once its
// wait exceeds the ceiling, never retried indefinitely.
func TestRetryAbandonedAtCeiling(t *testing.T) {
	var totalWait time.Duration
	sender := &scriptedSender{}
	// Fail retryably forever.
	failing := senderFunc(func(ctx context.Context, item *push.Item, token string) notifier.DeliveryOutcome {
		sender.Send(ctx, item, token)
		return notifier.RetryableFailure
	})

	d, _, _ := newTestDispatcher(failing)
	d.sleep = func(dur time.Duration) { totalWait += dur }

	if err := d.Enqueue(intent("https://wns.example/ch1")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	d.Wait()

	attempts := sender.attemptCount()
	if attempts < 2 {
		t.Fatalf("attempts = %d, want several before abandonment", attempts)
	}
	if attempts > 100 {
		t.Fatalf("attempts = %d, item was not abandoned", attempts)
	}
	if totalWait > 10*600_000*time.Millisecond {
		t.Errorf("cumulative wait %v is unbounded", totalWait)
	}
}

type senderFunc func(context.Context, *push.Item, string) notifier.DeliveryOutcome

func (f senderFunc) Send(ctx context.Context, item *push.Item, token string) notifier.DeliveryOutcome {
	return f(ctx, item, token)
}

// Retry waits must be non-decreasing and cross the 600s ceiling in a
// bounded number of steps.
func TestGrowDelayMonotoneAndBounded(t *testing.T) {
	var wait time.Duration
	prev := time.Duration(0)
	steps := 0
	for wait <= retryCeiling {
		wait = growDelay(wait, retryFloor)
		if wait < prev {
			t.Fatalf("wait decreased: %v -> %v", prev, wait)
		}
		prev = wait
		steps++
		if steps > 100 {
			t.Fatalf("wait never exceeded ceiling after %d steps", steps)
		}
	}
	t.Logf("ceiling crossed after %d steps at %v", steps, wait)
}

func TestGrowDelayFloor(t *testing.T) {
	got := growDelay(0, retryFloor)
	// max(0, 1000ms)^1.1 in milliseconds.
	if got < 1900*time.Millisecond || got > 2100*time.Millisecond {
		t.Errorf("growDelay(0) = %v, want ~1995ms", got)
	}
}

func TestRemoveTargetDevice(t *testing.T) {
	sender := &scriptedSender{script: []notifier.DeliveryOutcome{
		notifier.RemoveTargetDevice | notifier.PermanentFailure,
	}}
	d, _, remover := newTestDispatcher(sender)

	if err := d.Enqueue(intent("https://wns.example/dead")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	d.Wait()

	remover.mu.Lock()
	defer remover.mu.Unlock()
	if len(remover.removed) != 1 || remover.removed[0] != "https://wns.example/dead" {
		t.Errorf("removed devices = %v, want the dead URI once", remover.removed)
	}
	if got := sender.attemptCount(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry after permanent failure)", got)
	}
}

func TestInvalidateTokenThenRetry(t *testing.T) {
	sender := &scriptedSender{script: []notifier.DeliveryOutcome{
		notifier.RetryableFailure | notifier.InvalidateToken,
	}}
	d, tokens, _ := newTestDispatcher(sender)

	if err := d.Enqueue(intent("https://wns.example/ch1")); err != nil {
		t.Fatalf("Enqueue() = %v", err)
	}
	d.Wait()

	if got := tokens.invalidations.Load(); got != 1 {
		t.Errorf("invalidations = %d, want 1", got)
	}
	if got := sender.attemptCount(); got != 2 {
		t.Errorf("attempts = %d, want 2 (retry with fresh token)", got)
	}
}

// Once the root context is cancelled, a deep queue must be discarded
// without delivery attempts or inter-item waits, so shutdown is prompt.
func TestShutdownDiscardsQueueWithoutWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sender := &scriptedSender{}
	d := New(ctx, sender, &fakeTokens{}, &fakeRemover{}, testLogger())

	var sleeps atomic.Int32
	d.sleep = func(time.Duration) { sleeps.Add(1) }

	cancel()
	for i := 0; i < 50; i++ {
		if err := d.Enqueue(intent("https://wns.example/ch1")); err != nil {
			t.Fatalf("Enqueue() = %v", err)
		}
	}
	d.Wait()

	if got := sender.attemptCount(); got != 0 {
		t.Errorf("attempts after shutdown = %d, want 0", got)
	}
	if got := sleeps.Load(); got != 0 {
		t.Errorf("sleeps after shutdown = %d, want 0", got)
	}
	if got := d.pending(); got != 0 {
		t.Errorf("pending after shutdown drain = %d, want 0", got)
	}
}

// Concurrent enqueues must all be delivered exactly once with a single
// drain loop.
func TestConcurrentEnqueueSingleFlight(t *testing.T) {
	sender := &scriptedSender{}
	d, _, _ := newTestDispatcher(sender)

	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := d.Enqueue(intent("https://wns.example/ch")); err != nil {
					t.Errorf("Enqueue() = %v", err)
				}
			}
		}()
	}
	wg.Wait()
	d.Wait()

	if got := sender.attemptCount(); got != producers*perProducer {
		t.Errorf("deliveries = %d, want %d", got, producers*perProducer)
	}
}
