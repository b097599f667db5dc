// Package monitor drives the long-poll loop against the event stream and
// manages polling cadence and failure backoff.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"chatty-notifier/chatty"
	"chatty-notifier/pkg/notifier"
)

const (
	// A long poll that produced nothing in this window is abandoned and
	// reissued; the backend holds calls open for a few minutes at most.
	defaultPollTimeout = 5 * time.Minute

	backoffFloorSeconds   = 2
	backoffCeilingSeconds = 600
)

// EventSource supplies the event stream: a one-shot newest-id fetch for
// bootstrapping the cursor and a blocking long poll.
type EventSource interface {
	NewestEventID(ctx context.Context) (int, error)
	WaitForEvent(ctx context.Context, lastEventID int) (*notifier.EventBatch, error)
}

// EventHandler consumes one new-post event. Implementations must keep all
// per-event state local to the call.
type EventHandler interface {
	ProcessEvent(ctx context.Context, ev notifier.Event)
}

// Monitor repeatedly long-polls the event stream and feeds new posts to
// the handler. Start and Stop are its only public surface.
type Monitor struct {
	source      EventSource
	handler     EventHandler
	logger      *slog.Logger
	pollTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// New creates a monitor.
func New(source EventSource, handler EventHandler, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:      source,
		handler:     handler,
		logger:      logger,
		pollTimeout: defaultPollTimeout,
	}
}

// Start launches the polling loop. Calling Start on a running or stopped
// monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil || m.stopped {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(ctx)

	m.logger.Info("Event monitor started")
}

// Stop cancels any in-flight long poll and waits for the loop to exit.
// Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
	m.logger.Info("Event monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	var cursor int
	var delay float64 // Seconds

	for ctx.Err() == nil {
		err := m.cycle(ctx, &cursor)
		if err == nil {
			delay = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		m.handleFailure(err, &cursor, &delay)

		select {
		case <-time.After(time.Duration(delay * float64(time.Second))):
		case <-ctx.Done():
			return
		}
	}
}

// handleFailure applies the backoff and cursor policy after a failed
// cycle. A timed-out poll keeps the cursor: polling slows down but no
// events are skipped. Any other failure resets it, so the next cycle
// re-bootstraps instead of re-requesting a window the backend refuses to
// serve.
func (m *Monitor) handleFailure(err error, cursor *int, delay *float64) {
	*delay = NextDelay(*delay)

	if chatty.IsTimeout(err) {
		m.logger.Warn("Event poll timed out",
			"cursor", *cursor,
			"retry_in_s", *delay,
			"error", err)
		return
	}

	m.logger.Warn("Event poll failed, resetting cursor",
		"cursor", *cursor,
		"retry_in_s", *delay,
		"error", err)
	*cursor = 0
}

// cycle runs one poll: bootstrap the cursor if unknown, long-poll for a
// batch, hand each new post to the handler, and advance the cursor.
func (m *Monitor) cycle(ctx context.Context, cursor *int) error {
	if *cursor == 0 {
		id, err := m.source.NewestEventID(ctx)
		if err != nil {
			return err
		}
		*cursor = id
		m.logger.Info("Poll cursor bootstrapped", "cursor", id)
	}

	pollCtx, cancelPoll := context.WithTimeout(ctx, m.pollTimeout)
	batch, err := m.source.WaitForEvent(pollCtx, *cursor)
	cancelPoll()
	if err != nil {
		return err
	}

	for _, ev := range batch.Events {
		if ev.Kind != notifier.EventNewPost {
			continue
		}
		m.handler.ProcessEvent(ctx, ev)
	}

	*cursor = batch.NextCursor
	return nil
}

// NextDelay computes the failure backoff in seconds: the current delay,
// floored at 2, raised to the power 1.5, capped at 600.
func NextDelay(current float64) float64 {
	if current < backoffFloorSeconds {
		current = backoffFloorSeconds
	}
	next := math.Pow(current, 1.5)
	if next > backoffCeilingSeconds {
		next = backoffCeilingSeconds
	}
	return next
}
