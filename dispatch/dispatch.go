// Package dispatch queues notification intents and drains them to the push
// channels with per-item retry and global backpressure.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"chatty-notifier/pkg/notifier"
	"chatty-notifier/push"
)

// ErrEmptyDeviceURI is returned by Enqueue for an intent with no target.
var ErrEmptyDeviceURI = errors.New("dispatch: empty device URI")

const (
	retryFloor     = 1000 * time.Millisecond
	retryCeiling   = 600_000 * time.Millisecond
	itemDelayStart = 3000 * time.Millisecond
)

// TokenSource provides the bearer credential for the WNS channel.
type TokenSource interface {
	Token(ctx context.Context) string
	Invalidate()
}

// DeviceRemover drops a stale device record from user storage.
type DeviceRemover interface {
	DeleteDeviceByURI(ctx context.Context, uri string) error
}

// Dispatcher is an unbounded in-memory work queue with a single-flight
// background drain loop. Enqueue never blocks; delivery is serialized, so
// no two attempts are ever in flight at once.
type Dispatcher struct {
	sender  push.Sender
	tokens  TokenSource
	devices DeviceRemover
	logger  *slog.Logger

	mu       sync.Mutex
	queue    []*push.Item
	draining atomic.Bool

	// Delay floors/ceilings are fields so tests can shrink them.
	retryFloor   time.Duration
	retryCeiling time.Duration
	itemDelay    time.Duration

	sleep func(time.Duration) // Stubbed in tests

	ctx context.Context
	wg  sync.WaitGroup
}

// New creates a dispatcher. ctx bounds delivery attempts made by the drain
// loop; it should outlive the dispatcher's useful life.
func New(ctx context.Context, sender push.Sender, tokens TokenSource, devices DeviceRemover, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:       sender,
		tokens:       tokens,
		devices:      devices,
		logger:       logger,
		retryFloor:   retryFloor,
		retryCeiling: retryCeiling,
		itemDelay:    itemDelayStart,
		sleep:        time.Sleep,
		ctx:          ctx,
	}
}

// Enqueue renders the intent, appends it to the queue, and ensures exactly
// one drain loop is running. It never blocks the caller.
func (d *Dispatcher) Enqueue(intent notifier.NotificationIntent) error {
	if intent.DeviceURI == "" {
		return ErrEmptyDeviceURI
	}

	item := push.NewItem(intent)

	d.mu.Lock()
	d.queue = append(d.queue, item)
	depth := len(d.queue)
	d.mu.Unlock()

	d.logger.Debug("Notification queued",
		"post_id", item.PostID,
		"type", item.Match.String(),
		"queue_depth", depth)

	d.ensureDraining()
	return nil
}

// Wait blocks until the drain loop has gone idle. Used during shutdown and
// in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) ensureDraining() {
	if d.draining.CompareAndSwap(false, true) {
		d.wg.Add(1)
		go d.drain()
	}
}

// drain processes queued items one at a time until the queue is empty.
// Clearing the draining flag and finding the queue non-empty re-arms the
// loop, so an enqueue racing with exit is never lost. Context cancellation
// is shutdown: the remainder of the queue is discarded without backoff so
// Wait returns promptly.
func (d *Dispatcher) drain() {
	defer d.wg.Done()

	for {
		if d.ctx.Err() != nil {
			if n := d.discard(); n > 0 {
				d.logger.Warn("Dispatcher stopped, discarding queued notifications", "count", n)
			}
			d.draining.Store(false)
			if d.pending() > 0 && d.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}

		item, ok := d.pop()
		if !ok {
			d.draining.Store(false)
			if d.pending() > 0 && d.draining.CompareAndSwap(false, true) {
				continue
			}
			return
		}

		if err := d.process(item); err != nil {
			if d.ctx.Err() != nil {
				continue
			}
			d.itemDelay = growDelay(d.itemDelay, itemDelayStart)
			d.logger.Warn("Unexpected dispatch failure",
				"post_id", item.PostID,
				"next_item_delay_ms", d.itemDelay.Milliseconds(),
				"error", err)
		}

		if d.itemDelay > 0 && d.ctx.Err() == nil {
			d.sleep(d.itemDelay)
		}
	}
}

func (d *Dispatcher) pop() (*push.Item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	item := d.queue[0]
	d.queue = d.queue[1:]
	return item, true
}

func (d *Dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) discard() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	d.queue = nil
	return n
}

// process attempts delivery of one item until success, permanent failure,
// or the retry wait exceeds the ceiling.
func (d *Dispatcher) process(item *push.Item) error {
	var wait time.Duration

	for {
		if err := d.ctx.Err(); err != nil {
			return err
		}

		token := d.tokens.Token(d.ctx)
		outcome := d.sender.Send(d.ctx, item, token)

		if outcome.Has(notifier.RemoveTargetDevice) {
			d.removeDevice(item.DeviceURI)
		}
		if outcome.Has(notifier.InvalidateToken) {
			d.tokens.Invalidate()
		}

		switch {
		case outcome.Has(notifier.Success):
			d.itemDelay = 0
			return nil

		case outcome.Has(notifier.RetryableFailure):
			wait = growDelay(wait, d.retryFloor)
			if wait > d.retryCeiling {
				d.logger.Warn("Abandoning notification after retry ceiling",
					"post_id", item.PostID,
					"uri", item.DeviceURI,
					"wait_ms", wait.Milliseconds())
				return nil
			}
			d.logger.Info("Retrying notification delivery",
				"post_id", item.PostID,
				"wait_ms", wait.Milliseconds())
			d.sleep(wait)

		default:
			// PermanentFailure, or an outcome with no actionable fact.
			d.logger.Warn("Dropping notification",
				"post_id", item.PostID,
				"uri", item.DeviceURI,
				"outcome", outcome.String())
			return nil
		}
	}
}

func (d *Dispatcher) removeDevice(uri string) {
	if err := d.devices.DeleteDeviceByURI(d.ctx, uri); err != nil {
		d.logger.Warn("Failed to remove stale device", "uri", uri, "error", err)
		return
	}
	d.logger.Info("Stale device removed", "uri", uri)
}

// growDelay raises the current delay to the power 1.1 in milliseconds,
// holding it at floor first so growth starts from a sane base.
func growDelay(current, floor time.Duration) time.Duration {
	ms := float64(current.Milliseconds())
	floorMs := float64(floor.Milliseconds())
	if ms < floorMs {
		ms = floorMs
	}
	return time.Duration(math.Pow(ms, 1.1)) * time.Millisecond
}
