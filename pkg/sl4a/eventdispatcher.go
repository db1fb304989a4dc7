package sl4a

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mobly-go/sl4a/internal/metrics"
)

const (
	deviceWaitMillis   = 60_000
	clientPollTimeout  = 120 * time.Second
	handlerPoolWorkers = 32
)

// EventHandler is invoked for every event delivered under a name it was
// registered for, instead of that event being queued.
type EventHandler func(event Event, args []any)

// Event is one asynchronous message pushed by the agent.
type Event struct {
	Name string
	Time int64
	Data json.RawMessage
}

type dispatcherState int

const (
	stateNew dispatcherState = iota
	stateStarted
	stateClosed
)

// eventCaller is the subset of RPCClient the dispatcher needs: a blocking
// eventWait call and a liveness check. Defined as an interface so tests can
// substitute a fake without constructing a real connection pool.
type eventCaller interface {
	Call(ctx context.Context, method string, params []any, opts CallOpts, result any) error
	Alive() bool
}

// EventDispatcher long-polls the agent for events and routes each one to a
// registered handler or a per-name FIFO queue. States progress one-way:
// NEW -> started -> closed.
type EventDispatcher struct {
	logger  *zap.Logger
	rpc     eventCaller
	metrics *metrics.Registry

	mu       sync.Mutex
	state    dispatcherState
	queues   map[string][]Event
	handlers map[string]registeredHandler
	cond     *sync.Cond

	handlerSem chan struct{}
	handlerWG  sync.WaitGroup

	pollCancel context.CancelFunc
}

type registeredHandler struct {
	fn   EventHandler
	args []any
}

// NewEventDispatcher constructs a dispatcher bound to rpc. Call Start to
// begin polling.
func NewEventDispatcher(logger *zap.Logger, rpc eventCaller, metricsReg *metrics.Registry) *EventDispatcher {
	d := &EventDispatcher{
		logger:     logger,
		rpc:        rpc,
		metrics:    metricsReg,
		queues:     make(map[string][]Event),
		handlers:   make(map[string]registeredHandler),
		handlerSem: make(chan struct{}, handlerPoolWorkers),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// RegisterHandler attaches fn to every future event named name. Valid only
// before Start; fails with ErrIllegalState after, and ErrDuplicateHandler
// if name already has a handler.
func (d *EventDispatcher) RegisterHandler(name string, fn EventHandler, args []any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != stateNew {
		return ErrIllegalState
	}
	if _, ok := d.handlers[name]; ok {
		return ErrDuplicateHandler
	}
	d.handlers[name] = registeredHandler{fn: fn, args: args}
	return nil
}

// Start begins the poll loop on a dedicated goroutine. The loop's context
// is cancelled when Close is called, so a collaborator that honors context
// cancellation (as the real RPC Client's checkout does) unblocks promptly;
// one still in flight inside a blocking socket read exits at its own
// timeout, same as if Start's ctx were cancelled by the caller.
func (d *EventDispatcher) Start(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.state = stateStarted
	d.pollCancel = cancel
	d.mu.Unlock()

	go d.pollLoop(pollCtx)
}

func (d *EventDispatcher) pollLoop(ctx context.Context) {
	for {
		d.mu.Lock()
		closed := d.state == stateClosed
		d.mu.Unlock()
		if closed {
			return
		}

		var raw json.RawMessage
		err := d.rpc.Call(ctx, "eventWait", []any{deviceWaitMillis}, CallOpts{Timeout: clientPollTimeout}, &raw)
		if err != nil {
			if _, ok := err.(*RpcTimeoutError); ok {
				continue
			}
			if d.rpc.Alive() {
				d.logger.Info("event poll loop exiting: session was closed externally", zap.Error(err))
				return
			}
			d.logger.Error("event poll loop exiting: rpc client is no longer alive", zap.Error(err))
			d.Close()
			return
		}
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}

		var ev eventFrame
		if unmarshalErr := json.Unmarshal(raw, &ev); unmarshalErr != nil {
			d.logger.Warn("malformed event frame, skipping", zap.Error(unmarshalErr))
			continue
		}
		if ev.Name == "" {
			d.logger.Warn("event frame missing name, skipping")
			continue
		}
		if ev.Name == eventDispatcherShutdown {
			return
		}

		d.deliver(Event{Name: ev.Name, Time: ev.Time, Data: ev.Data})
	}
}

func (d *EventDispatcher) deliver(event Event) {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return
	}
	h, hasHandler := d.handlers[event.Name]
	if !hasHandler {
		d.queues[event.Name] = append(d.queues[event.Name], event)
		if d.metrics != nil {
			d.metrics.SetQueueDepth(event.Name, len(d.queues[event.Name]))
		}
		d.cond.Broadcast()
	}
	d.mu.Unlock()

	if hasHandler {
		d.handlerWG.Add(1)
		d.handlerSem <- struct{}{}
		go func() {
			defer d.handlerWG.Done()
			defer func() { <-d.handlerSem }()
			h.fn(event, h.args)
		}()
	}
}

// PopEvent blocks up to timeout for the next event named name. timeout of
// zero is non-blocking; a negative timeout blocks forever.
func (d *EventDispatcher) PopEvent(name string, timeout time.Duration) (Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateStarted {
		return Event{}, ErrIllegalState
	}

	if len(d.queues[name]) == 0 {
		if timeout == 0 {
			return Event{}, ErrEmptyQueue
		}
		if !d.waitLocked(name, timeout) {
			return Event{}, ErrEmptyQueue
		}
	}

	q := d.queues[name]
	ev := q[0]
	d.queues[name] = q[1:]
	if d.metrics != nil {
		d.metrics.SetQueueDepth(name, len(d.queues[name]))
	}
	return ev, nil
}

// waitLocked waits on d.cond until the named queue is non-empty or timeout
// elapses (timeout < 0 waits forever). Must be called with d.mu held; it is
// released for the duration of the wait, per sync.Cond's contract.
//
// sync.Cond has no built-in timeout, so a deadline is implemented by
// arming a timer that broadcasts on expiry; every waiter re-checks its own
// predicate after each wakeup, so a spurious or unrelated broadcast never
// causes an incorrect return.
func (d *EventDispatcher) waitLocked(name string, timeout time.Duration) bool {
	var deadline time.Time
	var timer *time.Timer
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer = time.AfterFunc(timeout, func() {
			d.mu.Lock()
			d.cond.Broadcast()
			d.mu.Unlock()
		})
		defer timer.Stop()
	}

	for len(d.queues[name]) == 0 {
		if d.state == stateClosed {
			return false
		}
		if timeout > 0 && !time.Now().Before(deadline) {
			return false
		}
		d.cond.Wait()
	}
	return true
}

// WaitForEvent blocks up to timeout for an event named name satisfying
// predicate. Non-matching events are consumed by default
// (consumeIgnoredEvents=true) or re-enqueued at the tail otherwise.
func (d *EventDispatcher) WaitForEvent(ctx context.Context, name string, predicate func(Event) bool, timeout time.Duration, consumeIgnoredEvents bool) (Event, error) {
	deadline := time.Now().Add(timeout)
	var skipped []Event

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.requeue(name, skipped)
			return Event{}, ErrEmptyQueue
		}
		inner := remaining
		if inner > time.Second {
			inner = time.Second
		}

		ev, err := d.PopEvent(name, inner)
		if err != nil {
			if err == ErrEmptyQueue {
				select {
				case <-ctx.Done():
					d.requeue(name, skipped)
					return Event{}, ctx.Err()
				default:
					continue
				}
			}
			d.requeue(name, skipped)
			return Event{}, err
		}

		if predicate(ev) {
			d.requeue(name, skipped)
			return ev, nil
		}
		if !consumeIgnoredEvents {
			skipped = append(skipped, ev)
		}
	}
}

func (d *EventDispatcher) requeue(name string, events []Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	d.queues[name] = append(d.queues[name], events...)
	d.cond.Broadcast()
	d.mu.Unlock()
}

// PopEvents polls, every freq, every queue whose name matches regex,
// pulling at most one event per matching queue, until at least one event is
// collected or timeout elapses. Results are sorted ascending by Time.
func (d *EventDispatcher) PopEvents(ctx context.Context, pattern string, timeout, freq time.Duration) ([]Event, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("sl4a: invalid event name pattern %q: %w", pattern, err)
	}

	d.mu.Lock()
	started := d.state == stateStarted
	d.mu.Unlock()
	if !started {
		return nil, ErrIllegalState
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		results := d.drainMatching(re)
		if len(results) > 0 {
			sort.Slice(results, func(i, j int) bool { return results[i].Time < results[j].Time })
			return results, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrEmptyQueue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *EventDispatcher) drainMatching(re *regexp.Regexp) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	var results []Event
	for name, q := range d.queues {
		if len(q) == 0 || !re.MatchString(name) {
			continue
		}
		results = append(results, q[0])
		d.queues[name] = q[1:]
		if d.metrics != nil {
			d.metrics.SetQueueDepth(name, len(d.queues[name]))
		}
	}
	return results
}

// PopAll drains every buffered event for name without blocking. It does not
// check the dispatcher's state.
func (d *EventDispatcher) PopAll(name string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[name]
	d.queues[name] = nil
	if d.metrics != nil {
		d.metrics.SetQueueDepth(name, 0)
	}
	return q
}

// ClearEvents resets the queue for name. This is an unconditional reset: it
// never observes or raises an empty-queue condition, even if the queue was
// already empty.
func (d *EventDispatcher) ClearEvents(name string) {
	d.mu.Lock()
	d.queues[name] = nil
	d.mu.Unlock()
}

// ClearAllEvents resets every queue.
func (d *EventDispatcher) ClearAllEvents() {
	d.mu.Lock()
	d.queues = make(map[string][]Event)
	d.mu.Unlock()
}

// Close stops accepting new deliveries, cancels the poll loop (if Start was
// called), waits for in-flight handler invocations to finish, and clears
// all queues. Idempotent.
func (d *EventDispatcher) Close() {
	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		return
	}
	d.state = stateClosed
	cancel := d.pollCancel
	d.cond.Broadcast()
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.handlerWG.Wait()

	d.mu.Lock()
	d.queues = make(map[string][]Event)
	d.mu.Unlock()
}
