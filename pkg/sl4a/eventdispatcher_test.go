package sl4a

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// scriptedCaller feeds eventWait calls from a channel of pre-built event
// frames, then blocks forever (simulating an agent with no more events)
// until the test closes done.
type scriptedCaller struct {
	frames chan eventFrame
	done   chan struct{}
	alive  bool
}

func newScriptedCaller() *scriptedCaller {
	return &scriptedCaller{frames: make(chan eventFrame, 16), done: make(chan struct{}), alive: true}
}

func (s *scriptedCaller) Alive() bool { return s.alive }

func (s *scriptedCaller) Call(ctx context.Context, method string, params []any, opts CallOpts, result any) error {
	select {
	case f, ok := <-s.frames:
		if !ok {
			<-s.done
			return &ConnectionError{Op: "closed"}
		}
		b, _ := json.Marshal(f)
		return json.Unmarshal(b, result)
	case <-s.done:
		return &ConnectionError{Op: "closed"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *scriptedCaller) push(name string, t int64, data string) {
	s.frames <- eventFrame{Name: name, Time: t, Data: json.RawMessage(data)}
}

func (s *scriptedCaller) stop() { close(s.done) }

func TestEventDispatcherQueueFIFO(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	caller.push("EVT", 1, `{}`)
	caller.push("EVT", 2, `{}`)

	e1, err := d.PopEvent("EVT", time.Second)
	if err != nil {
		t.Fatalf("PopEvent 1: %v", err)
	}
	e2, err := d.PopEvent("EVT", time.Second)
	if err != nil {
		t.Fatalf("PopEvent 2: %v", err)
	}
	if e1.Time != 1 || e2.Time != 2 {
		t.Errorf("got times %d, %d; want FIFO order 1, 2", e1.Time, e2.Time)
	}
}

func TestEventDispatcherHandlerWinsOverQueue(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)

	received := make(chan Event, 1)
	if err := d.RegisterHandler("EVT", func(e Event, args []any) { received <- e }, nil); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	d.Start(context.Background())

	caller.push("EVT", 10, `{"x":1}`)

	select {
	case e := <-received:
		if e.Time != 10 {
			t.Errorf("handler got time %d, want 10", e.Time)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}

	_, err := d.PopEvent("EVT", 0)
	if err != ErrEmptyQueue {
		t.Errorf("PopEvent after handler consumed = %v, want ErrEmptyQueue", err)
	}
}

func TestEventDispatcherDuplicateHandler(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)

	if err := d.RegisterHandler("EVT", func(Event, []any) {}, nil); err != nil {
		t.Fatalf("first RegisterHandler: %v", err)
	}
	if err := d.RegisterHandler("EVT", func(Event, []any) {}, nil); err != ErrDuplicateHandler {
		t.Errorf("second RegisterHandler = %v, want ErrDuplicateHandler", err)
	}
}

func TestEventDispatcherRegisterAfterStartFails(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	if err := d.RegisterHandler("EVT", func(Event, []any) {}, nil); err != ErrIllegalState {
		t.Errorf("RegisterHandler after Start = %v, want ErrIllegalState", err)
	}
}

func TestEventDispatcherPopEventTimeout(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	_, err := d.PopEvent("NOPE", 50*time.Millisecond)
	if err != ErrEmptyQueue {
		t.Errorf("PopEvent timeout = %v, want ErrEmptyQueue", err)
	}
}

func TestEventDispatcherPopEventsSortedByTime(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	caller.push("A", 2, `{}`)
	caller.push("B", 1, `{}`)
	caller.push("A", 3, `{}`)
	time.Sleep(100 * time.Millisecond)

	results, err := d.PopEvents(context.Background(), "A|B", time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("PopEvents: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2 (one per matching queue)", len(results))
	}
	if results[0].Time != 1 || results[1].Time != 2 {
		t.Errorf("results not sorted ascending: got times %d, %d", results[0].Time, results[1].Time)
	}

	second, err := d.PopEvents(context.Background(), "A|B", time.Second, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("second PopEvents: %v", err)
	}
	if len(second) != 1 || second[0].Time != 3 {
		t.Errorf("second batch = %+v, want one event at time 3", second)
	}
}

func TestEventDispatcherClearEventsNeverErrors(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	d.ClearEvents("NEVER_POPULATED")
	d.ClearAllEvents()
}

func TestEventDispatcherCloseIdempotent(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	d.Close()
	d.Close()
}

func TestEventDispatcherWaitForEventPredicate(t *testing.T) {
	caller := newScriptedCaller()
	defer caller.stop()
	d := NewEventDispatcher(testLogger(), caller, nil)
	d.Start(context.Background())

	caller.push("EVT", 1, `{"ok":false}`)
	caller.push("EVT", 2, `{"ok":true}`)

	ev, err := d.WaitForEvent(context.Background(), "EVT", func(e Event) bool {
		var data struct {
			OK bool `json:"ok"`
		}
		json.Unmarshal(e.Data, &data)
		return data.OK
	}, 2*time.Second, true)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if ev.Time != 2 {
		t.Errorf("matched event time = %d, want 2", ev.Time)
	}
}
