package sl4a

import (
	"context"
	"testing"
	"time"
)

type fakeOwner struct {
	sessions map[int]bool
	ports    map[int]bool
}

func (f *fakeOwner) hasSession(uid int) bool  { return f.sessions[uid] }
func (f *fakeOwner) hasKnownPort(port int) bool { return f.ports[port] }

func TestErrorReporterFinalizeWithNoInFlightReturnsImmediately(t *testing.T) {
	r := NewErrorReporter(testLogger(), newFakeAdb("S"), nil, 1)

	done := make(chan struct{})
	go func() {
		r.FinalizeReports()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("FinalizeReports blocked with no in-flight reports")
	}
}

func TestErrorReporterDiagnoseAfterFinalizeIsNoop(t *testing.T) {
	r := NewErrorReporter(testLogger(), newFakeAdb("S"), nil, 1)
	r.FinalizeReports()

	owner := &fakeOwner{sessions: map[int]bool{}, ports: map[int]bool{}}
	conn := &Connection{ports: PortTuple{Forwarded: 1, Server: 2}}

	done := make(chan struct{})
	go func() {
		r.Diagnose(context.Background(), owner, conn)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Diagnose after FinalizeReports did not return promptly")
	}

	if r.ticket != 0 {
		t.Errorf("ticket = %d, want 0 (no report should have been accepted)", r.ticket)
	}
}

func TestErrorReporterDiagnoseRespectsCap(t *testing.T) {
	r := NewErrorReporter(testLogger(), newFakeAdb("S"), nil, 1)
	owner := &fakeOwner{sessions: map[int]bool{}, ports: map[int]bool{}}
	conn := &Connection{ports: PortTuple{Forwarded: 1, Server: 2}}

	// The cap is a lifetime total, not an instantaneous concurrency bound:
	// once the first call claims the only ticket maxReports=1 allows, every
	// later call - even fully sequential, with no overlap in flight - must
	// be refused forever.
	for i := 0; i < 3; i++ {
		r.Diagnose(context.Background(), owner, conn)
	}

	r.mu.Lock()
	inFlight := r.inFlight
	ticket := r.ticket
	r.mu.Unlock()

	if inFlight != 0 {
		t.Errorf("inFlight = %d, want 0 after all calls returned", inFlight)
	}
	if ticket != 1 {
		t.Errorf("ticket = %d, want 1 (cap reached after the first call, never issued again)", ticket)
	}
}
