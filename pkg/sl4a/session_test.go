package sl4a

import (
	"context"
	"encoding/json"
	"net"
	"testing"
)

// listenForOneHandshake starts a real TCP listener on 127.0.0.1 and accepts
// exactly one connection, replying to its handshake with uid. It returns
// the listener's port so a fakeAdb can report it as the forwarded port.
func listenForOneHandshake(t *testing.T, uid int) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				peer := newFakePeer(conn)
				line, err := peer.readLine()
				if err != nil || line == "" {
					// A bare connect-then-close probe (see Session's
					// forwardWithRetry bindability check): nothing to
					// handshake, just let it close.
					return
				}
				peer.writeLine(mustJSON(handshakeResponse{Status: true, UID: uid}))
				for {
					reqLine, err := peer.readLine()
					if err != nil {
						return
					}
					var req rpcRequest
					if json.Unmarshal([]byte(reqLine), &req) != nil {
						continue
					}
					peer.writeLine(mustJSON(map[string]any{"id": req.ID, "result": "ok", "error": nil}))
				}
			}()
		}
	}()

	return port
}

func TestSessionOpenAdoptsUID(t *testing.T) {
	devicePort := listenForOneHandshake(t, 42)
	adb := newFakeAdb("TESTSERIAL")
	adb.forwardFunc = func(hostPort, devPort int) (int, error) {
		return devicePort, nil
	}

	resolver := func(ctx context.Context, hinted int) (int, error) { return 8080, nil }
	s := NewSession(testLogger(), adb, nil, 4, resolver, nil)

	if err := s.Open(context.Background(), 0, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.UID() != 42 {
		t.Errorf("UID() = %d, want 42", s.UID())
	}
}

func TestSessionTerminateIdempotent(t *testing.T) {
	devicePort := listenForOneHandshake(t, 1)
	adb := newFakeAdb("TESTSERIAL")
	adb.forwardFunc = func(hostPort, devPort int) (int, error) { return devicePort, nil }

	resolver := func(ctx context.Context, hinted int) (int, error) { return 8080, nil }
	s := NewSession(testLogger(), adb, nil, 4, resolver, nil)
	if err := s.Open(context.Background(), 0, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("first Terminate: %v", err)
	}
	if err := s.Terminate(context.Background()); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
}

func TestSessionLazyEventDispatcherSameInstance(t *testing.T) {
	devicePort := listenForOneHandshake(t, 1)
	adb := newFakeAdb("TESTSERIAL")
	adb.forwardFunc = func(hostPort, devPort int) (int, error) { return devicePort, nil }

	resolver := func(ctx context.Context, hinted int) (int, error) { return 8080, nil }
	s := NewSession(testLogger(), adb, nil, 4, resolver, nil)
	if err := s.Open(context.Background(), 0, 0); err != nil {
		t.Fatalf("Open: %v", err)
	}

	d1 := s.GetEventDispatcher()
	d2 := s.GetEventDispatcher()
	if d1 != d2 {
		t.Error("GetEventDispatcher returned different instances across calls")
	}
}
