package sl4a

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/mobly-go/sl4a/internal/metrics"
)

// minAdbVersionForAutoPort is the lowest adb version (encoded the way
// internal/adbshell's VersionNumber does, by concatenating the dotted
// components, i.e. "1.0.37" -> 1037) that will hand back the host port it auto-assigned for
// `adb forward`. Older adb binaries silently leave the caller unable to
// learn which port was chosen.
const minAdbVersionForAutoPort = 1037

// ServerPortResolver asks the owning Manager to choose or start a
// device-side server port. hintedPort of 0 means "pick any"; a nonzero
// hint requests that specific port be (re)used if possible.
type ServerPortResolver func(ctx context.Context, hintedPort int) (int, error)

// Session is one logical conversation with the agent: an RPC Client and
// (lazily) an Event Dispatcher, bound to a UID issued by the agent on first
// handshake.
type Session struct {
	logger  *zap.Logger
	adb     Adb
	metrics *metrics.Registry

	resolveServerPort ServerPortResolver
	diagnose          DiagnoseFunc
	maxConnections    int

	mu         sync.Mutex
	uid        int
	serverPort int
	rpc        *RPCClient
	dispatcher *EventDispatcher
	terminated bool
}

// NewSession constructs an unopened Session. Call Open to perform the
// initial handshake.
func NewSession(logger *zap.Logger, adb Adb, metricsReg *metrics.Registry, maxConnections int, resolver ServerPortResolver, diagnose DiagnoseFunc) *Session {
	return &Session{
		logger:            logger,
		adb:               adb,
		metrics:           metricsReg,
		resolveServerPort: resolver,
		diagnose:          diagnose,
		maxConnections:    maxConnections,
		uid:               UnknownUID,
	}
}

// Open resolves a device server port and performs the initial handshake
// over a freshly forwarded Connection, adopting the returned UID as this
// Session's UID. Every later pooled Connection (dialed lazily by the RPC
// Client as load demands) repeats the same forward-then-handshake sequence
// independently, getting its own host port forwarded to the same server
// port; see the dial closure below.
func (s *Session) Open(ctx context.Context, hintedHostPort, hintedServerPort int) error {
	serverPort, err := s.resolveServerPort(ctx, hintedServerPort)
	if err != nil {
		return &StartError{Reason: "resolve server port", Err: err}
	}

	s.mu.Lock()
	s.serverPort = serverPort
	s.mu.Unlock()

	dial := func(dialCtx context.Context) (*Connection, error) {
		ports, err := s.forwardWithRetry(dialCtx, hintedHostPort, serverPort)
		if err != nil {
			return nil, &StartError{Reason: "forward port", Err: err}
		}

		s.mu.Lock()
		uid := s.uid
		s.mu.Unlock()

		conn, err := dialConnection(dialCtx, s.logger, s.adb, ports, uid)
		if err != nil {
			if removeErr := s.adb.RemoveForward(dialCtx, ports.Forwarded); removeErr != nil {
				s.logger.Warn("failed to remove port forward after failed dial",
					zap.Int("forwarded_port", ports.Forwarded), zap.Error(removeErr))
			}
			return nil, err
		}
		return conn, nil
	}

	rpc, err := NewRPCClient(ctx, s.logger, s.adb, s.metrics, s.maxConnections, dial, s.diagnose)
	if err != nil {
		return &StartError{Reason: "open initial connection", Err: err}
	}

	s.mu.Lock()
	s.rpc = rpc
	s.uid = rpc.UID()
	s.mu.Unlock()

	return nil
}

// forwardWithRetry binds hostPort via the Adb collaborator's Forward call,
// producing the PortTuple for one new Connection. If a nonzero hostPort is
// already in use, or a probe connect to the forwarded port fails, it
// retries once with an OS-assigned port (0); a failed probe on an
// OS-assigned port is returned as an error. The retry with 0 passes through
// the ADB version check below, exactly as it would for a caller that
// requested an auto-assigned port from the start.
func (s *Session) forwardWithRetry(ctx context.Context, hostPort, serverPort int) (PortTuple, error) {
	if hostPort == 0 {
		version, err := s.adb.VersionNumber(ctx)
		if err != nil {
			return PortTuple{}, fmt.Errorf("sl4a: check adb version: %w", err)
		}
		if version < minAdbVersionForAutoPort {
			return PortTuple{}, fmt.Errorf("sl4a: adb version %d cannot auto-assign a forward port; upgrade to 1.0.37 or higher", version)
		}
	}

	bound, err := s.adb.Forward(ctx, hostPort, serverPort)
	if err == nil {
		probeErr := probeBindable(bound)
		if probeErr == nil {
			return PortTuple{Client: bound, Forwarded: bound, Server: serverPort}, nil
		}
		_ = s.adb.RemoveForward(ctx, bound)
		if hostPort == 0 {
			return PortTuple{}, probeErr
		}
		s.logger.Warn("forwarded host port not yet connectable, retrying with OS-assigned port",
			zap.Int("host_port", bound))
		return s.forwardWithRetry(ctx, 0, serverPort)
	}

	if hostPort != 0 && isAddrInUse(err) {
		s.logger.Warn("requested host port in use, retrying with OS-assigned port",
			zap.Int("host_port", hostPort))
		return s.forwardWithRetry(ctx, 0, serverPort)
	}
	return PortTuple{}, err
}

// probeBindable briefly dials loopback:port to confirm the forward is
// already routable, surfacing EADDRNOTAVAIL-class failures before a
// Connection attempt would hit them.
func probeBindable(port int) error {
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

func isAddrInUse(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && errno == syscall.EADDRINUSE
}

// UID returns the agent-assigned session UID, or UnknownUID before Open
// completes a successful handshake.
func (s *Session) UID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uid
}

// Ports returns the session's device-side server port. Unlike the server
// port, the forwarded host port is not a session-level property: each
// pooled Connection forwards (and later releases) its own, so only Server
// is ever populated here.
func (s *Session) Ports() PortTuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PortTuple{Server: s.serverPort}
}

// RPC returns the session's RPC Client.
func (s *Session) RPC() *RPCClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rpc
}

// GetEventDispatcher lazily constructs the session's Event Dispatcher on
// first call and returns the same instance thereafter. The dispatcher is
// constructed but not started; callers invoke Start explicitly.
func (s *Session) GetEventDispatcher() *EventDispatcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatcher == nil {
		s.dispatcher = NewEventDispatcher(s.logger, s.rpc, s.metrics)
	}
	return s.dispatcher
}

// Terminate tears the session down: it asks the agent to close the
// session, closes the Event Dispatcher if one was created, and terminates
// the RPC Client, which closes every pooled Connection - each releasing its
// own host port forward as it closes. Idempotent.
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	rpc := s.rpc
	dispatcher := s.dispatcher
	s.mu.Unlock()

	if rpc != nil {
		var ignored any
		if err := rpc.Call(ctx, "closeSl4aSession", nil, CallOpts{}, &ignored); err != nil {
			if apiErr, ok := err.(*ApiError); !ok || apiErr.Message != "session already terminated" {
				s.logger.Warn("closeSl4aSession failed during terminate", zap.Error(err))
			}
		}
	}

	if dispatcher != nil {
		dispatcher.Close()
	}
	if rpc != nil {
		rpc.Terminate(ctx)
	}
	return nil
}
