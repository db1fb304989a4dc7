package sl4a

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mobly-go/sl4a/internal/metrics"
)

const (
	defaultCallTimeout = 60 * time.Second
	defaultMaxRetries  = 3
	checkoutBackoff    = 10 * time.Millisecond
)

// DiagnoseFunc is invoked by the RPC Client when a call fails in a way that
// warrants diagnosis (connection break while alive, or retry exhaustion).
// The Session wires this to its owning Manager's Error Reporter.
type DiagnoseFunc func(conn *Connection)

// CallOpts customizes a single Call or CallAsync invocation.
type CallOpts struct {
	// Timeout overrides defaultCallTimeout. Zero means use the default.
	Timeout time.Duration
	// Retries overrides defaultMaxRetries for empty-reply retries.
	Retries int
}

// RPCClient multiplexes concurrent JSON-RPC calls over a bounded pool of
// Connections to one agent session, plus a smaller bounded worker pool for
// its async CallAsync façade.
type RPCClient struct {
	logger  *zap.Logger
	adb     Adb
	metrics *metrics.Registry
	diagnose DiagnoseFunc

	dialFunc func(ctx context.Context) (*Connection, error)

	mu      sync.Mutex
	free    []*Connection
	working map[*Connection]struct{}
	pending int // reserved slots for in-flight dials, counted against max
	max     int
	alive   bool

	asyncSem chan struct{}

	uid int // session UID learned from the eagerly dialed initial connection
}

// NewRPCClient constructs a client and eagerly dials its first Connection
// so the session UID can be learned. dialFunc is called without the pool
// mutex held.
func NewRPCClient(ctx context.Context, logger *zap.Logger, adb Adb, metricsReg *metrics.Registry, maxConnections int, dialFunc func(ctx context.Context) (*Connection, error), diagnose DiagnoseFunc) (*RPCClient, error) {
	if maxConnections < 1 {
		maxConnections = 1
	}
	asyncWorkers := maxConnections - 2
	if asyncWorkers < 1 {
		asyncWorkers = 1
	}

	c := &RPCClient{
		logger:   logger,
		adb:      adb,
		metrics:  metricsReg,
		diagnose: diagnose,
		dialFunc: dialFunc,
		working:  make(map[*Connection]struct{}),
		max:      maxConnections,
		alive:    true,
		asyncSem: make(chan struct{}, asyncWorkers),
	}

	conn, err := dialFunc(ctx)
	if err != nil {
		return nil, err
	}
	c.uid = conn.UID()
	c.free = append(c.free, conn)
	c.reportPoolSize()
	return c, nil
}

// UID returns the session UID learned from the initial handshake performed
// while constructing this client.
func (c *RPCClient) UID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// Alive reports whether Terminate has not yet been called. The Event
// Dispatcher's poll loop consults this to tell an externally-closed session
// apart from an already-dead client.
func (c *RPCClient) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *RPCClient) reportPoolSize() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetPoolSizes(len(c.free), len(c.working))
}

// checkout returns a free Connection, lazily dialing a new one if the pool
// has not reached its cap. The pool mutex is never held across the dial
// I/O: a pending slot is reserved under the lock, the dial happens
// unlocked, and the result is registered back under the lock.
func (c *RPCClient) checkout(ctx context.Context) (*Connection, error) {
	for {
		c.mu.Lock()
		if !c.alive {
			c.mu.Unlock()
			return nil, &StartError{Reason: "rpc client terminated"}
		}
		if n := len(c.free); n > 0 {
			conn := c.free[n-1]
			c.free = c.free[:n-1]
			c.working[conn] = struct{}{}
			c.mu.Unlock()
			c.reportPoolSizeLocked()
			return conn, nil
		}
		if len(c.working)+c.pending < c.max {
			c.pending++
			c.mu.Unlock()

			conn, err := c.dialFunc(ctx)

			c.mu.Lock()
			c.pending--
			if err != nil {
				c.mu.Unlock()
				return nil, err
			}
			c.working[conn] = struct{}{}
			c.mu.Unlock()
			c.reportPoolSizeLocked()
			return conn, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(checkoutBackoff):
		}
	}
}

// reportPoolSizeLocked reports current sizes without holding c.mu (it has
// already been released by the caller); named to signal it mirrors a
// just-released locked section, not that it still holds the lock.
func (c *RPCClient) reportPoolSizeLocked() {
	c.mu.Lock()
	free, working := len(c.free), len(c.working)
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.SetPoolSizes(free, working)
	}
}

// release returns conn to the free set.
func (c *RPCClient) release(conn *Connection) {
	c.mu.Lock()
	delete(c.working, conn)
	c.free = append(c.free, conn)
	c.mu.Unlock()
	c.reportPoolSizeLocked()
}

// drop removes conn from the pool entirely (used after a timeout or a
// broken stream) without returning it to free.
func (c *RPCClient) drop(ctx context.Context, conn *Connection) {
	c.mu.Lock()
	delete(c.working, conn)
	c.mu.Unlock()
	conn.Close(ctx)
	c.reportPoolSizeLocked()
}

// Call performs one synchronous JSON-RPC call and decodes its result into
// result (a pointer), or returns the applicable error per §4.C / §7.
func (c *RPCClient) Call(ctx context.Context, method string, params []any, opts CallOpts, result any) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	conn, err := c.checkout(ctx)
	if err != nil {
		return err
	}

	if err := conn.SetTimeout(timeout); err != nil {
		c.release(conn)
		return &ConnectionError{Op: "set timeout", Err: err}
	}

	ticket := conn.NewTicket()
	req := rpcRequest{ID: ticket, Method: method, Params: params}

	var line string
	for attempt := 0; attempt <= retries; attempt++ {
		if err := conn.Send(req); err != nil {
			c.failConnection(ctx, conn)
			c.metricCall(method, "connection_error")
			return &ConnectionError{Op: "send", Err: err}
		}

		line, err = conn.Recv()
		if err != nil {
			if isTimeoutErr(err) {
				c.drop(ctx, conn)
				c.metricCall(method, "timeout")
				return &RpcTimeoutError{Method: method, Timeout: int(timeout.Seconds())}
			}
			c.failConnection(ctx, conn)
			c.metricCall(method, "connection_error")
			return &ConnectionError{Op: "recv", Err: err}
		}
		if line != "" {
			break
		}
	}

	if err := conn.SetTimeout(0); err != nil {
		c.logger.Warn("failed to clear connection timeout", zap.Error(err))
	}

	if line == "" {
		if c.diagnose != nil {
			c.diagnose(conn)
		}
		c.release(conn)
		c.metricCall(method, "no_response")
		return &ProtocolError{Kind: NoResponseFromServer, Method: method}
	}

	resp, err := decodeResponse(line)
	if err != nil {
		c.release(conn)
		c.metricCall(method, "decode_error")
		return err
	}

	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		c.release(conn)
		c.metricCall(method, "api_error")
		return decodeAPIError(resp.Error, method)
	}

	if resp.ID != ticket {
		c.release(conn)
		c.metricCall(method, "mismatched_id")
		return &ProtocolError{Kind: MismatchedAPIID, Method: method}
	}

	c.release(conn)
	c.metricCall(method, "ok")

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return err
		}
	}
	return nil
}

func (c *RPCClient) metricCall(method, outcome string) {
	if c.metrics != nil {
		c.metrics.IncCall(method, outcome)
	}
}

// failConnection handles a broken stream encountered mid-call: diagnose and
// drop if the client is still alive; otherwise drop quietly, since a broken
// stream during teardown is expected, not exceptional.
func (c *RPCClient) failConnection(ctx context.Context, conn *Connection) {
	c.mu.Lock()
	alive := c.alive
	c.mu.Unlock()

	if alive && c.diagnose != nil {
		c.diagnose(conn)
	}
	c.drop(ctx, conn)
}

func decodeAPIError(raw json.RawMessage, method string) error {
	var structured apiError
	if err := json.Unmarshal(raw, &structured); err == nil && (structured.Message != "" || structured.Code != 0) {
		return &ApiError{Code: structured.Code, Message: structured.Message, Data: structured.Data, RPCName: method}
	}
	var scalar string
	if err := json.Unmarshal(raw, &scalar); err == nil {
		return &ApiError{Code: -1, Message: scalar, RPCName: method}
	}
	return &ApiError{Code: -1, Message: string(raw), RPCName: method}
}

// Future represents the pending result of a CallAsync invocation.
type Future struct {
	done   chan struct{}
	err    error
	result any
}

// Wait blocks until the async call completes (or ctx is cancelled) and
// decodes its result into result (a pointer), matching Call's contract.
func (f *Future) Wait(ctx context.Context, result any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	if result != nil && f.result != nil {
		b, err := json.Marshal(f.result)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, result)
	}
	return nil
}

// CallAsync submits method to the bounded async worker pool and returns a
// Future immediately. The async pool is sized max(maxConnections-2, 1),
// deliberately smaller than the connection cap so synchronous callers are
// never starved of connections by outstanding futures.
func (c *RPCClient) CallAsync(ctx context.Context, method string, params []any, opts CallOpts) *Future {
	f := &Future{done: make(chan struct{})}

	go func() {
		c.asyncSem <- struct{}{}
		defer func() { <-c.asyncSem }()
		var raw json.RawMessage
		err := c.Call(ctx, method, params, opts, &raw)
		f.err = err
		f.result = raw
		close(f.done)
	}()

	return f
}

// Terminate closes every Connection in the pool and marks the client dead.
// Subsequent Call/CallAsync invocations fail with StartError.
func (c *RPCClient) Terminate(ctx context.Context) {
	c.mu.Lock()
	c.alive = false
	all := append([]*Connection{}, c.free...)
	for conn := range c.working {
		all = append(all, conn)
	}
	c.free = nil
	c.working = make(map[*Connection]struct{})
	c.mu.Unlock()

	for _, conn := range all {
		if err := conn.Close(ctx); err != nil {
			c.logger.Warn("error closing connection during terminate", zap.Error(err))
		}
	}
	c.reportPoolSizeLocked()
}

// PoolSize reports the current free/working connection counts, chiefly for
// tests asserting the pool-cap invariant.
func (c *RPCClient) PoolSize() (free, working int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free), len(c.working)
}

func isTimeoutErr(err error) bool {
	type timeouter interface{ Timeout() bool }
	if t, ok := err.(timeouter); ok {
		return t.Timeout()
	}
	return false
}
