package sl4a

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UnknownUID is the session UID sentinel used before a handshake has
// adopted a device-assigned UID.
const UnknownUID = -1

// Connection is one line-framed JSON TCP channel to the agent, carrying a
// monotonic ticket counter and the session UID learned (or supplied) during
// its handshake. A Connection is used exclusively by one caller at a time;
// the RPC Client's pool enforces that exclusivity by checkout.
type Connection struct {
	logger *zap.Logger
	adb    Adb

	ports PortTuple

	conn    net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer

	ticketMu sync.Mutex
	ticket   int

	uidMu sync.RWMutex
	uid   int
}

// dialConnection opens a TCP connection to 127.0.0.1:forwardedPort and
// performs the handshake. If uid is UnknownUID, it sends an "initiate"
// frame; otherwise it sends a "continue" frame addressed to that UID.
func dialConnection(ctx context.Context, logger *zap.Logger, adb Adb, ports PortTuple, uid int) (*Connection, error) {
	d := net.Dialer{}
	raw, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", ports.Forwarded))
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return newConnection(raw, logger, adb, ports, uid)
}

// newConnection wraps an already-established net.Conn and performs the
// handshake over it. Split out from dialConnection so tests can substitute
// an in-memory net.Pipe for the real TCP dial.
func newConnection(raw net.Conn, logger *zap.Logger, adb Adb, ports PortTuple, uid int) (*Connection, error) {
	c := &Connection{
		logger: logger,
		adb:    adb,
		ports:  ports,
		conn:   raw,
		reader: bufio.NewReader(raw),
		writer: bufio.NewWriter(raw),
		uid:    uid,
	}

	if err := c.handshake(uid); err != nil {
		raw.Close()
		return nil, err
	}
	return c, nil
}

func (c *Connection) handshake(uid int) error {
	req := handshakeRequest{Cmd: "continue", UID: uid}
	if uid == UnknownUID {
		req = handshakeRequest{Cmd: "initiate", UID: UnknownUID}
	}
	if err := writeLine(c.writer, req); err != nil {
		return &ConnectionError{Op: "handshake write", Err: err}
	}

	line, err := readLine(c.reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &ProtocolError{Kind: NoResponseFromHandshake}
		}
		return &ConnectionError{Op: "handshake read", Err: err}
	}
	if line == "" {
		return &ProtocolError{Kind: NoResponseFromHandshake}
	}

	var resp handshakeResponse
	if err := jsonUnmarshalLine(line, &resp); err != nil {
		return &ProtocolError{Kind: NoResponseFromHandshake}
	}
	if resp.Status {
		c.uidMu.Lock()
		c.uid = resp.UID
		c.uidMu.Unlock()
	} else {
		c.logger.Warn("handshake returned status=false", zap.Int("requested_uid", uid))
	}
	return nil
}

// UID returns the session UID this Connection carries.
func (c *Connection) UID() int {
	c.uidMu.RLock()
	defer c.uidMu.RUnlock()
	return c.uid
}

// Ports returns this Connection's port tuple.
func (c *Connection) Ports() PortTuple { return c.ports }

// NewTicket returns the next strictly increasing ticket for this
// Connection. Guarded by a mutex so concurrent callers (which should not
// exist, since the pool hands out exclusive checkout, but may race during
// close) never observe a repeated value.
func (c *Connection) NewTicket() int {
	c.ticketMu.Lock()
	defer c.ticketMu.Unlock()
	c.ticket++
	return c.ticket
}

// SetTimeout applies a read/write deadline to the underlying socket. A zero
// duration clears any deadline.
func (c *Connection) SetTimeout(d time.Duration) error {
	if d <= 0 {
		return c.conn.SetDeadline(time.Time{})
	}
	return c.conn.SetDeadline(time.Now().Add(d))
}

// Send writes req as one newline-terminated JSON line.
func (c *Connection) Send(req rpcRequest) error {
	return writeLine(c.writer, req)
}

// Recv reads one newline-terminated reply line. An empty string with a nil
// error means the agent sent a blank line, which the RPC Client treats as
// an empty reply under its retry rules; EOF or a timeout before any byte
// arrives is returned as an error.
func (c *Connection) Recv() (string, error) {
	return readLine(c.reader)
}

// Close shuts down this Connection's socket and removes the ADB port
// forward it alone owns. Every Connection forwards its own host port on
// dial, so each must release that same port on close; nothing else does.
func (c *Connection) Close(ctx context.Context) error {
	closeErr := c.conn.Close()
	if c.adb != nil && c.ports.Forwarded != 0 {
		if err := c.adb.RemoveForward(ctx, c.ports.Forwarded); err != nil {
			c.logger.Warn("failed to remove port forward on close",
				zap.Int("forwarded_port", c.ports.Forwarded), zap.Error(err))
		}
	}
	return closeErr
}
