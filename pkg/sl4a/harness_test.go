package sl4a

import (
	"bufio"
	"context"
	"net"
	"sync"

	"go.uber.org/zap"
)

// fakeAdb is a no-op Adb used by tests that don't exercise the shell
// surface directly; individual tests override the fields they need.
type fakeAdb struct {
	mu            sync.Mutex
	serial        string
	forwardCalls  []int
	removedPorts  []int
	shellFunc     func(cmd string) ([]byte, error)
	forwardFunc   func(hostPort, devicePort int) (int, error)
}

func newFakeAdb(serial string) *fakeAdb {
	return &fakeAdb{serial: serial}
}

func (f *fakeAdb) Serial() string { return f.serial }

func (f *fakeAdb) Shell(ctx context.Context, cmd string, ignoreStatus bool) ([]byte, error) {
	if f.shellFunc != nil {
		return f.shellFunc(cmd)
	}
	return nil, nil
}

func (f *fakeAdb) Forward(ctx context.Context, hostPort, devicePort int) (int, error) {
	f.mu.Lock()
	f.forwardCalls = append(f.forwardCalls, devicePort)
	f.mu.Unlock()
	if f.forwardFunc != nil {
		return f.forwardFunc(hostPort, devicePort)
	}
	if hostPort == 0 {
		return 12345, nil
	}
	return hostPort, nil
}

func (f *fakeAdb) RemoveForward(ctx context.Context, hostPort int) error {
	f.mu.Lock()
	f.removedPorts = append(f.removedPorts, hostPort)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdb) ForwardList(ctx context.Context) (string, error) { return "", nil }
func (f *fakeAdb) Devices(ctx context.Context) (string, error)     { return "", nil }
func (f *fakeAdb) IsRoot(ctx context.Context) (bool, error)        { return false, nil }
func (f *fakeAdb) EnsureRoot(ctx context.Context) error            { return nil }
func (f *fakeAdb) VersionNumber(ctx context.Context) (int, error)  { return 1041, nil }

func testLogger() *zap.Logger { return zap.NewNop() }

// fakePeer wraps one end of a net.Pipe with line-buffered helpers so tests
// can script a fake device's responses.
type fakePeer struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func newFakePeer(conn net.Conn) *fakePeer {
	return &fakePeer{conn: conn, reader: bufio.NewReader(conn), writer: bufio.NewWriter(conn)}
}

func (p *fakePeer) readLine() (string, error) {
	return readLine(p.reader)
}

func (p *fakePeer) writeLine(line string) error {
	if _, err := p.writer.WriteString(line); err != nil {
		return err
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return err
	}
	return p.writer.Flush()
}
