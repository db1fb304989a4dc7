package sl4a

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mobly-go/sl4a/internal/metrics"
)

const (
	agentServiceClass    = "com.googlecode.android_scripting/.service.ScriptingLayerService"
	launchServerAction   = "com.googlecode.android_scripting.action.LAUNCH_SERVER"
	killProcessAction    = "com.googlecode.android_scripting.action.KILL_PROCESS"
	useServicePortExtra  = "com.googlecode.android_scripting.extra.USE_SERVICE_PORT"
	proxyPortExtra       = "com.googlecode.android_scripting.extra.PROXY_PORT"
	startServerPollMax   = 5 * time.Second
	startServerPollEvery = 250 * time.Millisecond
)

var managersMu sync.Mutex
var managers = map[string]*Manager{}

// ObtainManager returns the Manager for serial, constructing one on first
// use. A second call for the same serial returns the original instance and
// logs a warning rather than constructing a duplicate.
func ObtainManager(logger *zap.Logger, adb Adb, metricsReg *metrics.Registry, agentPackage string) *Manager {
	managersMu.Lock()
	defer managersMu.Unlock()

	serial := adb.Serial()
	if m, ok := managers[serial]; ok {
		logger.Warn("manager already exists for serial, returning existing instance", zap.String("serial", serial))
		return m
	}

	m := &Manager{
		logger:       logger.Named("manager").With(zap.String("serial", serial)),
		adb:          adb,
		metrics:      metricsReg,
		agentPackage: agentPackage,
		knownPorts:   make(map[int]struct{}),
		sessions:     make(map[int]*Session),
	}
	m.reporter = NewErrorReporter(m.logger, adb, metricsReg, 1)
	managers[serial] = m
	return m
}

// Manager is the per-device singleton owning agent lifecycle, known device
// server ports, and registered sessions.
type Manager struct {
	logger       *zap.Logger
	adb          Adb
	metrics      *metrics.Registry
	agentPackage string

	mu         sync.Mutex
	started    bool
	knownPorts map[int]struct{}
	sessions   map[int]*Session

	reporter *ErrorReporter
}

// StartAgent verifies the agent package is installed, clears any stray
// processes, disables the hidden-API allowlist, and starts the agent
// service. Idempotent; subsequent calls are no-ops.
func (m *Manager) StartAgent(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	out, err := m.adb.Shell(ctx, fmt.Sprintf("pm path %s", m.agentPackage), true)
	if err != nil || len(strings.TrimSpace(string(out))) == 0 {
		return &NotInstalledError{Package: m.agentPackage}
	}

	if _, err := m.adb.Shell(ctx, fmt.Sprintf("am force-stop %s", m.agentPackage), true); err != nil {
		m.logger.Warn("force-stop before start failed, continuing", zap.Error(err))
	}

	if _, err := m.adb.Shell(ctx, `settings put global hidden_api_blacklist_exemptions "*"`, true); err != nil {
		m.logger.Warn("failed to set hidden api exemptions", zap.Error(err))
	}

	if _, err := m.adb.Shell(ctx, fmt.Sprintf("am startservice %s", agentServiceClass), false); err != nil {
		return &StartError{Reason: "start agent service", Err: err}
	}

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

// StartServer instructs the agent to open a new server port and polls the
// device until a port not already known appears, claiming and returning it.
func (m *Manager) StartServer(ctx context.Context, hintedPort int) (int, error) {
	action := fmt.Sprintf("am startservice -a %s --ei %s %d %s", launchServerAction, useServicePortExtra, hintedPort, agentServiceClass)
	if _, err := m.adb.Shell(ctx, action, false); err != nil {
		return 0, &ConnectionError{Op: "launch server", Err: err}
	}

	var found int
	pollCtx, cancel := context.WithTimeout(ctx, startServerPollMax)
	defer cancel()
	policy := backoff.WithContext(backoff.NewConstantBackOff(startServerPollEvery), pollCtx)

	operation := func() error {
		ports, err := m.discoverServerPorts(ctx)
		if err != nil {
			return err
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, p := range ports {
			if _, known := m.knownPorts[p]; !known {
				found = p
				m.knownPorts[p] = struct{}{}
				return nil
			}
		}
		return fmt.Errorf("no new server port discovered yet")
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return 0, &ConnectionError{Op: "discover new server port", Err: err}
	}
	return found, nil
}

// discoverServerPorts runs the root or non-root device port-probe pipeline
// and returns every listening SL4A server port currently visible.
func (m *Manager) discoverServerPorts(ctx context.Context) ([]int, error) {
	isRoot, err := m.adb.IsRoot(ctx)
	if err != nil {
		return nil, err
	}

	var cmd string
	if isRoot {
		cmd = `ss -l -p -n | grep "tcp.*droid_scripting" | tr -s " " | cut -d " " -f 5 | sed s/.*://g`
	} else {
		cmd = `ss -l -p -n | grep -e "tcp.*::ffff:127\.0\.0\.1:" | tr -s " " | cut -d " " -f 5 | sed s/.*://g`
	}

	out, err := m.adb.Shell(ctx, cmd, true)
	if err != nil {
		return nil, err
	}

	var ports []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if p, convErr := strconv.Atoi(line); convErr == nil {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// ObtainServerPort returns hintedPort if it is already claimed by an
// existing session, otherwise it starts a new server and returns that port.
func (m *Manager) ObtainServerPort(ctx context.Context, hintedPort int) (int, error) {
	if hintedPort != 0 {
		m.mu.Lock()
		_, known := m.knownPorts[hintedPort]
		m.mu.Unlock()
		if known {
			return hintedPort, nil
		}
	}
	return m.StartServer(ctx, hintedPort)
}

// CreateSession constructs, opens, and registers a new Session. If
// serverPort is zero, it reuses the server port of the lowest-UID existing
// session when one exists.
func (m *Manager) CreateSession(ctx context.Context, maxConnections, clientPort, serverPort int) (*Session, error) {
	if err := m.StartAgent(ctx); err != nil {
		return nil, err
	}

	if serverPort == 0 {
		m.mu.Lock()
		lowestUID := 0
		first := true
		for uid := range m.sessions {
			if first || uid < lowestUID {
				lowestUID = uid
				first = false
			}
		}
		if !first {
			serverPort = m.sessions[lowestUID].Ports().Server
		}
		m.mu.Unlock()
	}

	session := NewSession(m.logger, m.adb, m.metrics, maxConnections, m.ObtainServerPort, func(conn *Connection) {
		m.reporter.Diagnose(context.Background(), m, conn)
	})

	if err := session.Open(ctx, clientPort, serverPort); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[session.UID()] = session
	m.mu.Unlock()

	return session, nil
}

// Diagnose delegates to the Error Reporter.
func (m *Manager) Diagnose(ctx context.Context, session *Session, conn *Connection) {
	m.reporter.Diagnose(ctx, m, conn)
}

// hasSession reports whether uid is still registered, used by the Error
// Reporter's final "session still registered" probe.
func (m *Manager) hasSession(uid int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[uid]
	return ok
}

// hasKnownPort reports whether port is still in the known-ports set, used
// by the Error Reporter's final probe alongside hasSession.
func (m *Manager) hasKnownPort(port int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.knownPorts[port]
	return ok
}

// TerminateAll finalizes diagnosis, terminates every session, and closes
// every known device server port.
func (m *Manager) TerminateAll(ctx context.Context) {
	m.reporter.FinalizeReports()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	ports := make([]int, 0, len(m.knownPorts))
	for p := range m.knownPorts {
		ports = append(ports, p)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		if err := s.Terminate(ctx); err != nil {
			m.logger.Warn("session terminate failed", zap.Error(err))
		}
	}

	for _, p := range ports {
		action := fmt.Sprintf("am startservice -a %s --ei %s %d %s", killProcessAction, proxyPortExtra, p, agentServiceClass)
		if _, err := m.adb.Shell(ctx, action, true); err != nil {
			m.logger.Warn("failed to close server port", zap.Int("port", p), zap.Error(err))
		}
	}

	pollCtx, cancel := context.WithTimeout(ctx, startServerPollMax)
	defer cancel()
	policy := backoff.WithContext(backoff.NewConstantBackOff(startServerPollEvery), pollCtx)

	teardownOperation := func() error {
		remaining, err := m.discoverServerPorts(ctx)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return fmt.Errorf("%d server port(s) still open", len(remaining))
		}
		return nil
	}

	if err := backoff.Retry(teardownOperation, policy); err != nil {
		m.logger.Warn("server ports did not close before deadline", zap.Error(err))
	}

	m.mu.Lock()
	m.knownPorts = make(map[int]struct{})
	m.sessions = make(map[int]*Session)
	m.mu.Unlock()

	managersMu.Lock()
	delete(managers, m.adb.Serial())
	managersMu.Unlock()
}
