package sl4a

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/mobly-go/sl4a/internal/metrics"
)

const reporterDrainPoll = 100 * time.Millisecond

// sessionOwner is the subset of Manager the Error Reporter needs to check
// its final probe (session still registered). Defined as an interface so
// tests can diagnose against a fake Manager.
type sessionOwner interface {
	hasSession(uid int) bool
	hasKnownPort(port int) bool
}

// ErrorReporter runs a bounded, ordered, short-circuiting chain of
// diagnostic probes whenever the RPC Client or Session detects a failure
// that isn't a plain ApiError. Each probe chain consumes one ticket from a
// lifetime pool of maxReports; once that pool is exhausted, Diagnose is a
// permanent no-op regardless of how many prior chains have since completed.
// FinalizeReports blocks until every in-flight report has finished.
type ErrorReporter struct {
	logger     *zap.Logger
	adb        Adb
	metrics    *metrics.Registry
	maxReports int

	mu             sync.Mutex
	ticket         int
	inFlight       int
	acceptRequests bool
}

// NewErrorReporter constructs a reporter that runs at most maxReports
// diagnostic chains over its whole lifetime.
func NewErrorReporter(logger *zap.Logger, adb Adb, metricsReg *metrics.Registry, maxReports int) *ErrorReporter {
	if maxReports < 1 {
		maxReports = 1
	}
	return &ErrorReporter{
		logger:         logger.Named("error_reporter"),
		adb:            adb,
		metrics:        metricsReg,
		maxReports:     maxReports,
		acceptRequests: true,
	}
}

// Diagnose runs the probe chain if a ticket is available; otherwise it
// returns immediately producing no report. Tickets are a lifetime cap, not a
// concurrency limit: once maxReports tickets have ever been issued, every
// later call is refused forever, even if every prior chain has long since
// finished. owner is the Manager whose registries the final probe consults.
func (r *ErrorReporter) Diagnose(ctx context.Context, owner sessionOwner, conn *Connection) {
	r.mu.Lock()
	if !r.acceptRequests || r.ticket >= r.maxReports {
		r.mu.Unlock()
		return
	}
	r.ticket++
	reportID := r.ticket
	r.inFlight++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight--
		r.mu.Unlock()
	}()

	id := uuid.New().String()
	log := r.logger.With(zap.Int("ticket", reportID), zap.String("report_id", id))
	if r.metrics != nil {
		r.metrics.IncDiagnosis()
	}
	r.runChain(ctx, log, owner, conn)
}

// runChain executes the six ordered probes, stopping at the first failure.
func (r *ErrorReporter) runChain(ctx context.Context, log *zap.Logger, owner sessionOwner, conn *Connection) {
	adbUptime, err := r.hostProcessUptime("adb")
	if err != nil || adbUptime <= 0 {
		log.Error("host adb daemon not running, all forwards are lost", zap.Error(err))
		return
	}
	log.Warn("diagnosis: adb daemon uptime", zap.Duration("adb_uptime", adbUptime))

	out, err := r.adb.Devices(ctx)
	if err != nil || !deviceOnline(out, r.adb.Serial()) {
		log.Error("diagnosis: device unreachable or offline", zap.Error(err))
		return
	}

	zygoteUptime, netdUptime, adbdUptime, err := r.criticalProcessUptimes(ctx)
	if err != nil {
		log.Error("diagnosis: failed to probe critical device processes", zap.Error(err))
		return
	}
	if zygoteUptime <= 0 {
		log.Error("diagnosis: zygote not running")
		return
	}
	if netdUptime <= 0 {
		log.Error("diagnosis: netd not running", zap.Int("netd_uptime", netdUptime))
		return
	}
	if adbdUptime <= 0 {
		log.Error("diagnosis: adbd not running", zap.Int("adbd_uptime", adbdUptime))
		return
	}

	fwList, err := r.adb.ForwardList(ctx)
	if err != nil || !forwardPresent(fwList, r.adb.Serial(), conn.Ports()) {
		log.Error("diagnosis: port forward missing", zap.String("ports", conn.Ports().String()), zap.Error(err))
		return
	}

	agentUptime, err := r.agentProcessUptime(ctx)
	if err != nil || agentUptime <= 0 {
		log.Error("diagnosis: agent process not running", zap.Error(err))
		return
	}

	uid := conn.UID()
	if !owner.hasSession(uid) || !owner.hasKnownPort(conn.Ports().Server) {
		log.Error("diagnosis: session no longer registered with manager", zap.Int("uid", uid))
		return
	}

	log.Info("diagnosis: all probes passed, failure cause undetermined")
}

// hostProcessUptime enumerates host OS processes to find one named name and
// returns how long it has been running. This is the one probe that
// inspects the local host rather than the device.
func (r *ErrorReporter) hostProcessUptime(name string) (time.Duration, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("sl4a: enumerate host processes: %w", err)
	}
	for _, p := range procs {
		pname, err := p.Name()
		if err != nil || pname != name {
			continue
		}
		createdMs, err := p.CreateTime()
		if err != nil {
			continue
		}
		return time.Since(time.UnixMilli(createdMs)), nil
	}
	return 0, fmt.Errorf("sl4a: no host process named %q found", name)
}

// criticalProcessUptimes probes zygote, netd, and adbd uptimes (in seconds)
// on the device via a single ps invocation per process name.
func (r *ErrorReporter) criticalProcessUptimes(ctx context.Context) (zygote, netd, adbd int, err error) {
	zygote, err = r.deviceProcessUptime(ctx, "zygote")
	if err != nil {
		return 0, 0, 0, err
	}
	netd, err = r.deviceProcessUptime(ctx, "netd")
	if err != nil {
		return 0, 0, 0, err
	}
	adbd, err = r.deviceProcessUptime(ctx, "adbd")
	if err != nil {
		return 0, 0, 0, err
	}
	return zygote, netd, adbd, nil
}

func (r *ErrorReporter) agentProcessUptime(ctx context.Context) (int, error) {
	return r.deviceProcessUptime(ctx, "android_scripting")
}

func (r *ErrorReporter) deviceProcessUptime(ctx context.Context, name string) (int, error) {
	cmd := fmt.Sprintf(`ps -A -o NAME,ETIMES | grep -w %s | tr -s ' ' | cut -d ' ' -f 2`, name)
	out, err := r.adb.Shell(ctx, cmd, true)
	if err != nil {
		return 0, err
	}
	line := strings.TrimSpace(string(out))
	if line == "" {
		return 0, nil
	}
	n, convErr := strconv.Atoi(strings.Fields(line)[0])
	if convErr != nil {
		return 0, convErr
	}
	return n, nil
}

func deviceOnline(devicesOutput, serial string) bool {
	for _, line := range strings.Split(devicesOutput, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), serial) {
			return strings.Contains(line, "device") && !strings.Contains(line, "offline")
		}
	}
	return false
}

func forwardPresent(listOutput, serial string, ports PortTuple) bool {
	want := fmt.Sprintf("%s tcp:%d tcp:%d", serial, ports.Forwarded, ports.Server)
	for _, line := range strings.Split(listOutput, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}

// FinalizeReports stops accepting new diagnose requests and spin-waits
// until every in-flight report has completed, guaranteeing diagnosis never
// races with teardown.
func (r *ErrorReporter) FinalizeReports() {
	r.mu.Lock()
	r.acceptRequests = false
	r.mu.Unlock()

	for {
		r.mu.Lock()
		inFlight := r.inFlight
		r.mu.Unlock()
		if inFlight == 0 {
			return
		}
		time.Sleep(reporterDrainPoll)
	}
}
