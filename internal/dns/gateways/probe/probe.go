// Package probe runs the inline health checks declared on zone records and
// reports their results to the health state.
package probe

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haukened/rr-gslb/internal/dns/common/clock"
	"github.com/haukened/rr-gslb/internal/dns/common/log"
	"github.com/haukened/rr-gslb/internal/dns/repos/zonedb"
)

const (
	// MaxFails is how many consecutive failures are tolerated before a
	// record is marked down.
	MaxFails = 2

	DefaultConcurrency = 20
	DefaultTimeout     = 30 * time.Second

	// BuiltinTCP is the program name handled in process: "tcp PORT".
	BuiltinTCP = "tcp"

	// busyDelay postpones a due probe when every slot is taken.
	busyDelay = 2 * time.Second
)

// ErrBadProbe is returned for probe specs the runner cannot execute.
var ErrBadProbe = errors.New("bad probe")

// StatusSink receives probe results.
type StatusSink interface {
	SetRecordStatus(id string, up bool) bool
}

// ZoneSource yields the currently published database.
type ZoneSource interface {
	Load() *zonedb.DB
}

// Metrics counts probe outcomes.
type Metrics interface {
	Probe(up bool)
}

// Checker runs one health check against addr. A nil error means healthy.
type Checker interface {
	Check(ctx context.Context, spec zonedb.ProbeSpec, addr string) error
}

// ExecChecker runs Path/Program with the address as first argument. The
// check passes when the program exits zero.
type ExecChecker struct {
	Path string
}

func (c ExecChecker) Check(ctx context.Context, spec zonedb.ProbeSpec, addr string) error {
	if spec.Program == "" || filepath.Base(spec.Program) != spec.Program {
		return fmt.Errorf("program %q: %w", spec.Program, ErrBadProbe)
	}
	args := append([]string{addr}, spec.Args...)
	return exec.CommandContext(ctx, filepath.Join(c.Path, spec.Program), args...).Run()
}

// TCPChecker passes when a TCP connection to addr on the port named by the
// first argument succeeds.
type TCPChecker struct {
	Dialer net.Dialer
}

func (c *TCPChecker) Check(ctx context.Context, spec zonedb.ProbeSpec, addr string) error {
	if len(spec.Args) != 1 {
		return fmt.Errorf("tcp probe wants one port argument: %w", ErrBadProbe)
	}
	port, err := strconv.ParseUint(spec.Args[0], 10, 16)
	if err != nil || port == 0 {
		return fmt.Errorf("tcp probe port %q: %w", spec.Args[0], ErrBadProbe)
	}
	conn, err := c.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, spec.Args[0]))
	if err != nil {
		return err
	}
	return conn.Close()
}

// dispatch sends the builtin program to the TCP checker and everything else
// to the exec checker.
type dispatch struct {
	exec Checker
	tcp  Checker
}

func (d dispatch) Check(ctx context.Context, spec zonedb.ProbeSpec, addr string) error {
	if spec.Program == BuiltinTCP {
		return d.tcp.Check(ctx, spec, addr)
	}
	return d.exec.Check(ctx, spec, addr)
}

type Options struct {
	// Path is the directory probe programs are run from.
	Path        string
	Concurrency int
	Timeout     time.Duration
	Checker     Checker
	Clock       clock.Clock
	Logger      log.Logger
	Metrics     Metrics
	// Rand returns a value in [0,1) used to spread first runs. Defaults to
	// math/rand/v2.
	Rand func() float64
}

// monitor is the schedule and failure count of one probed record.
type monitor struct {
	spec    zonedb.ProbeSpec
	addr    string
	next    time.Time
	fails   int
	running bool
}

// Runner schedules probes for every probed record of the published
// database. State is keyed by probe id so it carries over reloads.
type Runner struct {
	zones   ZoneSource
	sink    StatusSink
	checker Checker
	clock   clock.Clock
	logger  log.Logger
	metrics Metrics
	rand    func() float64
	timeout time.Duration
	sem     *semaphore.Weighted

	mu       sync.Mutex
	monitors map[string]*monitor
	wg       sync.WaitGroup
}

func NewRunner(zones ZoneSource, sink StatusSink, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Checker == nil {
		opts.Checker = dispatch{exec: ExecChecker{Path: opts.Path}, tcp: &TCPChecker{}}
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Runner{
		zones:    zones,
		sink:     sink,
		checker:  opts.Checker,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		rand:     opts.Rand,
		timeout:  opts.Timeout,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		monitors: make(map[string]*monitor),
	}
}

// Run calls Tick every second until ctx is canceled, then waits for
// running probes to finish.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	defer r.wg.Wait()

	for {
		r.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick syncs the monitor set with the published database and starts every
// due probe a slot is free for.
func (r *Runner) Tick(ctx context.Context) {
	db := r.zones.Load()
	if db == nil {
		return
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(db.Probed()))
	for _, rid := range db.Probed() {
		rec := db.Record(rid)
		id := rec.ProbeID()
		if id == "" || rec.Probe == nil {
			continue
		}
		seen[id] = true
		m, ok := r.monitors[id]
		if !ok {
			m = &monitor{next: now.Add(time.Duration(r.rand() * float64(rec.Probe.Interval)))}
			r.monitors[id] = m
		}
		m.spec = *rec.Probe
		m.addr = rec.ProbeAddress()
	}
	for id, m := range r.monitors {
		if !seen[id] && !m.running {
			delete(r.monitors, id)
		}
	}

	for id, m := range r.monitors {
		if !seen[id] || m.running || now.Before(m.next) {
			continue
		}
		if !r.sem.TryAcquire(1) {
			m.next = m.next.Add(busyDelay)
			continue
		}
		m.running = true
		r.wg.Add(1)
		go r.probe(ctx, id, m.spec, m.addr)
	}
}

func (r *Runner) probe(ctx context.Context, id string, spec zonedb.ProbeSpec, addr string) {
	defer r.wg.Done()
	defer r.sem.Release(1)

	pctx, cancel := context.WithTimeout(ctx, r.timeout)
	err := r.checker.Check(pctx, spec, addr)
	cancel()

	if ctx.Err() != nil {
		r.mu.Lock()
		if m, ok := r.monitors[id]; ok {
			m.running = false
		}
		r.mu.Unlock()
		return
	}
	if err != nil {
		r.logger.Debug(map[string]any{
			"probe":   id,
			"program": spec.Program,
			"address": addr,
			"error":   err.Error(),
		}, "probe failed")
	}
	if r.metrics != nil {
		r.metrics.Probe(err == nil)
	}
	r.finish(id, err == nil)
}

// finish applies one result: down after more than MaxFails consecutive
// failures, up on the first success.
func (r *Runner) finish(id string, ok bool) {
	now := r.clock.Now()

	r.mu.Lock()
	m, found := r.monitors[id]
	if !found {
		r.mu.Unlock()
		return
	}
	m.running = false
	report := true
	if ok {
		m.fails = 0
	} else {
		m.fails++
		report = m.fails > MaxFails
	}
	m.next = m.next.Add(m.spec.Interval)
	if !m.next.After(now) {
		m.next = now.Add(time.Duration(r.rand() * float64(m.spec.Interval)))
	}
	r.mu.Unlock()

	if report {
		r.sink.SetRecordStatus(id, ok)
	}
}

// Wait blocks until every started probe has reported.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Monitored returns the number of probes being scheduled.
func (r *Runner) Monitored() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.monitors)
}
