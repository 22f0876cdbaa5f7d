package daemon

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pricekeeper/internal/policy"
	"pricekeeper/internal/service"
)

// CycleRunner executes one automation cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger string, force bool) service.CycleResult
}

// EventPoller scans the chain for contract events.
type EventPoller interface {
	PollOnce(ctx context.Context) error
	LastCheckedBlock() uint64
	Stop()
}

// Options tune the supervisor.
type Options struct {
	TickInterval time.Duration
	PollInterval time.Duration
	StartupDelay time.Duration
	PIDFile      string
	StatusFile   string
	Config       ConfigSummary
}

// ConfigSummary is the effective configuration echoed in status output.
type ConfigSummary struct {
	TickInterval      string  `json:"tick_interval"`
	PollInterval      string  `json:"poll_interval"`
	ChangeThreshold   float64 `json:"change_threshold"`
	MinUpdateInterval string  `json:"min_update_interval"`
	MaxDailyUpdates   int     `json:"max_daily_updates"`
	Tiers             int     `json:"tiers"`
}

// Status is the operator-facing daemon state, also persisted to the
// status file after every cycle.
type Status struct {
	Running          bool          `json:"running"`
	PID              int           `json:"pid"`
	StartedAt        time.Time     `json:"started_at"`
	LastCycleAt      time.Time     `json:"last_cycle_at,omitempty"`
	LastCycleStatus  string        `json:"last_cycle_status,omitempty"`
	LastUpdateTime   time.Time     `json:"last_update_time,omitempty"`
	DailyUpdateCount int           `json:"daily_update_count"`
	LastCheckedBlock uint64        `json:"last_checked_block"`
	Config           ConfigSummary `json:"config"`
}

// Daemon owns the automation tick loop and the event poll loop. Both
// run as goroutines of one process; the service's commit mutex keeps
// their cycles from overlapping on the commit path.
type Daemon struct {
	runner   CycleRunner
	poller   EventPoller
	snapshot func() policy.State
	opts     Options
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	lastAt    time.Time
	lastStat  string
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New constructs a supervisor. poller may be nil.
func New(runner CycleRunner, poller EventPoller, snapshot func() policy.State, opts Options, logger zerolog.Logger) *Daemon {
	if opts.TickInterval <= 0 {
		panic("daemon: tick interval must be positive")
	}
	return &Daemon{
		runner:   runner,
		poller:   poller,
		snapshot: snapshot,
		opts:     opts,
		logger:   logger.With().Str("component", "daemon").Logger(),
	}
}

// SetPoller attaches the event poller. Must be called before Start;
// it exists because the poller's re-check hook points back at the
// daemon.
func (d *Daemon) SetPoller(poller EventPoller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.logger.Warn().Msg("cannot attach poller while running")
		return
	}
	d.poller = poller
}

// Start launches the loops. Calling Start on a running daemon is a
// warning-level no-op, not an error.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn().Msg("start requested but daemon already running")
		return nil
	}

	if d.opts.PIDFile != "" {
		if err := WritePIDFile(d.opts.PIDFile); err != nil {
			d.mu.Unlock()
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	d.wg.Add(1)
	go d.tickLoop(loopCtx)

	if d.poller != nil {
		d.wg.Add(1)
		go d.pollLoop(loopCtx)
	}

	d.logger.Info().
		Dur("tick_interval", d.opts.TickInterval).
		Dur("poll_interval", d.opts.PollInterval).
		Msg("daemon started")
	d.persistStatus()
	return nil
}

// Stop cancels future ticks and waits for the loops to drain. An
// in-flight commit is allowed to finish: cycles run on a context that
// survives the cancellation.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	if d.poller != nil {
		d.poller.Stop()
	}
	d.wg.Wait()

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.persistStatus()
	if d.opts.PIDFile != "" {
		RemovePIDFile(d.opts.PIDFile)
	}
	d.logger.Info().Msg("daemon stopped")
}

// RunManualCycle executes one operator-forced cycle immediately.
func (d *Daemon) RunManualCycle(ctx context.Context) service.CycleResult {
	result := d.runner.RunCycle(ctx, "manual", true)
	d.noteResult(result)
	return result
}

// Status reports current daemon state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

func (d *Daemon) statusLocked() Status {
	st := Status{
		Running:         d.running,
		PID:             os.Getpid(),
		StartedAt:       d.startedAt,
		LastCycleAt:     d.lastAt,
		LastCycleStatus: d.lastStat,
		Config:          d.opts.Config,
	}
	if d.snapshot != nil {
		snap := d.snapshot()
		st.LastUpdateTime = snap.LastUpdate
		st.DailyUpdateCount = snap.DailyCount
	}
	if d.poller != nil {
		st.LastCheckedBlock = d.poller.LastCheckedBlock()
	}
	return st
}

func (d *Daemon) tickLoop(ctx context.Context) {
	defer d.wg.Done()

	if d.opts.StartupDelay > 0 {
		timer := time.NewTimer(d.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	// First evaluation right away, then on the interval.
	d.runScheduledCycle(ctx)

	ticker := time.NewTicker(d.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runScheduledCycle(ctx)
		}
	}
}

func (d *Daemon) runScheduledCycle(ctx context.Context) {
	// The cycle must outlive a Stop that arrives mid-commit.
	result := d.runner.RunCycle(context.WithoutCancel(ctx), "scheduled", false)
	d.noteResult(result)
}

// RunEventCycle is the monitor's out-of-band re-check hook.
func (d *Daemon) RunEventCycle() {
	result := d.runner.RunCycle(context.Background(), "event", false)
	d.noteResult(result)
}

func (d *Daemon) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.poller.PollOnce(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("event poll failed")
			}
		}
	}
}

func (d *Daemon) noteResult(result service.CycleResult) {
	d.mu.Lock()
	d.lastAt = result.StartedAt
	d.lastStat = result.Status()
	d.mu.Unlock()
	d.persistStatus()
}

func (d *Daemon) persistStatus() {
	if d.opts.StatusFile == "" {
		return
	}

	d.mu.Lock()
	st := d.statusLocked()
	d.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to marshal status")
		return
	}
	if err := os.WriteFile(d.opts.StatusFile, data, 0o644); err != nil {
		d.logger.Warn().Err(err).Msg("failed to write status file")
	}
}

// ReadStatusFile loads a persisted status snapshot; used by the status
// command from outside the daemon process.
func ReadStatusFile(path string) (Status, error) {
	var st Status
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, err
	}
	return st, nil
}
