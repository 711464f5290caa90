// Package scheduler owns the ingestion cadence and guarantees that at most
// one ingestion run is active at a time.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/pankaj-dahiya-devops/hubsync/internal/engine"
	"github.com/pankaj-dahiya-devops/hubsync/internal/ingesterr"
	"github.com/pankaj-dahiya-devops/hubsync/internal/metrics"
	"github.com/pankaj-dahiya-devops/hubsync/internal/models"
)

// State is the scheduler's run state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// ErrStopped is returned for run requests made after Stop.
var ErrStopped = errors.New("scheduler stopped")

// Rejection reasons reported in TriggerResult.
const (
	ReasonAlreadyRunning = "already_running"
	ReasonStopped        = "stopped"
)

// TriggerResult is the answer to a run request.
type TriggerResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State         State               `json:"state"`
	CurrentRun    *CurrentRun         `json:"current_run,omitempty"`
	LastRun       *models.RunMetadata `json:"last_run,omitempty"`
	NextScheduled time.Time           `json:"next_scheduled_time,omitzero"`
}

// CurrentRun describes the active run.
type CurrentRun struct {
	Trigger   models.RunTrigger `json:"trigger"`
	StartedAt time.Time         `json:"started_at"`
}

// Options configures a Scheduler.
type Options struct {
	// RunOnStart triggers one run as soon as Start is called.
	RunOnStart bool
}

// Scheduler is the IDLE/RUNNING state machine around Engine.Run. All state
// lives on the instance and changes only through its methods.
type Scheduler struct {
	engine   engine.Engine
	schedule cron.Schedule
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	current *CurrentRun
	cancel  context.CancelFunc
	lastRun *models.RunMetadata
	nextRun time.Time
	baseCtx context.Context
	started bool
	stopCh  chan struct{}

	loopWG sync.WaitGroup
	runWG  sync.WaitGroup
}

// New returns an idle Scheduler. schedule decides the periodic cadence; use
// cron.Every for a fixed interval.
func New(eng engine.Engine, schedule cron.Schedule, opts Options, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine:   eng,
		schedule: schedule,
		opts:     opts,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
		state:    StateIdle,
		baseCtx:  context.Background(),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic loop. Runs inherit ctx; cancelling it stops the
// loop like Stop does.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.baseCtx = ctx
	s.mu.Unlock()

	s.loopWG.Add(1)
	go s.loop(ctx)
	s.logger.Info().Bool("run_on_start", s.opts.RunOnStart).Msg("scheduler started")
}

// Stop ends the periodic loop, cancels any active run, and waits for it to
// finish.
func (s *Scheduler) Stop() {
	s.signalStop()
	s.loopWG.Wait()
	s.runWG.Wait()
	s.logger.Info().Msg("scheduler stopped")
}

// TriggerRun requests a manual run. While a run is active the request is
// rejected with ingesterr.ErrAlreadyRunning; it is never queued.
func (s *Scheduler) TriggerRun() (TriggerResult, error) {
	if err := s.begin(models.TriggerManual); err != nil {
		reason := ReasonStopped
		if errors.Is(err, ingesterr.ErrAlreadyRunning) {
			reason = ReasonAlreadyRunning
		}
		return TriggerResult{Accepted: false, Reason: reason}, err
	}
	return TriggerResult{Accepted: true}, nil
}

// Cancel cancels the active run. The engine honours it at the next batch
// boundary. It reports whether a run was active.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.cancel == nil {
		return false
	}
	s.cancel()
	s.logger.Info().Msg("run cancellation requested")
	return true
}

// Status returns the current state, the last finished run, and the next
// scheduled run time.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, NextScheduled: s.nextRun}
	if s.current != nil {
		cur := *s.current
		st.CurrentRun = &cur
	}
	if s.lastRun != nil {
		last := *s.lastRun
		st.LastRun = &last
	}
	return st
}

// begin moves IDLE to RUNNING and launches the run, or rejects.
func (s *Scheduler) begin(trigger models.RunTrigger) error {
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		metrics.TriggersRejected.Inc()
		s.logger.Info().Str("trigger", string(trigger)).Msg("run rejected: already running")
		return ingesterr.ErrAlreadyRunning
	}
	select {
	case <-s.stopCh:
		s.mu.Unlock()
		return ErrStopped
	default:
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.state = StateRunning
	s.cancel = cancel
	s.current = &CurrentRun{Trigger: trigger, StartedAt: s.now().UTC()}
	s.runWG.Add(1)
	s.mu.Unlock()

	metrics.RunInProgress.Set(1)
	go s.execute(ctx, cancel, trigger)
	return nil
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, trigger models.RunTrigger) {
	defer s.runWG.Done()
	defer cancel()

	run, err := s.engine.Run(ctx, trigger)
	if err != nil {
		s.logger.Error().Err(err).Str("trigger", string(trigger)).Msg("ingestion run failed")
	}

	s.mu.Lock()
	if run != nil {
		s.lastRun = run
	}
	s.state = StateIdle
	s.current = nil
	s.cancel = nil
	s.mu.Unlock()
	metrics.RunInProgress.Set(0)
}

// loop fires scheduled runs. Each next run time is computed from the start
// time of the tick that precedes it, so delays do not accumulate.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	if s.opts.RunOnStart {
		s.tick()
	} else {
		s.setNext(s.schedule.Next(s.now()))
	}

	for {
		s.mu.Lock()
		wait := s.nextRun.Sub(s.now())
		s.mu.Unlock()

		timer := time.NewTimer(max(wait, 0))
		select {
		case <-timer.C:
			s.tick()
		case <-s.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.signalStop()
			return
		}
	}
}

func (s *Scheduler) signalStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) tick() {
	start := s.now()
	s.setNext(s.schedule.Next(start))
	if err := s.begin(models.TriggerScheduled); err != nil && !errors.Is(err, ingesterr.ErrAlreadyRunning) {
		s.logger.Warn().Err(err).Msg("scheduled run not started")
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.nextRun = t
	s.mu.Unlock()
}
