// Package worker runs the reminder scheduler that emails assignees shortly
// before their tasks are due.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"task-reminder/internal/config"
	"task-reminder/internal/models"
	"task-reminder/internal/monitoring"
	"task-reminder/internal/notify"
	"task-reminder/internal/repositories"
)

type TaskStore interface {
	FindDueReminders(ctx context.Context, from, to time.Time) ([]models.Task, error)
	AdvanceReminder(ctx context.Context, id uuid.UUID) error
}

type UserResolver interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Locker is a cross-instance lease; see cache.RedisCache.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Unlock(ctx context.Context, key, token string) error
}

type SchedulerConfig struct {
	Interval        time.Duration
	Window          time.Duration
	QueryTimeout    time.Duration
	DispatchTimeout time.Duration
	LockKey         string
	LockTTL         time.Duration
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:        time.Minute,
		Window:          5 * time.Minute,
		QueryTimeout:    30 * time.Second,
		DispatchTimeout: 30 * time.Second,
		LockKey:         "reminder:tick",
		LockTTL:         time.Minute,
	}
}

func SchedulerConfigFrom(cfg config.ReminderConfig) SchedulerConfig {
	sc := SchedulerConfig{
		Interval:        cfg.Interval,
		Window:          cfg.Window,
		QueryTimeout:    cfg.QueryTimeout,
		DispatchTimeout: cfg.DispatchTimeout,
		LockKey:         cfg.LockKey,
		LockTTL:         cfg.Interval,
	}
	return sc.withDefaults()
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	d := DefaultSchedulerConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = d.QueryTimeout
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.LockKey == "" {
		c.LockKey = d.LockKey
	}
	if c.LockTTL <= 0 {
		c.LockTTL = c.Interval
	}
	return c
}

// TickReport summarises one pass over the reminder window.
type TickReport struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Matched     int
	Dispatched  int
	Failed      int
	Skipped     int
	// Reentrant is set when the tick was dropped because the previous one
	// was still running.
	Reentrant bool
	// Contended is set when another instance held the tick lease.
	Contended bool
	Err       error
}

type Option func(*ReminderScheduler)

func WithClock(now func() time.Time) Option {
	return func(s *ReminderScheduler) { s.now = now }
}

func WithLocker(locker Locker) Option {
	return func(s *ReminderScheduler) { s.locker = locker }
}

func WithMetrics(metrics *monitoring.Metrics) Option {
	return func(s *ReminderScheduler) { s.metrics = metrics }
}

type ReminderScheduler struct {
	config     SchedulerConfig
	tasks      TaskStore
	users      UserResolver
	dispatcher notify.Dispatcher
	locker     Locker
	metrics    *monitoring.Metrics
	now        func() time.Time
	logger     zerolog.Logger

	running atomic.Bool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewReminderScheduler(cfg SchedulerConfig, tasks TaskStore, users UserResolver, dispatcher notify.Dispatcher, logger zerolog.Logger, opts ...Option) *ReminderScheduler {
	s := &ReminderScheduler{
		config:     cfg.withDefaults(),
		tasks:      tasks,
		users:      users,
		dispatcher: dispatcher,
		now:        time.Now,
		logger:     logger.With().Str("component", "reminder_scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op.
func (s *ReminderScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Dur("window", s.config.Window).
		Bool("distributed_lease", s.locker != nil).
		Msg("starting reminder scheduler")

	s.wg.Add(1)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for an in-flight tick to return.
func (s *ReminderScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()

	s.logger.Info().Msg("stopping reminder scheduler")
	s.wg.Wait()
	s.logger.Info().Msg("reminder scheduler stopped")
}

func (s *ReminderScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches every reminder due in [now, now+Window]. It never panics
// and never returns an error; the outcome is reported and logged.
func (s *ReminderScheduler) Tick(ctx context.Context) (report TickReport) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("previous reminder tick still running, skipping")
		s.metrics.ObserveTick(monitoring.TickSkipped, 0)
		report.Reentrant = true
		return report
	}
	defer s.running.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("reminder tick panicked")
			report.Err = fmt.Errorf("reminder tick panicked: %v", r)
		}

		outcome := monitoring.TickCompleted
		switch {
		case report.Err != nil:
			outcome = monitoring.TickAborted
		case report.Contended:
			outcome = monitoring.TickSkipped
		}
		s.metrics.ObserveTick(outcome, time.Since(start))
	}()

	if s.locker != nil {
		release, held := s.acquire(ctx)
		if held {
			report.Contended = true
			return report
		}
		defer release()
	}

	now := s.now().UTC()
	report.WindowStart = now
	report.WindowEnd = now.Add(s.config.Window)

	queryCtx, cancel := context.WithTimeout(ctx, s.config.QueryTimeout)
	tasks, err := s.tasks.FindDueReminders(queryCtx, report.WindowStart, report.WindowEnd)
	cancel()
	if err != nil {
		report.Err = fmt.Errorf("failed to query due reminders: %w", err)
		s.logger.Error().Err(err).Msg("reminder tick aborted")
		return report
	}
	report.Matched = len(tasks)

	for i := range tasks {
		if err := ctx.Err(); err != nil {
			report.Err = err
			break
		}

		switch s.remind(ctx, &tasks[i]) {
		case outcomeDispatched:
			report.Dispatched++
			s.metrics.ReminderDispatched()
		case outcomeSkipped:
			report.Skipped++
			s.metrics.ReminderSkipped()
		default:
			report.Failed++
			s.metrics.ReminderFailed()
		}
	}

	if report.Matched > 0 {
		s.logger.Info().
			Int("matched", report.Matched).
			Int("dispatched", report.Dispatched).
			Int("failed", report.Failed).
			Int("skipped", report.Skipped).
			Msg("reminder tick finished")
	}
	return report
}

// acquire takes the cross-instance lease. An unreachable lock store does not
// stop reminders; the in-process guard still applies.
func (s *ReminderScheduler) acquire(ctx context.Context) (release func(), heldElsewhere bool) {
	noop := func() {}

	token, ok, err := s.locker.TryLock(ctx, s.config.LockKey, s.config.LockTTL)
	if err != nil {
		s.logger.Warn().Err(err).Msg("tick lease unavailable, running without it")
		return noop, false
	}
	if !ok {
		s.logger.Debug().Str("key", s.config.LockKey).Msg("tick lease held by another instance")
		return noop, true
	}

	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.locker.Unlock(unlockCtx, s.config.LockKey, token); err != nil {
			s.logger.Warn().Err(err).Msg("failed to release tick lease")
		}
	}, false
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeDispatched
	outcomeSkipped
)

func (s *ReminderScheduler) remind(ctx context.Context, task *models.Task) outcome {
	log := s.logger.With().
		Str("task_id", task.ID.String()).
		Str("assigned_to", task.AssignedTo.String()).
		Logger()

	assignee, err := s.users.FindByID(ctx, task.AssignedTo)
	if errors.Is(err, repositories.ErrNotFound) {
		log.Warn().Msg("assignee not found, skipping reminder")
		return outcomeSkipped
	}
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve assignee")
		return outcomeFailed
	}
	if assignee.Email == "" {
		log.Warn().Msg("assignee has no email, skipping reminder")
		return outcomeSkipped
	}

	msg, err := notify.ReminderMessage(task)
	if err != nil {
		log.Error().Err(err).Msg("failed to build reminder")
		return outcomeFailed
	}

	sendCtx, cancel := context.WithTimeout(ctx, s.config.DispatchTimeout)
	err = s.dispatcher.Send(sendCtx, assignee.Email, msg.Subject, msg.Body)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("failed to send reminder, will retry next tick")
		return outcomeFailed
	}

	// the email is out; marking it delivered must survive Stop
	advanceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.QueryTimeout)
	err = s.tasks.AdvanceReminder(advanceCtx, task.ID)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("reminder sent but not marked delivered")
		return outcomeFailed
	}

	log.Info().Str("to", assignee.Email).Msg("reminder dispatched")
	return outcomeDispatched
}
