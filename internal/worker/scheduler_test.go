package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm/logger"

	"task-reminder/internal/authz"
	"task-reminder/internal/cache"
	"task-reminder/internal/database"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
	"task-reminder/internal/services"
	"task-reminder/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sentReminder struct {
	to      string
	subject string
	body    string
}

// fakeDispatcher records every send and fails for addresses in failFor.
type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []sentReminder
	failFor map[string]bool
	block   chan struct{}
	entered chan struct{}
	panics  bool
	onSend  func()
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failFor: make(map[string]bool)}
}

func (d *fakeDispatcher) Send(ctx context.Context, to, subject, body string) error {
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	if d.panics {
		panic("transport exploded")
	}
	if d.onSend != nil {
		d.onSend()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[to] {
		return errors.New("mailbox unavailable")
	}
	d.sent = append(d.sent, sentReminder{to: to, subject: subject, body: body})
	return nil
}

func (d *fakeDispatcher) Sent() []sentReminder {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentReminder(nil), d.sent...)
}

func (d *fakeDispatcher) FailFor(to string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFor[to] = fail
}

type SchedulerTestSuite struct {
	suite.Suite
	pool       *database.DatabasePool
	ctx        context.Context
	tasks      *repositories.TaskRepositoryImpl
	users      *repositories.UserRepositoryImpl
	clock      *fakeClock
	dispatcher *fakeDispatcher
	scheduler  *worker.ReminderScheduler
	now        time.Time

	manager models.User
	alice   models.User
	bob     models.User
}

func (suite *SchedulerTestSuite) SetupTest() {
	pool, err := database.NewDatabasePool(&database.PoolConfig{
		Driver:   database.DriverSQLite,
		DSN:      ":memory:",
		LogLevel: logger.Silent,
	})
	suite.Require().NoError(err)
	suite.Require().NoError(pool.Migrate())

	suite.pool = pool
	suite.ctx = context.Background()
	suite.tasks = repositories.NewTaskRepository(pool.DB)
	suite.users = repositories.NewUserRepository(pool.DB)
	suite.now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	suite.clock = &fakeClock{now: suite.now}
	suite.dispatcher = newFakeDispatcher()
	suite.scheduler = suite.newScheduler()

	suite.manager = suite.seedUser("manager@example.com", models.RoleManager, nil)
	suite.alice = suite.seedUser("alice@example.com", models.RoleUser, &suite.manager.ID)
	suite.bob = suite.seedUser("bob@example.com", models.RoleUser, &suite.manager.ID)
}

func (suite *SchedulerTestSuite) TearDownTest() {
	suite.pool.Close()
}

func (suite *SchedulerTestSuite) newScheduler(opts ...worker.Option) *worker.ReminderScheduler {
	opts = append([]worker.Option{worker.WithClock(suite.clock.Now)}, opts...)
	return worker.NewReminderScheduler(worker.SchedulerConfig{
		Interval: 10 * time.Millisecond,
		Window:   5 * time.Minute,
	}, suite.tasks, suite.users, suite.dispatcher, zerolog.Nop(), opts...)
}

func (suite *SchedulerTestSuite) seedUser(email string, role models.Role, managedBy *uuid.UUID) models.User {
	user := models.User{Name: email, Email: email, Password: "x", Role: role, ManagedBy: managedBy}
	suite.Require().NoError(suite.users.Create(suite.ctx, &user))
	return user
}

func (suite *SchedulerTestSuite) seedTask(title string, assignee uuid.UUID, due time.Time, reminder *time.Time) *models.Task {
	task := &models.Task{
		Title:      title,
		DueDate:    due,
		ReminderAt: reminder,
		AssignedTo: assignee,
		CreatedBy:  suite.manager.ID,
	}
	suite.Require().NoError(suite.tasks.Create(suite.ctx, task))
	return task
}

func (suite *SchedulerTestSuite) reload(id uuid.UUID) *models.Task {
	task, err := suite.tasks.GetByID(suite.ctx, id)
	suite.Require().NoError(err)
	return task
}

func at(t time.Time) *time.Time {
	return &t
}

func actorOf(u models.User) authz.Actor {
	return authz.Actor{ID: u.ID, Role: u.Role}
}

func (suite *SchedulerTestSuite) TestTickDispatchesOnlyInsideWindow() {
	due := suite.now.Add(time.Hour)
	inWindow := suite.seedTask("In window", suite.alice.ID, due, at(suite.now.Add(2*time.Minute)))
	suite.seedTask("Too late", suite.alice.ID, due, at(suite.now.Add(10*time.Minute)))
	suite.seedTask("Already past", suite.alice.ID, due, at(suite.now.Add(-time.Minute)))
	suite.seedTask("No reminder", suite.alice.ID, due, nil)

	completed := suite.seedTask("Completed", suite.alice.ID, due, at(suite.now.Add(time.Minute)))
	_, err := suite.tasks.Update(suite.ctx, completed.ID, map[string]interface{}{"status": models.StatusCompleted})
	suite.Require().NoError(err)

	report := suite.scheduler.Tick(suite.ctx)

	suite.NoError(report.Err)
	suite.Equal(1, report.Matched)
	suite.Equal(1, report.Dispatched)
	suite.Equal(suite.now, report.WindowStart)
	suite.Equal(suite.now.Add(5*time.Minute), report.WindowEnd)

	sent := suite.dispatcher.Sent()
	suite.Require().Len(sent, 1)
	suite.Equal("alice@example.com", sent[0].to)
	suite.Equal(`Reminder: Task "In window" is due soon`, sent[0].subject)

	reloaded := suite.reload(inWindow.ID)
	suite.Require().NotNil(reloaded.ReminderAt)
	suite.True(reloaded.ReminderAt.Equal(reloaded.DueDate))
}

func (suite *SchedulerTestSuite) TestWindowBoundsAreInclusive() {
	due := suite.now.Add(time.Hour)
	suite.seedTask("At start", suite.alice.ID, due, at(suite.now))
	suite.seedTask("At end", suite.alice.ID, due, at(suite.now.Add(5*time.Minute)))

	report := suite.scheduler.Tick(suite.ctx)

	suite.Equal(2, report.Dispatched)
}

func (suite *SchedulerTestSuite) TestConsecutiveTicksAreIdempotent() {
	due := suite.now.Add(4 * time.Minute)
	task := suite.seedTask("Soon", suite.alice.ID, due, at(suite.now.Add(time.Minute)))

	first := suite.scheduler.Tick(suite.ctx)
	suite.Equal(1, first.Dispatched)

	second := suite.scheduler.Tick(suite.ctx)
	suite.Equal(0, second.Matched)

	// the delivered marker now sits on due_date, which is inside this window
	suite.clock.Set(due.Add(-time.Minute))
	third := suite.scheduler.Tick(suite.ctx)
	suite.Equal(0, third.Matched)

	suite.clock.Set(due)
	fourth := suite.scheduler.Tick(suite.ctx)
	suite.Equal(0, fourth.Matched)

	suite.Len(suite.dispatcher.Sent(), 1)
	suite.True(suite.reload(task.ID).ReminderAt.Equal(due))
}

func (suite *SchedulerTestSuite) TestFailedDispatchIsRetriedNextTick() {
	reminder := suite.now.Add(time.Minute)
	task := suite.seedTask("Flaky", suite.alice.ID, suite.now.Add(time.Hour), at(reminder))

	suite.dispatcher.FailFor("alice@example.com", true)
	report := suite.scheduler.Tick(suite.ctx)

	suite.NoError(report.Err)
	suite.Equal(1, report.Failed)
	suite.Equal(0, report.Dispatched)
	suite.True(suite.reload(task.ID).ReminderAt.Equal(reminder), "failed reminder must stay pending")

	suite.dispatcher.FailFor("alice@example.com", false)
	report = suite.scheduler.Tick(suite.ctx)

	suite.Equal(1, report.Dispatched)
	suite.Len(suite.dispatcher.Sent(), 1)
}

func (suite *SchedulerTestSuite) TestFailuresAreIsolatedPerTask() {
	due := suite.now.Add(time.Hour)
	failing := suite.seedTask("Alice's", suite.alice.ID, due, at(suite.now.Add(time.Minute)))
	passing := suite.seedTask("Bob's", suite.bob.ID, due, at(suite.now.Add(2*time.Minute)))

	suite.dispatcher.FailFor("alice@example.com", true)
	report := suite.scheduler.Tick(suite.ctx)

	suite.Equal(2, report.Matched)
	suite.Equal(1, report.Failed)
	suite.Equal(1, report.Dispatched)
	suite.True(suite.reload(failing.ID).ReminderPending())
	suite.False(suite.reload(passing.ID).ReminderPending())
}

func (suite *SchedulerTestSuite) TestMissingAssigneeIsSkipped() {
	ghost := uuid.Must(uuid.NewV4())
	reminder := suite.now.Add(time.Minute)
	task := suite.seedTask("Orphan", ghost, suite.now.Add(time.Hour), at(reminder))

	report := suite.scheduler.Tick(suite.ctx)

	suite.Equal(1, report.Skipped)
	suite.Empty(suite.dispatcher.Sent())
	suite.True(suite.reload(task.ID).ReminderAt.Equal(reminder))
}

func (suite *SchedulerTestSuite) TestAssigneeWithoutEmailIsSkipped() {
	err := suite.pool.DB.Model(&models.User{}).Where("id = ?", suite.bob.ID).Update("email", "").Error
	suite.Require().NoError(err)

	suite.seedTask("Silent", suite.bob.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))

	report := suite.scheduler.Tick(suite.ctx)

	suite.Equal(1, report.Skipped)
	suite.Empty(suite.dispatcher.Sent())
}

func (suite *SchedulerTestSuite) TestQueryFailureAbortsTick() {
	suite.seedTask("Unreachable", suite.alice.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))
	suite.Require().NoError(suite.pool.Close())

	report := suite.scheduler.Tick(suite.ctx)

	suite.Error(report.Err)
	suite.ErrorIs(report.Err, repositories.ErrStoreUnavailable)
	suite.Zero(report.Matched)
	suite.Empty(suite.dispatcher.Sent())
}

func (suite *SchedulerTestSuite) TestPanicIsRecovered() {
	suite.seedTask("Boom", suite.alice.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))
	suite.dispatcher.panics = true

	var report worker.TickReport
	suite.NotPanics(func() { report = suite.scheduler.Tick(suite.ctx) })
	suite.Error(report.Err)

	suite.dispatcher.panics = false
	report = suite.scheduler.Tick(suite.ctx)
	suite.False(report.Reentrant, "guard must be released after a panic")
	suite.Equal(1, report.Dispatched)
}

func (suite *SchedulerTestSuite) TestOverlappingTickIsSkipped() {
	suite.seedTask("Slow", suite.alice.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))
	suite.dispatcher.block = make(chan struct{})
	suite.dispatcher.entered = make(chan struct{}, 1)

	done := make(chan worker.TickReport)
	go func() { done <- suite.scheduler.Tick(suite.ctx) }()
	<-suite.dispatcher.entered

	overlapping := suite.scheduler.Tick(suite.ctx)
	suite.True(overlapping.Reentrant)
	suite.Zero(overlapping.Matched)

	close(suite.dispatcher.block)
	first := <-done
	suite.Equal(1, first.Dispatched)
	suite.Len(suite.dispatcher.Sent(), 1)
}

func (suite *SchedulerTestSuite) TestLeaseHeldElsewhereSkipsTick() {
	mr := miniredis.RunT(suite.T())
	cfg := cache.DefaultCacheConfig()
	cfg.Addr = mr.Addr()
	redisCache := cache.NewRedisCache(cfg)
	defer redisCache.Close()

	scheduler := suite.newScheduler(worker.WithLocker(redisCache))
	suite.seedTask("Shared", suite.alice.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))

	suite.Require().NoError(mr.Set("reminder:tick", "other-instance"))

	report := scheduler.Tick(suite.ctx)
	suite.True(report.Contended)
	suite.Empty(suite.dispatcher.Sent())

	mr.Del("reminder:tick")

	report = scheduler.Tick(suite.ctx)
	suite.False(report.Contended)
	suite.Equal(1, report.Dispatched)
	suite.False(mr.Exists("reminder:tick"), "lease must be released at tick end")
}

func (suite *SchedulerTestSuite) TestLeaseStoreDownDoesNotBlockReminders() {
	mr := miniredis.RunT(suite.T())
	cfg := cache.DefaultCacheConfig()
	cfg.Addr = mr.Addr()
	cfg.MaxRetries = -1
	redisCache := cache.NewRedisCache(cfg)
	defer redisCache.Close()
	mr.Close()

	scheduler := suite.newScheduler(worker.WithLocker(redisCache))
	suite.seedTask("Degraded", suite.alice.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))

	report := scheduler.Tick(suite.ctx)
	suite.Equal(1, report.Dispatched)
}

func (suite *SchedulerTestSuite) TestStartStop() {
	suite.seedTask("Looping", suite.alice.ID, suite.now.Add(time.Hour), at(suite.now.Add(time.Minute)))

	suite.scheduler.Start()
	suite.scheduler.Start()

	suite.Eventually(func() bool {
		return len(suite.dispatcher.Sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	suite.scheduler.Stop()
	suite.scheduler.Stop()

	suite.Len(suite.dispatcher.Sent(), 1)
}

// A manager assigns a task to their user with a reminder two minutes out;
// one minute later the scheduler window [now+1m, now+6m] covers it.
func (suite *SchedulerTestSuite) TestDeliveredReminderIsMarkedWhenStoppedMidTick() {
	due := suite.now.Add(time.Hour)
	task := suite.seedTask("Sent then stopped", suite.alice.ID, due, at(suite.now.Add(time.Minute)))

	ctx, cancel := context.WithCancel(suite.ctx)
	defer cancel()
	suite.dispatcher.onSend = cancel

	report := suite.scheduler.Tick(ctx)

	suite.Equal(1, report.Dispatched)
	suite.Zero(report.Failed)
	suite.Len(suite.dispatcher.Sent(), 1)
	suite.False(suite.reload(task.ID).ReminderPending())

	suite.dispatcher.onSend = nil
	suite.Zero(suite.scheduler.Tick(suite.ctx).Matched)
	suite.Len(suite.dispatcher.Sent(), 1)
}

func (suite *SchedulerTestSuite) TestReminderOnDueDateIsRejectedAtCreate() {
	log := zerolog.Nop()
	authorizer := services.NewAuthorizationService(repositories.NewAuditRepository(suite.pool.DB), log)
	taskService := services.NewTaskService(suite.tasks, suite.users, authorizer, log)

	due := suite.now.Add(3 * time.Minute)
	_, err := taskService.CreateTask(suite.ctx, actorOf(suite.manager), services.CreateTaskInput{
		Title:      "Same instant",
		DueDate:    due,
		ReminderAt: at(due),
		AssignedTo: suite.alice.ID,
	})
	suite.ErrorIs(err, services.ErrInvalidInput)

	task, err := taskService.CreateTask(suite.ctx, actorOf(suite.manager), services.CreateTaskInput{
		Title:      "Just before",
		DueDate:    due,
		ReminderAt: at(due.Add(-time.Second)),
		AssignedTo: suite.alice.ID,
	})
	suite.Require().NoError(err)

	report := suite.scheduler.Tick(suite.ctx)
	suite.Equal(1, report.Matched)
	suite.Equal(1, report.Dispatched)
	suite.False(suite.reload(task.ID).ReminderPending())
}

func (suite *SchedulerTestSuite) TestManagerUserSchedulerScenario() {
	log := zerolog.Nop()
	audit := repositories.NewAuditRepository(suite.pool.DB)
	authorizer := services.NewAuthorizationService(audit, log)
	taskService := services.NewTaskService(suite.tasks, suite.users, authorizer, log)

	managerActor := actorOf(suite.manager)
	aliceActor := actorOf(suite.alice)

	task, err := taskService.CreateTask(suite.ctx, managerActor, services.CreateTaskInput{
		Title:       "Quarterly report",
		Description: "Numbers for Q2",
		Priority:    models.PriorityHigh,
		DueDate:     suite.now.Add(10 * time.Minute),
		ReminderAt:  at(suite.now.Add(2 * time.Minute)),
		AssignedTo:  suite.alice.ID,
	})
	suite.Require().NoError(err)

	_, err = taskService.UpdateTaskStatus(suite.ctx, aliceActor, task.ID, models.StatusInProgress)
	suite.Require().NoError(err)

	suite.clock.Set(suite.now.Add(time.Minute))
	report := suite.scheduler.Tick(suite.ctx)

	suite.Equal(suite.now.Add(time.Minute), report.WindowStart)
	suite.Equal(suite.now.Add(6*time.Minute), report.WindowEnd)
	suite.Equal(1, report.Dispatched)

	sent := suite.dispatcher.Sent()
	suite.Require().Len(sent, 1)
	suite.Equal("alice@example.com", sent[0].to)
	suite.Contains(sent[0].body, "Numbers for Q2")
	suite.Contains(sent[0].body, "high")

	suite.clock.Set(suite.now.Add(2 * time.Minute))
	suite.Zero(suite.scheduler.Tick(suite.ctx).Matched)

	seen, err := taskService.GetTask(suite.ctx, aliceActor, task.ID)
	suite.Require().NoError(err)
	suite.Equal(models.StatusInProgress, seen.Status)
	suite.True(seen.ReminderAt.Equal(seen.DueDate))
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func TestSchedulerConfigDefaults(t *testing.T) {
	cfg := worker.DefaultSchedulerConfig()
	if cfg.Interval != time.Minute {
		t.Errorf("Expected interval 1m, got %v", cfg.Interval)
	}
	if cfg.Window != 5*time.Minute {
		t.Errorf("Expected window 5m, got %v", cfg.Window)
	}
	if cfg.LockKey != "reminder:tick" {
		t.Errorf("Expected lock key reminder:tick, got %s", cfg.LockKey)
	}
}
