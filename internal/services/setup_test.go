package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm/logger"

	"task-reminder/internal/authz"
	"task-reminder/internal/config"
	"task-reminder/internal/database"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
	"task-reminder/internal/services"
)

// testEnv wires every service against an in-memory database seeded with a
// small hierarchy: manager manages user, other manages stranger, loose has
// no manager.
type testEnv struct {
	pool  *database.DatabasePool
	ctx   context.Context
	tasks *repositories.TaskRepositoryImpl
	users *repositories.UserRepositoryImpl
	audit *repositories.AuditRepositoryImpl

	authorizer  *services.AuthorizationServiceImpl
	taskService *services.TaskServiceImpl
	userService *services.UserServiceImpl
	authService *services.AuthServiceImpl

	admin    models.User
	manager  models.User
	other    models.User
	user     models.User
	stranger models.User
	loose    models.User
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pool, err := database.NewDatabasePool(&database.PoolConfig{
		Driver:   database.DriverSQLite,
		DSN:      ":memory:",
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, pool.Migrate())
	t.Cleanup(func() { pool.Close() })

	log := zerolog.Nop()
	env := &testEnv{
		pool:  pool,
		ctx:   context.Background(),
		tasks: repositories.NewTaskRepository(pool.DB),
		users: repositories.NewUserRepository(pool.DB),
		audit: repositories.NewAuditRepository(pool.DB),
	}
	env.authorizer = services.NewAuthorizationService(env.audit, log)
	env.taskService = services.NewTaskService(env.tasks, env.users, env.authorizer, log)
	env.userService = services.NewUserService(env.users, env.authorizer, log)
	env.authService = services.NewAuthService(env.users, config.AuthConfig{
		JWTSecret:      "test-secret",
		Issuer:         "task-reminder-test",
		AccessTokenTTL: time.Hour,
		BCryptCost:     bcrypt.MinCost,
	}, log)

	env.admin = env.seedUser(t, "admin@example.com", models.RoleAdmin, nil)
	env.manager = env.seedUser(t, "manager@example.com", models.RoleManager, nil)
	env.other = env.seedUser(t, "other@example.com", models.RoleManager, nil)
	env.user = env.seedUser(t, "user@example.com", models.RoleUser, &env.manager)
	env.stranger = env.seedUser(t, "stranger@example.com", models.RoleUser, &env.other)
	env.loose = env.seedUser(t, "loose@example.com", models.RoleUser, nil)

	return env
}

func (e *testEnv) seedUser(t *testing.T, email string, role models.Role, manager *models.User) models.User {
	t.Helper()
	hashed, err := services.HashPassword("password123", bcrypt.MinCost)
	require.NoError(t, err)

	user := models.User{Name: email, Email: email, Password: hashed, Role: role}
	if manager != nil {
		user.ManagedBy = &manager.ID
	}
	require.NoError(t, e.users.Create(e.ctx, &user))
	return user
}

func (e *testEnv) seedTask(t *testing.T, title string, creator, assignee models.User) *models.Task {
	t.Helper()
	task := &models.Task{
		Title:      title,
		DueDate:    time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		AssignedTo: assignee.ID,
		CreatedBy:  creator.ID,
	}
	require.NoError(t, e.tasks.Create(e.ctx, task))
	return task
}

func (e *testEnv) countAudit(t *testing.T, decision string, reason authz.Reason) int64 {
	t.Helper()
	var count int64
	err := e.pool.DB.Model(&models.AuditLog{}).
		Where("decision = ? AND reason = ?", decision, string(reason)).
		Count(&count).Error
	require.NoError(t, err)
	return count
}

func actorOf(u models.User) authz.Actor {
	return authz.Actor{ID: u.ID, Role: u.Role}
}

func strPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
