package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm/logger"

	"task-reminder/internal/authz"
	"task-reminder/internal/config"
	"task-reminder/internal/database"
	"task-reminder/internal/middleware"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
	"task-reminder/internal/services"
)

type authFixture struct {
	pool    *database.DatabasePool
	users   *repositories.UserRepositoryImpl
	auth    *services.AuthServiceImpl
	manager models.User
	router  *gin.Engine
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool, err := database.NewDatabasePool(&database.PoolConfig{
		Driver:   database.DriverSQLite,
		DSN:      ":memory:",
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, pool.Migrate())
	t.Cleanup(func() { pool.Close() })

	f := &authFixture{
		pool:  pool,
		users: repositories.NewUserRepository(pool.DB),
	}
	f.auth = services.NewAuthService(f.users, config.AuthConfig{
		JWTSecret:      "middleware-secret",
		Issuer:         "task-reminder",
		AccessTokenTTL: time.Hour,
		BCryptCost:     bcrypt.MinCost,
	}, zerolog.Nop())

	f.manager = models.User{Name: "Manager", Email: "manager@example.com", Password: "x", Role: models.RoleManager}
	require.NoError(t, f.users.Create(context.Background(), &f.manager))

	f.router = gin.New()
	f.router.GET("/protected", middleware.Authenticate(f.auth, f.users, zerolog.Nop()), func(c *gin.Context) {
		actor, ok := middleware.ActorFrom(c)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no actor"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": actor.ID.String(), "role": actor.Role})
	})
	return f
}

func (f *authFixture) get(header string) *httptest.ResponseRecorder {
	req, _ := http.NewRequest("GET", "/protected", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *authFixture) token(t *testing.T, user *models.User) string {
	t.Helper()
	token, err := f.auth.GenerateToken(user)
	require.NoError(t, err)
	return token
}

func TestAuthenticate_NoToken(t *testing.T) {
	f := newAuthFixture(t)

	w := f.get("")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
	assert.Contains(t, w.Body.String(), "missing_token")
}

func TestAuthenticate_WrongScheme(t *testing.T) {
	f := newAuthFixture(t)

	w := f.get("Basic dXNlcjpwYXNz")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
	assert.Contains(t, w.Body.String(), "invalid_token_format")
}

func TestAuthenticate_InvalidToken(t *testing.T) {
	f := newAuthFixture(t)

	w := f.get("Bearer invalid_token")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
	assert.Contains(t, w.Body.String(), "invalid_token")
}

func TestAuthenticate_ValidToken(t *testing.T) {
	f := newAuthFixture(t)

	w := f.get("Bearer " + f.token(t, &f.manager))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	assert.Contains(t, w.Body.String(), f.manager.ID.String())
	assert.Contains(t, w.Body.String(), `"role":"manager"`)
}

func TestAuthenticate_RoleReloadedFromStore(t *testing.T) {
	f := newAuthFixture(t)
	token := f.token(t, &f.manager)

	_, err := f.users.UpdateRole(context.Background(), f.manager.ID, models.RoleUser, nil)
	require.NoError(t, err)

	w := f.get("Bearer " + token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"user"`)
}

func TestAuthenticate_DeletedUser(t *testing.T) {
	f := newAuthFixture(t)
	ghost := models.User{ID: uuid.Must(uuid.NewV4()), Role: models.RoleAdmin}

	w := f.get("Bearer " + f.token(t, &ghost))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
	assert.Contains(t, w.Body.String(), "unknown_user")
}

func TestAuthenticate_StoreUnavailable(t *testing.T) {
	f := newAuthFixture(t)
	token := f.token(t, &f.manager)
	require.NoError(t, f.pool.Close())

	w := f.get("Bearer " + token)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
}

type stubParser struct {
	claims *services.Claims
}

func (p stubParser) ParseToken(string) (*services.Claims, error) {
	if p.claims == nil {
		return nil, errors.New("bad token")
	}
	return p.claims, nil
}

type stubLoader struct{}

func (stubLoader) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return &models.User{ID: id, Role: models.RoleUser}, nil
}

func TestAuthenticate_MalformedSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.GET("/protected",
		middleware.Authenticate(stubParser{claims: &services.Claims{UserID: "not-a-uuid"}}, stubLoader{}, zerolog.Nop()),
		func(c *gin.Context) { c.Status(http.StatusOK) },
	)

	req, _ := http.NewRequest("GET", "/protected", nil)
	req.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}
	assert.Contains(t, w.Body.String(), "invalid_claims")
}

func TestActorFrom_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if _, ok := middleware.ActorFrom(c); ok {
		t.Error("Expected no actor on a fresh context")
	}

	c.Set(middleware.ActorKey, authz.Actor{Role: models.RoleAdmin})
	actor, ok := middleware.ActorFrom(c)
	if !ok || actor.Role != models.RoleAdmin {
		t.Errorf("Expected admin actor, got %+v", actor)
	}
}
