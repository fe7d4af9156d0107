package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newService(t *testing.T, store UserStore) *Service {
	t.Helper()
	svc, err := NewService(store, Options{Secret: "test-secret", BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	return svc
}

func TestFileStore_CreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "users.json")
	_, err := NewFileStore(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestFileStore_CreateAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	u := User{Email: "a@example.com", PasswordHash: "hash", CreatedAt: time.Unix(100, 0).UTC()}
	require.NoError(t, store.Create(ctx, u))
	assert.ErrorIs(t, store.Create(ctx, u), ErrUserExists)

	got, err := store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = store.Get(ctx, "b@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	// A second store over the same file sees the account.
	reopened, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = reopened.Get(ctx, "a@example.com")
	assert.NoError(t, err)

	var raw []map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 1)
	assert.Equal(t, "hash", raw[0]["password"])
}

func TestFileStore_ConcurrentCreate(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- store.Create(context.Background(), User{Email: "same@example.com"})
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
		} else {
			assert.ErrorIs(t, err, ErrUserExists)
		}
	}
	assert.Equal(t, 1, created)
}

func TestService_RegisterLogin(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	svc := newService(t, store)
	ctx := context.Background()

	u, err := svc.Register(ctx, "  Dev@Example.com ", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", u.Email)
	assert.NotEqual(t, "hunter2", u.PasswordHash)

	_, err = svc.Register(ctx, "dev@example.com", "other")
	assert.ErrorIs(t, err, ErrUserExists)

	token, expires, err := svc.Login(ctx, "DEV@example.com", "hunter2")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), expires, time.Minute)

	email, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "dev@example.com", email)

	_, _, err = svc.Login(ctx, "dev@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@example.com", "hunter2")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_RegisterValidation(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	svc := newService(t, store)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "bad email", email: "not-an-email", password: "pw"},
		{name: "empty email", email: "", password: "pw"},
		{name: "empty password", email: "a@example.com", password: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.email, tt.password)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestService_ParseTokenRejects(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)
	svc := newService(t, store)

	token, _, err := svc.IssueToken("a@example.com")
	require.NoError(t, err)

	other, err := NewService(store, Options{Secret: "different"})
	require.NoError(t, err)
	_, err = other.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.ParseToken("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	svc.now = func() time.Time { return time.Now().Add(DefaultTokenTTL + time.Hour) }
	_, err = svc.ParseToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, Options{})
	assert.Error(t, err)

	_, err = NewService(nil, Options{Secret: "s", BcryptCost: 99})
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("BUILDQ_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("BUILDQ_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	store, err := Connect(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	email := "pg-" + time.Now().Format("150405.000000000") + "@example.com"
	u := User{Email: email, PasswordHash: "hash", CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	require.NoError(t, store.Create(ctx, u))
	assert.ErrorIs(t, store.Create(ctx, u), ErrUserExists)

	got, err := store.Get(ctx, email)
	require.NoError(t, err)
	assert.Equal(t, u.Email, got.Email)
	assert.Equal(t, u.PasswordHash, got.PasswordHash)
	assert.True(t, u.CreatedAt.Equal(got.CreatedAt))

	_, err = store.Get(ctx, "missing-"+email)
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = store.pool.Exec(ctx, `DELETE FROM users WHERE email = $1`, email)
	require.NoError(t, err)
}
