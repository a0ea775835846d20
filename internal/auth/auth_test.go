package auth

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	creds  map[string]Credentials
	tokens map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		creds:  make(map[string]Credentials),
		tokens: make(map[string]string),
	}
}

func (m *memStore) UpsertCredentials(_ context.Context, c Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.Email] = c
	return nil
}

func (m *memStore) ListCredentials(context.Context) ([]Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Credentials
	for _, c := range m.creds {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) UpsertToken(_ context.Context, userID, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = userID
	return nil
}

func (m *memStore) DeleteToken(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, tokenHash)
	return nil
}

func (m *memStore) ListTokens(context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.tokens))
	for k, v := range m.tokens {
		out[k] = v
	}
	return out, nil
}

func TestAuthService(t *testing.T) {
	const t0Unix = 1700000000

	createService := func(t *testing.T, store *memStore) (*AuthService, *time.Time) {
		cfg := Config{
			Secret:      base64.StdEncoding.EncodeToString([]byte("server-secret")),
			TokenExpiry: time.Hour,
		}

		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		svc, err := NewAuthService(ctx, cfg, store)
		if err != nil {
			t.Fatalf("Failed to create service: %v", err)
		}

		currentTime := time.Unix(t0Unix, 0)
		svc.now = func() time.Time {
			return currentTime
		}

		return svc, &currentTime
	}

	ctx := context.Background()

	t.Run("AddUser", func(t *testing.T) {
		svc, _ := createService(t, newMemStore())

		u1, err := svc.AddUser(ctx, "Alice@Example.com", "Alice", "password1")
		if err != nil {
			t.Fatalf("Failed to add user: %v", err)
		}
		if u1.Email != "alice@example.com" {
			t.Errorf("Expected normalized email, got %s", u1.Email)
		}
		if u1.PasswordHash != "" {
			t.Error("AddUser must not return the password hash")
		}

		_, err = svc.AddUser(ctx, "alice@example.com", "Other", "password2")
		if err != ErrUserExists {
			t.Errorf("Expected ErrUserExists, got %v", err)
		}

		_, err = svc.AddUser(ctx, "bob@example.com", "Bob", "short")
		require.Error(t, err)
	})

	t.Run("Login", func(t *testing.T) {
		svc, _ := createService(t, newMemStore())
		u, err := svc.AddUser(ctx, "alice@example.com", "Alice", "password1")
		require.NoError(t, err)

		resp, id := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "password1"})
		require.True(t, resp.Success)
		require.NotEmpty(t, resp.Token)
		require.Equal(t, u.UserID, id.UserID)
		require.Equal(t, "Alice", id.DisplayName)
		require.Equal(t, int64(t0Unix+3600), resp.TokenExpiry)

		userID, err := svc.GetUserID(resp.Token)
		require.NoError(t, err)
		require.Equal(t, u.UserID, userID)

		require.NoError(t, svc.Logoff(ctx, resp.Token))
		_, err = svc.GetUserID(resp.Token)
		require.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("WrongPassword", func(t *testing.T) {
		svc, _ := createService(t, newMemStore())
		_, err := svc.AddUser(ctx, "alice@example.com", "Alice", "password1")
		require.NoError(t, err)

		resp, id := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "nope"})
		require.False(t, resp.Success)
		require.Empty(t, id.UserID)

		resp, _ = svc.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "password1"})
		require.False(t, resp.Success)
	})

	t.Run("Throttling", func(t *testing.T) {
		svc, now := createService(t, newMemStore())
		_, err := svc.AddUser(ctx, "alice@example.com", "Alice", "password1")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			resp, _ := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "bad"})
			require.False(t, resp.Success)
		}

		// Correct password is refused while throttled.
		resp, _ := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "password1"})
		require.False(t, resp.Success)
		require.Contains(t, resp.Message, "Too many failed login attempts")

		*now = now.Add(10 * time.Minute)
		resp, _ = svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "password1"})
		require.True(t, resp.Success)
	})

	t.Run("RestoresFromStore", func(t *testing.T) {
		store := newMemStore()
		svc, _ := createService(t, store)
		_, err := svc.AddUser(ctx, "alice@example.com", "Alice", "password1")
		require.NoError(t, err)
		resp, _ := svc.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "password1"})
		require.True(t, resp.Success)

		restarted, _ := createService(t, store)
		_, err = restarted.GetUserID(resp.Token)
		require.NoError(t, err)

		resp2, _ := restarted.Login(ctx, LoginRequest{Email: "alice@example.com", Password: "password1"})
		require.True(t, resp2.Success)
	})

	t.Run("EmptyToken", func(t *testing.T) {
		svc, _ := createService(t, newMemStore())
		_, err := svc.GetUserID("")
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}

func TestConfig_Validate(t *testing.T) {
	c := Config{}
	require.Error(t, c.Validate())

	c = Config{Secret: "not base64!!"}
	require.Error(t, c.Validate())

	c = Config{Secret: base64.StdEncoding.EncodeToString([]byte("s"))}
	require.NoError(t, c.Validate())
	require.Equal(t, DefaultTokenExpiry, c.TokenExpiry)
}
