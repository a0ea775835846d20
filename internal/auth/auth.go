package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists   = errors.New("user already exists")
	ErrUnauthorized = errors.New("unauthorized")
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// Identity is what a successful sign-in tells the rest of the system about
// the user: a stable id plus the profile fields known at account creation.
type Identity struct {
	UserID      string
	Email       string
	DisplayName string
}

type Credentials struct {
	UserID       string `json:"userId"`
	Email        string `json:"email"`
	DisplayName  string `json:"displayName"`
	PasswordHash string `json:"passwordHash"`
	// Consecutive failed login attempts, used to throttle brute force attacks.
	FailedLoginAttempts int64 `json:"failedLoginAttempts"`
	LastAttemptTime     int64 `json:"lastAttemptTime"`
}

func (c *Credentials) ResetFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts = 0
	c.LastAttemptTime = now.Unix()
}

func (c *Credentials) IncrementFailedLoginAttempts(now time.Time) {
	c.FailedLoginAttempts++
	c.LastAttemptTime = now.Unix()
}

// CredentialStore persists accounts and issued tokens.
type CredentialStore interface {
	UpsertCredentials(ctx context.Context, credentials Credentials) error
	ListCredentials(ctx context.Context) ([]Credentials, error)
	UpsertToken(ctx context.Context, userID string, tokenHash string) error
	DeleteToken(ctx context.Context, tokenHash string) error
	ListTokens(ctx context.Context) (map[string]string, error)
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// AuthService is the identity provider: it owns accounts and bearer tokens.
type AuthService struct {
	Config
	store CredentialStore
	// Accounts keyed by normalized email.
	users      *geche.Locker[string, *Credentials]
	liveTokens geche.Geche[string, string]
	now        func() time.Time
}

func NewAuthService(ctx context.Context, config Config, store CredentialStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	as := &AuthService{
		Config:     config,
		store:      store,
		users:      geche.NewLocker[string, *Credentials](geche.NewMapCache[string, *Credentials]()),
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:        time.Now,
	}

	creds, err := store.ListCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	tx := as.users.Lock()
	for i := range creds {
		c := creds[i]
		tx.Set(normalizeEmail(c.Email), &c)
	}
	tx.Unlock()

	tokens, err := store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokens: %w", err)
	}
	for tokenHash, userID := range tokens {
		as.liveTokens.Set(tokenHash, userID)
	}

	return as, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AddUser creates an account. The returned credentials carry no password hash.
func (as *AuthService) AddUser(ctx context.Context, email, displayName, password string) (Credentials, error) {
	key := normalizeEmail(email)
	if key == "" {
		return Credentials{}, errors.New("email is required")
	}
	if len(password) < 8 {
		return Credentials{}, errors.New("password must be at least 8 characters")
	}

	tx := as.users.Lock()
	defer tx.Unlock()
	if _, err := tx.Get(key); err == nil {
		return Credentials{}, ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to hash password: %w", err)
	}

	creds := &Credentials{
		UserID:       uuid.NewString(),
		Email:        key,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	}
	if err := as.store.UpsertCredentials(ctx, *creds); err != nil {
		return Credentials{}, fmt.Errorf("failed to store credentials: %w", err)
	}
	tx.Set(key, creds)

	return Credentials{
		UserID:      creds.UserID,
		Email:       creds.Email,
		DisplayName: creds.DisplayName,
	}, nil
}

func (as *AuthService) Login(ctx context.Context, req LoginRequest) (LoginResponse, Identity) {
	now := as.now()
	tx := as.users.Lock()
	defer tx.Unlock()
	user, err := tx.Get(normalizeEmail(req.Email))
	if err != nil {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, Identity{}
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		lastAttempt := user.LastAttemptTime
		failedAttempts := user.FailedLoginAttempts
		nextAttempt := lastAttempt + 30*(failedAttempts*failedAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, Identity{}
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		as.persist(ctx, user)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, Identity{}
	}

	token, err := as.generateToken()
	if err != nil {
		slog.Error("login failed", "user_id", user.UserID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, Identity{}
	}

	tokenHash := as.hashToken(token)
	if err := as.store.UpsertToken(ctx, user.UserID, tokenHash); err != nil {
		slog.Error("failed to store token", "user_id", user.UserID, "error", err)
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, Identity{}
	}
	as.liveTokens.Set(tokenHash, user.UserID)
	if user.FailedLoginAttempts != 0 {
		user.ResetFailedLoginAttempts(now)
		as.persist(ctx, user)
	}

	return LoginResponse{
			Success:     true,
			Token:       token,
			TokenExpiry: now.Unix() + int64(as.TokenExpiry.Seconds()),
		}, Identity{
			UserID:      user.UserID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
		}
}

func (as *AuthService) persist(ctx context.Context, user *Credentials) {
	if err := as.store.UpsertCredentials(ctx, *user); err != nil {
		slog.Warn("failed to persist credentials", "user_id", user.UserID, "error", err)
	}
}

func (as *AuthService) Logoff(ctx context.Context, token string) error {
	tokenHash := as.hashToken(token)
	if err := as.store.DeleteToken(ctx, tokenHash); err != nil {
		return err
	}
	return as.liveTokens.Del(tokenHash)
}

// GetUserID resolves a bearer token to the user it was issued to.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, err := as.liveTokens.Get(as.hashToken(token))
	if err != nil {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// hashToken keeps raw tokens out of the database.
func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha256.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// GeneratePassword returns a random one-time password for new accounts.
func GeneratePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
