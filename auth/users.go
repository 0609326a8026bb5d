package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/xraph/switchboard"
)

// userTTL is how long a user record lives after it is written.
const userTTL = 30 * 24 * time.Hour

// user is the record stored at user:<username>.
type user struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Login checks username and password against the stored record. Unknown
// usernames are registered on first login with the given password.
// It returns the identity to issue a token for.
func (s *Service) Login(ctx context.Context, username, password string) (*Identity, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("auth: username and password are required: %w", switchboard.ErrBadRequest)
	}
	if s.store == nil {
		return nil, fmt.Errorf("auth: no user store: %w", switchboard.ErrTransient)
	}

	key := switchboard.UserKey(username)
	raw, ok := s.store.Get(ctx, key)
	if !ok {
		return s.register(ctx, username, password)
	}

	var u user
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil, fmt.Errorf("auth: decode user %s: %w", username, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, fmt.Errorf("auth: invalid credentials: %w", switchboard.ErrUnauthorized)
		}
		return nil, fmt.Errorf("auth: compare password: %w", err)
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
		if err := s.saveUser(ctx, &u); err != nil {
			return nil, err
		}
	}
	return &Identity{UserID: u.ID, Username: u.Username, Roles: DefaultRoles}, nil
}

func (s *Service) register(ctx context.Context, username, password string) (*Identity, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: hash password: %w", err)
	}
	u := user{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.saveUser(ctx, &u); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", slog.String("username", username), slog.String("user_id", u.ID))
	return &Identity{UserID: u.ID, Username: username, Roles: DefaultRoles}, nil
}

func (s *Service) saveUser(ctx context.Context, u *user) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("auth: encode user: %w", err)
	}
	if !s.store.Set(ctx, switchboard.UserKey(u.Username), string(b), userTTL) {
		return fmt.Errorf("auth: save user %s: %w", u.Username, switchboard.ErrTransient)
	}
	return nil
}
