// Package auth issues, verifies and revokes the HS256 bearer tokens socket
// clients present, and keeps the minimal user records the token endpoint
// logs in against.
//
// Revocation is a marker key revoked_token:<token> that lives until shortly
// after the token would have expired anyway.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/switchboard"
)

// ErrTokenRevoked is returned by Verify for a token found on the
// revocation list. It always comes wrapped together with
// switchboard.ErrUnauthorized.
var ErrTokenRevoked = errors.New("auth: token revoked")

const (
	// revokeSlack keeps a revocation marker a little past the token's exp.
	revokeSlack = 10 * time.Second
	// revokeFallback is the marker lifetime for tokens without exp.
	revokeFallback = time.Hour
)

// DefaultRoles are granted to every issued token.
var DefaultRoles = []string{"user"}

// Identity is the caller a verified token describes.
type Identity struct {
	UserID   string   `json:"id"`
	Username string   `json:"username,omitempty"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles"`
}

// Claims is the token body.
type Claims struct {
	Username string   `json:"username,omitempty"`
	Name     string   `json:"name,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	// UID is accepted as a fallback subject for tokens minted elsewhere.
	UID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

// Identity extracts the caller. Subject wins over the id claim.
func (c *Claims) Identity() *Identity {
	uid := c.Subject
	if uid == "" {
		uid = c.UID
	}
	roles := c.Roles
	if roles == nil {
		roles = []string{}
	}
	return &Identity{
		UserID:   uid,
		Username: c.Username,
		Name:     c.Name,
		Roles:    roles,
	}
}

// Store is the key-value slice of the resilient channel auth needs.
// *channel.Channel satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Exists(ctx context.Context, key string) bool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service signs and checks tokens.
type Service struct {
	cfg    switchboard.AuthConfig
	secret []byte
	store  Store
	logger *slog.Logger
	now    func() time.Time
	parser *jwt.Parser
}

// New creates a Service. store may be nil, in which case revocation is
// neither recorded nor checked and user records are unavailable.
func New(cfg switchboard.AuthConfig, store Store, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if cfg.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		popts = append(popts, jwt.WithAudience(cfg.Audience))
	}
	s.parser = jwt.NewParser(popts...)
	return s
}

// ExpiresIn is the lifetime given to issued tokens.
func (s *Service) ExpiresIn() time.Duration { return s.cfg.ExpiresIn }

// Issue signs a token for id.
func (s *Service) Issue(id Identity) (string, error) {
	now := s.now()
	roles := id.Roles
	if len(roles) == 0 {
		roles = DefaultRoles
	}
	claims := Claims{
		Username: id.Username,
		Name:     id.Name,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			Issuer:   s.cfg.Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	if s.cfg.ExpiresIn > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.cfg.ExpiresIn))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return token, nil
}

// Verify checks signature, expiry, issuer, audience and revocation.
// Every failure wraps switchboard.ErrUnauthorized.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("auth: empty token: %w", switchboard.ErrUnauthorized)
	}

	var claims Claims
	_, err := s.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: %w: %w", err, switchboard.ErrUnauthorized)
	}

	if s.store != nil && s.store.Exists(ctx, switchboard.RevokedTokenKey(token)) {
		s.logger.Warn("revoked token presented", slog.String("subject", claims.Subject))
		return nil, fmt.Errorf("%w: %w", ErrTokenRevoked, switchboard.ErrUnauthorized)
	}
	return &claims, nil
}

// Revoke records token as revoked until exp plus a small slack, or for an
// hour when the token has no exp. The signature is not checked. A token
// already past its exp is left alone.
func (s *Service) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("auth: empty token: %w", switchboard.ErrBadRequest)
	}
	if s.store == nil {
		return fmt.Errorf("auth: no revocation store: %w", switchboard.ErrTransient)
	}

	ttl := revokeFallback
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		ttl = claims.ExpiresAt.Sub(s.now()) + revokeSlack
	}
	if ttl <= 0 {
		s.logger.Debug("revoking expired token skipped")
		return nil
	}

	if !s.store.Set(ctx, switchboard.RevokedTokenKey(token), "true", ttl) {
		return fmt.Errorf("auth: record revocation: %w", switchboard.ErrTransient)
	}
	s.logger.Info("token revoked", slog.Duration("ttl", ttl))
	return nil
}
