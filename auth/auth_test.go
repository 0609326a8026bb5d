package auth_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xraph/switchboard"
	"github.com/xraph/switchboard/auth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu   sync.Mutex
	kv   map[string]string
	ttls map[string]time.Duration
	down bool
}

func newMemStore() *memStore {
	return &memStore{kv: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	return v, ok
}

func (m *memStore) Set(_ context.Context, key, value string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.down {
		return false
	}
	m.kv[key] = value
	m.ttls[key] = ttl
	return true
}

func (m *memStore) Exists(_ context.Context, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.kv[key]
	return ok
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() switchboard.AuthConfig {
	return switchboard.AuthConfig{
		Secret:    "s3cret",
		ExpiresIn: time.Hour,
		Issuer:    "crux-web-socket",
		Audience:  "crux-clients",
	}
}

func newService(store auth.Store) *auth.Service {
	return auth.New(testConfig(), store,
		auth.WithLogger(testLogger()),
		auth.WithClock(func() time.Time { return testNow }),
	)
}

func TestIssueVerify(t *testing.T) {
	svc := newService(newMemStore())

	token, err := svc.Issue(auth.Identity{UserID: "u1", Username: "ada", Name: "Ada"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := svc.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	id := claims.Identity()
	if id.UserID != "u1" || id.Username != "ada" || id.Name != "Ada" {
		t.Errorf("identity = %+v", id)
	}
	if len(id.Roles) != 1 || id.Roles[0] != "user" {
		t.Errorf("roles = %v, want [user]", id.Roles)
	}
	if got := claims.ExpiresAt.Time; !got.Equal(testNow.Add(time.Hour)) {
		t.Errorf("exp = %v", got)
	}
}

func TestVerify_Rejections(t *testing.T) {
	ctx := context.Background()
	svc := newService(newMemStore())
	good, err := svc.Issue(auth.Identity{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	otherSecret := testConfig()
	otherSecret.Secret = "other"
	forged, _ := auth.New(otherSecret, nil, auth.WithClock(func() time.Time { return testNow })).Issue(auth.Identity{UserID: "u1"})

	otherAud := testConfig()
	otherAud.Audience = "someone-else"
	wrongAud, _ := auth.New(otherAud, nil, auth.WithClock(func() time.Time { return testNow })).Issue(auth.Identity{UserID: "u1"})

	later := auth.New(testConfig(), nil, auth.WithLogger(testLogger()),
		auth.WithClock(func() time.Time { return testNow.Add(2 * time.Hour) }))

	tests := []struct {
		name  string
		svc   *auth.Service
		token string
	}{
		{"empty", svc, ""},
		{"garbage", svc, "not.a.jwt"},
		{"wrong secret", svc, forged},
		{"wrong audience", svc, wrongAud},
		{"expired", later, good},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.svc.Verify(ctx, tt.token); !errors.Is(err, switchboard.ErrUnauthorized) {
				t.Errorf("err = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestVerify_RejectsNoneAlgorithm(t *testing.T) {
	claims := jwt.MapClaims{"sub": "u1", "iss": "crux-web-socket", "aud": "crux-clients"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := newService(newMemStore()).Verify(context.Background(), token); !errors.Is(err, switchboard.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(store)
	token, _ := svc.Issue(auth.Identity{UserID: "u1"})

	if err := svc.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	key := switchboard.RevokedTokenKey(token)
	if store.kv[key] != "true" {
		t.Errorf("marker = %q", store.kv[key])
	}
	if got, want := store.ttls[key], time.Hour+10*time.Second; got != want {
		t.Errorf("ttl = %v, want %v", got, want)
	}

	_, err := svc.Verify(ctx, token)
	if !errors.Is(err, auth.ErrTokenRevoked) || !errors.Is(err, switchboard.ErrUnauthorized) {
		t.Errorf("Verify revoked = %v", err)
	}
}

func TestRevoke_NoExpUsesFallback(t *testing.T) {
	store := newMemStore()
	cfg := testConfig()
	cfg.ExpiresIn = 0
	svc := auth.New(cfg, store, auth.WithLogger(testLogger()), auth.WithClock(func() time.Time { return testNow }))
	token, _ := svc.Issue(auth.Identity{UserID: "u1"})

	if err := svc.Revoke(context.Background(), token); err != nil {
		t.Fatal(err)
	}
	if got := store.ttls[switchboard.RevokedTokenKey(token)]; got != time.Hour {
		t.Errorf("ttl = %v, want 1h", got)
	}
}

func TestRevoke_Errors(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(store)

	if err := svc.Revoke(ctx, ""); !errors.Is(err, switchboard.ErrBadRequest) {
		t.Errorf("empty: %v", err)
	}
	store.down = true
	token, _ := svc.Issue(auth.Identity{UserID: "u1"})
	if err := svc.Revoke(ctx, token); !errors.Is(err, switchboard.ErrTransient) {
		t.Errorf("store down: %v", err)
	}
}

func TestLogin_AutoRegisterThenVerify(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newService(store)

	first, err := svc.Login(ctx, "ada", "pw")
	if err != nil {
		t.Fatalf("Login register: %v", err)
	}
	if first.UserID == "" {
		t.Fatal("no user id assigned")
	}
	raw := store.kv[switchboard.UserKey("ada")]
	if strings.Contains(raw, `"pw"`) {
		t.Error("password stored in plain text")
	}
	if store.ttls[switchboard.UserKey("ada")] != 30*24*time.Hour {
		t.Errorf("user ttl = %v", store.ttls[switchboard.UserKey("ada")])
	}

	again, err := svc.Login(ctx, "ada", "pw")
	if err != nil {
		t.Fatalf("Login again: %v", err)
	}
	if again.UserID != first.UserID {
		t.Errorf("user id changed: %q -> %q", first.UserID, again.UserID)
	}

	if _, err := svc.Login(ctx, "ada", "wrong"); !errors.Is(err, switchboard.ErrUnauthorized) {
		t.Errorf("wrong password: %v", err)
	}
}

func TestLogin_BadRequest(t *testing.T) {
	svc := newService(newMemStore())
	for _, c := range [][2]string{{"", "pw"}, {"ada", ""}} {
		if _, err := svc.Login(context.Background(), c[0], c[1]); !errors.Is(err, switchboard.ErrBadRequest) {
			t.Errorf("Login(%q,%q) = %v", c[0], c[1], err)
		}
	}
}
