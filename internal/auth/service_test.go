// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package auth_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/auth"
	"github.com/taibuivan/aegis/internal/platform/apperr"
	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/revocation"
	"github.com/taibuivan/aegis/internal/session"
	"github.com/taibuivan/aegis/internal/users"
)

const (
	testSecret   = "0123456789abcdef0123456789abcdef"
	testPassword = "correct horse battery staple"
)

// # Fakes

// userDirectory serves fixed accounts. lookupDelay stands in for a database round trip.
type userDirectory struct {
	byID        map[string]*users.User
	lookupDelay time.Duration
}

func (directory *userDirectory) FindByID(_ context.Context, id string) (*users.User, error) {
	time.Sleep(directory.lookupDelay)
	if user, ok := directory.byID[id]; ok {
		return user, nil
	}
	return nil, users.ErrUserNotFound
}

func (directory *userDirectory) FindByLogin(_ context.Context, login string) (*users.User, error) {
	for _, user := range directory.byID {
		if user.Email == login || user.Username == login {
			return user, nil
		}
	}
	return nil, users.ErrUserNotFound
}

type auditTrail struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (trail *auditTrail) Log(_ context.Context, entry audit.Entry) audit.Event {
	trail.mu.Lock()
	defer trail.mu.Unlock()
	trail.entries = append(trail.entries, entry)
	return audit.Event{Type: entry.Type}
}

func (trail *auditTrail) has(eventType audit.EventType) bool {
	trail.mu.Lock()
	defer trail.mu.Unlock()
	for _, entry := range trail.entries {
		if entry.Type == eventType {
			return true
		}
	}
	return false
}

// # Harness

type fixture struct {
	service    *auth.Service
	codec      *sec.TokenCodec
	sessions   *session.Manager
	revocation *revocation.Store
	directory  *userDirectory
	audit      *auditTrail
}

func newFixture(t *testing.T, maxSessions int) *fixture {
	t.Helper()

	hash, err := sec.HashPassword(testPassword)
	require.NoError(t, err)

	codec, err := sec.NewTokenCodec([]string{testSecret}, "aegis.test")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := kv.NewMemoryStore()

	f := &fixture{
		codec:      codec,
		sessions:   session.NewManager(store, time.Hour, logger),
		revocation: revocation.NewStore(store),
		directory: &userDirectory{byID: map[string]*users.User{
			"user-1": {ID: "user-1", Username: "alice", Email: "alice@example.com", PasswordHash: hash, Roles: []string{"member"}, IsActive: true},
			"user-2": {ID: "user-2", Username: "bob", Email: "bob@example.com", PasswordHash: hash, Roles: []string{"member"}, IsActive: false},
		}},
		audit: &auditTrail{},
	}
	f.service = auth.NewService(f.directory, codec, f.sessions, f.revocation, f.audit, nil, auth.Config{
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    time.Hour,
		MaxSessionsPerUser: maxSessions,
	}, logger)
	return f
}

func (f *fixture) login(t *testing.T) *auth.TokenPair {
	t.Helper()
	pair, err := f.service.Login(context.Background(), auth.LoginInput{
		Login:    "alice",
		Password: testPassword,
		Meta:     auth.RequestMeta{IPAddress: "10.0.0.1", UserAgent: "test"},
	})
	require.NoError(t, err)
	return pair
}

func (f *fixture) identity(t *testing.T, pair *auth.TokenPair) *sec.Identity {
	t.Helper()
	claims, err := f.codec.VerifyType(pair.AccessToken, sec.TokenAccess)
	require.NoError(t, err)
	return sec.IdentityFromClaims(claims)
}

func assertStatus(t *testing.T, err error, status int) {
	t.Helper()
	appError := apperr.As(err)
	require.NotNil(t, appError, "expected an AppError, got %v", err)
	assert.Equal(t, status, appError.HTTPStatus)
}

// # Tests

/*
TestLogin_IssuesBoundTokens verifies the token pair and its session.
*/
func TestLogin_IssuesBoundTokens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	pair := f.login(t)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Equal(t, 900, pair.ExpiresIn)

	access, err := f.codec.VerifyType(pair.AccessToken, sec.TokenAccess)
	require.NoError(t, err)
	refresh, err := f.codec.VerifyType(pair.RefreshToken, sec.TokenRefresh)
	require.NoError(t, err)

	assert.Equal(t, "user-1", access.Subject)
	assert.Equal(t, []string{"member"}, access.Roles)
	assert.Equal(t, pair.SessionID, access.SessionID)
	assert.Equal(t, pair.SessionID, refresh.SessionID)

	record, err := f.sessions.Get(ctx, pair.SessionID)
	require.NoError(t, err)
	assert.Equal(t, refresh.ID, record.TokenRef)
	assert.Equal(t, "10.0.0.1", record.Metadata[session.MetaIP])
	assert.True(t, f.audit.has(audit.EventAuthSuccess))
}

/*
TestLogin_Failures verifies that every credential failure is the same 401.
*/
func TestLogin_Failures(t *testing.T) {
	tests := []struct {
		name     string
		login    string
		password string
	}{
		{"unknown_account", "mallory", testPassword},
		{"wrong_password", "alice", "wrong"},
		{"inactive_account", "bob", testPassword},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 5)
			_, err := f.service.Login(context.Background(), auth.LoginInput{Login: tt.login, Password: tt.password})

			assertStatus(t, err, http.StatusUnauthorized)
			assert.Equal(t, "Could not validate credentials", err.Error())
			assert.True(t, f.audit.has(audit.EventAuthFailed))
		})
	}
}

/*
TestLogin_EnforcesSessionLimit verifies eviction of the least recently active session.
*/
func TestLogin_EnforcesSessionLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	first := f.login(t)
	time.Sleep(2 * time.Millisecond)
	second := f.login(t)
	time.Sleep(2 * time.Millisecond)
	third := f.login(t)

	ids, err := f.sessions.SessionsFor(ctx, "user-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{second.SessionID, third.SessionID}, ids)

	_, err = f.sessions.Get(ctx, first.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.True(t, f.audit.has(audit.EventSessionEvicted))
}

/*
TestRefresh_Rotates verifies rotation and single use of refresh tokens.
*/
func TestRefresh_Rotates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	pair := f.login(t)

	rotated, err := f.service.Refresh(ctx, pair.RefreshToken, auth.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, pair.SessionID, rotated.SessionID)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// The old refresh token is spent.
	_, err = f.service.Refresh(ctx, pair.RefreshToken, auth.RequestMeta{})
	assertStatus(t, err, http.StatusUnauthorized)

	// The new one still works.
	_, err = f.service.Refresh(ctx, rotated.RefreshToken, auth.RequestMeta{})
	require.NoError(t, err)

	// Access tokens are not refresh tokens.
	_, err = f.service.Refresh(ctx, rotated.AccessToken, auth.RequestMeta{})
	assertStatus(t, err, http.StatusUnauthorized)
}

/*
TestRefresh_ReuseKillsSession verifies that an unbound refresh token ends its session.
*/
func TestRefresh_ReuseKillsSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	pair := f.login(t)

	// Simulate a rotation whose revocation entry was lost.
	refresh, err := f.codec.VerifyType(pair.RefreshToken, sec.TokenRefresh)
	require.NoError(t, err)
	require.NoError(t, f.sessions.BindToken(ctx, pair.SessionID, refresh.ID, "another-refresh-id"))

	_, err = f.service.Refresh(ctx, pair.RefreshToken, auth.RequestMeta{})
	assertStatus(t, err, http.StatusUnauthorized)

	_, err = f.sessions.Get(ctx, pair.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	assert.True(t, f.audit.has(audit.EventSecurityViolation))
}

/*
TestRefresh_ConcurrentRotation verifies that one refresh token presented by
several requests at once is rotated exactly once.
*/
func TestRefresh_ConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	pair := f.login(t)
	f.directory.lookupDelay = 5 * time.Millisecond

	const callers = 8
	results := make([]error, callers)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for index := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, results[index] = f.service.Refresh(ctx, pair.RefreshToken, auth.RequestMeta{})
		}()
	}
	close(start)
	wg.Wait()

	rotated := 0
	for _, err := range results {
		if err == nil {
			rotated++
			continue
		}
		assertStatus(t, err, http.StatusUnauthorized)
	}
	assert.Equal(t, 1, rotated)
}

/*
TestLogout verifies revocation of the access token and removal of the session.
*/
func TestLogout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	pair := f.login(t)
	identity := f.identity(t, pair)

	require.NoError(t, f.service.Logout(ctx, identity, auth.RequestMeta{}))

	revoked, err := f.revocation.IsRevoked(ctx, identity.TokenID)
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = f.sessions.Get(ctx, pair.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.service.Refresh(ctx, pair.RefreshToken, auth.RequestMeta{})
	assertStatus(t, err, http.StatusUnauthorized)
}

/*
TestLogoutAll_AndSessions verifies listing, single revocation and mass logout.
*/
func TestLogoutAll_AndSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)

	first := f.login(t)
	second := f.login(t)
	third := f.login(t)
	identity := f.identity(t, third)

	views, err := f.service.Sessions(ctx, identity)
	require.NoError(t, err)
	require.Len(t, views, 3)
	current := 0
	for _, view := range views {
		if view.Current {
			current++
			assert.Equal(t, third.SessionID, view.ID)
		}
	}
	assert.Equal(t, 1, current)

	require.NoError(t, f.service.RevokeSession(ctx, identity, first.SessionID, auth.RequestMeta{}))
	assertStatus(t, f.service.RevokeSession(ctx, identity, first.SessionID, auth.RequestMeta{}), http.StatusNotFound)

	count, err := f.service.LogoutAll(ctx, identity, auth.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = f.sessions.Get(ctx, second.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}
