package identity

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imperious/messaging-service/internal/cache"
	"imperious/messaging-service/internal/models"
)

var (
	alice = models.User{ID: "u-alice", Email: "alice@example.com", Name: "Alice", Role: "student", Dept: "CSE"}
	bob   = models.User{ID: "u-bob", Email: "bob@example.com", Name: "Bob", Role: "alumni", Dept: "ECE"}
)

type countingDirectory struct {
	Directory
	calls int
}

func (c *countingDirectory) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	c.calls++
	return c.Directory.FindByEmail(ctx, email)
}

func (c *countingDirectory) FindByID(ctx context.Context, id string) (*models.User, error) {
	c.calls++
	return c.Directory.FindByID(ctx, id)
}

func TestMemoryDirectory_Lookups(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(alice, bob, models.User{ID: "no-email"})

	u, err := dir.FindByEmail(ctx, "  ALICE@example.com ")
	require.NoError(t, err)
	assert.Equal(t, alice, *u)

	u, err = dir.FindByID(ctx, "u-bob")
	require.NoError(t, err)
	assert.Equal(t, bob.Email, u.Email)

	_, err = dir.FindByID(ctx, "no-email")
	assert.ErrorIs(t, err, ErrUserNotFound)

	_, err = dir.FindByEmail(ctx, "carol@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(alice, bob)

	u, err := Resolve(ctx, dir, "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-bob", u.ID)

	u, err = Resolve(ctx, dir, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)

	_, err = Resolve(ctx, dir, "   ")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestCachedDirectory_ServesRepeatLookupsFromCache(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	backing := &countingDirectory{Directory: NewMemoryDirectory(alice)}
	dir := NewCachedDirectory(backing, cache.NewLRUCache(16, time.Minute), time.Minute, logger)

	for i := 0; i < 3; i++ {
		u, err := dir.FindByEmail(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, alice, *u)
	}
	assert.Equal(t, 1, backing.calls)

	_, err := dir.FindByID(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, 2, backing.calls)
}

func TestCachedDirectory_DoesNotCacheMisses(t *testing.T) {
	ctx := context.Background()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	mem := NewMemoryDirectory()
	dir := NewCachedDirectory(mem, cache.NewLRUCache(16, time.Minute), time.Minute, logger)

	_, err := dir.FindByEmail(ctx, "alice@example.com")
	assert.ErrorIs(t, err, ErrUserNotFound)

	mem.Add(alice)
	u, err := dir.FindByEmail(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u-alice", u.ID)
}

func TestTokenVerifier_RoundTrip(t *testing.T) {
	ctx := context.Background()
	v := NewTokenVerifier("secret", NewMemoryDirectory(alice))

	token, err := v.Issue("alice@example.com", time.Hour)
	require.NoError(t, err)

	u, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "u-alice", u.ID)
}

func TestTokenVerifier_Rejects(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(alice)
	v := NewTokenVerifier("secret", dir)

	expired, err := v.Issue("alice@example.com", -time.Minute)
	require.NoError(t, err)
	foreign, err := NewTokenVerifier("other", dir).Issue("alice@example.com", time.Hour)
	require.NoError(t, err)
	unknown, err := v.Issue("mallory@example.com", time.Hour)
	require.NoError(t, err)
	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, token := range map[string]string{
		"garbage":    "not-a-token",
		"expired":    expired,
		"wrong key":  foreign,
		"unknown":    unknown,
		"no subject": noSubject,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}

	_, err = NewTokenVerifier("", dir).Verify(ctx, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", BearerToken(r))
}
