package token

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/amoylab/replay/internal/common/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewSigner_Validation(t *testing.T) {
	_, err := NewSigner("", time.Minute)
	assert.ErrorIs(t, err, ErrEmptySecretKey)
	_, err = NewSigner("short", time.Minute)
	assert.ErrorIs(t, err, ErrWeakSecretKey)
	_, err = NewSigner(testSecret, 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestSigner_IssueVerify(t *testing.T) {
	s, err := NewSigner(testSecret, 5*time.Minute)
	require.NoError(t, err)

	signed, id, err := s.Issue(Claims{SiteID: "site-1", SessionID: "s1", VisitorID: "v1", ContentLength: 42, Encoding: "gzip"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	claims, err := s.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, id, claims.ID)
	assert.Equal(t, "site-1", claims.SiteID)
	assert.Equal(t, "s1", claims.SessionID)
	assert.Equal(t, int64(42), claims.ContentLength)
	assert.Equal(t, "gzip", claims.Encoding)

	_, second, err := s.Issue(Claims{SiteID: "site-1"})
	require.NoError(t, err)
	assert.NotEqual(t, id, second)
}

func TestSigner_Rejects(t *testing.T) {
	s, err := NewSigner(testSecret, time.Minute)
	require.NoError(t, err)
	signed, _, err := s.Issue(Claims{SiteID: "site-1"})
	require.NoError(t, err)

	t.Run("tampered", func(t *testing.T) {
		_, err := s.Verify(signed[:len(signed)-2] + "xx")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewSigner(strings.Repeat("z", 32), time.Minute)
		require.NoError(t, err)
		_, err = other.Verify(signed)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		defer func() { s.now = time.Now }()
		_, err := s.Verify(signed)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("unsigned", func(t *testing.T) {
		none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{SiteID: "site-1"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = s.Verify(none)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestMemoryStore_Consume(t *testing.T) {
	s := NewMemoryStore()
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := s.Consume(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Consume(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = s.Consume(ctx, "b", time.Minute)
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = s.Consume(ctx, "c", time.Minute)
	assert.True(t, ok)
	assert.Len(t, s.used, 1)
	assert.NoError(t, s.Close())
}

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	s, err := NewRedisStore(config.RedisConfig{Addr: mr.Addr(), Prefix: "replay:token"})
	if err != nil {
		mr.Close()
		t.Fatalf("failed to create RedisStore: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
		mr.Close()
	})
	return s, mr
}

func TestRedisStore_Consume(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()

	ok, err := s.Consume(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("replay:token:a"))

	ok, err = s.Consume(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = s.Consume(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewNonceStore(t *testing.T) {
	s, err := NewNonceStore(zap.NewNop(), &config.TokenConfig{Type: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	mr := miniredis.RunT(t)
	s, err = NewNonceStore(zap.NewNop(), &config.TokenConfig{Type: "redis", Redis: config.RedisConfig{Addr: mr.Addr(), Prefix: "p"}})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	_ = s.Close()

	_, err = NewNonceStore(zap.NewNop(), &config.TokenConfig{Type: "etcd"})
	assert.Error(t, err)
}
