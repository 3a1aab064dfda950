package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type recordingStore struct {
	keys    []string
	allowed bool
	err     error
}

func (s *recordingStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return nil, s.err
	}
	return &extratelimit.Result{Allowed: s.allowed}, nil
}

func (s *recordingStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return s.Allow(ctx, key)
}

func (s *recordingStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func TestLimiter_AllowKeysByUser(t *testing.T) {
	s := &recordingStore{allowed: true}
	l := NewTestLimiter(s)

	ok, err := l.Allow(context.Background(), "user_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"ratelimit:user:user_1"}, s.keys)
}

func TestLimiter_ErrorIsReported(t *testing.T) {
	l := NewTestLimiter(&recordingStore{err: errors.New("redis down")})

	ok, err := l.Allow(context.Background(), "user_1")
	assert.Error(t, err)
	assert.False(t, ok)
}
