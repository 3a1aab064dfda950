package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnavailable_WrapsSentinelAndCause(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Unavailable("get usage", cause)

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "get usage")
}

func TestUnavailable_NilStaysNil(t *testing.T) {
	assert.NoError(t, Unavailable("noop", nil))
}

func TestUnavailable_DoesNotDoubleWrap(t *testing.T) {
	first := Unavailable("inner", errors.New("conn refused"))
	second := Unavailable("outer", first)

	assert.Equal(t, first, second)
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrations.ReadDir("migrations")
	assert.NoError(t, err)
	assert.Len(t, entries, 3)
}
