package errkind

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := New(KindTransient, "connection refused")
	wrapped := errors.Wrap(errors.Wrap(base, "store put"), "worker persist")

	assert.True(t, Is(wrapped, KindTransient))
	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, Retryable(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestContextErrorsMapToTimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, ctx.Err())
	assert.Equal(t, KindTimeout, KindOf(ctx.Err()))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(KindTransient, nil, "ignored"))
}

func TestDistinctKinds(t *testing.T) {
	err := Newf(KindBackpressure, "queue full: %d", 16)
	assert.True(t, Is(err, KindBackpressure))
	assert.False(t, Is(err, KindTransient))
	assert.False(t, Retryable(err))
}
