package runerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := New(KindHTTPStatus, "list orders failed").WithStatus(429)
	assert.Equal(t, "HTTP_STATUS (status 429): list orders failed", err.Error())

	err = New(KindEmptyBody, "no content")
	assert.Equal(t, "EMPTY_BODY: no content", err.Error())
}

func TestWrapAndUnwrap(t *testing.T) {
	cause := context.DeadlineExceeded
	err := Wrap(KindNetwork, cause, "GET /orders")

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "GET /orders")

	wrapped := fmt.Errorf("fetch: %w", err)
	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Kind: KindNetwork}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindDecode}))
}

func TestAtKeepsFirstStage(t *testing.T) {
	err := New(KindDecode, "bad json").At("run-1", "fetching")
	again := err.At("run-2", "writing_raw")

	assert.Equal(t, "run-1", again.RunID)
	assert.Equal(t, "fetching", again.Stage)
	assert.Empty(t, New(KindDecode, "x").Stage)
}

func TestAsFallback(t *testing.T) {
	assert.Nil(t, As(nil, KindWrite))

	re := As(errors.New("disk full"), KindWrite)
	require.NotNil(t, re)
	assert.Equal(t, KindWrite, re.Kind)

	orig := New(KindDegenerateRun, "no items")
	assert.Same(t, orig, As(fmt.Errorf("x: %w", orig), KindWrite))
}

func TestUpstreamKinds(t *testing.T) {
	upstream := 0
	for _, k := range Kinds {
		if k.Upstream() {
			upstream++
		}
	}
	assert.Equal(t, 5, upstream)
	assert.False(t, KindDegenerateRun.Upstream())
}
