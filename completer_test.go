package roomlink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompleter_ResolveOnce(t *testing.T) {
	c := newCompleter()

	assert.False(t, c.completed())
	assert.True(t, c.resolve(nil))
	assert.False(t, c.resolve(errors.New("too late")))
	assert.True(t, c.completed())

	require.NoError(t, c.await(context.Background()))
}

func TestCompleter_FirstResolutionWins(t *testing.T) {
	c := newCompleter()
	sentinel := errors.New("first")

	assert.True(t, c.resolve(sentinel))
	assert.False(t, c.resolve(nil))

	assert.ErrorIs(t, c.await(context.Background()), sentinel)
}

func TestCompleter_AwaitContextCancel(t *testing.T) {
	c := newCompleter()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.await(ctx), context.DeadlineExceeded)
	assert.False(t, c.completed())
}

func TestCompleter_MultipleAwaiters(t *testing.T) {
	c := newCompleter()
	sentinel := errors.New("done")

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			results <- c.await(context.Background())
		}()
	}

	c.resolve(sentinel)

	for i := 0; i < 3; i++ {
		select {
		case err := <-results:
			assert.ErrorIs(t, err, sentinel)
		case <-time.After(time.Second):
			t.Fatal("awaiter did not return")
		}
	}
}
