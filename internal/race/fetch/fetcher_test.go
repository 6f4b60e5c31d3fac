package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsValue(t *testing.T) {
	f := New()

	out := f.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return 42, nil
	})

	require.True(t, out.OK())
	assert.Equal(t, 42, out.Value)
	assert.False(t, f.InFlight("k"))
}

func TestDoReturnsError(t *testing.T) {
	f := New()
	boom := errors.New("boom")

	out := f.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return nil, boom
	})

	assert.False(t, out.OK())
	assert.False(t, out.Canceled)
	assert.ErrorIs(t, out.Err, boom)
}

func TestNewerFetchCancelsOlder(t *testing.T) {
	f := New()
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var first Outcome
	go func() {
		defer wg.Done()
		first = f.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()

	<-started
	second := f.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
		return "fresh", nil
	})
	wg.Wait()

	// The superseded fetch reports canceled, never an error, so its
	// result cannot be mistaken for data.
	assert.True(t, first.Canceled)
	assert.NoError(t, first.Err)
	assert.Nil(t, first.Value)

	require.True(t, second.OK())
	assert.Equal(t, "fresh", second.Value)
}

func TestDifferentKeysRunIndependently(t *testing.T) {
	f := New()
	started := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var slow Outcome
	go func() {
		defer wg.Done()
		slow = f.Do(context.Background(), "a", func(ctx context.Context) (any, error) {
			close(started)
			<-release
			return "a", nil
		})
	}()

	<-started
	out := f.Do(context.Background(), "b", func(ctx context.Context) (any, error) {
		return "b", nil
	})
	require.True(t, out.OK())

	close(release)
	wg.Wait()
	require.True(t, slow.OK())
}

func TestCallerContextCancellationReportsCanceled(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())

	out := f.Do(ctx, "k", func(fctx context.Context) (any, error) {
		cancel()
		<-fctx.Done()
		return nil, fctx.Err()
	})

	assert.True(t, out.Canceled)
	assert.NoError(t, out.Err)
}

func TestCancelAbortsInFlight(t *testing.T) {
	f := New()
	started := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	var out Outcome
	go func() {
		defer wg.Done()
		out = f.Do(context.Background(), "k", func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}()

	<-started
	require.Eventually(t, func() bool { return f.InFlight("k") }, time.Second, time.Millisecond)
	f.Cancel("k")
	wg.Wait()

	assert.True(t, out.Canceled)
	assert.False(t, f.InFlight("k"))
}
