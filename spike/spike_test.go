package spike

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetcherCollapsesConcurrentGets(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	f := NewFetcher(func(ctx context.Context, key string) (string, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return "value-" + key, nil
	}, time.Minute)

	const n = 10
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.Get(context.Background(), "k")
		}(i)
	}

	// let every caller enqueue before the fetch resolves
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "value-k", results[i])
	}
}

func TestFetcherCachesSuccess(t *testing.T) {
	var calls int64
	f := NewFetcher(func(ctx context.Context, key string) (int, error) {
		atomic.AddInt64(&calls, 1)
		return 42, nil
	}, time.Minute)

	for i := 0; i < 5; i++ {
		v, err := f.Get(context.Background(), "k")
		require.NoError(t, err)
		require.Equal(t, 42, v)
	}
	require.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestFetcherDoesNotCacheErrors(t *testing.T) {
	var calls int64
	boom := errors.New("boom")
	f := NewFetcher(func(ctx context.Context, key string) (int, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return 0, boom
		}
		return 7, nil
	}, time.Minute)

	_, err := f.Get(context.Background(), "k")
	require.ErrorIs(t, err, boom)

	v, err := f.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, 7, v)
	require.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestFetcherKeysAreIndependent(t *testing.T) {
	f := NewFetcher(func(ctx context.Context, key string) (string, error) {
		return key, nil
	}, time.Minute)

	a, err := f.Get(context.Background(), "a")
	require.NoError(t, err)
	b, err := f.Get(context.Background(), "b")
	require.NoError(t, err)
	require.Equal(t, "a", a)
	require.Equal(t, "b", b)
}

func TestFetcherHonorsContext(t *testing.T) {
	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)
	f := NewFetcher(func(ctx context.Context, key string) (int, error) {
		close(started)
		<-block
		return 1, nil
	}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := f.Get(ctx, "k")
	require.ErrorIs(t, err, context.Canceled)
}
