package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDownloader(t *testing.T, fetch fetchFunc) *Downloader {
	t.Helper()

	d := NewDownloader(&Config{
		DownloadsDir:    t.TempDir(),
		DownloadTimeout: 5 * time.Second,
		DownloadRetries: 3,
	})
	d.fetch = fetch
	d.backoff = func(int) time.Duration { return 0 }

	done := make(chan struct{})
	d.Start(2, done)
	t.Cleanup(func() {
		close(done)
		d.Drain()
	})
	return d
}

func writeDest(t *testing.T, dest string) {
	t.Helper()
	require.NoError(t, os.WriteFile(dest, []byte("opus-bytes"), 0644))
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		if calls.Add(1) < 3 {
			return errors.New("connection reset")
		}
		writeDest(t, dest)
		return nil
	})

	tr := NewTrack("https://youtube.com/watch?v=retry1", 1, "user")
	require.NoError(t, d.Fetch(t.Context(), tr))

	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, tr.Ready())
	assert.Equal(t, 1.0, tr.Progress())
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		calls.Add(1)
		return errors.New("connection reset")
	})

	tr := NewTrack("https://youtube.com/watch?v=fail1", 1, "user")
	err := d.Fetch(t.Context(), tr)
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, DownloadTransient, dlErr.Kind)
	assert.Equal(t, int32(3), calls.Load(), "retry budget is spent before giving up")
	assert.False(t, tr.Ready())
}

func TestFetchTimeoutIsTerminal(t *testing.T) {
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		calls.Add(1)
		return context.DeadlineExceeded
	})

	tr := NewTrack("https://youtube.com/watch?v=slow1", 1, "user")
	err := d.Fetch(t.Context(), tr)
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, DownloadTimeout, dlErr.Kind)
	assert.Equal(t, int32(1), calls.Load(), "timeouts are not retried")
}

func TestFetchDetectsMissingFile(t *testing.T) {
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		// Claim success without producing a file.
		return nil
	})

	tr := NewTrack("https://youtube.com/watch?v=ghost1", 1, "user")
	err := d.Fetch(t.Context(), tr)
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, DownloadMissing, dlErr.Kind)
}

func TestFetchIdempotent(t *testing.T) {
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		calls.Add(1)
		writeDest(t, dest)
		return nil
	})

	tr := NewTrack("https://youtube.com/watch?v=once1", 1, "user")
	require.NoError(t, d.Fetch(t.Context(), tr))
	require.NoError(t, d.Fetch(t.Context(), tr))
	assert.Equal(t, int32(1), calls.Load(), "second fetch reuses the existing file")
}

func TestFetchRedownloadsAfterFileLoss(t *testing.T) {
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		calls.Add(1)
		writeDest(t, dest)
		return nil
	})

	tr := NewTrack("https://youtube.com/watch?v=again1", 1, "user")
	require.NoError(t, d.Fetch(t.Context(), tr))

	require.NoError(t, os.Remove(tr.Path))
	require.NoError(t, d.Fetch(t.Context(), tr))
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, tr.Ready())
}

func TestFetchHonorsContext(t *testing.T) {
	release := make(chan struct{})
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		<-release
		writeDest(t, dest)
		return nil
	})
	t.Cleanup(func() { close(release) })

	tr := NewTrack("https://youtube.com/watch?v=hang1", 1, "user")
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()

	err := d.Fetch(ctx, tr)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "caller stops waiting, job keeps running")
}

func TestFetchSharesDownloadAcrossTracks(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		calls.Add(1)
		startOnce.Do(func() { close(started) })
		<-release
		writeDest(t, dest)
		return nil
	})

	t1 := NewTrack("https://youtube.com/watch?v=shared1", 1, "alice")
	t2 := NewTrack("https://youtube.com/watch?v=shared1", 2, "bob")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	errs := make(chan error, 2)
	go func() { errs <- d.Fetch(ctx, t1) }()
	<-started
	go func() { errs <- d.Fetch(ctx, t2) }()
	close(release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int32(1), calls.Load(), "one download serves both tracks")
	assert.True(t, t1.Ready())
	assert.True(t, t2.Ready())
}

func TestFetchResubmitsAfterSharedFailure(t *testing.T) {
	started := make(chan struct{})
	var startOnce sync.Once
	var calls atomic.Int32
	d := newTestDownloader(t, func(ctx context.Context, tr *Track, dest string) error {
		// The first track burns its whole retry budget; the second track's
		// own job then succeeds.
		n := calls.Add(1)
		startOnce.Do(func() { close(started) })
		if n <= 3 {
			return errors.New("connection reset")
		}
		writeDest(t, dest)
		return nil
	})

	t1 := NewTrack("https://youtube.com/watch?v=shared2", 1, "alice")
	t2 := NewTrack("https://youtube.com/watch?v=shared2", 2, "bob")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	t1err := make(chan error, 1)
	go func() { t1err <- d.Fetch(ctx, t1) }()
	<-started

	require.NoError(t, d.Fetch(ctx, t2))
	assert.True(t, t2.Ready())
	assert.Equal(t, int32(4), calls.Load())

	var dlErr *DownloadError
	require.ErrorAs(t, <-t1err, &dlErr)
	assert.Equal(t, DownloadTransient, dlErr.Kind)
}

func TestFetchQueuesBeyondPoolWidth(t *testing.T) {
	var active, peak atomic.Int32
	d := NewDownloader(&Config{
		DownloadsDir:    t.TempDir(),
		DownloadTimeout: 5 * time.Second,
		DownloadRetries: 1,
	})
	d.fetch = func(ctx context.Context, tr *Track, dest string) error {
		cur := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		writeDest(t, dest)
		return nil
	}
	done := make(chan struct{})
	d.Start(1, done)
	t.Cleanup(func() {
		close(done)
		d.Drain()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	defer cancel()

	// More requests than the job buffer holds; overflow callers must queue,
	// not widen the pool.
	var wg sync.WaitGroup
	for i := 0; i < 70; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr := NewTrack(fmt.Sprintf("https://youtube.com/watch?v=flood%02d", i), 1, "user")
			assert.NoError(t, d.Fetch(ctx, tr))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load(), "downloads never exceed the worker count")
}

func TestDownloadErrorMessage(t *testing.T) {
	err := &DownloadError{Kind: DownloadTransient, URL: "u", Err: errors.New("reset")}
	assert.Contains(t, err.Error(), "transient")
	assert.Contains(t, err.Error(), "reset")

	assert.Equal(t, "timeout", DownloadTimeout.String())
	assert.Equal(t, "missing", DownloadMissing.String())
}
