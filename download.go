package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ===========================
// Download Pipeline
// ===========================

type DownloadErrorKind int

const (
	DownloadTimeout DownloadErrorKind = iota
	DownloadTransient
	DownloadMissing
)

func (k DownloadErrorKind) String() string {
	switch k {
	case DownloadTimeout:
		return "timeout"
	case DownloadTransient:
		return "transient"
	case DownloadMissing:
		return "missing"
	}
	return "unknown"
}

// DownloadError is the terminal failure of a fetch, after all retries.
type DownloadError struct {
	Kind DownloadErrorKind
	URL  string
	Err  error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed (%s): %s: %v", e.Kind, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// fetchFunc performs one download attempt into dest. Injectable for tests.
type fetchFunc func(ctx context.Context, t *Track, dest string) error

// Downloader is the process-wide pipeline. All sessions share one bounded
// worker pool so per-guild demand cannot starve the host.
type Downloader struct {
	dir      string
	timeout  time.Duration
	attempts int
	fetch    fetchFunc
	backoff  func(attempt int) time.Duration

	jobs chan *Track
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]*Track
}

func NewDownloader(cfg *Config) *Downloader {
	d := &Downloader{
		dir:      cfg.DownloadsDir,
		timeout:  cfg.DownloadTimeout,
		attempts: cfg.DownloadRetries,
		fetch:    ytdlpFetch,
		backoff: func(attempt int) time.Duration {
			return time.Duration(1<<uint(attempt-1)) * time.Second
		},
		jobs:     make(chan *Track, 64),
		inflight: make(map[string]*Track),
	}
	if d.attempts < 1 {
		d.attempts = 1
	}
	return d
}

// Start launches the worker pool. Workers exit when done is closed and the
// job channel drains.
func (d *Downloader) Start(workers int, done <-chan struct{}) {
	_ = os.MkdirAll(d.dir, 0755)

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					LogDownload("CRITICAL: worker panic recovered: %v", r)
				}
			}()
			for {
				select {
				case <-done:
					return
				case t := <-d.jobs:
					d.process(t)
				}
			}
		}()
	}
	LogDownload(MsgDownloadPoolStarted, workers)
}

// Drain blocks until all workers have exited.
func (d *Downloader) Drain() {
	d.wg.Wait()
	LogDownload(MsgDownloadPoolDrained)
}

// Fetch ensures t has a valid local file, blocking until it does or until
// the fetch fails terminally. Calling Fetch for an already-downloaded track
// returns immediately. Fetches for the same URL share one job: a second
// track object waits for the running download and adopts its file.
func (d *Downloader) Fetch(ctx context.Context, t *Track) error {
	dest := d.destPath(t.URL)

	for {
		if t.Validate() {
			return nil
		}

		d.mu.Lock()
		holder, busy := d.inflight[t.URL]
		if busy && holder != t {
			d.mu.Unlock()
			if err := holder.Wait(ctx); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if st, err := os.Stat(dest); err == nil && st.Size() > 0 {
				t.MarkReady(dest)
				return nil
			}
			// The other download failed; claim the slot ourselves.
			continue
		}
		if !busy {
			d.inflight[t.URL] = t
			d.mu.Unlock()
			// When the job channel is backed up, block here so demand
			// queues instead of widening the pool.
			select {
			case d.jobs <- t:
			case <-ctx.Done():
				d.mu.Lock()
				delete(d.inflight, t.URL)
				d.mu.Unlock()
				return ctx.Err()
			}
		} else {
			d.mu.Unlock()
		}
		return t.Wait(ctx)
	}
}

func (d *Downloader) destPath(url string) string {
	return filepath.Join(d.dir, extractVideoID(url)+".webm")
}

func (d *Downloader) process(t *Track) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, t.URL)
		d.mu.Unlock()
	}()

	if t.Validate() {
		return
	}

	dest := d.destPath(t.URL)
	start := time.Now()
	LogDownload(MsgDownloadStarting, t.DisplayTitle())

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		err := d.attempt(t, dest)
		if err == nil {
			if st, statErr := os.Stat(dest); statErr != nil || st.Size() == 0 {
				LogDownload(MsgDownloadMissingFile, dest)
				t.MarkError(&DownloadError{Kind: DownloadMissing, URL: t.URL, Err: statErr})
				return
			}
			size := float64(0)
			if st, statErr := os.Stat(dest); statErr == nil {
				size = float64(st.Size()) / (1024 * 1024)
			}
			LogDownload(MsgDownloadComplete, t.DisplayTitle(), time.Since(start).Round(time.Millisecond), size)
			t.MarkReady(dest)
			return
		}

		if errors.Is(err, context.DeadlineExceeded) {
			LogDownload(MsgDownloadTimeout, t.DisplayTitle(), d.timeout)
			t.MarkError(&DownloadError{Kind: DownloadTimeout, URL: t.URL, Err: err})
			return
		}

		lastErr = err
		if attempt < d.attempts {
			backoff := d.backoff(attempt)
			LogDownload(MsgDownloadRetry, attempt, d.attempts, t.DisplayTitle(), err, backoff)
			time.Sleep(backoff)
		}
	}

	LogDownload(MsgDownloadGaveUp, t.DisplayTitle(), d.attempts, lastErr)
	t.MarkError(&DownloadError{Kind: DownloadTransient, URL: t.URL, Err: lastErr})
}

func (d *Downloader) attempt(t *Track, dest string) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	t.mu.Lock()
	t.downloadCancel = cancel
	t.mu.Unlock()

	return d.fetch(ctx, t, dest)
}

// ===========================
// yt-dlp fetch
// ===========================

// ytdlpFetch streams bestaudio into dest via a .part file, publishing
// fractional progress on the track as bytes arrive.
func ytdlpFetch(ctx context.Context, t *Track, dest string) error {
	part := dest + ".part"

	f, err := os.Create(part)
	if err != nil {
		return err
	}

	// Fraction is bytes-based against an estimate; without a size we fall
	// back to a slow asymptotic crawl so the bar still moves.
	var estimate int64
	if t.Duration > 0 {
		estimate = int64(t.Duration.Seconds()) * 20 * 1024 // ~160kbps opus
	}

	var written int64
	pw := &progressWriter{
		w: f,
		onWrite: func(n int) {
			written += int64(n)
			if estimate > 0 {
				t.setProgress(float64(written) / float64(estimate))
			} else {
				t.setProgress(1 - 1/(1+float64(written)/(4*1024*1024)))
			}
		},
	}

	streamErr := ytdlpStream(ctx, t.URL, pw)
	f.Close()

	if streamErr != nil {
		os.Remove(part)
		return streamErr
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return err
	}
	return nil
}

// progressWriter wraps an io.Writer and reports every successful write.
type progressWriter struct {
	w       io.Writer
	onWrite func(int)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if n > 0 && p.onWrite != nil {
		p.onWrite(n)
	}
	return n, err
}
