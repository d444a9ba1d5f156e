package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Track Entity
// ===========================

var ErrInvalidSeekTarget = errors.New("invalid seek target")

// Track is a single playable item. Identity is the URL; everything else is
// metadata resolved at lookup time or filled in by the download pipeline.
type Track struct {
	URL          string
	Title        string
	Uploader     string
	ThumbnailURL string
	Duration     time.Duration // 0 = unknown
	ViewCount    int64

	RequesterID   snowflake.ID
	RequesterName string
	AddedAt       time.Time

	// Download state. Path is only set once the file exists and is complete.
	Path     string
	progress float64

	done           chan struct{}
	downloadErr    error
	downloadCancel context.CancelFunc
	mu             sync.Mutex
}

func NewTrack(url string, requesterID snowflake.ID, requesterName string) *Track {
	return &Track{
		URL:           url,
		RequesterID:   requesterID,
		RequesterName: requesterName,
		AddedAt:       time.Now(),
		done:          make(chan struct{}),
	}
}

// Wait blocks until the track's download finished (either way) or ctx ends.
func (t *Track) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.downloadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkReady records the downloaded file. First Mark* call wins.
func (t *Track) MarkReady(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Path != "" || t.downloadErr != nil {
		return
	}
	t.Path = path
	t.progress = 1
	close(t.done)
}

// MarkError records a terminal download failure. First Mark* call wins.
func (t *Track) MarkError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Path != "" || t.downloadErr != nil {
		return
	}
	t.downloadErr = err
	close(t.done)
}

// Ready reports whether the track has a complete local file.
func (t *Track) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Path != ""
}

func (t *Track) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Track) setProgress(p float64) {
	t.mu.Lock()
	if p > t.progress && p <= 1 {
		t.progress = p
	}
	t.mu.Unlock()
}

// Invalidate clears the download state after the backing file went missing,
// so a later fetch starts from scratch.
func (t *Track) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Path = ""
	t.progress = 0
	t.downloadErr = nil
	t.done = make(chan struct{})
}

// Validate confirms the backing file still exists, invalidating otherwise.
func (t *Track) Validate() bool {
	t.mu.Lock()
	path := t.Path
	t.mu.Unlock()
	if path == "" {
		return false
	}
	if _, err := os.Stat(path); err != nil {
		t.Invalidate()
		return false
	}
	return true
}

func (t *Track) Cancel() {
	t.mu.Lock()
	cancel := t.downloadCancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ReleaseFile removes the local audio file. The track itself stays usable
// and can be fetched again.
func (t *Track) ReleaseFile() {
	t.Cancel()
	t.mu.Lock()
	path := t.Path
	t.mu.Unlock()
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		LogQueue(MsgQueueFileReleaseFail, path, err)
	}
	t.Invalidate()
}

// DisplayTitle falls back to the URL when metadata never resolved.
func (t *Track) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	return t.URL
}

// ===========================
// Duration & Seek Helpers
// ===========================

// formatDuration renders mm:ss, or h:mm:ss past an hour.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Round(time.Second).Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// parseSeekTarget accepts plain seconds ("90"), colon notation ("1:30",
// "1:02:03") and Go duration strings ("1h2m3s").
func parseSeekTarget(input string) (time.Duration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, ErrInvalidSeekTarget
	}

	if secs, err := strconv.Atoi(input); err == nil {
		if secs < 0 {
			return 0, ErrInvalidSeekTarget
		}
		return time.Duration(secs) * time.Second, nil
	}

	if strings.Contains(input, ":") {
		parts := strings.Split(input, ":")
		if len(parts) > 3 {
			return 0, ErrInvalidSeekTarget
		}
		total := 0
		for _, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil || n < 0 {
				return 0, ErrInvalidSeekTarget
			}
			total = total*60 + n
		}
		return time.Duration(total) * time.Second, nil
	}

	if d, err := time.ParseDuration(input); err == nil {
		if d < 0 {
			return 0, ErrInvalidSeekTarget
		}
		return d, nil
	}

	return 0, ErrInvalidSeekTarget
}

// progressBar renders an elapsed/total bar like ▰▰▰▱▱ with 20 cells.
func progressBar(elapsed, total time.Duration) string {
	const cells = 20
	filled := 0
	if total > 0 {
		filled = int(float64(cells) * (float64(elapsed) / float64(total)))
		if filled > cells {
			filled = cells
		}
		if filled < 0 {
			filled = 0
		}
	}
	return strings.Repeat("▰", filled) + strings.Repeat("▱", cells-filled)
}
