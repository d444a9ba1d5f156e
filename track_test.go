package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSeekTarget(t *testing.T) {
	cases := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"90", 90 * time.Second, false},
		{"0", 0, false},
		{"1:30", 90 * time.Second, false},
		{"1:02:03", time.Hour + 2*time.Minute + 3*time.Second, false},
		{"  1:30  ", 90 * time.Second, false},
		{"1h2m3s", time.Hour + 2*time.Minute + 3*time.Second, false},
		{"10s", 10 * time.Second, false},
		{"", 0, true},
		{"-5", 0, true},
		{"-10s", 0, true},
		{"1:-5", 0, true},
		{"1:2:3:4", 0, true},
		{"abc", 0, true},
	}

	for _, c := range cases {
		got, err := parseSeekTarget(c.input)
		if c.wantErr {
			assert.ErrorIs(t, err, ErrInvalidSeekTarget, "input %q", c.input)
			continue
		}
		require.NoError(t, err, "input %q", c.input)
		assert.Equal(t, c.want, got, "input %q", c.input)
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0:00", formatDuration(0))
	assert.Equal(t, "0:05", formatDuration(5*time.Second))
	assert.Equal(t, "1:30", formatDuration(90*time.Second))
	assert.Equal(t, "1:02:03", formatDuration(time.Hour+2*time.Minute+3*time.Second))
	assert.Equal(t, "0:00", formatDuration(-10*time.Second))
}

func TestProgressBar(t *testing.T) {
	empty := progressBar(0, 4*time.Minute)
	assert.Equal(t, 0, strings.Count(empty, "▰"))
	assert.Equal(t, 20, strings.Count(empty, "▱"))

	half := progressBar(2*time.Minute, 4*time.Minute)
	assert.Equal(t, 10, strings.Count(half, "▰"))

	over := progressBar(5*time.Minute, 4*time.Minute)
	assert.Equal(t, 20, strings.Count(over, "▰"))

	unknown := progressBar(time.Minute, 0)
	assert.Equal(t, 0, strings.Count(unknown, "▰"))
}

func TestTrackMarkReadyFirstWins(t *testing.T) {
	tr := NewTrack("https://example.com/a", 1, "user")
	tr.MarkReady("/tmp/a.webm")
	tr.MarkError(errors.New("late failure"))

	assert.True(t, tr.Ready())
	assert.NoError(t, tr.Wait(t.Context()))
	assert.Equal(t, 1.0, tr.Progress())
}

func TestTrackMarkErrorFirstWins(t *testing.T) {
	tr := NewTrack("https://example.com/a", 1, "user")
	wantErr := errors.New("boom")
	tr.MarkError(wantErr)
	tr.MarkReady("/tmp/a.webm")

	assert.False(t, tr.Ready())
	assert.ErrorIs(t, tr.Wait(t.Context()), wantErr)
}

func TestTrackValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.webm")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))

	tr := NewTrack("https://example.com/a", 1, "user")
	assert.False(t, tr.Validate(), "no path yet")

	tr.MarkReady(path)
	assert.True(t, tr.Validate())

	require.NoError(t, os.Remove(path))
	assert.False(t, tr.Validate(), "file gone, track must invalidate")
	assert.False(t, tr.Ready())
}

func TestTrackReleaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "track.webm")
	require.NoError(t, os.WriteFile(path, []byte("audio"), 0644))

	tr := NewTrack("https://example.com/a", 1, "user")
	tr.MarkReady(path)
	tr.ReleaseFile()

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, tr.Ready())
}

func TestTrackProgressMonotonic(t *testing.T) {
	tr := NewTrack("https://example.com/a", 1, "user")
	tr.setProgress(0.5)
	tr.setProgress(0.3)
	assert.Equal(t, 0.5, tr.Progress())

	tr.setProgress(1.5)
	assert.Equal(t, 0.5, tr.Progress(), "values above 1 are ignored")
}

func TestDisplayTitleFallsBackToURL(t *testing.T) {
	tr := NewTrack("https://example.com/a", 1, "user")
	assert.Equal(t, "https://example.com/a", tr.DisplayTitle())

	tr.Title = "A Song"
	assert.Equal(t, "A Song", tr.DisplayTitle())
}
