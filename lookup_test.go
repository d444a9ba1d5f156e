package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?list=PL123&v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ?t=42", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/abc123XYZ", "abc123XYZ"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, extractVideoID(tc.in), tc.in)
	}

	// Non-YouTube URLs fall back to a stable hash.
	h1 := extractVideoID("https://example.com/some/audio.mp3")
	h2 := extractVideoID("https://example.com/some/audio.mp3")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
	assert.NotEqual(t, h1, extractVideoID("https://example.com/other.mp3"))
}

func TestIsPlaylistURL(t *testing.T) {
	assert.True(t, IsPlaylistURL("https://www.youtube.com/playlist?list=PL123"))
	assert.True(t, IsPlaylistURL("https://www.youtube.com/watch?v=abc&list=PL123"))
	assert.False(t, IsPlaylistURL("https://www.youtube.com/watch?v=abc"))
	assert.False(t, IsPlaylistURL("playlist songs"), "plain search text is not a URL")
}

func TestIsYouTubeURL(t *testing.T) {
	assert.True(t, isYouTubeURL("https://www.youtube.com/watch?v=abc"))
	assert.True(t, isYouTubeURL("https://youtu.be/abc"))
	assert.False(t, isYouTubeURL("https://soundcloud.com/artist/song"))
}

func TestTruncateHelpers(t *testing.T) {
	assert.Equal(t, "hello", Truncate("hello", 10))
	assert.Equal(t, "hell...", Truncate("hello world", 7))
	assert.True(t, ContainsLower("Never Gonna Give", "gonna"))
	assert.False(t, ContainsLower("Never Gonna Give", "gravel"))
	assert.Equal(t, 3, Min(3, 7))
	assert.Equal(t, 7, Max(3, 7))
}
