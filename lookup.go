package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ===========================
// Lookup & Search
// ===========================

var ErrLookupFailed = errors.New("lookup failed")

var (
	cachedJSArgs []string
	jsOnce       sync.Once

	videoIDRegex = regexp.MustCompile(`(?:\?|&)v=([^&]+)`)
	rawIDRegex   = regexp.MustCompile(`(?:\?|&)id=([^&]+)`)
)

type SearchResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Resolver turns user input (URLs, playlist URLs, free-text queries) into
// Track metadata. Search results are memoized in the shared TTL store.
type Resolver struct {
	store            *TTLStore
	playlistMaxItems int
	maxTrackDuration time.Duration
}

func NewResolver(cfg *Config, store *TTLStore) *Resolver {
	return &Resolver{
		store:            store,
		playlistMaxItems: cfg.PlaylistMaxItems,
		maxTrackDuration: cfg.MaxTrackDuration,
	}
}

// Lookup resolves a single query or URL into a populated track.
func (r *Resolver) Lookup(ctx context.Context, input string, requesterID snowflake.ID, requesterName string) (*Track, error) {
	url := strings.TrimSpace(input)
	if !strings.HasPrefix(url, "http") {
		results, err := r.Search(ctx, input)
		if err != nil || len(results) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrLookupFailed, input)
		}
		url = results[0].URL
	}

	title, uploader, thumbnail, duration, err := ytdlpResolveMetadata(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLookupFailed, url, err)
	}

	t := NewTrack(url, requesterID, requesterName)
	t.Title = title
	t.Uploader = uploader
	t.ThumbnailURL = thumbnail
	t.Duration = duration
	return t, nil
}

// LookupPlaylist expands a playlist URL into tracks, capped and filtered by
// the configured duration limit. Entries over the limit are skipped, not an
// error.
func (r *Resolver) LookupPlaylist(ctx context.Context, url string, requesterID snowflake.ID, requesterName string) ([]*Track, error) {
	entries, err := ytdlpExtractPlaylist(ctx, url, r.playlistMaxItems)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLookupFailed, url, err)
	}

	tracks := make([]*Track, 0, len(entries))
	for _, e := range entries {
		if r.maxTrackDuration > 0 && e.Duration > r.maxTrackDuration {
			continue
		}
		t := NewTrack(e.URL, requesterID, requesterName)
		t.Title = e.Title
		t.Uploader = e.Uploader
		t.Duration = e.Duration
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: playlist %s has no playable entries", ErrLookupFailed, url)
	}
	return tracks, nil
}

// IsPlaylistURL reports whether input points at a playlist rather than a
// single video.
func IsPlaylistURL(input string) bool {
	return strings.HasPrefix(input, "http") &&
		(strings.Contains(input, "list=") || strings.Contains(input, "/playlist"))
}

// Search queries YouTube Music and YouTube in parallel under a short budget,
// merging and deduplicating by video ID. Results cache for an hour.
func (r *Resolver) Search(ctx context.Context, q string) ([]SearchResult, error) {
	cacheKey := "search:" + strings.ToLower(strings.TrimSpace(q))
	var cached []SearchResult
	if r.store != nil && r.store.GetJSON(cacheKey, &cached) {
		return cached, nil
	}

	sctx, cancel := context.WithTimeout(ctx, 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		res, _ := s.Next()
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{
					URL:   "https://music.youtube.com/watch?v=" + v.VideoID,
					Title: TruncateWithPreserve(v.Title, 100, "", art),
				})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(sctx, q)
		for _, v := range res.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{
					URL:   "https://www.youtube.com/watch?v=" + v.VideoID,
					Title: TruncateWithPreserve(v.Title, 100, "", ""),
				})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult(nil), ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	if len(fin) > 0 && r.store != nil {
		_ = r.store.SetJSON(cacheKey, fin, time.Hour)
	}
	return fin, nil
}

// ===========================
// yt-dlp Plumbing
// ===========================

func newYtdlp() (*ytdlp.Command, func()) {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv("YOUTUBE_PROXY"); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd, func() {}
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
	)
	return args
}

func ytdlpResolveMetadata(ctx context.Context, u string) (string, string, string, time.Duration, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := append(buildYtdlpArgs(), "--skip-download")
	res, err := cmd.
		Print("%(title)s\t%(uploader)s\t%(thumbnail)s\t%(duration)s").
		NoSimulate().
		IgnoreConfig().
		NoWarnings().
		Run(ctx, append(args, u)...)

	if err != nil {
		return "", "", "", 0, err
	}
	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		return ps[0], ps[1], ps[2], d, nil
	}
	return "", "", "", 0, errors.New("failed to parse metadata")
}

// ytdlpStream pipes the bestaudio stream for u into out.
func ytdlpStream(ctx context.Context, u string, out io.Writer) error {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd, cleanup := newYtdlp()
	defer cleanup()

	proxy := os.Getenv("YOUTUBE_PROXY")

	args := append(buildYtdlpArgs(), "--ignore-config")
	execCmd := cmd.
		Format("bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best").
		Output("-").
		NoSimulate().
		NoPart().
		NoPlaylist().
		NoCheckCertificates().
		BuildCommand(ctx, append(args, u)...)

	execCmd.Stdout = out
	execCmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")
	if proxy != "" {
		execCmd.Env = append(execCmd.Env, "http_proxy="+proxy, "https_proxy="+proxy, "all_proxy="+proxy)
	}
	execCmd.WaitDelay = 0

	var stderr bytes.Buffer
	execCmd.Stderr = &stderr

	if err := execCmd.Start(); err != nil {
		return err
	}

	if err := execCmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		LogDownload("yt-dlp stream failed: %v, stderr: %s", err, stderr.String())
		return err
	}
	return nil
}

type ytdlpPlaylistEntry struct {
	URL      string
	Title    string
	Uploader string
	Duration time.Duration
}

func ytdlpExtractPlaylist(ctx context.Context, u string, m int) ([]ytdlpPlaylistEntry, error) {
	cmd, cleanup := newYtdlp()
	defer cleanup()

	args := buildYtdlpArgs()
	res := cmd.
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(id)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", m)).
		NoWarnings().
		IgnoreConfig().
		BuildCommand(ctx, append(args, u, "--yes-playlist")...)

	var stdout, stderr bytes.Buffer
	res.Stdout = &stdout
	res.Stderr = &stderr

	if err := res.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp playlist failed: %w, stderr: %s", err, stderr.String())
	}

	ls := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	es := make([]ytdlpPlaylistEntry, 0)
	isYouTube := isYouTubeURL(u) || strings.Contains(u, "music.youtube.com")

	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 3 {
			continue
		}
		url := ps[0]
		title := ps[1]
		uploader := ps[2]

		if isYouTube && len(ps) >= 4 {
			id := ps[3]
			if id != "" && id != "NA" {
				url = "https://www.youtube.com/watch?v=" + id
			}
		}

		var duration time.Duration
		if len(ps) >= 5 {
			duration, _ = time.ParseDuration(ps[4] + "s")
		}

		es = append(es, ytdlpPlaylistEntry{URL: url, Title: title, Uploader: uploader, Duration: duration})
	}
	return es, nil
}

// ===========================
// URL Helpers
// ===========================

func extractVideoID(u string) string {
	id := ""
	if matches := videoIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if matches := rawIDRegex.FindStringSubmatch(u); len(matches) > 1 {
		id = matches[1]
	} else if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	} else if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				id = vidParts[0]
			}
		}
	}

	if id == "" || len(id) > 50 {
		hash := sha256.Sum256([]byte(u))
		return hex.EncodeToString(hash[:16])
	}
	return id
}

// isYouTubeURL checks if a URL is a YouTube URL.
func isYouTubeURL(u string) bool {
	return strings.Contains(u, "youtube.com") || strings.Contains(u, "youtu.be")
}

