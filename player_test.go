package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test doubles ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeEmitter struct {
	mu          sync.Mutex
	connected   bool
	playOffsets []time.Duration
	paused      bool
	stops       int
	volume      int
	closed      bool
	playErr     error
	done        chan error
}

func newFakeEmitter() *fakeEmitter {
	return &fakeEmitter{done: make(chan error, 1)}
}

func (e *fakeEmitter) Connect(ctx context.Context, channelID snowflake.ID) error {
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEmitter) Play(ctx context.Context, t *Track, offset time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.playOffsets = append(e.playOffsets, offset)
	return nil
}

func (e *fakeEmitter) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

func (e *fakeEmitter) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
}

func (e *fakeEmitter) Stop() {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
}

func (e *fakeEmitter) SetVolume(percent int) {
	e.mu.Lock()
	e.volume = percent
	e.mu.Unlock()
}

func (e *fakeEmitter) Done() <-chan error { return e.done }

func (e *fakeEmitter) Close(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *fakeEmitter) lastOffset() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.playOffsets) == 0 {
		return 0, false
	}
	return e.playOffsets[len(e.playOffsets)-1], true
}

// --- Harness ---

func newTestPlayerSystem(t *testing.T) (*PlayerSystem, *fakeEmitter) {
	t.Helper()

	fe := newFakeEmitter()
	d := NewDownloader(&Config{
		DownloadsDir:    t.TempDir(),
		DownloadTimeout: time.Second,
		DownloadRetries: 1,
	})
	d.fetch = func(ctx context.Context, tr *Track, dest string) error {
		return os.WriteFile(dest, []byte("opus-bytes"), 0644)
	}
	done := make(chan struct{})
	d.Start(1, done)
	t.Cleanup(func() {
		close(done)
		d.Drain()
	})

	cfg := *GlobalConfig
	return &PlayerSystem{
		sessions:   make(map[snowflake.ID]*Session),
		cfg:        &cfg,
		store:      NewTTLStore(),
		downloader: d,
		newEmitter: func(snowflake.ID) audioEmitter { return fe },
	}, fe
}

func startPlaying(t *testing.T, s *Session, clk *fakeClock, tr *Track) {
	t.Helper()
	s.mu.Lock()
	s.current = tr
	s.startedAt = clk.Now()
	s.pausedTotal = 0
	s.pauseStart = time.Time{}
	s.seekOffset = 0
	s.state = StatePlaying
	s.mu.Unlock()
}

var nextTestGuild snowflake.ID = 9000

func testGuildID() snowflake.ID {
	nextTestGuild++
	return nextTestGuild
}

// --- Elapsed accounting ---

func TestElapsedAccountsForPauses(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	clk := newFakeClock()
	s.now = clk.Now

	tr := NewTrack("https://youtube.com/watch?v=elapsed1", 1, "user")
	tr.Duration = 5 * time.Minute
	startPlaying(t, s, clk, tr)

	clk.Advance(60 * time.Second)
	assert.Equal(t, 60*time.Second, s.Elapsed())

	require.NoError(t, s.Pause())
	clk.Advance(30 * time.Second)
	assert.Equal(t, 60*time.Second, s.Elapsed(), "paused time does not count")

	require.NoError(t, s.Resume())
	clk.Advance(10 * time.Second)
	assert.Equal(t, 70*time.Second, s.Elapsed())
}

func TestElapsedZeroWithoutTrack(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	assert.Equal(t, time.Duration(0), s.Elapsed())
}

func TestSeekResetsBookkeeping(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	clk := newFakeClock()
	s.now = clk.Now

	tr := NewTrack("https://youtube.com/watch?v=seek1", 1, "user")
	tr.Duration = 5 * time.Minute
	startPlaying(t, s, clk, tr)

	// Accumulate messy state: play, pause, resume.
	clk.Advance(100 * time.Second)
	require.NoError(t, s.Pause())
	clk.Advance(20 * time.Second)
	require.NoError(t, s.Resume())

	require.NoError(t, s.Seek(60*time.Second))
	assert.Equal(t, 60*time.Second, s.Elapsed(), "position reads the target immediately")

	clk.Advance(10 * time.Second)
	assert.Equal(t, 70*time.Second, s.Elapsed())

	offset, ok := fe.lastOffset()
	require.True(t, ok)
	assert.Equal(t, 60*time.Second, offset, "emission restarts at the target")
}

func TestSeekValidatesTarget(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	clk := newFakeClock()
	s.now = clk.Now

	assert.ErrorIs(t, s.Seek(10*time.Second), ErrNothingPlaying)

	tr := NewTrack("https://youtube.com/watch?v=seek2", 1, "user")
	tr.Duration = 3 * time.Minute
	startPlaying(t, s, clk, tr)

	assert.ErrorIs(t, s.Seek(-time.Second), ErrInvalidSeekTarget)
	assert.ErrorIs(t, s.Seek(tr.Duration+time.Second), ErrInvalidSeekTarget)
	assert.NoError(t, s.Seek(tr.Duration))
}

// --- Pause / resume ---

func TestPauseResumeStateErrors(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	clk := newFakeClock()
	s.now = clk.Now

	assert.ErrorIs(t, s.Pause(), ErrNothingPlaying)
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)

	tr := NewTrack("https://youtube.com/watch?v=pause1", 1, "user")
	startPlaying(t, s, clk, tr)

	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())
	assert.True(t, fe.paused)
	assert.ErrorIs(t, s.Pause(), ErrAlreadyPaused)

	require.NoError(t, s.Resume())
	assert.Equal(t, StatePlaying, s.State())
	assert.ErrorIs(t, s.Resume(), ErrNotPaused)
}

// --- Repeat ---

func TestRepeatRequeuesOnlyWhenQueueEmpty(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	s.SetRepeat(true)

	// Route the track through the queue so it sits in history, the way a
	// finished track always does.
	finished := NewTrack("https://youtube.com/watch?v=loop1", 1, "user")
	require.NoError(t, s.Queue().Enqueue(finished, -1))
	head, ok := s.Queue().DequeueNext()
	require.True(t, ok)
	require.Same(t, finished, head)
	s.mu.Lock()
	s.current = finished
	s.mu.Unlock()

	// Empty queue: the finished track comes back.
	got, ok := s.nextTrack()
	require.True(t, ok)
	assert.Same(t, finished, got)
	assert.Equal(t, 0, s.Queue().Len())

	// Pending tracks win over the repeat.
	queued := NewTrack("https://youtube.com/watch?v=loop2", 1, "user")
	require.NoError(t, s.Queue().Enqueue(queued, -1))
	got, ok = s.nextTrack()
	require.True(t, ok)
	assert.Same(t, queued, got)
}

func TestRepeatOffStopsAdvance(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)

	s.mu.Lock()
	s.current = NewTrack("https://youtube.com/watch?v=loop3", 1, "user")
	s.mu.Unlock()

	_, ok := s.nextTrack()
	assert.False(t, ok, "no repeat, no queue, nothing to play")
}

// --- Advance guard & failure cap ---

func TestPlayOneSkipsWhileAdvancing(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)

	s.advancing.Store(true)
	s.playOne(NewTrack("https://youtube.com/watch?v=busy1", 1, "user"))

	assert.Nil(t, s.Current())
	_, played := fe.lastOffset()
	assert.False(t, played)
}

func TestConsecutiveFailuresClearQueue(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	s.Queue().EnqueueMany(makeTracks(3))

	s.recordFailure()
	s.recordFailure()
	assert.Equal(t, 3, s.Queue().Len(), "below the cap the queue survives")

	s.recordFailure()
	assert.Equal(t, 0, s.Queue().Len())
	assert.Equal(t, StateIdle, s.State())
}

// --- Full play cycle ---

func TestPlayOneFullCycle(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	guildID := testGuildID()
	s := ps.Prepare(guildID, 1, 2)

	tr := NewTrack("https://youtube.com/watch?v=cycle1", 54321, "listener")
	tr.Title = "Cycle Song"

	fe.done <- nil // track "finishes" as soon as emission starts
	s.playOne(tr)

	offset, ok := fe.lastOffset()
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), offset)
	assert.Equal(t, StateIdle, s.State(), "empty queue goes idle after the track")
	assert.True(t, tr.Ready(), "file was fetched before emission")

	records, err := GetRecentPlays(t.Context(), guildID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, tr.URL, records[0].URL)
	assert.Equal(t, "Cycle Song", records[0].Title)
}

func TestPlayOneRecordsFailure(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	fe.playErr = assert.AnError

	tr := NewTrack("https://youtube.com/watch?v=cycle2", 1, "user")
	s.playOne(tr)

	s.mu.Lock()
	fails := s.consecutiveFailures
	s.mu.Unlock()
	assert.Equal(t, 1, fails)
}

// --- Volume ---

func TestSetVolume(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	guildID := testGuildID()
	s := ps.Prepare(guildID, 1, 2)

	assert.Error(t, s.SetVolume(151))
	assert.Error(t, s.SetVolume(-1))

	require.NoError(t, s.SetVolume(42))
	assert.Equal(t, 42, s.Volume())
	assert.Equal(t, 42, fe.volume)

	settings, err := GetGuildMusicSettings(t.Context(), guildID)
	require.NoError(t, err)
	assert.Equal(t, 42, settings.Volume)
}

func TestNewSessionLoadsPersistedVolume(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	guildID := testGuildID()
	require.NoError(t, SetGuildVolume(t.Context(), guildID, 77))

	s := ps.Prepare(guildID, 1, 2)
	assert.Equal(t, 77, s.Volume())
}

// --- Inactivity & teardown ---

func TestIdleExpiry(t *testing.T) {
	ps, _ := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	clk := newFakeClock()
	s.now = clk.Now
	s.mu.Lock()
	s.lastActivity = clk.Now()
	s.mu.Unlock()

	clk.Advance(299 * time.Second)
	assert.False(t, s.idleExpired())

	clk.Advance(2 * time.Second)
	assert.True(t, s.idleExpired())

	// Anything pending keeps the session alive.
	require.NoError(t, s.Queue().Enqueue(NewTrack("https://youtube.com/watch?v=idle1", 1, "user"), -1))
	assert.False(t, s.idleExpired())
	s.Queue().Clear()

	// So does an active track.
	tr := NewTrack("https://youtube.com/watch?v=idle2", 1, "user")
	startPlaying(t, s, clk, tr)
	assert.False(t, s.idleExpired())

	// And the guild-level opt-out.
	s.mu.Lock()
	s.current = nil
	s.state = StateIdle
	s.lastActivity = clk.Now().Add(-time.Hour)
	s.mu.Unlock()
	require.True(t, s.idleExpired())
	s.SetAutoDisconnect(false)
	assert.False(t, s.idleExpired())
}

func TestTeardownRemovesSession(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	guildID := testGuildID()
	s := ps.Prepare(guildID, 1, 2)
	s.Queue().EnqueueMany(makeTracks(2))

	s.Teardown(t.Context())

	assert.Equal(t, StateDisconnecting, s.State())
	assert.True(t, fe.closed)
	assert.Equal(t, 0, s.Queue().Len())
	assert.Nil(t, ps.GetSession(guildID))
}

func TestStopDisconnectsSession(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	guildID := testGuildID()
	s := ps.Prepare(guildID, 1, 2)
	clk := newFakeClock()
	s.now = clk.Now

	tr := NewTrack("https://youtube.com/watch?v=stop1", 1, "user")
	startPlaying(t, s, clk, tr)
	s.SetRepeat(true)
	s.Queue().EnqueueMany(makeTracks(2))

	s.Stop(t.Context())

	assert.Equal(t, StateDisconnecting, s.State())
	assert.Nil(t, s.Current())
	assert.False(t, s.Repeat())
	assert.Equal(t, time.Duration(0), s.Elapsed())
	assert.Equal(t, 0, s.Queue().Len())
	assert.Positive(t, fe.stops)
	assert.True(t, fe.closed, "stop leaves the voice channel")
	assert.Nil(t, ps.GetSession(guildID))
}

func TestTeardownAwaitsBackgroundTasks(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	guildID := testGuildID()
	s := ps.Prepare(guildID, 1, 2)

	require.NoError(t, s.Connect(t.Context()))
	require.NoError(t, s.Queue().Enqueue(NewTrack("https://youtube.com/watch?v=await1", 1, "user"), -1))
	s.Wake()

	// The play loop is now parked on the emitter's done channel.
	require.Eventually(t, func() bool {
		_, ok := fe.lastOffset()
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	finished := make(chan struct{})
	go func() {
		s.Teardown(context.Background())
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("teardown did not terminate the session tasks")
	}

	assert.True(t, fe.closed)
	assert.Nil(t, ps.GetSession(guildID))

	// A second teardown is a no-op.
	s.Teardown(context.Background())
}

func TestSkipRequiresActiveTrack(t *testing.T) {
	ps, fe := newTestPlayerSystem(t)
	s := ps.Prepare(testGuildID(), 1, 2)
	clk := newFakeClock()
	s.now = clk.Now

	_, err := s.Skip()
	assert.ErrorIs(t, err, ErrNothingPlaying)

	tr := NewTrack("https://youtube.com/watch?v=skip1", 1, "user")
	startPlaying(t, s, clk, tr)

	got, err := s.Skip()
	require.NoError(t, err)
	assert.Same(t, tr, got)
	assert.Positive(t, fe.stops)
}
