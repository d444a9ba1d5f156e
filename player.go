package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/snowflake/v2"
	"golang.org/x/time/rate"
)

// ===========================
// Playback Orchestrator
// ===========================

var (
	ErrVoiceConnect   = errors.New("voice connect failed")
	ErrPlaybackStart  = errors.New("playback start failed")
	ErrNothingPlaying = errors.New("nothing playing")
	ErrAlreadyPaused  = errors.New("already paused")
	ErrNotPaused      = errors.New("not paused")
)

const (
	maxConsecutiveFailures = 3
	inactivityCheckPeriod  = 30 * time.Second
	positionRefreshPeriod  = 10 * time.Second
	joinAttempts           = 5
)

type PlayerState int32

const (
	StateIdle PlayerState = iota
	StatePlaying
	StatePaused
	StateDisconnecting
)

func (s PlayerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// audioEmitter is the voice-side sink a session plays into. The production
// implementation transcodes through FFmpeg and pushes opus frames over the
// gateway; tests substitute a fake.
type audioEmitter interface {
	Connect(ctx context.Context, channelID snowflake.ID) error
	Play(ctx context.Context, t *Track, offset time.Duration) error
	Pause()
	Resume()
	Stop()
	SetVolume(percent int)
	Done() <-chan error
	Close(ctx context.Context)
}

// PlayerSystem manages one Session per guild.
type PlayerSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*Session

	client     *bot.Client
	cfg        *Config
	store      *TTLStore
	downloader *Downloader
	resolver   *Resolver

	newEmitter func(guildID snowflake.ID) audioEmitter
}

var (
	PlayerManager *PlayerSystem
	OncePlayer    sync.Once
)

// InitPlayerSystem wires the singleton. Called once from run().
func InitPlayerSystem(client *bot.Client, cfg *Config, store *TTLStore, dl *Downloader, res *Resolver) *PlayerSystem {
	OncePlayer.Do(func() {
		PlayerManager = &PlayerSystem{
			sessions:   make(map[snowflake.ID]*Session),
			client:     client,
			cfg:        cfg,
			store:      store,
			downloader: dl,
			resolver:   res,
			newEmitter: func(guildID snowflake.ID) audioEmitter {
				return newVoiceEmitter(client, guildID)
			},
		}
	})
	return PlayerManager
}

func GetPlayerManager() *PlayerSystem {
	return PlayerManager
}

func (ps *PlayerSystem) GetSession(guildID snowflake.ID) *Session {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.sessions[guildID]
}

// Prepare creates or retrieves the session for a guild.
func (ps *PlayerSystem) Prepare(guildID, channelID, textChannelID snowflake.ID) *Session {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if s, ok := ps.sessions[guildID]; ok {
		s.mu.Lock()
		s.textChannelID = textChannelID
		s.mu.Unlock()
		return s
	}

	s := newSession(ps, guildID, channelID, textChannelID)
	ps.sessions[guildID] = s

	if n := s.queue.Restore(ps.requesterResolver(guildID)); n > 0 {
		s.Wake()
	}
	return s
}

// requesterResolver re-resolves queued requesters against the guild's current
// voice membership. Tracks whose requester has left are dropped on restore.
func (ps *PlayerSystem) requesterResolver(guildID snowflake.ID) RequesterResolver {
	return func(userID snowflake.ID) (string, bool) {
		if ps.client == nil {
			return "", false
		}
		vs, ok := ps.client.Caches.VoiceState(guildID, userID)
		if !ok || vs.ChannelID == nil {
			return "", false
		}
		if m, ok := ps.client.Caches.Member(guildID, userID); ok {
			return m.EffectiveName(), true
		}
		return userID.String(), true
	}
}

func (ps *PlayerSystem) remove(guildID snowflake.ID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	delete(ps.sessions, guildID)
}

// Shutdown tears down every session. Used by the daemon registry on exit.
func (ps *PlayerSystem) Shutdown(ctx context.Context) {
	ps.mu.Lock()
	sessions := make([]*Session, 0, len(ps.sessions))
	for _, s := range ps.sessions {
		sessions = append(sessions, s)
	}
	ps.mu.Unlock()

	for _, s := range sessions {
		s.Teardown(ctx)
	}
}

// ===========================
// Session
// ===========================

// Session is the per-guild playback state machine.
type Session struct {
	system  *PlayerSystem
	guildID snowflake.ID

	queue   *Queue
	emitter audioEmitter

	mu            sync.Mutex
	state         PlayerState
	channelID     snowflake.ID
	textChannelID snowflake.ID
	current       *Track

	// Elapsed-time bookkeeping. All fields guarded by mu.
	startedAt   time.Time
	pausedTotal time.Duration
	pauseStart  time.Time // zero while not paused
	seekOffset  time.Duration

	repeat              bool
	autoDisconnect      bool
	consecutiveFailures int
	lastActivity        time.Time

	volume    atomic.Int32
	advancing atomic.Bool

	wake         chan struct{}
	tasksOnce    sync.Once
	teardownOnce sync.Once

	cancelCtx context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	editLimiter      *rate.Limiter
	onPositionUpdate func(s *Session) // now-playing refresh hook

	now func() time.Time
}

func newSession(ps *PlayerSystem, guildID, channelID, textChannelID snowflake.ID) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		system:        ps,
		guildID:       guildID,
		channelID:     channelID,
		textChannelID: textChannelID,
		queue:         NewQueue(guildID, ps.cfg.MaxQueueSize, ps.store),
		emitter:       ps.newEmitter(guildID),
		state:         StateIdle,
		wake:          make(chan struct{}, 1),
		cancelCtx:     ctx,
		cancel:        cancel,
		editLimiter:   rate.NewLimiter(rate.Every(5*time.Second), 2),
		now:           time.Now,
	}
	s.lastActivity = s.now()

	vol := ps.cfg.DefaultVolume
	s.autoDisconnect = true
	if settings, err := GetGuildMusicSettings(ctx, guildID); err == nil {
		vol = settings.Volume
		s.autoDisconnect = settings.AutoDisconnect
	}
	s.volume.Store(int32(vol))

	return s
}

func (s *Session) Queue() *Queue { return s.queue }

func (s *Session) State() PlayerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Current() *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) Repeat() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repeat
}

func (s *Session) SetRepeat(on bool) {
	s.mu.Lock()
	s.repeat = on
	s.mu.Unlock()
	s.Touch()
}

func (s *Session) Volume() int { return int(s.volume.Load()) }

// SetAutoDisconnect flips the idle-disconnect behavior for this session.
// The persistent guild setting is written by the caller.
func (s *Session) SetAutoDisconnect(on bool) {
	s.mu.Lock()
	s.autoDisconnect = on
	s.mu.Unlock()
}

// Touch records user activity, pushing back auto-disconnect.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
}

func (s *Session) setState(next PlayerState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		LogPlayer(MsgPlayerStateChange, s.guildID, prev, next)
	}
}

// Elapsed returns playback position within the current track: wall time
// since start minus accumulated pauses, shifted by any seek, floored at 0.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *Session) elapsedLocked() time.Duration {
	if s.current == nil || s.startedAt.IsZero() {
		return 0
	}
	now := s.now()
	elapsed := now.Sub(s.startedAt) - s.pausedTotal + s.seekOffset
	if !s.pauseStart.IsZero() {
		elapsed -= now.Sub(s.pauseStart)
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed
}

// Connect joins the voice channel with bounded retries and starts the
// session's background tasks. Safe to call when already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	channelID := s.channelID
	s.mu.Unlock()

	var lastErr error
	for i := 1; i <= joinAttempts; i++ {
		err := s.emitter.Connect(ctx, channelID)
		if err == nil {
			LogVoice(MsgVoiceJoined, channelID)
			s.startTasks()
			return nil
		}
		lastErr = err
		LogVoice(MsgVoiceJoinRetry, i, joinAttempts, err)
		if i < joinAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("%w: %v", ErrVoiceConnect, lastErr)
}

func (s *Session) startTasks() {
	s.tasksOnce.Do(func() {
		s.wg.Add(3)
		go func() {
			defer s.wg.Done()
			defer recoverTask("playLoop")
			s.playLoop()
		}()
		go func() {
			defer s.wg.Done()
			defer recoverTask("inactivityCheck")
			s.inactivityCheck()
		}()
		go func() {
			defer s.wg.Done()
			defer recoverTask("positionRefresh")
			s.positionRefresh()
		}()
	})
}

func recoverTask(name string) {
	if r := recover(); r != nil {
		LogPlayer("CRITICAL: %s panic recovered: %v", name, r)
	}
}

// Wake nudges the play loop after new tracks arrive.
func (s *Session) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// playLoop is the only goroutine that starts tracks and advances past them.
func (s *Session) playLoop() {
	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-s.wake:
		}

		for {
			t, ok := s.nextTrack()
			if !ok {
				break
			}
			s.playOne(t)
			select {
			case <-s.cancelCtx.Done():
				return
			default:
			}
		}
	}
}

// nextTrack applies the repeat rule before pulling the head: a repeating
// track is re-enqueued only when nothing else is pending, so user-queued
// tracks are never jumped.
func (s *Session) nextTrack() (*Track, bool) {
	s.mu.Lock()
	repeat := s.repeat
	finished := s.current
	s.mu.Unlock()

	if repeat && finished != nil && s.queue.Len() == 0 {
		if err := s.queue.Enqueue(finished, -1); err != nil {
			LogPlayer("Repeat re-enqueue failed: %v", err)
		}
	}
	return s.queue.DequeueNext()
}

func (s *Session) playOne(t *Track) {
	if !s.advancing.CompareAndSwap(false, true) {
		LogPlayer(MsgPlayerAdvanceBusy)
		return
	}
	defer s.advancing.Store(false)

	s.mu.Lock()
	s.current = t
	s.startedAt = time.Time{}
	s.pausedTotal = 0
	s.pauseStart = time.Time{}
	s.seekOffset = 0
	s.mu.Unlock()

	if err := s.system.downloader.Fetch(s.cancelCtx, t); err != nil {
		LogPlayer(MsgPlayerAdvance, t.DisplayTitle(), err)
		s.recordFailure()
		return
	}

	if err := s.emitter.Play(s.cancelCtx, t, 0); err != nil {
		LogPlayer(MsgGenericError, fmt.Errorf("%w: %s: %v", ErrPlaybackStart, t.DisplayTitle(), err))
		s.recordFailure()
		return
	}

	s.emitter.SetVolume(int(s.volume.Load()))

	s.mu.Lock()
	s.startedAt = s.now()
	s.consecutiveFailures = 0
	s.lastActivity = s.now()
	s.mu.Unlock()
	s.setState(StatePlaying)

	LogPlayer(MsgPlayerNowPlaying, t.DisplayTitle(), t.RequesterName)
	if err := AddPlayRecord(s.cancelCtx, s.guildID, t); err != nil {
		LogDatabase("Failed to record play: %v", err)
	}

	select {
	case err := <-s.emitter.Done():
		if err != nil {
			LogPlayer(MsgPlayerAdvance, t.DisplayTitle(), err)
			s.recordFailure()
			s.finishTrack(t)
			return
		}
	case <-s.cancelCtx.Done():
		s.emitter.Stop()
		return
	}

	s.finishTrack(t)
	s.Touch()
	if s.queue.Len() == 0 && !s.Repeat() {
		s.setState(StateIdle)
	}
}

func (s *Session) finishTrack(t *Track) {
	s.mu.Lock()
	if s.current == t {
		s.startedAt = time.Time{}
		s.pausedTotal = 0
		s.pauseStart = time.Time{}
		s.seekOffset = 0
	}
	s.mu.Unlock()
}

func (s *Session) recordFailure() {
	s.mu.Lock()
	s.consecutiveFailures++
	fails := s.consecutiveFailures
	s.current = nil
	s.mu.Unlock()

	if fails >= maxConsecutiveFailures {
		LogPlayer(MsgPlayerTooManyFails, fails)
		s.queue.Clear()
		s.setState(StateIdle)
	}
}

// ===========================
// Session Controls
// ===========================

func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying {
		if s.state == StatePaused {
			return ErrAlreadyPaused
		}
		return ErrNothingPlaying
	}
	s.pauseStart = s.now()
	s.state = StatePaused
	s.lastActivity = s.now()
	s.emitter.Pause()
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePaused {
		return ErrNotPaused
	}
	s.pausedTotal += s.now().Sub(s.pauseStart)
	s.pauseStart = time.Time{}
	s.state = StatePlaying
	s.lastActivity = s.now()
	s.emitter.Resume()
	return nil
}

// Skip stops the current emission; the play loop advances naturally.
func (s *Session) Skip() (*Track, error) {
	s.mu.Lock()
	t := s.current
	state := s.state
	s.lastActivity = s.now()
	s.mu.Unlock()

	if t == nil || (state != StatePlaying && state != StatePaused) {
		return nil, ErrNothingPlaying
	}
	s.emitter.Stop()
	return t, nil
}

// Seek restarts emission at target and resets position bookkeeping so
// Elapsed() reads target immediately after.
func (s *Session) Seek(target time.Duration) error {
	s.mu.Lock()
	t := s.current
	state := s.state
	s.mu.Unlock()

	if t == nil || (state != StatePlaying && state != StatePaused) {
		return ErrNothingPlaying
	}
	if target < 0 || (t.Duration > 0 && target > t.Duration) {
		return ErrInvalidSeekTarget
	}

	if err := s.emitter.Play(s.cancelCtx, t, target); err != nil {
		return fmt.Errorf("%w: seek: %v", ErrPlaybackStart, err)
	}

	s.mu.Lock()
	s.startedAt = s.now()
	s.pausedTotal = 0
	s.pauseStart = time.Time{}
	s.seekOffset = target
	s.state = StatePlaying
	s.lastActivity = s.now()
	s.mu.Unlock()

	s.emitter.SetVolume(int(s.volume.Load()))
	LogPlayer(MsgPlayerSeek, formatDuration(target), t.DisplayTitle())
	return nil
}

func (s *Session) SetVolume(percent int) error {
	if percent < 0 || percent > 150 {
		return fmt.Errorf("volume out of range: %d", percent)
	}
	s.volume.Store(int32(percent))
	s.emitter.SetVolume(percent)
	s.Touch()
	if err := SetGuildVolume(s.cancelCtx, s.guildID, percent); err != nil {
		LogDatabase("Failed to persist volume for guild %s: %v", s.guildID, err)
	}
	return nil
}

// Stop halts playback, releases the current track, clears the queue and
// leaves the voice channel.
func (s *Session) Stop(ctx context.Context) {
	LogPlayer(MsgPlayerStopped, s.guildID)
	s.Teardown(ctx)
}

// Teardown disconnects and removes the session. Background tasks are
// cancelled and awaited before the voice connection closes, so nothing
// snapshots or renders against a dead session. Idempotent.
func (s *Session) Teardown(ctx context.Context) {
	s.teardownOnce.Do(func() {
		s.setState(StateDisconnecting)
		s.cancel()
		s.emitter.Stop()
		s.wg.Wait()
		s.emitter.Close(ctx)

		s.mu.Lock()
		cur := s.current
		s.current = nil
		s.repeat = false
		s.startedAt = time.Time{}
		s.pausedTotal = 0
		s.pauseStart = time.Time{}
		s.seekOffset = 0
		s.mu.Unlock()
		if cur != nil {
			cur.ReleaseFile()
		}

		s.queue.Clear()
		s.system.remove(s.guildID)
		LogVoice(MsgVoiceLeft, s.guildID)
	})
}

// ===========================
// Background Tasks
// ===========================

// inactivityCheck disconnects after the configured idle window with nothing
// playing and nothing queued.
func (s *Session) inactivityCheck() {
	ticker := time.NewTicker(inactivityCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
		}

		if s.idleExpired() {
			s.mu.Lock()
			idleFor := s.now().Sub(s.lastActivity)
			s.mu.Unlock()
			LogPlayer(MsgPlayerInactivity, idleFor.Round(time.Second), s.guildID)
			// Teardown awaits this goroutine, so hand it off and exit.
			safeGo(func() { s.Teardown(context.Background()) })
			return
		}
	}
}

// idleExpired reports whether the session sat idle, with nothing playing and
// nothing queued, past the configured auto-disconnect window.
func (s *Session) idleExpired() bool {
	s.mu.Lock()
	state := s.state
	idleFor := s.now().Sub(s.lastActivity)
	autoDisc := s.autoDisconnect
	s.mu.Unlock()

	if !autoDisc {
		return false
	}
	if state == StatePlaying || state == StatePaused {
		return false
	}
	if s.queue.Len() > 0 {
		return false
	}
	return idleFor >= s.system.cfg.AutoDisconnectTimeout
}

// positionRefresh periodically re-renders the now-playing message while a
// track is active. Edits go through the rate limiter so a pile of sessions
// cannot hammer the REST API.
func (s *Session) positionRefresh() {
	ticker := time.NewTicker(positionRefreshPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.cancelCtx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		active := s.state == StatePlaying || s.state == StatePaused
		hook := s.onPositionUpdate
		s.mu.Unlock()

		if !active || hook == nil {
			continue
		}
		if !s.editLimiter.Allow() {
			continue
		}
		hook(s)
	}
}

func (s *Session) SetPositionUpdateHook(fn func(*Session)) {
	s.mu.Lock()
	s.onPositionUpdate = fn
	s.mu.Unlock()
}
