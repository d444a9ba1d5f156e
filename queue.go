package main

import (
	"errors"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Queue Manager
// ===========================

var (
	ErrQueueFull      = errors.New("queue is full")
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrBadPosition    = errors.New("position out of range")
	ErrDuplicateTrack = errors.New("track already queued")
)

const (
	historyCapacity   = 50
	snapshotTTL       = time.Hour
	snapshotStaleness = 30 * time.Minute
	fileReleaseGrace  = 5 * time.Second
)

// Queue holds the pending tracks for one guild plus a bounded history of
// finished ones. All operations are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	guildID snowflake.ID
	pending []*Track
	history []*Track
	maxSize int

	shuffled   bool
	savedOrder []string // URLs in pre-shuffle order, captured once per shuffle session

	store *TTLStore // nil disables snapshots
	now   func() time.Time
}

func NewQueue(guildID snowflake.ID, maxSize int, store *TTLStore) *Queue {
	return &Queue{
		guildID: guildID,
		maxSize: maxSize,
		store:   store,
		now:     time.Now,
	}
}

// Enqueue appends t, or inserts it at position (0-based) when 0 <= position
// < len. Returns ErrQueueFull when at capacity and ErrDuplicateTrack when a
// pending track already has the same URL.
func (q *Queue) Enqueue(t *Track, position int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) >= q.maxSize {
		return ErrQueueFull
	}
	if q.pendingURL(t.URL) {
		return ErrDuplicateTrack
	}
	if position < 0 || position >= len(q.pending) {
		q.pending = append(q.pending, t)
	} else {
		q.pending = slices.Insert(q.pending, position, t)
	}
	q.snapshotLocked()
	return nil
}

// EnqueueMany appends as many of tracks as capacity allows, skipping URLs
// already pending, and reports how many were accepted. Accepting fewer than
// offered is not an error.
func (q *Queue) EnqueueMany(tracks []*Track) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	accepted := 0
	for _, t := range tracks {
		if len(q.pending) >= q.maxSize {
			break
		}
		if q.pendingURL(t.URL) {
			continue
		}
		q.pending = append(q.pending, t)
		accepted++
	}
	if accepted > 0 {
		q.snapshotLocked()
	}
	return accepted
}

// DequeueNext pops the head and records it in history. The oldest history
// entry past capacity has its audio file released after a short grace
// period, in case playback of a re-queued copy still holds it.
func (q *Queue) DequeueNext() (*Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]

	// One history entry per URL; a replay supersedes the older record.
	for i, h := range q.history {
		if h.URL == t.URL {
			q.history = slices.Delete(q.history, i, i+1)
			break
		}
	}
	q.history = append(q.history, t)
	if len(q.history) > historyCapacity {
		evicted := q.history[0]
		q.history = q.history[1:]
		if !q.contains(evicted) {
			time.AfterFunc(fileReleaseGrace, evicted.ReleaseFile)
		}
	}

	q.snapshotLocked()
	return t, true
}

// Remove deletes and returns the track at position (0-based).
func (q *Queue) Remove(position int) (*Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, ErrQueueEmpty
	}
	if position < 0 || position >= len(q.pending) {
		return nil, ErrBadPosition
	}
	t := q.pending[position]
	q.pending = slices.Delete(q.pending, position, position+1)
	q.snapshotLocked()
	return t, nil
}

// Move relocates the track at from to position to (both 0-based).
func (q *Queue) Move(from, to int) (*Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	if n == 0 {
		return nil, ErrQueueEmpty
	}
	if from < 0 || from >= n || to < 0 || to >= n {
		return nil, ErrBadPosition
	}
	t := q.pending[from]
	q.pending = slices.Delete(q.pending, from, from+1)
	q.pending = slices.Insert(q.pending, to, t)
	q.snapshotLocked()
	return t, nil
}

// Shuffle randomizes the pending order. The first shuffle of a session
// captures the current order so Unshuffle can restore it; repeated shuffles
// keep the original capture.
func (q *Queue) Shuffle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) < 2 {
		return false
	}
	if !q.shuffled {
		q.savedOrder = make([]string, len(q.pending))
		for i, t := range q.pending {
			q.savedOrder[i] = t.URL
		}
		q.shuffled = true
	}
	rand.Shuffle(len(q.pending), func(i, j int) {
		q.pending[i], q.pending[j] = q.pending[j], q.pending[i]
	})
	q.snapshotLocked()
	return true
}

// Unshuffle restores the captured order for tracks still pending. Tracks
// added after the shuffle keep their relative order at the tail.
func (q *Queue) Unshuffle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.shuffled {
		return false
	}

	byURL := make(map[string][]*Track)
	for _, t := range q.pending {
		byURL[t.URL] = append(byURL[t.URL], t)
	}

	restored := make([]*Track, 0, len(q.pending))
	for _, url := range q.savedOrder {
		if ts := byURL[url]; len(ts) > 0 {
			restored = append(restored, ts[0])
			byURL[url] = ts[1:]
		}
	}
	// Post-shuffle additions were never in the saved order; keep them last.
	for _, t := range q.pending {
		if ts := byURL[t.URL]; len(ts) > 0 && ts[0] == t {
			restored = append(restored, t)
			byURL[t.URL] = ts[1:]
		}
	}

	q.pending = restored
	q.shuffled = false
	q.savedOrder = nil
	q.snapshotLocked()
	return true
}

// Clear drops all pending tracks and releases their files. History is kept.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.pending)
	for _, t := range q.pending {
		if !q.inHistory(t) {
			go t.ReleaseFile()
		}
	}
	q.pending = nil
	q.shuffled = false
	q.savedOrder = nil
	q.snapshotLocked()
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Upcoming returns a copy of the next n pending tracks.
func (q *Queue) Upcoming(n int) []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.pending) {
		n = len(q.pending)
	}
	out := make([]*Track, n)
	copy(out, q.pending[:n])
	return out
}

func (q *Queue) History(n int) []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.history) {
		n = len(q.history)
	}
	out := make([]*Track, 0, n)
	for i := len(q.history) - 1; i >= len(q.history)-n; i-- {
		out = append(out, q.history[i])
	}
	return out
}

func (q *Queue) Shuffled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.shuffled
}

func (q *Queue) contains(t *Track) bool {
	for _, p := range q.pending {
		if p == t {
			return true
		}
	}
	return false
}

func (q *Queue) pendingURL(url string) bool {
	for _, p := range q.pending {
		if p.URL == url {
			return true
		}
	}
	return false
}

func (q *Queue) inHistory(t *Track) bool {
	for _, h := range q.history {
		if h == t {
			return true
		}
	}
	return false
}

// ===========================
// Snapshot Persistence
// ===========================

type queueSnapshot struct {
	Tracks     []snapshotTrack `json:"tracks"`
	Shuffled   bool            `json:"shuffled"`
	SavedOrder []string        `json:"saved_order,omitempty"`
	SavedAt    time.Time       `json:"saved_at"`
}

// snapshotTrack carries identity and display metadata only. Local file paths
// are process-scoped and never persisted.
type snapshotTrack struct {
	URL           string        `json:"url"`
	Title         string        `json:"title,omitempty"`
	Uploader      string        `json:"uploader,omitempty"`
	ThumbnailURL  string        `json:"thumbnail_url,omitempty"`
	Duration      time.Duration `json:"duration,omitempty"`
	RequesterID   snowflake.ID  `json:"requester_id"`
	RequesterName string        `json:"requester_name,omitempty"`
}

func queueSnapshotKey(guildID snowflake.ID) string {
	return "queue:" + guildID.String()
}

// snapshotLocked persists the current pending list. Callers hold q.mu.
func (q *Queue) snapshotLocked() {
	if q.store == nil {
		return
	}

	snap := queueSnapshot{
		Tracks:     make([]snapshotTrack, len(q.pending)),
		Shuffled:   q.shuffled,
		SavedOrder: q.savedOrder,
		SavedAt:    q.now(),
	}
	for i, t := range q.pending {
		snap.Tracks[i] = snapshotTrack{
			URL:           t.URL,
			Title:         t.Title,
			Uploader:      t.Uploader,
			ThumbnailURL:  t.ThumbnailURL,
			Duration:      t.Duration,
			RequesterID:   t.RequesterID,
			RequesterName: t.RequesterName,
		}
	}

	if err := q.store.SetJSON(queueSnapshotKey(q.guildID), snap, snapshotTTL); err != nil {
		LogQueue(MsgQueueSnapshotSaveFail, q.guildID, err)
	}
}

// RequesterResolver reports whether a user is still present (and their
// current display name). Used to drop orphaned requests on restore.
type RequesterResolver func(userID snowflake.ID) (string, bool)

// Restore rebuilds the pending list from a persisted snapshot. Snapshots
// older than the staleness window are discarded, as are tracks whose
// requester can no longer be resolved.
func (q *Queue) Restore(resolve RequesterResolver) int {
	if q.store == nil {
		return 0
	}

	var snap queueSnapshot
	if !q.store.GetJSON(queueSnapshotKey(q.guildID), &snap) {
		return 0
	}

	age := q.now().Sub(snap.SavedAt)
	if age > snapshotStaleness {
		LogQueue(MsgQueueSnapshotStale, q.guildID, age.Round(time.Second))
		q.store.Delete(queueSnapshotKey(q.guildID))
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0
	for _, st := range snap.Tracks {
		if len(q.pending) >= q.maxSize {
			break
		}
		if q.pendingURL(st.URL) {
			continue
		}
		name, ok := resolve(st.RequesterID)
		if !ok {
			continue
		}
		t := NewTrack(st.URL, st.RequesterID, name)
		t.Title = st.Title
		t.Uploader = st.Uploader
		t.ThumbnailURL = st.ThumbnailURL
		t.Duration = st.Duration
		q.pending = append(q.pending, t)
		restored++
	}
	q.shuffled = snap.Shuffled
	q.savedOrder = snap.SavedOrder

	if restored > 0 {
		LogQueue(MsgQueueSnapshotRestored, restored, q.guildID)
	}
	q.snapshotLocked()
	return restored
}
