package main

import (
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTracks(n int) []*Track {
	tracks := make([]*Track, n)
	for i := range tracks {
		tracks[i] = NewTrack("https://youtube.com/watch?v=vid"+string(rune('a'+i)), snowflake.ID(100+i), "user")
		tracks[i].Title = "Track " + string(rune('A'+i))
	}
	return tracks
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	q := NewQueue(1, 2, nil)
	tracks := makeTracks(3)

	require.NoError(t, q.Enqueue(tracks[0], -1))
	require.NoError(t, q.Enqueue(tracks[1], -1))
	assert.ErrorIs(t, q.Enqueue(tracks[2], -1), ErrQueueFull)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueAtPosition(t *testing.T) {
	q := NewQueue(1, 10, nil)
	tracks := makeTracks(4)

	require.NoError(t, q.Enqueue(tracks[0], -1))
	require.NoError(t, q.Enqueue(tracks[1], -1))
	require.NoError(t, q.Enqueue(tracks[2], 0))

	up := q.Upcoming(3)
	assert.Same(t, tracks[2], up[0])
	assert.Same(t, tracks[0], up[1])

	// Out-of-range insert positions append.
	require.NoError(t, q.Enqueue(tracks[3], 99))
	assert.Same(t, tracks[3], q.Upcoming(4)[3])
}

func TestEnqueueManyPartialAccept(t *testing.T) {
	q := NewQueue(1, 5, nil)
	tracks := makeTracks(7)
	require.NoError(t, q.Enqueue(tracks[0], -1))
	require.NoError(t, q.Enqueue(tracks[1], -1))

	accepted := q.EnqueueMany(tracks[2:7])
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 5, q.Len())

	assert.Equal(t, 0, q.EnqueueMany(makeTracks(7)[5:]), "full queue accepts nothing")
}

func TestEnqueueRejectsDuplicateURL(t *testing.T) {
	q := NewQueue(1, 10, nil)
	tracks := makeTracks(2)

	require.NoError(t, q.Enqueue(tracks[0], -1))

	dup := NewTrack(tracks[0].URL, snowflake.ID(777), "someone else")
	assert.ErrorIs(t, q.Enqueue(dup, -1), ErrDuplicateTrack)
	assert.Equal(t, 1, q.Len())

	// A finished track is free to come back.
	require.NoError(t, q.Enqueue(tracks[1], -1))
	got, ok := q.DequeueNext()
	require.True(t, ok)
	require.Same(t, tracks[0], got)
	assert.NoError(t, q.Enqueue(dup, -1))
}

func TestEnqueueManySkipsDuplicateURLs(t *testing.T) {
	q := NewQueue(1, 10, nil)
	tracks := makeTracks(3)
	require.NoError(t, q.Enqueue(tracks[0], -1))

	offered := []*Track{
		tracks[1],
		NewTrack(tracks[0].URL, snowflake.ID(201), "user"), // already pending
		NewTrack(tracks[1].URL, snowflake.ID(202), "user"), // dup within the batch
		tracks[2],
	}
	assert.Equal(t, 2, q.EnqueueMany(offered))
	assert.Equal(t, 3, q.Len())

	up := q.Upcoming(3)
	assert.Same(t, tracks[1], up[1])
	assert.Same(t, tracks[2], up[2])
}

func TestHistoryKeepsOneEntryPerURL(t *testing.T) {
	q := NewQueue(1, 10, nil)
	tracks := makeTracks(2)
	q.EnqueueMany(tracks)

	_, _ = q.DequeueNext()
	_, _ = q.DequeueNext()

	// Replay the first track; its history entry moves to the front.
	replay := NewTrack(tracks[0].URL, tracks[0].RequesterID, "user")
	require.NoError(t, q.Enqueue(replay, -1))
	_, _ = q.DequeueNext()

	hist := q.History(10)
	require.Len(t, hist, 2)
	assert.Same(t, replay, hist[0])
	assert.Same(t, tracks[1], hist[1])
	assert.Equal(t, tracks[0].URL, hist[0].URL)
}

func TestDequeueNextOrderAndHistory(t *testing.T) {
	q := NewQueue(1, 10, nil)
	tracks := makeTracks(3)
	q.EnqueueMany(tracks)

	for i := 0; i < 3; i++ {
		got, ok := q.DequeueNext()
		require.True(t, ok)
		assert.Same(t, tracks[i], got)
	}

	_, ok := q.DequeueNext()
	assert.False(t, ok)

	hist := q.History(3)
	require.Len(t, hist, 3)
	assert.Same(t, tracks[2], hist[0], "history is newest-first")
	assert.Same(t, tracks[0], hist[2])
}

func TestRemoveAndMove(t *testing.T) {
	q := NewQueue(1, 10, nil)
	tracks := makeTracks(4)
	q.EnqueueMany(tracks)

	removed, err := q.Remove(1)
	require.NoError(t, err)
	assert.Same(t, tracks[1], removed)
	assert.Equal(t, 3, q.Len())

	_, err = q.Remove(10)
	assert.ErrorIs(t, err, ErrBadPosition)

	moved, err := q.Move(2, 0)
	require.NoError(t, err)
	assert.Same(t, tracks[3], moved)
	assert.Same(t, tracks[3], q.Upcoming(1)[0])

	_, err = q.Move(0, 5)
	assert.ErrorIs(t, err, ErrBadPosition)

	q.Clear()
	_, err = q.Remove(0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
	_, err = q.Move(0, 0)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestShuffleUnshuffleRestoresOrder(t *testing.T) {
	q := NewQueue(1, 20, nil)
	tracks := makeTracks(10)
	q.EnqueueMany(tracks)

	assert.True(t, q.Shuffle())
	assert.True(t, q.Shuffled())

	// Tracks added after the shuffle go to the tail on restore.
	late := makeTracks(2)
	late[0].URL = "https://youtube.com/watch?v=late0"
	late[1].URL = "https://youtube.com/watch?v=late1"
	require.NoError(t, q.Enqueue(late[0], -1))
	require.NoError(t, q.Enqueue(late[1], -1))

	assert.True(t, q.Unshuffle())
	assert.False(t, q.Shuffled())

	up := q.Upcoming(12)
	require.Len(t, up, 12)
	for i, tr := range tracks {
		assert.Same(t, tr, up[i], "position %d", i)
	}
	assert.Same(t, late[0], up[10])
	assert.Same(t, late[1], up[11])
}

func TestShuffleNeedsTwoTracks(t *testing.T) {
	q := NewQueue(1, 10, nil)
	assert.False(t, q.Shuffle())

	require.NoError(t, q.Enqueue(makeTracks(1)[0], -1))
	assert.False(t, q.Shuffle())
	assert.False(t, q.Unshuffle(), "nothing to undo")
}

func TestClearReleasesPendingAndResetsShuffle(t *testing.T) {
	q := NewQueue(1, 10, nil)
	q.EnqueueMany(makeTracks(3))
	q.Shuffle()

	assert.Equal(t, 3, q.Clear())
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Shuffled())
	assert.Equal(t, 0, q.Clear())
}

// --- Snapshot persistence ---

func TestSnapshotRestore(t *testing.T) {
	store := NewTTLStore()
	guildID := snowflake.ID(42)

	q := NewQueue(guildID, 10, store)
	tracks := makeTracks(3)
	tracks[2].RequesterID = snowflake.ID(999) // requester who will be gone
	q.EnqueueMany(tracks)

	resolver := func(userID snowflake.ID) (string, bool) {
		if userID == 999 {
			return "", false
		}
		return "resolved-name", true
	}

	fresh := NewQueue(guildID, 10, store)
	restored := fresh.Restore(resolver)

	assert.Equal(t, 2, restored, "track with missing requester is dropped")
	up := fresh.Upcoming(2)
	require.Len(t, up, 2)
	assert.Equal(t, tracks[0].URL, up[0].URL)
	assert.Equal(t, "resolved-name", up[0].RequesterName)
	assert.Equal(t, tracks[0].Title, up[0].Title)
	assert.Empty(t, up[0].Path, "local paths never survive a restore")
}

func TestSnapshotRestoreStale(t *testing.T) {
	store := NewTTLStore()
	guildID := snowflake.ID(43)

	q := NewQueue(guildID, 10, store)
	q.EnqueueMany(makeTracks(2))

	fresh := NewQueue(guildID, 10, store)
	fresh.now = func() time.Time { return time.Now().Add(31 * time.Minute) }

	restored := fresh.Restore(func(snowflake.ID) (string, bool) { return "user", true })
	assert.Equal(t, 0, restored)
	assert.Equal(t, 0, fresh.Len())

	_, ok := store.Get(queueSnapshotKey(guildID))
	assert.False(t, ok, "stale snapshot is deleted")
}

func TestSnapshotRestoreRespectsCapacity(t *testing.T) {
	store := NewTTLStore()
	guildID := snowflake.ID(44)

	q := NewQueue(guildID, 10, store)
	q.EnqueueMany(makeTracks(6))

	fresh := NewQueue(guildID, 4, store)
	restored := fresh.Restore(func(snowflake.ID) (string, bool) { return "user", true })
	assert.Equal(t, 4, restored)
	assert.Equal(t, 4, fresh.Len())
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	fresh := NewQueue(snowflake.ID(45), 10, NewTTLStore())
	assert.Equal(t, 0, fresh.Restore(func(snowflake.ID) (string, bool) { return "", false }))

	// Nil store disables snapshots entirely.
	bare := NewQueue(snowflake.ID(46), 10, nil)
	assert.Equal(t, 0, bare.Restore(func(snowflake.ID) (string, bool) { return "", true }))
}
