package ledger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEntry(hash string) *Entry {
	return &Entry{
		InfoHash:     hash,
		Title:        "Book One",
		Author:       "J Doe",
		RelativePath: "J Doe/Book One",
		AddedAt:      time.Now(),
	}
}

func TestUpsertIfAbsentIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	created, err := s.UpsertIfAbsent(testEntry("aa11"))
	require.NoError(t, err)
	require.True(t, created)

	again := testEntry("aa11")
	again.Title = "Renamed Upstream"
	created, err = s.UpsertIfAbsent(again)
	require.NoError(t, err)
	require.False(t, created)

	got, err := s.Get("aa11")
	require.NoError(t, err)
	require.Equal(t, "Book One", got.Title)
}

func TestEntriesSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewStore(dir)
	require.NoError(t, err)
	_, err = s.UpsertIfAbsent(testEntry("aa11"))
	require.NoError(t, err)
	won, err := s.MarkOrganized("aa11")
	require.NoError(t, err)
	require.True(t, won)
	require.NoError(t, s.Close())

	s, err = NewStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.Get("aa11")
	require.NoError(t, err)
	require.True(t, got.Organized)
	require.Equal(t, "Book One", got.Title)
}

func TestGetUnknownHash(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("deadbeef")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkOrganizedWinsExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertIfAbsent(testEntry("bb22"))
	require.NoError(t, err)

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.MarkOrganized("bb22")
			require.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for won := range wins {
		if won {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestOrganizedFlagIsMonotonic(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpsertIfAbsent(testEntry("cc33"))
	require.NoError(t, err)

	won, err := s.MarkOrganized("cc33")
	require.NoError(t, err)
	require.True(t, won)

	// Re-adding the same hash must not reset the flag.
	_, err = s.UpsertIfAbsent(testEntry("cc33"))
	require.NoError(t, err)

	got, err := s.Get("cc33")
	require.NoError(t, err)
	require.True(t, got.Organized)
}

func TestListUnorganized(t *testing.T) {
	s := newTestStore(t)

	for _, h := range []string{"aa", "bb", "cc"} {
		_, err := s.UpsertIfAbsent(testEntry(h))
		require.NoError(t, err)
	}
	_, err := s.MarkOrganized("bb")
	require.NoError(t, err)

	entries, err := s.ListUnorganized()
	require.NoError(t, err)

	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		hashes = append(hashes, e.InfoHash)
	}
	require.ElementsMatch(t, []string{"aa", "cc"}, hashes)
}

func TestJobState(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetState("last_ip")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutState("last_ip", "203.0.113.7"))

	v, err := s.GetState("last_ip")
	require.NoError(t, err)
	require.Equal(t, "203.0.113.7", v)
}
