package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
)

type fakeClient struct {
	mu        sync.Mutex
	up        bool
	statusErr error
	infos     map[string]*client.TorrentInfo
	byTag     map[string]string
}

var _ client.Client = &fakeClient{}

func newFakeClient() *fakeClient {
	return &fakeClient{
		up:    true,
		infos: map[string]*client.TorrentInfo{},
		byTag: map[string]string{},
	}
}

func (f *fakeClient) Name() string                  { return "fake" }
func (f *fakeClient) Connect(context.Context) error { return nil }
func (f *fakeClient) Categories(context.Context) ([]string, error) {
	return []string{"default"}, nil
}
func (f *fakeClient) Add(context.Context, client.AddRequest) (string, error) { return "", nil }

func (f *fakeClient) Status(context.Context) (*client.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return &client.Status{Connected: f.up, DisplayName: "fake"}, nil
}

func (f *fakeClient) Info(_ context.Context, hash string) (*client.TorrentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[hash]
	if !ok {
		return nil, client.ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *fakeClient) ResolveTag(_ context.Context, tag string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.byTag[tag]
	if !ok {
		return "", client.ErrNotFound
	}
	return hash, nil
}

func (f *fakeClient) setProgress(hash string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infos[hash] = &client.TorrentInfo{
		Hash:     hash,
		State:    client.StateDownloading,
		Progress: p,
		ETA:      -1,
	}
}

func newTestPoller(t *testing.T, cli *fakeClient) (*Poller, *ledger.Store, *hub.Hub) {
	t.Helper()
	store, err := ledger.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var c client.Client = cli
	h := hub.New()
	p := New(client.NewHolder(c), store, h, nil, time.Second, time.Minute, 50*time.Millisecond, false)
	return p, store, h
}

func drainEvents(sub *hub.Subscriber) []map[string]any {
	var out []map[string]any
	for {
		select {
		case msg := <-sub.C():
			var ev map[string]any
			_ = json.Unmarshal(msg, &ev)
			out = append(out, ev)
			continue
		default:
		}
		return out
	}
}

func countEvents(events []map[string]any, kind string) int {
	n := 0
	for _, ev := range events {
		if ev["event"] == kind {
			n++
		}
	}
	return n
}

func TestIdenticalSnapshotsEmitNoDeltas(t *testing.T) {
	cli := newFakeClient()
	cli.setProgress("aa11", 0.40)

	p, _, h := newTestPoller(t, cli)
	sub := h.Subscribe()
	defer sub.Close()

	p.Watch("aa11")
	ctx := context.Background()

	p.tick(ctx)
	first := drainEvents(sub)
	require.Equal(t, 1, countEvents(first, "torrent-progress"))

	p.tick(ctx)
	p.tick(ctx)
	require.Equal(t, 0, countEvents(drainEvents(sub), "torrent-progress"))

	cli.setProgress("aa11", 0.41)
	p.tick(ctx)
	changed := drainEvents(sub)
	require.Equal(t, 1, countEvents(changed, "torrent-progress"))
	for _, ev := range changed {
		if ev["event"] == "torrent-progress" {
			require.Equal(t, float64(41), ev["percent"])
		}
	}
}

func TestProgressPercentRounds(t *testing.T) {
	cli := newFakeClient()
	cli.setProgress("aa11", 0.29)

	p, _, h := newTestPoller(t, cli)
	sub := h.Subscribe()
	defer sub.Close()

	p.Watch("aa11")
	p.tick(context.Background())

	events := drainEvents(sub)
	require.Equal(t, 1, countEvents(events, "torrent-progress"))
	for _, ev := range events {
		if ev["event"] == "torrent-progress" {
			require.Equal(t, float64(29), ev["percent"])
		}
	}
}

func TestNilStatusCountsAsDisconnected(t *testing.T) {
	cli := newFakeClient()
	p, _, h := newTestPoller(t, cli)
	sub := h.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	p.tick(ctx)
	require.Equal(t, 1, countEvents(drainEvents(sub), "client-status"))

	cli.mu.Lock()
	cli.statusErr = errors.New("connection refused")
	cli.mu.Unlock()

	p.tick(ctx)
	require.Equal(t, 1, countEvents(drainEvents(sub), "client-status"))
}

func TestConnectivityEdgeEmitsStatusOnce(t *testing.T) {
	cli := newFakeClient()
	p, _, h := newTestPoller(t, cli)
	sub := h.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	p.tick(ctx)
	p.tick(ctx)
	require.Equal(t, 1, countEvents(drainEvents(sub), "client-status"))

	cli.mu.Lock()
	cli.up = false
	cli.mu.Unlock()
	p.tick(ctx)
	p.tick(ctx)
	require.Equal(t, 1, countEvents(drainEvents(sub), "client-status"))
}

func TestPendingTagResolution(t *testing.T) {
	cli := newFakeClient()
	p, store, _ := newTestPoller(t, cli)
	ctx := context.Background()

	p.WatchPending("tag123", ledger.Entry{
		Title:        "Book One",
		Author:       "J Doe",
		RelativePath: "J Doe/Book One",
	})

	// Tag not visible yet: nothing persisted.
	p.tick(ctx)
	_, err := store.Get("aa11bb")
	require.ErrorIs(t, err, ledger.ErrNotFound)

	cli.mu.Lock()
	cli.byTag["tag123"] = "aa11bb"
	cli.mu.Unlock()
	cli.setProgress("aa11bb", 0.1)

	p.tick(ctx)

	e, err := store.Get("aa11bb")
	require.NoError(t, err)
	require.Equal(t, "Book One", e.Title)
	require.Equal(t, "aa11bb", e.InfoHash)
}

func TestPendingTagGivesUpAfterTimeout(t *testing.T) {
	cli := newFakeClient()
	p, _, h := newTestPoller(t, cli)
	sub := h.Subscribe()
	defer sub.Close()
	ctx := context.Background()

	p.WatchPending("gone", ledger.Entry{Title: "Lost Book"})

	time.Sleep(60 * time.Millisecond) // past the 50ms resolve timeout
	p.tick(ctx)

	require.Equal(t, 1, countEvents(drainEvents(sub), "toast"))

	p.mu.Lock()
	_, still := p.pending["gone"]
	p.mu.Unlock()
	require.False(t, still)
}

func TestVanishedHashExpiresAfterGrace(t *testing.T) {
	cli := newFakeClient()
	store, err := ledger.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	var c client.Client = cli
	p := New(client.NewHolder(c), store, hub.New(), nil, time.Second, 30*time.Millisecond, time.Minute, false)

	p.Watch("zz99")
	ctx := context.Background()

	p.tick(ctx) // starts the grace window
	p.mu.Lock()
	_, watched := p.watched["zz99"]
	p.mu.Unlock()
	require.True(t, watched)

	time.Sleep(50 * time.Millisecond)
	p.tick(ctx)

	p.mu.Lock()
	_, watched = p.watched["zz99"]
	p.mu.Unlock()
	require.False(t, watched)
}
