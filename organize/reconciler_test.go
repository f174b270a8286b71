package organize

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
)

type fakeClient struct {
	mu    sync.Mutex
	infos map[string]*client.TorrentInfo
}

var _ client.Client = &fakeClient{}

func (f *fakeClient) Name() string                       { return "fake" }
func (f *fakeClient) Connect(context.Context) error      { return nil }
func (f *fakeClient) Categories(context.Context) ([]string, error) {
	return []string{"default"}, nil
}
func (f *fakeClient) Add(context.Context, client.AddRequest) (string, error) { return "", nil }
func (f *fakeClient) ResolveTag(context.Context, string) (string, error)     { return "", nil }

func (f *fakeClient) Status(context.Context) (*client.Status, error) {
	return &client.Status{Connected: true, DisplayName: "fake"}, nil
}

func (f *fakeClient) Info(_ context.Context, hash string) (*client.TorrentInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.infos[hash]
	if !ok {
		return nil, client.ErrNotFound
	}
	return info, nil
}

type fixture struct {
	rec      *Reconciler
	store    *ledger.Store
	cli      *fakeClient
	hub      *hub.Hub
	download string
	library  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := ledger.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	download := t.TempDir()
	library := t.TempDir()
	cli := &fakeClient{infos: map[string]*client.TorrentInfo{}}
	var c client.Client = cli
	h := hub.New()

	return &fixture{
		rec:      New(store, client.NewHolder(c), h, download, library),
		store:    store,
		cli:      cli,
		hub:      h,
		download: download,
		library:  library,
	}
}

func (f *fixture) addEntry(t *testing.T, hash string, files map[string]string) {
	t.Helper()

	var paths []string
	for rel, content := range files {
		abs := filepath.Join(f.download, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
		paths = append(paths, abs)
	}

	f.cli.mu.Lock()
	f.cli.infos[hash] = &client.TorrentInfo{
		Hash:     hash,
		Name:     "Book One",
		State:    client.StateSeeding,
		Progress: 1,
		SavePath: f.download,
		Files:    paths,
	}
	f.cli.mu.Unlock()

	_, err := f.store.UpsertIfAbsent(&ledger.Entry{
		InfoHash:     hash,
		Title:        "Book One",
		Author:       "J Doe",
		RelativePath: "J Doe/Book One",
		AddedAt:      time.Now(),
	})
	require.NoError(t, err)
}

func TestOrganizeLinksAndMarks(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "aa11", map[string]string{
		"torrent/book.epub":       "epub",
		"torrent/extras/cover.jpg": "jpg",
	})

	done, err := f.rec.Organize(context.Background(), "aa11")
	require.NoError(t, err)
	require.True(t, done)

	for _, rel := range []string{"torrent/book.epub", "torrent/extras/cover.jpg"} {
		linked := filepath.Join(f.library, "J Doe/Book One", rel)
		src := filepath.Join(f.download, rel)

		li, err := os.Stat(linked)
		require.NoError(t, err)
		si, err := os.Stat(src)
		require.NoError(t, err)
		require.True(t, os.SameFile(li, si), "expected hard link for %s", rel)
	}

	e, err := f.store.Get("aa11")
	require.NoError(t, err)
	require.True(t, e.Organized)
}

func TestOrganizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "bb22", map[string]string{"book.epub": "epub"})

	done, err := f.rec.Organize(context.Background(), "bb22")
	require.NoError(t, err)
	require.True(t, done)

	done, err = f.rec.Organize(context.Background(), "bb22")
	require.NoError(t, err)
	require.False(t, done)
}

func TestConcurrentOrganizeWinsOnce(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "cc33", map[string]string{"book.epub": "epub"})

	const attempts = 6
	var wg sync.WaitGroup
	wins := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done, err := f.rec.Organize(context.Background(), "cc33")
			require.NoError(t, err)
			wins <- done
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for done := range wins {
		if done {
			winners++
		}
	}
	require.Equal(t, 1, winners)
}

func TestOrganizeSkipsUnknownAndIncomplete(t *testing.T) {
	f := newFixture(t)

	// Entry exists in the ledger but the client has never heard of it.
	_, err := f.store.UpsertIfAbsent(&ledger.Entry{
		InfoHash:     "dd44",
		Title:        "Book Two",
		Author:       "J Doe",
		RelativePath: "J Doe/Book Two",
	})
	require.NoError(t, err)

	done, err := f.rec.Organize(context.Background(), "dd44")
	require.NoError(t, err)
	require.False(t, done)

	// Known but still downloading.
	f.addEntry(t, "ee55", map[string]string{"half.epub": "partial"})
	f.cli.mu.Lock()
	f.cli.infos["ee55"].Progress = 0.4
	f.cli.infos["ee55"].State = client.StateDownloading
	f.cli.mu.Unlock()

	done, err = f.rec.Organize(context.Background(), "ee55")
	require.NoError(t, err)
	require.False(t, done)

	e, err := f.store.Get("ee55")
	require.NoError(t, err)
	require.False(t, e.Organized)
}

func TestFailedLinkEmitsOneEventPerSweep(t *testing.T) {
	f := newFixture(t)
	f.addEntry(t, "ff66", map[string]string{
		"bad/one.epub": "1",
		"bad/two.epub": "2",
	})

	// Occupy the destination parent with a regular file so every link in the
	// entry fails.
	require.NoError(t, os.MkdirAll(filepath.Join(f.library, "J Doe"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.library, "J Doe/Book One"), []byte("x"), 0o644))

	sub := f.hub.Subscribe()
	defer sub.Close()

	require.NoError(t, f.rec.Sweep(context.Background()))

	var errorEvents int
	for {
		select {
		case msg := <-sub.C():
			var ev struct {
				Event string `json:"event"`
			}
			require.NoError(t, json.Unmarshal(msg, &ev))
			if ev.Event == "organize-error" {
				errorEvents++
			}
			continue
		default:
		}
		break
	}
	require.Equal(t, 1, errorEvents)

	e, err := f.store.Get("ff66")
	require.NoError(t, err)
	require.False(t, e.Organized)
}
