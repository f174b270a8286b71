package organize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
)

// Reconciler hard-links completed downloads from the client's download root
// into the organized library tree. Links keep the payload seedable from its
// original location while the library presents the curated layout.
type Reconciler struct {
	store *ledger.Store
	cli   *client.Holder
	hub   *hub.Hub

	downloadRoot string
	libraryRoot  string

	log zerolog.Logger
}

func New(store *ledger.Store, cli *client.Holder, h *hub.Hub, downloadRoot, libraryRoot string) *Reconciler {
	return &Reconciler{
		store:        store,
		cli:          cli,
		hub:          h,
		downloadRoot: filepath.Clean(downloadRoot),
		libraryRoot:  filepath.Clean(libraryRoot),
		log:          log.Logger.With().Str("component", "organize").Logger(),
	}
}

// Sweep walks every unorganized ledger entry and tries to organize each one.
// A failing entry is reported and skipped; it never blocks the rest of the
// sweep.
func (r *Reconciler) Sweep(ctx context.Context) error {
	entries, err := r.store.ListUnorganized()
	if err != nil {
		return fmt.Errorf("error listing unorganized entries: %w", err)
	}

	var done int
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := r.Organize(ctx, e.InfoHash)
		if err != nil {
			r.log.Error().Err(err).Str("hash", e.InfoHash).Str("title", e.Title).Msg("organize failed")
			continue
		}
		if ok {
			done++
		}
	}

	if done > 0 {
		r.log.Info().Int("organized", done).Int("pending", len(entries)-done).Msg("sweep finished")
	}

	return nil
}

// Organize links a single entry's payload into the library. It returns true
// only when this call marked the entry organized; an entry that is not yet
// complete, not yet known to the client, or already organized returns
// (false, nil).
//
// The link pass is all-or-nothing: the entry stays unorganized unless every
// file linked, and a concurrent or repeated attempt is harmless because
// existing links are accepted as already done.
func (r *Reconciler) Organize(ctx context.Context, hash string) (bool, error) {
	e, err := r.store.Get(hash)
	if err != nil {
		return false, fmt.Errorf("error loading ledger entry %s: %w", hash, err)
	}
	if e.Organized {
		return false, nil
	}

	info, err := r.cli.Get().Info(ctx, hash)
	if errors.Is(err, client.ErrNotFound) {
		r.log.Debug().Str("hash", hash).Msg("not visible in client yet")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("error fetching torrent info for %s: %w", hash, err)
	}
	if !info.Complete() || len(info.Files) == 0 {
		return false, nil
	}

	destRoot := filepath.Join(r.libraryRoot, filepath.FromSlash(e.RelativePath))

	if err := r.linkAll(info, destRoot); err != nil {
		r.hub.Publish(hub.NewOrganizeError(hash, e.Title, err.Error()))
		return false, fmt.Errorf("error organizing %s: %w", hash, err)
	}

	won, err := r.store.MarkOrganized(hash)
	if err != nil {
		return false, fmt.Errorf("error marking %s organized: %w", hash, err)
	}
	if won {
		r.log.Info().Str("hash", hash).Str("title", e.Title).Str("path", e.RelativePath).Msg("organized")
		r.hub.Publish(hub.NewToast(fmt.Sprintf("Organized %s", e.Title), "success"))
	}

	return won, nil
}

func (r *Reconciler) linkAll(info *client.TorrentInfo, destRoot string) error {
	for _, src := range info.Files {
		rel := r.relativeTo(src, info.SavePath)
		dest := filepath.Join(destRoot, rel)

		if _, err := os.Stat(src); err != nil {
			return fmt.Errorf("source file missing: %s", src)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("error creating %s: %w", filepath.Dir(dest), err)
		}

		err := os.Link(src, dest)
		switch {
		case err == nil, errors.Is(err, os.ErrExist):
		case errors.Is(err, syscall.EXDEV):
			return fmt.Errorf("cannot hard link across filesystems: %s and %s are on different volumes", src, dest)
		default:
			return fmt.Errorf("error linking %s: %w", src, err)
		}
	}

	return nil
}

// relativeTo strips the download root (or, failing that, the torrent's own
// save path) from an absolute payload path so the internal torrent layout is
// reproduced under the library destination.
func (r *Reconciler) relativeTo(src, savePath string) string {
	for _, root := range []string{r.downloadRoot, filepath.Clean(savePath)} {
		if root == "" || root == "." {
			continue
		}
		rel, err := filepath.Rel(root, src)
		if err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
			return rel
		}
	}
	return filepath.Base(src)
}
