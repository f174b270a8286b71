package http

import (
	"errors"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/config"
	"github.com/shelfward/shelfward/ledger"
	"github.com/shelfward/shelfward/organize"
	"github.com/shelfward/shelfward/poller"
)

var apiLogHandler = func(path string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		f, err := os.Open(path)
		if err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		defer f.Close()

		fi, err := f.Stat()
		if err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		// Tail only: the last 64KiB is plenty for a browser view.
		max := math.Max(float64(-fi.Size()), -1024*8*8)
		if _, err := f.Seek(int64(max), io.SeekEnd); err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}

		ctx.Header("Content-Type", "text/plain")
		ctx.Status(http.StatusOK)
		_, _ = io.Copy(ctx.Writer, f)
	}
}

var apiClientStatusHandler = func(cli *client.Holder) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		st, _ := cli.Get().Status(ctx.Request.Context())
		ctx.JSON(http.StatusOK, st)
	}
}

var apiClientCategoriesHandler = func(cli *client.Holder) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		cats, err := cli.Get().Categories(ctx.Request.Context())
		if err != nil {
			ctx.AbortWithError(http.StatusBadGateway, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"categories": cats})
	}
}

type addRequest struct {
	URL      string `json:"url" binding:"required"`
	Title    string `json:"title" binding:"required"`
	Author   string `json:"author" binding:"required"`
	Series   string `json:"series"`
	Category string `json:"category"`
}

// apiAddHandler sends a torrent to the download client and records it in the
// ledger. The library path is fixed at add time from the metadata the caller
// supplied, so later renames on the tracker cannot move the entry.
var apiAddHandler = func(cli *client.Holder, store *ledger.Store, pol *poller.Poller, ch *config.Handler) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		var req addRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			ctx.AbortWithError(http.StatusBadRequest, err)
			return
		}

		conf, err := ch.Get()
		if err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		category := req.Category
		if category == "" {
			category = conf.Client.Category
		}

		entry := ledger.Entry{
			Title:        req.Title,
			Author:       req.Author,
			Series:       req.Series,
			Category:     category,
			RelativePath: organize.RelativePath(req.Author, req.Title, req.Series),
			AddedAt:      time.Now(),
		}

		tag := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		id, err := cli.Get().Add(ctx.Request.Context(), client.AddRequest{
			URL:      req.URL,
			Category: category,
			SavePath: conf.Client.DownloadRoot,
			Tag:      tag,
		})

		var rejected *client.AddError
		duplicate := false
		switch {
		case err == nil:
		case errors.As(err, &rejected) && rejected.Duplicate:
			duplicate = true
		case errors.As(err, &rejected):
			// Backend refused the add outright; nothing to record.
			ctx.AbortWithError(http.StatusBadRequest, err)
			return
		case errors.Is(err, client.ErrAuth):
			ctx.AbortWithError(http.StatusUnauthorized, err)
			return
		default:
			ctx.AbortWithError(http.StatusBadGateway, err)
			return
		}

		hash := resolveHash(ctx, id, req.URL)
		if hash == "" {
			// Hash unknown until the client lists the torrent; the poller
			// finishes registration once the tag shows up.
			pol.WatchPending(tag, entry)
			ctx.JSON(http.StatusAccepted, gin.H{"pending": true, "tag": tag, "duplicate": duplicate})
			return
		}

		entry.InfoHash = hash
		created, err := store.UpsertIfAbsent(&entry)
		if err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		pol.Watch(hash)

		ctx.JSON(http.StatusOK, gin.H{"hash": hash, "created": created, "duplicate": duplicate})
	}
}

var torrentFetcher = &http.Client{Timeout: 30 * time.Second}

// resolveHash prefers what the client reported; otherwise the hash is read
// out of the magnet link or the torrent file itself.
func resolveHash(ctx *gin.Context, id, rawURL string) string {
	if client.IsInfoHash(id) {
		return id
	}
	if strings.HasPrefix(rawURL, "magnet:") {
		if h, err := client.InfoHashFromMagnet(rawURL); err == nil {
			return h
		}
		return ""
	}
	h, err := client.InfoHashFromTorrentURL(ctx.Request.Context(), torrentFetcher, rawURL)
	if err != nil {
		return ""
	}
	return h
}

var apiTorrentInfoHandler = func(cli *client.Holder) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		info, err := cli.Get().Info(ctx.Request.Context(), strings.ToLower(ctx.Param("hash")))
		if errors.Is(err, client.ErrNotFound) {
			ctx.AbortWithError(http.StatusNotFound, err)
			return
		}
		if err != nil {
			ctx.AbortWithError(http.StatusBadGateway, err)
			return
		}
		ctx.JSON(http.StatusOK, info)
	}
}

var apiEntriesHandler = func(store *ledger.Store) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		entries, err := store.ListUnorganized()
		if err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"unorganized": entries})
	}
}

var apiOrganizeAllHandler = func(rec *organize.Reconciler) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if err := rec.Sweep(ctx.Request.Context()); err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"swept": true})
	}
}

var apiOrganizeOneHandler = func(rec *organize.Reconciler) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		hash := strings.ToLower(ctx.Param("hash"))
		done, err := rec.Organize(ctx.Request.Context(), hash)
		if errors.Is(err, ledger.ErrNotFound) {
			ctx.AbortWithError(http.StatusNotFound, err)
			return
		}
		if err != nil {
			ctx.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"organized": done})
	}
}
