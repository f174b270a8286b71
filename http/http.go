package http

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/config"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
	"github.com/shelfward/shelfward/organize"
	"github.com/shelfward/shelfward/poller"
)

// New wires the API routes and serves them. It blocks until the listener
// fails.
func New(cli *client.Holder, store *ledger.Store, rec *organize.Reconciler, pol *poller.Poller, evh *hub.Hub, ch *config.Handler, logPath string, cfg *config.HTTPGlobal) error {
	r := Routes(cli, store, rec, pol, evh, ch, logPath)

	log.Info().Str("host", fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)).Msg("starting http server")
	if err := r.Run(fmt.Sprintf("%s:%d", cfg.IP, cfg.Port)); err != nil {
		return fmt.Errorf("error initializing server: %w", err)
	}
	return nil
}

// Routes builds the API router.
func Routes(cli *client.Holder, store *ledger.Store, rec *organize.Reconciler, pol *poller.Poller, evh *hub.Hub, ch *config.Handler, logPath string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.ErrorLogger())
	r.Use(Logger())

	api := r.Group("/api")
	{
		api.GET("/log", apiLogHandler(logPath))

		api.GET("/client/status", apiClientStatusHandler(cli))
		api.GET("/client/categories", apiClientCategoriesHandler(cli))
		api.POST("/client/add", apiAddHandler(cli, store, pol, ch))
		api.GET("/client/info/:hash", apiTorrentInfoHandler(cli))

		api.GET("/entries", apiEntriesHandler(store))
		api.POST("/organize", apiOrganizeAllHandler(rec))
		api.POST("/organize/:hash", apiOrganizeOneHandler(rec))

		api.GET("/events", apiEventsHandler(evh))
	}

	return r
}

func Logger() gin.HandlerFunc {
	l := log.Logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		c.Next()
		if raw != "" {
			path = path + "?" + raw
		}
		msg := c.Errors.String()
		if msg == "" {
			msg = "Request"
		}

		s := c.Writer.Status()
		switch {
		case s >= 400 && s < 500:
			l.Warn().Str("path", path).Int("status", s).Msg(msg)
		case s >= 500:
			l.Error().Str("path", path).Int("status", s).Msg(msg)
		default:
			l.Debug().Str("path", path).Int("status", s).Msg(msg)
		}
	}
}
