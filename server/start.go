package server

import (
	"github.com/rs/zerolog/log"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/config"
	apphttp "github.com/shelfward/shelfward/http"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/ledger"
	"github.com/shelfward/shelfward/organize"
	"github.com/shelfward/shelfward/poller"
)

// Start serves the web API. Returns when the HTTP server exits (it is
// blocking by design).
func Start(cli *client.Holder, store *ledger.Store, rec *organize.Reconciler, pol *poller.Poller, evh *hub.Hub, ch *config.Handler, logPath string, httpConf *config.HTTPGlobal) error {
	log.Info().Msg("starting server")
	return apphttp.New(cli, store, rec, pol, evh, ch, logPath, httpConf)
}
