package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/shelfward/shelfward/client"
	"github.com/shelfward/shelfward/config"
	"github.com/shelfward/shelfward/hub"
	"github.com/shelfward/shelfward/jobs"
	"github.com/shelfward/shelfward/ledger"
	slog "github.com/shelfward/shelfward/log"
	"github.com/shelfward/shelfward/organize"
	"github.com/shelfward/shelfward/poller"
	"github.com/shelfward/shelfward/sched"
	"github.com/shelfward/shelfward/server"
	"github.com/shelfward/shelfward/tracker"
)

const (
	configFlag = "config"
	portFlag   = "http-port"
)

func main() {
	app := &cli.App{
		Name:  "shelfward",
		Usage: "Download manager that keeps a private-tracker library organized.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    configFlag,
				Value:   "./shelfward-data/config/config.yaml",
				EnvVars: []string{"SHELFWARD_CONFIG"},
				Usage:   "YAML file containing shelfward configuration.",
			},
			&cli.IntFlag{
				Name:    portFlag,
				EnvVars: []string{"SHELFWARD_HTTP_PORT"},
				Usage:   "HTTP port for the web API, overrides the config file.",
			},
		},

		Action: func(c *cli.Context) error {
			return load(c.String(configFlag), c.Int(portFlag))
		},

		HideHelpCommand: true,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("problem starting application")
	}
}

func load(configPath string, port int) error {
	ch := config.NewHandler(configPath)

	conf, err := ch.Get()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	if port != 0 {
		conf.HTTP.Port = port
	}

	slog.Load(conf.Log)

	if err := os.MkdirAll(conf.MetadataFolder, 0744); err != nil {
		return fmt.Errorf("error creating metadata folder: %w", err)
	}

	// A ledger that cannot open is not recoverable at runtime; better to die
	// here than to re-download a library.
	store, err := ledger.NewStore(filepath.Join(conf.MetadataFolder, "ledger"))
	if err != nil {
		return fmt.Errorf("error opening ledger database: %w", err)
	}

	cl, err := client.New(conf.Client)
	if err != nil {
		return fmt.Errorf("error creating client adapter: %w", err)
	}
	holder := client.NewHolder(cl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cl.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("download client not reachable yet, continuing")
	}

	evh := hub.New()

	rec := organize.New(store, holder, evh, conf.Client.DownloadRoot, conf.Client.LibraryRoot)

	pol := poller.New(holder, store, evh, rec,
		time.Duration(conf.Poll.IntervalSeconds)*time.Second,
		time.Duration(conf.Poll.GraceSeconds)*time.Second,
		time.Duration(conf.Poll.ResolveTimeoutSeconds)*time.Second,
		conf.Organize.OnAdd,
	)
	pol.Start(ctx)

	sc := sched.New()
	if conf.Organize.Sweep {
		sc.Add(sched.JobFunc{
			JobName: "organize-sweep",
			Fn:      rec.Sweep,
		}, time.Duration(conf.Organize.SweepIntervalHours)*time.Hour, 30*time.Second)
	}

	if conf.Tracker.MamID != "" {
		trk, err := tracker.New(conf.Tracker)
		if err != nil {
			return fmt.Errorf("error creating tracker client: %w", err)
		}

		if conf.Jobs.IPCheck.Enabled {
			sc.Add(jobs.NewIPCheck(trk, store, evh),
				time.Duration(conf.Jobs.IPCheck.IntervalHours)*time.Hour, 5*time.Second)
		}
		if conf.Jobs.VIP.Enabled {
			sc.Add(jobs.NewVIPCredit(trk, evh),
				time.Duration(conf.Jobs.VIP.IntervalHours)*time.Hour, time.Minute)
		}
		if conf.Jobs.Upload.Enabled {
			sc.Add(jobs.NewUploadCredit(trk, evh, conf.Jobs.Upload),
				time.Duration(conf.Jobs.Upload.IntervalHours)*time.Hour, 15*time.Second)
		}
	} else if conf.Jobs.IPCheck.Enabled || conf.Jobs.VIP.Enabled || conf.Jobs.Upload.Enabled {
		log.Warn().Msg("tracker jobs enabled but no tracker session id configured, skipping")
	}
	sc.Start(ctx)

	w, err := config.NewWatcher(ch, func(next *config.Root, clientChanged bool) {
		slog.Load(next.Log)
		if !clientChanged {
			return
		}
		nc, err := client.New(next.Client)
		if err != nil {
			log.Error().Err(err).Msg("error recreating client adapter from new configuration")
			return
		}
		if err := nc.Connect(ctx); err != nil {
			log.Warn().Err(err).Msg("new download client not reachable yet")
		}
		holder.Set(nc)
		log.Info().Str("client", nc.Name()).Msg("client adapter recreated")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config watcher not available, edits need a restart")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("stopping scheduler and poller...")
		cancel()
		sc.Stop()
		pol.Stop()
		if w != nil {
			if err := w.Close(); err != nil {
				log.Warn().Err(err).Msg("problem closing config watcher")
			}
		}
		log.Info().Msg("closing ledger database...")
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("problem closing ledger database")
		}
		log.Info().Msg("bye")
		os.Exit(0)
	}()

	logFilename := filepath.Join(conf.Log.Path, slog.FileName)
	return server.Start(holder, store, rec, pol, evh, ch, logFilename, conf.HTTP)
}
