package log

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shelfward/shelfward/config"
)

const FileName = "shelfward.log"

// Load configures the global zerolog logger: colored console output plus a
// rolling file when a log path is configured.
func Load(conf *config.Log) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if conf.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	console := zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStdout(),
		TimeFormat: time.RFC822,
	}

	writers := []io.Writer{console}
	if conf.Path != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(conf.Path, FileName),
			MaxSize:    conf.MaxSize,
			MaxBackups: conf.MaxBackups,
			MaxAge:     conf.MaxAge,
		})
	}

	log.Logger = zerolog.New(io.MultiWriter(writers...)).With().Timestamp().Logger()

	if conf.Path != "" {
		if err := os.MkdirAll(conf.Path, 0744); err != nil {
			log.Error().Err(err).Str("path", conf.Path).Msg("error creating log folder")
		}
	}
}
