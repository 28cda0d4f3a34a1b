// Package logger provides the structured logger shared across the backup
// engine. It wraps zerolog with a console sink for interactive use and an
// optional rotated file sink for daemon use.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

// L is the process-wide logger. It is safe for concurrent use.
var L zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// Init configures L for daemon use: console output on stderr plus a
// rotated JSON log file under dataDir/logs/zfs-uploader.log when dataDir
// is non-empty. level follows zerolog's level names (debug, info, warn,
// error); an unrecognized value defaults to info.
func Init(dataDir string, level string) error {
	zerolog.SetGlobalLevel(parseLevel(level))

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	var writers []io.Writer
	writers = append(writers, console)

	if dataDir != "" {
		logDir := filepath.Join(dataDir, "logs")
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(logDir, "zfs-uploader.log"),
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		})
	}

	L = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	return nil
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// BootstrapFatal logs msg at fatal level and exits the process. It is used
// only before a per-job logger (see Job) or full engine context exists —
// e.g. while still parsing configuration.
func BootstrapFatal(msg string) {
	L.Fatal().Msg(msg)
}

// Job returns a logger pre-bound with the filesystem field, matching the
// `filesystem=`, `snapshot_name=`, `s3_key=` field set every engine
// operation is expected to emit.
func Job(filesystem string) zerolog.Logger {
	return L.With().Str("filesystem", filesystem).Logger()
}
