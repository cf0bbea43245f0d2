// Package log provides the structured logger used across the pool,
// worker and CLI packages. It is a thin wrapper around logrus, mirroring
// the level/format configuration pattern of a syslog consumer's logger
// package, minus its ports indirection.
package log

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Entry configured with the given level ("trace",
// "debug", "info", "warn", "error") and format ("json" or "text").
// Unknown levels fall back to info.
func New(level, format string) *logrus.Entry {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	}

	logger.SetOutput(os.Stdout)
	logger.SetReportCaller(false)

	return logrus.NewEntry(logger)
}

var defaultLogger = New("info", "text")

// Default returns the package-wide logger used when a component is
// not constructed with an explicit one.
func Default() *logrus.Entry {
	return defaultLogger
}

// SetDefault replaces the package-wide default logger, used by the CLI
// once it has parsed the configured level/format.
func SetDefault(entry *logrus.Entry) {
	defaultLogger = entry
}
