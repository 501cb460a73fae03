// Package common provides the shared logging infrastructure for the
// platform. Error-level lines are routed to stderr and everything else to
// stdout, so containerized deployments can treat the two streams
// differently.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"dazzle.dev/core/config"
)

// OutputSplitter routes formatted log lines to stdout or stderr by level.
// It matches on the literal "level=error" marker logrus emits, which works
// for both the text and JSON formatters.
type OutputSplitter struct{}

// Write implements io.Writer.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. Components receive it via
// constructor injection; the global exists for package-level helpers.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// NewLogger builds a logger from the logging configuration section.
func NewLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{})

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}

	return logger
}
