package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dazzle.dev/core/config"
)

func TestNewLoggerLevelAndFormat(t *testing.T) {
	logger := NewLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	_, ok := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok)

	logger = NewLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	_, ok = logger.Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestNewLoggerUnknownLevelFallsBack(t *testing.T) {
	logger := NewLogger(config.LoggingConfig{Level: "shouting"})
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
}

func TestGlobalLoggerHasSplitter(t *testing.T) {
	require.NotNil(t, Logger)
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok)
}
