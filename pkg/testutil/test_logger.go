package testutil

import (
	"io"

	"github.com/charmbracelet/log"

	"github.com/EternisAI/enchanted-memory/pkg/logging"
)

// TestLoggerFactory provides a test-scoped logger factory for testing purposes.
var TestLoggerFactory = func() *logging.Factory {
	baseLogger := log.New(io.Discard)
	return logging.NewFactory(baseLogger)
}()

// GetTestLogger returns a test logger for a specific component.
func GetTestLogger(componentID string) *log.Logger {
	return TestLoggerFactory.ForComponent(componentID)
}
