package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/gimbalctl/internal/logging"
)

// Start configures test logging once and returns a logger tagged with the
// test name.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	return logging.Logger().With().Str("test", t.Name()).Logger()
}
