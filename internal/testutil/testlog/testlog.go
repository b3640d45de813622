// Package testlog configures the shared zerolog test profile.
package testlog

import (
	"testing"

	"github.com/t-web/relayq/internal/observability"
)

func Start(t *testing.T) {
	t.Helper()
	observability.ConfigureTestLogger()
	logger := observability.Logger()
	logger.Debug().Str("test", t.Name()).Msg("start")
}
