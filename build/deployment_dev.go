//go:build dev

package build

import "os"

// Deployment specifies a development build.
const Deployment = Development

// LogLevel is the level used by the stdout loggers handed out to unit tests.
// It can be overridden with the WALLETCORE_LOGLEVEL environment variable.
var LogLevel = logLevelFromEnv()

func logLevelFromEnv() string {
	if lvl := os.Getenv("WALLETCORE_LOGLEVEL"); lvl != "" {
		return lvl
	}

	return "info"
}
