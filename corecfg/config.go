package corecfg

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigFilename is the default configuration file name.
	DefaultConfigFilename = "walletcore.conf"

	// DefaultDataDirname is the default data directory name.
	DefaultDataDirname = "data"

	// DefaultLogDirname is the default log directory name.
	DefaultLogDirname = "logs"

	// DefaultLogFilename is the default log file name.
	DefaultLogFilename = "walletcore.log"
)

// CleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		var homeDir string
		u, err := user.Current()
		if err == nil {
			homeDir = u.HomeDir
		} else {
			homeDir = os.Getenv("HOME")
		}

		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}
