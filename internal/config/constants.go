package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// ConfigDirName is the directory under the user's home holding config,
	// logs and recordings.
	ConfigDirName  = ".tingly-relay"
	ConfigFileName = "tingly-relay.yaml"
	LogDirName     = "log"
	RecordDirName  = "record"

	DefaultHost            = "127.0.0.1"
	DefaultPort            = 12580
	DefaultShutdownTimeout = 10 * time.Second
	DefaultUpstreamTimeout = 5 * time.Minute
	DefaultExportInterval  = time.Minute

	EnvConfig   = "TINGLY_RELAY_CONFIG"
	EnvHost     = "TINGLY_RELAY_HOST"
	EnvPort     = "TINGLY_RELAY_PORT"
	EnvLogLevel = "TINGLY_RELAY_LOG_LEVEL"
)

// GetConfDir returns the config directory path (default: ~/.tingly-relay).
func GetConfDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ConfigDirName
	}
	return filepath.Join(home, ConfigDirName)
}

// GetLogDir returns the log directory path.
func GetLogDir() string {
	return filepath.Join(GetConfDir(), LogDirName)
}

// GetRecordDir returns the directory recordings are written to by default.
func GetRecordDir() string {
	return filepath.Join(GetConfDir(), RecordDirName)
}
