package conventions

import (
	"path/filepath"

	"k8s.io/client-go/util/homedir"
)

const (
	// DefaultDataDir is the default genq data directory name (relative to home).
	DefaultDataDir = ".genq"
	// DBFile is the SQLite task database filename.
	DBFile = "genq.db"
	// ConfigFile is the optional YAML tuning filename.
	ConfigFile = "config.yaml"
	// EnvFile is the optional dotenv filename loaded from the working directory.
	EnvFile = ".env"

	// FalKeyEnv is the environment variable that holds the fal key.
	FalKeyEnv = "FAL_KEY"

	// DefaultListenAddress is the default HTTP API address.
	DefaultListenAddress = "127.0.0.1:8787"
)

// HomeDataDir returns the default data directory inside the user home.
func HomeDataDir() string {
	return filepath.Join(homedir.HomeDir(), DefaultDataDir)
}

// DBPath returns the task database path of a data directory.
func DBPath(dataDir string) string {
	return filepath.Join(dataDir, DBFile)
}

// ConfigPath returns the tuning file path of a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, ConfigFile)
}
