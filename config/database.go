package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DatabaseConfig holds the sqlite connection settings.
type DatabaseConfig struct {
	Path        string        `json:"path"`
	BusyTimeout time.Duration `json:"busyTimeout"`
	// Debug enables gorm statement logging.
	Debug bool `json:"debug"`
}

// GetDSN returns the data source name including the pragmas the engine relies on.
// WAL plus a busy timeout lets the wallet transaction wait for a concurrent writer
// instead of failing immediately.
func (c *DatabaseConfig) GetDSN() string {
	timeout := c.BusyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_txlock=immediate",
		c.Path, timeout.Milliseconds())
}

// GetDefaultDatabaseConfig returns the database configuration derived from the environment.
func GetDefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Path:        GetDBPath(),
		BusyTimeout: 5 * time.Second,
		Debug:       IsDebug(),
	}
}

// ValidateConfig validates the database configuration.
func (c *DatabaseConfig) ValidateConfig() error {
	if c.Path == "" {
		return fmt.Errorf("SQLite path cannot be empty")
	}
	return nil
}

// EnsureDirectoryExists ensures the directory for the SQLite database exists.
func (c *DatabaseConfig) EnsureDirectoryExists() error {
	return os.MkdirAll(filepath.Dir(c.Path), 0o755)
}
