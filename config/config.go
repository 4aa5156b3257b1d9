// Package config resolves process-level configuration from the environment.
// Engine tunables (grace, prices, thresholds) live in the settings table instead.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

//go:embed version
var version string

//go:embed name
var name string

type LogLevel string

const (
	Debug  LogLevel = "debug"
	Info   LogLevel = "info"
	Notice LogLevel = "notice"
	Warn   LogLevel = "warn"
	Error  LogLevel = "error"
)

// LoadEnvFile loads variables from path into the process environment.
// Variables that are already set win over the file. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

func GetVersion() string {
	return strings.TrimSpace(version)
}

func GetName() string {
	return strings.TrimSpace(name)
}

func GetLogLevel() LogLevel {
	if IsDebug() {
		return Debug
	}
	logLevel := os.Getenv("VPNMARKET_LOG_LEVEL")
	if logLevel == "" {
		return Info
	}
	return LogLevel(logLevel)
}

func IsDebug() bool {
	return os.Getenv("VPNMARKET_DEBUG") == "true"
}

func GetDBFolderPath() string {
	dbFolderPath := os.Getenv("VPNMARKET_DB_FOLDER")
	if dbFolderPath == "" {
		dbFolderPath = "/etc/vpnmarket"
	}
	return dbFolderPath
}

func GetDBPath() string {
	return fmt.Sprintf("%s/%s.db", GetDBFolderPath(), GetName())
}

func GetLogFolder() string {
	logFolderPath := os.Getenv("VPNMARKET_LOG_FOLDER")
	if logFolderPath == "" {
		logFolderPath = "/var/log"
	}
	return logFolderPath
}

// GetRedisAddr returns the external redis address. Empty means the embedded server is used.
func GetRedisAddr() string {
	return os.Getenv("VPNMARKET_REDIS_ADDR")
}

func GetListenAddr() string {
	addr := os.Getenv("VPNMARKET_LISTEN")
	if addr == "" {
		addr = "127.0.0.1:2097"
	}
	return addr
}

// GetApiToken returns the bearer token the HTTP API requires. Empty disables the check.
func GetApiToken() string {
	return os.Getenv("VPNMARKET_API_TOKEN")
}
