package db

import (
	"fmt"
	"time"
)

// Driver names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects and configures the backing store.
type Config struct {
	// Driver is "sqlite" (default) or "mysql"
	Driver string `yaml:"driver"`

	// Path is the SQLite database file, ignored for MySQL
	Path string `yaml:"path"`

	// DSN is the MySQL data source name, ignored for SQLite
	DSN string `yaml:"dsn"`

	// MaxOpenConnections caps the MySQL pool, 0 means the driver default
	MaxOpenConnections int `yaml:"max_open_connections"`

	// MaxIdleConnections caps idle MySQL connections, 0 means the driver default
	MaxIdleConnections int `yaml:"max_idle_connections"`

	// ConnMaxLifetime bounds MySQL connection reuse, 0 means the driver default
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Open creates a Database for the configured driver.
func Open(cfg Config) (Database, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite driver requires a path")
		}
		return NewSQLite(cfg.Path)
	case DriverMySQL:
		mysqlCfg := DefaultMySQLConfig()
		mysqlCfg.DSN = cfg.DSN
		if cfg.MaxOpenConnections > 0 {
			mysqlCfg.MaxOpenConnections = cfg.MaxOpenConnections
		}
		if cfg.MaxIdleConnections > 0 {
			mysqlCfg.MaxIdleConnections = cfg.MaxIdleConnections
		}
		if cfg.ConnMaxLifetime > 0 {
			mysqlCfg.ConnMaxLifetime = cfg.ConnMaxLifetime
		}
		return NewMySQLWithConfig(mysqlCfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
