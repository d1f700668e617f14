package config

import "time"

// StoragePoolConfig holds storage connection pool configuration.
type StoragePoolConfig struct {
	MaxOpenConns    int           `env:"JOBSCHEDULER_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"JOBSCHEDULER_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"JOBSCHEDULER_DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"JOBSCHEDULER_DB_CONN_MAX_IDLE_TIME"`
}

func (c *StoragePoolConfig) applyDefaults() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	if c.ConnMaxIdleTime <= 0 {
		c.ConnMaxIdleTime = time.Minute
	}
}
