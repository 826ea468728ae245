package datasource

import (
	"database/sql"
	"fmt"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

func init() {
	Register(DriverRegistration{
		Info: DriverInfo{
			Type:        "pdo",
			DisplayName: "Generic SQL",
			Description: "Any database/sql driver compiled into the binary (driver_name + dsn)",
		},
		Aliases: []string{"generic"},
		Factory: NewGenericDialer,
	})
}

// NewGenericDialer opens cfg.DSN with the database/sql driver named by cfg.DriverName.
func NewGenericDialer(cfg config.PoolConfig) (Dialer, error) {
	if cfg.DriverName == "" || cfg.DSN == "" {
		return nil, fmt.Errorf("%w: pool %q: generic driver requires driver_name and dsn",
			apperrors.ErrInvalidConfig, cfg.Name)
	}

	db, err := sql.Open(cfg.DriverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.DriverName, err)
	}
	return NewSQLDialer(db, cfg.DriverName, cfg.DriverName, StandardDialect), nil
}
