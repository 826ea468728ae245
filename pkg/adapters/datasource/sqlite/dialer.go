package sqlite

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

func init() {
	datasource.Register(datasource.DriverRegistration{
		Info: datasource.DriverInfo{
			Type:        "sqlite",
			DisplayName: "SQLite",
			Description: "Embedded SQLite database file (cgo)",
		},
		Aliases: []string{"sqlite3"},
		Factory: NewDialer,
	})
}

// NewDialer opens the database file named by dsn, or by database when dsn is empty.
func NewDialer(cfg config.PoolConfig) (datasource.Dialer, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = cfg.Database
	}
	if dsn == "" {
		return nil, fmt.Errorf("%w: pool %q: sqlite requires dsn or database", apperrors.ErrInvalidConfig, cfg.Name)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return datasource.NewSQLDialer(db, "sqlite3", "sqlite", datasource.StandardDialect), nil
}
