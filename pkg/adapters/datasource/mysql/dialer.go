package mysql

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

// DefaultPort is the default MySQL port.
const DefaultPort = 3306

func init() {
	datasource.Register(datasource.DriverRegistration{
		Info: datasource.DriverInfo{
			Type:        "mysql",
			DisplayName: "MySQL",
			Description: "Connect to MySQL 5.7+, MariaDB, Aurora MySQL",
		},
		Aliases: []string{"mariadb"},
		Factory: NewDialer,
	})
}

// buildDSN renders the pool section as a go-sql-driver DSN.
func buildDSN(cfg config.PoolConfig) string {
	mc := mysql.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = cfg.Address(DefaultPort)
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Timeout = cfg.Pool.ConnectTimeout
	if cfg.SSLMode != "" && cfg.SSLMode != "disable" {
		mc.TLSConfig = "true"
	}
	return mc.FormatDSN()
}

// NewDialer opens a database/sql handle for the pool. Sessions are dialled lazily.
func NewDialer(cfg config.PoolConfig) (datasource.Dialer, error) {
	dsn := cfg.DSN
	if dsn == "" {
		if cfg.Database == "" {
			return nil, fmt.Errorf("%w: pool %q: database is required", apperrors.ErrInvalidConfig, cfg.Name)
		}
		dsn = buildDSN(cfg)
	}

	if _, err := mysql.ParseDSN(dsn); err != nil {
		return nil, fmt.Errorf("%w: pool %q: %v", apperrors.ErrInvalidConfig, cfg.Name, err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	return datasource.NewSQLDialer(db, "mysql", "mysql", datasource.StandardDialect), nil
}
