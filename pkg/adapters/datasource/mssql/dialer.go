package mssql

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

// DefaultPort is the default SQL Server port.
const DefaultPort = 1433

func init() {
	datasource.Register(datasource.DriverRegistration{
		Info: datasource.DriverInfo{
			Type:        "mssql",
			DisplayName: "Microsoft SQL Server",
			Description: "Connect to SQL Server 2016+, Azure SQL Database",
		},
		Aliases: []string{"sqlserver"},
		Factory: NewDialer,
	})
}

// buildConnectionString builds a sqlserver:// URL with SQL authentication.
func buildConnectionString(cfg config.PoolConfig) string {
	query := url.Values{}
	query.Add("database", cfg.Database)

	if cfg.SSLMode == "disable" {
		query.Add("encrypt", "disable")
	} else {
		query.Add("encrypt", "true")
	}

	if secs := int(cfg.Pool.ConnectTimeout.Seconds()); secs > 0 {
		query.Add("dial timeout", fmt.Sprint(secs))
	}

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     cfg.Address(DefaultPort),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// NewDialer opens a database/sql handle for the pool. T-SQL savepoints are used for nesting.
func NewDialer(cfg config.PoolConfig) (datasource.Dialer, error) {
	connStr := cfg.DSN
	if connStr == "" {
		if cfg.Database == "" {
			return nil, fmt.Errorf("%w: pool %q: database is required", apperrors.ErrInvalidConfig, cfg.Name)
		}
		connStr = buildConnectionString(cfg)
	}

	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %q: %v", apperrors.ErrInvalidConfig, cfg.Name, err)
	}
	return datasource.NewSQLDialer(db, "sqlserver", "mssql", datasource.SQLServerDialect), nil
}
