package postgres

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
	"github.com/ekaya-inc/ekaya-broker/pkg/logging"
)

// DefaultPort is the default PostgreSQL port.
const DefaultPort = 5432

// DefaultSSLMode is used when the pool section has no ssl_mode.
const DefaultSSLMode = "require"

// Dialer opens one pgx.Conn per session. The broker's pool owns the session lifecycle.
type Dialer struct {
	connConfig *pgx.ConnConfig
}

// buildConnectionString builds a PostgreSQL URL with proper escaping.
// User-provided fields are URL-escaped so passwords containing @, /, # or ?
// do not break URL parsing.
func buildConnectionString(cfg config.PoolConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = DefaultSSLMode
	}

	return fmt.Sprintf(
		"postgresql://%s:%s@%s/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Address(DefaultPort),
		url.QueryEscape(cfg.Database),
		sslMode,
	)
}

// NewDialer validates cfg and returns a Dialer. A DSN, when set, wins over the discrete fields.
func NewDialer(cfg config.PoolConfig) (datasource.Dialer, error) {
	connStr := cfg.DSN
	if connStr == "" {
		if cfg.Database == "" {
			return nil, fmt.Errorf("%w: pool %q: database is required", apperrors.ErrInvalidConfig, cfg.Name)
		}
		connStr = buildConnectionString(cfg)
	}

	connConfig, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: pool %q: %s", apperrors.ErrInvalidConfig, cfg.Name,
			logging.SanitizeError(err))
	}

	return &Dialer{connConfig: connConfig}, nil
}

// Dial connects a new session.
func (d *Dialer) Dial(ctx context.Context) (datasource.Session, error) {
	conn, err := pgx.ConnectConfig(ctx, d.connConfig.Copy())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &Session{conn: conn}, nil
}

// Close is a no-op; pgx connections are owned by their sessions.
func (d *Dialer) Close() error {
	return nil
}

// GetType returns the driver type
func (d *Dialer) GetType() string {
	return "postgres"
}

var _ datasource.Dialer = (*Dialer)(nil)
