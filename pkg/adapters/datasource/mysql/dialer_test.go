package mysql

import (
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

func TestBuildDSN(t *testing.T) {
	cfg := config.PoolConfig{
		Host:     "mysql.internal",
		User:     "app",
		Password: "p@ss:word",
		Database: "shop",
		Pool:     config.PoolOptions{ConnectTimeout: 2 * time.Second},
	}

	parsed, err := mysql.ParseDSN(buildDSN(cfg))
	require.NoError(t, err)

	assert.Equal(t, "mysql.internal:3306", parsed.Addr)
	assert.Equal(t, "app", parsed.User)
	assert.Equal(t, "p@ss:word", parsed.Passwd)
	assert.Equal(t, "shop", parsed.DBName)
	assert.Equal(t, 2*time.Second, parsed.Timeout)
	assert.True(t, parsed.ParseTime)
}

func TestNewDialer(t *testing.T) {
	t.Run("valid section", func(t *testing.T) {
		dialer, err := NewDialer(config.PoolConfig{Name: "default", Host: "db", User: "u", Database: "d"})
		require.NoError(t, err)
		defer dialer.Close()

		assert.Equal(t, "mysql", dialer.GetType())
	})

	t.Run("missing database", func(t *testing.T) {
		_, err := NewDialer(config.PoolConfig{Name: "default", Host: "db"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})

	t.Run("malformed dsn", func(t *testing.T) {
		_, err := NewDialer(config.PoolConfig{Name: "default", DSN: "u:p@tcp(db:3306"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
	})
}

func TestRegistered(t *testing.T) {
	assert.True(t, datasource.IsRegistered("mysql"))
	assert.True(t, datasource.IsRegistered("MariaDB"))
}
