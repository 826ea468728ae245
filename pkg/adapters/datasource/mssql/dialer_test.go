package mssql

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

func TestBuildConnectionString(t *testing.T) {
	cfg := config.PoolConfig{
		Host:     "sql.internal",
		User:     "sa",
		Password: "Str0ng#Pass",
		Database: "ledger",
		SSLMode:  "disable",
		Pool:     config.PoolOptions{ConnectTimeout: 10 * time.Second},
	}

	u, err := url.Parse(buildConnectionString(cfg))
	require.NoError(t, err)

	assert.Equal(t, "sqlserver", u.Scheme)
	assert.Equal(t, "sql.internal:1433", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "Str0ng#Pass", pw)
	assert.Equal(t, "ledger", u.Query().Get("database"))
	assert.Equal(t, "disable", u.Query().Get("encrypt"))
	assert.Equal(t, "10", u.Query().Get("dial timeout"))
}

func TestBuildConnectionString_EncryptsByDefault(t *testing.T) {
	u, err := url.Parse(buildConnectionString(config.PoolConfig{Host: "h", Database: "d"}))
	require.NoError(t, err)
	assert.Equal(t, "true", u.Query().Get("encrypt"))
}

func TestNewDialer(t *testing.T) {
	dialer, err := NewDialer(config.PoolConfig{Name: "ledger", Host: "h", User: "sa", Database: "d"})
	require.NoError(t, err)
	defer dialer.Close()
	assert.Equal(t, "mssql", dialer.GetType())

	_, err = NewDialer(config.PoolConfig{Name: "ledger", Host: "h"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidConfig)
}

func TestRegistered(t *testing.T) {
	assert.True(t, datasource.IsRegistered("mssql"))
	assert.True(t, datasource.IsRegistered("sqlserver"))
}
