package datasource

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/config"
)

// DriverInfo describes a registered driver.
type DriverInfo struct {
	Type        string `json:"type"`         // "postgres", "mysql", "mssql"
	DisplayName string `json:"display_name"` // "PostgreSQL", "MySQL"
	Description string `json:"description"`
}

// DialerFactory builds a Dialer for one pool section.
type DialerFactory func(cfg config.PoolConfig) (Dialer, error)

// DriverRegistration contains info + the dialer factory for a driver.
type DriverRegistration struct {
	Info    DriverInfo
	Aliases []string
	Factory DialerFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]DriverRegistration)
	aliases    = make(map[string]string)
)

// Register is called by each driver's init() function.
// Thread-safe for concurrent init() calls.
func Register(reg DriverRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()

	key := strings.ToLower(reg.Info.Type)
	registry[key] = reg
	for _, alias := range reg.Aliases {
		aliases[strings.ToLower(alias)] = key
	}
}

// RegisteredDrivers returns info for all registered drivers, sorted by type.
func RegisteredDrivers() []DriverInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]DriverInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// GetFactory returns the factory for a driver type or alias.
// Returns nil if the driver is not registered.
func GetFactory(driver string) DialerFactory {
	registryMu.RLock()
	defer registryMu.RUnlock()

	key := strings.ToLower(driver)
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	if reg, ok := registry[key]; ok {
		return reg.Factory
	}
	return nil
}

// IsRegistered checks if a driver type or alias is available.
func IsRegistered(driver string) bool {
	return GetFactory(driver) != nil
}

// ResolveFactory maps a configured driver identifier to a dialer factory.
// Registered drivers win; otherwise a database/sql driver registered under the
// same name is served through the generic session. Anything else is ErrDriverNotFound.
func ResolveFactory(driver string) (DialerFactory, error) {
	if factory := GetFactory(driver); factory != nil {
		return factory, nil
	}

	for _, name := range sql.Drivers() {
		if name == driver {
			return func(cfg config.PoolConfig) (Dialer, error) {
				cfg.DriverName = driver
				return NewGenericDialer(cfg)
			}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", apperrors.ErrDriverNotFound, driver)
}
