package postgres

import "github.com/ekaya-inc/ekaya-broker/pkg/adapters/datasource"

func init() {
	datasource.Register(datasource.DriverRegistration{
		Info: datasource.DriverInfo{
			Type:        "postgres",
			DisplayName: "PostgreSQL",
			Description: "Connect to PostgreSQL 12+, Aurora PostgreSQL, Supabase",
		},
		Aliases: []string{"pgsql", "postgresql"},
		Factory: NewDialer,
	})
}
