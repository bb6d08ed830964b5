// Package dbconfig reads source chain definitions from the chain registry
// tables (chains, rpcs) so chains can be added without a config change.
package dbconfig

import (
	"database/sql"
)

type DBConfig struct {
	db *sql.DB
}

// NewDBConfig creates a new DBConfig instance on top of an open pool. The
// pool is shared with the record store and not closed by DBConfig.
//
// Parameters:
// - db: the database connection pool.
//
// Returns:
// - *DBConfig: a pointer to the newly created DBConfig instance.
func NewDBConfig(db *sql.DB) *DBConfig {
	return &DBConfig{
		db: db,
	}
}
