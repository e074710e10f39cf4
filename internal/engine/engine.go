// Package engine wraps the native dump and restore utilities of each
// supported database engine.
package engine

import (
	"context"
	"fmt"
	"strconv"

	"dbvault/internal/compress"
	"dbvault/internal/config"
	"dbvault/internal/utility"
)

// Connection holds the parameters passed to the native utilities.
// Password travels through the environment, never through argv.
type Connection struct {
	Host     string
	Port     int
	Username string
	Password string
	Database string
	SSLMode  string
}

// WithDatabase returns a copy of c pointing at another database
func (c Connection) WithDatabase(name string) Connection {
	c.Database = name
	return c
}

func (c Connection) port() string {
	return strconv.Itoa(c.Port)
}

// Contents is the structural listing of a dump
type Contents struct {
	Entries int
	Tables  []string
}

// Engine dumps, lists and restores databases with native tooling
type Engine interface {
	// Name returns the engine identifier stored in backup metadata
	Name() string
	// Extension returns the artifact extension without a leading dot
	Extension() string
	// Dump writes a maximally compressed dump of conn.Database to dest
	Dump(ctx context.Context, conn Connection, dest string) error
	// ListContents reads the dump's table of contents without restoring data
	ListContents(ctx context.Context, artifact string) (*Contents, error)
	// Restore loads artifact into conn.Database, replacing existing objects
	Restore(ctx context.Context, conn Connection, artifact string) error
}

// New builds the engine selected by name
func New(name string, utilities config.UtilitiesConfig, runner utility.Runner) (Engine, error) {
	switch name {
	case "postgres", "postgresql":
		return NewPostgresEngine(utilities.PgDump, utilities.PgRestore, runner), nil
	case "mysql", "mariadb":
		algo, err := compress.Parse(utilities.Compression)
		if err != nil {
			return nil, err
		}
		return NewMySQLEngine(utilities.MySQLDump, utilities.MySQL, algo, runner), nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", name)
	}
}
