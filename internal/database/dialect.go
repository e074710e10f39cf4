package database

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// ConnConfig holds server-level connection parameters
type ConnConfig struct {
	Host          string
	Port          int
	Username      string
	Password      string
	SSLMode       string
	MaintenanceDB string
	Timeout       time.Duration
}

// Dialect captures the SQL differences between engines
type Dialect interface {
	Name() string
	DriverName() string
	DSN(cfg ConnConfig, database string) string
	ExistsQuery() string
	CreateDatabase(name string) string
	SmokeQuery() string
	CountRowsQuery(table string) string
}

// DialectFor returns the dialect for an engine name
func DialectFor(engine string) (Dialect, error) {
	switch engine {
	case "postgres", "postgresql":
		return PostgresDialect{}, nil
	case "mysql", "mariadb":
		return MySQLDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported database engine: %s", engine)
	}
}

// PostgresDialect talks to PostgreSQL through pgx's database/sql driver
type PostgresDialect struct{}

func (PostgresDialect) Name() string       { return "postgres" }
func (PostgresDialect) DriverName() string { return "pgx" }

func (PostgresDialect) DSN(cfg ConnConfig, database string) string {
	if database == "" {
		database = cfg.MaintenanceDB
	}
	if database == "" {
		database = "postgres"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.Username, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/" + database,
	}
	q := url.Values{}
	if cfg.SSLMode != "" {
		q.Set("sslmode", cfg.SSLMode)
	}
	if cfg.Timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(cfg.Timeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (PostgresDialect) ExistsQuery() string {
	return "SELECT 1 FROM pg_catalog.pg_database WHERE datname = $1"
}

func (PostgresDialect) CreateDatabase(name string) string {
	return fmt.Sprintf(`CREATE DATABASE "%s"`, name)
}

func (PostgresDialect) SmokeQuery() string {
	return "SELECT COUNT(*) FROM pg_catalog.pg_tables WHERE schemaname NOT IN ('pg_catalog', 'information_schema')"
}

func (PostgresDialect) CountRowsQuery(table string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)
}

// MySQLDialect talks to MySQL and MariaDB through go-sql-driver/mysql
type MySQLDialect struct{}

func (MySQLDialect) Name() string       { return "mysql" }
func (MySQLDialect) DriverName() string { return "mysql" }

func (MySQLDialect) DSN(cfg ConnConfig, database string) string {
	mc := mysql.NewConfig()
	mc.User = cfg.Username
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = database
	mc.ParseTime = true
	if cfg.Timeout > 0 {
		mc.Timeout = cfg.Timeout
	}
	return mc.FormatDSN()
}

func (MySQLDialect) ExistsQuery() string {
	return "SELECT 1 FROM information_schema.SCHEMATA WHERE SCHEMA_NAME = ?"
}

func (MySQLDialect) CreateDatabase(name string) string {
	return fmt.Sprintf("CREATE DATABASE `%s`", name)
}

func (MySQLDialect) SmokeQuery() string {
	return "SELECT COUNT(*) FROM information_schema.TABLES WHERE TABLE_SCHEMA = DATABASE()"
}

func (MySQLDialect) CountRowsQuery(table string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)
}
