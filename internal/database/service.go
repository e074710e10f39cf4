package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ValidateIdentifier rejects database and table names that would need
// escaping. Names are interpolated into DDL, so only plain identifiers pass.
func ValidateIdentifier(name string) error {
	if !identifierPattern.MatchString(name) {
		return apperrors.NewAppError(apperrors.ErrorTypeValidation,
			fmt.Sprintf("invalid identifier %q: only letters, digits and underscores are allowed", name), nil)
	}
	return nil
}

// OpenFunc opens a database handle; sql.Open in production
type OpenFunc func(driverName, dsn string) (*sql.DB, error)

// Manager prepares and inspects restore targets
type Manager struct {
	dialect      Dialect
	conn         ConnConfig
	open         OpenFunc
	logger       *logging.Logger
	retryHandler *apperrors.RetryHandler
}

// NewManager creates a manager for the given dialect
func NewManager(dialect Dialect, conn ConnConfig, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if conn.Timeout <= 0 {
		conn.Timeout = 10 * time.Second
	}
	return &Manager{
		dialect:      dialect,
		conn:         conn,
		open:         sql.Open,
		logger:       logger,
		retryHandler: apperrors.NewDefaultRetryHandler(),
	}
}

// WithOpener replaces the function used to open connections
func (m *Manager) WithOpener(open OpenFunc) *Manager {
	m.open = open
	return m
}

// WithRetryConfig replaces the connection retry policy
func (m *Manager) WithRetryConfig(cfg apperrors.RetryConfig) *Manager {
	m.retryHandler = apperrors.NewRetryHandler(cfg)
	return m
}

// Dialect returns the manager's dialect
func (m *Manager) Dialect() Dialect {
	return m.dialect
}

// connect opens and pings a connection to database ("" for the maintenance database)
func (m *Manager) connect(ctx context.Context, database string) (*sql.DB, error) {
	start := time.Now()
	var db *sql.DB

	err := m.retryHandler.Retry(ctx, func() error {
		handle, err := m.open(m.dialect.DriverName(), m.dialect.DSN(m.conn, database))
		if err != nil {
			return apperrors.WrapError(err, "failed to open database connection")
		}
		handle.SetMaxOpenConns(2)
		handle.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, m.conn.Timeout)
		defer cancel()
		if err := handle.PingContext(pingCtx); err != nil {
			handle.Close()
			return err
		}
		db = handle
		return nil
	})

	m.logger.LogDatabaseConnection(m.conn.Host, database, err == nil, time.Since(start), err)
	if err != nil {
		return nil, apperrors.WrapError(err, fmt.Sprintf("failed to connect to %s", m.conn.Host))
	}
	return db, nil
}

// Ping verifies the server is reachable with the configured credentials
func (m *Manager) Ping(ctx context.Context) error {
	db, err := m.connect(ctx, "")
	if err != nil {
		return err
	}
	return db.Close()
}

// Exists reports whether database name exists on the server
func (m *Manager) Exists(ctx context.Context, name string) (bool, error) {
	if err := ValidateIdentifier(name); err != nil {
		return false, err
	}

	db, err := m.connect(ctx, "")
	if err != nil {
		return false, err
	}
	defer db.Close()

	return m.exists(ctx, db, name)
}

func (m *Manager) exists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, m.dialect.ExistsQuery(), name).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, apperrors.WrapError(err, fmt.Sprintf("failed to check whether %s exists", name))
	default:
		return true, nil
	}
}

// Ensure creates database name unless it already exists. It checks for the
// database explicitly before creating it; a concurrent creation reported
// through the engine's duplicate-database code also counts as success.
// Any other creation error is returned. created reports whether this call
// created the database.
func (m *Manager) Ensure(ctx context.Context, name string) (created bool, err error) {
	if err := ValidateIdentifier(name); err != nil {
		return false, err
	}

	db, err := m.connect(ctx, "")
	if err != nil {
		return false, err
	}
	defer db.Close()

	exists, err := m.exists(ctx, db, name)
	if err != nil {
		return false, err
	}
	if exists {
		m.logger.WithField("database", name).Debug("Target database already exists")
		return false, nil
	}

	if _, err := db.ExecContext(ctx, m.dialect.CreateDatabase(name)); err != nil {
		if apperrors.IsDuplicateDatabase(err) {
			m.logger.WithField("database", name).Info("Target database was created concurrently")
			return false, nil
		}
		return false, apperrors.WrapError(err, fmt.Sprintf("failed to create database %s", name))
	}

	m.logger.WithField("database", name).Info("Created target database")
	return true, nil
}

// SmokeCheck confirms database name is queryable and holds user tables.
// It returns the number of user tables found; zero is an error.
func (m *Manager) SmokeCheck(ctx context.Context, name string) (int64, error) {
	if err := ValidateIdentifier(name); err != nil {
		return 0, err
	}

	db, err := m.connect(ctx, name)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int64
	if err := db.QueryRowContext(ctx, m.dialect.SmokeQuery()).Scan(&count); err != nil {
		return 0, apperrors.WrapError(err, fmt.Sprintf("smoke query failed on %s", name))
	}
	if count == 0 {
		return 0, apperrors.NewAppError(apperrors.ErrorTypeValidation,
			fmt.Sprintf("database %s contains no user tables", name), nil).
			WithContext("database", name)
	}
	return count, nil
}

// CountRows returns the number of rows in table within database
func (m *Manager) CountRows(ctx context.Context, database, table string) (int64, error) {
	if err := ValidateIdentifier(database); err != nil {
		return 0, err
	}
	if err := ValidateIdentifier(table); err != nil {
		return 0, err
	}

	db, err := m.connect(ctx, database)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int64
	if err := db.QueryRowContext(ctx, m.dialect.CountRowsQuery(table)).Scan(&count); err != nil {
		return 0, apperrors.WrapError(err, fmt.Sprintf("failed to count rows in %s.%s", database, table))
	}
	return count, nil
}
