package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeTransientIO represents network or object storage hiccups
	ErrorTypeTransientIO ErrorType = "transient_io"
	// ErrorTypeStructuralCorruption represents a dump whose table of contents cannot be read
	ErrorTypeStructuralCorruption ErrorType = "structural_corruption"
	// ErrorTypeChecksumMismatch represents an artifact whose digest differs from the catalog
	ErrorTypeChecksumMismatch ErrorType = "checksum_mismatch"
	// ErrorTypeTargetConflict represents an existing target or catalog name that must not be overwritten
	ErrorTypeTargetConflict ErrorType = "target_conflict"
	// ErrorTypeUtilityExecution represents a failed or timed out dump/restore utility
	ErrorTypeUtilityExecution ErrorType = "utility_execution"
	// ErrorTypeTargetBusy represents a target already locked by another restore or rollback
	ErrorTypeTargetBusy ErrorType = "target_busy"
	// ErrorTypeUnverifiable represents a backup without a recorded checksum
	ErrorTypeUnverifiable ErrorType = "unverifiable"
	// ErrorTypeNotFound represents a missing backup or database
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConfiguration represents invalid or incomplete configuration
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeConnection represents database connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeSQL represents SQL execution errors
	ErrorTypeSQL ErrorType = "sql"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypePermission represents permission/access errors
	ErrorTypePermission ErrorType = "permission"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInterruption represents user interruption
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
	UserMessage string
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// GetUserMessage returns a user-friendly error message
func (e *AppError) GetUserMessage() string {
	if e.UserMessage != "" {
		return e.UserMessage
	}
	return e.Message
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithUserMessage sets the message shown on the command line
func (e *AppError) WithUserMessage(msg string) *AppError {
	e.UserMessage = msg
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// NewTransientIOError reports a storage or network failure. It is surfaced to
// the caller and never retried by the backup layer.
func NewTransientIOError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeTransientIO, message, cause)
}

// NewStructuralCorruptionError reports a dump that failed its table of contents check
func NewStructuralCorruptionError(artifact string, cause error) *AppError {
	return NewAppError(ErrorTypeStructuralCorruption,
		fmt.Sprintf("backup artifact %s is structurally corrupt", artifact), cause).
		WithContext("artifact", artifact)
}

// NewChecksumMismatchError reports a digest mismatch
func NewChecksumMismatchError(artifact, expected, actual string) *AppError {
	return NewAppError(ErrorTypeChecksumMismatch,
		fmt.Sprintf("checksum mismatch for %s", artifact), nil).
		WithContext("artifact", artifact).
		WithContext("expected", expected).
		WithContext("actual", actual)
}

// NewTargetConflictError reports a target that already exists
func NewTargetConflictError(target string) *AppError {
	return NewAppError(ErrorTypeTargetConflict,
		fmt.Sprintf("target %s already exists", target), nil).
		WithContext("target", target).
		WithUserMessage(fmt.Sprintf("Target %s already exists; rerun with --force to replace its contents", target))
}

// NewTargetBusyError reports a target locked by an in-flight operation
func NewTargetBusyError(target string) *AppError {
	return NewAppError(ErrorTypeTargetBusy,
		fmt.Sprintf("another restore or rollback is in progress for %s", target), nil).
		WithContext("target", target)
}

// NewUnverifiableError reports a backup that carries no checksum
func NewUnverifiableError(artifact string) *AppError {
	return NewAppError(ErrorTypeUnverifiable,
		fmt.Sprintf("backup %s has no recorded checksum", artifact), nil).
		WithContext("artifact", artifact)
}

// NewNotFoundError reports a missing backup, object or database
func NewNotFoundError(what string, cause error) *AppError {
	return NewAppError(ErrorTypeNotFound, fmt.Sprintf("%s not found", what), cause)
}

// NewUtilityExecutionError wraps a UtilityError
func NewUtilityExecutionError(uerr *UtilityError) *AppError {
	msg := fmt.Sprintf("%s exited with code %d", uerr.Command, uerr.ExitCode)
	if uerr.TimedOut {
		msg = fmt.Sprintf("%s timed out", uerr.Command)
	}
	appErr := NewAppError(ErrorTypeUtilityExecution, msg, uerr).
		WithContext("command", uerr.Command).
		WithContext("exit_code", uerr.ExitCode)
	if uerr.Stderr != "" {
		appErr.WithContext("stderr", uerr.Stderr)
	}
	return appErr
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var utilErr *UtilityError
	if errors.As(err, &utilErr) {
		return NewUtilityExecutionError(utilErr)
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	if pgErr := ec.classifyPostgresError(err); pgErr != nil {
		return pgErr
	}

	if netErr := ec.classifyNetworkError(err); netErr != nil {
		return netErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyMySQLError classifies MySQL-specific errors
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1044, 1045: // Access denied
			return NewAppError(ErrorTypePermission,
				"Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1049: // Unknown database
			return NewAppError(ErrorTypeNotFound,
				"Database does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1007: // Database exists
			return NewAppError(ErrorTypeTargetConflict,
				"Database already exists", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003:
			return NewRecoverableError(ErrorTypeConnection,
				"Cannot connect to MySQL server - server may be down or unreachable", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2006:
			return NewRecoverableError(ErrorTypeConnection,
				"MySQL server connection lost", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewAppError(ErrorTypeSQL,
				fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return NewAppError(ErrorTypeNotFound, "No rows found", err)
	}
	if errors.Is(err, sql.ErrConnDone) {
		return NewRecoverableError(ErrorTypeConnection, "Database connection is closed", err)
	}

	return nil
}

// classifyPostgresError classifies errors by SQLSTATE
func (ec *ErrorClassifier) classifyPostgresError(err error) *AppError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	switch {
	case pgErr.Code == "42P04":
		return NewAppError(ErrorTypeTargetConflict, "Database already exists", err).
			WithContext("sqlstate", pgErr.Code)
	case pgErr.Code == "3D000":
		return NewAppError(ErrorTypeNotFound, "Database does not exist", err).
			WithContext("sqlstate", pgErr.Code)
	case pgErr.Code == "42501" || pgErr.Code == "28P01" || pgErr.Code == "28000":
		return NewAppError(ErrorTypePermission,
			"Database access denied - check role privileges and credentials", err).
			WithContext("sqlstate", pgErr.Code)
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
		return NewRecoverableError(ErrorTypeConnection, "PostgreSQL connection failure", err).
			WithContext("sqlstate", pgErr.Code)
	case pgErr.Code == "57P01" || pgErr.Code == "57P03":
		return NewRecoverableError(ErrorTypeConnection, "PostgreSQL server is not accepting connections", err).
			WithContext("sqlstate", pgErr.Code)
	default:
		return NewAppError(ErrorTypeSQL,
			fmt.Sprintf("PostgreSQL error: %s", pgErr.Message), err).
			WithContext("sqlstate", pgErr.Code)
	}
}

// classifyNetworkError classifies network-related errors
func (ec *ErrorClassifier) classifyNetworkError(err error) *AppError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewRecoverableError(ErrorTypeTimeout, "Network operation timed out", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return NewRecoverableError(ErrorTypeConnection,
				"Failed to establish network connection", err)
		case "read", "write":
			return NewRecoverableError(ErrorTypeTransientIO,
				"Network I/O error", err)
		}
	}

	return nil
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRecoverableError(ErrorTypeTimeout,
			"Operation timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption,
			"Operation was canceled", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewAppError(ErrorTypeNotFound,
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewAppError(ErrorTypePermission,
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewAppError(ErrorTypeTransientIO,
				"No space left on device", err)
		}
	}

	return nil
}

// IsDuplicateDatabase reports whether err is the engine's structured
// "database already exists" error (MySQL 1007, SQLSTATE 42P04).
func IsDuplicateDatabase(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1007
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P04"
	}
	return false
}

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	}
}

// RetryHandler provides retry functionality for operations
type RetryHandler struct {
	config     RetryConfig
	classifier *ErrorClassifier
}

// NewRetryHandler creates a new retry handler
func NewRetryHandler(config RetryConfig) *RetryHandler {
	return &RetryHandler{
		config:     config,
		classifier: NewErrorClassifier(),
	}
}

// NewDefaultRetryHandler creates a retry handler with default configuration
func NewDefaultRetryHandler() *RetryHandler {
	return NewRetryHandler(DefaultRetryConfig())
}

// Retry executes a function with retry logic for recoverable errors.
// Only connection setup goes through here; backup and restore surface
// transient failures to their caller instead.
func (rh *RetryHandler) Retry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 1; attempt <= rh.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}

		lastErr = err
		appErr := rh.classifier.ClassifyError(err)
		if !appErr.IsRecoverable() {
			return appErr
		}

		if attempt == rh.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return NewAppError(ErrorTypeInterruption, "Operation canceled during retry", ctx.Err())
		case <-time.After(rh.calculateDelay(attempt)):
		}
	}

	return rh.classifier.ClassifyError(lastErr).
		WithContext("attempts", rh.config.MaxAttempts)
}

// calculateDelay calculates the delay for a given attempt using exponential backoff
func (rh *RetryHandler) calculateDelay(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= rh.config.Multiplier
	}

	delay := time.Duration(float64(rh.config.BaseDelay) * multiplier)
	if delay > rh.config.MaxDelay {
		delay = rh.config.MaxDelay
	}
	return delay
}

// SignalContext returns a context canceled on SIGINT or SIGTERM. The returned
// stop function releases the signal handler.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	var utilErr *UtilityError
	if errors.As(err, &utilErr) {
		return ErrorTypeUtilityExecution
	}
	return ErrorTypeUnknown
}

// IsType reports whether any AppError in err's chain has the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == errorType {
			return true
		}
		err = appErr.Cause
	}
	return false
}

// FormatUserError formats an error for display to users
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		msg := appErr.GetUserMessage()
		var utilErr *UtilityError
		if errors.As(err, &utilErr) && utilErr.Stderr != "" {
			msg = fmt.Sprintf("%s\n%s", msg, utilErr.Stderr)
		}
		return msg
	}

	return fmt.Sprintf("An unexpected error occurred: %v", err)
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return NewAppError(appErr.Type, message, err)
	}

	classifier := NewErrorClassifier()
	classifiedErr := classifier.ClassifyError(err)
	return NewAppError(classifiedErr.Type, message, err)
}
