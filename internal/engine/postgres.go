package engine

import (
	"bufio"
	"bytes"
	"context"
	"strings"

	apperrors "dbvault/internal/errors"
	"dbvault/internal/utility"
)

// PostgresEngine drives pg_dump and pg_restore using the custom archive
// format, which carries a table of contents pg_restore can list cheaply.
type PostgresEngine struct {
	dumpBin    string
	restoreBin string
	runner     utility.Runner
}

// NewPostgresEngine creates a PostgreSQL engine
func NewPostgresEngine(dumpBin, restoreBin string, runner utility.Runner) *PostgresEngine {
	if dumpBin == "" {
		dumpBin = "pg_dump"
	}
	if restoreBin == "" {
		restoreBin = "pg_restore"
	}
	return &PostgresEngine{dumpBin: dumpBin, restoreBin: restoreBin, runner: runner}
}

// Name implements Engine
func (e *PostgresEngine) Name() string { return "postgres" }

// Extension implements Engine
func (e *PostgresEngine) Extension() string { return "dump" }

// Dump implements Engine
func (e *PostgresEngine) Dump(ctx context.Context, conn Connection, dest string) error {
	args := append(connectionArgs(conn),
		"--format=custom",
		"--compress=9",
		"--no-password",
		"--file", dest,
		conn.Database,
	)
	_, err := e.runner.Run(ctx, utility.Command{
		Name: e.dumpBin,
		Args: args,
		Env:  postgresEnv(conn),
	})
	return err
}

// ListContents implements Engine. A non-zero exit from pg_restore --list
// means the archive header or table of contents is unreadable.
func (e *PostgresEngine) ListContents(ctx context.Context, artifact string) (*Contents, error) {
	var out bytes.Buffer
	if _, err := e.runner.Run(ctx, utility.Command{
		Name:   e.restoreBin,
		Args:   []string{"--list", artifact},
		Stdout: &out,
	}); err != nil {
		return nil, err
	}

	contents := parseTOC(out.Bytes())
	if contents.Entries == 0 {
		return nil, apperrors.NewStructuralCorruptionError(artifact, nil).
			WithContext("reason", "archive table of contents is empty")
	}
	return contents, nil
}

// Restore implements Engine
func (e *PostgresEngine) Restore(ctx context.Context, conn Connection, artifact string) error {
	args := append(connectionArgs(conn),
		"--clean",
		"--if-exists",
		"--no-owner",
		"--no-password",
		"--single-transaction",
		"--exit-on-error",
		"--dbname", conn.Database,
		artifact,
	)
	_, err := e.runner.Run(ctx, utility.Command{
		Name: e.restoreBin,
		Args: args,
		Env:  postgresEnv(conn),
	})
	return err
}

func connectionArgs(conn Connection) []string {
	var args []string
	if conn.Host != "" {
		args = append(args, "--host", conn.Host)
	}
	if conn.Port > 0 {
		args = append(args, "--port", conn.port())
	}
	if conn.Username != "" {
		args = append(args, "--username", conn.Username)
	}
	return args
}

func postgresEnv(conn Connection) []string {
	var env []string
	if conn.Password != "" {
		env = append(env, "PGPASSWORD="+conn.Password)
	}
	if conn.SSLMode != "" {
		env = append(env, "PGSSLMODE="+conn.SSLMode)
	}
	return env
}

// parseTOC counts entries in pg_restore --list output. Entry lines look like
//
//	215; 1259 16386 TABLE public orders app
func parseTOC(toc []byte) *Contents {
	contents := &Contents{}
	scanner := bufio.NewScanner(bytes.NewReader(toc))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		contents.Entries++

		fields := strings.Fields(line)
		if len(fields) >= 6 && fields[3] == "TABLE" && fields[4] != "DATA" {
			contents.Tables = append(contents.Tables, fields[4]+"."+fields[5])
		}
	}
	return contents
}
