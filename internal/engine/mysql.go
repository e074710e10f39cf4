package engine

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"dbvault/internal/compress"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/utility"
)

const (
	mysqlDumpHeader     = "-- MySQL dump"
	mariaDBDumpHeader   = "-- MariaDB dump"
	mysqlTablePrefix    = "-- Table structure for table"
	mysqlViewPrefix     = "-- Temporary view structure for view"
	mysqlDumpTrailer    = "-- Dump completed"
	maxDumpLineCapacity = 64 * 1024 * 1024
)

// MySQLEngine drives mysqldump and the mysql client. Dumps are plain SQL
// streamed through a compressor; the structural check decompresses the
// stream and requires the dump header, table sections and the completion
// trailer that mysqldump writes last.
type MySQLEngine struct {
	dumpBin   string
	clientBin string
	algorithm compress.Algorithm
	runner    utility.Runner
}

// NewMySQLEngine creates a MySQL engine
func NewMySQLEngine(dumpBin, clientBin string, algorithm compress.Algorithm, runner utility.Runner) *MySQLEngine {
	if dumpBin == "" {
		dumpBin = "mysqldump"
	}
	if clientBin == "" {
		clientBin = "mysql"
	}
	if algorithm == "" || algorithm == compress.AlgorithmNone {
		algorithm = compress.AlgorithmGzip
	}
	return &MySQLEngine{dumpBin: dumpBin, clientBin: clientBin, algorithm: algorithm, runner: runner}
}

// Name implements Engine
func (e *MySQLEngine) Name() string { return "mysql" }

// Extension implements Engine
func (e *MySQLEngine) Extension() string { return "sql." + e.algorithm.Extension() }

// Dump implements Engine
func (e *MySQLEngine) Dump(ctx context.Context, conn Connection, dest string) (err error) {
	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create dump file: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close dump file: %w", cerr)
		}
	}()

	zw, err := compress.NewWriter(file, e.algorithm)
	if err != nil {
		return err
	}

	args := append(mysqlConnectionArgs(conn),
		"--single-transaction",
		"--routines",
		"--triggers",
		"--add-drop-table",
		conn.Database,
	)
	if _, err := e.runner.Run(ctx, utility.Command{
		Name:   e.dumpBin,
		Args:   args,
		Env:    mysqlEnv(conn),
		Stdout: zw,
	}); err != nil {
		_ = zw.Close()
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish compressed stream: %w", err)
	}
	return nil
}

// ListContents implements Engine
func (e *MySQLEngine) ListContents(ctx context.Context, artifact string) (*Contents, error) {
	file, err := os.Open(artifact)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	zr, err := compress.NewReader(file, compress.FromExtension(artifact))
	if err != nil {
		return nil, apperrors.NewStructuralCorruptionError(artifact, err)
	}
	defer zr.Close()

	contents := &Contents{}
	sawHeader, sawTrailer := false, false

	scanner := bufio.NewScanner(zr)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxDumpLineCapacity)
	for lineNo := 0; scanner.Scan(); lineNo++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "--") {
			continue
		}
		switch {
		case lineNo < 5 && (strings.HasPrefix(line, mysqlDumpHeader) || strings.HasPrefix(line, mariaDBDumpHeader)):
			sawHeader = true
		case strings.HasPrefix(line, mysqlTablePrefix):
			contents.Entries++
			contents.Tables = append(contents.Tables, backtickName(line))
		case strings.HasPrefix(line, mysqlViewPrefix):
			contents.Entries++
		case strings.HasPrefix(line, mysqlDumpTrailer):
			sawTrailer = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.NewStructuralCorruptionError(artifact, err)
	}

	switch {
	case !sawHeader:
		return nil, apperrors.NewStructuralCorruptionError(artifact, nil).
			WithContext("reason", "missing mysqldump header")
	case !sawTrailer:
		return nil, apperrors.NewStructuralCorruptionError(artifact, nil).
			WithContext("reason", "dump is truncated: completion trailer not found")
	}
	return contents, nil
}

// Restore implements Engine. mysqldump output drops and recreates each
// table, which gives replace-existing semantics.
func (e *MySQLEngine) Restore(ctx context.Context, conn Connection, artifact string) error {
	file, err := os.Open(artifact)
	if err != nil {
		return err
	}
	defer file.Close()

	zr, err := compress.NewReader(file, compress.FromExtension(artifact))
	if err != nil {
		return apperrors.NewStructuralCorruptionError(artifact, err)
	}
	defer zr.Close()

	args := append(mysqlConnectionArgs(conn), "--database", conn.Database)
	_, err = e.runner.Run(ctx, utility.Command{
		Name:  e.clientBin,
		Args:  args,
		Env:   mysqlEnv(conn),
		Stdin: zr,
	})
	return err
}

func mysqlConnectionArgs(conn Connection) []string {
	var args []string
	if conn.Host != "" {
		args = append(args, "--host", conn.Host)
	}
	if conn.Port > 0 {
		args = append(args, "--port", conn.port())
	}
	if conn.Username != "" {
		args = append(args, "--user", conn.Username)
	}
	return args
}

func mysqlEnv(conn Connection) []string {
	if conn.Password == "" {
		return nil
	}
	return []string{"MYSQL_PWD=" + conn.Password}
}

func backtickName(line string) string {
	start := strings.IndexByte(line, '`')
	end := strings.LastIndexByte(line, '`')
	if start < 0 || end <= start {
		return ""
	}
	return line[start+1 : end]
}
