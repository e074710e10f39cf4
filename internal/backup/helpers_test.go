package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"dbvault/internal/config"
	"dbvault/internal/engine"
	apperrors "dbvault/internal/errors"
	"dbvault/internal/logging"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"
)

const fakeDumpHeader = "-- fakedump v1"

// fakeDump is the body the fake engine writes after its header line
type fakeDump struct {
	Database string           `json:"database"`
	Tables   map[string]int64 `json:"tables"`
}

// fakeCluster is an in-memory database server shared by the fake engine
// and the target manager. It records every restore so tests can check
// that writes to one target never interleave.
type fakeCluster struct {
	mu        sync.Mutex
	dbs       map[string]map[string]int64
	events    []string
	existsErr error
	ensureErr error
	smokeErr  error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{dbs: make(map[string]map[string]int64)}
}

func (c *fakeCluster) set(db string, tables map[string]int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(map[string]int64, len(tables))
	for k, v := range tables {
		cp[k] = v
	}
	c.dbs[db] = cp
}

func (c *fakeCluster) tables(db string) map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	tables, ok := c.dbs[db]
	if !ok {
		return nil
	}
	cp := make(map[string]int64, len(tables))
	for k, v := range tables {
		cp[k] = v
	}
	return cp
}

func (c *fakeCluster) record(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *fakeCluster) eventLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func (c *fakeCluster) Exists(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.existsErr != nil {
		return false, c.existsErr
	}
	_, ok := c.dbs[name]
	return ok, nil
}

func (c *fakeCluster) Ensure(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ensureErr != nil {
		return false, c.ensureErr
	}
	if _, ok := c.dbs[name]; ok {
		return false, nil
	}
	c.dbs[name] = map[string]int64{}
	return true, nil
}

func (c *fakeCluster) SmokeCheck(ctx context.Context, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.smokeErr != nil {
		return 0, c.smokeErr
	}
	tables, ok := c.dbs[name]
	if !ok {
		return 0, apperrors.NewNotFoundError("database "+name, nil)
	}
	return int64(len(tables)), nil
}

func (c *fakeCluster) CountRows(ctx context.Context, database, table string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rows, ok := c.dbs[database][table]
	if !ok {
		return 0, apperrors.NewNotFoundError("table "+database+"."+table, nil)
	}
	return rows, nil
}

// smokeOnlyTargets hides CountRows from the orchestrator
type smokeOnlyTargets struct {
	TargetManager
}

// fakeEngine dumps and restores fakeCluster databases. Dumps are a header
// line, a JSON body line and optional padding.
type fakeEngine struct {
	cluster *fakeCluster

	mu          sync.Mutex
	dumpErr     error
	restoreErr  error
	restoreLeft int
	padding     int
	restoreGate chan struct{}
	restoring   chan string
	dumps       int
	restores    int
}

func newFakeEngine(cluster *fakeCluster) *fakeEngine {
	return &fakeEngine{cluster: cluster}
}

func (e *fakeEngine) Name() string      { return "fake" }
func (e *fakeEngine) Extension() string { return "sql.gz" }

func (e *fakeEngine) setDumpErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dumpErr = err
}

func (e *fakeEngine) setRestoreErr(err error) {
	e.failRestores(err, -1)
}

// failRestores makes the next n restores fail with err; n < 0 means all
func (e *fakeEngine) failRestores(err error, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.restoreErr = err
	e.restoreLeft = n
}

func (e *fakeEngine) Dump(ctx context.Context, conn engine.Connection, dest string) error {
	e.mu.Lock()
	e.dumps++
	dumpErr, padding := e.dumpErr, e.padding
	e.mu.Unlock()

	if dumpErr != nil {
		// a failed utility may leave a partial artifact behind
		_ = os.WriteFile(dest, []byte(fakeDumpHeader+"\n{"), 0600)
		return dumpErr
	}
	tables := e.cluster.tables(conn.Database)
	if tables == nil {
		return apperrors.NewNotFoundError("database "+conn.Database, nil)
	}
	return writeFakeDump(dest, fakeDump{Database: conn.Database, Tables: tables}, padding)
}

func (e *fakeEngine) ListContents(ctx context.Context, artifact string) (*engine.Contents, error) {
	dump, err := readFakeDump(artifact)
	if err != nil {
		return nil, apperrors.NewStructuralCorruptionError(filepath.Base(artifact), err)
	}
	contents := &engine.Contents{Entries: len(dump.Tables)}
	for name := range dump.Tables {
		contents.Tables = append(contents.Tables, name)
	}
	sort.Strings(contents.Tables)
	return contents, nil
}

func (e *fakeEngine) Restore(ctx context.Context, conn engine.Connection, artifact string) error {
	e.mu.Lock()
	e.restores++
	restoreErr, gate, restoring := e.restoreErr, e.restoreGate, e.restoring
	if e.restoreLeft > 0 {
		e.restoreLeft--
		if e.restoreLeft == 0 {
			e.restoreErr = nil
		}
	}
	e.mu.Unlock()

	e.cluster.record("begin:" + conn.Database)
	defer e.cluster.record("end:" + conn.Database)

	if restoring != nil {
		restoring <- conn.Database
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if restoreErr != nil {
		// the utility got part of the way through before failing
		e.cluster.set(conn.Database, map[string]int64{"half_restored": 1})
		return restoreErr
	}
	dump, err := readFakeDump(artifact)
	if err != nil {
		return err
	}
	e.cluster.set(conn.Database, dump.Tables)
	return nil
}

func (e *fakeEngine) counts() (dumps, restores int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dumps, e.restores
}

func writeFakeDump(path string, dump fakeDump, padding int) error {
	body, err := json.Marshal(dump)
	if err != nil {
		return err
	}
	data := []byte(fakeDumpHeader + "\n" + string(body) + "\n")
	if padding > len(data) {
		data = append(data, []byte(strings.Repeat("-", padding-len(data)))...)
	}
	return os.WriteFile(path, data, 0600)
}

func readFakeDump(path string) (*fakeDump, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	r := bufio.NewReader(file)
	header, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(header) != fakeDumpHeader {
		return nil, fmt.Errorf("missing dump header")
	}
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("truncated dump body: %w", err)
	}
	var dump fakeDump
	if err := json.Unmarshal([]byte(line), &dump); err != nil {
		return nil, fmt.Errorf("unreadable dump body: %w", err)
	}
	return &dump, nil
}

// recordingMetrics captures measurements for assertions
type recordingMetrics struct {
	mu            sync.Mutex
	backups       []bool
	restores      []string
	started       int
	verifications []string
	verifyTimes   []time.Duration
	rollbacks     []string
	ages          []time.Duration
}

func (m *recordingMetrics) BackupCompleted(success bool, size int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backups = append(m.backups, success)
}

func (m *recordingMetrics) RestoreStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RestoreFinished(success bool, reason string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		reason = "ok"
	}
	m.restores = append(m.restores, reason)
}

func (m *recordingMetrics) VerificationCompleted(result string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifications = append(m.verifications, result)
	m.verifyTimes = append(m.verifyTimes, duration)
}

func (m *recordingMetrics) RollbackCompleted(outcome string, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks = append(m.rollbacks, outcome)
}

func (m *recordingMetrics) ObserveBackupAge(age time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ages = append(m.ages, age)
}

// recordingNotifier captures events
type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) last() Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return Event{}
	}
	return n.events[len(n.events)-1]
}

var testEpoch = time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)

// testEnv wires every component over a local store and the fakes
type testEnv struct {
	store    *LocalStorage
	catalog  *Catalog
	cluster  *fakeCluster
	engine   *fakeEngine
	clock    *testclock.Clock
	metrics  *recordingMetrics
	notifier *recordingNotifier
	workDir  string
	deps     Deps

	creator      *Creator
	verifier     *Verifier
	orchestrator *Orchestrator
	rollback     *RollbackCoordinator
}

func newTestEnv(t *testing.T, lockMode string) *testEnv {
	t.Helper()

	root := t.TempDir()
	store, err := NewLocalStorage(filepath.Join(root, "store"))
	require.NoError(t, err)
	workDir := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(workDir, 0750))

	logger := logging.NewNopLogger()
	env := &testEnv{
		store:    store,
		catalog:  NewCatalog(store, "backups/", logger),
		cluster:  newFakeCluster(),
		clock:    testclock.NewClock(testEpoch),
		metrics:  &recordingMetrics{},
		notifier: &recordingNotifier{},
		workDir:  workDir,
	}
	env.engine = newFakeEngine(env.cluster)
	env.deps = Deps{
		Catalog:  env.catalog,
		Engine:   env.engine,
		Conn:     engine.Connection{Host: "localhost", Port: 5432, Username: "backup", Database: "orders"},
		Targets:  env.cluster,
		Locks:    NewTargetLocks(lockMode),
		Clock:    env.clock,
		WorkDir:  workDir,
		Metrics:  env.metrics,
		Notifier: env.notifier,
		Logger:   logger,
	}
	env.creator = NewCreator(env.deps)
	env.verifier = NewVerifier(env.engine, env.metrics, logger).WithClock(env.clock)
	env.orchestrator = NewOrchestrator(env.deps, env.verifier)
	env.rollback = NewRollbackCoordinator(env.deps, env.creator, env.orchestrator, env.verifier)
	return env
}

func newWaitEnv(t *testing.T) *testEnv {
	return newTestEnv(t, config.LockModeWait)
}

// backupOf dumps db through the creator and advances the clock so the
// next backup gets a distinct name
func (env *testEnv) backupOf(t *testing.T, db string, kind BackupKind) *BackupRecord {
	t.Helper()
	rec, err := env.creator.CreateBackup(context.Background(), BackupRequest{Database: db, Kind: kind})
	require.NoError(t, err)
	env.clock.Advance(time.Second)
	return rec
}

// publishFixture stores a fake dump created at created without going
// through the creator
func (env *testEnv) publishFixture(t *testing.T, created time.Time, dump fakeDump, padding int, withChecksum bool) *BackupRecord {
	t.Helper()
	name := FormatBackupName(created, "sql.gz")
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, writeFakeDump(path, dump, padding))

	rec := BackupRecord{Name: name, Created: created, Database: dump.Database, Engine: "fake", Kind: KindScheduled}
	if withChecksum {
		sum, err := ChecksumFile(path)
		require.NoError(t, err)
		rec.Checksum = sum
	}
	published, err := env.catalog.Publish(context.Background(), rec, path)
	require.NoError(t, err)
	return published
}

// objectPath is where the local store keeps backup name
func (env *testEnv) objectPath(name string) string {
	return env.store.path(env.catalog.key(name))
}

func (env *testEnv) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(env.workDir)
	require.NoError(t, err)
	require.Empty(t, entries, "ephemeral working files left behind")
}
