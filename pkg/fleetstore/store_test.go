package fleetstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gofleet/pkg/fleet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "state", "fleet.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseDriver(t *testing.T) {
	for in, want := range map[string]Driver{
		"":         DriverNone,
		"none":     DriverNone,
		"sqlite":   DriverSQLite,
		"libsql":   DriverSQLite,
		"Postgres": DriverPostgres,
		"pgx":      DriverPostgres,
	} {
		got, err := ParseDriver(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDriver("mysql")
	assert.Error(t, err)
}

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	dsn, err := buildDSN(Config{Path: filepath.Join(dir, "a", "fleet.db")})
	require.NoError(t, err)
	assert.Equal(t, "file:"+filepath.Join(dir, "a", "fleet.db"), dsn)
	assert.DirExists(t, filepath.Join(dir, "a"))

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.io?authToken=tok", dsn)

	dsn, err = buildDSN(Config{URL: "libsql://db.example.io?authToken=keep", AuthToken: "tok"})
	require.NoError(t, err)
	assert.Contains(t, dsn, "authToken=keep")

	_, err = buildDSN(Config{})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "UPDATE t SET a = $1 WHERE b = $2", rebind("UPDATE t SET a = ? WHERE b = ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestOpenRejectsNoneDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverNone})
	assert.Error(t, err)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, Migrate(context.Background(), s.DB(), DriverSQLite))

	var v int
	require.NoError(t, s.DB().QueryRow(`SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v))
	assert.Equal(t, SchemaVersion, v)
}

func TestNodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	n2 := fleet.Node{ID: "n2", Host: "10.0.0.2", Port: 9000, Status: fleet.NodeActive, RegisteredAt: t0.Add(time.Minute), MaxConcurrentTasks: 4}
	n1 := fleet.Node{
		ID: "n1", Host: "10.0.0.1", Port: 9000, Status: fleet.NodeActive, RegisteredAt: t0,
		Capabilities: []string{"python"}, MaxConcurrentTasks: 2,
		PerformanceMetrics: map[string]float64{fleet.MetricCPUUsage: 20},
	}
	require.NoError(t, s.SaveNode(ctx, n2))
	require.NoError(t, s.SaveNode(ctx, n1))

	n1.Port = 9100
	require.NoError(t, s.SaveNode(ctx, n1))
	require.NoError(t, s.UpdateNodeStatus(ctx, "n2", fleet.NodeOffline))

	snap, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Nodes, 2)
	assert.Equal(t, "n1", snap.Nodes[0].ID)
	assert.Equal(t, 9100, snap.Nodes[0].Port)
	assert.Equal(t, []string{"python"}, snap.Nodes[0].Capabilities)
	assert.Equal(t, 20.0, snap.Nodes[0].PerformanceMetrics[fleet.MetricCPUUsage])
	assert.Equal(t, fleet.NodeOffline, snap.Nodes[1].Status)

	require.NoError(t, s.DeleteNode(ctx, "n2"))
	require.NoError(t, s.DeleteNode(ctx, "unknown"))
	snap, err = s.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Nodes, 1)
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a := fleet.Task{ID: "a", Type: "unit_test", Priority: 3, Status: fleet.TaskPending, CreatedAt: t0, MaxRetries: 3,
		Payload: json.RawMessage(`{"file":"a_test.go"}`)}
	b := fleet.Task{ID: "b", Type: "unit_test", Priority: 1, Status: fleet.TaskPending, CreatedAt: t0.Add(time.Second), MaxRetries: 3}
	require.NoError(t, s.SaveTask(ctx, b))
	require.NoError(t, s.SaveTask(ctx, a))

	started := t0.Add(time.Minute)
	a.Status = fleet.TaskRunning
	a.AssignedNode = "n1"
	a.StartedAt = &started
	payload, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskStatus(ctx, "a", fleet.TaskRunning, payload))
	require.NoError(t, s.UpdateTaskStatus(ctx, "b", fleet.TaskFailed, nil))

	snap, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "a", snap.Tasks[0].ID)
	assert.Equal(t, fleet.TaskRunning, snap.Tasks[0].Status)
	assert.Equal(t, "n1", snap.Tasks[0].AssignedNode)
	assert.JSONEq(t, `{"file":"a_test.go"}`, string(snap.Tasks[0].Payload))
	assert.Equal(t, fleet.TaskFailed, snap.Tasks[1].Status)

	counts, err := s.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[fleet.TaskStatus]int{fleet.TaskRunning: 1, fleet.TaskFailed: 1}, counts)

	assert.Error(t, s.UpdateTaskStatus(ctx, "a", fleet.TaskRunning, []byte("{not json")))
}
