package fleetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/3leaps/gofleet/pkg/fleet"
)

const timeLayout = time.RFC3339Nano

// Store implements fleet.Store on a SQL database. Rows keep the full JSON
// record in payload; the other columns exist for indexing and operator
// queries.
type Store struct {
	db     *sql.DB
	driver Driver
	now    func() time.Time
}

var _ fleet.Store = (*Store)(nil)

// Open connects to the configured backend and migrates the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(ctx, cfg)
	case DriverPostgres:
		db, err = openPostgres(ctx, cfg)
	case DriverNone, "":
		return nil, errors.New("store driver is none")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(ctx, db, cfg.Driver); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate fleet store: %w", err)
	}
	return &Store{db: db, driver: cfg.Driver, now: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) q(query string) string {
	if s.driver == DriverPostgres {
		return rebind(query)
	}
	return query
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

// SaveNode upserts the node record.
func (s *Store) SaveNode(ctx context.Context, n fleet.Node) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode node %s: %w", n.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO nodes (node_id, host, port, status, registered_at, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			status = excluded.status,
			registered_at = excluded.registered_at,
			payload = excluded.payload,
			updated_at = excluded.updated_at`),
		n.ID, n.Host, n.Port, string(n.Status),
		n.RegisteredAt.UTC().Format(timeLayout), string(payload), s.stamp())
	if err != nil {
		return fmt.Errorf("save node %s: %w", n.ID, err)
	}
	return nil
}

// DeleteNode removes the node record. Deleting an unknown node is not an error.
func (s *Store) DeleteNode(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM nodes WHERE node_id = ?`), id); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

// UpdateNodeStatus changes the status column; LoadAll applies it over the
// stored payload.
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, status fleet.NodeStatus) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE nodes SET status = ?, updated_at = ? WHERE node_id = ?`),
		string(status), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("update node %s status: %w", id, err)
	}
	return nil
}

// SaveTask upserts the task record.
func (s *Store) SaveTask(ctx context.Context, t fleet.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO tasks (task_id, task_type, status, priority, created_at, assigned_node, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			task_type = excluded.task_type,
			status = excluded.status,
			priority = excluded.priority,
			created_at = excluded.created_at,
			assigned_node = excluded.assigned_node,
			payload = excluded.payload,
			updated_at = excluded.updated_at`),
		t.ID, t.Type, string(t.Status), t.Priority,
		t.CreatedAt.UTC().Format(timeLayout), nullString(t.AssignedNode), string(payload), s.stamp())
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTaskStatus changes the status and, when payload is non-empty,
// replaces the stored record.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status fleet.TaskStatus, payload []byte) error {
	var err error
	if len(payload) == 0 {
		_, err = s.db.ExecContext(ctx, s.q(`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`),
			string(status), s.stamp(), id)
	} else {
		var t fleet.Task
		if uerr := json.Unmarshal(payload, &t); uerr != nil {
			return fmt.Errorf("decode task %s payload: %w", id, uerr)
		}
		_, err = s.db.ExecContext(ctx, s.q(`
			UPDATE tasks SET status = ?, assigned_node = ?, payload = ?, updated_at = ?
			WHERE task_id = ?`),
			string(status), nullString(t.AssignedNode), string(payload), s.stamp(), id)
	}
	if err != nil {
		return fmt.Errorf("update task %s status: %w", id, err)
	}
	return nil
}

// LoadAll returns every node ordered by registration and every task ordered
// by creation.
func (s *Store) LoadAll(ctx context.Context) (*fleet.Snapshot, error) {
	snap := &fleet.Snapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT status, payload FROM nodes ORDER BY registered_at, node_id`)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	for rows.Next() {
		var status, payload string
		if err := rows.Scan(&status, &payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan node: %w", err)
		}
		var n fleet.Node
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("decode node: %w", err)
		}
		n.Status = fleet.NodeStatus(status)
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	_ = rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT status, payload FROM tasks ORDER BY created_at, task_id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status, payload string
		if err := rows.Scan(&status, &payload); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t fleet.Task
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		t.Status = fleet.TaskStatus(status)
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return snap, nil
}

// CountTasks returns task counts grouped by status.
func (s *Store) CountTasks(ctx context.Context) (map[fleet.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[fleet.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[fleet.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
