package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stagecraft/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/stagecraft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return a row, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	inputs, err := marshalMapOrDefault(run.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, plan, inputs, status, root_instance_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(plan), string(inputs), string(run.Status), nullStr(run.RootID),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		planJSON, inputsJSON, status string
		rootID                       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plan, inputs, status, root_instance_id, created_at, updated_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &planJSON, &inputsJSON, &status, &rootID, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.Status(status)
	run.RootID = rootID.String
	if err := json.Unmarshal([]byte(planJSON), &run.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if inputsJSON != "" {
		_ = json.Unmarshal([]byte(inputsJSON), &run.Inputs)
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRunStatus(ctx context.Context, id string, status schema.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Instances ---

const instanceColumns = `id, run_id, node_id, parent_id, status, stack, executable, result, created_at, updated_at`

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	stack, err := json.Marshal(inst.Stack)
	if err != nil {
		return fmt.Errorf("marshal stack: %w", err)
	}
	exec, err := schema.MarshalExecutable(inst.Executable)
	if err != nil {
		return fmt.Errorf("marshal executable: %w", err)
	}
	result, err := marshalResult(inst.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (`+instanceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.RunID, inst.NodeID, nullStr(inst.ParentID), string(inst.Status), string(stack),
		nullRaw(exec), nullRaw(result), timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	insts, err := scanInstances(rows)
	if err != nil {
		return nil, err
	}
	if len(insts) == 0 {
		return nil, storeNotFound("instance", id)
	}
	return insts[0], nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Executable != nil {
		raw, err := schema.MarshalExecutable(update.Executable)
		if err != nil {
			return fmt.Errorf("marshal executable: %w", err)
		}
		sets = append(sets, "executable = ?")
		args = append(args, string(raw))
	}
	if update.Result != nil {
		raw, err := marshalResult(update.Result)
		if err != nil {
			return err
		}
		sets = append(sets, "result = ?")
		args = append(args, string(raw))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE instances SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, runID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *LibSQLStore) ListChildren(ctx context.Context, parentID string) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE parent_id = ? ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]*Instance, error) {
	var out []*Instance
	for rows.Next() {
		inst := &Instance{}
		var (
			parentID, exec, result sql.NullString
			status, stack          string
		)
		if err := rows.Scan(&inst.ID, &inst.RunID, &inst.NodeID, &parentID, &status, &stack,
			&exec, &result, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.ParentID = parentID.String
		inst.Status = schema.Status(status)
		if err := json.Unmarshal([]byte(stack), &inst.Stack); err != nil {
			return nil, fmt.Errorf("unmarshal stack: %w", err)
		}
		e, err := schema.UnmarshalExecutable(rawOrNil(exec))
		if err != nil {
			return nil, err
		}
		inst.Executable = e
		if raw := rawOrNil(result); raw != nil {
			inst.Result = &schema.StepResponse{}
			if err := json.Unmarshal(raw, inst.Result); err != nil {
				return nil, fmt.Errorf("unmarshal result: %w", err)
			}
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Events ---

// AppendEvent assigns the next per-run sequence inside the insert transaction.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (run_id, instance_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.InstanceID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, filter EventFilter) ([]*Event, error) {
	where := []string{"run_id = ?", "sequence > ?"}
	args := []any{runID, filter.Since}
	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if len(filter.Types) > 0 {
		where = append(where, "event_type IN (?"+strings.Repeat(", ?", len(filter.Types)-1)+")")
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, instance_id, event_type, payload, timestamp, sequence FROM events
		 WHERE `+strings.Join(where, " AND ")+` ORDER BY sequence ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var instanceID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &instanceID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.InstanceID = instanceID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- helpers ---

func storeNotFound(resource, id string) *schema.StageError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalResult(r *schema.StepResponse) (json.RawMessage, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return raw, nil
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
