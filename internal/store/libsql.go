package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/procflow/pkg/schema"
)

// timeLayout is fixed-width so that lexical order in SQL equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlConn implements Reader against either the database or an open transaction.
type sqlConn struct {
	q queryer
}

// txConn implements Tx. It only ever wraps an open *sql.Tx.
type txConn struct {
	sqlConn
}

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	sqlConn
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One connection serializes writers. Code running inside WithTx must only
	// use the Tx it was handed.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{sqlConn: sqlConn{q: db}, db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// WithTx runs fn inside a single transaction, committing only if fn succeeds.
func (s *LibSQLStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin transaction").WithCause(err)
	}
	defer tx.Rollback()

	if err := fn(&txConn{sqlConn{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit transaction").WithCause(err)
	}
	return nil
}

// --- Definitions ---

// SaveDefinition assigns the next version for the definition key and stores it.
// ID, Version and the embedded definition's ID/Version are filled in.
func (s *LibSQLStore) SaveDefinition(ctx context.Context, def *Definition) error {
	return s.WithTx(ctx, func(tx Tx) error {
		q := tx.(*txConn).q
		var version int
		if err := q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version), 0) + 1 FROM process_definitions WHERE key = ?`, def.Key,
		).Scan(&version); err != nil {
			return fmt.Errorf("next definition version: %w", err)
		}
		def.Version = version
		def.ID = fmt.Sprintf("%s:%d", def.Key, version)
		def.Definition.ID = def.ID
		def.Definition.Key = def.Key
		def.Definition.Version = version
		if def.Name == "" {
			def.Name = def.Definition.Name
		}
		def.DeployedAt = timeOrNow(def.DeployedAt)

		body, err := json.Marshal(def.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		_, err = q.ExecContext(ctx,
			`INSERT INTO process_definitions (id, key, version, name, definition, deployed_by, deployed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			def.ID, def.Key, def.Version, nullStr(def.Name), string(body), nullStr(def.DeployedBy), fmtTime(def.DeployedAt),
		)
		return err
	})
}

const definitionColumns = `id, key, version, name, definition, deployed_by, deployed_at`

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM process_definitions WHERE id = ?`, id)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("process definition", id)
	}
	return d, err
}

func (s *LibSQLStore) GetLatestDefinition(ctx context.Context, key string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM process_definitions WHERE key = ? ORDER BY version DESC LIMIT 1`, key)
	d, err := scanDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("process definition key", key)
	}
	return d, err
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, filter DefinitionFilter) ([]*Definition, error) {
	query := `SELECT ` + definitionColumns + ` FROM process_definitions`
	var args []any
	if filter.Key != "" {
		query += " WHERE key = ?"
		args = append(args, filter.Key)
	}
	query += " ORDER BY key, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

func scanDefinition(sc scanner) (*Definition, error) {
	d := &Definition{}
	var name, deployedBy sql.NullString
	var body, deployedAt string
	if err := sc.Scan(&d.ID, &d.Key, &d.Version, &name, &body, &deployedBy, &deployedAt); err != nil {
		return nil, err
	}
	d.Name = name.String
	d.DeployedBy = deployedBy.String
	if err := json.Unmarshal([]byte(body), &d.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition %s: %w", d.ID, err)
	}
	var err error
	if d.DeployedAt, err = parseTime(deployedAt); err != nil {
		return nil, err
	}
	return d, nil
}

// --- Process instances ---

const instanceColumns = `id, definition_id, definition_key, business_key, starter, status, variables, started_at, ended_at`

func (c *txConn) InsertProcessInstance(ctx context.Context, pi *schema.ProcessInstance) error {
	vars, err := marshalMapOrDefault(pi.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	pi.StartedAt = timeOrNow(pi.StartedAt)
	_, err = c.q.ExecContext(ctx,
		`INSERT INTO process_instances (id, definition_id, definition_key, business_key, starter, status, variables, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pi.ID, pi.DefinitionID, pi.DefinitionKey, nullStr(pi.BusinessKey), nullStr(pi.Starter),
		string(pi.Status), string(vars), fmtTime(pi.StartedAt), nullTime(pi.EndedAt), fmtTime(pi.StartedAt),
	)
	return err
}

func (c *txConn) UpdateProcessInstance(ctx context.Context, id string, update ProcessInstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		vars, err := json.Marshal(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, fmtTime(*update.EndedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, fmtTime(time.Now()), id)

	query := fmt.Sprintf("UPDATE process_instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "process instance", id)
}

func (c *sqlConn) GetProcessInstance(ctx context.Context, id string) (*schema.ProcessInstance, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM process_instances WHERE id = ?`, id)
	pi, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("process instance", id)
	}
	return pi, err
}

func (s *LibSQLStore) ListProcessInstances(ctx context.Context, filter InstanceFilter) ([]*schema.ProcessInstance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DefinitionKey != "" {
		where = append(where, "definition_key = ?")
		args = append(args, filter.DefinitionKey)
	}
	if filter.BusinessKey != "" {
		where = append(where, "business_key = ?")
		args = append(args, filter.BusinessKey)
	}

	query := `SELECT ` + instanceColumns + ` FROM process_instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ProcessInstance
	for rows.Next() {
		pi, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pi)
	}
	return out, rows.Err()
}

func scanInstance(sc scanner) (*schema.ProcessInstance, error) {
	pi := &schema.ProcessInstance{}
	var businessKey, starter, endedAt sql.NullString
	var status, vars, startedAt string
	if err := sc.Scan(&pi.ID, &pi.DefinitionID, &pi.DefinitionKey, &businessKey, &starter,
		&status, &vars, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	pi.BusinessKey = businessKey.String
	pi.Starter = starter.String
	pi.Status = schema.ProcessStatus(status)
	if err := json.Unmarshal([]byte(vars), &pi.Variables); err != nil {
		return nil, fmt.Errorf("unmarshal variables of %s: %w", pi.ID, err)
	}
	var err error
	if pi.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if pi.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, err
	}
	return pi, nil
}

// --- Activity instances ---

const activityColumns = `id, process_instance_id, parent_id, activity_id, activity_type, state, start_time, end_time, sequence`

func (c *txConn) InsertActivityInstance(ctx context.Context, ai *ActivityInstance) error {
	if ai.ID == "" {
		ai.ID = uuid.New().String()
	}
	if err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM activity_instances WHERE process_instance_id = ?`, ai.ProcessInstanceID,
	).Scan(&ai.Sequence); err != nil {
		return fmt.Errorf("next activity sequence: %w", err)
	}
	ai.StartTime = timeOrNow(ai.StartTime)
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO activity_instances (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ai.ID, ai.ProcessInstanceID, nullStr(ai.ParentID), ai.ActivityID, string(ai.ActivityType),
		string(ai.State), fmtTime(ai.StartTime), nullTime(ai.EndTime), ai.Sequence,
	)
	return err
}

func (c *txConn) SetActivityState(ctx context.Context, id string, state schema.ActivityState, endTime *time.Time) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE activity_instances SET state = ?, end_time = COALESCE(?, end_time) WHERE id = ?`,
		string(state), nullTime(endTime), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "activity instance", id)
}

func (c *sqlConn) GetActivityInstance(ctx context.Context, id string) (*ActivityInstance, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activity_instances WHERE id = ?`, id)
	ai, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("activity instance", id)
	}
	return ai, err
}

// ListLiveActivityInstances returns active and waiting instances in creation order.
func (c *sqlConn) ListLiveActivityInstances(ctx context.Context, processInstanceID string) ([]*ActivityInstance, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+activityColumns+` FROM activity_instances
		 WHERE process_instance_id = ? AND state IN (?, ?) ORDER BY sequence`,
		processInstanceID, string(schema.ActivityStateActive), string(schema.ActivityStateWaiting),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

// ListHistory returns historic activity instances ordered by end time, with
// the per-instance sequence breaking ties in the same direction.
func (s *LibSQLStore) ListHistory(ctx context.Context, filter HistoryFilter) ([]*ActivityInstance, error) {
	where := []string{"process_instance_id = ?"}
	args := []any{filter.ProcessInstanceID}

	if filter.ActivityType != "" {
		where = append(where, "activity_type = ?")
		args = append(args, string(filter.ActivityType))
	}
	if filter.FinishedOnly {
		where = append(where, "end_time IS NOT NULL")
	}
	if filter.ExcludeCanceled {
		where = append(where, "state <> ?")
		args = append(args, string(schema.ActivityStateCanceled))
	}

	dir := "ASC"
	if filter.Descending {
		dir = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM activity_instances WHERE %s ORDER BY end_time IS NULL, end_time %s, sequence %s`,
		activityColumns, strings.Join(where, " AND "), dir, dir)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActivities(rows)
}

func scanActivities(rows *sql.Rows) ([]*ActivityInstance, error) {
	var out []*ActivityInstance
	for rows.Next() {
		ai, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ai)
	}
	return out, rows.Err()
}

func scanActivity(sc scanner) (*ActivityInstance, error) {
	ai := &ActivityInstance{}
	var parentID, endTime sql.NullString
	var activityType, state, startTime string
	if err := sc.Scan(&ai.ID, &ai.ProcessInstanceID, &parentID, &ai.ActivityID, &activityType,
		&state, &startTime, &endTime, &ai.Sequence); err != nil {
		return nil, err
	}
	ai.ParentID = parentID.String
	ai.ActivityType = schema.ActivityType(activityType)
	ai.State = schema.ActivityState(state)
	var err error
	if ai.StartTime, err = parseTime(startTime); err != nil {
		return nil, err
	}
	if ai.EndTime, err = parseNullTime(endTime); err != nil {
		return nil, err
	}
	return ai, nil
}

// --- Tasks ---

const taskColumns = `id, process_instance_id, activity_instance_id, task_definition_key, name, assignee, status, created_at, completed_at, completed_by`

func (c *txConn) InsertTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = schema.TaskStatusOpen
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProcessInstanceID, t.ActivityInstanceID, t.TaskDefinitionKey, nullStr(t.Name), nullStr(t.Assignee),
		string(t.Status), fmtTime(t.CreatedAt), nullTime(t.CompletedAt), nullStr(t.CompletedBy),
	)
	return err
}

// CloseTask moves an open task to status. Closing a task that is not open is a conflict.
func (c *txConn) CloseTask(ctx context.Context, id string, status schema.TaskStatus, by string, at time.Time) error {
	res, err := c.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ?, completed_by = ? WHERE id = ? AND status = ?`,
		string(status), fmtTime(at), nullStr(by), id, string(schema.TaskStatusOpen),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := c.GetTask(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "task %q is not open", id)
}

func (c *txConn) ListTasksForActivity(ctx context.Context, activityInstanceID string) ([]*Task, error) {
	rows, err := c.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE activity_instance_id = ? ORDER BY created_at`, activityInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func (c *sqlConn) GetTask(ctx context.Context, id string) (*Task, error) {
	row := c.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var where []string
	var args []any

	if filter.ProcessInstanceID != "" {
		where = append(where, "process_instance_id = ?")
		args = append(args, filter.ProcessInstanceID)
	}
	if filter.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(sc scanner) (*Task, error) {
	t := &Task{}
	var name, assignee, completedAt, completedBy sql.NullString
	var status, createdAt string
	if err := sc.Scan(&t.ID, &t.ProcessInstanceID, &t.ActivityInstanceID, &t.TaskDefinitionKey,
		&name, &assignee, &status, &createdAt, &completedAt, &completedBy); err != nil {
		return nil, err
	}
	t.Name = name.String
	t.Assignee = assignee.String
	t.Status = schema.TaskStatus(status)
	t.CompletedBy = completedBy.String
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return t, nil
}

// --- Comments ---

func (c *txConn) InsertComment(ctx context.Context, cm *Comment) error {
	if cm.ID == "" {
		cm.ID = uuid.New().String()
	}
	cm.CreatedAt = timeOrNow(cm.CreatedAt)
	_, err := c.q.ExecContext(ctx,
		`INSERT INTO comments (id, task_id, process_instance_id, actor, message, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		cm.ID, cm.TaskID, cm.ProcessInstanceID, nullStr(cm.Actor), cm.Message, fmtTime(cm.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListComments(ctx context.Context, processInstanceID string) ([]*Comment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, process_instance_id, actor, message, created_at
		 FROM comments WHERE process_instance_id = ? ORDER BY created_at, id`, processInstanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Comment
	for rows.Next() {
		cm := &Comment{}
		var actor sql.NullString
		var createdAt string
		if err := rows.Scan(&cm.ID, &cm.TaskID, &cm.ProcessInstanceID, &actor, &cm.Message, &createdAt); err != nil {
			return nil, err
		}
		cm.Actor = actor.String
		if cm.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}

// --- Events ---

const eventColumns = `id, process_instance_id, activity_instance_id, activity_id, event_type, payload, actor, timestamp, sequence`

// AppendEvent appends an event with a monotonically increasing per-instance sequence.
// The surrounding transaction holds the only connection, so the read of
// MAX(sequence) and the insert cannot interleave with another writer.
func (c *txConn) AppendEvent(ctx context.Context, event *Event) error {
	if err := c.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE process_instance_id = ?`, event.ProcessInstanceID,
	).Scan(&event.Sequence); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := c.q.ExecContext(ctx,
		`INSERT INTO events (process_instance_id, activity_instance_id, activity_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ProcessInstanceID, nullStr(event.ActivityInstanceID), nullStr(event.ActivityID), event.Type,
		nullRaw(event.Payload), nullStr(event.Actor), fmtTime(event.Timestamp), event.Sequence,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents returns events for a process instance with sequence > since, ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, processInstanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE process_instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		processInstanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ProcessInstanceID != "" {
		where = append(where, "process_instance_id = ?")
		args = append(args, filter.ProcessInstanceID)
	}
	if filter.ActivityID != "" {
		where = append(where, "activity_id = ?")
		args = append(args, filter.ActivityID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, fmtTime(*filter.Since))
	}

	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var activityInstanceID, activityID, payload, actor sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.ProcessInstanceID, &activityInstanceID, &activityID, &e.Type,
			&payload, &actor, &ts, &e.Sequence); err != nil {
			return nil, err
		}
		e.ActivityInstanceID = activityInstanceID.String
		e.ActivityID = activityID.String
		e.Payload = rawOrNil(payload)
		e.Actor = actor.String
		var err error
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled starts ---

const scheduledColumns = `id, definition_key, cron_expression, business_key, starter, variables, enabled, last_run_at, next_run_at, last_run_status, created_at`

func (s *LibSQLStore) CreateScheduledStart(ctx context.Context, ss *ScheduledStart) error {
	if ss.ID == "" {
		ss.ID = uuid.New().String()
	}
	ss.CreatedAt = timeOrNow(ss.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_starts (`+scheduledColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ss.ID, ss.DefinitionKey, ss.CronExpression, nullStr(ss.BusinessKey), ss.Starter, nullRaw(ss.Variables),
		ss.Enabled, nullTime(ss.LastRunAt), nullTime(ss.NextRunAt), nullStr(ss.LastRunStatus), fmtTime(ss.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledStart(ctx context.Context, id string) (*ScheduledStart, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduledColumns+` FROM scheduled_starts WHERE id = ?`, id)
	ss, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("scheduled start", id)
	}
	return ss, err
}

func (s *LibSQLStore) UpdateScheduledStart(ctx context.Context, id string, update ScheduledStartUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, fmtTime(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, fmtTime(*update.NextRunAt))
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_starts SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled start", id)
}

func (s *LibSQLStore) ListScheduledStarts(ctx context.Context, filter ScheduledStartFilter) ([]*ScheduledStart, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}
	if filter.DefinitionKey != "" {
		where = append(where, "definition_key = ?")
		args = append(args, filter.DefinitionKey)
	}

	query := `SELECT ` + scheduledColumns + ` FROM scheduled_starts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledStart
	for rows.Next() {
		ss, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledStart(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_starts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled start", id)
}

func scanScheduled(sc scanner) (*ScheduledStart, error) {
	ss := &ScheduledStart{}
	var businessKey, vars, lastRunAt, nextRunAt, lastRunStatus sql.NullString
	var createdAt string
	if err := sc.Scan(&ss.ID, &ss.DefinitionKey, &ss.CronExpression, &businessKey, &ss.Starter, &vars,
		&ss.Enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &createdAt); err != nil {
		return nil, err
	}
	ss.BusinessKey = businessKey.String
	ss.Variables = rawOrNil(vars)
	ss.LastRunStatus = lastRunStatus.String
	var err error
	if ss.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return nil, err
	}
	if ss.NextRunAt, err = parseNullTime(nextRunAt); err != nil {
		return nil, err
	}
	if ss.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return ss, nil
}

// --- Helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func storeNotFound(resource, id string) *schema.FlowError {
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

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
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

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
