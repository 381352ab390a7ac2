package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for tasks, reminders, and the
// delivery job queue.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "taskbot.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	// Nothing can be running before this process started; a job left
	// running was interrupted by a crash and is handed out again.
	if _, err := s.ResetRunningJobs(); err != nil {
		db.Close()
		return nil, fmt.Errorf("recovering interrupted jobs: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// DB exposes the underlying connection for packages that share the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v.String)
}

// --- Tasks ---

// SaveTask inserts an open task. A closed record for the same thread is
// replaced; an open one yields ErrConflict.
func (s *Store) SaveTask(t Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning task transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(`SELECT status FROM tasks WHERE chat_id = ? AND thread_id = ?`, t.ChatID, t.ThreadID).Scan(&status)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("checking existing task: %w", err)
	case status == TaskOpen:
		return fmt.Errorf("task %d/%d: %w", t.ChatID, t.ThreadID, ErrConflict)
	default:
		if _, err := tx.Exec(`DELETE FROM tasks WHERE chat_id = ? AND thread_id = ?`, t.ChatID, t.ThreadID); err != nil {
			return fmt.Errorf("replacing closed task: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT INTO tasks (chat_id, thread_id, base_name, status, created_at)
		VALUES (?, ?, ?, 'open', ?)`,
		t.ChatID, t.ThreadID, t.BaseName, t.CreatedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return tx.Commit()
}

const taskColumns = `chat_id, thread_id, base_name, status, created_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var createdAt string
	var closedAt sql.NullString
	if err := row.Scan(&t.ChatID, &t.ThreadID, &t.BaseName, &t.Status, &createdAt, &closedAt); err != nil {
		return Task{}, err
	}
	var err error
	if t.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.ClosedAt, err = parseTime(closedAt); err != nil {
		return Task{}, fmt.Errorf("parsing closed_at: %w", err)
	}
	return t, nil
}

func (s *Store) GetTask(chatID, threadID int64) (Task, error) {
	t, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE chat_id = ? AND thread_id = ?`, chatID, threadID))
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// CloseTask flips an open task to closed. Closing a missing or already
// closed task returns ErrNotFound.
func (s *Store) CloseTask(chatID, threadID int64, at time.Time) (Task, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return Task{}, fmt.Errorf("beginning close transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE tasks SET status = 'closed', closed_at = ? WHERE chat_id = ? AND thread_id = ? AND status = 'open'`,
		at.UTC().Format(time.RFC3339), chatID, threadID)
	if err != nil {
		return Task{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if n == 0 {
		return Task{}, ErrNotFound
	}

	t, err := scanTask(tx.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE chat_id = ? AND thread_id = ?`, chatID, threadID))
	if err != nil {
		return Task{}, fmt.Errorf("reading closed task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Task{}, fmt.Errorf("committing close: %w", err)
	}
	return t, nil
}

// ListOpenTasks returns open tasks in creation order. chatID 0 lists every chat.
func (s *Store) ListOpenTasks(chatID int64) ([]Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'open'`
	var args []any
	if chatID != 0 {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// --- Reminders ---

const reminderColumns = `id, chat_id, title, text, kind, target, target_chat_id, target_thread_id, fire_at,
	start_date, end_date, time_of_day, active, job_ids, created_at, last_fired_at, deactivated_at`

func (s *Store) SaveReminder(r Reminder) error {
	jobIDs, err := encodeJobIDs(r.JobIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChatID, r.Title, r.Text, r.Kind, r.Target, r.TargetChatID, r.TargetThreadID, formatTime(r.FireAt),
		r.StartDate, r.EndDate, r.TimeOfDay, r.Active, jobIDs, r.CreatedAt.UTC().Format(time.RFC3339),
		formatTime(r.LastFiredAt), formatTime(r.DeactivatedAt),
	)
	return err
}

func encodeJobIDs(ids []string) (string, error) {
	if len(ids) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encoding job ids: %w", err)
	}
	return string(b), nil
}

func scanReminder(row rowScanner) (Reminder, error) {
	var r Reminder
	var fireAt, lastFiredAt, deactivatedAt sql.NullString
	var createdAt, jobIDs string
	err := row.Scan(&r.ID, &r.ChatID, &r.Title, &r.Text, &r.Kind, &r.Target, &r.TargetChatID, &r.TargetThreadID, &fireAt,
		&r.StartDate, &r.EndDate, &r.TimeOfDay, &r.Active, &jobIDs, &createdAt, &lastFiredAt, &deactivatedAt)
	if err != nil {
		return Reminder{}, err
	}
	if err := json.Unmarshal([]byte(jobIDs), &r.JobIDs); err != nil {
		return Reminder{}, fmt.Errorf("decoding job_ids for reminder %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if r.FireAt, err = parseTime(fireAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing fire_at: %w", err)
	}
	if r.LastFiredAt, err = parseTime(lastFiredAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing last_fired_at: %w", err)
	}
	if r.DeactivatedAt, err = parseTime(deactivatedAt); err != nil {
		return Reminder{}, fmt.Errorf("parsing deactivated_at: %w", err)
	}
	return r, nil
}

func (s *Store) GetReminder(id string) (Reminder, error) {
	r, err := scanReminder(s.db.QueryRow(`SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Reminder{}, ErrNotFound
	}
	return r, err
}

// ListReminders returns reminders in creation order, optionally only active ones.
func (s *Store) ListReminders(activeOnly bool) ([]Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) ListActiveReminders() ([]Reminder, error) {
	return s.ListReminders(true)
}

// SetReminderJobIDs replaces the job handles of an active reminder.
func (s *Store) SetReminderJobIDs(id string, jobIDs []string) error {
	encoded, err := encodeJobIDs(jobIDs)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE reminders SET job_ids = ? WHERE id = ? AND active = 1`, encoded, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateRemindersByTitle marks every active reminder with the given title
// inactive and clears its job handles. The returned records carry the job ids
// they held before deactivation.
func (s *Store) DeactivateRemindersByTitle(title string, at time.Time) ([]Reminder, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning deactivate transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+reminderColumns+` FROM reminders WHERE active = 1 AND title = ? ORDER BY created_at ASC`, title)
	if err != nil {
		return nil, err
	}
	var matched []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		matched = append(matched, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(matched) == 0 {
		return nil, ErrNotFound
	}

	if _, err := tx.Exec(`UPDATE reminders SET active = 0, job_ids = '[]', deactivated_at = ? WHERE active = 1 AND title = ?`,
		at.UTC().Format(time.RFC3339), title); err != nil {
		return nil, fmt.Errorf("deactivating reminders: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing deactivate: %w", err)
	}
	return matched, nil
}

// ConsumeReminder deactivates a reminder as part of its final fire. It
// reports false when the reminder was already inactive, which means the
// fire lost a race against deactivation and must not dispatch.
func (s *Store) ConsumeReminder(id string, at time.Time) (bool, error) {
	ts := at.UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE reminders SET active = 0, job_ids = '[]', last_fired_at = ?, deactivated_at = ? WHERE id = ? AND active = 1`,
		ts, ts, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkReminderFired records the last fire time of a recurring reminder.
func (s *Store) MarkReminderFired(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE reminders SET last_fired_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), id)
	return err
}

// --- Jobs ---

func (s *Store) EnqueueJob(job Job) error {
	now := time.Now().UTC().Format(time.RFC3339)
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter.UTC().Format(time.RFC3339)
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		job.ID, job.Type, job.PayloadJSON, maxAttempts, runAfter, now, now,
	)
	return err
}

func (s *Store) ClaimNextJob(types []string) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	placeholders := strings.Repeat(",?", len(types)-1)
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = 'pending' AND run_after <= ? AND type IN (?` + placeholders + `)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	args := make([]interface{}, 0, len(types)+1)
	args = append(args, now)
	for _, t := range types {
		args = append(args, t)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var j Job
	var runAfter, createdAt, updatedAt string
	var lastError sql.NullString
	err = tx.QueryRow(query, args...).Scan(
		&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &lastError,
	)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'`, now, j.ID)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = "running"
	j.LastError = lastError.String
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, now); err != nil {
		return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	return &j, nil
}

// ResetRunningJobs returns every running job to pending and reports how
// many were reset.
func (s *Store) ResetRunningJobs() (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`, now)
	if err != nil {
		return 0, fmt.Errorf("resetting running jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) CompleteJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'pending', attempts = ?, last_error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// ListJobs returns jobs of one type, newest first. An empty status matches all.
func (s *Store) ListJobs(jobType, status string, limit int) ([]Job, error) {
	query := `SELECT id, type, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error
		FROM jobs WHERE type = ?`
	args := []any{jobType}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Job
	for rows.Next() {
		var j Job
		var runAfter, createdAt, updatedAt string
		var lastError sql.NullString
		if err := rows.Scan(&j.ID, &j.Type, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
			&runAfter, &createdAt, &updatedAt, &lastError); err != nil {
			return nil, err
		}
		j.LastError = lastError.String
		if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
			return nil, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
		}
		if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
		}
		if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
		}
		results = append(results, j)
	}
	return results, rows.Err()
}
