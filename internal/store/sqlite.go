package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"postpilot/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  approved INTEGER NOT NULL DEFAULT 0,
  subscription_expires_at DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS destinations (
  user_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  chat_id INTEGER NOT NULL DEFAULT 0,
  connected INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (user_id, platform)
);
CREATE TABLE IF NOT EXISTS workflows (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  content_type TEXT NOT NULL CHECK(content_type IN ('image','video')),
  prompt_template TEXT NOT NULL,
  caption_template TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  schedule_type TEXT NOT NULL CHECK(schedule_type IN ('once','hourly','daily')),
  hour_of_day INTEGER NOT NULL DEFAULT 0,
  minute_of_hour INTEGER NOT NULL DEFAULT 0,
  next_run_at DATETIME,
  last_run_at DATETIME,
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(workflow_id) REFERENCES workflows(id)
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(is_active, next_run_at);
CREATE TABLE IF NOT EXISTS queue (
  id TEXT PRIMARY KEY,
  workflow_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  content_type TEXT NOT NULL,
  prompt_used TEXT NOT NULL DEFAULT '',
  caption TEXT NOT NULL DEFAULT '',
  platforms TEXT NOT NULL DEFAULT '[]',
  status TEXT NOT NULL CHECK(status IN ('pending','generating','posting','completed','failed')) DEFAULT 'pending',
  content_url TEXT NOT NULL DEFAULT '',
  provider_task_id TEXT NOT NULL DEFAULT '',
  progress INTEGER NOT NULL DEFAULT 0,
  scheduled_for DATETIME NOT NULL,
  generation_started_at DATETIME,
  generation_completed_at DATETIME,
  posting_started_at DATETIME,
  completed_at DATETIME,
  error_message TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(workflow_id) REFERENCES workflows(id)
);
CREATE INDEX IF NOT EXISTS idx_queue_generating ON queue(status, generation_started_at);
CREATE INDEX IF NOT EXISTS idx_queue_workflow_created ON queue(workflow_id, created_at);
CREATE TABLE IF NOT EXISTS history (
  id TEXT PRIMARY KEY,
  queue_id TEXT NOT NULL,
  platform TEXT NOT NULL,
  post_id TEXT NOT NULL DEFAULT '',
  content_url TEXT NOT NULL DEFAULT '',
  caption TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('success','failed')),
  response_data TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(queue_id) REFERENCES queue(id)
);
CREATE INDEX IF NOT EXISTS idx_history_queue ON history(queue_id);
`
	_, err := db.Exec(schema)
	return err
}

type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db: db} }

// ---- schedules ----

const scheduleCols = "id,workflow_id,schedule_type,hour_of_day,minute_of_hour,next_run_at,last_run_at,is_active,created_at,updated_at"

type rowScanner interface{ Scan(dest ...any) error }

func scanSchedule(r rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var nextRun, lastRun sql.NullTime
	if err := r.Scan(&s.ID, &s.WorkflowID, &s.Type, &s.HourOfDay, &s.MinuteOfHour, &nextRun, &lastRun, &s.Active, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return domain.Schedule{}, err
	}
	if nextRun.Valid {
		s.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		s.LastRunAt = &lastRun.Time
	}
	return s, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sc domain.Schedule) (string, error) {
	id := sc.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO schedules (id,workflow_id,schedule_type,hour_of_day,minute_of_hour,next_run_at,last_run_at,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, sc.WorkflowID, sc.Type, sc.HourOfDay, sc.MinuteOfHour, nullTime(sc.NextRunAt), nullTime(sc.LastRunAt), sc.Active)
	return id, err
}

func (s *Store) ScheduleByID(ctx context.Context, id string) (domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduleCols+" FROM schedules WHERE id=?", id)
	sc, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return domain.Schedule{}, ErrNotFound
	}
	return sc, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+scheduleCols+" FROM schedules ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) UpdateSchedule(ctx context.Context, sc domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET schedule_type=?,hour_of_day=?,minute_of_hour=?,next_run_at=?,is_active=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, sc.Type, sc.HourOfDay, sc.MinuteOfHour, nullTime(sc.NextRunAt), sc.Active, sc.ID)
	return err
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

// CountDueSchedules is the cheap fast-path probe before fetching full rows.
func (s *Store) CountDueSchedules(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM schedules WHERE is_active=1 AND next_run_at IS NOT NULL AND next_run_at <= ?`, now).Scan(&n)
	return n, err
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules
WHERE is_active=1 AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ClaimSchedule advances next_run_at, conditioned on the schedule still being
// active and next_run_at still holding the value the caller observed. At most
// one concurrent caller sees a row affected; everyone else lost the claim.
func (s *Store) ClaimSchedule(ctx context.Context, id string, observed, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE schedules SET next_run_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND is_active=1 AND next_run_at=?`, next, id, observed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) MarkScheduleRun(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET last_run_at=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, at, id)
	return err
}

// DeactivateSchedule retires a one-shot schedule after its single admission.
func (s *Store) DeactivateSchedule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE schedules SET is_active=0, next_run_at=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

// ---- workflows ----

const workflowCols = "id,user_id,content_type,prompt_template,caption_template,is_active,created_at,updated_at"

func scanWorkflow(r rowScanner) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.Scan(&w.ID, &w.UserID, &w.ContentType, &w.PromptTemplate, &w.CaptionTemplate, &w.Active, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

func (s *Store) CreateWorkflow(ctx context.Context, w domain.Workflow) (string, error) {
	id := w.ID
	if id == "" {
		id = "wf_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflows (id,user_id,content_type,prompt_template,caption_template,is_active,created_at,updated_at)
VALUES (?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, w.UserID, w.ContentType, w.PromptTemplate, w.CaptionTemplate, w.Active)
	return id, err
}

func (s *Store) WorkflowByID(ctx context.Context, id string) (domain.Workflow, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+workflowCols+" FROM workflows WHERE id=?", id)
	w, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return domain.Workflow{}, ErrNotFound
	}
	return w, err
}

func (s *Store) ListWorkflows(ctx context.Context) ([]domain.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+workflowCols+" FROM workflows ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE workflows SET is_active=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, active, id)
	return err
}

// ---- users / destinations ----

func (s *Store) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO users (id,approved,subscription_expires_at) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET approved=excluded.approved, subscription_expires_at=excluded.subscription_expires_at
`, u.ID, u.Approved, nullTime(u.SubscriptionExpiresAt))
	return err
}

func (s *Store) UserByID(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id,approved,subscription_expires_at,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Approved, &expires, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.User{}, ErrNotFound
	}
	if expires.Valid {
		u.SubscriptionExpiresAt = &expires.Time
	}
	return u, err
}

func (s *Store) UpsertDestination(ctx context.Context, d domain.Destination) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO destinations (user_id,platform,chat_id,connected) VALUES (?,?,?,?)
ON CONFLICT(user_id,platform) DO UPDATE SET chat_id=excluded.chat_id, connected=excluded.connected
`, d.UserID, d.Platform, d.ChatID, d.Connected)
	return err
}

// Destination reports ok=false when no row exists; callers treat that as
// "not configured yet" rather than an error.
func (s *Store) Destination(ctx context.Context, userID, platform string) (domain.Destination, bool, error) {
	var d domain.Destination
	err := s.db.QueryRowContext(ctx, `
SELECT user_id,platform,chat_id,connected,created_at FROM destinations WHERE user_id=? AND platform=?`, userID, platform).
		Scan(&d.UserID, &d.Platform, &d.ChatID, &d.Connected, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Destination{}, false, nil
	}
	if err != nil {
		return domain.Destination{}, false, err
	}
	return d, true, nil
}

// ---- queue ----

const entryCols = "id,workflow_id,user_id,content_type,prompt_used,caption,platforms,status,content_url,provider_task_id,progress,scheduled_for,generation_started_at,generation_completed_at,posting_started_at,completed_at,error_message,retry_count,created_at,updated_at"

func scanEntry(r rowScanner) (domain.QueueEntry, error) {
	var e domain.QueueEntry
	var platforms string
	var genStart, genDone, postStart, done sql.NullTime
	err := r.Scan(&e.ID, &e.WorkflowID, &e.UserID, &e.ContentType, &e.Prompt, &e.Caption, &platforms,
		&e.Status, &e.ContentURL, &e.ProviderTaskID, &e.Progress, &e.ScheduledFor,
		&genStart, &genDone, &postStart, &done, &e.ErrorMessage, &e.RetryCount, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	if platforms != "" {
		_ = json.Unmarshal([]byte(platforms), &e.Platforms)
	}
	if genStart.Valid {
		e.GenerationStartedAt = &genStart.Time
	}
	if genDone.Valid {
		e.GenerationCompletedAt = &genDone.Time
	}
	if postStart.Valid {
		e.PostingStartedAt = &postStart.Time
	}
	if done.Valid {
		e.CompletedAt = &done.Time
	}
	return e, nil
}

func (s *Store) InsertEntry(ctx context.Context, e domain.QueueEntry) (string, error) {
	id := e.ID
	if id == "" {
		id = "ent_" + uuid.NewString()
	}
	status := e.Status
	if status == "" {
		status = domain.StatusPending
	}
	platforms, err := json.Marshal(e.Platforms)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO queue (id,workflow_id,user_id,content_type,prompt_used,caption,platforms,status,scheduled_for,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, e.WorkflowID, e.UserID, e.ContentType, e.Prompt, e.Caption, string(platforms), status, e.ScheduledFor)
	return id, err
}

func (s *Store) EntryByID(ctx context.Context, id string) (domain.QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+entryCols+" FROM queue WHERE id=?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return domain.QueueEntry{}, ErrNotFound
	}
	return e, err
}

func (s *Store) ListEntries(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+entryCols+" FROM queue ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountRecentEntries backs the duplicate-window guard.
func (s *Store) CountRecentEntries(ctx context.Context, workflowID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM queue WHERE workflow_id=? AND created_at >= ?`, workflowID, since).Scan(&n)
	return n, err
}

// GeneratingEntries returns in-flight entries oldest first so long-running
// jobs are not starved by newer ones.
func (s *Store) GeneratingEntries(ctx context.Context, limit int) ([]domain.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryCols+` FROM queue
WHERE status='generating' AND provider_task_id != ''
ORDER BY generation_started_at ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AttachProviderTask moves a pending entry to generating once the upstream
// submitter has a provider task id for it.
func (s *Store) AttachProviderTask(ctx context.Context, id, taskID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue SET status='generating', provider_task_id=?, generation_started_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='pending'`, taskID, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RecordProgress never writes a smaller value than what's stored.
func (s *Store) RecordProgress(ctx context.Context, id string, pct int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue SET progress=MAX(progress,?), updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='generating'`, pct, id)
	return err
}

// BeginPosting claims the generating->posting transition. The status guard
// makes the claim atomic: a second poller observing the same entry loses.
func (s *Store) BeginPosting(ctx context.Context, id, contentURL string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue SET status='posting', content_url=?, generation_completed_at=?, posting_started_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='generating'`, contentURL, at, at, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailFromGenerating records a generation failure and bumps the retry counter.
func (s *Store) FailFromGenerating(ctx context.Context, id, msg string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE queue SET status='failed', error_message=?, retry_count=retry_count+1, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='generating'`, msg, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailFromPosting records a delivery failure. The retry counter is left
// alone here; deciding whether to resubmit is not the publisher's call.
func (s *Store) FailFromPosting(ctx context.Context, id, msg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue SET status='failed', error_message=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='posting'`, msg, id)
	return err
}

func (s *Store) CompleteEntry(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE queue SET status='completed', completed_at=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND status='posting'`, at, id)
	return err
}

// ---- history ----

func (s *Store) InsertHistory(ctx context.Context, h domain.HistoryEntry) (string, error) {
	id := h.ID
	if id == "" {
		id = "his_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO history (id,queue_id,platform,post_id,content_url,caption,status,response_data,error_message)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, h.QueueID, h.Platform, h.PostID, h.ContentURL, h.Caption, h.Status, h.ResponseData, h.ErrorMessage)
	return id, err
}

func (s *Store) HistoryByQueueID(ctx context.Context, queueID string) ([]domain.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,queue_id,platform,post_id,content_url,caption,status,response_data,error_message,created_at
FROM history WHERE queue_id=? ORDER BY created_at`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.ID, &h.QueueID, &h.Platform, &h.PostID, &h.ContentURL, &h.Caption, &h.Status, &h.ResponseData, &h.ErrorMessage, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
