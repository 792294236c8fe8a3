package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"postpilot/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s/test.db?cache=shared&mode=rwc", t.TempDir())
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return New(db)
}

func seedWorkflow(t *testing.T, s *Store, userID string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertUser(ctx, domain.User{ID: userID, Approved: true}))
	require.NoError(t, s.UpsertDestination(ctx, domain.Destination{
		UserID: userID, Platform: domain.PlatformTelegram, ChatID: 42, Connected: true,
	}))
	id, err := s.CreateWorkflow(ctx, domain.Workflow{
		UserID:         userID,
		ContentType:    domain.ContentImage,
		PromptTemplate: "a cat",
		Active:         true,
	})
	require.NoError(t, err)
	return id
}

func seedEntry(t *testing.T, s *Store, workflowID, userID string) string {
	t.Helper()
	id, err := s.InsertEntry(context.Background(), domain.QueueEntry{
		WorkflowID:   workflowID,
		UserID:       userID,
		ContentType:  domain.ContentImage,
		Platforms:    []string{domain.PlatformTelegram},
		ScheduledFor: time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestClaimScheduleSingleWinner(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	due := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	next := due.Add(time.Hour)
	scID, err := s.CreateSchedule(ctx, domain.Schedule{
		WorkflowID: wfID, Type: domain.ScheduleHourly, NextRunAt: &due, Active: true,
	})
	require.NoError(t, err)

	claimed, err := s.ClaimSchedule(ctx, scID, due, next)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second caller that observed the same due time loses.
	claimed, err = s.ClaimSchedule(ctx, scID, due, next.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, claimed)

	sc, err := s.ScheduleByID(ctx, scID)
	require.NoError(t, err)
	require.NotNil(t, sc.NextRunAt)
	require.True(t, sc.NextRunAt.Equal(next), "next_run_at = %v, want %v", sc.NextRunAt, next)
}

func TestClaimScheduleInactiveLoses(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	due := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	scID, err := s.CreateSchedule(ctx, domain.Schedule{
		WorkflowID: wfID, Type: domain.ScheduleOnce, NextRunAt: &due, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, s.DeactivateSchedule(ctx, scID))

	claimed, err := s.ClaimSchedule(ctx, scID, due, due.Add(time.Hour))
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestDueSchedules(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	dueID, err := s.CreateSchedule(ctx, domain.Schedule{WorkflowID: wfID, Type: domain.ScheduleHourly, NextRunAt: &past, Active: true})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, domain.Schedule{WorkflowID: wfID, Type: domain.ScheduleHourly, NextRunAt: &future, Active: true})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, domain.Schedule{WorkflowID: wfID, Type: domain.ScheduleHourly, NextRunAt: &past, Active: false})
	require.NoError(t, err)
	_, err = s.CreateSchedule(ctx, domain.Schedule{WorkflowID: wfID, Type: domain.ScheduleOnce, Active: true}) // no next_run_at
	require.NoError(t, err)

	n, err := s.CountDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, dueID, due[0].ID)
}

func TestAttachProviderTask(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")

	ok, err := s.AttachProviderTask(ctx, entryID, "task_1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusGenerating, e.Status)
	require.Equal(t, "task_1", e.ProviderTaskID)
	require.NotNil(t, e.GenerationStartedAt)

	// Not pending anymore: a second hand-off is rejected.
	ok, err = s.AttachProviderTask(ctx, entryID, "task_2", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGeneratingEntriesFIFOAndExclusion(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	older := seedEntry(t, s, wfID, "usr_1")
	newer := seedEntry(t, s, wfID, "usr_1")
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.AttachProviderTask(ctx, newer, "task_new", base.Add(time.Hour))
	require.NoError(t, err)
	_, err = s.AttachProviderTask(ctx, older, "task_old", base)
	require.NoError(t, err)

	got, err := s.GeneratingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, older, got[0].ID, "oldest generation first")
	require.Equal(t, newer, got[1].ID)

	// Once an entry leaves generating it never reappears in the candidate
	// set, so a second poll cycle cannot double-deliver it.
	claimed, err := s.BeginPosting(ctx, older, "https://cdn.example/img.png", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	got, err = s.GeneratingEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, newer, got[0].ID)
}

func TestBeginPostingClaimOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")
	_, err := s.AttachProviderTask(ctx, entryID, "task_1", time.Now().UTC())
	require.NoError(t, err)

	claimed, err := s.BeginPosting(ctx, entryID, "https://cdn.example/a.png", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = s.BeginPosting(ctx, entryID, "https://cdn.example/b.png", time.Now().UTC())
	require.NoError(t, err)
	require.False(t, claimed, "transition out of generating must be single-winner")

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPosting, e.Status)
	require.Equal(t, "https://cdn.example/a.png", e.ContentURL)
	require.NotNil(t, e.GenerationCompletedAt)
	require.NotNil(t, e.PostingStartedAt)
}

func TestEntryLifecycleRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")

	ok, err := s.AttachProviderTask(ctx, entryID, "task_1", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)

	claimed, err := s.BeginPosting(ctx, entryID, "https://cdn.example/a.png", time.Now().UTC())
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = s.InsertHistory(ctx, domain.HistoryEntry{
		QueueID:  entryID,
		Platform: domain.PlatformTelegram,
		PostID:   "1001",
		Status:   domain.HistorySuccess,
	})
	require.NoError(t, err)
	require.NoError(t, s.CompleteEntry(ctx, entryID, time.Now().UTC()))

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, e.Status)
	require.NotNil(t, e.CompletedAt)

	history, err := s.HistoryByQueueID(ctx, entryID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, domain.HistorySuccess, history[0].Status)
	require.Equal(t, entryID, history[0].QueueID)
	require.Equal(t, "1001", history[0].PostID)
}

func TestFailFromGeneratingBumpsRetry(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")
	_, err := s.AttachProviderTask(ctx, entryID, "task_1", time.Now().UTC())
	require.NoError(t, err)

	changed, err := s.FailFromGenerating(ctx, entryID, "quota exceeded")
	require.NoError(t, err)
	require.True(t, changed)

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, e.Status)
	require.Equal(t, "quota exceeded", e.ErrorMessage)
	require.Equal(t, 1, e.RetryCount)

	// Terminal: a second failure report finds nothing to do.
	changed, err = s.FailFromGenerating(ctx, entryID, "again")
	require.NoError(t, err)
	require.False(t, changed)
	e, err = s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, 1, e.RetryCount)
}

func TestFailFromPostingKeepsRetryCount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")
	_, err := s.AttachProviderTask(ctx, entryID, "task_1", time.Now().UTC())
	require.NoError(t, err)
	_, err = s.BeginPosting(ctx, entryID, "https://cdn.example/a.png", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.FailFromPosting(ctx, entryID, "chat not found"))

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, e.Status)
	require.Equal(t, "chat not found", e.ErrorMessage)
	require.Zero(t, e.RetryCount)
}

func TestRecordProgressMonotonic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")
	_, err := s.AttachProviderTask(ctx, entryID, "task_1", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, s.RecordProgress(ctx, entryID, 50))
	require.NoError(t, s.RecordProgress(ctx, entryID, 30))

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, 50, e.Progress, "progress never goes backwards")
}

func TestCountRecentEntries(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfA := seedWorkflow(t, s, "usr_1")
	wfB := seedWorkflow(t, s, "usr_2")
	seedEntry(t, s, wfA, "usr_1")

	now := time.Now().UTC()
	n, err := s.CountRecentEntries(ctx, wfA, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = s.CountRecentEntries(ctx, wfB, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.CountRecentEntries(ctx, wfA, now.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestDestinationAbsenceIsNotAnError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, ok, err := s.Destination(context.Background(), "usr_missing", domain.PlatformTelegram)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEntryPlatformsRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	wfID := seedWorkflow(t, s, "usr_1")
	entryID := seedEntry(t, s, wfID, "usr_1")

	e, err := s.EntryByID(ctx, entryID)
	require.NoError(t, err)
	require.Equal(t, []string{domain.PlatformTelegram}, e.Platforms)
	require.Equal(t, domain.StatusPending, e.Status)
}
