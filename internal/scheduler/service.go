package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"postpilot/internal/domain"
)

const (
	// dupWindow is the duplicate-admission guard: a workflow with any queue
	// entry created inside this window is skipped. Tied to the hourly
	// minimum cadence; sub-30-minute schedules are not supported.
	dupWindow = 30 * time.Minute

	// minLead clamps every computed next run so a misconfigured or
	// clock-skewed schedule can't fire again almost immediately.
	minLead = 30 * time.Minute

	// localUTCOffset is the fixed offset (hours) in which daily schedule
	// hours are expressed.
	localUTCOffset = 8
)

type Store interface {
	CountDueSchedules(ctx context.Context, now time.Time) (int, error)
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	WorkflowByID(ctx context.Context, id string) (domain.Workflow, error)
	UserByID(ctx context.Context, id string) (domain.User, error)
	Destination(ctx context.Context, userID, platform string) (domain.Destination, bool, error)
	CountRecentEntries(ctx context.Context, workflowID string, since time.Time) (int, error)
	ClaimSchedule(ctx context.Context, id string, observed, next time.Time) (bool, error)
	MarkScheduleRun(ctx context.Context, id string, at time.Time) error
	DeactivateSchedule(ctx context.Context, id string) error
	SetWorkflowActive(ctx context.Context, id string, active bool) error
	InsertEntry(ctx context.Context, e domain.QueueEntry) (string, error)
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// RunDueSchedules finds due schedules and admits at most one queue entry per
// schedule. Guard failures and lost claims are skips, not errors; only a
// failure to enumerate the due set aborts the cycle.
func (s *Service) RunDueSchedules(ctx context.Context, now time.Time) (int, error) {
	n, err := s.store.CountDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("count due schedules: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("fetch due schedules: %w", err)
	}

	admitted := 0
	for _, sc := range due {
		ok, err := s.admit(ctx, sc, now)
		if err != nil {
			log.Error().Err(err).Str("schedule_id", sc.ID).Msg("schedule skipped this cycle")
			continue
		}
		if ok {
			admitted++
		}
	}

	log.Info().Int("due", len(due)).Int("admitted", admitted).Msg("schedule cycle finished")
	return admitted, nil
}

func (s *Service) admit(ctx context.Context, sc domain.Schedule, now time.Time) (bool, error) {
	if sc.NextRunAt == nil {
		return false, nil
	}

	wf, err := s.store.WorkflowByID(ctx, sc.WorkflowID)
	if err != nil {
		return false, fmt.Errorf("resolve workflow: %w", err)
	}
	if !wf.Active {
		log.Debug().Str("schedule_id", sc.ID).Msg("workflow inactive, skipping")
		return false, nil
	}

	u, err := s.store.UserByID(ctx, wf.UserID)
	if err != nil {
		return false, fmt.Errorf("resolve owner: %w", err)
	}
	if !u.Approved {
		log.Debug().Str("schedule_id", sc.ID).Str("user_id", u.ID).Msg("owner not approved, skipping")
		return false, nil
	}
	if u.SubscriptionExpiresAt != nil && !u.SubscriptionExpiresAt.After(now) {
		log.Debug().Str("schedule_id", sc.ID).Str("user_id", u.ID).Msg("subscription expired, skipping")
		return false, nil
	}

	dest, ok, err := s.store.Destination(ctx, wf.UserID, domain.PlatformTelegram)
	if err != nil {
		return false, fmt.Errorf("resolve destination: %w", err)
	}
	if !ok || !dest.Connected || dest.ChatID == 0 {
		log.Debug().Str("schedule_id", sc.ID).Str("user_id", wf.UserID).Msg("destination not connected, skipping")
		return false, nil
	}

	recent, err := s.store.CountRecentEntries(ctx, sc.WorkflowID, now.Add(-dupWindow))
	if err != nil {
		return false, fmt.Errorf("duplicate-window check: %w", err)
	}
	if recent > 0 {
		log.Debug().Str("schedule_id", sc.ID).Int("recent", recent).Msg("entry admitted recently, skipping")
		return false, nil
	}

	// Claim before enqueue: advancing next_run_at under a compare-and-set
	// closes the race between two runners that read the same due schedule.
	next := ComputeNextRun(sc, now)
	claimed, err := s.store.ClaimSchedule(ctx, sc.ID, *sc.NextRunAt, next)
	if err != nil {
		return false, fmt.Errorf("claim schedule: %w", err)
	}
	if !claimed {
		log.Debug().Str("schedule_id", sc.ID).Msg("lost schedule claim, skipping")
		return false, nil
	}

	entry := domain.QueueEntry{
		WorkflowID:   sc.WorkflowID,
		UserID:       wf.UserID,
		ContentType:  wf.ContentType,
		Prompt:       wf.PromptTemplate,
		Caption:      wf.CaptionTemplate,
		Platforms:    []string{domain.PlatformTelegram},
		Status:       domain.StatusPending,
		ScheduledFor: now,
	}
	id, err := s.store.InsertEntry(ctx, entry)
	if err != nil {
		// The claim is not reverted: a missed cycle beats a duplicate.
		return false, fmt.Errorf("insert queue entry: %w", err)
	}

	if err := s.store.MarkScheduleRun(ctx, sc.ID, now); err != nil {
		log.Warn().Err(err).Str("schedule_id", sc.ID).Msg("failed to record last run")
	}

	if sc.Type == domain.ScheduleOnce {
		if err := s.store.DeactivateSchedule(ctx, sc.ID); err != nil {
			log.Warn().Err(err).Str("schedule_id", sc.ID).Msg("failed to deactivate one-shot schedule")
		}
		if err := s.store.SetWorkflowActive(ctx, sc.WorkflowID, false); err != nil {
			log.Warn().Err(err).Str("workflow_id", sc.WorkflowID).Msg("failed to deactivate workflow")
		}
	}

	log.Info().
		Str("schedule_id", sc.ID).
		Str("workflow_id", sc.WorkflowID).
		Str("entry_id", id).
		Time("next_run", next).
		Msg("queue entry admitted")
	return true, nil
}

// ComputeNextRun derives the schedule's next due time from now.
//
//   - hourly: the next top-of-hour plus the configured minute offset.
//   - daily: the configured local hour converted to UTC; rolls to tomorrow
//     when today's slot is already within an hour of now.
//   - once and anything unrecognized: now plus one hour (one-shot schedules
//     are deactivated after admission, so the value is never reused).
//
// Whatever the branch produces is clamped to now+minLead.
func ComputeNextRun(sc domain.Schedule, now time.Time) time.Time {
	var next time.Time
	switch sc.Type {
	case domain.ScheduleHourly:
		next = now.UTC().Truncate(time.Hour).Add(time.Hour + time.Duration(sc.MinuteOfHour)*time.Minute)
	case domain.ScheduleDaily:
		utcHour := sc.HourOfDay - localUTCOffset
		if utcHour < 0 {
			utcHour += 24
		}
		y, m, d := now.UTC().Date()
		next = time.Date(y, m, d, utcHour, sc.MinuteOfHour, 0, 0, time.UTC)
		if !next.After(now.Add(time.Hour)) {
			next = next.Add(24 * time.Hour)
		}
	default:
		next = now.Add(time.Hour)
	}
	if floor := now.Add(minLead); next.Before(floor) {
		next = floor
	}
	return next
}
