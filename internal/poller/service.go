package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"postpilot/internal/domain"
	"postpilot/internal/provider"
	"postpilot/internal/publisher"
)

type Store interface {
	GeneratingEntries(ctx context.Context, limit int) ([]domain.QueueEntry, error)
	Destination(ctx context.Context, userID, platform string) (domain.Destination, bool, error)
	RecordProgress(ctx context.Context, id string, pct int) error
	BeginPosting(ctx context.Context, id, contentURL string, at time.Time) (bool, error)
	FailFromGenerating(ctx context.Context, id, msg string) (bool, error)
	FailFromPosting(ctx context.Context, id, msg string) error
}

type StatusChecker interface {
	Status(ctx context.Context, taskID string) (provider.TaskStatus, error)
}

type Publisher interface {
	Publish(ctx context.Context, req publisher.Request) (publisher.Result, error)
}

type Counts struct {
	Checked   int `json:"checked"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeInFlight outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeSkipped // another poller claimed the entry first
)

// Service bridges the provider's poll-only status API into queue entry
// state transitions and triggers delivery on completion.
type Service struct {
	store    Store
	provider StatusChecker
	pub      Publisher
	workers  int
	now      func() time.Time
}

func NewService(store Store, checker StatusChecker, pub Publisher, workers int) *Service {
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		store:    store,
		provider: checker,
		pub:      pub,
		workers:  workers,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// PollGeneratingEntries checks up to batchSize in-flight entries, oldest
// first. Entries are independent: one entry's failure becomes its own failed
// transition and never aborts the batch. Only a failure to enumerate the
// candidate set is an error for the cycle.
func (s *Service) PollGeneratingEntries(ctx context.Context, batchSize int) (Counts, error) {
	entries, err := s.store.GeneratingEntries(ctx, batchSize)
	if err != nil {
		return Counts{}, fmt.Errorf("fetch generating entries: %w", err)
	}

	counts := Counts{Checked: len(entries)}
	if len(entries) == 0 {
		return counts, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.workers)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			out := s.process(ctx, e)
			mu.Lock()
			switch out {
			case outcomeCompleted:
				counts.Completed++
			case outcomeFailed:
				counts.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Info().
		Int("checked", counts.Checked).
		Int("completed", counts.Completed).
		Int("failed", counts.Failed).
		Msg("poll cycle finished")
	return counts, nil
}

func (s *Service) process(ctx context.Context, e domain.QueueEntry) outcome {
	st, err := s.provider.Status(ctx, e.ProviderTaskID)
	if err != nil {
		return s.fail(ctx, e.ID, err.Error())
	}

	switch st.State {
	case provider.StateInProgress:
		if st.Progress > e.Progress {
			if err := s.store.RecordProgress(ctx, e.ID, st.Progress); err != nil {
				log.Warn().Err(err).Str("entry_id", e.ID).Msg("failed to record progress")
			}
		}
		return outcomeInFlight

	case provider.StateCompleted:
		// No extractable URL means the result is unusable, not still pending.
		if st.ResultURL == "" {
			return s.fail(ctx, e.ID, "provider returned no content url")
		}

		platform := platformFor(e)
		dest, ok, err := s.store.Destination(ctx, e.UserID, platform)
		if err != nil {
			return s.fail(ctx, e.ID, fmt.Sprintf("destination lookup: %v", err))
		}
		if !ok || !dest.Connected || dest.ChatID == 0 {
			return s.fail(ctx, e.ID, "no destination configured")
		}

		claimed, err := s.store.BeginPosting(ctx, e.ID, st.ResultURL, s.now())
		if err != nil {
			return s.fail(ctx, e.ID, fmt.Sprintf("begin posting: %v", err))
		}
		if !claimed {
			return outcomeSkipped
		}

		res, err := s.pub.Publish(ctx, publisher.Request{
			ChatID:      dest.ChatID,
			Platform:    platform,
			ContentURL:  st.ResultURL,
			ContentType: e.ContentType,
			Caption:     e.Caption,
			QueueID:     e.ID,
		})
		if err != nil {
			// The entry already left generating; fail it from posting so it
			// cannot get stuck there.
			if ferr := s.store.FailFromPosting(ctx, e.ID, err.Error()); ferr != nil {
				log.Error().Err(ferr).Str("entry_id", e.ID).Msg("failed to fail queue entry")
			}
			return outcomeFailed
		}
		if !res.Success {
			return outcomeFailed
		}
		return outcomeCompleted

	case provider.StateFailed:
		return s.fail(ctx, e.ID, st.Err)

	default:
		return s.fail(ctx, e.ID, fmt.Sprintf("unexpected task state %q", st.State))
	}
}

func (s *Service) fail(ctx context.Context, id, msg string) outcome {
	changed, err := s.store.FailFromGenerating(ctx, id, msg)
	if err != nil {
		log.Error().Err(err).Str("entry_id", id).Msg("failed to record entry failure")
		return outcomeFailed
	}
	if !changed {
		// Entry already left generating; nothing to do.
		return outcomeSkipped
	}
	log.Warn().Str("entry_id", id).Str("error", msg).Msg("generation failed")
	return outcomeFailed
}

func platformFor(e domain.QueueEntry) string {
	if len(e.Platforms) > 0 {
		return e.Platforms[0]
	}
	return domain.PlatformTelegram
}
