package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"postpilot/internal/domain"
)

// ErrValidation marks a request rejected before any state was touched.
var ErrValidation = errors.New("invalid publish request")

type Messenger interface {
	SendPhotoURL(chatID int64, url, caption string) (string, error)
	SendVideo(chatID int64, media io.Reader, name, caption string) (string, error)
}

type Store interface {
	CompleteEntry(ctx context.Context, id string, at time.Time) error
	FailFromPosting(ctx context.Context, id, msg string) error
	InsertHistory(ctx context.Context, h domain.HistoryEntry) (string, error)
}

type Request struct {
	ChatID      int64
	Platform    string
	ContentURL  string
	ContentType string
	Caption     string
	QueueID     string // optional; when set the queue entry and history are updated
}

type Result struct {
	Success   bool
	MessageID string
	Err       string
}

// Service delivers one finished media item to its destination. It serves
// both the poller pipeline and the manual "post now" API with the same path.
type Service struct {
	store Store
	msg   Messenger
	fetch *http.Client
	now   func() time.Time
}

func NewService(store Store, msg Messenger, fetchTimeout time.Duration) *Service {
	if fetchTimeout <= 0 {
		fetchTimeout = 60 * time.Second
	}
	return &Service{
		store: store,
		msg:   msg,
		fetch: &http.Client{Timeout: fetchTimeout},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Publish validates, delivers and records the outcome. A validation failure
// returns an error with nothing written; a delivery failure is reported in
// the Result and recorded against the queue entry when one is attached.
func (s *Service) Publish(ctx context.Context, req Request) (Result, error) {
	if req.ChatID == 0 {
		return Result{}, fmt.Errorf("%w: chat id is required", ErrValidation)
	}
	if req.ContentURL == "" {
		return Result{}, fmt.Errorf("%w: content url is required", ErrValidation)
	}
	if req.ContentType == "" {
		return Result{}, fmt.Errorf("%w: content type is required", ErrValidation)
	}
	if req.Platform == "" {
		req.Platform = domain.PlatformTelegram
	}

	msgID, sendErr := s.send(ctx, req)
	if sendErr != nil {
		log.Warn().Err(sendErr).Str("queue_id", req.QueueID).Int64("chat_id", req.ChatID).Msg("delivery failed")
		s.recordFailure(ctx, req, sendErr)
		return Result{Success: false, Err: sendErr.Error()}, nil
	}

	s.recordSuccess(ctx, req, msgID)
	log.Info().Str("queue_id", req.QueueID).Str("message_id", msgID).Msg("media delivered")
	return Result{Success: true, MessageID: msgID}, nil
}

func (s *Service) send(ctx context.Context, req Request) (string, error) {
	// Video goes out as uploaded bytes: the destination's URL fetcher cannot
	// reach the provider's signed URLs. Images pass the URL straight through.
	if req.ContentType == domain.ContentVideo {
		body, err := s.fetchMedia(ctx, req.ContentURL)
		if err != nil {
			return "", err
		}
		defer body.Close()
		return s.msg.SendVideo(req.ChatID, body, "video.mp4", req.Caption)
	}
	return s.msg.SendPhotoURL(req.ChatID, req.ContentURL, req.Caption)
}

func (s *Service) fetchMedia(ctx context.Context, url string) (io.ReadCloser, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.fetch.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("media fetch failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("media fetch HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (s *Service) recordSuccess(ctx context.Context, req Request, msgID string) {
	if req.QueueID == "" {
		return
	}
	data, _ := json.Marshal(map[string]string{"message_id": msgID})
	if _, err := s.store.InsertHistory(ctx, domain.HistoryEntry{
		QueueID:      req.QueueID,
		Platform:     req.Platform,
		PostID:       msgID,
		ContentURL:   req.ContentURL,
		Caption:      req.Caption,
		Status:       domain.HistorySuccess,
		ResponseData: string(data),
	}); err != nil {
		log.Error().Err(err).Str("queue_id", req.QueueID).Msg("failed to write history entry")
	}
	if err := s.store.CompleteEntry(ctx, req.QueueID, s.now()); err != nil {
		log.Error().Err(err).Str("queue_id", req.QueueID).Msg("failed to complete queue entry")
	}
}

func (s *Service) recordFailure(ctx context.Context, req Request, sendErr error) {
	if req.QueueID == "" {
		return
	}
	if _, err := s.store.InsertHistory(ctx, domain.HistoryEntry{
		QueueID:      req.QueueID,
		Platform:     req.Platform,
		ContentURL:   req.ContentURL,
		Caption:      req.Caption,
		Status:       domain.HistoryFailed,
		ErrorMessage: sendErr.Error(),
	}); err != nil {
		log.Error().Err(err).Str("queue_id", req.QueueID).Msg("failed to write history entry")
	}
	if err := s.store.FailFromPosting(ctx, req.QueueID, sendErr.Error()); err != nil {
		log.Error().Err(err).Str("queue_id", req.QueueID).Msg("failed to fail queue entry")
	}
}
