package domain

import "time"

// Schedule recurrence kinds.
const (
	ScheduleOnce   = "once"
	ScheduleHourly = "hourly"
	ScheduleDaily  = "daily"
)

// Queue entry lifecycle. Completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusPosting    = "posting"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// History delivery outcomes.
const (
	HistorySuccess = "success"
	HistoryFailed  = "failed"
)

// Content kinds produced by the generation provider.
const (
	ContentImage = "image"
	ContentVideo = "video"
)

// PlatformTelegram is the only delivery platform currently wired.
const PlatformTelegram = "telegram"

type Schedule struct {
	ID           string
	WorkflowID   string
	Type         string // once | hourly | daily
	HourOfDay    int    // 0-23, interpreted in the configured local offset
	MinuteOfHour int    // 0-59
	NextRunAt    *time.Time
	LastRunAt    *time.Time
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workflow struct {
	ID              string
	UserID          string
	ContentType     string // image | video
	PromptTemplate  string
	CaptionTemplate string
	Active          bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type User struct {
	ID                    string
	Approved              bool
	SubscriptionExpiresAt *time.Time
	CreatedAt             time.Time
}

// Destination is the messaging endpoint for one (user, platform) pair.
// A missing row means "not configured yet", which is a valid state.
type Destination struct {
	UserID    string
	Platform  string
	ChatID    int64
	Connected bool
	CreatedAt time.Time
}

type QueueEntry struct {
	ID                    string
	WorkflowID            string
	UserID                string
	ContentType           string
	Prompt                string
	Caption               string
	Platforms             []string
	Status                string
	ContentURL            string
	ProviderTaskID        string
	Progress              int // 0-100, never written smaller than stored
	ScheduledFor          time.Time
	GenerationStartedAt   *time.Time
	GenerationCompletedAt *time.Time
	PostingStartedAt      *time.Time
	CompletedAt           *time.Time
	ErrorMessage          string
	RetryCount            int
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HistoryEntry is an append-only record of one delivery attempt.
type HistoryEntry struct {
	ID           string
	QueueID      string
	Platform     string
	PostID       string
	ContentURL   string
	Caption      string
	Status       string // success | failed
	ResponseData string
	ErrorMessage string
	CreatedAt    time.Time
}
