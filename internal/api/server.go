package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postpilot/internal/domain"
	"postpilot/internal/poller"
	"postpilot/internal/publisher"
	"postpilot/internal/scheduler"
	"postpilot/internal/store"
)

type Scheduler interface {
	RunDueSchedules(ctx context.Context, now time.Time) (int, error)
}

type Poller interface {
	PollGeneratingEntries(ctx context.Context, batchSize int) (poller.Counts, error)
}

type Publisher interface {
	Publish(ctx context.Context, req publisher.Request) (publisher.Result, error)
}

type Server struct {
	r         *chi.Mux
	store     *store.Store
	sched     Scheduler
	poll      Poller
	pub       Publisher
	batchSize int
}

func NewServer(st *store.Store, sched Scheduler, poll Poller, pub Publisher, batchSize int, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, store: st, sched: sched, poll: poll, pub: pub, batchSize: batchSize}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	// Trigger endpoints for an external cron caller; no payload required.
	r.Post("/api/cron/schedules", s.runSchedules)
	r.Post("/api/cron/generations", s.pollGenerations)

	r.Post("/api/posts", s.manualPost)

	r.Post("/api/workflows", s.createWorkflow)
	r.Get("/api/workflows", s.listWorkflows)
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)
	r.Get("/api/schedules/{id}", s.getSchedule)
	r.Put("/api/schedules/{id}", s.updateSchedule)
	r.Delete("/api/schedules/{id}", s.deleteSchedule)

	r.Post("/api/users", s.upsertUser)
	r.Post("/api/destinations", s.upsertDestination)

	r.Get("/api/queue", s.listEntries)
	r.Get("/api/queue/{id}", s.getEntry)
	r.Post("/api/queue/{id}/generation", s.attachGeneration)
	r.Get("/api/queue/{id}/history", s.entryHistory)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("postpilot_up 1\n"))
}

func (s *Server) runSchedules(w http.ResponseWriter, r *http.Request) {
	admitted, err := s.sched.RunDueSchedules(r.Context(), time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"success": true, "admitted": admitted})
}

func (s *Server) pollGenerations(w http.ResponseWriter, r *http.Request) {
	counts, err := s.poll.PollGeneratingEntries(r.Context(), s.batchSize)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{"success": true, "counts": counts})
}

type manualPostReq struct {
	UserID      string `json:"user_id"`
	Platform    string `json:"platform"`
	ContentURL  string `json:"content_url"`
	ContentType string `json:"content_type"`
	Caption     string `json:"caption"`
	QueueID     string `json:"queue_id"`
}

func (s *Server) manualPost(w http.ResponseWriter, r *http.Request) {
	var req manualPostReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	if req.Platform == "" {
		req.Platform = domain.PlatformTelegram
	}
	dest, ok, err := s.store.Destination(r.Context(), req.UserID, req.Platform)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !ok || !dest.Connected {
		http.Error(w, "destination not configured", 409)
		return
	}
	res, err := s.pub.Publish(r.Context(), publisher.Request{
		ChatID:      dest.ChatID,
		Platform:    req.Platform,
		ContentURL:  req.ContentURL,
		ContentType: req.ContentType,
		Caption:     req.Caption,
		QueueID:     req.QueueID,
	})
	if err != nil {
		if errors.Is(err, publisher.ErrValidation) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, map[string]any{
		"success":    res.Success,
		"message_id": res.MessageID,
		"error":      res.Err,
	})
}

type createWorkflowReq struct {
	UserID          string `json:"user_id"`
	ContentType     string `json:"content_type"`
	PromptTemplate  string `json:"prompt_template"`
	CaptionTemplate string `json:"caption_template"`
}

func (s *Server) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", 400)
		return
	}
	if req.ContentType != domain.ContentImage && req.ContentType != domain.ContentVideo {
		http.Error(w, "content_type must be image or video", 400)
		return
	}
	if req.PromptTemplate == "" {
		http.Error(w, "prompt_template is required", 400)
		return
	}
	id, err := s.store.CreateWorkflow(r.Context(), domain.Workflow{
		UserID:          req.UserID,
		ContentType:     req.ContentType,
		PromptTemplate:  req.PromptTemplate,
		CaptionTemplate: req.CaptionTemplate,
		Active:          true,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.store.ListWorkflows(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, workflowView(wf))
	}
	writeJSON(w, 200, out)
}

type createScheduleReq struct {
	WorkflowID   string `json:"workflow_id"`
	ScheduleType string `json:"schedule_type"`
	HourOfDay    int    `json:"hour_of_day"`
	MinuteOfHour int    `json:"minute_of_hour"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.WorkflowID == "" {
		http.Error(w, "workflow_id is required", 400)
		return
	}
	if !validScheduleType(req.ScheduleType) {
		http.Error(w, "schedule_type must be once, hourly or daily", 400)
		return
	}
	if req.HourOfDay < 0 || req.HourOfDay > 23 || req.MinuteOfHour < 0 || req.MinuteOfHour > 59 {
		http.Error(w, "hour_of_day/minute_of_hour out of range", 400)
		return
	}
	if _, err := s.store.WorkflowByID(r.Context(), req.WorkflowID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "workflow not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	sc := domain.Schedule{
		WorkflowID:   req.WorkflowID,
		Type:         req.ScheduleType,
		HourOfDay:    req.HourOfDay,
		MinuteOfHour: req.MinuteOfHour,
		Active:       true,
	}
	next := scheduler.ComputeNextRun(sc, time.Now().UTC())
	sc.NextRunAt = &next

	id, err := s.store.CreateSchedule(r.Context(), sc)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "next_run_at": next.Format(time.RFC3339)})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sc := range schedules {
		out = append(out, scheduleView(sc))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.ScheduleByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, scheduleView(sc))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.ScheduleByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}

	var req struct {
		ScheduleType *string `json:"schedule_type"`
		HourOfDay    *int    `json:"hour_of_day"`
		MinuteOfHour *int    `json:"minute_of_hour"`
		Active       *bool   `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ScheduleType != nil {
		if !validScheduleType(*req.ScheduleType) {
			http.Error(w, "schedule_type must be once, hourly or daily", 400)
			return
		}
		sc.Type = *req.ScheduleType
	}
	if req.HourOfDay != nil {
		sc.HourOfDay = *req.HourOfDay
	}
	if req.MinuteOfHour != nil {
		sc.MinuteOfHour = *req.MinuteOfHour
	}
	if req.Active != nil {
		sc.Active = *req.Active
	}
	next := scheduler.ComputeNextRun(sc, time.Now().UTC())
	sc.NextRunAt = &next

	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, scheduleView(sc))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upsertUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID                    string     `json:"id"`
		Approved              bool       `json:"approved"`
		SubscriptionExpiresAt *time.Time `json:"subscription_expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", 400)
		return
	}
	if err := s.store.UpsertUser(r.Context(), domain.User{
		ID:                    req.ID,
		Approved:              req.Approved,
		SubscriptionExpiresAt: req.SubscriptionExpiresAt,
	}); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upsertDestination(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id"`
		Platform  string `json:"platform"`
		ChatID    int64  `json:"chat_id"`
		Connected bool   `json:"connected"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.UserID == "" || req.Platform == "" {
		http.Error(w, "user_id and platform are required", 400)
		return
	}
	if err := s.store.UpsertDestination(r.Context(), domain.Destination{
		UserID:    req.UserID,
		Platform:  req.Platform,
		ChatID:    req.ChatID,
		Connected: req.Connected,
	}); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := s.store.ListEntries(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryView(e))
	}
	writeJSON(w, 200, out)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.EntryByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, entryView(e))
}

// attachGeneration is the hand-off from the upstream submitter: it pins the
// provider task id to a pending entry and moves it to generating.
func (s *Server) attachGeneration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.TaskID == "" {
		http.Error(w, "task_id is required", 400)
		return
	}
	ok, err := s.store.AttachProviderTask(r.Context(), chi.URLParam(r, "id"), req.TaskID, time.Now().UTC())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if !ok {
		http.Error(w, "entry is not pending", 409)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) entryHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.store.HistoryByQueueID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	out := make([]map[string]any, 0, len(history))
	for _, h := range history {
		out = append(out, map[string]any{
			"id":            h.ID,
			"queue_id":      h.QueueID,
			"platform":      h.Platform,
			"post_id":       h.PostID,
			"status":        h.Status,
			"error_message": h.ErrorMessage,
			"created_at":    h.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, 200, out)
}

func validScheduleType(t string) bool {
	return t == domain.ScheduleOnce || t == domain.ScheduleHourly || t == domain.ScheduleDaily
}

func workflowView(wf domain.Workflow) map[string]any {
	return map[string]any{
		"id":               wf.ID,
		"user_id":          wf.UserID,
		"content_type":     wf.ContentType,
		"prompt_template":  wf.PromptTemplate,
		"caption_template": wf.CaptionTemplate,
		"is_active":        wf.Active,
	}
}

func scheduleView(sc domain.Schedule) map[string]any {
	v := map[string]any{
		"id":             sc.ID,
		"workflow_id":    sc.WorkflowID,
		"schedule_type":  sc.Type,
		"hour_of_day":    sc.HourOfDay,
		"minute_of_hour": sc.MinuteOfHour,
		"is_active":      sc.Active,
	}
	if sc.NextRunAt != nil {
		v["next_run_at"] = sc.NextRunAt.Format(time.RFC3339)
	}
	if sc.LastRunAt != nil {
		v["last_run_at"] = sc.LastRunAt.Format(time.RFC3339)
	}
	return v
}

func entryView(e domain.QueueEntry) map[string]any {
	v := map[string]any{
		"id":            e.ID,
		"workflow_id":   e.WorkflowID,
		"user_id":       e.UserID,
		"content_type":  e.ContentType,
		"caption":       e.Caption,
		"platforms":     e.Platforms,
		"status":        e.Status,
		"content_url":   e.ContentURL,
		"progress":      e.Progress,
		"retry_count":   e.RetryCount,
		"error_message": e.ErrorMessage,
		"scheduled_for": e.ScheduledFor.Format(time.RFC3339),
	}
	if e.ProviderTaskID != "" {
		v["provider_task_id"] = e.ProviderTaskID
	}
	if e.CompletedAt != nil {
		v["completed_at"] = e.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
