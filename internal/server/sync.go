package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
)

type jobResponse struct {
	JobID     string          `json:"job_id"`
	RecordID  string          `json:"record_id"`
	State     domain.JobState `json:"state"`
	Trigger   domain.Trigger  `json:"trigger"`
	LastError string          `json:"last_error,omitempty"`
}

func newJobResponse(job *domain.SyncJob) jobResponse {
	return jobResponse{
		JobID:     job.JobID,
		RecordID:  job.RecordID,
		State:     job.State,
		Trigger:   job.Trigger,
		LastError: job.LastError,
	}
}

type BatchRequest struct {
	RecordIDs []string `json:"record_ids"`
}

type batchResult struct {
	RecordID string          `json:"record_id"`
	Accepted bool            `json:"accepted"`
	JobID    string          `json:"job_id,omitempty"`
	State    domain.JobState `json:"state,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type ReviewRequest struct {
	Decisions domain.Fields `json:"decisions"`
}

type WebhookRequest struct {
	RecordID string `json:"record_id"`
	EventID  string `json:"event_id"`
}

func (s *Server) SyncRecord(c echo.Context) error {
	recordID := c.Param("record_id")
	job, err := s.syncService.Submit(c.Request().Context(), recordID, domain.TriggerManual, c.Request().Header.Get("Idempotency-Key"))
	if err != nil {
		return s.respondError(c, err, "Failed to submit sync job", log.Fields{"record_id": recordID})
	}
	return c.JSON(http.StatusAccepted, newJobResponse(job))
}

// SyncBatch submits one job per id in order. A rejected id never fails
// the batch.
func (s *Server) SyncBatch(c echo.Context) error {
	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if len(req.RecordIDs) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "record_ids is required",
		})
	}

	ctx := c.Request().Context()
	results := make([]batchResult, 0, len(req.RecordIDs))
	accepted := 0
	for _, id := range req.RecordIDs {
		job, err := s.syncService.Submit(ctx, id, domain.TriggerManual, "")
		if err != nil {
			_, msg := handleSyncError(err)
			results = append(results, batchResult{RecordID: id, Error: msg})
			continue
		}
		accepted++
		results = append(results, batchResult{RecordID: id, Accepted: true, JobID: job.JobID, State: job.State})
	}

	log.WithFields(log.Fields{
		"total":    len(req.RecordIDs),
		"accepted": accepted,
	}).Info("Batch sync submitted")

	return c.JSON(http.StatusOK, map[string]any{
		"total":    len(req.RecordIDs),
		"accepted": accepted,
		"rejected": len(req.RecordIDs) - accepted,
		"results":  results,
	})
}

func (s *Server) GetStatus(c echo.Context) error {
	recordID := c.Param("record_id")
	st, err := s.status.Status(recordID)
	if err != nil {
		return s.respondError(c, err, "Failed to get sync status", log.Fields{"record_id": recordID})
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) ValidateRecord(c echo.Context) error {
	recordID := c.Param("record_id")
	res, err := s.syncService.DryRun(c.Request().Context(), recordID)
	if err != nil {
		return s.respondError(c, err, "Failed to validate record", log.Fields{"record_id": recordID})
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) GetJob(c echo.Context) error {
	jobID := c.Param("job_id")
	job, err := s.syncService.Job(c.Request().Context(), jobID)
	if err != nil {
		return s.respondError(c, err, "Failed to get sync job", log.Fields{"job_id": jobID})
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) ReviewJob(c echo.Context) error {
	jobID := c.Param("job_id")
	var req ReviewRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if len(req.Decisions) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "decisions is required",
		})
	}

	job, err := s.syncService.Review(c.Request().Context(), jobID, req.Decisions)
	if err != nil {
		return s.respondError(c, err, "Failed to review sync job", log.Fields{"job_id": jobID})
	}
	return c.JSON(http.StatusAccepted, newJobResponse(job))
}

func (s *Server) CancelJob(c echo.Context) error {
	jobID := c.Param("job_id")
	job, err := s.syncService.Cancel(c.Request().Context(), jobID)
	if err != nil {
		return s.respondError(c, err, "Failed to cancel sync job", log.Fields{"job_id": jobID})
	}
	return c.JSON(http.StatusOK, newJobResponse(job))
}

func (s *Server) ResubmitJob(c echo.Context) error {
	jobID := c.Param("job_id")
	job, err := s.syncService.Resubmit(c.Request().Context(), jobID)
	if err != nil {
		return s.respondError(c, err, "Failed to resubmit sync job", log.Fields{"job_id": jobID})
	}
	return c.JSON(http.StatusAccepted, newJobResponse(job))
}

func (s *Server) ListDeadLetters(c echo.Context) error {
	limit := 50
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 {
		limit = l
	}

	dls, err := s.syncService.DeadLetters(c.Request().Context(), limit)
	if err != nil {
		return s.respondError(c, err, "Failed to list dead letters", nil)
	}
	return c.JSON(http.StatusOK, dls)
}

// Webhook accepts a change notification pushed by an external system.
// The event id makes redelivered notifications idempotent.
func (s *Server) Webhook(c echo.Context) error {
	system := domain.System(strings.ToLower(c.Param("system")))
	if system != domain.SystemLIMS && system != domain.SystemELN {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "unknown system",
		})
	}

	var req WebhookRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}

	key := ""
	if req.EventID != "" {
		key = string(system) + ":" + req.EventID
	}
	job, err := s.syncService.Submit(c.Request().Context(), req.RecordID, domain.TriggerPush, key)
	if err != nil {
		return s.respondError(c, err, "Failed to submit webhook sync job", log.Fields{
			"record_id": req.RecordID,
			"system":    system,
		})
	}
	return c.JSON(http.StatusAccepted, newJobResponse(job))
}
