package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"lims-eln-sync/internal/domain"
	"lims-eln-sync/internal/ledger"
	"lims-eln-sync/internal/service"
)

type StatusReader interface {
	Status(recordID string) (service.RecordStatus, error)
}

type AuditReader interface {
	Export(ctx context.Context, recordID string) (ledger.Export, error)
	VerifyChain(ctx context.Context, from, to uint64) (ledger.Verification, error)
	Halted() error
}

// Pinger is a dependency probed by the health endpoint.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type Server struct {
	syncService service.SyncServiceInterface
	status      StatusReader
	audit       AuditReader
	deps        map[string]Pinger
	started     time.Time
}

// NewServer builds the HTTP API. deps are probed by /health and
// /health/ready; the ledger is always checked.
func NewServer(syncService service.SyncServiceInterface, status StatusReader, audit AuditReader, deps map[string]Pinger) *Server {
	return &Server{
		syncService: syncService,
		status:      status,
		audit:       audit,
		deps:        deps,
		started:     time.Now(),
	}
}

// Routes registers every endpoint on e.
func (s *Server) Routes(e *echo.Echo) {
	e.GET("/health", s.HealthCheck)
	e.GET("/health/ready", s.Ready)
	e.GET("/health/live", s.Live)

	sync := e.Group("/sync")
	sync.POST("/batch", s.SyncBatch)
	sync.GET("/status/:record_id", s.GetStatus)
	sync.GET("/dead-letters", s.ListDeadLetters)
	sync.GET("/jobs/:job_id", s.GetJob)
	sync.POST("/jobs/:job_id/review", s.ReviewJob)
	sync.POST("/jobs/:job_id/cancel", s.CancelJob)
	sync.POST("/jobs/:job_id/resubmit", s.ResubmitJob)
	sync.POST("/:record_id", s.SyncRecord)

	e.POST("/validate/:record_id", s.ValidateRecord)
	e.GET("/audit/verify", s.VerifyAudit)
	e.GET("/audit/:record_id", s.ExportAudit)
	e.POST("/webhooks/:system", s.Webhook)
}

func handleSyncError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidRecordID), errors.Is(err, domain.ErrInvalidTrigger), errors.Is(err, domain.ErrInvalidDecision):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrRecordNotFound):
		return http.StatusNotFound, "record not found"
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound, "sync job not found"
	case errors.Is(err, domain.ErrJobNotAwaitingReview), errors.Is(err, domain.ErrJobNotResubmittable), errors.Is(err, domain.ErrJobTerminal):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrQueueFull):
		return http.StatusTooManyRequests, "sync queue is full"
	case errors.Is(err, domain.ErrShuttingDown), domain.IsCategory(err, domain.CategoryLedgerIntegrity):
		return http.StatusServiceUnavailable, "sync engine is not accepting jobs"
	case domain.IsCategory(err, domain.CategoryTransientExternal), domain.IsCategory(err, domain.CategoryPermanentExternal):
		return http.StatusBadGateway, "external system error"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func (s *Server) respondError(c echo.Context, err error, msg string, fields log.Fields) error {
	statusCode, errorMsg := handleSyncError(err)
	if statusCode >= http.StatusInternalServerError {
		log.WithError(err).WithFields(fields).Error(msg)
	}
	return c.JSON(statusCode, map[string]string{
		"error": errorMsg,
	})
}

type dependencyStatus struct {
	Status    string  `json:"status"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

func (s *Server) probe(ctx context.Context) (map[string]dependencyStatus, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	healthy := true
	out := make(map[string]dependencyStatus, len(s.deps)+1)
	for name, dep := range s.deps {
		start := time.Now()
		err := dep.PingContext(ctx)
		st := dependencyStatus{Status: "healthy", LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
		if err != nil {
			healthy = false
			st.Status = "unhealthy"
			st.Error = err.Error()
			log.WithError(err).WithField("dependency", name).Error("Health check failed")
		}
		out[name] = st
	}
	ledgerStatus := dependencyStatus{Status: "healthy"}
	if err := s.audit.Halted(); err != nil {
		healthy = false
		ledgerStatus.Status = "unhealthy"
		ledgerStatus.Error = err.Error()
	}
	out["ledger"] = ledgerStatus
	return out, healthy
}

func (s *Server) HealthCheck(c echo.Context) error {
	deps, healthy := s.probe(c.Request().Context())
	code, status := http.StatusOK, "healthy"
	if !healthy {
		code, status = http.StatusServiceUnavailable, "unhealthy"
	}
	return c.JSON(code, map[string]any{
		"status":         status,
		"dependencies":   deps,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) Ready(c echo.Context) error {
	if _, healthy := s.probe(c.Request().Context()); !healthy {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
		})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (s *Server) Live(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "alive",
	})
}
