// Package api exposes the controller, engine, fitness monitor and
// synchronizer over HTTP.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
	"github.com/danielpatrickdp/evolution-engine/internal/logging"
	"github.com/danielpatrickdp/evolution-engine/internal/mutation"
	"github.com/danielpatrickdp/evolution-engine/internal/replication"
)

// Deps wires the handlers. Fitness, Sync, Snapshots, Workflows, Audit and
// Gatherer may be nil.
type Deps struct {
	Controller Controller
	Engine     Engine
	Snapshots  Snapshots
	Fitness    Fitness
	Sync       Sync
	Workflows  Workflows
	Audit      Audit
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger
}

// Handlers serves the HTTP surface.
type Handlers struct {
	d      Deps
	logger *slog.Logger
}

func NewHandlers(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{d: d, logger: logger.With("component", "api")}
}

// #region router
// NewRouter builds a gin engine with every route registered.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog)
	RegisterRoutes(r, h)
	return r
}

// RegisterRoutes attaches the routes to r.
//
//	GET  /healthz
//	GET  /metrics
//	POST /v1/proposals
//	GET  /v1/approvals
//	POST /v1/approvals/:id/approve
//	POST /v1/approvals/:id/reject
//	GET  /v1/state
//	GET  /v1/session
//	POST /v1/session/reset
//	GET  /v1/fitness
//	POST /v1/fitness/events
//	GET  /v1/sync/status
//	GET  /v1/sync/failed
//	POST /v1/sync/failed/:id/retry
//	GET  /v1/snapshots
//	POST /v1/rollback
//	POST /v1/taint/clear
//	POST /v1/workflows/:id/run
//	POST /v1/workflows/:id/resume
//	GET  /v1/workflows/:id/checkpoint
//	GET  /v1/audit
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	r.GET("/healthz", h.HandleHealth)
	if h.d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.d.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/proposals", h.HandlePropose)

		v1.GET("/approvals", h.HandleListApprovals)
		v1.POST("/approvals/:id/approve", h.HandleApprove)
		v1.POST("/approvals/:id/reject", h.HandleReject)

		v1.GET("/state", h.HandleState)
		v1.GET("/session", h.HandleSession)
		v1.POST("/session/reset", h.HandleResetSession)

		v1.GET("/fitness", h.HandleFitness)
		v1.POST("/fitness/events", h.HandleFitnessEvent)

		v1.GET("/sync/status", h.HandleSyncStatus)
		v1.GET("/sync/failed", h.HandleSyncFailed)
		v1.POST("/sync/failed/:id/retry", h.HandleSyncRetry)

		v1.GET("/snapshots", h.HandleSnapshots)
		v1.POST("/rollback", h.HandleRollback)
		v1.POST("/taint/clear", h.HandleClearTaint)

		v1.POST("/workflows/:id/run", h.HandleRunWorkflow)
		v1.POST("/workflows/:id/resume", h.HandleResumeWorkflow)
		v1.GET("/workflows/:id/checkpoint", h.HandleWorkflowCheckpoint)

		v1.GET("/audit", h.HandleAudit)
	}
}

func (h *Handlers) requestLog(c *gin.Context) {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	c.Set("request_id", id)
	start := time.Now()
	c.Next()
	h.logger.Debug("http request", "method", c.Request.Method, "path", c.FullPath(),
		"status", c.Writer.Status(), "took", time.Since(start), "request_id", id)
}
// #endregion router

// #region health
// HandleHealth reports 200 while mutations are accepted and 503 otherwise.
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Version: h.d.Engine.State().Version, Accepting: h.d.Controller.Accepting()}
	code := http.StatusOK
	if tainted, why := h.d.Engine.Tainted(); tainted {
		resp.Status, resp.Taint, code = "tainted", why, http.StatusServiceUnavailable
	} else if !resp.Accepting {
		resp.Status, code = "stopping", http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
// #endregion health

// #region proposals
// HandlePropose submits a proposal. Applied is 200, queued is 202 and rejected is 422.
func (h *Handlers) HandlePropose(c *gin.Context) {
	var req ProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	res, err := h.d.Controller.Propose(c.Request.Context(), req.proposal())
	if err != nil {
		h.fail(c, err, res.Reasons)
		return
	}
	c.JSON(statusFor(res.Status), res)
}

func (h *Handlers) HandleListApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Controller.Pending())
}

func (h *Handlers) HandleApprove(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	res, err := h.d.Controller.Approve(c.Request.Context(), c.Param("id"), req.Reviewer, req.Notes)
	if err != nil {
		h.fail(c, err, res.Reasons)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) HandleReject(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = req.Notes
	}
	out, err := h.d.Controller.Reject(c.Request.Context(), c.Param("id"), req.Reviewer, reason)
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, out)
}
// #endregion proposals

// #region state
func (h *Handlers) HandleState(c *gin.Context) {
	tainted, why := h.d.Engine.Tainted()
	c.JSON(http.StatusOK, StateResponse{
		State:   h.d.Engine.State(),
		Tainted: tainted,
		Taint:   why,
		Session: h.d.Controller.Session(),
	})
}

func (h *Handlers) HandleSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Controller.Session())
}

func (h *Handlers) HandleResetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.d.Controller.ResetSession())
}

func (h *Handlers) HandleSnapshots(c *gin.Context) {
	if h.d.Snapshots == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "snapshots unavailable", Code: "UNAVAILABLE"})
		return
	}
	infos, err := h.d.Snapshots.List(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, infos)
}

// HandleRollback restores a snapshot and audits the attempt.
func (h *Handlers) HandleRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	res, err := h.d.Engine.Rollback(c.Request.Context(), req.SnapshotID)
	entry := logging.AuditEntry{Decision: "rollback", RequestID: req.SnapshotID, Reviewer: req.Operator, Version: res.RestoredVersion}
	if err != nil {
		entry.Reasons = mutation.Reasons(err)
	}
	h.audit(entry)
	if err != nil {
		h.fail(c, err, mutation.Reasons(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) HandleClearTaint(c *gin.Context) {
	var req TaintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	tainted, why := h.d.Engine.Tainted()
	if !tainted {
		c.JSON(http.StatusOK, gin.H{"cleared": false, "operator": req.Operator})
		return
	}
	if err := h.d.Engine.ClearTaint(req.Operator); err != nil {
		h.fail(c, err, nil)
		return
	}
	h.audit(logging.AuditEntry{Decision: "taint_cleared", Reviewer: req.Operator, Reasons: nonEmpty(why)})
	c.JSON(http.StatusOK, gin.H{"cleared": true, "operator": req.Operator})
}
// #endregion state

// #region fitness
func (h *Handlers) HandleFitness(c *gin.Context) {
	if h.d.Fitness == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "fitness monitor unavailable", Code: "UNAVAILABLE"})
		return
	}
	resp := FitnessResponse{Current: h.d.Fitness.Snapshot()}
	if c.Query("history") == "true" {
		resp.History = h.d.Fitness.History()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleFitnessEvent feeds an externally observed outcome into the monitor.
func (h *Handlers) HandleFitnessEvent(c *gin.Context) {
	if h.d.Fitness == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "fitness monitor unavailable", Code: "UNAVAILABLE"})
		return
	}
	var ev FitnessEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	switch ev.Type {
	case "operation":
		h.d.Fitness.RecordOperation(ev.Success, time.Duration(ev.LatencyMS)*time.Millisecond, ev.Cost)
	case "healing":
		h.d.Fitness.RecordHealing(time.Duration(ev.DurationMS) * time.Millisecond)
	case "health_check":
		h.d.Fitness.RecordHealthCheck(ev.Up)
	}
	c.Status(http.StatusAccepted)
}
// #endregion fitness

// #region sync
func (h *Handlers) HandleSyncStatus(c *gin.Context) {
	if h.d.Sync == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "synchronizer unavailable", Code: "UNAVAILABLE"})
		return
	}
	st, err := h.d.Sync.Status(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *Handlers) HandleSyncFailed(c *gin.Context) {
	if h.d.Sync == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "synchronizer unavailable", Code: "UNAVAILABLE"})
		return
	}
	ops, err := h.d.Sync.Failed(c.Request.Context())
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	// Payloads are sealed documents; listing them adds nothing.
	for i := range ops {
		ops[i].Payload = nil
	}
	c.JSON(http.StatusOK, ops)
}

func (h *Handlers) HandleSyncRetry(c *gin.Context) {
	if h.d.Sync == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "synchronizer unavailable", Code: "UNAVAILABLE"})
		return
	}
	if err := h.d.Sync.RetryFailed(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"requeued": c.Param("id")})
}
// #endregion sync

// #region workflows
func (h *Handlers) HandleRunWorkflow(c *gin.Context) {
	h.runWorkflow(c, false)
}

func (h *Handlers) HandleResumeWorkflow(c *gin.Context) {
	h.runWorkflow(c, true)
}

// runWorkflow answers 200 when the workflow completed, 202 when it stopped at
// its budget (resume continues it) and 422 when a required step failed. The
// body is the report in every case.
func (h *Handlers) runWorkflow(c *gin.Context, resume bool) {
	if h.d.Workflows == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "workflows unavailable", Code: "UNAVAILABLE"})
		return
	}
	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	wf, err := req.workflow(c.Param("id"), h.d.Engine.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	run := h.d.Workflows.Run
	if resume {
		run = h.d.Workflows.Resume
	}
	rep, err := run(c.Request.Context(), wf)
	resp := WorkflowResponse{Report: rep}
	if err != nil {
		resp.Failure = err.Error()
	}
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, autonomy.ErrBudgetExceeded):
		c.JSON(http.StatusAccepted, resp)
	case errors.Is(err, autonomy.ErrStepFailed):
		c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		h.fail(c, err, nil)
	}
}

func (h *Handlers) HandleWorkflowCheckpoint(c *gin.Context) {
	if h.d.Workflows == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "workflows unavailable", Code: "UNAVAILABLE"})
		return
	}
	cp, err := h.d.Workflows.Checkpoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, cp)
}
// #endregion workflows

// #region audit
func (h *Handlers) HandleAudit(c *gin.Context) {
	if h.d.Audit == nil {
		c.JSON(http.StatusOK, []logging.AuditEntry{})
		return
	}
	limit := 100
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "INVALID_REQUEST"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, h.d.Audit.Recent(limit))
}

func (h *Handlers) audit(e logging.AuditEntry) {
	if h.d.Audit == nil {
		return
	}
	e.ID = uuid.NewString()
	e.Timestamp = time.Now().UTC()
	h.d.Audit.Record(e)
}
// #endregion audit

// #region errors
func statusFor(s autonomy.Status) int {
	switch s {
	case autonomy.StatusApplied:
		return http.StatusOK
	case autonomy.StatusQueued:
		return http.StatusAccepted
	}
	return http.StatusUnprocessableEntity
}

// fail maps the error taxonomy onto HTTP statuses.
func (h *Handlers) fail(c *gin.Context, err error, reasons []string) {
	code, tag := http.StatusInternalServerError, "INTERNAL"
	switch {
	case errors.Is(err, autonomy.ErrRequestNotFound), errors.Is(err, mutation.ErrSnapshotNotFound),
		errors.Is(err, replication.ErrOperationNotFound), errors.Is(err, autonomy.ErrNoCheckpoint):
		code, tag = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, autonomy.ErrStopped), errors.Is(err, mutation.ErrClosed):
		code, tag = http.StatusServiceUnavailable, "STOPPED"
	case errors.Is(err, mutation.ErrTainted):
		code, tag = http.StatusConflict, "TAINTED"
	case errors.Is(err, mutation.ErrRollbackVersion):
		code, tag = http.StatusConflict, "ROLLBACK_VERSION"
	case errors.Is(err, mutation.ErrValidation), errors.Is(err, mutation.ErrInvariant), errors.Is(err, mutation.ErrApply):
		code, tag = http.StatusUnprocessableEntity, "REJECTED"
	}
	if code == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, ErrorResponse{Error: err.Error(), Code: tag, Reasons: reasons})
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
// #endregion errors
