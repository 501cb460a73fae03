// Package admin exposes the operator HTTP surface: run and task management,
// bus introspection, outbox recovery, and version migrations.
package admin

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"dazzle.dev/core/bus"
	"dazzle.dev/core/outbox"
	"dazzle.dev/core/process"
	"dazzle.dev/core/tier"
	"dazzle.dev/core/version"
)

// Handlers serves the admin API over a wired platform core.
type Handlers struct {
	core    *tier.Core
	tracker *Tracker
	logger  *logrus.Logger
}

// NewHandlers creates the admin handlers.
func NewHandlers(core *tier.Core, tracker *Tracker, logger *logrus.Logger) *Handlers {
	if tracker == nil {
		tracker = NewTracker(0)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Handlers{core: core, tracker: tracker, logger: logger}
}

// RegisterRoutes mounts the admin API under /admin.
func (h *Handlers) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/admin")

	g.GET("/runs", h.listRuns)
	g.GET("/runs/:id", h.getRun)
	g.POST("/runs/:id/cancel", h.cancelRun)
	g.POST("/runs/:id/signal", h.signalRun)
	g.POST("/processes/:name/runs", h.startRun)

	g.GET("/tasks", h.listTasks)
	g.GET("/tasks/:id", h.getTask)
	g.POST("/tasks/:id/complete", h.completeTask)
	g.POST("/tasks/:id/reassign", h.reassignTask)

	g.GET("/topics", h.listTopics)
	g.GET("/topics/:topic", h.topicInfo)
	g.GET("/topics/:topic/groups", h.listGroups)
	g.GET("/topics/:topic/groups/:group", h.consumerStatus)
	g.GET("/topics/:topic/dlq", h.topicDLQ)

	g.GET("/outbox/stats", h.outboxStats)
	g.GET("/outbox/failed", h.outboxFailed)
	g.POST("/outbox/failed/:id/retry", h.outboxRetry)

	g.GET("/versions", h.listVersions)
	g.GET("/versions/current", h.currentVersion)
	g.POST("/versions", h.deployVersion)
	g.POST("/migrations", h.startMigration)
	g.GET("/migrations/:id", h.migrationStatus)
	g.POST("/migrations/:id/complete", h.completeMigration)
	g.POST("/migrations/:id/rollback", h.rollbackMigration)

	g.GET("/operations", h.listOperations)
	g.GET("/operations/:id", h.getOperation)
}

// httpError maps domain sentinels to HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, process.ErrRunNotFound),
		errors.Is(err, process.ErrTaskNotFound),
		errors.Is(err, process.ErrSpecNotFound),
		errors.Is(err, process.ErrScheduleNotFound),
		errors.Is(err, version.ErrVersionNotFound),
		errors.Is(err, version.ErrMigrationNotFound),
		errors.Is(err, outbox.ErrEntryNotFound),
		errors.Is(err, bus.ErrConsumerNotFound),
		errors.Is(err, bus.ErrEventNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, process.ErrInvalidTransition),
		errors.Is(err, process.ErrTaskNotOpen),
		errors.Is(err, version.ErrVersionExists),
		errors.Is(err, version.ErrMigrationInFlight),
		errors.Is(err, outbox.ErrNotFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, process.ErrTaskOutcomeInvalid):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, bus.ErrReplayUnsupported):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	default:
		return err
	}
}

func (h *Handlers) listRuns(c echo.Context) error {
	filter := process.RunFilter{
		ProcessName: c.QueryParam("process"),
		Status:      c.QueryParam("status"),
		VersionID:   c.QueryParam("version"),
	}
	runs, err := h.core.Runs.ListRuns(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *Handlers) getRun(c echo.Context) error {
	run, err := h.core.Runs.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

type startRunRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	IdempotencyKey string                 `json:"idempotency_key"`
}

func (h *Handlers) startRun(c echo.Context) error {
	var req startRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.core.Orchestrator.StartProcess(c.Request().Context(), c.Param("name"), req.Inputs, req.IdempotencyKey)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, run)
}

func (h *Handlers) cancelRun(c echo.Context) error {
	run, err := h.core.Orchestrator.CancelRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

type signalRequest struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload"`
}

func (h *Handlers) signalRun(c echo.Context) error {
	var req signalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "signal name is required")
	}
	run, err := h.core.Orchestrator.Signal(c.Request().Context(), c.Param("id"), req.Name, req.Payload)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handlers) listTasks(c echo.Context) error {
	filter := process.TaskFilter{
		RunID:      c.QueryParam("run_id"),
		AssigneeID: c.QueryParam("assignee_id"),
		Status:     c.QueryParam("status"),
	}
	tasks, err := h.core.Runs.ListTasks(c.Request().Context(), filter)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *Handlers) getTask(c echo.Context) error {
	task, err := h.core.Runs.GetTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

type completeTaskRequest struct {
	Outcome string                 `json:"outcome"`
	Data    map[string]interface{} `json:"data"`
}

func (h *Handlers) completeTask(c echo.Context) error {
	var req completeTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	run, err := h.core.Orchestrator.CompleteTask(c.Request().Context(), c.Param("id"), req.Outcome, req.Data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, run)
}

type reassignTaskRequest struct {
	AssigneeID string `json:"assignee_id"`
	Reason     string `json:"reason"`
}

func (h *Handlers) reassignTask(c echo.Context) error {
	var req reassignTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.AssigneeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "assignee_id is required")
	}
	task, err := h.core.Orchestrator.ReassignTask(c.Request().Context(), c.Param("id"), req.AssigneeID, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, task)
}

func (h *Handlers) listTopics(c echo.Context) error {
	topics, err := h.core.Bus.ListTopics()
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, topics)
}

func (h *Handlers) topicInfo(c echo.Context) error {
	info, err := h.core.Bus.TopicInfo(c.Param("topic"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (h *Handlers) listGroups(c echo.Context) error {
	groups, err := h.core.Bus.ListGroups(c.Param("topic"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, groups)
}

func (h *Handlers) consumerStatus(c echo.Context) error {
	status, err := h.core.Bus.ConsumerStatus(c.Param("topic"), c.Param("group"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) topicDLQ(c echo.Context) error {
	envelopes, err := h.core.Bus.Replay(c.Request().Context(), bus.DLQTopic(c.Param("topic")), bus.ReplayOptions{})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, envelopes)
}

func (h *Handlers) outboxStats(c echo.Context) error {
	stats, err := h.core.Outbox.Stats(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handlers) outboxFailed(c echo.Context) error {
	entries, err := h.core.Outbox.FailedEntries(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, entries)
}

func (h *Handlers) outboxRetry(c echo.Context) error {
	id := c.Param("id")
	op := h.tracker.Start(uuid.New().String(), "outbox_retry", map[string]interface{}{"entry_id": id})
	err := h.core.Outbox.RetryFailed(c.Request().Context(), id)
	h.tracker.Complete(op.ID, err)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "pending", "entry_id": id, "operation_id": op.ID})
}

func (h *Handlers) listVersions(c echo.Context) error {
	versions, err := h.core.Manager.ListVersions(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, versions)
}

func (h *Handlers) currentVersion(c echo.Context) error {
	v, err := h.core.Manager.CurrentVersion(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

type deployVersionRequest struct {
	VersionID string                 `json:"version_id"`
	DSLHash   string                 `json:"dsl_hash"`
	Files     map[string]string      `json:"files"`
	Manifest  map[string]interface{} `json:"manifest"`
}

func (h *Handlers) deployVersion(c echo.Context) error {
	var req deployVersionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	hash := req.DSLHash
	if hash == "" && len(req.Files) > 0 {
		files := make(map[string][]byte, len(req.Files))
		for name, content := range req.Files {
			files[name] = []byte(content)
		}
		hash = version.ComputeVersionHash(files)
	}
	if hash == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "dsl_hash or files is required")
	}
	versionID := req.VersionID
	if versionID == "" {
		versionID = version.GenerateVersionID(hash, "")
	}

	op := h.tracker.Start(uuid.New().String(), "version_deploy", map[string]interface{}{"version_id": versionID})
	v, err := h.core.Manager.DeployVersion(c.Request().Context(), versionID, hash, req.Manifest)
	h.tracker.Complete(op.ID, err)
	if err != nil {
		return httpError(err)
	}
	h.core.Orchestrator.SetDeployedVersion(v.VersionID)
	return c.JSON(http.StatusCreated, v)
}

type startMigrationRequest struct {
	FromVersion string `json:"from_version"`
	ToVersion   string `json:"to_version"`
}

func (h *Handlers) startMigration(c echo.Context) error {
	var req startMigrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FromVersion == "" || req.ToVersion == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "from_version and to_version are required")
	}

	op := h.tracker.Start(uuid.New().String(), "migration_start", map[string]interface{}{
		"from": req.FromVersion,
		"to":   req.ToVersion,
	})
	status, err := h.core.Manager.StartMigration(c.Request().Context(), req.FromVersion, req.ToVersion)
	h.tracker.Complete(op.ID, err)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, status)
}

func (h *Handlers) migrationStatus(c echo.Context) error {
	status, err := h.core.Manager.MigrationStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) completeMigration(c echo.Context) error {
	op := h.tracker.Start(uuid.New().String(), "migration_complete", map[string]interface{}{"migration_id": c.Param("id")})
	status, err := h.core.Manager.CompleteMigration(c.Request().Context(), c.Param("id"))
	h.tracker.Complete(op.ID, err)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) rollbackMigration(c echo.Context) error {
	op := h.tracker.Start(uuid.New().String(), "migration_rollback", map[string]interface{}{"migration_id": c.Param("id")})
	status, err := h.core.Manager.RollbackMigration(c.Request().Context(), c.Param("id"))
	h.tracker.Complete(op.ID, err)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, status)
}

func (h *Handlers) listOperations(c echo.Context) error {
	return c.JSON(http.StatusOK, h.tracker.List())
}

func (h *Handlers) getOperation(c echo.Context) error {
	op := h.tracker.Get(c.Param("id"))
	if op == nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}
	return c.JSON(http.StatusOK, op)
}
