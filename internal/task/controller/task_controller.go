package controller

import (
	"strconv"

	"ojforge/internal/common/http/middleware"
	"ojforge/internal/model"
	"ojforge/internal/task/repository"
	"ojforge/internal/task/service"
	pkgrepo "ojforge/pkg/repository"
	"ojforge/pkg/utils/logger"
	"ojforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TaskController handles the task lifecycle HTTP endpoints.
type TaskController struct {
	taskService *service.TaskService
}

// NewTaskController creates a new TaskController.
func NewTaskController(taskService *service.TaskService) *TaskController {
	return &TaskController{taskService: taskService}
}

// RegisterRoutes mounts the task endpoints on an authenticated group.
func (h *TaskController) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/tasks", h.Create)
	g.GET("/tasks", h.List)
	g.GET("/tasks/:id", h.Get)
	g.DELETE("/tasks/:id", h.Delete)
	g.POST("/tasks/:id/retry", h.Retry)
	g.POST("/tasks/:id/cancel", h.Cancel)
	g.GET("/tasks/:id/logs", h.Logs)
	g.GET("/tasks/:id/download", h.Download)
}

func actorFrom(c *gin.Context) service.Actor {
	return service.Actor{
		UserID: middleware.CurrentUserID(c),
		Admin:  middleware.IsAdmin(c),
	}
}

// CreateTaskRequest is the batch submission payload. Stages uses the
// letter form ("FGUS"); empty means the full pipeline.
type CreateTaskRequest struct {
	Problems       []string `json:"problems" binding:"required"`
	Target         string   `json:"target"`
	Stages         string   `json:"stages"`
	SourceAdapter  string   `json:"source_adapter"`
	CaseCount      int      `json:"case_count"`
	MinCases       int      `json:"min_cases"`
	Temperature    float64  `json:"temperature"`
	Provider       string   `json:"provider"`
	SolveLanguage  string   `json:"solve_language"`
	ExpandTraining bool     `json:"expand_training"`
}

// Create handles batch creation.
func (h *TaskController) Create(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}

	stages := model.DefaultStageSet()
	if req.Stages != "" {
		stages = model.StageSetFromLetters(req.Stages)
	}
	task, err := h.taskService.CreateTask(c.Request.Context(), service.CreateInput{
		UserID: middleware.CurrentUserID(c),
		Target: req.Target,
		Refs:   req.Problems,
		Stages: stages,
		Options: model.TaskOptions{
			SourceAdapter:  req.SourceAdapter,
			CaseCount:      req.CaseCount,
			MinCases:       req.MinCases,
			Temperature:    req.Temperature,
			Provider:       req.Provider,
			SolveLanguage:  req.SolveLanguage,
			ExpandTraining: req.ExpandTraining,
		},
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, task)
}

// List handles filtered, paged task listing.
func (h *TaskController) List(c *gin.Context) {
	page, pageSize := pageParams(c)
	filter := repository.TaskFilter{
		Status: model.TaskStatus(c.Query("status")),
	}
	if middleware.IsAdmin(c) {
		filter.UserID = c.Query("user_id")
	}

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), actorFrom(c), filter, pkgrepo.ListOptions{
		Offset: (page - 1) * pageSize,
		Limit:  pageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithPagination(c, tasks, total, page, pageSize)
}

// Get handles the task detail query, problems included.
func (h *TaskController) Get(c *gin.Context) {
	task, err := h.taskService.GetTask(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, task)
}

// Delete removes a finished task and its workspaces.
func (h *TaskController) Delete(c *gin.Context) {
	if err := h.taskService.DeleteTask(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, "Delete success", nil)
}

// RetryTaskRequest selects which stage's outputs to discard before the
// re-run. Empty or "all" redoes every enabled stage.
type RetryTaskRequest struct {
	Stage string `json:"stage"`
}

// Retry re-queues the failed problems of a finished task.
func (h *TaskController) Retry(c *gin.Context) {
	var req RetryTaskRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request parameters")
			return
		}
	}

	task, err := h.taskService.RetryTask(c.Request.Context(), actorFrom(c), c.Param("id"), req.Stage)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, task)
}

// Cancel stops a running task.
func (h *TaskController) Cancel(c *gin.Context) {
	if err := h.taskService.CancelTask(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMessage(c, "Cancel requested", nil)
}

// Logs returns the per-stage workspace logs for every problem.
func (h *TaskController) Logs(c *gin.Context) {
	logs, err := h.taskService.TaskLogs(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, gin.H{"problems": logs})
}

// Download streams every problem workspace of the task as one zip. The
// service checks ownership before the first byte, so early failures
// still produce a JSON envelope; a mid-stream failure can only be
// logged.
func (h *TaskController) Download(c *gin.Context) {
	id := c.Param("id")
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", `attachment; filename="task-`+id+`.zip"`)

	if err := h.taskService.DownloadWorkspaces(c.Request.Context(), actorFrom(c), id, c.Writer); err != nil {
		if c.Writer.Written() {
			logger.Error(c.Request.Context(), "workspace download aborted",
				zap.String("task_id", id), zap.Error(err))
			return
		}
		c.Header("Content-Type", "")
		c.Header("Content-Disposition", "")
		response.Error(c, err)
	}
}

func pageParams(c *gin.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
