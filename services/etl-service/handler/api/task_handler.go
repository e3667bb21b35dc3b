package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/repository"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/sirupsen/logrus"
)

const maxUploadBytes = 200 << 20

type TaskHandler struct {
	svc    service.ETLService
	logger *logrus.Logger
}

func NewTaskHandler(svc service.ETLService, logger *logrus.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

type submitRequest struct {
	ProjectID string                 `json:"project_id" binding:"required"`
	Filename  string                 `json:"filename" binding:"required"`
	RuleID    string                 `json:"rule_id"`
	SourceKey string                 `json:"source_key" binding:"required"`
	Metadata  map[string]interface{} `json:"metadata"`
}

type retryRequest struct {
	FromStage string `json:"from_stage"`
}

// Submit 提交已上传到 blob store 的文件
// POST /tasks
func (h *TaskHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	task, err := h.svc.Submit(c.Request.Context(), service.SubmitRequest{
		UserID:    callerID(c),
		ProjectID: req.ProjectID,
		Filename:  req.Filename,
		RuleID:    req.RuleID,
		SourceKey: req.SourceKey,
		Metadata:  req.Metadata,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": task.Status})
}

// Upload 接收文件本体，写入 blob store 后提交
// POST /tasks/upload (multipart: file, project_id, rule_id)
func (h *TaskHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	file, err := header.Open()
	if err != nil {
		badRequest(c, "unreadable file")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		badRequest(c, "unreadable file")
		return
	}

	task, err := h.svc.Upload(c.Request.Context(), service.UploadRequest{
		UserID:    callerID(c),
		ProjectID: c.PostForm("project_id"),
		Filename:  header.Filename,
		RuleID:    c.PostForm("rule_id"),
		Data:      data,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": task.Status})
}

// Get GET /tasks/:id
func (h *TaskHandler) Get(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	task, err := h.svc.GetStatusForUser(c.Request.Context(), id, callerID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Batch GET /tasks/batch?ids=1,2,3
func (h *TaskHandler) Batch(c *gin.Context) {
	ids, err := parseIDs(c.Query("ids"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := h.svc.BatchStatus(c.Request.Context(), callerID(c), ids)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// List GET /tasks?project_id=&status=&limit=&offset=
func (h *TaskHandler) List(c *gin.Context) {
	filter, ok := listFilter(c)
	if !ok {
		return
	}
	res, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Export 以 xlsx 导出当前过滤条件下的任务
// GET /tasks/export
func (h *TaskHandler) Export(c *gin.Context) {
	filter, ok := listFilter(c)
	if !ok {
		return
	}
	if c.Query("limit") == "" {
		filter.Limit = 200
	}
	res, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	data, err := BuildTaskWorkbook(res.Tasks)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	name := fmt.Sprintf("etl-tasks-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}

// Result 返回输出文件的临时下载地址
// GET /tasks/:id/result
func (h *TaskHandler) Result(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	url, err := h.svc.ResultURL(c.Request.Context(), id, callerID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "url": url})
}

// Cancel POST /tasks/:id/cancel?force=bool
func (h *TaskHandler) Cancel(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	force := false
	if raw := c.Query("force"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "force must be a boolean")
			return
		}
		force = v
	}
	task, err := h.svc.Cancel(c.Request.Context(), id, callerID(c), force)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Retry POST /tasks/:id/retry {from_stage}
func (h *TaskHandler) Retry(c *gin.Context) {
	id, ok := taskID(c)
	if !ok {
		return
	}
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err.Error())
		return
	}
	task, err := h.svc.Retry(c.Request.Context(), id, callerID(c), req.FromStage)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// Health GET /health
func (h *TaskHandler) Health(c *gin.Context) {
	report := h.svc.Health(c.Request.Context())
	code := http.StatusOK
	if report.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

func taskID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid task id")
		return 0, false
	}
	return id, true
}

func parseIDs(raw string) ([]uint64, error) {
	var ids []uint64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid task id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.New("ids is required")
	}
	return ids, nil
}

func listFilter(c *gin.Context) (repository.TaskFilter, bool) {
	filter := repository.TaskFilter{
		UserID:    callerID(c),
		ProjectID: c.Query("project_id"),
		Status:    c.Query("status"),
	}
	var err error
	if raw := c.Query("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil {
			badRequest(c, "limit must be an integer")
			return filter, false
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if filter.Offset, err = strconv.Atoi(raw); err != nil {
			badRequest(c, "offset must be an integer")
			return filter, false
		}
	}
	return filter, true
}
