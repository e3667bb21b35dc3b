package api

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const maxRuleBytes = 1 << 20

type RuleHandler struct {
	svc    service.RuleService
	logger *logrus.Logger
}

func NewRuleHandler(svc service.RuleService, logger *logrus.Logger) *RuleHandler {
	return &RuleHandler{svc: svc, logger: logger}
}

// Create 接受 JSON 或 YAML 格式的规则定义
// POST /rules
func (h *RuleHandler) Create(c *gin.Context) {
	var req service.CreateRuleRequest
	switch c.ContentType() {
	case "application/yaml", "application/x-yaml", "text/yaml", "text/x-yaml":
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRuleBytes))
		if err != nil {
			badRequest(c, "unreadable body")
			return
		}
		if err := yaml.Unmarshal(body, &req); err != nil {
			badRequest(c, "invalid yaml: "+err.Error())
			return
		}
	default:
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	rule, err := h.svc.Create(c.Request.Context(), callerID(c), req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// List GET /rules
func (h *RuleHandler) List(c *gin.Context) {
	rules, err := h.svc.List(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": rules})
}

// Get GET /rules/:id
func (h *RuleHandler) Get(c *gin.Context) {
	rule, err := h.svc.Get(c.Request.Context(), callerID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// Delete DELETE /rules/:id
func (h *RuleHandler) Delete(c *gin.Context) {
	if err := h.svc.Delete(c.Request.Context(), callerID(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
