package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"studymate-go/internal/service"
	"studymate-go/pkg/log"
)

// AdminHandler 负责处理所有与管理员相关的 API 请求：学科、选课与向量索引运维。
type AdminHandler struct {
	adminService service.AdminService
	indexService service.IndexService
}

// NewAdminHandler 创建一个新的 AdminHandler 实例。
func NewAdminHandler(adminService service.AdminService, indexService service.IndexService) *AdminHandler {
	return &AdminHandler{adminService: adminService, indexService: indexService}
}

// CreateSubject 处理创建学科的请求。
func (h *AdminHandler) CreateSubject(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	var req service.CreateSubjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	subject, err := h.adminService.CreateSubject(c.Request.Context(), p, req)
	if err != nil {
		fail(c, "AdminHandler", err, "创建学科失败")
		return
	}
	log.Infof("[AdminHandler] 管理员 %d 创建了学科 '%s'", p.UserID, subject.Code)
	respond(c, http.StatusCreated, "success", subject)
}

// ListSubjects 所有登录用户都可以查看学科列表。
func (h *AdminHandler) ListSubjects(c *gin.Context) {
	subjects, err := h.adminService.ListSubjects(c.Request.Context())
	if err != nil {
		fail(c, "AdminHandler", err, "获取学科列表失败")
		return
	}
	ok(c, subjects)
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (h *AdminHandler) SetSubjectActive(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	if err := h.adminService.SetSubjectActive(c.Request.Context(), id, *req.Active); err != nil {
		fail(c, "AdminHandler", err, "更新学科状态失败")
		return
	}
	respond(c, http.StatusOK, "学科状态已更新", nil)
}

type enrollRequest struct {
	UserID uint `json:"user_id" binding:"required"`
}

func (h *AdminHandler) Enroll(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond(c, http.StatusBadRequest, "无效的请求负载", nil)
		return
	}
	if err := h.adminService.Enroll(c.Request.Context(), req.UserID, id); err != nil {
		fail(c, "AdminHandler", err, "选课失败")
		return
	}
	respond(c, http.StatusOK, "选课成功", nil)
}

// IndexStatus 对比向量索引与关系库中各分区的规模。
func (h *AdminHandler) IndexStatus(c *gin.Context) {
	status, err := h.indexService.Status(c.Request.Context())
	if err != nil {
		fail(c, "AdminHandler", err, "获取索引状态失败")
		return
	}
	ok(c, status)
}

// RebuildIndex 从关系库重建索引，partition 为空时重建全部分区。
func (h *AdminHandler) RebuildIndex(c *gin.Context) {
	report, err := h.indexService.Rebuild(c.Request.Context(), c.Query("partition"))
	if err != nil {
		fail(c, "AdminHandler", err, "重建索引失败")
		return
	}
	ok(c, report)
}

func (h *AdminHandler) ReconcileIndex(c *gin.Context) {
	report, err := h.indexService.Reconcile(c.Request.Context())
	if err != nil {
		fail(c, "AdminHandler", err, "索引对账失败")
		return
	}
	ok(c, report)
}
