package handler

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"studymate-go/internal/service"
	"studymate-go/pkg/log"
)

// DocumentHandler 负责处理文档上传与管理相关的 API 请求。
type DocumentHandler struct {
	docService service.DocumentService
	maxSize    int64
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(docService service.DocumentService, maxSize int64) *DocumentHandler {
	return &DocumentHandler{docService: docService, maxSize: maxSize}
}

// Upload 处理 multipart 上传：file 为 PDF 文件，subject_id、is_public、description 可选。
func (h *DocumentHandler) Upload(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respond(c, http.StatusBadRequest, "缺少上传文件", nil)
		return
	}
	if h.maxSize > 0 && fileHeader.Size > h.maxSize {
		respond(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("文件超过 %d 字节", h.maxSize), nil)
		return
	}
	subjectID, err := optionalID(c.PostForm("subject_id"))
	if err != nil {
		respond(c, http.StatusBadRequest, "无效的 subject_id", nil)
		return
	}
	isPublic, _ := strconv.ParseBool(c.DefaultPostForm("is_public", "false"))

	file, err := fileHeader.Open()
	if err != nil {
		respond(c, http.StatusBadRequest, "无法读取上传文件", nil)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		respond(c, http.StatusBadRequest, "无法读取上传文件", nil)
		return
	}

	res, err := h.docService.Upload(c.Request.Context(), p, service.UploadRequest{
		FileName:    fileHeader.Filename,
		Data:        data,
		SubjectID:   subjectID,
		IsPublic:    isPublic,
		Description: c.PostForm("description"),
	})
	if err != nil {
		fail(c, "DocumentHandler", err, "上传文档失败")
		return
	}
	if res.Queued {
		log.Infof("[DocumentHandler] 用户 %d 上传 '%s', 已排队入库", p.UserID, fileHeader.Filename)
		respond(c, http.StatusAccepted, "文件已接收，正在后台处理", res)
		return
	}
	respond(c, http.StatusCreated, "文档入库成功", res)
}

// List 返回调用者可以访问的文档，subject_id 为空时返回通用作用域。
func (h *DocumentHandler) List(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	subjectID, err := optionalID(c.Query("subject_id"))
	if err != nil {
		respond(c, http.StatusBadRequest, "无效的 subject_id", nil)
		return
	}
	docs, err := h.docService.List(c.Request.Context(), p, subjectID)
	if err != nil {
		fail(c, "DocumentHandler", err, "获取文件列表失败")
		return
	}
	ok(c, docs)
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := h.docService.Delete(c.Request.Context(), p, id); err != nil {
		fail(c, "DocumentHandler", err, "删除文档失败")
		return
	}
	respond(c, http.StatusOK, "文档删除成功", nil)
}

// Download 返回预签名链接；对象存储不支持预签名时直接返回文件内容。
func (h *DocumentHandler) Download(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	id, err := parseID(c.Param("id"))
	if err != nil {
		respond(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	info, err := h.docService.Download(c.Request.Context(), p, id)
	if err != nil {
		fail(c, "DocumentHandler", err, "生成下载链接失败")
		return
	}
	if info.DownloadURL != "" {
		ok(c, info)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.FileName))
	c.Data(http.StatusOK, "application/pdf", info.Data)
}
