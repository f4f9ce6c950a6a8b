package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"studymate-go/internal/service"
	"studymate-go/pkg/log"
)

// SearchHandler 结构体定义了检索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 在调用者的作用域内做语义检索。
func (h *SearchHandler) Search(c *gin.Context) {
	p, found := principal(c)
	if !found {
		return
	}
	query := c.Query("query")
	if query == "" {
		respond(c, http.StatusBadRequest, "无效的查询参数", nil)
		return
	}
	topK, err := strconv.Atoi(c.DefaultQuery("topK", "5"))
	if err != nil || topK <= 0 || topK > 50 {
		topK = 5
	}
	subjectID, err := optionalID(c.Query("subject_id"))
	if err != nil {
		respond(c, http.StatusBadRequest, "无效的 subject_id", nil)
		return
	}

	results, err := h.searchService.Search(c.Request.Context(), p, query, subjectID, topK)
	if err != nil {
		fail(c, "SearchHandler", err, "搜索失败")
		return
	}
	log.Infof("[SearchHandler] 检索成功, query: '%s', 返回 %d 条结果", query, len(results))
	if results == nil {
		results = []service.RetrievedChunk{}
	}
	ok(c, results)
}
