// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"fmt"

	"studymate-go/internal/config"
	"studymate-go/internal/model"
	"studymate-go/internal/repository"
	"studymate-go/internal/vectorindex"
	"studymate-go/pkg/embedding"
	"studymate-go/pkg/log"
)

// RetrievedChunk 是检索命中的分块及其来源。
type RetrievedChunk struct {
	ChunkID      string  `json:"chunkId"`
	DocumentID   uint    `json:"documentId"`
	DocumentName string  `json:"documentName"`
	SubjectID    *uint   `json:"subjectId"`
	Seq          int     `json:"seq"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
}

// SearchService 接口定义了检索操作。
type SearchService interface {
	// Retrieve 在 scope 内检索与 query 最相似的至多 k 个分块，按相似度降序。
	// scope 为空时返回空结果而不是错误。
	Retrieve(ctx context.Context, query string, scope model.Scope, k int) ([]RetrievedChunk, error)
	// Search 先解析用户作用域再检索，供检索接口直接使用。
	Search(ctx context.Context, principal model.Principal, query string, subjectID *uint, k int) ([]RetrievedChunk, error)
}

type searchService struct {
	embedder embedding.Client
	index    vectorindex.VectorIndex
	docs     repository.DocumentRepository
	scopes   ScopeService
	cfg      config.RAGConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(embedder embedding.Client, index vectorindex.VectorIndex, docs repository.DocumentRepository, scopes ScopeService, cfg config.RAGConfig) SearchService {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &searchService{embedder: embedder, index: index, docs: docs, scopes: scopes, cfg: cfg}
}

func (s *searchService) Retrieve(ctx context.Context, query string, scope model.Scope, k int) ([]RetrievedChunk, error) {
	if scope.Empty() {
		log.Infof("[SearchService] 作用域为空, 跳过检索, query: '%s'", query)
		return nil, nil
	}
	if k <= 0 {
		k = s.cfg.TopK
	}

	queryVector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		log.Errorf("[SearchService] 向量化查询失败: %v", err)
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	hits, err := s.index.Search(ctx, queryVector, scope, k)
	if err != nil {
		log.Errorf("[SearchService] 向量检索失败: %v", err)
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	docIDs := make([]uint, 0, len(hits))
	seenDoc := make(map[uint]bool)
	for i, h := range hits {
		ids[i] = h.ChunkID
		if !seenDoc[h.DocumentID] {
			seenDoc[h.DocumentID] = true
			docIDs = append(docIDs, h.DocumentID)
		}
	}
	chunks, err := s.docs.FindChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	docs, err := s.docs.FindByIDs(ctx, docIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	chunkByID := make(map[string]model.Chunk, len(chunks))
	for _, c := range chunks {
		chunkByID[c.ID] = c
	}
	nameByID := make(map[uint]string, len(docs))
	for _, d := range docs {
		nameByID[d.ID] = d.OriginalName
	}

	results := make([]RetrievedChunk, 0, len(hits))
	for _, h := range hits {
		if h.Score < s.cfg.MinScore {
			continue
		}
		c, ok := chunkByID[h.ChunkID]
		name, docOK := nameByID[h.DocumentID]
		if !ok || !docOK || !scope.Allows(c.DocumentID) {
			// 索引比关系库旧，等待 reconcile 清理
			log.Warnf("[SearchService] 索引中的分块 %s 在关系库中不存在, 已忽略", h.ChunkID)
			continue
		}
		results = append(results, RetrievedChunk{
			ChunkID:      c.ID,
			DocumentID:   c.DocumentID,
			DocumentName: name,
			SubjectID:    c.SubjectID,
			Seq:          c.Seq,
			Text:         c.Text,
			Score:        h.Score,
		})
	}
	log.Infof("[SearchService] 检索完成, query: '%s', 命中 %d 个分块", query, len(results))
	return results, nil
}

func (s *searchService) Search(ctx context.Context, principal model.Principal, query string, subjectID *uint, k int) ([]RetrievedChunk, error) {
	scope, err := s.scopes.Resolve(ctx, principal, subjectID)
	if err != nil {
		return nil, err
	}
	return s.Retrieve(ctx, query, scope, k)
}
