package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"studymate-go/internal/model"
	"studymate-go/pkg/es"
	"studymate-go/pkg/log"
)

// ElasticIndex 把所有分区放在同一个 Elasticsearch 索引里，用 document_id 过滤实现作用域。
type ElasticIndex struct {
	client *elasticsearch.Client
	index  string
	model  string
	dims   int
}

type esChunk struct {
	ChunkID      string    `json:"chunk_id"`
	DocumentID   uint      `json:"document_id"`
	SubjectID    *uint     `json:"subject_id,omitempty"`
	Partition    string    `json:"partition"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	Generation   string    `json:"generation,omitempty"`
}

// bulkBatchSize 是单个 bulk 请求携带的分块数。
const bulkBatchSize = 500

// NewElasticIndex 确保索引存在并返回 ElasticIndex。
func NewElasticIndex(ctx context.Context, client *elasticsearch.Client, indexName, modelName string, dims int) (*ElasticIndex, error) {
	if err := es.EnsureIndex(ctx, client, indexName, es.ChunkMapping(dims)); err != nil {
		return nil, err
	}
	return &ElasticIndex{client: client, index: indexName, model: modelName, dims: dims}, nil
}

func (x *ElasticIndex) bulkIndex(ctx context.Context, entries []Entry, generation string) error {
	for start := 0; start < len(entries); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := x.bulkIndexBatch(ctx, entries[start:end], generation); err != nil {
			return err
		}
	}
	return nil
}

func (x *ElasticIndex) bulkIndexBatch(ctx context.Context, entries []Entry, generation string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		meta := map[string]interface{}{"index": map[string]string{"_index": x.index, "_id": e.ChunkID}}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		doc := esChunk{
			ChunkID:      e.ChunkID,
			DocumentID:   e.DocumentID,
			SubjectID:    e.SubjectID,
			Partition:    model.PartitionFor(e.SubjectID),
			Vector:       normalize(e.Vector),
			ModelVersion: x.model,
			Generation:   generation,
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	res, err := x.client.Bulk(&buf,
		x.client.Bulk.WithContext(ctx),
		x.client.Bulk.WithIndex(x.index),
		x.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return err
	}
	var out struct {
		Errors bool `json:"errors"`
	}
	if err := es.Decode(res, &out); err != nil {
		return err
	}
	if out.Errors {
		return fmt.Errorf("elasticsearch bulk index reported item errors")
	}
	return nil
}

func (x *ElasticIndex) deleteByQuery(ctx context.Context, query map[string]interface{}) error {
	body, err := json.Marshal(map[string]interface{}{"query": query})
	if err != nil {
		return err
	}
	res, err := x.client.DeleteByQuery([]string{x.index}, bytes.NewReader(body),
		x.client.DeleteByQuery.WithContext(ctx),
		x.client.DeleteByQuery.WithRefresh(true),
		x.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return err
	}
	return es.Decode(res, nil)
}

func (x *ElasticIndex) Upsert(ctx context.Context, entries []Entry) error {
	if err := checkDims(entries, x.dims); err != nil {
		return err
	}
	return x.bulkIndex(ctx, entries, "")
}

// ReplaceDocument 先写入新分块（chunk id 稳定，同 id 直接覆盖），再删除不在新集合中的旧分块，
// 检索期间不会出现文档整体缺失的窗口。
func (x *ElasticIndex) ReplaceDocument(ctx context.Context, documentID uint, subjectID *uint, entries []Entry) error {
	if err := checkDims(entries, x.dims); err != nil {
		return err
	}
	keep := make([]string, len(entries))
	for i := range entries {
		entries[i].DocumentID = documentID
		entries[i].SubjectID = subjectID
		keep[i] = entries[i].ChunkID
	}
	if err := x.bulkIndex(ctx, entries, ""); err != nil {
		return err
	}
	boolQuery := map[string]interface{}{
		"filter": []interface{}{map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}}},
	}
	if len(keep) > 0 {
		boolQuery["must_not"] = []interface{}{map[string]interface{}{"terms": map[string]interface{}{"chunk_id": keep}}}
	}
	return x.deleteByQuery(ctx, map[string]interface{}{"bool": boolQuery})
}

func (x *ElasticIndex) RemoveChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return x.deleteByQuery(ctx, map[string]interface{}{"terms": map[string]interface{}{"chunk_id": chunkIDs}})
}

func (x *ElasticIndex) RemoveDocument(ctx context.Context, documentID uint) error {
	return x.deleteByQuery(ctx, map[string]interface{}{"term": map[string]interface{}{"document_id": documentID}})
}

// maxTermsPerClause 不超过 Elasticsearch 默认的 index.max_terms_count（65536）。
// 白名单更长时拆成多个 terms 子句，用 bool should 合并。
const maxTermsPerClause = 65536

// buildKNNQuery 构造带作用域过滤的 kNN 检索请求体。
func buildKNNQuery(query []float32, scope model.Scope, k int) map[string]interface{} {
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	return map[string]interface{}{
		"size": k,
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   query,
			"k":              k,
			"num_candidates": candidates,
			"filter":         scopeFilter(scope),
		},
		"_source": []string{"chunk_id", "document_id"},
	}
}

func scopeFilter(scope model.Scope) map[string]interface{} {
	ids := scope.IDs()
	if len(ids) <= maxTermsPerClause {
		return map[string]interface{}{"terms": map[string]interface{}{"document_id": ids}}
	}
	var should []interface{}
	for start := 0; start < len(ids); start += maxTermsPerClause {
		end := start + maxTermsPerClause
		if end > len(ids) {
			end = len(ids)
		}
		should = append(should, map[string]interface{}{"terms": map[string]interface{}{"document_id": ids[start:end]}})
	}
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"filter":               []interface{}{map[string]interface{}{"terms": map[string]interface{}{"partition": scope.Partitions}}},
			"should":               should,
			"minimum_should_match": 1,
		},
	}
}

func (x *ElasticIndex) Search(ctx context.Context, query []float32, scope model.Scope, k int) ([]Hit, error) {
	if scope.Empty() || k <= 0 {
		return nil, nil
	}
	if len(query) != x.dims {
		return nil, fmt.Errorf("%w: query has %d dimensions, index expects %d",
			model.ErrEmbeddingVersionMismatch, len(query), x.dims)
	}
	body, err := json.Marshal(buildKNNQuery(normalize(query), scope, k))
	if err != nil {
		return nil, err
	}
	res, err := x.client.Search(
		x.client.Search.WithContext(ctx),
		x.client.Search.WithIndex(x.index),
		x.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, err
	}
	var out struct {
		Hits struct {
			Hits []struct {
				Score  float64 `json:"_score"`
				Source struct {
					ChunkID    string `json:"chunk_id"`
					DocumentID uint   `json:"document_id"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := es.Decode(res, &out); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		if !scope.Allows(h.Source.DocumentID) {
			log.Warnf("[VectorIndex] Elasticsearch 返回了作用域外的分块 %s, 已丢弃", h.Source.ChunkID)
			continue
		}
		// cosine 相似度在 ES 中的得分为 (1+cos)/2
		hits = append(hits, Hit{ChunkID: h.Source.ChunkID, DocumentID: h.Source.DocumentID, Score: 2*h.Score - 1})
	}
	return topK(hits, k), nil
}

// compositePageSize 是 composite 聚合每页返回的桶数。
const compositePageSize = 1000

type compositeBucket struct {
	Key      map[string]json.RawMessage `json:"key"`
	DocCount int                        `json:"doc_count"`
	Docs     struct {
		Value int `json:"value"`
	} `json:"docs"`
}

// key 返回桶的 key，字符串 key 去掉引号，数值 key 保持原样。
func (b compositeBucket) key() string {
	raw := b.Key["key"]
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// aggregate 用 composite 聚合按 field 分组，沿 after_key 翻页直到取完所有桶。
func (x *ElasticIndex) aggregate(ctx context.Context, field string, sub map[string]interface{}) ([]compositeBucket, error) {
	var (
		all   []compositeBucket
		after map[string]json.RawMessage
	)
	for {
		composite := map[string]interface{}{
			"size": compositePageSize,
			"sources": []interface{}{
				map[string]interface{}{"key": map[string]interface{}{"terms": map[string]interface{}{"field": field}}},
			},
		}
		if after != nil {
			composite["after"] = after
		}
		groups := map[string]interface{}{"composite": composite}
		if sub != nil {
			groups["aggs"] = sub
		}
		body, err := json.Marshal(map[string]interface{}{"size": 0, "aggs": map[string]interface{}{"groups": groups}})
		if err != nil {
			return nil, err
		}
		res, err := x.client.Search(
			x.client.Search.WithContext(ctx),
			x.client.Search.WithIndex(x.index),
			x.client.Search.WithBody(bytes.NewReader(body)),
		)
		if err != nil {
			return nil, err
		}
		var out struct {
			Aggregations struct {
				Groups struct {
					AfterKey map[string]json.RawMessage `json:"after_key"`
					Buckets  []compositeBucket          `json:"buckets"`
				} `json:"groups"`
			} `json:"aggregations"`
		}
		if err := es.Decode(res, &out); err != nil {
			return nil, err
		}
		page := out.Aggregations.Groups
		all = append(all, page.Buckets...)
		if len(page.Buckets) < compositePageSize || page.AfterKey == nil {
			return all, nil
		}
		after = page.AfterKey
	}
}

func (x *ElasticIndex) Stats(ctx context.Context) (map[string]PartitionStats, error) {
	buckets, err := x.aggregate(ctx, "partition", map[string]interface{}{
		"docs": map[string]interface{}{"cardinality": map[string]interface{}{"field": "document_id"}},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]PartitionStats, len(buckets))
	for _, b := range buckets {
		out[b.key()] = PartitionStats{Chunks: b.DocCount, Documents: b.Docs.Value}
	}
	return out, nil
}

func (x *ElasticIndex) DocumentCounts(ctx context.Context) (map[uint]int, error) {
	buckets, err := x.aggregate(ctx, "document_id", nil)
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int, len(buckets))
	for _, b := range buckets {
		id, err := strconv.ParseUint(b.key(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected document_id bucket %s", b.Key["key"])
		}
		out[uint(id)] = b.DocCount
	}
	return out, nil
}

// SwapPartition 把 entries 以新的 generation 写入（同 id 覆盖），再删除分区内其他 generation 的分块。
// 写入期间旧分块仍在，检索不会看到空分区。
func (x *ElasticIndex) SwapPartition(ctx context.Context, partition string, entries []Entry) error {
	if _, err := model.ParsePartition(partition); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if err := checkDims(entries, x.dims); err != nil {
		return err
	}
	if err := checkPartition(entries, partition); err != nil {
		return err
	}
	generation := strconv.FormatInt(time.Now().UnixNano(), 36)
	if err := x.bulkIndex(ctx, entries, generation); err != nil {
		return fmt.Errorf("write generation %s of %s: %w", generation, partition, err)
	}
	return x.deleteByQuery(ctx, staleGenerationQuery(partition, generation))
}

func staleGenerationQuery(partition, generation string) map[string]interface{} {
	return map[string]interface{}{
		"bool": map[string]interface{}{
			"filter":   []interface{}{map[string]interface{}{"term": map[string]interface{}{"partition": partition}}},
			"must_not": []interface{}{map[string]interface{}{"term": map[string]interface{}{"generation": generation}}},
		},
	}
}

func (x *ElasticIndex) Flush(ctx context.Context) error {
	res, err := x.client.Indices.Refresh(
		x.client.Indices.Refresh.WithContext(ctx),
		x.client.Indices.Refresh.WithIndex(x.index),
	)
	if err != nil {
		return err
	}
	return es.Decode(res, nil)
}

func (x *ElasticIndex) Close(ctx context.Context) error {
	return x.Flush(ctx)
}
