package vectorindex

import (
	"sync"

	"studymate-go/internal/model"
)

type stored struct {
	documentID uint
	subjectID  *uint
	vector     []float32
}

// Partition 是一个学科（或全局）的索引句柄。
// 写操作互斥，读操作并发；同一文档的替换在一次写锁内完成。
type Partition struct {
	name string

	mu      sync.RWMutex
	entries map[string]stored
	byDoc   map[uint]map[string]struct{}
	version uint64
	flushed uint64
}

func newPartition(name string) *Partition {
	return &Partition{
		name:    name,
		entries: make(map[string]stored),
		byDoc:   make(map[uint]map[string]struct{}),
	}
}

func (p *Partition) Name() string { return p.name }

func (p *Partition) putLocked(e Entry) {
	if old, ok := p.entries[e.ChunkID]; ok && old.documentID != e.DocumentID {
		p.dropLocked(e.ChunkID)
	}
	p.entries[e.ChunkID] = stored{documentID: e.DocumentID, subjectID: e.SubjectID, vector: normalize(e.Vector)}
	ids := p.byDoc[e.DocumentID]
	if ids == nil {
		ids = make(map[string]struct{})
		p.byDoc[e.DocumentID] = ids
	}
	ids[e.ChunkID] = struct{}{}
}

func (p *Partition) dropLocked(chunkID string) bool {
	s, ok := p.entries[chunkID]
	if !ok {
		return false
	}
	delete(p.entries, chunkID)
	if ids := p.byDoc[s.documentID]; ids != nil {
		delete(ids, chunkID)
		if len(ids) == 0 {
			delete(p.byDoc, s.documentID)
		}
	}
	return true
}

func (p *Partition) upsert(entries []Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		p.putLocked(e)
	}
	p.version++
}

func (p *Partition) replaceDocument(documentID uint, entries []Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeDocumentLocked(documentID)
	for _, e := range entries {
		p.putLocked(e)
	}
	p.version++
}

func (p *Partition) removeDocumentLocked(documentID uint) bool {
	ids := p.byDoc[documentID]
	for id := range ids {
		delete(p.entries, id)
	}
	delete(p.byDoc, documentID)
	return len(ids) > 0
}

func (p *Partition) removeDocument(documentID uint) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.removeDocumentLocked(documentID) {
		return false
	}
	p.version++
	return true
}

func (p *Partition) removeChunks(ids []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false
	for _, id := range ids {
		if p.dropLocked(id) {
			changed = true
		}
	}
	if changed {
		p.version++
	}
}

// restore 用快照内容替换分区，并视为已落盘。
func (p *Partition) restore(entries []Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]stored, len(entries))
	p.byDoc = make(map[uint]map[string]struct{})
	for _, e := range entries {
		p.putLocked(e)
	}
	p.version++
	p.flushed = p.version
}

// search 对作用域内的分块做暴力内积检索，query 须已归一化。
func (p *Partition) search(query []float32, scope model.Scope) []Hit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var hits []Hit
	for docID, ids := range p.byDoc {
		if !scope.Allows(docID) {
			continue
		}
		for id := range ids {
			hits = append(hits, Hit{ChunkID: id, DocumentID: docID, Score: dot(query, p.entries[id].vector)})
		}
	}
	return hits
}

func (p *Partition) stats() PartitionStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PartitionStats{Chunks: len(p.entries), Documents: len(p.byDoc)}
}

func (p *Partition) documentCounts(into map[uint]int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for docID, ids := range p.byDoc {
		into[docID] += len(ids)
	}
}

// snapshot 复制当前条目，返回版本号供落盘成功后标记。
// 向量在写入时已被替换为新切片，从不原地修改，因此可以共享。
func (p *Partition) snapshot() ([]Entry, uint64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.version == p.flushed {
		return nil, p.version, false
	}
	out := make([]Entry, 0, len(p.entries))
	for id, s := range p.entries {
		out = append(out, Entry{ChunkID: id, DocumentID: s.documentID, SubjectID: s.subjectID, Vector: s.vector})
	}
	return out, p.version, true
}

func (p *Partition) markFlushed(version uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version > p.flushed {
		p.flushed = version
	}
}
