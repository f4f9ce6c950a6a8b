package vectorindex

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"sort"

	"studymate-go/internal/model"
)

const snapshotVersion = 1

// SnapshotPrefix 是快照在对象存储中的目录。
const SnapshotPrefix = "vector-index/"

func snapshotKey(partition string) string {
	return SnapshotPrefix + partition + ".json"
}

type snapshotEntry struct {
	ChunkID    string `json:"chunk_id"`
	DocumentID uint   `json:"document_id"`
	SubjectID  *uint  `json:"subject_id,omitempty"`
	Vector     []byte `json:"vector"`
}

type snapshotFile struct {
	Version   int             `json:"version"`
	Partition string          `json:"partition"`
	Model     string          `json:"model"`
	Dimension int             `json:"dimension"`
	Checksum  uint32          `json:"crc32"`
	Entries   json.RawMessage `json:"entries"`
}

// encodeSnapshot 序列化一个分区。条目按 chunk id 排序，相同内容得到相同字节。
func encodeSnapshot(partition, modelName string, dims int, entries []Entry) ([]byte, error) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ChunkID < entries[j].ChunkID })
	se := make([]snapshotEntry, len(entries))
	for i, e := range entries {
		se[i] = snapshotEntry{ChunkID: e.ChunkID, DocumentID: e.DocumentID, SubjectID: e.SubjectID, Vector: model.EncodeVector(e.Vector)}
	}
	payload, err := json.Marshal(se)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshotFile{
		Version:   snapshotVersion,
		Partition: partition,
		Model:     modelName,
		Dimension: dims,
		Checksum:  crc32.ChecksumIEEE(payload),
		Entries:   payload,
	})
}

// decodeSnapshot 校验并解析快照。
// 格式、校验和或向量长度不对返回 ErrIndexCorruption；模型或维度与当前配置不同返回 ErrEmbeddingVersionMismatch。
func decodeSnapshot(data []byte, partition, modelName string, dims int) ([]Entry, error) {
	var f snapshotFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrIndexCorruption, partition, err)
	}
	if f.Version != snapshotVersion || f.Partition != partition {
		return nil, fmt.Errorf("%w: %s: unexpected header version=%d partition=%q",
			model.ErrIndexCorruption, partition, f.Version, f.Partition)
	}
	if crc32.ChecksumIEEE(f.Entries) != f.Checksum {
		return nil, fmt.Errorf("%w: %s: checksum mismatch", model.ErrIndexCorruption, partition)
	}
	if f.Model != modelName || f.Dimension != dims {
		return nil, fmt.Errorf("%w: %s: snapshot built with %s/%d, embedder is %s/%d",
			model.ErrEmbeddingVersionMismatch, partition, f.Model, f.Dimension, modelName, dims)
	}
	var se []snapshotEntry
	if err := json.Unmarshal(f.Entries, &se); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrIndexCorruption, partition, err)
	}
	out := make([]Entry, len(se))
	for i, e := range se {
		v, err := model.DecodeVector(e.Vector)
		if err != nil || len(v) != dims {
			return nil, fmt.Errorf("%w: %s: chunk %s has a malformed vector", model.ErrIndexCorruption, partition, e.ChunkID)
		}
		out[i] = Entry{ChunkID: e.ChunkID, DocumentID: e.DocumentID, SubjectID: e.SubjectID, Vector: v}
	}
	return out, nil
}
