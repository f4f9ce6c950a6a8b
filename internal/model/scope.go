package model

import (
	"fmt"
	"sort"
)

// GlobalPartition 是未归属学科的文档所在的索引分区。
const GlobalPartition = "global"

// PartitionFor 返回某个学科（nil 表示全局）对应的索引分区名。
func PartitionFor(subjectID *uint) string {
	if subjectID == nil {
		return GlobalPartition
	}
	return fmt.Sprintf("subject-%d", *subjectID)
}

// Scope 是一次检索允许访问的文档集合，由学科选课关系和公开/私有标记推导而来。
// DocumentIDs 是权威的白名单，Partitions 只是告诉索引去哪些分区查找。
type Scope struct {
	SubjectID   *uint
	DocumentIDs map[uint]struct{}
	Partitions  []string
}

// NewScope 构造一个作用域，分区列表按文档实际所在学科推导。
func NewScope(subjectID *uint, docs []Document) Scope {
	s := Scope{SubjectID: subjectID, DocumentIDs: make(map[uint]struct{}, len(docs))}
	seen := make(map[string]struct{})
	for _, d := range docs {
		s.DocumentIDs[d.ID] = struct{}{}
		p := PartitionFor(d.SubjectID)
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			s.Partitions = append(s.Partitions, p)
		}
	}
	sort.Strings(s.Partitions)
	return s
}

// EmptyScope 返回不包含任何文档的作用域。
func EmptyScope(subjectID *uint) Scope {
	return Scope{SubjectID: subjectID, DocumentIDs: map[uint]struct{}{}}
}

func (s Scope) Allows(documentID uint) bool {
	_, ok := s.DocumentIDs[documentID]
	return ok
}

func (s Scope) Empty() bool {
	return len(s.DocumentIDs) == 0
}

// IDs 返回排好序的文档 ID 列表。
func (s Scope) IDs() []uint {
	ids := make([]uint, 0, len(s.DocumentIDs))
	for id := range s.DocumentIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParsePartition 是 PartitionFor 的逆操作。
func ParsePartition(partition string) (*uint, error) {
	if partition == GlobalPartition {
		return nil, nil
	}
	var id uint
	if _, err := fmt.Sscanf(partition, "subject-%d", &id); err != nil {
		return nil, fmt.Errorf("unknown partition %q", partition)
	}
	return &id, nil
}
