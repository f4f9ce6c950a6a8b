// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

// IngestTask 描述一次待入库的上传，原件已写入对象存储的 StorageKey 位置。
type IngestTask struct {
	StorageKey   string `json:"storage_key"`
	OriginalName string `json:"original_name"`
	SubjectID    *uint  `json:"subject_id,omitempty"`
	UploadedBy   uint   `json:"uploaded_by"`
	IsPublic     bool   `json:"is_public"`
	Size         int64  `json:"size"`
	Description  string `json:"description,omitempty"`
}
