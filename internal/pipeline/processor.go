package pipeline

import (
	"context"
	"errors"
	"fmt"

	"studymate-go/internal/model"
	"studymate-go/pkg/log"
	"studymate-go/pkg/storage"
	"studymate-go/pkg/tasks"
)

// Processor 处理 Kafka 投递的入库任务：从对象存储读取原件后交给 Ingestor。
type Processor struct {
	store    storage.ObjectStore
	ingestor *Ingestor
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(store storage.ObjectStore, ingestor *Ingestor) *Processor {
	return &Processor{store: store, ingestor: ingestor}
}

// Process 是任务处理的主函数。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 从对象存储下载文件, Object: %s", task.StorageKey)
	data, err := p.store.Get(ctx, task.StorageKey)
	if err != nil {
		log.Errorf("[Processor] 下载文件失败, Object: %s, Error: %v", task.StorageKey, err)
		return &model.IngestionError{StorageKey: task.StorageKey, Err: fmt.Errorf("下载文件失败: %w", err)}
	}
	_, err = p.ingestor.Ingest(ctx, data, MetadataFromTask(task))
	if errors.Is(err, model.ErrUnsupportedFormat) || errors.Is(err, model.ErrEmptyDocument) {
		// 文件本身有问题，重试没有意义
		log.Errorf("[Processor] 文件无法入库, 放弃该任务, Object: %s, Error: %v", task.StorageKey, err)
		p.Abandon(ctx, task, err)
		return nil
	}
	return err
}

// Abandon 在任务不再重试时调用：文档记录转为 failed，原件从对象存储删除。
func (p *Processor) Abandon(ctx context.Context, task tasks.IngestTask, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := p.ingestor.Fail(ctx, task.StorageKey, cause); err != nil {
		log.Errorf("[Processor] 标记入库失败出错, Object: %s, Error: %v", task.StorageKey, err)
	}
	if err := p.store.Remove(ctx, task.StorageKey); err != nil {
		log.Warnf("[Processor] 删除原件失败, Object: %s, Error: %v", task.StorageKey, err)
	}
}

// MetadataFromTask 把队列任务转换为入库元数据。
func MetadataFromTask(task tasks.IngestTask) Metadata {
	return Metadata{
		StorageKey:   task.StorageKey,
		OriginalName: task.OriginalName,
		SubjectID:    task.SubjectID,
		UploadedBy:   task.UploadedBy,
		IsPublic:     task.IsPublic,
		Size:         task.Size,
		Description:  task.Description,
	}
}
