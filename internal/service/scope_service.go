package service

import (
	"context"
	"errors"
	"fmt"

	"studymate-go/internal/model"
	"studymate-go/internal/repository"
	"studymate-go/pkg/log"
)

// ScopeService 计算一次检索允许访问的文档集合。
type ScopeService interface {
	// Resolve 返回用户在某学科（nil 表示通用问答）下的作用域。
	// 用户无权访问该学科时返回 model.ErrScopeResolution，调用方按空作用域处理。
	Resolve(ctx context.Context, principal model.Principal, subjectID *uint) (model.Scope, error)
}

type scopeService struct {
	docs     repository.DocumentRepository
	subjects repository.SubjectRepository
}

// NewScopeService 创建一个新的 ScopeService 实例。
func NewScopeService(docs repository.DocumentRepository, subjects repository.SubjectRepository) ScopeService {
	return &scopeService{docs: docs, subjects: subjects}
}

// Resolve 的规则：
// 学科作用域 = 该学科全部文档 + 用户可见的全局文档；
// 通用作用域 = 公开的全局文档 + 用户本人上传的全局文档。
// 学生只能访问已选修且启用的学科，管理员不受限制。
func (s *scopeService) Resolve(ctx context.Context, principal model.Principal, subjectID *uint) (model.Scope, error) {
	if subjectID != nil {
		subject, err := s.subjects.FindByID(ctx, *subjectID)
		if errors.Is(err, model.ErrNotFound) {
			return model.EmptyScope(subjectID), fmt.Errorf("%w: subject %d does not exist", model.ErrScopeResolution, *subjectID)
		}
		if err != nil {
			return model.Scope{}, err
		}
		if !principal.IsAdmin() {
			if !subject.IsActive {
				return model.EmptyScope(subjectID), fmt.Errorf("%w: subject %d is inactive", model.ErrScopeResolution, *subjectID)
			}
			enrolled, err := s.subjects.IsEnrolled(ctx, principal.UserID, *subjectID)
			if err != nil {
				return model.Scope{}, err
			}
			if !enrolled {
				return model.EmptyScope(subjectID), fmt.Errorf("%w: user %d is not enrolled in subject %d", model.ErrScopeResolution, principal.UserID, *subjectID)
			}
		}
	}

	docs, err := s.docs.ListVisible(ctx, principal.UserID, subjectID)
	if err != nil {
		return model.Scope{}, fmt.Errorf("failed to list visible documents: %w", err)
	}
	scope := model.NewScope(subjectID, docs)
	log.Debugf("[ScopeService] user %d, subject %v: %d documents in %v", principal.UserID, subjectID, len(docs), scope.Partitions)
	return scope, nil
}
