package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"studymate-go/internal/model"
	"studymate-go/internal/repository"
	"studymate-go/pkg/log"
)

// CreateSubjectRequest 是创建学科的请求体。
type CreateSubjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Code        string `json:"code" binding:"required"`
	Description string `json:"description"`
}

// AdminService 接口定义了管理员对学科与选课的管理操作。
type AdminService interface {
	CreateSubject(ctx context.Context, creator model.Principal, req CreateSubjectRequest) (*model.Subject, error)
	ListSubjects(ctx context.Context) ([]model.Subject, error)
	SetSubjectActive(ctx context.Context, subjectID uint, active bool) error
	Enroll(ctx context.Context, userID, subjectID uint) error
}

type adminService struct {
	subjects repository.SubjectRepository
	users    repository.UserRepository
}

// NewAdminService 创建一个新的 AdminService 实例。
func NewAdminService(subjects repository.SubjectRepository, users repository.UserRepository) AdminService {
	return &adminService{subjects: subjects, users: users}
}

// CreateSubject 创建一门启用状态的学科，学科代码不区分大小写且必须唯一。
func (s *adminService) CreateSubject(ctx context.Context, creator model.Principal, req CreateSubjectRequest) (*model.Subject, error) {
	name := strings.TrimSpace(req.Name)
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if name == "" || code == "" {
		return nil, fmt.Errorf("%w: subject name and code are required", model.ErrInvalidInput)
	}

	_, err := s.subjects.FindByCode(ctx, code)
	if err == nil {
		return nil, fmt.Errorf("%w: subject code %s already exists", model.ErrInvalidInput, code)
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	subject := &model.Subject{
		Name:        name,
		Code:        code,
		Description: req.Description,
		IsActive:    true,
		CreatedBy:   creator.UserID,
	}
	if err := s.subjects.Create(ctx, subject); err != nil {
		return nil, err
	}
	log.Infof("[AdminService] 学科已创建, id: %d, code: %s", subject.ID, subject.Code)
	return subject, nil
}

func (s *adminService) ListSubjects(ctx context.Context) ([]model.Subject, error) {
	return s.subjects.List(ctx)
}

// SetSubjectActive 停用后学生无法再在该学科下检索，已有文档保留。
func (s *adminService) SetSubjectActive(ctx context.Context, subjectID uint, active bool) error {
	if err := s.subjects.SetActive(ctx, subjectID, active); err != nil {
		return err
	}
	log.Infof("[AdminService] 学科 %d 状态更新为 active=%t", subjectID, active)
	return nil
}

func (s *adminService) Enroll(ctx context.Context, userID, subjectID uint) error {
	if _, err := s.users.FindByID(ctx, userID); err != nil {
		return fmt.Errorf("user %d: %w", userID, err)
	}
	if _, err := s.subjects.FindByID(ctx, subjectID); err != nil {
		return fmt.Errorf("subject %d: %w", subjectID, err)
	}
	return s.subjects.Enroll(ctx, userID, subjectID)
}
