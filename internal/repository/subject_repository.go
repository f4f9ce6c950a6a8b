package repository

import (
	"context"

	"gorm.io/gorm"
	"studymate-go/internal/model"
)

// SubjectRepository 管理学科与选课关系。
type SubjectRepository interface {
	Create(ctx context.Context, subject *model.Subject) error
	FindByID(ctx context.Context, id uint) (*model.Subject, error)
	FindByCode(ctx context.Context, code string) (*model.Subject, error)
	SetActive(ctx context.Context, id uint, active bool) error
	List(ctx context.Context) ([]model.Subject, error)
	Enroll(ctx context.Context, userID, subjectID uint) error
	IsEnrolled(ctx context.Context, userID, subjectID uint) (bool, error)
}

type subjectRepository struct {
	db *gorm.DB
}

// NewSubjectRepository 创建一个新的 SubjectRepository 实例。
func NewSubjectRepository(db *gorm.DB) SubjectRepository {
	return &subjectRepository{db: db}
}

func (r *subjectRepository) Create(ctx context.Context, subject *model.Subject) error {
	return r.db.WithContext(ctx).Create(subject).Error
}

func (r *subjectRepository) FindByID(ctx context.Context, id uint) (*model.Subject, error) {
	var subject model.Subject
	if err := r.db.WithContext(ctx).First(&subject, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &subject, nil
}

func (r *subjectRepository) FindByCode(ctx context.Context, code string) (*model.Subject, error) {
	var subject model.Subject
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&subject).Error; err != nil {
		return nil, notFound(err)
	}
	return &subject, nil
}

func (r *subjectRepository) SetActive(ctx context.Context, id uint, active bool) error {
	res := r.db.WithContext(ctx).Model(&model.Subject{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (r *subjectRepository) List(ctx context.Context) ([]model.Subject, error) {
	var subjects []model.Subject
	err := r.db.WithContext(ctx).Order("name").Find(&subjects).Error
	return subjects, err
}

// Enroll 是幂等的，重复选课不会报错。
func (r *subjectRepository) Enroll(ctx context.Context, userID, subjectID uint) error {
	e := model.Enrollment{UserID: userID, SubjectID: subjectID}
	return r.db.WithContext(ctx).
		Where("user_id = ? AND subject_id = ?", userID, subjectID).
		FirstOrCreate(&e).Error
}

func (r *subjectRepository) IsEnrolled(ctx context.Context, userID, subjectID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Enrollment{}).
		Where("user_id = ? AND subject_id = ?", userID, subjectID).
		Count(&count).Error
	return count > 0, err
}
