package repository

import (
	"context"

	"duelgo/models"

	"gorm.io/gorm"
)

// QuestionRepository reads the question bank consumed by the duel
// coordinator.
type QuestionRepository interface {
	ListCategories(ctx context.Context) ([]models.Category, error)
	CategoryByName(ctx context.Context, name string) (*models.Category, error)
	// PickRandom draws n distinct questions from the category with their
	// options preloaded.
	PickRandom(ctx context.Context, categoryID uint, n int) ([]models.Question, error)
	CountByCategory(ctx context.Context, categoryID uint) (int64, error)
	SeedCategory(ctx context.Context, category *models.Category) error
}

type gormQuestionRepository struct {
	db *gorm.DB
}

func NewQuestionRepository(db *gorm.DB) QuestionRepository {
	return &gormQuestionRepository{db: db}
}

func (r *gormQuestionRepository) ListCategories(ctx context.Context) ([]models.Category, error) {
	var categories []models.Category
	err := r.db.WithContext(ctx).Order("name ASC").Find(&categories).Error
	return categories, err
}

func (r *gormQuestionRepository) CategoryByName(ctx context.Context, name string) (*models.Category, error) {
	var category models.Category
	if err := r.db.WithContext(ctx).Where("name = ?", name).First(&category).Error; err != nil {
		return nil, err
	}
	return &category, nil
}

func (r *gormQuestionRepository) PickRandom(ctx context.Context, categoryID uint, n int) ([]models.Question, error) {
	var questions []models.Question
	err := r.db.WithContext(ctx).
		Where("category_id = ?", categoryID).
		Order("RANDOM()").
		Limit(n).
		Preload("Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("options.order ASC")
		}).
		Find(&questions).Error
	return questions, err
}

func (r *gormQuestionRepository) CountByCategory(ctx context.Context, categoryID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.Question{}).
		Where("category_id = ?", categoryID).
		Count(&n).Error
	return n, err
}

func (r *gormQuestionRepository) SeedCategory(ctx context.Context, category *models.Category) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Category
		err := tx.Where("name = ?", category.Name).First(&existing).Error
		if err == nil {
			return nil // already seeded
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		return tx.Create(category).Error
	})
}
