package services

import (
	"context"

	"duelgo/models"
	"duelgo/repository"

	"github.com/sirupsen/logrus"
)

// QuestionService fronts the question bank the coordinator consumes.
type QuestionService struct {
	questions repository.QuestionRepository
	log       *logrus.Entry
}

func NewQuestionService(questions repository.QuestionRepository, log *logrus.Logger) *QuestionService {
	return &QuestionService{
		questions: questions,
		log:       log.WithField("component", "question_service"),
	}
}

type CategoryView struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

func (s *QuestionService) ListCategories(ctx context.Context) ([]CategoryView, error) {
	categories, err := s.questions.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]CategoryView, len(categories))
	for i, c := range categories {
		views[i] = CategoryView{ID: c.ID, Name: c.Name}
	}
	return views, nil
}

// Seed loads bootstrap categories into an empty bank. Categories that
// already exist are left untouched.
func (s *QuestionService) Seed(ctx context.Context, categories []models.Category) error {
	for i := range categories {
		if err := s.questions.SeedCategory(ctx, &categories[i]); err != nil {
			return err
		}
		s.log.WithField("category", categories[i].Name).Debug("category seeded")
	}
	return nil
}
