package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"duelgo/models"
	"duelgo/repository"
	"duelgo/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// duelStore is a minimal in-memory repository.DuelRepository backing the
// endpoint tests. Sweep queries are out of scope here.
type duelStore struct {
	mu      sync.Mutex
	nextID  uint
	duels   map[uint]*models.Duel
	rounds  map[uint][]models.DuelRound
	answers []models.AnswerRecord
}

func newDuelStore() *duelStore {
	return &duelStore{duels: make(map[uint]*models.Duel), rounds: make(map[uint][]models.DuelRound)}
}

func (s *duelStore) Create(_ context.Context, duel *models.Duel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	duel.ID = s.nextID
	duel.CreatedAt = time.Now()
	s.rounds[duel.ID] = append([]models.DuelRound(nil), duel.Rounds...)
	stored := *duel
	stored.Rounds = nil
	s.duels[duel.ID] = &stored
	return nil
}

func (s *duelStore) GetByID(_ context.Context, id uint) (*models.Duel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duels[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *duelStore) FindActiveByCode(_ context.Context, code string) (*models.Duel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.duels {
		if d.Code == code && !d.Status.Terminal() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *duelStore) ClaimGuestSlot(_ context.Context, duelID, guestID uint, startedAt, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duels[duelID]
	if !ok || d.Status != models.DuelWaiting || d.GuestID != nil {
		return false, nil
	}
	g, st, dl := guestID, startedAt, deadline
	d.GuestID = &g
	d.Status = models.DuelPlaying
	d.StartedAt = &st
	d.Deadline = &dl
	return true, nil
}

func (s *duelStore) CancelWaiting(_ context.Context, duelID uint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duels[duelID]
	if !ok || d.Status != models.DuelWaiting {
		return false, nil
	}
	d.Status = models.DuelCancelled
	return true, nil
}

func (s *duelStore) RoundsForDuel(_ context.Context, duelID uint) ([]models.DuelRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.DuelRound(nil), s.rounds[duelID]...), nil
}

func (s *duelStore) RoundForDuel(_ context.Context, duelID uint, roundNumber int) (*models.DuelRound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rounds[duelID] {
		if r.RoundNumber == roundNumber {
			cp := r
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *duelStore) AnswerFor(_ context.Context, duelID, userID uint, roundNumber int) (*models.AnswerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.answers {
		if a.DuelID == duelID && a.UserID == userID && a.RoundNumber == roundNumber {
			cp := a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *duelStore) CountAnswers(_ context.Context, duelID, userID uint) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.answers {
		if a.DuelID == duelID && a.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (s *duelStore) SumPoints(context.Context, uint, uint) (int, error) { panic("unused") }

func (s *duelStore) AppendAnswer(_ context.Context, rec *models.AnswerRecord, scoreColumn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.answers {
		if a.DuelID == rec.DuelID && a.UserID == rec.UserID && a.RoundNumber == rec.RoundNumber {
			return repository.ErrDuplicateAnswer
		}
	}
	if d, ok := s.duels[rec.DuelID]; !ok || d.Status != models.DuelPlaying {
		return repository.ErrDuelClosed
	}
	s.answers = append(s.answers, *rec)
	if scoreColumn == "host_score" {
		s.duels[rec.DuelID].HostScore += rec.PointsEarned
	} else {
		s.duels[rec.DuelID].GuestScore += rec.PointsEarned
	}
	return nil
}

func (s *duelStore) FinishDuel(_ context.Context, duelID uint, finishedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.duels[duelID]
	if !ok || d.Status != models.DuelPlaying {
		return false, nil
	}
	d.Status = models.DuelFinished
	f := finishedAt
	d.FinishedAt = &f
	d.WinnerID = d.ComputeWinner()
	return true, nil
}

func (s *duelStore) ListStaleWaiting(context.Context, time.Time, int) ([]models.Duel, error) {
	panic("unused")
}

func (s *duelStore) ListOverdue(context.Context, time.Time, int) ([]models.Duel, error) {
	panic("unused")
}

type staticQuestions struct{}

func (staticQuestions) ListCategories(context.Context) ([]models.Category, error) {
	return []models.Category{{ID: 1, Name: "Science"}}, nil
}

func (staticQuestions) CategoryByName(_ context.Context, name string) (*models.Category, error) {
	if name != "Science" {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.Category{ID: 1, Name: "Science"}, nil
}

func (staticQuestions) PickRandom(_ context.Context, _ uint, n int) ([]models.Question, error) {
	questions := make([]models.Question, n)
	for i := range questions {
		questions[i] = models.Question{
			ID:   uint(100 + i),
			Text: "question",
			Options: []models.Option{
				{Key: "A", Text: "right", IsCorrect: true, Order: 1},
				{Key: "B", Text: "wrong", Order: 2},
			},
		}
	}
	return questions, nil
}

func (staticQuestions) CountByCategory(context.Context, uint) (int64, error) { return 100, nil }

func (staticQuestions) SeedCategory(context.Context, *models.Category) error { return nil }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *services.DuelSnapshot) error { return nil }

// testUser stubs the JWT layer: the X-Test-User header becomes the
// authenticated user id.
func testUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("X-Test-User"); raw != "" {
			id, _ := strconv.ParseUint(raw, 10, 32)
			c.Set("user_id", uint(id))
		}
		c.Next()
	}
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	svc := services.NewDuelService(newDuelStore(), staticQuestions{}, nopPublisher{}, log,
		15*time.Second, 5*time.Second)
	handler := NewDuelHandler(svc)

	router := gin.New()
	router.Use(testUser())
	api := router.Group("/api")
	{
		api.POST("/duels", handler.CreateDuel)
		api.POST("/duels/join", handler.JoinDuel)
		api.GET("/duels/:id", handler.GetDuel)
		api.GET("/duels/:id/questions", handler.GetQuestions)
		api.POST("/duels/:id/answer", handler.SubmitAnswer)
		api.POST("/duels/:id/finish", handler.FinishDuel)
		api.POST("/duels/:id/cancel", handler.CancelDuel)
	}
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, userID uint, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(userID), 10))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	}
	return rec, payload
}

func TestDuelEndpointsFullMatch(t *testing.T) {
	router := newTestRouter()

	// Host opens a duel.
	rec, created := doJSON(t, router, http.MethodPost, "/api/duels", 1,
		gin.H{"category": "Science", "rounds": 2})
	require.Equal(t, http.StatusCreated, rec.Code)
	code := created["code"].(string)
	require.Len(t, code, 6)
	duelID := uint(created["duel_id"].(float64))
	path := fmt.Sprintf("/api/duels/%d", duelID)

	// Anyone can read the snapshot; it is waiting.
	rec, snap := doJSON(t, router, http.MethodGet, path, 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "waiting", snap["status"])

	// Guest joins by code.
	rec, joined := doJSON(t, router, http.MethodPost, "/api/duels/join", 2, gin.H{"code": code})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, joined["success"])

	rec, questions := doJSON(t, router, http.MethodGet, path+"/questions", 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, questions["rounds"], 2)

	// Both play both rounds.
	for _, userID := range []uint{1, 2} {
		for round := 1; round <= 2; round++ {
			answer := "A"
			if userID == 2 && round == 2 {
				answer = "B"
			}
			rec, graded := doJSON(t, router, http.MethodPost, path+"/answer", userID,
				gin.H{"round_number": round, "answer": answer, "answer_time_ms": 5000})
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, answer == "A", graded["is_correct"])
			assert.Equal(t, "A", graded["correct_answer"])
		}
	}

	// Finish: terminal once both ledgers are complete.
	rec, result := doJSON(t, router, http.MethodPost, path+"/finish", 2, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "finished", result["status"])
	assert.Equal(t, float64(1), result["winner_id"])
}

func TestQuestionsEndpointHidesCorrectKey(t *testing.T) {
	router := newTestRouter()

	_, created := doJSON(t, router, http.MethodPost, "/api/duels", 1,
		gin.H{"category": "Science", "rounds": 2})
	duelID := uint(created["duel_id"].(float64))

	rec, _ := doJSON(t, router, http.MethodGet, fmt.Sprintf("/api/duels/%d/questions", duelID), 0, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "correct")
}

func TestDuelEndpointErrors(t *testing.T) {
	router := newTestRouter()

	_, created := doJSON(t, router, http.MethodPost, "/api/duels", 1,
		gin.H{"category": "Science", "rounds": 2})
	code := created["code"].(string)
	duelID := uint(created["duel_id"].(float64))
	path := fmt.Sprintf("/api/duels/%d", duelID)

	tests := []struct {
		name       string
		method     string
		path       string
		userID     uint
		body       any
		wantStatus int
	}{
		{"create without auth", http.MethodPost, "/api/duels", 0,
			gin.H{"category": "Science", "rounds": 2}, http.StatusUnauthorized},
		{"create unknown category", http.MethodPost, "/api/duels", 1,
			gin.H{"category": "Nope", "rounds": 2}, http.StatusBadRequest},
		{"create malformed body", http.MethodPost, "/api/duels", 1,
			gin.H{"category": "Science"}, http.StatusBadRequest},
		{"join own duel", http.MethodPost, "/api/duels/join", 1,
			gin.H{"code": code}, http.StatusBadRequest},
		{"join unknown code", http.MethodPost, "/api/duels/join", 2,
			gin.H{"code": "ZZZZZZ"}, http.StatusNotFound},
		{"get unknown duel", http.MethodGet, "/api/duels/999", 0, nil, http.StatusNotFound},
		{"get malformed id", http.MethodGet, "/api/duels/abc", 0, nil, http.StatusBadRequest},
		{"answer while waiting", http.MethodPost, path + "/answer", 1,
			gin.H{"round_number": 1, "answer": "A", "answer_time_ms": 100}, http.StatusConflict},
		{"finish while waiting", http.MethodPost, path + "/finish", 1, nil, http.StatusConflict},
		{"cancel by stranger", http.MethodPost, path + "/cancel", 5, nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doJSON(t, router, tt.method, tt.path, tt.userID, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("%w: gone", services.ErrNotFound)))
	assert.Equal(t, http.StatusBadRequest, statusFor(fmt.Errorf("%w: bad", services.ErrValidation)))
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("%w: raced", services.ErrConflict)))
	assert.Equal(t, http.StatusForbidden, statusFor(fmt.Errorf("%w: nope", services.ErrUnauthorized)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
