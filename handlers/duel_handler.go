package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"duelgo/services"

	"github.com/gin-gonic/gin"
)

type DuelHandler struct {
	duelService *services.DuelService
}

func NewDuelHandler(duelService *services.DuelService) *DuelHandler {
	return &DuelHandler{duelService: duelService}
}

type CreateDuelRequest struct {
	Category string `json:"category" binding:"required"`
	Rounds   int    `json:"rounds" binding:"required,min=1"`
}

type JoinDuelRequest struct {
	Code string `json:"code" binding:"required"`
}

type SubmitAnswerRequest struct {
	RoundNumber  int    `json:"round_number" binding:"required,min=1"`
	Answer       string `json:"answer"` // empty means "no answer"
	AnswerTimeMs int    `json:"answer_time_ms"`
}

func (h *DuelHandler) CreateDuel(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req CreateDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, err := h.duelService.CreateDuel(c.Request.Context(), userID.(uint), req.Category, req.Rounds)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"duel_id": snap.DuelID,
		"code":    snap.Code,
		"duel":    snap,
	})
}

func (h *DuelHandler) JoinDuel(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req JoinDuelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	snap, err := h.duelService.JoinDuel(c.Request.Context(), req.Code, userID.(uint))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"duel_id": snap.DuelID,
		"duel":    snap,
	})
}

func (h *DuelHandler) GetDuel(c *gin.Context) {
	duelID, ok := duelIDParam(c)
	if !ok {
		return
	}

	snap, err := h.duelService.GetDuel(c.Request.Context(), duelID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, snap)
}

func (h *DuelHandler) GetQuestions(c *gin.Context) {
	duelID, ok := duelIDParam(c)
	if !ok {
		return
	}

	rounds, err := h.duelService.GetQuestions(c.Request.Context(), duelID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rounds": rounds})
}

func (h *DuelHandler) SubmitAnswer(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	duelID, ok := duelIDParam(c)
	if !ok {
		return
	}

	var req SubmitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reveal, err := h.duelService.SubmitAnswer(c.Request.Context(), duelID, userID.(uint),
		req.RoundNumber, req.Answer, req.AnswerTimeMs)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"is_correct":     reveal.IsCorrect,
		"correct_answer": reveal.CorrectOption,
		"points_earned":  reveal.PointsEarned,
	})
}

func (h *DuelHandler) FinishDuel(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	duelID, ok := duelIDParam(c)
	if !ok {
		return
	}

	result, err := h.duelService.FinishDuel(c.Request.Context(), duelID, userID.(uint))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (h *DuelHandler) CancelDuel(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	duelID, ok := duelIDParam(c)
	if !ok {
		return
	}

	if err := h.duelService.CancelDuel(c.Request.Context(), duelID, userID.(uint)); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Duel cancelled"})
}

func duelIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duel id"})
		return 0, false
	}
	return uint(id), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
