package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"duelgo/handlers"
	"duelgo/middleware"
	"duelgo/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced at the gateway
	},
}

func SetupRoutes(
	ctx context.Context,
	router *gin.Engine,
	duelHandler *handlers.DuelHandler,
	questionHandler *handlers.QuestionHandler,
	hub *services.Hub,
	duelService *services.DuelService,
	jwtSecret string,
	log *logrus.Logger,
) {
	api := router.Group("/api")
	{
		api.GET("/categories", questionHandler.ListCategories)

		// Snapshot and question reads are public; every mutation is
		// bound to an authenticated participant.
		duels := api.Group("/duels")
		{
			duels.GET("/:id", duelHandler.GetDuel)
			duels.GET("/:id/questions", duelHandler.GetQuestions)
		}

		protected := api.Group("/duels")
		protected.Use(middleware.AuthMiddleware(jwtSecret))
		{
			protected.POST("", duelHandler.CreateDuel)
			protected.POST("/join", duelHandler.JoinDuel)
			protected.POST("/:id/answer", duelHandler.SubmitAnswer)
			protected.POST("/:id/finish", duelHandler.FinishDuel)
			protected.POST("/:id/cancel", duelHandler.CancelDuel)
		}
	}

	// Change-feed subscription: one socket per participant per duel.
	router.GET("/ws/:duelID/:userID", func(c *gin.Context) {
		duelID, err := strconv.ParseUint(c.Param("duelID"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid duel id"})
			return
		}
		userID, err := strconv.ParseUint(c.Param("userID"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid user id"})
			return
		}

		if err := duelService.VerifyParticipant(c.Request.Context(), uint(duelID), uint(userID)); err != nil {
			status := http.StatusForbidden
			if errors.Is(err, services.ErrNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).WithField("duel_id", duelID).Warn("websocket upgrade failed")
			return
		}

		// The hub's context outlives this request; the socket must too.
		hub.RegisterClient(ctx, conn, uint(duelID), uint(userID))
	})

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}
