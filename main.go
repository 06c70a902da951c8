package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"duelgo/config"
	"duelgo/handlers"
	"duelgo/middleware"
	"duelgo/models"
	"duelgo/repository"
	"duelgo/routes"
	"duelgo/services"
	"duelgo/workers"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil {
		log.Info("no .env file found, reading environment directly")
	}

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := config.InitDB(cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}

	err = db.AutoMigrate(
		&models.Category{},
		&models.Question{},
		&models.Option{},
		&models.Duel{},
		&models.DuelRound{},
		&models.RoundOption{},
		&models.AnswerRecord{},
	)
	if err != nil {
		log.WithError(err).Fatal("failed to migrate database")
	}

	// Join-code uniqueness only holds among active duels, so the index
	// is partial; the create path retries on a collision.
	err = db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_duels_active_code
		ON duels (code) WHERE status IN ('waiting', 'playing') AND deleted_at IS NULL`).Error
	if err != nil {
		log.WithError(err).Fatal("failed to create active-code index")
	}

	redisClient := config.InitRedis(cfg)

	duelRepo := repository.NewDuelRepository(db)
	questionRepo := repository.NewQuestionRepository(db)

	notifier := services.NewNotifier(redisClient, log)
	questionService := services.NewQuestionService(questionRepo, log)
	duelService := services.NewDuelService(duelRepo, questionRepo, notifier, log,
		cfg.RoundTimeBudget, cfg.RoundGrace)

	if err := questionService.Seed(ctx, services.DefaultSeed()); err != nil {
		log.WithError(err).Fatal("failed to seed question bank")
	}

	hub := services.NewHub(notifier, duelService, log)
	go hub.Run(ctx)

	reaper := workers.NewReaper(duelRepo, notifier, clockwork.NewRealClock(), log,
		cfg.JoinTTL, cfg.ReaperInterval)
	if err := reaper.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start reaper")
	}
	defer reaper.Shutdown()

	duelHandler := handlers.NewDuelHandler(duelService)
	questionHandler := handlers.NewQuestionHandler(questionService)

	router := gin.Default()
	router.Use(middleware.CORS())

	routes.SetupRoutes(ctx, router, duelHandler, questionHandler, hub, duelService, cfg.JWTSecret, log)

	srv := &http.Server{
		Addr:    cfg.BindAddress + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server exited")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
