// Package app инициализирует все компоненты приложения.
// Здесь создаются пул БД, репозитории, сервисы и обработчики,
// из которых собирается один объект App.
package app

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	goredis "github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/bot"
	"serotonyl.ru/assistant-bot/internal/bot/filters"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/db/postgres"
	"serotonyl.ru/assistant-bot/internal/db/redis"
	"serotonyl.ru/assistant-bot/internal/features/admin"
	"serotonyl.ru/assistant-bot/internal/features/assistant"
	"serotonyl.ru/assistant-bot/internal/features/entitlement"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
	"serotonyl.ru/assistant-bot/internal/features/payments"
	"serotonyl.ru/assistant-bot/internal/httpapi"
	"serotonyl.ru/assistant-bot/internal/jobs"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// App содержит все компоненты приложения.
type App struct {
	Bot       *bot.Bot
	HTTP      *httpapi.Server
	Scheduler *jobs.Scheduler
	DB        *pgxpool.Pool
	Redis     *goredis.Client
	BotAPI    *tgbotapi.BotAPI
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен: компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	// === 1. Каталог тарифов ===
	plans, err := config.LoadPlans(cfg.PlansFile)
	if err != nil {
		return nil, err
	}
	log.WithField("plans", len(plans.All())).Info("Каталог тарифов загружен")

	// === 2. База данных ===
	pool, err := postgres.NewPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}

	// Redis необязателен: без него блокировка генерации живёт в памяти
	redisClient, err := redis.Connect(ctx, cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	// === 3. Telegram Bot API ===
	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		pool.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
	}
	botAPI.Debug = cfg.AppEnv == "development"
	log.Infof("Авторизован как @%s", botAPI.Self.UserName)

	m := metrics.New()

	// === 4. Репозитории ===
	ledgerStore := ledger.WithTimeout(ledger.NewRepository(pool), cfg.LedgerTxTimeout)
	paymentRepo := payments.NewRepository(pool)
	attemptRepo := admin.NewRepository(pool)

	// === 5. Сервисы ===
	entitlementService := entitlement.NewService(ledgerStore, cfg, m)
	reconciler := payments.NewReconciler(paymentRepo, ledgerStore, plans, m)
	stars := payments.NewStarsRail(reconciler, botAPI)
	tokens := admin.NewTokenIssuer(cfg.JWTSecret, cfg.JWTTTL)
	adminService := admin.NewService(ledgerStore, entitlementService, attemptRepo, tokens, cfg, m)

	// === 6. Обработчики ===
	guard := assistant.NewJobGuard(redisClient, cfg.AssistantStreamTimeout)
	assistantHandler := assistant.NewHandler(
		entitlementService, plans, stars,
		assistant.NewOpenAICompleter(cfg), guard,
		botAPI, cfg, m,
	)
	adminHandler := admin.NewHandler(adminService, botAPI)

	// === 7. Собираем бота ===
	b := bot.New(botAPI, cfg, assistantHandler, adminHandler, stars, filters.NewChatFilter(botAPI))

	// === 8. HTTP и планировщик ===
	server := httpapi.NewServer(cfg, reconciler, adminService, m)
	scheduler := jobs.NewScheduler(ledgerStore, reconciler, cfg.PaymentStuckAfter, m)

	return &App{
		Bot:       b,
		HTTP:      server,
		Scheduler: scheduler,
		DB:        pool,
		Redis:     redisClient,
		BotAPI:    botAPI,
	}, nil
}

// Close освобождает соединения.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.WithError(err).Warn("Ошибка закрытия Redis")
		}
	}
	a.DB.Close()
}
