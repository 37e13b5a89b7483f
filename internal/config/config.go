// Package config загружает конфигурацию бота из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
// Каталог тарифов лежит отдельным файлом (см. plans.go).
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Telegram ---
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`
	// Список Telegram ID администраторов через запятую
	AdminIDsRaw string  `envconfig:"ADMIN_IDS" required:"true"`
	AdminIDs    []int64 `envconfig:"-"` // заполняется в Load

	// --- Database ---
	// Дефолт "postgres": имя сервиса в docker-compose, для локалки DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"botuser"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" default:"assistant_bot"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`
	// Верхняя граница на одну операцию с леджером
	LedgerTxTimeout time.Duration `envconfig:"LEDGER_TX_TIMEOUT" default:"5s"`

	// --- Redis (необязательно) ---
	// Если пусто, блокировка «одна генерация на пользователя» живёт в памяти процесса.
	RedisURL string `envconfig:"REDIS_URL"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`

	// --- Bot runtime ---
	// Сколько апдейтов обрабатываем параллельно.
	BotMaxInflight int `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	// Таймаут long polling (секунды)
	BotUpdateTimeoutSeconds int `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`

	// --- Quota ---
	TrialRequests int64 `envconfig:"TRIAL_REQUESTS" default:"30"`
	RequestCost   int64 `envconfig:"REQUEST_COST" default:"1"`

	// --- Assistant (LLM) ---
	LLMAPIKey              string        `envconfig:"LLM_API_KEY" required:"true"`
	LLMBaseURL             string        `envconfig:"LLM_BASE_URL"`
	LLMModel               string        `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
	AssistantSystemPrompt  string        `envconfig:"ASSISTANT_SYSTEM_PROMPT" default:"Ты полезный ассистент. Отвечай по-русски, кратко и по делу."`
	AssistantStreamTimeout time.Duration `envconfig:"ASSISTANT_STREAM_TIMEOUT" default:"40s"`
	// Как часто обновлять сообщение во время стрима
	AssistantEditInterval time.Duration `envconfig:"ASSISTANT_EDIT_INTERVAL" default:"1500ms"`

	// --- Payments ---
	PlansFile string `envconfig:"PLANS_FILE" default:"plans.yaml"`
	// Общий секрет для HMAC-подписи вебхука платёжного шлюза
	GatewayWebhookSecret string `envconfig:"GATEWAY_WEBHOOK_SECRET" required:"true"`
	// Ссылка на оплату картой (если пусто, кнопки нет)
	GatewayCheckoutURL  string        `envconfig:"GATEWAY_CHECKOUT_URL"`
	WebhookMaxBodyBytes int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"65536"`
	PaymentStuckAfter   time.Duration `envconfig:"PAYMENT_STUCK_AFTER" default:"15m"`

	// --- HTTP ---
	HTTPAddr           string   `envconfig:"HTTP_ADDR" default:":8080"`
	CORSAllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// --- Admin ---
	AdminPasswordHash string        `envconfig:"ADMIN_PASSWORD_HASH" required:"true"`
	JWTSecret         string        `envconfig:"JWT_SECRET" required:"true"`
	JWTTTL            time.Duration `envconfig:"JWT_TTL" default:"12h"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"20"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// IsAdmin проверяет, входит ли userID в ADMIN_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	if len(c.AdminIDs) == 0 {
		return fmt.Errorf("ADMIN_IDS пуст")
	}
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	if c.BotUpdateTimeoutSeconds <= 0 {
		return fmt.Errorf("BOT_UPDATE_TIMEOUT_SECONDS должен быть > 0")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
	}
	if c.TrialRequests < 0 {
		return fmt.Errorf("TRIAL_REQUESTS не может быть отрицательным")
	}
	if c.RequestCost <= 0 {
		return fmt.Errorf("REQUEST_COST должен быть > 0")
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("некорректные RATE_LIMIT_REQUESTS/RATE_LIMIT_WINDOW")
	}
	if c.LedgerTxTimeout <= 0 || c.AssistantStreamTimeout <= 0 {
		return fmt.Errorf("таймауты LEDGER_TX_TIMEOUT/ASSISTANT_STREAM_TIMEOUT должны быть > 0")
	}
	if c.WebhookMaxBodyBytes <= 0 {
		return fmt.Errorf("WEBHOOK_MAX_BODY_BYTES должен быть > 0")
	}
	if len(c.JWTSecret) < 16 {
		return fmt.Errorf("JWT_SECRET слишком короткий (минимум 16 символов)")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	cfg.AdminIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
