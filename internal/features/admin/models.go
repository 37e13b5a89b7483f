// Package admin — привилегированные операции над леджером.
// Доступ только для Telegram ID из ADMIN_IDS: начисление, обнуление, бан.
// Две точки входа: команды в личке бота и HTTP API админ-панели (вход по паролю → JWT).
package admin

import (
	"time"

	"serotonyl.ru/assistant-bot/internal/features/ledger"
)

// Action — тип административного действия (для логов и метрик).
type Action string

const (
	ActionGrant   Action = "grant"
	ActionRevoke  Action = "revoke"
	ActionBan     Action = "ban"
	ActionUnban   Action = "unban"
	ActionInspect Action = "inspect"
	ActionLogin   Action = "login"
)

// AccountInfo — карточка аккаунта для админа.
type AccountInfo struct {
	Account *ledger.Account       `json:"account"`
	Recent  []*ledger.Transaction `json:"recent"`
}

// LoginAttempt — попытка входа (для защиты от brute-force).
type LoginAttempt struct {
	ID          int64     `db:"id"`
	UserID      int64     `db:"user_id"`
	AttemptTime time.Time `db:"attempt_time"`
	Success     bool      `db:"success"`
}

// Защита от подбора пароля: не больше maxFailedAttempts неудач за attemptsWindow.
const (
	maxFailedAttempts = 3
	attemptsWindow    = time.Hour
)
