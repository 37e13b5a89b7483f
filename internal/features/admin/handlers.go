package admin

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
)

// Sender — отправка сообщений в Telegram (*tgbotapi.BotAPI).
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Handler обрабатывает админ-команды в личке бота.
type Handler struct {
	service *Service
	bot     Sender
}

// NewHandler создаёт обработчик админ-команд.
func NewHandler(service *Service, bot Sender) *Handler {
	return &Handler{service: service, bot: bot}
}

const adminHelp = `🛠 Админ-команды:
/give <user_id> <n> — начислить n запросов
/revoke <user_id> — обнулить баланс
/ban <user_id> — заблокировать
/unban <user_id> — разблокировать
/account <user_id> — баланс и последние операции`

// IsAdminCommand — относится ли команда к админке.
func IsAdminCommand(cmd string) bool {
	switch cmd {
	case "admin", "админ", "give", "выдать", "revoke", "обнулить", "ban", "бан", "unban", "разбан", "account", "аккаунт":
		return true
	}
	return false
}

// HandleCommand выполняет админ-команду. Права проверяет сервис.
func (h *Handler) HandleCommand(ctx context.Context, chatID, userID int64, cmd string, args []string) {
	if cmd == "admin" || cmd == "админ" {
		if !h.service.IsAdmin(userID) {
			h.sendError(chatID, common.ErrUnauthorized)
			return
		}
		h.sendMessage(chatID, adminHelp)
		return
	}

	target, err := parseTarget(args)
	if err != nil {
		// Не раскрываем формат команд тем, у кого нет прав
		if !h.service.IsAdmin(userID) {
			h.sendError(chatID, common.ErrUnauthorized)
			return
		}
		h.sendMessage(chatID, "❌ "+err.Error()+"\n\n"+adminHelp)
		return
	}

	switch cmd {
	case "give", "выдать":
		h.handleGrant(ctx, chatID, userID, target, args)
	case "revoke", "обнулить":
		tx, err := h.service.Revoke(ctx, userID, target)
		switch {
		case err != nil:
			h.sendError(chatID, err)
		case tx == nil:
			h.sendMessage(chatID, fmt.Sprintf("ℹ️ У %d и так 0 запросов", target))
		default:
			h.sendMessage(chatID, fmt.Sprintf("✅ Баланс %d обнулён (%s)", target, common.FormatDelta(tx.Delta)))
		}
	case "ban", "бан":
		if err := h.service.Ban(ctx, userID, target); err != nil {
			h.sendError(chatID, err)
			return
		}
		h.sendMessage(chatID, fmt.Sprintf("🚫 Пользователь %d заблокирован", target))
	case "unban", "разбан":
		if err := h.service.Unban(ctx, userID, target); err != nil {
			h.sendError(chatID, err)
			return
		}
		h.sendMessage(chatID, fmt.Sprintf("✅ Пользователь %d разблокирован", target))
	case "account", "аккаунт":
		h.handleInspect(ctx, chatID, userID, target)
	}
}

func (h *Handler) handleGrant(ctx context.Context, chatID, userID, target int64, args []string) {
	if len(args) < 2 {
		h.sendMessage(chatID, "❌ Укажите количество: /give <user_id> <n>")
		return
	}
	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		h.sendMessage(chatID, "❌ Количество должно быть числом")
		return
	}
	if n <= 0 || n > MaxGrant {
		h.sendMessage(chatID, fmt.Sprintf("❌ Количество должно быть от 1 до %s", common.FormatNumber(MaxGrant)))
		return
	}
	tx, err := h.service.Grant(ctx, userID, target, n)
	if err != nil {
		h.sendError(chatID, err)
		return
	}
	h.sendMessage(chatID, fmt.Sprintf("✅ %d: %s, баланс %s",
		target, common.FormatDelta(tx.Delta), common.FormatBalance(tx.BalanceAfter)))
}

func (h *Handler) handleInspect(ctx context.Context, chatID, userID, target int64) {
	info, err := h.service.Inspect(ctx, userID, target, 10)
	if err != nil {
		h.sendError(chatID, err)
		return
	}

	var sb strings.Builder
	acc := info.Account
	fmt.Fprintf(&sb, "👤 %d\nБаланс: %s\n", acc.ID, common.FormatBalance(acc.Balance))
	fmt.Fprintf(&sb, "Пробный период: %s\n", yesNo(acc.TrialGranted))
	fmt.Fprintf(&sb, "Заблокирован: %s\n", yesNo(acc.Banned))
	fmt.Fprintf(&sb, "Создан: %s\n", common.FormatDateTime(acc.CreatedAt))
	if len(info.Recent) > 0 {
		sb.WriteString("\nПоследние операции:\n")
		for _, tx := range info.Recent {
			fmt.Fprintf(&sb, "%s  %s  %s\n", common.FormatDateTime(tx.CreatedAt), tx.Reason, common.FormatDelta(tx.Delta))
		}
	}
	h.sendMessage(chatID, sb.String())
}

func parseTarget(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, errors.New("не указан user_id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("некорректный user_id %q", args[0])
	}
	return id, nil
}

func yesNo(v bool) string {
	if v {
		return "да"
	}
	return "нет"
}

func (h *Handler) sendError(chatID int64, err error) {
	switch {
	case errors.Is(err, common.ErrUnauthorized),
		errors.Is(err, common.ErrInvalidAmount),
		errors.Is(err, common.ErrAccountNotFound):
		h.sendMessage(chatID, "❌ "+errorText(err))
	default:
		h.sendMessage(chatID, "❌ Внутренняя ошибка, смотрите логи")
	}
}

// errorText — текст сентинела без технических подробностей.
func errorText(err error) string {
	for _, known := range []error{common.ErrUnauthorized, common.ErrInvalidAmount, common.ErrAccountNotFound} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return err.Error()
}

func (h *Handler) sendMessage(chatID int64, text string) {
	if _, err := h.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
