package admin

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/argon2"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/entitlement"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// Service — админские операции. Каждая начинается с проверки прав.
type Service struct {
	store        ledger.Store
	entitlement  *entitlement.Service
	attempts     AttemptStore
	tokens       *TokenIssuer
	admins       map[int64]struct{}
	passwordHash string
	metrics      *metrics.Metrics
}

// MaxGrant — верхняя граница одного начисления администратором.
const MaxGrant int64 = 1_000_000

// NewService создаёт админ-сервис. m может быть nil.
func NewService(
	store ledger.Store,
	ent *entitlement.Service,
	attempts AttemptStore,
	tokens *TokenIssuer,
	cfg *config.Config,
	m *metrics.Metrics,
) *Service {
	admins := make(map[int64]struct{}, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = struct{}{}
	}
	return &Service{
		store:        store,
		entitlement:  ent,
		attempts:     attempts,
		tokens:       tokens,
		admins:       admins,
		passwordHash: cfg.AdminPasswordHash,
		metrics:      m,
	}
}

// IsAdmin проверяет, входит ли пользователь в ADMIN_IDS.
func (s *Service) IsAdmin(userID int64) bool {
	_, ok := s.admins[userID]
	return ok
}

func (s *Service) authorize(actor int64, action Action) error {
	if s.IsAdmin(actor) {
		return nil
	}
	s.metrics.AdminAction(string(action), "unauthorized")
	log.WithFields(log.Fields{
		"actor":  actor,
		"action": action,
	}).Warn("Попытка админ-действия без прав")
	return common.ErrUnauthorized
}

func (s *Service) record(actor, accountID int64, action Action, err error) {
	result := "ok"
	entry := log.WithFields(log.Fields{
		"actor":   actor,
		"user_id": accountID,
		"action":  action,
	})
	switch {
	case err == nil:
		entry.Info("Админ-действие выполнено")
	case common.IsExpected(err):
		result = "rejected"
		entry.WithError(err).Warn("Админ-действие отклонено")
	default:
		result = "error"
		entry.WithError(err).Error("Админ-действие не выполнено")
	}
	s.metrics.AdminAction(string(action), result)
}

// Grant начисляет n запросов (ADMIN_GRANT).
func (s *Service) Grant(ctx context.Context, actor, accountID, n int64) (*ledger.Transaction, error) {
	if err := s.authorize(actor, ActionGrant); err != nil {
		return nil, err
	}
	if n <= 0 || n > MaxGrant {
		return nil, fmt.Errorf("%w: допустимо от 1 до %d", common.ErrInvalidAmount, MaxGrant)
	}
	if _, err := s.store.EnsureAccount(ctx, accountID); err != nil {
		return nil, err
	}
	tx, err := s.store.AppendTransaction(ctx, ledger.Entry{
		AccountID:   accountID,
		Delta:       n,
		Reason:      ledger.ReasonAdminGrant,
		Description: fmt.Sprintf("Начислено администратором %d", actor),
	})
	s.record(actor, accountID, ActionGrant, err)
	return tx, err
}

// Revoke обнуляет баланс (ADMIN_REVOKE на весь остаток).
// Не падает с ErrInsufficientBalance: остаток читается под блокировкой аккаунта.
// При нулевом балансе или неизвестном аккаунте ничего не пишет и возвращает nil.
func (s *Service) Revoke(ctx context.Context, actor, accountID int64) (*ledger.Transaction, error) {
	if err := s.authorize(actor, ActionRevoke); err != nil {
		return nil, err
	}
	tx, err := s.store.Drain(ctx, accountID, ledger.ReasonAdminRevoke,
		fmt.Sprintf("Обнулено администратором %d", actor))
	if errors.Is(err, common.ErrAccountNotFound) {
		err = nil
	}
	s.record(actor, accountID, ActionRevoke, err)
	return tx, err
}

// Ban блокирует аккаунт.
func (s *Service) Ban(ctx context.Context, actor, accountID int64) error {
	if err := s.authorize(actor, ActionBan); err != nil {
		return err
	}
	err := s.entitlement.Ban(ctx, accountID)
	s.record(actor, accountID, ActionBan, err)
	return err
}

// Unban снимает блокировку.
func (s *Service) Unban(ctx context.Context, actor, accountID int64) error {
	if err := s.authorize(actor, ActionUnban); err != nil {
		return err
	}
	err := s.entitlement.Unban(ctx, accountID)
	s.record(actor, accountID, ActionUnban, err)
	return err
}

// Inspect возвращает аккаунт и последние движения.
func (s *Service) Inspect(ctx context.Context, actor, accountID int64, limit int) (*AccountInfo, error) {
	if err := s.authorize(actor, ActionInspect); err != nil {
		return nil, err
	}
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	recent, err := s.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, err
	}
	return &AccountInfo{Account: acc, Recent: recent}, nil
}

// Login проверяет пароль (Argon2id) и выдаёт токен админ-панели.
// Защита от brute-force: 3 неудачные попытки = блокировка на 1 час.
func (s *Service) Login(ctx context.Context, userID int64, password string) (string, time.Time, error) {
	if err := s.authorize(userID, ActionLogin); err != nil {
		return "", time.Time{}, err
	}

	failed, err := s.attempts.FailedSince(ctx, userID, time.Now().Add(-attemptsWindow))
	if err != nil {
		return "", time.Time{}, err
	}
	if failed >= maxFailedAttempts {
		s.metrics.AdminAction(string(ActionLogin), "locked")
		return "", time.Time{}, common.ErrTooManyAttempts
	}

	match := verifyArgon2id(password, s.passwordHash)
	if err := s.attempts.LogAttempt(ctx, userID, match); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось записать попытку входа")
	}
	if !match {
		s.metrics.AdminAction(string(ActionLogin), "wrong_password")
		return "", time.Time{}, common.ErrWrongPassword
	}

	token, expires, err := s.tokens.Issue(userID)
	if err != nil {
		return "", time.Time{}, err
	}
	s.metrics.AdminAction(string(ActionLogin), "ok")
	log.WithField("user_id", userID).Info("Вход в админ-панель")
	return token, expires, nil
}

// Authenticate проверяет токен и что его владелец всё ещё в ADMIN_IDS.
func (s *Service) Authenticate(token string) (int64, error) {
	userID, err := s.tokens.Parse(token)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", common.ErrUnauthorized, err)
	}
	if !s.IsAdmin(userID) {
		return 0, common.ErrUnauthorized
	}
	return userID, nil
}

// verifyArgon2id проверяет пароль по хэшу вида
// $argon2id$v=19$m=65536,t=3,p=2$<salt_base64>$<hash_base64>
func verifyArgon2id(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		log.Error("Некорректный формат хэша Argon2id")
		return false
	}

	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		log.WithError(err).Error("Ошибка парсинга параметров Argon2id")
		return false
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования соли")
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		log.WithError(err).Error("Ошибка декодирования хэша")
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// HashPassword кодирует пароль в формат, который понимает verifyArgon2id.
func HashPassword(password string, salt []byte) string {
	const (
		memory      = 64 * 1024
		iterations  = 3
		parallelism = 2
		keyLen      = 32
	)
	hash := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, iterations, parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}
