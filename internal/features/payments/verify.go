package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
)

// Verifier подтверждает подлинность уведомления своего источника.
type Verifier interface {
	Verify(ctx context.Context, ev *PaymentEvent) error
}

// VerifierFunc позволяет использовать функцию как Verifier.
type VerifierFunc func(ctx context.Context, ev *PaymentEvent) error

func (f VerifierFunc) Verify(ctx context.Context, ev *PaymentEvent) error {
	return f(ctx, ev)
}

// Sign считает HMAC-SHA256 тела и возвращает его в hex.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HMACVerifier проверяет подпись вебхука шлюза: hex(HMAC-SHA256(secret, body)).
type HMACVerifier struct {
	Secret []byte
	Body   []byte
}

func (v HMACVerifier) Verify(_ context.Context, ev *PaymentEvent) error {
	if len(v.Secret) == 0 {
		return fmt.Errorf("%w: секрет шлюза не настроен", common.ErrInvalidSignature)
	}
	got, err := hex.DecodeString(strings.TrimSpace(ev.Signature))
	if err != nil || len(got) == 0 {
		return common.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(v.Body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return common.ErrInvalidSignature
	}
	return nil
}

// InChatVerifier проверяет successful_payment от Telegram.
// Само уведомление приходит по аутентифицированному каналу бота,
// поэтому проверяем содержимое: id списания, валюту и плательщика.
type InChatVerifier struct {
	PayerID int64
}

func (v InChatVerifier) Verify(_ context.Context, ev *PaymentEvent) error {
	if ev.ExternalID == "" {
		return fmt.Errorf("%w: нет telegram_payment_charge_id", common.ErrInvalidSignature)
	}
	if !strings.EqualFold(ev.Currency, config.CurrencyStars) {
		return fmt.Errorf("%w: валюта %s вместо %s", common.ErrPaymentMismatch, ev.Currency, config.CurrencyStars)
	}
	if v.PayerID != ev.AccountID {
		return fmt.Errorf("%w: оплатил %d, инвойс выставлен %d", common.ErrPaymentMismatch, v.PayerID, ev.AccountID)
	}
	return nil
}
