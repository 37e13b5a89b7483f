// Package payments принимает оплату из двух источников и начисляет запросы.
//
// Telegram Stars (внутри чата) и вебхук платёжного шлюза приводятся к одному
// PaymentEvent и проходят общий конвейер Reconciler: проверка → дедупликация →
// сопоставление с тарифом → CREDIT_PAYMENT в леджер.
package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"serotonyl.ru/assistant-bot/internal/common"
)

// Source — откуда пришло уведомление об оплате.
type Source string

const (
	SourceInChat  Source = "IN_CHAT"
	SourceGateway Source = "GATEWAY"
)

// refPrefix — префикс внешней ссылки в леджере, уникальный для источника.
func (s Source) refPrefix() string {
	switch s {
	case SourceInChat:
		return "in_chat"
	case SourceGateway:
		return "gateway"
	}
	return string(s)
}

// Status — состояние обработки платёжного события.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusVerified  Status = "VERIFIED"
	StatusApplied   Status = "APPLIED"
	StatusRejected  Status = "REJECTED"
	StatusDuplicate Status = "DUPLICATE"
)

// Terminal — из этого статуса переходов нет.
func (s Status) Terminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusDuplicate
}

// Valid проверяет, что статус из известного набора.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusVerified || s.Terminal()
}

// CanTransition проверяет, что переход from → to разрешён.
//
//	PENDING  → VERIFIED | REJECTED | DUPLICATE
//	VERIFIED → APPLIED | DUPLICATE | REJECTED
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusVerified || to == StatusRejected || to == StatusDuplicate
	case StatusVerified:
		return to == StatusApplied || to == StatusDuplicate || to == StatusRejected
	}
	return false
}

// PaymentEvent — одно полученное уведомление об оплате.
// На каждую доставку — своя запись; повторная доставка того же платежа даёт DUPLICATE.
type PaymentEvent struct {
	ID            uuid.UUID       `json:"id"`
	Source        Source          `json:"source"`
	ExternalID    string          `json:"external_id"`
	AccountID     int64           `json:"account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PlanCode      string          `json:"plan_code"`
	Signature     string          `json:"-"`
	Status        Status          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	TransactionID *int64          `json:"transaction_id,omitempty"`
	ReceivedAt    time.Time       `json:"received_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ExternalRef — ключ дедупликации в леджере: "<источник>:<id платежа>".
func (e *PaymentEvent) ExternalRef() string {
	return e.Source.refPrefix() + ":" + e.ExternalID
}

// transition меняет статус в памяти, проверяя допустимость перехода.
func (e *PaymentEvent) transition(to Status, reason string, txID *int64) error {
	if !CanTransition(e.Status, to) {
		return common.ErrInvalidTransition
	}
	e.Status = to
	if reason != "" {
		e.Reason = reason
	}
	if txID != nil {
		e.TransactionID = txID
	}
	e.UpdatedAt = time.Now()
	return nil
}

// Filter — условия выборки событий для админки.
type Filter struct {
	Status    Status
	AccountID int64
	Limit     int
}
