// Package ledger хранит аккаунты пользователей и журнал движений их запросов.
// Баланс — проекция журнала: сумма delta всех транзакций аккаунта.
// Транзакции только добавляются, никогда не меняются и не удаляются.
package ledger

import "time"

// Reason — причина движения по счёту.
type Reason string

const (
	ReasonTrialGrant    Reason = "TRIAL_GRANT"    // пробные запросы при первом контакте
	ReasonDebitUsage    Reason = "DEBIT_USAGE"    // списание за запрос к ассистенту
	ReasonCreditPayment Reason = "CREDIT_PAYMENT" // начисление по оплате
	ReasonAdminGrant    Reason = "ADMIN_GRANT"    // ручное начисление админом
	ReasonAdminRevoke   Reason = "ADMIN_REVOKE"   // ручное обнуление админом
)

// Valid проверяет, что причина из известного набора.
func (r Reason) Valid() bool {
	switch r {
	case ReasonTrialGrant, ReasonDebitUsage, ReasonCreditPayment, ReasonAdminGrant, ReasonAdminRevoke:
		return true
	}
	return false
}

// Account — аккаунт пользователя, ключ — Telegram user id.
type Account struct {
	ID           int64     `db:"id" json:"id"`
	Balance      int64     `db:"balance" json:"balance"`
	TrialGranted bool      `db:"trial_granted" json:"trial_granted"`
	Banned       bool      `db:"is_banned" json:"banned"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Transaction — неизменяемая запись журнала.
// ExternalRef пустой у внутренних операций; непустой уникален во всём журнале.
type Transaction struct {
	ID           int64     `db:"id" json:"id"`
	AccountID    int64     `db:"account_id" json:"account_id"`
	Delta        int64     `db:"delta" json:"delta"`
	Reason       Reason    `db:"reason" json:"reason"`
	ExternalRef  string    `db:"external_ref" json:"external_ref,omitempty"`
	BalanceAfter int64     `db:"balance_after" json:"balance_after"`
	Description  string    `db:"description" json:"description"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// Entry — запрос на добавление транзакции.
type Entry struct {
	AccountID   int64
	Delta       int64
	Reason      Reason
	ExternalRef string
	Description string
}

// Drift — расхождение кэшированного баланса с суммой журнала.
type Drift struct {
	AccountID int64
	Cached    int64
	Computed  int64
}
