package payments

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// SignatureHeader — заголовок с hex(HMAC-SHA256) тела вебхука.
const SignatureHeader = "X-YooKassa-Signature"

// Статус платежа шлюза, за который начисляем запросы.
const gatewayStatusSucceeded = "succeeded"

var validate = validator.New()

// GatewayNotification — тело вебхука платёжного шлюза (формат YooKassa).
type GatewayNotification struct {
	Type   string        `json:"type" validate:"required"`
	Event  string        `json:"event" validate:"required"`
	Object GatewayObject `json:"object"`
}

// GatewayObject — сам платёж внутри уведомления.
type GatewayObject struct {
	ID       string          `json:"id" validate:"required,max=255"`
	Status   string          `json:"status" validate:"required"`
	Amount   GatewayAmount   `json:"amount"`
	Metadata GatewayMetadata `json:"metadata"`
}

type GatewayAmount struct {
	Value    string `json:"value" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
}

// GatewayMetadata заполняется ботом при создании платежа.
type GatewayMetadata struct {
	UserID   string `json:"user_id" validate:"required,numeric"`
	PlanCode string `json:"plan_code" validate:"omitempty,max=64"`
}

// ParseGatewayNotification разбирает и валидирует тело вебхука.
func ParseGatewayNotification(body []byte) (*GatewayNotification, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	var n GatewayNotification
	if err := dec.Decode(&n); err != nil {
		return nil, fmt.Errorf("некорректный JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("тело должно содержать один JSON-объект")
	}
	if err := validate.Struct(&n); err != nil {
		return nil, fmt.Errorf("ошибка валидации: %w", err)
	}
	return &n, nil
}

// Creditable — платёж прошёл и за него положены запросы.
func (n *GatewayNotification) Creditable() bool {
	return n.Object.Status == gatewayStatusSucceeded
}

// ToEvent приводит уведомление к PaymentEvent.
func (n *GatewayNotification) ToEvent(signature string) (*PaymentEvent, error) {
	userID, err := strconv.ParseInt(n.Object.Metadata.UserID, 10, 64)
	if err != nil || userID <= 0 {
		return nil, fmt.Errorf("некорректный metadata.user_id %q", n.Object.Metadata.UserID)
	}
	amount, err := decimal.NewFromString(n.Object.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("некорректная сумма %q: %w", n.Object.Amount.Value, err)
	}
	return &PaymentEvent{
		Source:     SourceGateway,
		ExternalID: n.Object.ID,
		AccountID:  userID,
		Amount:     amount,
		Currency:   strings.ToUpper(n.Object.Amount.Currency),
		PlanCode:   n.Object.Metadata.PlanCode,
		Signature:  signature,
	}, nil
}
