// Package common — errors.go определяет ошибки, которые используются во всех модулях бота.
// Обработчики сравнивают их через errors.Is и превращают в понятные пользователю сообщения.
package common

import "errors"

// Ошибки леджера (баланс запросов)
var (
	// ErrInsufficientBalance — операция увела бы баланс ниже нуля
	ErrInsufficientBalance = errors.New("недостаточно запросов на счёте")
	// ErrDuplicateReference — внешняя ссылка уже использована другой транзакцией
	ErrDuplicateReference = errors.New("внешняя ссылка уже записана в леджер")
	// ErrAccountNotFound — аккаунт не найден
	ErrAccountNotFound = errors.New("аккаунт не найден")
	// ErrAccountBanned — аккаунт заблокирован, списания запрещены
	ErrAccountBanned = errors.New("аккаунт заблокирован")
	// ErrInvalidAmount — некорректное количество (ноль или отрицательное)
	ErrInvalidAmount = errors.New("количество должно быть положительным")
)

// Ошибки доступа к ассистенту
var (
	// ErrQuotaExhausted — запросы закончились или доступ закрыт
	ErrQuotaExhausted = errors.New("лимит запросов исчерпан")
	// ErrJobInProgress — у пользователя уже идёт генерация ответа
	ErrJobInProgress = errors.New("предыдущий запрос ещё обрабатывается")
)

// Ошибки платежей
var (
	// ErrInvalidSignature — подпись уведомления не совпала
	ErrInvalidSignature = errors.New("неверная подпись платёжного уведомления")
	// ErrUnknownPlan — тариф не найден в каталоге
	ErrUnknownPlan = errors.New("неизвестный тариф")
	// ErrPaymentMismatch — сумма, валюта или плательщик не совпадают с тарифом
	ErrPaymentMismatch = errors.New("платёж не соответствует тарифу")
	// ErrInvalidTransition — недопустимая смена статуса платёжного события
	ErrInvalidTransition = errors.New("недопустимый переход статуса платежа")
)

// Ошибки админки
var (
	// ErrUnauthorized — у пользователя нет прав администратора
	ErrUnauthorized = errors.New("у вас нет прав администратора")
	// ErrWrongPassword — неверный пароль
	ErrWrongPassword = errors.New("неверный пароль")
	// ErrTooManyAttempts — слишком много неудачных попыток входа
	ErrTooManyAttempts = errors.New("слишком много попыток, подождите 1 час")
)

// IsQuotaError сообщает, что запрос отклонён из-за лимита, а не из-за сбоя.
func IsQuotaError(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountBanned)
}

// IsExpected возвращает true для ожидаемых бизнес-ошибок.
// Всё остальное — системный сбой, его логируем на уровне Error.
func IsExpected(err error) bool {
	switch {
	case err == nil:
		return true
	case IsQuotaError(err),
		errors.Is(err, ErrDuplicateReference),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrJobInProgress),
		errors.Is(err, ErrInvalidSignature),
		errors.Is(err, ErrUnknownPlan),
		errors.Is(err, ErrPaymentMismatch),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrWrongPassword),
		errors.Is(err, ErrTooManyAttempts):
		return true
	}
	return false
}
