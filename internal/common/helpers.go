// Package common содержит общие утилиты, используемые во всём проекте.
// Сюда входят: русская плюрализация, форматирование чисел, работа с временем.
package common

import (
	"fmt"
	"time"
)

// pluralForm выбирает форму слова по правилам русского языка.
//
//   - n%10==1 И n%100!=11 → one (1, 21, 31, 101, ...)
//   - n%10 в [2,3,4] И n%100 НЕ в [12,13,14] → few (2, 3, 4, 22, ...)
//   - остальное → many (0, 5-20, 25-30, 100, ...)
func pluralForm(n int64, one, few, many string) string {
	if n < 0 {
		n = -n
	}
	lastDigit := n % 10
	lastTwoDigits := n % 100

	if lastDigit == 1 && lastTwoDigits != 11 {
		return one
	}
	if lastDigit >= 2 && lastDigit <= 4 && (lastTwoDigits < 12 || lastTwoDigits > 14) {
		return few
	}
	return many
}

// PluralizeRequests возвращает правильную форму слова «запрос» для числа n.
//
// Примеры:
//
//	PluralizeRequests(1)  → "запрос"
//	PluralizeRequests(3)  → "запроса"
//	PluralizeRequests(11) → "запросов"
func PluralizeRequests(n int64) string {
	return pluralForm(n, "запрос", "запроса", "запросов")
}

// PluralizeStars возвращает форму слова «звезда» для цен в Telegram Stars.
func PluralizeStars(n int64) string {
	return pluralForm(n, "звезда", "звезды", "звёзд")
}

// FormatBalance форматирует баланс в читабельную строку.
// Пример: FormatBalance(30) → "30 запросов"
func FormatBalance(balance int64) string {
	return fmt.Sprintf("%s %s", FormatNumber(balance), PluralizeRequests(balance))
}

// MoscowLocation возвращает часовой пояс Europe/Moscow.
// Без tzdata используем фиксированный UTC+3.
func MoscowLocation() *time.Location {
	loc, err := time.LoadLocation("Europe/Moscow")
	if err != nil {
		loc = time.FixedZone("MSK", 3*60*60)
	}
	return loc
}

// FormatDateTime форматирует время в формат "02.01.2006 15:04" по Москве.
// Используется для отображения дат транзакций.
func FormatDateTime(t time.Time) string {
	return t.In(MoscowLocation()).Format("02.01.2006 15:04")
}
