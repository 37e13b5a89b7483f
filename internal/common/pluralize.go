// Package common — pluralize.go содержит форматирование сумм для сообщений.
package common

import "fmt"

// FormatDelta создаёт строку вида "+100 запросов" или "-1 запрос".
//
// Примеры:
//
//	FormatDelta(100) → "+100 запросов"
//	FormatDelta(-1)  → "-1 запрос"
func FormatDelta(amount int64) string {
	if amount >= 0 {
		return fmt.Sprintf("+%s %s", FormatNumber(amount), PluralizeRequests(amount))
	}
	return fmt.Sprintf("-%s %s", FormatNumber(-amount), PluralizeRequests(amount))
}

// FormatNumber форматирует число с разделителями тысяч (пробелами).
// Пример: FormatNumber(2350) → "2 350"
func FormatNumber(n int64) string {
	if n < 0 {
		return "-" + FormatNumber(-n)
	}
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%s %03d", FormatNumber(n/1000), n%1000)
}
