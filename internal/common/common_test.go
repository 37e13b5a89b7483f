package common

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPluralizeRequests(t *testing.T) {
	cases := map[int64]string{
		0:   "запросов",
		1:   "запрос",
		2:   "запроса",
		5:   "запросов",
		11:  "запросов",
		14:  "запросов",
		21:  "запрос",
		22:  "запроса",
		111: "запросов",
		-1:  "запрос",
	}
	for n, want := range cases {
		assert.Equal(t, want, PluralizeRequests(n), "n=%d", n)
	}
}

func TestFormatNumberAndDelta(t *testing.T) {
	assert.Equal(t, "999", FormatNumber(999))
	assert.Equal(t, "2 350", FormatNumber(2350))
	assert.Equal(t, "1 000 000", FormatNumber(1000000))
	assert.Equal(t, "+100 запросов", FormatDelta(100))
	assert.Equal(t, "-1 запрос", FormatDelta(-1))
	assert.Equal(t, "30 запросов", FormatBalance(30))
}

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("%w: %w", ErrQuotaExhausted, ErrAccountBanned)
	assert.True(t, IsQuotaError(wrapped))
	assert.True(t, IsExpected(wrapped))
	assert.True(t, IsExpected(fmt.Errorf("gateway: %w", ErrInvalidSignature)))
	assert.False(t, IsExpected(fmt.Errorf("connection reset")))
	assert.True(t, IsExpected(nil))
}
