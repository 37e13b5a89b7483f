package middleware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	now := time.Now()
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow(1)
	assert.True(t, ok)
	now = now.Add(10 * time.Second)
	ok, _ = rl.Allow(1)
	assert.True(t, ok)

	ok, wait := rl.Allow(1)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, wait)

	// у другого пользователя своё окно
	ok, _ = rl.Allow(2)
	assert.True(t, ok)

	now = now.Add(51 * time.Second)
	ok, _ = rl.Allow(1)
	assert.True(t, ok)
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	defer rl.Close()
	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow(1)
		assert.True(t, ok)
	}
}

func TestRecoverFromPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		defer RecoverFromPanic(7)
		panic("boom")
	})
}

func TestShorten(t *testing.T) {
	long := ""
	for i := 0; i < 60; i++ {
		long += "я"
	}
	assert.Equal(t, 53, len([]rune(shorten(long))))
	assert.Equal(t, "коротко", shorten("коротко"))
}
