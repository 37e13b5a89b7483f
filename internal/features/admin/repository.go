package admin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"serotonyl.ru/assistant-bot/internal/db/postgres"
)

// AttemptStore хранит попытки входа в админ-панель.
type AttemptStore interface {
	LogAttempt(ctx context.Context, userID int64, success bool) error
	FailedSince(ctx context.Context, userID int64, since time.Time) (int, error)
}

// Repository — попытки входа в PostgreSQL (таблица admin_login_attempts).
type Repository struct {
	db postgres.DB
}

// NewRepository создаёт репозиторий.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

// LogAttempt записывает попытку входа.
func (r *Repository) LogAttempt(ctx context.Context, userID int64, success bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO admin_login_attempts (user_id, success) VALUES ($1, $2)`, userID, success)
	if err != nil {
		return fmt.Errorf("ошибка записи попытки входа: %w", err)
	}
	return nil
}

// FailedSince считает неудачные попытки с момента since.
func (r *Repository) FailedSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM admin_login_attempts
		WHERE user_id = $1 AND success = FALSE AND attempt_time >= $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта попыток входа: %w", err)
	}
	return count, nil
}

// MemoryAttempts — AttemptStore в памяти, для тестов.
type MemoryAttempts struct {
	mu       sync.Mutex
	attempts []LoginAttempt
}

func NewMemoryAttempts() *MemoryAttempts {
	return &MemoryAttempts{}
}

func (m *MemoryAttempts) LogAttempt(_ context.Context, userID int64, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, LoginAttempt{
		ID:          int64(len(m.attempts) + 1),
		UserID:      userID,
		AttemptTime: time.Now(),
		Success:     success,
	})
	return nil
}

func (m *MemoryAttempts) FailedSince(_ context.Context, userID int64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.attempts {
		if a.UserID == userID && !a.Success && !a.AttemptTime.Before(since) {
			n++
		}
	}
	return n, nil
}
