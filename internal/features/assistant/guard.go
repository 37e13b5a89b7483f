// Package assistant — диалог с LLM в личке бота.
// Перед каждым вызовом модели запрос списывается с баланса (entitlement),
// у пользователя не больше одной активной генерации (JobGuard).
package assistant

import (
	"context"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
)

const jobKeyPrefix = "assistant:job:"

// JobGuard не даёт пользователю запустить вторую генерацию, пока идёт первая.
// С Redis блокировка общая для всех реплик, без него живёт в памяти процесса.
// TTL страхует от зависшей блокировки, если процесс упал посреди стрима.
type JobGuard struct {
	redis *goredis.Client
	ttl   time.Duration

	mu    sync.Mutex
	local map[int64]time.Time
	now   func() time.Time
}

// NewJobGuard создаёт блокировку. client может быть nil.
func NewJobGuard(client *goredis.Client, ttl time.Duration) *JobGuard {
	return &JobGuard{
		redis: client,
		ttl:   ttl,
		local: make(map[int64]time.Time),
		now:   time.Now,
	}
}

func jobKey(userID int64) string {
	return jobKeyPrefix + strconv.FormatInt(userID, 10)
}

// Acquire занимает слот пользователя. Если занят, common.ErrJobInProgress.
// Возвращённую функцию нужно вызвать по окончании генерации.
func (g *JobGuard) Acquire(ctx context.Context, userID int64) (func(), error) {
	if g.redis != nil {
		ok, err := g.redis.SetNX(ctx, jobKey(userID), 1, g.ttl).Result()
		if err == nil {
			if !ok {
				return nil, common.ErrJobInProgress
			}
			return func() { g.releaseRedis(userID) }, nil
		}
		log.WithError(err).WithField("user_id", userID).Warn("Redis недоступен, блокировка в памяти")
	}
	return g.acquireLocal(userID)
}

func (g *JobGuard) releaseRedis(userID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.redis.Del(ctx, jobKey(userID)).Err(); err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Не удалось снять блокировку генерации")
	}
}

func (g *JobGuard) acquireLocal(userID int64) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if until, busy := g.local[userID]; busy && now.Before(until) {
		return nil, common.ErrJobInProgress
	}
	g.local[userID] = now.Add(g.ttl)

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.local, userID)
			g.mu.Unlock()
		})
	}, nil
}
