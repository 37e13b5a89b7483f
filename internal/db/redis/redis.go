// Package redis подключает необязательный Redis.
// Бот работает и без него: вызывающий код получает nil и переходит на in-memory вариант.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

// Connect подключается к Redis по URL вида redis://:password@host:6379/0.
// Пустой URL — Redis не нужен, возвращается nil без ошибки.
// Недоступный Redis тоже не фатален: пишем предупреждение и возвращаем nil.
func Connect(ctx context.Context, url string) (*goredis.Client, error) {
	if url == "" {
		log.Info("REDIS_URL не задан, работаем без Redis")
		return nil, nil
	}

	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("некорректный REDIS_URL: %w", err)
	}

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("Redis недоступен, продолжаем без него")
		_ = client.Close()
		return nil, nil
	}

	log.WithField("addr", opts.Addr).Info("Подключение к Redis установлено")
	return client, nil
}
