package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/assistant-bot/internal/common"
)

func TestJobGuardRedis(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	g := NewJobGuard(client, time.Minute)

	mock.ExpectSetNX("assistant:job:7", 1, time.Minute).SetVal(true)
	release, err := g.Acquire(ctx, 7)
	require.NoError(t, err)

	mock.ExpectSetNX("assistant:job:7", 1, time.Minute).SetVal(false)
	_, err = g.Acquire(ctx, 7)
	assert.ErrorIs(t, err, common.ErrJobInProgress)

	mock.ExpectDel("assistant:job:7").SetVal(1)
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobGuardFallsBackWhenRedisFails(t *testing.T) {
	ctx := context.Background()
	client, mock := redismock.NewClientMock()
	g := NewJobGuard(client, time.Minute)

	mock.ExpectSetNX("assistant:job:8", 1, time.Minute).SetErr(errors.New("connection refused"))
	release, err := g.Acquire(ctx, 8)
	require.NoError(t, err)

	mock.ExpectSetNX("assistant:job:8", 1, time.Minute).SetErr(errors.New("connection refused"))
	_, err = g.Acquire(ctx, 8)
	assert.ErrorIs(t, err, common.ErrJobInProgress)

	release()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobGuardLocal(t *testing.T) {
	ctx := context.Background()
	g := NewJobGuard(nil, time.Minute)

	release, err := g.Acquire(ctx, 1)
	require.NoError(t, err)

	_, err = g.Acquire(ctx, 1)
	assert.ErrorIs(t, err, common.ErrJobInProgress)

	// другие пользователи не блокируются
	releaseOther, err := g.Acquire(ctx, 2)
	require.NoError(t, err)
	releaseOther()

	release()
	release()
	release, err = g.Acquire(ctx, 1)
	require.NoError(t, err)
	release()
}

func TestJobGuardLocalExpires(t *testing.T) {
	ctx := context.Background()
	g := NewJobGuard(nil, time.Minute)
	now := time.Now()
	g.now = func() time.Time { return now }

	_, err := g.Acquire(ctx, 3)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = g.Acquire(ctx, 3)
	assert.NoError(t, err)
}
