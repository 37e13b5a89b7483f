package payments

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"serotonyl.ru/assistant-bot/internal/common"
)

// MemoryStore — платёжные события в памяти процесса, для тестов.
type MemoryStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*PaymentEvent
}

// NewMemoryStore создаёт пустое хранилище событий.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]*PaymentEvent)}
}

var _ EventStore = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, ev *PaymentEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("событие %s уже существует", ev.ID)
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

func (s *MemoryStore) Transition(ctx context.Context, id uuid.UUID, from, to Status, reason string, txID *int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[id]
	if !ok {
		return ErrEventNotFound
	}
	if ev.Status != from {
		return fmt.Errorf("%w: %s → %s", common.ErrInvalidTransition, ev.Status, to)
	}
	return ev.transition(to, reason, txID)
}

func (s *MemoryStore) Seen(ctx context.Context, source Source, externalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Source == source && ev.ExternalID == externalID &&
			(ev.Status == StatusApplied || ev.Status == StatusDuplicate) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*PaymentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *ev
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*PaymentEvent, error) {
	return s.selectEvents(ctx, normalizeLimit(f.Limit), func(ev *PaymentEvent) bool {
		return (f.Status == "" || ev.Status == f.Status) && (f.AccountID == 0 || ev.AccountID == f.AccountID)
	}, true)
}

func (s *MemoryStore) ListStuck(ctx context.Context, before time.Time) ([]*PaymentEvent, error) {
	return s.selectEvents(ctx, maxListLimit, func(ev *PaymentEvent) bool {
		return !ev.Status.Terminal() && ev.ReceivedAt.Before(before)
	}, false)
}

func (s *MemoryStore) selectEvents(ctx context.Context, limit int, match func(*PaymentEvent) bool, newestFirst bool) ([]*PaymentEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	var out []*PaymentEvent
	for _, ev := range s.events {
		if match(ev) {
			cp := *ev
			out = append(out, &cp)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ReceivedAt.Before(out[j].ReceivedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
