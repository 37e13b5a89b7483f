package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/entitlement"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	nextID   int
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	f.nextID++
	return tgbotapi.Message{MessageID: f.nextID}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

// lastText — текст последнего сообщения или правки.
func (f *fakeBot) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	switch c := f.sent[len(f.sent)-1].(type) {
	case tgbotapi.MessageConfig:
		return c.Text
	case tgbotapi.EditMessageTextConfig:
		return c.Text
	}
	t.Fatalf("неожиданный тип %T", f.sent[len(f.sent)-1])
	return ""
}

func (f *fakeBot) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeCompleter struct {
	mu      sync.Mutex
	chunks  []string
	err     error
	calls   int
	started chan struct{}
	unblock chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, _ string, onChunk func(string)) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.unblock != nil {
		<-f.unblock
	}
	var sb strings.Builder
	for _, c := range f.chunks {
		sb.WriteString(c)
		onChunk(c)
	}
	return sb.String(), f.err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInvoicer struct {
	plans []string
	err   error
}

func (f *fakeInvoicer) SendInvoice(_ context.Context, _, _ int64, planCode string) error {
	f.plans = append(f.plans, planCode)
	return f.err
}

type handlerFixture struct {
	handler   *Handler
	store     *ledger.MemoryStore
	bot       *fakeBot
	completer *fakeCompleter
	invoices  *fakeInvoicer
}

func newHandlerFixture(t *testing.T, trial int64) *handlerFixture {
	t.Helper()
	cfg := &config.Config{
		TrialRequests:          trial,
		RequestCost:            1,
		AssistantStreamTimeout: time.Second,
		GatewayCheckoutURL:     "https://pay.example.com/checkout",
	}
	plans, err := config.NewPlanCatalog([]config.Plan{
		{Code: "pack100", Title: "+100 запросов", Requests: 100, Stars: 300, PriceRUB: decimal.RequireFromString("99.00")},
		{Code: "rub_only", Title: "Только картой", Requests: 50, PriceRUB: decimal.RequireFromString("49.00")},
	})
	require.NoError(t, err)

	f := &handlerFixture{
		store:     ledger.NewMemoryStore(),
		bot:       &fakeBot{},
		completer: &fakeCompleter{chunks: []string{"Привет", ", ", "мир!"}},
		invoices:  &fakeInvoicer{},
	}
	ent := entitlement.NewService(f.store, cfg, nil)
	f.handler = NewHandler(ent, plans, f.invoices, f.completer, NewJobGuard(nil, time.Minute), f.bot, cfg, nil)
	return f
}

func TestFirstMessageGrantsTrialAndDebits(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)

	f.handler.HandleMessage(ctx, 100, 100, "Как дела?")

	balance, err := f.store.GetBalance(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 29, balance)

	last := f.bot.lastText(t)
	assert.True(t, strings.HasPrefix(last, "Привет, мир!"))
	assert.Contains(t, last, "Осталось: 29 запросов")
	assert.Equal(t, 1, f.completer.callCount())
}

func TestExhaustedQuotaSkipsModel(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 1)

	f.handler.HandleMessage(ctx, 100, 100, "первый")
	f.handler.HandleMessage(ctx, 100, 100, "второй")

	assert.Equal(t, 1, f.completer.callCount())
	assert.Contains(t, f.bot.lastText(t), "Запросы закончились")

	balance, _ := f.store.GetBalance(ctx, 100)
	assert.Zero(t, balance)
}

func TestBannedUserSkipsModel(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)
	_, _, err := f.store.GrantTrial(ctx, 100, 30)
	require.NoError(t, err)
	require.NoError(t, f.store.SetBanned(ctx, 100, true))

	f.handler.HandleMessage(ctx, 100, 100, "вопрос")

	assert.Zero(t, f.completer.callCount())
	assert.Contains(t, f.bot.lastText(t), "заблокирован")
	balance, _ := f.store.GetBalance(ctx, 100)
	assert.EqualValues(t, 30, balance)
}

func TestFailedCompletionIsNotRefunded(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)
	f.completer.chunks = nil
	f.completer.err = errors.New("upstream 502")

	f.handler.HandleMessage(ctx, 100, 100, "вопрос")

	balance, _ := f.store.GetBalance(ctx, 100)
	assert.EqualValues(t, 29, balance)
	assert.Contains(t, f.bot.lastText(t), "Не удалось получить ответ")

	txs, err := f.store.ListTransactions(ctx, 100, 10)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, ledger.ReasonDebitUsage, txs[0].Reason)
}

func TestPartialAnswerIsKept(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)
	f.completer.chunks = []string{"Начало ответа"}
	f.completer.err = context.DeadlineExceeded

	f.handler.HandleMessage(ctx, 100, 100, "вопрос")

	last := f.bot.lastText(t)
	assert.True(t, strings.HasPrefix(last, "Начало ответа"))
	assert.Contains(t, last, "Ответ оборван")
}

func TestSecondMessageWhileGenerating(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)
	f.completer.started = make(chan struct{}, 1)
	f.completer.unblock = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.handler.HandleMessage(ctx, 100, 100, "долгий вопрос")
	}()
	<-f.completer.started

	f.handler.HandleMessage(ctx, 100, 100, "ещё вопрос")
	assert.Contains(t, f.bot.lastText(t), "Дождитесь ответа")

	close(f.completer.unblock)
	<-done

	assert.Equal(t, 1, f.completer.callCount())
	balance, _ := f.store.GetBalance(ctx, 100)
	assert.EqualValues(t, 29, balance)
}

func TestStreamingEditsSingleMessage(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)

	f.handler.HandleMessage(ctx, 100, 100, "вопрос")

	f.bot.mu.Lock()
	defer f.bot.mu.Unlock()
	placeholder, ok := f.bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "⏳ Думаю...", placeholder.Text)
	for _, c := range f.bot.sent[1:] {
		edit, ok := c.(tgbotapi.EditMessageTextConfig)
		require.True(t, ok)
		assert.Equal(t, 1, edit.MessageID)
	}
}

func TestStart(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)

	f.handler.HandleStart(ctx, 100, 100)
	assert.Contains(t, f.bot.lastText(t), "30 запросов бесплатно")

	f.handler.HandleStart(ctx, 100, 100)
	assert.Contains(t, f.bot.lastText(t), "С возвращением")

	balance, _ := f.store.GetBalance(ctx, 100)
	assert.EqualValues(t, 30, balance)
}

func TestLimits(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)

	f.handler.HandleLimits(ctx, 100, 100)
	assert.Contains(t, f.bot.lastText(t), "/start")

	f.handler.HandleStart(ctx, 100, 100)
	f.handler.HandleLimits(ctx, 100, 100)
	last := f.bot.lastText(t)
	assert.Contains(t, last, "Осталось: 30 запросов")
	assert.Contains(t, last, "+30 запросов")
}

func TestPlansKeyboard(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)

	f.handler.HandlePlans(ctx, 100, 100)

	f.bot.mu.Lock()
	msg := f.bot.sent[len(f.bot.sent)-1].(tgbotapi.MessageConfig)
	f.bot.mu.Unlock()

	assert.Contains(t, msg.Text, "+100 запросов — 100 запросов: 300 звёзд / 99.00 ₽")
	assert.Contains(t, msg.Text, "Только картой — 50 запросов: 49.00 ₽")

	kb, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 2)
	require.NotNil(t, kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal(t, "buy:pack100", *kb.InlineKeyboard[0][0].CallbackData)
	require.NotNil(t, kb.InlineKeyboard[1][0].URL)
	assert.Equal(t, "https://pay.example.com/checkout?user_id=100", *kb.InlineKeyboard[1][0].URL)
}

func TestBuyCallback(t *testing.T) {
	ctx := context.Background()
	f := newHandlerFixture(t, 30)

	q := &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 100},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 100}},
		Data:    "buy:pack100",
	}
	f.handler.HandleCallback(ctx, q)
	assert.Equal(t, []string{"pack100"}, f.invoices.plans)
	assert.Len(t, f.bot.requests, 1)

	f.invoices.err = common.ErrUnknownPlan
	q.Data = "buy:gone"
	f.handler.HandleCallback(ctx, q)
	assert.Contains(t, f.bot.lastText(t), "Такого тарифа больше нет")
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "абв", truncateRunes("абв", 3))
	assert.Equal(t, "аб…", truncateRunes("абвг", 3))
}
