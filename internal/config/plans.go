package config

import (
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"serotonyl.ru/assistant-bot/internal/common"
)

// Валюты, в которых принимаются платежи.
const (
	CurrencyStars = "XTR" // Telegram Stars
	CurrencyRUB   = "RUB" // платёжный шлюз
)

// Plan — тариф: сколько запросов начисляется и сколько это стоит.
type Plan struct {
	Code     string
	Title    string
	Requests int64
	Stars    int64
	PriceRUB decimal.Decimal
}

// Price возвращает цену тарифа в указанной валюте.
func (p Plan) Price(currency string) (decimal.Decimal, bool) {
	switch strings.ToUpper(currency) {
	case CurrencyStars:
		return decimal.NewFromInt(p.Stars), p.Stars > 0
	case CurrencyRUB:
		return p.PriceRUB, p.PriceRUB.IsPositive()
	}
	return decimal.Zero, false
}

// PlanCatalog — неизменяемый каталог тарифов.
type PlanCatalog struct {
	plans  []Plan
	byCode map[string]Plan
}

// planRecord — строка тарифа в файле. Цена хранится строкой, чтобы не терять копейки.
type planRecord struct {
	Code     string `mapstructure:"code"`
	Title    string `mapstructure:"title"`
	Requests int64  `mapstructure:"requests"`
	Stars    int64  `mapstructure:"stars"`
	PriceRUB string `mapstructure:"price_rub"`
}

// LoadPlans читает каталог тарифов из файла (формат по расширению файла).
func LoadPlans(path string) (*PlanCatalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("не удалось прочитать каталог тарифов %s: %w", path, err)
	}
	return decodePlans(v)
}

// LoadPlansFromReader читает каталог тарифов из потока в формате format ("yaml", "json").
func LoadPlansFromReader(r io.Reader, format string) (*PlanCatalog, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("не удалось прочитать каталог тарифов: %w", err)
	}
	return decodePlans(v)
}

func decodePlans(v *viper.Viper) (*PlanCatalog, error) {
	var records []planRecord
	if err := v.UnmarshalKey("plans", &records); err != nil {
		return nil, fmt.Errorf("ошибка разбора тарифов: %w", err)
	}

	plans := make([]Plan, 0, len(records))
	for _, rec := range records {
		price := decimal.Zero
		if rec.PriceRUB != "" {
			p, err := decimal.NewFromString(rec.PriceRUB)
			if err != nil {
				return nil, fmt.Errorf("тариф %s: некорректная цена %q: %w", rec.Code, rec.PriceRUB, err)
			}
			price = p
		}
		plans = append(plans, Plan{
			Code:     rec.Code,
			Title:    rec.Title,
			Requests: rec.Requests,
			Stars:    rec.Stars,
			PriceRUB: price,
		})
	}
	return NewPlanCatalog(plans)
}

// NewPlanCatalog проверяет тарифы и собирает каталог.
func NewPlanCatalog(plans []Plan) (*PlanCatalog, error) {
	if len(plans) == 0 {
		return nil, fmt.Errorf("каталог тарифов пуст")
	}
	c := &PlanCatalog{
		plans:  make([]Plan, 0, len(plans)),
		byCode: make(map[string]Plan, len(plans)),
	}
	for _, p := range plans {
		p.Code = strings.TrimSpace(p.Code)
		if p.Code == "" {
			return nil, fmt.Errorf("тариф без кода")
		}
		if _, dup := c.byCode[p.Code]; dup {
			return nil, fmt.Errorf("тариф %s указан дважды", p.Code)
		}
		// Безлимитные тарифы в целочисленный леджер не ложатся
		if p.Requests <= 0 {
			return nil, fmt.Errorf("тариф %s: requests должен быть > 0", p.Code)
		}
		if p.Stars <= 0 && !p.PriceRUB.IsPositive() {
			return nil, fmt.Errorf("тариф %s: не задана ни одна цена", p.Code)
		}
		if p.Title == "" {
			p.Title = p.Code
		}
		c.plans = append(c.plans, p)
		c.byCode[p.Code] = p
	}
	return c, nil
}

// Get возвращает тариф по коду.
func (c *PlanCatalog) Get(code string) (Plan, bool) {
	p, ok := c.byCode[code]
	return p, ok
}

// All возвращает тарифы в порядке из файла.
func (c *PlanCatalog) All() []Plan {
	out := make([]Plan, len(c.plans))
	copy(out, c.plans)
	return out
}

// Resolve сопоставляет оплаченную сумму с тарифом.
// С кодом тарифа сумма должна совпасть с его ценой,
// без кода ищем тариф с такой ценой в этой валюте.
func (c *PlanCatalog) Resolve(code string, amount decimal.Decimal, currency string) (Plan, error) {
	if code != "" {
		p, ok := c.byCode[code]
		if !ok {
			return Plan{}, fmt.Errorf("%w: %s", common.ErrUnknownPlan, code)
		}
		price, ok := p.Price(currency)
		if !ok {
			return Plan{}, fmt.Errorf("%w: тариф %s не продаётся за %s", common.ErrPaymentMismatch, code, currency)
		}
		if !price.Equal(amount) {
			return Plan{}, fmt.Errorf("%w: тариф %s стоит %s %s, оплачено %s",
				common.ErrPaymentMismatch, code, price.String(), currency, amount.String())
		}
		return p, nil
	}

	for _, p := range c.plans {
		if price, ok := p.Price(currency); ok && price.Equal(amount) {
			return p, nil
		}
	}
	return Plan{}, fmt.Errorf("%w: нет тарифа за %s %s", common.ErrUnknownPlan, amount.String(), currency)
}
