package instrument

import (
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/wyfcoding/quantcore/xerrors"
)

// Trade 可定价的交易.
type Trade interface {
	TradeID() string
	TradeType() string
}

// Settlement 交割方式.
type Settlement int

const (
	Physical Settlement = iota
	Cash
)

func (s Settlement) String() string {
	if s == Cash {
		return "Cash"
	}
	return "Physical"
}

// Exercise 行权时间表. Rebates 为空表示没有行权返还, 否则与 Times 一一对应.
type Exercise struct {
	Times          []float64 `json:"times" validate:"required,min=1,dive,gte=0"`
	Rebates        []float64 `json:"rebates,omitempty"`
	RebatePayTimes []float64 `json:"rebate_pay_times,omitempty"`
}

// Rebate 返回第 i 个行权日的返还金额与支付时间.
func (e *Exercise) Rebate(i int) (amount, pay float64, ok bool) {
	if e == nil || i >= len(e.Rebates) {
		return 0, 0, false
	}
	pay = e.Times[i]
	if i < len(e.RebatePayTimes) {
		pay = e.RebatePayTimes[i]
	}
	return e.Rebates[i], pay, true
}

// Swap 多腿互换. Payer 采用 -1 表示付出腿, +1 表示收入腿.
type Swap struct {
	ID         string    `json:"id" validate:"required"`
	Legs       []Leg     `json:"-" validate:"required,min=1"`
	Currencies []string  `json:"currencies" validate:"required,min=1,dive,len=3"`
	Payer      []float64 `json:"payer" validate:"required,min=1"`
}

func (s *Swap) TradeID() string   { return s.ID }
func (s *Swap) TradeType() string { return "Swap" }

// MultiLegOption 以多腿互换为标的的期权. Exercise 为 nil 时等价于直接持有标的.
type MultiLegOption struct {
	ID                  string     `json:"id" validate:"required"`
	Legs                []Leg      `json:"-" validate:"required,min=1"`
	Currencies          []string   `json:"currencies" validate:"required,min=1,dive,len=3"`
	Payer               []bool     `json:"payer" validate:"required,min=1"`
	Exercise            *Exercise  `json:"exercise,omitempty"`
	Settlement          Settlement `json:"settlement"`
	CashSettlementTimes []float64  `json:"cash_settlement_times,omitempty"`
}

func (o *MultiLegOption) TradeID() string   { return o.ID }
func (o *MultiLegOption) TradeType() string { return "MultiLegOption" }

// Bond 债券, SettlementTime 之前支付的现金流不计入价值.
type Bond struct {
	ID             string  `json:"id" validate:"required"`
	Leg            Leg     `json:"-" validate:"required,min=1"`
	Currency       string  `json:"currency" validate:"required,len=3"`
	SettlementTime float64 `json:"settlement_time" validate:"gte=0"`
}

func (b *Bond) TradeID() string   { return b.ID }
func (b *Bond) TradeType() string { return "Bond" }

// ScriptedTrade 以脚本描述收益的交易.
type ScriptedTrade struct {
	ID       string `json:"id" validate:"required"`
	Script   string `json:"script" validate:"required"`
	Currency string `json:"currency" validate:"required,len=3"`
	// NPVVariable 脚本中保存交易价值的变量名.
	NPVVariable string               `json:"npv_variable" validate:"required"`
	Numbers     map[string]float64   `json:"numbers,omitempty"`
	Arrays      map[string][]float64 `json:"arrays,omitempty"`
	// Indices 脚本中 FIXING 可以引用的指数.
	Indices []IborIndex `json:"indices,omitempty"`
}

func (s *ScriptedTrade) TradeID() string   { return s.ID }
func (s *ScriptedTrade) TradeType() string { return "ScriptedTrade" }

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() { validate = validator.New() })
	return validate
}

// Validate 校验交易静态数据.
func Validate(t Trade) error {
	if err := structValidator().Struct(t); err != nil {
		return xerrors.Newf(xerrors.ErrInvalidInput, "trade %s: %v", t.TradeID(), err)
	}
	switch v := t.(type) {
	case *Swap:
		return checkLegs(v.ID, len(v.Legs), len(v.Currencies), len(v.Payer))
	case *MultiLegOption:
		if err := checkLegs(v.ID, len(v.Legs), len(v.Currencies), len(v.Payer)); err != nil {
			return err
		}
		if v.Exercise != nil && len(v.Exercise.Rebates) > 0 && len(v.Exercise.Rebates) != len(v.Exercise.Times) {
			return xerrors.Newf(xerrors.ErrInvalidInput, "trade %s: rebates (%d) must match exercise times (%d)", v.ID, len(v.Exercise.Rebates), len(v.Exercise.Times))
		}
	}
	return nil
}

func checkLegs(id string, legs, currencies, payer int) error {
	if legs != currencies || legs != payer {
		return xerrors.Newf(xerrors.ErrDimMismatch, "trade %s: legs (%d), currencies (%d) and payer flags (%d) must have equal size", id, legs, currencies, payer)
	}
	return nil
}

// CanonicalCurrency 返回大写的 ISO 货币代码.
func CanonicalCurrency(ccy string) string {
	return strings.ToUpper(strings.TrimSpace(ccy))
}
