package amc

import (
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/scripting"
	"github.com/wyfcoding/quantcore/xerrors"
)

// SwapEngine 多腿互换引擎.
type SwapEngine struct {
	*baseEngine
	swap *instrument.Swap
}

// NewSwapEngine 创建互换引擎.
func NewSwapEngine(model Model, swap *instrument.Swap, opts Options) *SwapEngine {
	e := &SwapEngine{baseEngine: newBaseEngine("swap", model, swap, opts), swap: swap}
	e.lower = e.lowerSwap
	return e
}

func (e *SwapEngine) lowerSwap() error {
	if err := instrument.Validate(e.swap); err != nil {
		return err
	}
	e.legs = e.swap.Legs
	e.currencies = canonicalCurrencies(e.swap.Currencies)
	e.payer = make([]bool, len(e.swap.Payer))
	for i, p := range e.swap.Payer {
		e.payer[i] = randomvar.CloseEnoughValue(p, -1)
	}
	e.exercise = nil
	return nil
}

// MultiLegOptionEngine 多腿期权引擎, 没有行权时间表时按标的定价.
type MultiLegOptionEngine struct {
	*baseEngine
	option *instrument.MultiLegOption
}

// NewMultiLegOptionEngine 创建多腿期权引擎.
func NewMultiLegOptionEngine(model Model, option *instrument.MultiLegOption, opts Options) *MultiLegOptionEngine {
	e := &MultiLegOptionEngine{baseEngine: newBaseEngine("multi_leg_option", model, option, opts), option: option}
	e.lower = e.lowerOption
	return e
}

func (e *MultiLegOptionEngine) lowerOption() error {
	if err := instrument.Validate(e.option); err != nil {
		return err
	}
	e.legs = e.option.Legs
	e.currencies = canonicalCurrencies(e.option.Currencies)
	e.payer = append([]bool(nil), e.option.Payer...)
	e.exercise = e.option.Exercise
	e.settlement = e.option.Settlement
	e.cashSettlementTimes = e.option.CashSettlementTimes
	return nil
}

// BondEngine 债券引擎, 结算时间之前支付的现金流不计入.
type BondEngine struct {
	*baseEngine
	bond *instrument.Bond
}

// NewBondEngine 创建债券引擎.
func NewBondEngine(model Model, bond *instrument.Bond, opts Options) *BondEngine {
	e := &BondEngine{baseEngine: newBaseEngine("bond", model, bond, opts), bond: bond}
	e.lower = e.lowerBond
	return e
}

func (e *BondEngine) lowerBond() error {
	if err := instrument.Validate(e.bond); err != nil {
		return err
	}
	var leg instrument.Leg
	for _, c := range e.bond.Leg {
		if c.PayTime() > e.bond.SettlementTime {
			leg = append(leg, c)
		}
	}
	e.legs = []instrument.Leg{leg}
	e.currencies = []string{instrument.CanonicalCurrency(e.bond.Currency)}
	e.payer = []bool{false}
	e.exercise = nil
	return nil
}

// AddTrade 按交易类型选择引擎. library 只在脚本交易时使用, 可以为 nil.
func AddTrade(model Model, trade instrument.Trade, opts Options, library *scripting.Library) (Engine, error) {
	var e Engine
	switch t := trade.(type) {
	case *instrument.Swap:
		e = NewSwapEngine(model, t, opts)
	case *instrument.MultiLegOption:
		e = NewMultiLegOptionEngine(model, t, opts)
	case *instrument.Bond:
		e = NewBondEngine(model, t, opts)
	case *instrument.ScriptedTrade:
		e = NewScriptedEngine(model, t, opts, library)
	default:
		return nil, xerrors.Newf(xerrors.ErrUnsupportedTrade, "trade %s of type %s", trade.TradeID(), trade.TradeType())
	}
	return e, nil
}
