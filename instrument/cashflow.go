// Package instrument 定义定价引擎使用的交易静态数据.
// 所有日期均以相对模型参考日的年化时间表示, 金额使用 shopspring/decimal.
package instrument

import (
	"github.com/shopspring/decimal"
)

// IborIndex 浮动利率指数.
type IborIndex struct {
	Name     string  `json:"name" validate:"required"`
	Tenor    float64 `json:"tenor" validate:"gt=0"`
	Currency string  `json:"currency" validate:"required,len=3"`
	// Fixings 已发生的历史定盘, 键为定盘时间.
	Fixings map[float64]float64 `json:"fixings,omitempty"`
}

// PastFixing 返回 t 时刻的历史定盘.
func (i IborIndex) PastFixing(t float64) (float64, bool) {
	v, ok := i.Fixings[t]
	return v, ok
}

// Cashflow 现金流. 具体类型为 Fixed, Floating 或 Simple.
type Cashflow interface {
	PayTime() float64
	cashflow()
}

// Coupon 带计息区间的现金流.
type Coupon interface {
	Cashflow
	AccrualStartTime() float64
	AccrualEndTime() float64
	AccrualPeriod() float64
}

// Fixed 固定利率息票.
type Fixed struct {
	Notional     decimal.Decimal `json:"notional"`
	Rate         decimal.Decimal `json:"rate"`
	AccrualStart float64         `json:"accrual_start"`
	AccrualEnd   float64         `json:"accrual_end"`
	Pay          float64         `json:"pay"`
}

func (Fixed) cashflow() {}

// PayTime 支付时间.
func (c Fixed) PayTime() float64 { return c.Pay }

// AccrualStartTime 计息开始时间.
func (c Fixed) AccrualStartTime() float64 { return c.AccrualStart }

// AccrualEndTime 计息结束时间.
func (c Fixed) AccrualEndTime() float64 { return c.AccrualEnd }

// AccrualPeriod 计息年化长度.
func (c Fixed) AccrualPeriod() float64 { return c.AccrualEnd - c.AccrualStart }

// Amount 息票金额 = 名义本金 * 利率 * 计息长度.
func (c Fixed) Amount() decimal.Decimal {
	return c.Notional.Mul(c.Rate).Mul(decimal.NewFromFloat(c.AccrualPeriod()))
}

// Floating 浮动利率息票, 金额为 (gearing * fixing + spread) * accrual * notional.
type Floating struct {
	Notional     decimal.Decimal `json:"notional"`
	Spread       decimal.Decimal `json:"spread"`
	Gearing      decimal.Decimal `json:"gearing"`
	Index        IborIndex       `json:"index"`
	Fixing       float64         `json:"fixing"`
	AccrualStart float64         `json:"accrual_start"`
	AccrualEnd   float64         `json:"accrual_end"`
	Pay          float64         `json:"pay"`
}

func (Floating) cashflow() {}

// PayTime 支付时间.
func (c Floating) PayTime() float64 { return c.Pay }

// AccrualStartTime 计息开始时间.
func (c Floating) AccrualStartTime() float64 { return c.AccrualStart }

// AccrualEndTime 计息结束时间.
func (c Floating) AccrualEndTime() float64 { return c.AccrualEnd }

// AccrualPeriod 计息年化长度.
func (c Floating) AccrualPeriod() float64 { return c.AccrualEnd - c.AccrualStart }

// GearingOrOne 返回乘数, 未设置时为 1.
func (c Floating) GearingOrOne() decimal.Decimal {
	if c.Gearing.IsZero() {
		return decimal.NewFromInt(1)
	}
	return c.Gearing
}

// Simple 无计息区间的简单现金流, 例如本金交换.
type Simple struct {
	Amount decimal.Decimal `json:"amount"`
	Pay    float64         `json:"pay"`
}

func (Simple) cashflow() {}

// PayTime 支付时间.
func (c Simple) PayTime() float64 { return c.Pay }

// Leg 现金流序列.
type Leg []Cashflow

// Float 将 decimal 转为 float64, 供数值引擎使用.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// RelevantForExercise 报告现金流是否属于在 exercise 时刻行权可获得的部分.
// 息票以 exercise <= 计息开始为准, 简单现金流以 exercise <= 支付时间为准. exercise <= today 时总是 false.
func RelevantForExercise(today, exercise float64, c Cashflow) bool {
	if exercise <= today {
		return false
	}
	if cpn, ok := c.(Coupon); ok {
		return exercise <= cpn.AccrualStartTime()
	}
	return exercise <= c.PayTime()
}
