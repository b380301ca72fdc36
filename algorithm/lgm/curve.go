// Package lgm 实现单因子线性高斯马尔可夫 (LGM) 利率模型, 向量化的模型公式,
// 基于卷积的回滚求解器以及在网格上做逆向归纳的多腿期权数值引擎.
package lgm

import (
	"math"
	"sort"

	"github.com/wyfcoding/quantcore/xerrors"
)

// YieldCurve 折现曲线.
type YieldCurve interface {
	Discount(t float64) float64
}

// FlatCurve 连续复利的平坦曲线.
type FlatCurve struct {
	Rate float64
}

// Discount 折现因子.
func (c FlatCurve) Discount(t float64) float64 { return math.Exp(-c.Rate * t) }

// ZeroCurve 按零息利率线性插值的曲线, 两端平坦外推.
type ZeroCurve struct {
	times []float64
	zeros []float64
}

// NewZeroCurve 创建零息曲线, times 必须严格递增且为正.
func NewZeroCurve(times, zeros []float64) (*ZeroCurve, error) {
	if len(times) == 0 || len(times) != len(zeros) {
		return nil, xerrors.Newf(xerrors.ErrInvalidInput, "zero curve needs matching non-empty times (%d) and zeros (%d)", len(times), len(zeros))
	}
	for i, t := range times {
		if t <= 0 || (i > 0 && t <= times[i-1]) {
			return nil, xerrors.Newf(xerrors.ErrInvalidInput, "zero curve times must be positive and increasing, got %g at #%d", t, i)
		}
	}
	c := &ZeroCurve{times: append([]float64(nil), times...), zeros: append([]float64(nil), zeros...)}
	return c, nil
}

// ZeroRate 返回 t 时刻的零息利率.
func (c *ZeroCurve) ZeroRate(t float64) float64 {
	n := len(c.times)
	if t <= c.times[0] {
		return c.zeros[0]
	}
	if t >= c.times[n-1] {
		return c.zeros[n-1]
	}
	i := sort.SearchFloat64s(c.times, t)
	t0, t1 := c.times[i-1], c.times[i]
	w := (t - t0) / (t1 - t0)
	return c.zeros[i-1]*(1-w) + c.zeros[i]*w
}

// Discount 折现因子.
func (c *ZeroCurve) Discount(t float64) float64 {
	if t <= 0 {
		return 1
	}
	return math.Exp(-c.ZeroRate(t) * t)
}
