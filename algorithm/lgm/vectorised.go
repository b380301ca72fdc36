package lgm

import (
	"math"

	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/xerrors"
)

// Vectorised 在状态向量上逐路径计算 LGM 模型量.
type Vectorised struct {
	p Parametrization
}

// NewVectorised 创建向量化模型.
func NewVectorised(p Parametrization) Vectorised { return Vectorised{p: p} }

// Parametrization 返回模型参数化.
func (v Vectorised) Parametrization() Parametrization { return v.p }

func det(x randomvar.RandomVariable, c float64) randomvar.RandomVariable {
	return randomvar.New(x.Size(), c)
}

// Numeraire N(t,x) = exp(H_t x + ½ζ_t H_t²) / P(0,t).
func (v Vectorised) Numeraire(t float64, x randomvar.RandomVariable) (randomvar.RandomVariable, error) {
	if t < 0 {
		return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrInvalidInput, "numeraire requires t (%g) >= 0", t)
	}
	ht := det(x, v.p.H(t))
	e := randomvar.Exp(randomvar.Add(randomvar.Mul(ht, x), randomvar.Mul(randomvar.Mul(det(x, 0.5*v.p.Zeta(t)), ht), ht)))
	return randomvar.Div(e, det(x, v.p.Curve().Discount(t))), nil
}

// DiscountBond P(t,T,x).
func (v Vectorised) DiscountBond(t, T float64, x randomvar.RandomVariable) (randomvar.RandomVariable, error) {
	if randomvar.CloseEnoughValue(t, T) {
		return det(x, 1), nil
	}
	if T < t || t < 0 {
		return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrInvalidInput, "discount bond requires T (%g) >= t (%g) >= 0", T, t)
	}
	ht := det(x, v.p.H(t))
	hT := det(x, v.p.H(T))
	curve := v.p.Curve()
	exponent := randomvar.Sub(
		randomvar.Neg(randomvar.Mul(randomvar.Sub(hT, ht), x)),
		randomvar.Mul(det(x, 0.5*v.p.Zeta(t)), randomvar.Sub(randomvar.Mul(hT, hT), randomvar.Mul(ht, ht))),
	)
	return randomvar.Mul(det(x, curve.Discount(T)/curve.Discount(t)), randomvar.Exp(exponent)), nil
}

// ReducedDiscountBond P(t,T,x)/N(t,x).
func (v Vectorised) ReducedDiscountBond(t, T float64, x randomvar.RandomVariable) (randomvar.RandomVariable, error) {
	if randomvar.CloseEnoughValue(t, T) {
		n, err := v.Numeraire(t, x)
		if err != nil {
			return randomvar.RandomVariable{}, err
		}
		return randomvar.Div(det(x, 1), n), nil
	}
	if T < t || t < 0 {
		return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrInvalidInput, "reduced discount bond requires T (%g) >= t (%g) >= 0", T, t)
	}
	hT := det(x, v.p.H(T))
	exponent := randomvar.Sub(randomvar.Neg(randomvar.Mul(hT, x)), randomvar.Mul(randomvar.Mul(det(x, 0.5*v.p.Zeta(t)), hT), hT))
	return randomvar.Mul(det(x, v.p.Curve().Discount(T)), randomvar.Exp(exponent)), nil
}

// Fixing 返回指数在 fixingTime 的定盘, 以 t 时刻状态 x 估计.
// fixingTime <= 0 时使用历史定盘.
func (v Vectorised) Fixing(index instrument.IborIndex, fixingTime, t float64, x randomvar.RandomVariable) (randomvar.RandomVariable, error) {
	if fixingTime <= 0 {
		f, ok := index.PastFixing(fixingTime)
		if !ok {
			return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrInvalidInput, "missing %s fixing for time %g", index.Name, fixingTime)
		}
		return det(x, f), nil
	}
	t1 := math.Max(t, fixingTime)
	t2 := math.Max(t1, fixingTime+index.Tenor)
	disc1, err := v.ReducedDiscountBond(t, t1, x)
	if err != nil {
		return randomvar.RandomVariable{}, err
	}
	disc2, err := v.ReducedDiscountBond(t, t2, x)
	if err != nil {
		return randomvar.RandomVariable{}, err
	}
	return randomvar.Div(randomvar.Sub(randomvar.Div(disc1, disc2), det(x, 1)), det(x, index.Tenor)), nil
}
