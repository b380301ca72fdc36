package lgm

import (
	"math"
	"sort"

	"github.com/wyfcoding/quantcore/xerrors"
)

// Parametrization LGM 参数化: ζ(t) 为状态变量的方差, H(t) 为状态对零息债券的敏感度.
type Parametrization interface {
	Zeta(t float64) float64
	H(t float64) float64
	Curve() YieldCurve
	Currency() string
}

func hFunction(kappa, t float64) float64 {
	if math.Abs(kappa) < 1e-10 {
		return t
	}
	return (1 - math.Exp(-kappa*t)) / kappa
}

// ConstantParametrization 常数 α 与 κ.
type ConstantParametrization struct {
	Alpha float64
	Kappa float64
	Ccy   string
	YC    YieldCurve
}

// Zeta ζ(t) = α²t.
func (p *ConstantParametrization) Zeta(t float64) float64 { return p.Alpha * p.Alpha * t }

// H H(t) = (1-e^{-κt})/κ, κ 接近 0 时为 t.
func (p *ConstantParametrization) H(t float64) float64 { return hFunction(p.Kappa, t) }

// Curve 折现曲线.
func (p *ConstantParametrization) Curve() YieldCurve { return p.YC }

// Currency 货币.
func (p *ConstantParametrization) Currency() string { return p.Ccy }

// PiecewiseParametrization 分段常数 α, Alphas 比 Times 多一个元素, 最后一段一直延续.
type PiecewiseParametrization struct {
	times  []float64
	alphas []float64
	kappa  float64
	ccy    string
	yc     YieldCurve
}

// NewPiecewiseParametrization 创建分段常数参数化.
func NewPiecewiseParametrization(ccy string, yc YieldCurve, times, alphas []float64, kappa float64) (*PiecewiseParametrization, error) {
	if len(alphas) != len(times)+1 {
		return nil, xerrors.Newf(xerrors.ErrInvalidInput, "alphas (%d) must have one more element than times (%d)", len(alphas), len(times))
	}
	if !sort.Float64sAreSorted(times) {
		return nil, xerrors.Newf(xerrors.ErrInvalidInput, "alpha times must be increasing")
	}
	return &PiecewiseParametrization{
		times:  append([]float64(nil), times...),
		alphas: append([]float64(nil), alphas...),
		kappa:  kappa,
		ccy:    ccy,
		yc:     yc,
	}, nil
}

// Zeta 对 α² 精确积分.
func (p *PiecewiseParametrization) Zeta(t float64) float64 {
	res, prev := 0.0, 0.0
	for i, ti := range p.times {
		if t <= ti {
			return res + p.alphas[i]*p.alphas[i]*(t-prev)
		}
		res += p.alphas[i] * p.alphas[i] * (ti - prev)
		prev = ti
	}
	a := p.alphas[len(p.alphas)-1]
	return res + a*a*(t-prev)
}

// H 与常数参数化相同.
func (p *PiecewiseParametrization) H(t float64) float64 { return hFunction(p.kappa, t) }

// Curve 折现曲线.
func (p *PiecewiseParametrization) Curve() YieldCurve { return p.yc }

// Currency 货币.
func (p *PiecewiseParametrization) Currency() string { return p.ccy }
