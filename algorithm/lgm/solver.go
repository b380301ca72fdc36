package lgm

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/xerrors"
)

// ConvolutionSolver 在 LGM 状态网格上通过与正态核卷积实现期望值回滚 (Hagan 的卷积求积).
//
// 状态网格在 t 时刻为 x_k = dx(k-mx), dx = sqrt(ζ(t))/nx, 共 2mx+1 个点.
// 核网格为 y_i = h(i-my), h = 1/ny, 权重由正态分布函数与密度的差分给出.
type ConvolutionSolver struct {
	p      Parametrization
	mx, my int
	nx     int
	h      float64
	y, w   []float64
}

// NewConvolutionSolver 创建求解器. sy, sx 为以标准差计的网格宽度, ny, nx 为每个标准差的点数.
func NewConvolutionSolver(p Parametrization, sy float64, ny int, sx float64, nx int) (*ConvolutionSolver, error) {
	if p == nil {
		return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "convolution solver needs a parametrization")
	}
	if sy <= 0 || ny <= 0 || sx <= 0 || nx <= 0 {
		return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "sy (%g), ny (%d), sx (%g), nx (%d) must all be positive", sy, ny, sx, nx)
	}
	s := &ConvolutionSolver{
		p:  p,
		mx: int(math.Floor(sx*float64(nx) + 0.5)),
		my: int(math.Floor(sy*float64(ny) + 0.5)),
		nx: nx,
		h:  1 / float64(ny),
	}
	if s.mx == 0 || s.my == 0 {
		return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "grid is degenerate: mx=%d, my=%d", s.mx, s.my)
	}

	n := distuv.UnitNormal
	h := s.h
	s.y = make([]float64, 2*s.my+1)
	s.w = make([]float64, 2*s.my+1)
	for i := range s.y {
		s.y[i] = h * float64(i-s.my)
	}
	for i, yi := range s.y {
		var w float64
		if i == 0 || i == 2*s.my {
			y0 := s.y[0]
			w = (1+y0/h)*n.CDF(y0+h) - y0/h*n.CDF(y0) + (n.Prob(y0+h)-n.Prob(y0))/h
		} else {
			w = (1+yi/h)*n.CDF(yi+h) - 2*yi/h*n.CDF(yi) - (1-yi/h)*n.CDF(yi-h) +
				(n.Prob(yi+h)-2*n.Prob(yi)+n.Prob(yi-h))/h
		}
		if w < 0 {
			if w < -1e-10 {
				return nil, xerrors.Newf(xerrors.ErrMathConvergence, "negative convolution weight %g at i=%d", w, i)
			}
			w = 0
		}
		s.w[i] = w
	}
	return s, nil
}

// GridSize 状态网格点数 2mx+1.
func (s *ConvolutionSolver) GridSize() int { return 2*s.mx + 1 }

// Parametrization 返回模型参数化.
func (s *ConvolutionSolver) Parametrization() Parametrization { return s.p }

// StateGrid 返回 t 时刻的状态网格, t 接近 0 时为全零确定值.
func (s *ConvolutionSolver) StateGrid(t float64) randomvar.RandomVariable {
	if randomvar.CloseEnoughValue(t, 0) {
		return randomvar.New(s.GridSize(), 0)
	}
	dx := math.Sqrt(s.p.Zeta(t)) / float64(s.nx)
	data := make([]float64, s.GridSize())
	for k := range data {
		data[k] = dx * float64(k-s.mx)
	}
	return randomvar.FromSlice(data)
}

// interpolate 在网格值 v 上于分数下标 kp 处线性插值, 越界时按端点梯度外推.
func (s *ConvolutionSolver) interpolate(v randomvar.RandomVariable, kp float64) float64 {
	last := 2 * s.mx
	kk := int(math.Floor(kp))
	switch {
	case kk < 0:
		return v.At(0) + kp*(v.At(1)-v.At(0))
	case kk+1 > last:
		return v.At(last-1) + (kp-float64(last-1))*(v.At(last)-v.At(last-1))
	default:
		return (float64(kk)+1-kp)*v.At(kk) + (kp-float64(kk))*v.At(kk+1)
	}
}

// Rollback 将 t1 时刻网格上的值回滚到 t0 时刻: v(t0, x) = E[v(t1, X) | X(t0) = x].
// t0 == t1 时原样返回, t0 > t1 时报错, t0 == 0 时返回确定值.
func (s *ConvolutionSolver) Rollback(v randomvar.RandomVariable, t1, t0 float64) (randomvar.RandomVariable, error) {
	if randomvar.CloseEnoughValue(t0, t1) {
		return v, nil
	}
	if t0 > t1 {
		return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrRollbackDirection, "rollback from t1=%g to t0=%g", t1, t0)
	}
	if v.Size() != s.GridSize() {
		return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrDimMismatch, "rollback value size (%d) must match grid size (%d)", v.Size(), s.GridSize())
	}
	if v.Deterministic() {
		return v, nil
	}
	mx := float64(s.mx)
	sigma := math.Sqrt(s.p.Zeta(t1))
	dx := sigma / float64(s.nx)

	if randomvar.CloseEnoughValue(t0, 0) {
		tmp := 0.0
		for i, yi := range s.y {
			tmp += s.w[i] * s.interpolate(v, yi*sigma/dx+mx)
		}
		return randomvar.New(s.GridSize(), tmp), nil
	}

	std := math.Sqrt(s.p.Zeta(t1) - s.p.Zeta(t0))
	dx0 := math.Sqrt(s.p.Zeta(t0)) / float64(s.nx)
	data := make([]float64, s.GridSize())
	for k1 := range data {
		tmp := 0.0
		for i, yi := range s.y {
			kp := (dx0*float64(k1-s.mx)+yi*std)/dx + mx
			tmp += s.w[i] * s.interpolate(v, kp)
		}
		data[k1] = tmp
	}
	return randomvar.FromSlice(data), nil
}
