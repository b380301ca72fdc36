package randomvar

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/wyfcoding/quantcore/xerrors"
)

// Expectation 返回路径均值, 结果为确定值.
func Expectation(x RandomVariable) RandomVariable {
	if !x.Initialised() || x.deterministic {
		return x
	}
	sum := 0.0
	for _, v := range x.data {
		sum += v
	}
	return RandomVariable{n: x.n, deterministic: true, value: sum / float64(x.n), time: x.time, timed: x.timed}
}

// Variance 返回路径的总体方差.
func Variance(x RandomVariable) float64 {
	if !x.Initialised() || x.deterministic {
		return 0
	}
	mean := Expectation(x).value
	sum := 0.0
	for _, v := range x.data {
		d := v - mean
		sum += d * d
	}
	return sum / float64(x.n)
}

// ValidPaths 返回取值有限(非 NaN/Inf)的路径.
func ValidPaths(x RandomVariable) Filter {
	if !x.Initialised() {
		return Filter{}
	}
	if x.deterministic {
		return NewFilter(x.n, !math.IsNaN(x.value) && !math.IsInf(x.value, 0))
	}
	data := make([]bool, x.n)
	for i, v := range x.data {
		data[i] = !math.IsNaN(v) && !math.IsInf(v, 0)
	}
	return Filter{n: x.n, data: data}.UpdateDeterministic()
}

// FilteredExpectation 只对过滤器为 true 的路径求均值, 没有有效路径时返回 NaN.
func FilteredExpectation(x RandomVariable, f Filter) float64 {
	if !x.Initialised() {
		return math.NaN()
	}
	mustMatch("filtered_expectation", x.n, f.n)
	sum, cnt := 0.0, 0
	for i := 0; i < x.n; i++ {
		if f.At(i) {
			sum += x.At(i)
			cnt++
		}
	}
	if cnt == 0 {
		return math.NaN()
	}
	return sum / float64(cnt)
}

// BasisFunction 回归基函数, 输入为回归变量.
type BasisFunction func(regressors []RandomVariable) RandomVariable

// MultiPathBasisSystem 返回 dim 维回归变量上总次数不超过 order 的单项式基, 第一个元素为常数 1.
func MultiPathBasisSystem(dim, order, n int) []BasisFunction {
	var basis []BasisFunction
	for total := 0; total <= order; total++ {
		collectExact(dim, total, func(e []int) { basis = append(basis, monomial(e, n)) })
	}
	return basis
}

// collectExact 枚举总次数恰为 total 的指数组合.
func collectExact(dim, total int, emit func([]int)) {
	e := make([]int, dim)
	var rec func(pos, remaining int)
	rec = func(pos, remaining int) {
		if pos == dim-1 {
			e[pos] = remaining
			cp := make([]int, dim)
			copy(cp, e)
			emit(cp)
			return
		}
		for k := remaining; k >= 0; k-- {
			e[pos] = k
			rec(pos+1, remaining-k)
		}
	}
	if dim == 0 {
		if total == 0 {
			emit(nil)
		}
		return
	}
	rec(0, total)
}

func monomial(exponents []int, n int) BasisFunction {
	return func(regressors []RandomVariable) RandomVariable {
		res := New(n, 1)
		for i, k := range exponents {
			for j := 0; j < k; j++ {
				res = Mul(res, regressors[i])
			}
		}
		return res
	}
}

// RegressionCoefficients 以最小二乘求解回归系数, 过滤器为 false 的路径不参与回归.
func RegressionCoefficients(r RandomVariable, regressors []RandomVariable, basis []BasisFunction, f Filter) ([]float64, error) {
	for i, reg := range regressors {
		if reg.n != r.n {
			return nil, xerrors.Newf(xerrors.ErrDimMismatch, "regressor #%d size (%d) must match regressand size (%d)", i, reg.n, r.n)
		}
	}
	if f.Initialised() && f.n != r.n {
		return nil, xerrors.Newf(xerrors.ErrDimMismatch, "filter size (%d) must match regressand size (%d)", f.n, r.n)
	}
	a := mat.NewDense(r.n, len(basis), nil)
	for j, fn := range basis {
		col := fn(regressors)
		if f.Initialised() {
			col = ApplyFilter(col, f)
		}
		for i := 0; i < r.n; i++ {
			a.Set(i, j, col.At(i))
		}
	}
	if f.Initialised() {
		r = ApplyFilter(r, f)
	}
	b := mat.NewVecDense(r.n, r.Data())

	var qr mat.QR
	qr.Factorize(a)
	var x mat.VecDense
	if err := qr.SolveVecTo(&x, false, b); err != nil {
		// 秩亏时退化为截断 SVD 最小二乘解
		var svd mat.SVD
		if !svd.Factorize(a, mat.SVDThin) {
			return nil, xerrors.Newf(xerrors.ErrMathConvergence, "svd factorization failed: %v", err)
		}
		rank := svd.Rank(1e-12)
		if rank == 0 {
			return make([]float64, len(basis)), nil
		}
		var sol mat.Dense
		svd.SolveTo(&sol, b, rank)
		out := make([]float64, len(basis))
		for j := range out {
			out[j] = sol.At(j, 0)
		}
		return out, nil
	}
	out := make([]float64, len(basis))
	for j := range out {
		out[j] = x.AtVec(j)
	}
	return out, nil
}

// EvaluateRegression 以给定系数在回归变量上计算回归值.
func EvaluateRegression(regressors []RandomVariable, basis []BasisFunction, coefficients []float64) (RandomVariable, error) {
	if len(regressors) == 0 {
		return RandomVariable{}, xerrors.Newf(xerrors.ErrEmptyData, "regressor vector is empty")
	}
	if len(basis) != len(coefficients) {
		return RandomVariable{}, xerrors.Newf(xerrors.ErrDimMismatch, "basis size (%d) must match coefficients size (%d)", len(basis), len(coefficients))
	}
	n := regressors[0].n
	res := New(n, 0)
	for i, c := range coefficients {
		res = Add(res, Mul(New(n, c), basis[i](regressors)))
	}
	return res, nil
}

// ConditionalExpectation 计算 r 在回归变量上的条件期望.
// 确定的 r 原样返回, 没有随机回归变量时退化为期望.
func ConditionalExpectation(r RandomVariable, regressors []RandomVariable, order int, f Filter) (RandomVariable, error) {
	if !r.Initialised() || r.deterministic {
		return r, nil
	}
	var active []RandomVariable
	for _, reg := range regressors {
		if reg.Initialised() && !reg.deterministic {
			active = append(active, reg)
		}
	}
	if len(active) == 0 {
		return Expectation(r), nil
	}
	basis := MultiPathBasisSystem(len(active), order, r.n)
	coeff, err := RegressionCoefficients(r, active, basis, f)
	if err != nil {
		return RandomVariable{}, err
	}
	return EvaluateRegression(active, basis, coeff)
}

// Black 向量化 Black 公式, omega 为 1 (call) 或 -1 (put). 行权价为 0 时看涨期权价值等于远期.
func Black(omega, t, strike, forward, vol RandomVariable) RandomVariable {
	n := omega.n
	zero := New(n, 0)
	zeroStrike := CloseEnough(strike, zero)
	call := Gt(omega, zero)
	stdDev := Mul(vol, Sqrt(t))
	d1 := Add(Div(Log(Div(forward, strike)), stdDev), Mul(New(n, 0.5), stdDev))
	d2 := Sub(d1, stdDev)
	value := Mul(omega, Sub(Mul(forward, NormalCdf(Mul(omega, d1))), Mul(strike, NormalCdf(Mul(omega, d2)))))
	return Add(ApplyFilter(forward, And(zeroStrike, call)), ApplyInverseFilter(value, zeroStrike))
}

// InverseNormalCdf 标准正态分布的分位数函数.
func InverseNormalCdf(p float64) float64 {
	return distuv.UnitNormal.Quantile(p)
}
