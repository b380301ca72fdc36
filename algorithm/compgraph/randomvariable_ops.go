package compgraph

import (
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/xerrors"
)

type rv = randomvar.RandomVariable

// RandomVariableOps 返回以 randomvar 实现的运算表, 按 OpCode 下标.
// eps > 0 时 Max/Min 以指示函数形式求值, 与平滑梯度保持一致.
func RandomVariableOps(size, regressionOrder int, eps float64) []OpFunc[rv] {
	ops := make([]OpFunc[rv], NumOps)
	ops[OpAdd] = func(a []*rv) rv { return randomvar.Add(*a[0], *a[1]) }
	ops[OpSubtract] = func(a []*rv) rv { return randomvar.Sub(*a[0], *a[1]) }
	ops[OpNegative] = func(a []*rv) rv { return randomvar.Neg(*a[0]) }
	ops[OpMult] = func(a []*rv) rv { return randomvar.Mul(*a[0], *a[1]) }
	ops[OpDiv] = func(a []*rv) rv { return randomvar.Div(*a[0], *a[1]) }
	ops[OpConditionalExpectation] = func(a []*rv) rv {
		filter := randomvar.Not(randomvar.CloseEnough(*a[1], randomvar.New(size, 0)))
		regressors := make([]rv, 0, len(a)-2)
		for _, r := range a[2:] {
			regressors = append(regressors, *r)
		}
		res, err := randomvar.ConditionalExpectation(*a[0], regressors, regressionOrder, filter)
		if err != nil {
			panic(xerrors.Wrap(err, xerrors.ErrInternal, "conditional expectation"))
		}
		return res
	}
	ops[OpIndicatorEq] = func(a []*rv) rv { return randomvar.IndicatorEq(*a[0], *a[1], 1, 0) }
	ops[OpIndicatorGt] = func(a []*rv) rv { return randomvar.IndicatorGt(*a[0], *a[1], 1, 0) }
	ops[OpIndicatorGeq] = func(a []*rv) rv { return randomvar.IndicatorGeq(*a[0], *a[1], 1, 0) }
	if eps > 0 {
		ops[OpMax] = func(a []*rv) rv {
			return randomvar.Add(randomvar.Mul(randomvar.IndicatorGt(*a[0], *a[1], 1, 0), randomvar.Sub(*a[0], *a[1])), *a[1])
		}
		ops[OpMin] = func(a []*rv) rv {
			return randomvar.Add(randomvar.Mul(randomvar.IndicatorGt(*a[1], *a[0], 1, 0), randomvar.Sub(*a[1], *a[0])), *a[0])
		}
	} else {
		ops[OpMax] = func(a []*rv) rv { return randomvar.Max(*a[0], *a[1]) }
		ops[OpMin] = func(a []*rv) rv { return randomvar.Min(*a[0], *a[1]) }
	}
	ops[OpAbs] = func(a []*rv) rv { return randomvar.Abs(*a[0]) }
	ops[OpExp] = func(a []*rv) rv { return randomvar.Exp(*a[0]) }
	ops[OpSqrt] = func(a []*rv) rv { return randomvar.Sqrt(*a[0]) }
	ops[OpLog] = func(a []*rv) rv { return randomvar.Log(*a[0]) }
	ops[OpPow] = func(a []*rv) rv { return randomvar.Pow(*a[0], *a[1]) }
	ops[OpNormalCdf] = func(a []*rv) rv { return randomvar.NormalCdf(*a[0]) }
	ops[OpNormalPdf] = func(a []*rv) rv { return randomvar.NormalPdf(*a[0]) }
	return ops
}

// RandomVariableGrads 返回以 randomvar 实现的梯度表.
// 条件期望的回归系数视为常数, 伴随值直接传给被回归量.
func RandomVariableGrads(size int, eps float64) []GradFunc[rv] {
	zero := randomvar.New(size, 0)
	one := randomvar.New(size, 1)
	grads := make([]GradFunc[rv], NumOps)
	grads[OpAdd] = func(a []*rv, _ *rv) []rv { return []rv{one, one} }
	grads[OpSubtract] = func(a []*rv, _ *rv) []rv { return []rv{one, randomvar.New(size, -1)} }
	grads[OpNegative] = func(a []*rv, _ *rv) []rv { return []rv{randomvar.New(size, -1)} }
	grads[OpMult] = func(a []*rv, _ *rv) []rv { return []rv{*a[1], *a[0]} }
	grads[OpDiv] = func(a []*rv, _ *rv) []rv {
		return []rv{
			randomvar.Div(one, *a[1]),
			randomvar.Neg(randomvar.Div(*a[0], randomvar.Mul(*a[1], *a[1]))),
		}
	}
	grads[OpConditionalExpectation] = func(a []*rv, _ *rv) []rv {
		out := make([]rv, len(a))
		out[0] = one
		for i := 1; i < len(a); i++ {
			out[i] = zero
		}
		return out
	}
	grads[OpIndicatorEq] = func(a []*rv, _ *rv) []rv { return []rv{zero, zero} }
	indicatorGrad := func(a []*rv, _ *rv) []rv {
		d := randomvar.IndicatorDerivative(randomvar.Sub(*a[0], *a[1]), eps)
		return []rv{d, randomvar.Neg(d)}
	}
	grads[OpIndicatorGt] = indicatorGrad
	grads[OpIndicatorGeq] = indicatorGrad
	grads[OpMax] = func(a []*rv, _ *rv) []rv {
		ab := randomvar.Sub(*a[0], *a[1])
		ba := randomvar.Sub(*a[1], *a[0])
		return []rv{
			randomvar.Add(randomvar.Mul(randomvar.IndicatorDerivative(ab, eps), ab), randomvar.IndicatorGeq(*a[0], *a[1], 1, 0)),
			randomvar.Add(randomvar.Mul(randomvar.IndicatorDerivative(ba, eps), ba), randomvar.IndicatorGeq(*a[1], *a[0], 1, 0)),
		}
	}
	grads[OpMin] = func(a []*rv, _ *rv) []rv {
		ab := randomvar.Sub(*a[0], *a[1])
		ba := randomvar.Sub(*a[1], *a[0])
		return []rv{
			randomvar.Add(randomvar.Mul(randomvar.IndicatorDerivative(ba, eps), ba), randomvar.IndicatorGeq(*a[1], *a[0], 1, 0)),
			randomvar.Add(randomvar.Mul(randomvar.IndicatorDerivative(ab, eps), ab), randomvar.IndicatorGeq(*a[0], *a[1], 1, 0)),
		}
	}
	grads[OpAbs] = func(a []*rv, _ *rv) []rv { return []rv{randomvar.IndicatorGeq(*a[0], zero, 1, -1)} }
	grads[OpExp] = func(_ []*rv, v *rv) []rv { return []rv{*v} }
	grads[OpSqrt] = func(_ []*rv, v *rv) []rv { return []rv{randomvar.Div(randomvar.New(size, 0.5), *v)} }
	grads[OpLog] = func(a []*rv, _ *rv) []rv { return []rv{randomvar.Div(one, *a[0])} }
	grads[OpPow] = func(a []*rv, v *rv) []rv {
		return []rv{
			randomvar.Mul(randomvar.Div(*a[1], *a[0]), *v),
			randomvar.Mul(randomvar.Log(*a[0]), *v),
		}
	}
	grads[OpNormalCdf] = func(a []*rv, _ *rv) []rv { return []rv{randomvar.NormalPdf(*a[0])} }
	grads[OpNormalPdf] = func(a []*rv, v *rv) []rv { return []rv{randomvar.Neg(randomvar.Mul(*a[0], *v))} }
	return grads
}

func need(args []bool, self bool) OpRequirement {
	return func(int) ([]bool, bool) { return args, self }
}

// RandomVariableOpRequirements 返回与 RandomVariableGrads 对应的值保留需求.
func RandomVariableOpRequirements() []OpRequirement {
	req := make([]OpRequirement, NumOps)
	req[OpNone] = need(nil, false)
	req[OpAdd] = need([]bool{false, false}, false)
	req[OpSubtract] = need([]bool{false, false}, false)
	req[OpNegative] = need([]bool{false}, false)
	req[OpMult] = need([]bool{true, true}, false)
	req[OpDiv] = need([]bool{true, true}, false)
	req[OpConditionalExpectation] = func(n int) ([]bool, bool) { return make([]bool, n), false }
	req[OpIndicatorEq] = need([]bool{false, false}, false)
	req[OpIndicatorGt] = need([]bool{true, true}, false)
	req[OpIndicatorGeq] = need([]bool{true, true}, false)
	req[OpMin] = need([]bool{true, true}, false)
	req[OpMax] = need([]bool{true, true}, false)
	req[OpAbs] = need([]bool{true}, false)
	req[OpExp] = need([]bool{false}, true)
	req[OpSqrt] = need([]bool{false}, true)
	req[OpLog] = need([]bool{true}, false)
	req[OpPow] = need([]bool{true, true}, true)
	req[OpNormalCdf] = need([]bool{true}, false)
	req[OpNormalPdf] = need([]bool{true}, true)
	return req
}

// RandomVariableAdjoint 返回随机变量伴随值的代数运算, 未初始化的值视为 0.
func RandomVariableAdjoint() Adjoint[rv] {
	return Adjoint[rv]{
		Add: func(a, b rv) rv {
			if !a.Initialised() {
				return b
			}
			if !b.Initialised() {
				return a
			}
			return randomvar.Add(a, b)
		},
		Mul: func(a, b rv) rv {
			if !a.Initialised() || !b.Initialised() {
				return rv{}
			}
			return randomvar.Mul(a, b)
		},
		IsZero: func(a rv) bool {
			return !a.Initialised() || (a.Deterministic() && a.At(0) == 0)
		},
	}
}

// RandomVariableDeleter 释放节点值.
func RandomVariableDeleter(x *rv) { *x = rv{} }
