package randomvar

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// binary 对两个操作数逐路径执行 fn. 未初始化的操作数传播为未初始化结果.
func binary(op string, x, y RandomVariable, fn func(a, b float64) float64) RandomVariable {
	if !x.Initialised() || !y.Initialised() {
		return RandomVariable{}
	}
	mustMatch(op, x.n, y.n)
	t, timed := mergeTime(op, x, y)
	if x.deterministic && y.deterministic {
		return RandomVariable{n: x.n, deterministic: true, value: fn(x.value, y.value), time: t, timed: timed}
	}
	data := make([]float64, x.n)
	switch {
	case x.deterministic:
		for i, b := range y.data {
			data[i] = fn(x.value, b)
		}
	case y.deterministic:
		for i, a := range x.data {
			data[i] = fn(a, y.value)
		}
	default:
		for i, a := range x.data {
			data[i] = fn(a, y.data[i])
		}
	}
	return RandomVariable{n: x.n, data: data, time: t, timed: timed}
}

// unary 逐路径执行 fn.
func unary(x RandomVariable, fn func(a float64) float64) RandomVariable {
	if !x.Initialised() {
		return x
	}
	if x.deterministic {
		x.value = fn(x.value)
		return x
	}
	data := make([]float64, x.n)
	for i, a := range x.data {
		data[i] = fn(a)
	}
	return RandomVariable{n: x.n, data: data, time: x.time, timed: x.timed}
}

// isDet 报告 y 是否为与 v 足够接近的确定值.
func isDet(y RandomVariable, v float64) bool {
	return y.Initialised() && y.deterministic && CloseEnoughValue(y.value, v)
}

// Add 逐路径加法, 加确定的 0 时直接返回 x.
func Add(x, y RandomVariable) RandomVariable {
	if x.Initialised() && isDet(y, 0) {
		mustMatch("add", x.n, y.n)
		return x
	}
	return binary("add", x, y, func(a, b float64) float64 { return a + b })
}

// Sub 逐路径减法.
func Sub(x, y RandomVariable) RandomVariable {
	if x.Initialised() && isDet(y, 0) {
		mustMatch("sub", x.n, y.n)
		return x
	}
	return binary("sub", x, y, func(a, b float64) float64 { return a - b })
}

// Mul 逐路径乘法, 乘确定的 1 时直接返回 x.
func Mul(x, y RandomVariable) RandomVariable {
	if x.Initialised() && isDet(y, 1) {
		mustMatch("mul", x.n, y.n)
		return x
	}
	return binary("mul", x, y, func(a, b float64) float64 { return a * b })
}

// Div 逐路径除法. 除数为 0 的路径按 IEEE 754 得到 ±Inf, 0/0 得到 NaN, 其余路径不受影响.
func Div(x, y RandomVariable) RandomVariable {
	if x.Initialised() && isDet(y, 1) {
		mustMatch("div", x.n, y.n)
		return x
	}
	return binary("div", x, y, func(a, b float64) float64 { return a / b })
}

// Max 逐路径最大值.
func Max(x, y RandomVariable) RandomVariable {
	return binary("max", x, y, math.Max)
}

// Min 逐路径最小值.
func Min(x, y RandomVariable) RandomVariable {
	return binary("min", x, y, math.Min)
}

// Pow 逐路径幂运算.
func Pow(x, y RandomVariable) RandomVariable {
	if x.Initialised() && isDet(y, 1) {
		mustMatch("pow", x.n, y.n)
		return x
	}
	return binary("pow", x, y, math.Pow)
}

// Neg 取负.
func Neg(x RandomVariable) RandomVariable { return unary(x, func(a float64) float64 { return -a }) }

// Abs 绝对值.
func Abs(x RandomVariable) RandomVariable { return unary(x, math.Abs) }

// Exp 指数.
func Exp(x RandomVariable) RandomVariable { return unary(x, math.Exp) }

// Log 自然对数.
func Log(x RandomVariable) RandomVariable { return unary(x, math.Log) }

// Sqrt 平方根.
func Sqrt(x RandomVariable) RandomVariable { return unary(x, math.Sqrt) }

// Sin 正弦.
func Sin(x RandomVariable) RandomVariable { return unary(x, math.Sin) }

// Cos 余弦.
func Cos(x RandomVariable) RandomVariable { return unary(x, math.Cos) }

// NormalCdf 标准正态分布函数.
func NormalCdf(x RandomVariable) RandomVariable { return unary(x, distuv.UnitNormal.CDF) }

// NormalPdf 标准正态密度.
func NormalPdf(x RandomVariable) RandomVariable { return unary(x, distuv.UnitNormal.Prob) }

// compare 逐路径比较, 结果为过滤器.
func compare(op string, x, y RandomVariable, fn func(a, b float64) bool) Filter {
	if !x.Initialised() || !y.Initialised() {
		return Filter{}
	}
	mustMatch(op, x.n, y.n)
	mergeTime(op, x, y)
	if x.deterministic && y.deterministic {
		return NewFilter(x.n, fn(x.value, y.value))
	}
	data := make([]bool, x.n)
	for i := range data {
		data[i] = fn(x.At(i), y.At(i))
	}
	return Filter{n: x.n, data: data}
}

// CloseEnough 逐路径容差判等.
func CloseEnough(x, y RandomVariable) Filter {
	return compare("close_enough", x, y, CloseEnoughValue)
}

// CloseEnoughAll 判断所有路径都足够接近.
func CloseEnoughAll(x, y RandomVariable) bool {
	mustMatch("close_enough_all", x.n, y.n)
	for i := 0; i < x.n; i++ {
		if !CloseEnoughValue(x.At(i), y.At(i)) {
			return false
		}
	}
	return true
}

// Lt 严格小于, 足够接近的值不算小于.
func Lt(x, y RandomVariable) Filter {
	return compare("lt", x, y, func(a, b float64) bool { return a < b && !CloseEnoughValue(a, b) })
}

// Le 小于等于, 足够接近的值算相等.
func Le(x, y RandomVariable) Filter {
	return compare("le", x, y, func(a, b float64) bool { return a < b || CloseEnoughValue(a, b) })
}

// Gt 严格大于.
func Gt(x, y RandomVariable) Filter {
	return compare("gt", x, y, func(a, b float64) bool { return a > b && !CloseEnoughValue(a, b) })
}

// Ge 大于等于.
func Ge(x, y RandomVariable) Filter {
	return compare("ge", x, y, func(a, b float64) bool { return a > b || CloseEnoughValue(a, b) })
}

// Where 在过滤器为 true 的路径取 x, 否则取 y.
func Where(f Filter, x, y RandomVariable) RandomVariable {
	if !f.Initialised() || !x.Initialised() || !y.Initialised() {
		return RandomVariable{}
	}
	mustMatch("where", f.n, x.n)
	mustMatch("where", f.n, y.n)
	t, timed := mergeTime("where", x, y)
	if f.deterministic {
		if f.value {
			return x.WithTimeFlag(t, timed)
		}
		return y.WithTimeFlag(t, timed)
	}
	data := make([]float64, f.n)
	for i := range data {
		if f.data[i] {
			data[i] = x.At(i)
		} else {
			data[i] = y.At(i)
		}
	}
	return RandomVariable{n: f.n, data: data, time: t, timed: timed}
}

// WithTimeFlag 按合并结果设置时间标签.
func (x RandomVariable) WithTimeFlag(t float64, timed bool) RandomVariable {
	x.time, x.timed = t, timed
	return x
}

// ApplyFilter 将过滤器为 false 的路径置 0.
func ApplyFilter(x RandomVariable, f Filter) RandomVariable {
	if !x.Initialised() || !f.Initialised() {
		return x
	}
	return Where(f, x, New(x.n, 0))
}

// ApplyInverseFilter 将过滤器为 true 的路径置 0.
func ApplyInverseFilter(x RandomVariable, f Filter) RandomVariable {
	if !x.Initialised() || !f.Initialised() {
		return x
	}
	return Where(f, New(x.n, 0), x)
}

// IndicatorEq 相等指示函数.
func IndicatorEq(x, y RandomVariable, trueVal, falseVal float64) RandomVariable {
	return FromFilter(CloseEnough(x, y), trueVal, falseVal)
}

// IndicatorGt 大于指示函数.
func IndicatorGt(x, y RandomVariable, trueVal, falseVal float64) RandomVariable {
	return FromFilter(Gt(x, y), trueVal, falseVal)
}

// IndicatorGeq 大于等于指示函数.
func IndicatorGeq(x, y RandomVariable, trueVal, falseVal float64) RandomVariable {
	return FromFilter(Ge(x, y), trueVal, falseVal)
}

// IndicatorDerivative 指示函数导数的平滑近似, 采用 logistic 形式
// (Fries 2017, Automatic Backward Differentiation for American Monte-Carlo Algorithms, eq. 10).
func IndicatorDerivative(x RandomVariable, eps float64) RandomVariable {
	res := New(x.n, 0)
	if CloseEnoughValue(eps, 0) || x.deterministic || !x.Initialised() {
		return res
	}
	sum := 0.0
	for _, v := range x.data {
		sum += v * v
	}
	delta := math.Sqrt(sum/float64(x.n)) * eps / 2
	if CloseEnoughValue(delta, 0) {
		return res
	}
	data := make([]float64, x.n)
	for i, v := range x.data {
		e := math.Exp(-math.Abs(v) / delta)
		data[i] = e / (delta * (1 + e) * (1 + e))
	}
	return RandomVariable{n: x.n, data: data}
}
