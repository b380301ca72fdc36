// Package randomvar 提供面向蒙特卡洛路径的向量化标量 RandomVariable 及其布尔对应物 Filter.
//
// 一个 RandomVariable 要么是确定值(惰性广播到任意路径数), 要么是长度为 n 的路径向量.
// 所有运算都返回新值, 参与同一运算的操作数必须具有相同的路径数, 否则以 *xerrors.Error 触发 panic
// (与 gonum/mat 对维度错误的处理方式一致), 计算图在求值边界处将其恢复为普通错误.
package randomvar

import (
	"fmt"
	"math"
	"strings"

	"github.com/wyfcoding/quantcore/xerrors"
)

// RandomVariable 向量化标量.
type RandomVariable struct {
	data          []float64
	n             int
	value         float64
	time          float64
	deterministic bool
	timed         bool
}

// New 创建路径数为 n 的确定值, 不会预先填充数组.
func New(n int, v float64) RandomVariable {
	return RandomVariable{n: n, deterministic: true, value: v}
}

// FromSlice 以路径数据创建随机变量, 数据会被复制.
func FromSlice(data []float64) RandomVariable {
	cp := make([]float64, len(data))
	copy(cp, data)
	return RandomVariable{n: len(cp), data: cp}
}

// FromFilter 按过滤器在每条路径上取 valTrue 或 valFalse.
func FromFilter(f Filter, valTrue, valFalse float64) RandomVariable {
	if !f.Initialised() {
		return RandomVariable{}
	}
	if f.deterministic {
		if f.value {
			return New(f.n, valTrue)
		}
		return New(f.n, valFalse)
	}
	data := make([]float64, f.n)
	for i, b := range f.data {
		if b {
			data[i] = valTrue
		} else {
			data[i] = valFalse
		}
	}
	return RandomVariable{n: f.n, data: data}
}

// Size 返回路径数.
func (x RandomVariable) Size() int { return x.n }

// Initialised 报告是否已初始化, 零值为未初始化.
func (x RandomVariable) Initialised() bool { return x.n > 0 }

// Deterministic 报告是否为确定值.
func (x RandomVariable) Deterministic() bool { return x.deterministic }

// Time 返回时间标签, 没有时间标签时返回 NaN.
func (x RandomVariable) Time() float64 {
	if !x.timed {
		return math.NaN()
	}
	return x.time
}

// WithTime 返回带有时间标签的副本.
func (x RandomVariable) WithTime(t float64) RandomVariable {
	if math.IsNaN(t) {
		x.timed = false
		x.time = 0
		return x
	}
	x.timed = true
	x.time = t
	return x
}

// At 返回第 i 条路径上的值.
func (x RandomVariable) At(i int) float64 {
	if x.deterministic {
		return x.value
	}
	return x.data[i]
}

// Data 返回展开后的路径数据副本.
func (x RandomVariable) Data() []float64 {
	out := make([]float64, x.n)
	if x.deterministic {
		for i := range out {
			out[i] = x.value
		}
		return out
	}
	copy(out, x.data)
	return out
}

// Expand 返回显式展开为路径向量的副本.
func (x RandomVariable) Expand() RandomVariable {
	if !x.deterministic {
		return x
	}
	y := RandomVariable{n: x.n, data: x.Data(), time: x.time, timed: x.timed}
	return y
}

// UpdateDeterministic 若所有路径都与第一条路径足够接近, 则折叠为确定值.
func (x RandomVariable) UpdateDeterministic() RandomVariable {
	if !x.Initialised() || x.deterministic {
		return x
	}
	v := x.data[0]
	for _, d := range x.data[1:] {
		if !CloseEnoughValue(d, v) {
			return x
		}
	}
	return RandomVariable{n: x.n, deterministic: true, value: v, time: x.time, timed: x.timed}
}

// Equal 逐路径精确比较, 包括时间标签.
func (x RandomVariable) Equal(y RandomVariable) bool {
	if x.n != y.n || x.timed != y.timed || (x.timed && x.time != y.time) {
		return false
	}
	for i := 0; i < x.n; i++ {
		a, b := x.At(i), y.At(i)
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			return false
		}
	}
	return true
}

func (x RandomVariable) String() string {
	if !x.Initialised() {
		return "RandomVariable(uninitialised)"
	}
	if x.deterministic {
		return fmt.Sprintf("RandomVariable(n=%d, det=%g)", x.n, x.value)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "RandomVariable(n=%d, [", x.n)
	for i := 0; i < x.n && i < 5; i++ {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%g", x.data[i])
	}
	if x.n > 5 {
		b.WriteString(" ...")
	}
	b.WriteString("])")
	return b.String()
}

// CloseEnoughValue 是 QuantLib close_enough 的标量版本, 容差为 42 个机器精度.
func CloseEnoughValue(x, y float64) bool {
	if x == y {
		return true
	}
	const tolerance = 42 * 2.220446049250313e-16
	diff := math.Abs(x - y)
	if x*y == 0 {
		return diff < tolerance*tolerance
	}
	return diff <= tolerance*math.Abs(x) || diff <= tolerance*math.Abs(y)
}

// mustMatch 校验两个操作数的路径数一致.
func mustMatch(op string, x, y int) {
	if x != y {
		panic(xerrors.Newf(xerrors.ErrDimMismatch, "%s: x size (%d) must be equal to y size (%d)", op, x, y))
	}
}

// mergeTime 合并两个操作数的时间标签, 两者都有标签时必须一致.
func mergeTime(op string, x, y RandomVariable) (float64, bool) {
	switch {
	case x.timed && y.timed:
		if !CloseEnoughValue(x.time, y.time) {
			panic(xerrors.Newf(xerrors.ErrTimeInconsistent, "%s: x time (%g) vs y time (%g)", op, x.time, y.time))
		}
		return x.time, true
	case x.timed:
		return x.time, true
	case y.timed:
		return y.time, true
	}
	return 0, false
}
