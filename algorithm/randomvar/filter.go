package randomvar

// Filter 逐路径的布尔值, 与 RandomVariable 一样支持确定值的惰性广播.
type Filter struct {
	data          []bool
	n             int
	value         bool
	deterministic bool
}

// NewFilter 创建路径数为 n 的确定过滤器.
func NewFilter(n int, v bool) Filter {
	return Filter{n: n, deterministic: true, value: v}
}

// FilterFromSlice 以路径数据创建过滤器, 数据会被复制.
func FilterFromSlice(data []bool) Filter {
	cp := make([]bool, len(data))
	copy(cp, data)
	return Filter{n: len(cp), data: cp}
}

// Size 返回路径数.
func (f Filter) Size() int { return f.n }

// Initialised 报告是否已初始化.
func (f Filter) Initialised() bool { return f.n > 0 }

// Deterministic 报告是否为确定值.
func (f Filter) Deterministic() bool { return f.deterministic }

// At 返回第 i 条路径上的值.
func (f Filter) At(i int) bool {
	if f.deterministic {
		return f.value
	}
	return f.data[i]
}

// Set 返回第 i 条路径被设置为 v 的副本.
func (f Filter) Set(i int, v bool) Filter {
	if f.deterministic && f.value == v {
		return f
	}
	g := f.Expand()
	data := make([]bool, g.n)
	copy(data, g.data)
	data[i] = v
	return Filter{n: g.n, data: data}
}

// SetAll 返回所有路径都为 v 的确定过滤器.
func (f Filter) SetAll(v bool) Filter {
	return NewFilter(f.n, v)
}

// Expand 返回显式展开的副本.
func (f Filter) Expand() Filter {
	if !f.deterministic {
		return f
	}
	data := make([]bool, f.n)
	for i := range data {
		data[i] = f.value
	}
	return Filter{n: f.n, data: data}
}

// UpdateDeterministic 若所有路径取值相同则折叠为确定值.
func (f Filter) UpdateDeterministic() Filter {
	if !f.Initialised() || f.deterministic {
		return f
	}
	v := f.data[0]
	for _, b := range f.data[1:] {
		if b != v {
			return f
		}
	}
	return NewFilter(f.n, v)
}

// Count 返回取值为 true 的路径数.
func (f Filter) Count() int {
	if f.deterministic {
		if f.value {
			return f.n
		}
		return 0
	}
	c := 0
	for _, b := range f.data {
		if b {
			c++
		}
	}
	return c
}

func combine(op string, x, y Filter, fn func(a, b bool) bool) Filter {
	if !x.Initialised() || !y.Initialised() {
		return Filter{}
	}
	mustMatch(op, x.n, y.n)
	if x.deterministic && y.deterministic {
		return NewFilter(x.n, fn(x.value, y.value))
	}
	data := make([]bool, x.n)
	for i := range data {
		data[i] = fn(x.At(i), y.At(i))
	}
	return Filter{n: x.n, data: data}
}

// And 逐路径与.
func And(x, y Filter) Filter {
	// 确定的 false 短路
	if x.deterministic && !x.value && x.Initialised() && y.Initialised() {
		mustMatch("and", x.n, y.n)
		return x
	}
	if y.deterministic && !y.value && x.Initialised() && y.Initialised() {
		mustMatch("and", x.n, y.n)
		return y
	}
	return combine("and", x, y, func(a, b bool) bool { return a && b })
}

// Or 逐路径或.
func Or(x, y Filter) Filter {
	if x.deterministic && x.value && x.Initialised() && y.Initialised() {
		mustMatch("or", x.n, y.n)
		return x
	}
	if y.deterministic && y.value && x.Initialised() && y.Initialised() {
		mustMatch("or", x.n, y.n)
		return y
	}
	return combine("or", x, y, func(a, b bool) bool { return a || b })
}

// Equal 逐路径判等.
func Equal(x, y Filter) Filter {
	return combine("equal", x, y, func(a, b bool) bool { return a == b })
}

// Not 逐路径取反.
func Not(x Filter) Filter {
	if !x.Initialised() {
		return x
	}
	if x.deterministic {
		return NewFilter(x.n, !x.value)
	}
	data := make([]bool, x.n)
	for i, b := range x.data {
		data[i] = !b
	}
	return Filter{n: x.n, data: data}
}

// FiltersEqual 判断两个过滤器在所有路径上相同.
func FiltersEqual(x, y Filter) bool {
	if x.n != y.n {
		return false
	}
	for i := 0; i < x.n; i++ {
		if x.At(i) != y.At(i) {
			return false
		}
	}
	return true
}
