package scripting

import (
	"sort"

	"github.com/wyfcoding/quantcore/xerrors"
)

// Context 脚本上下文: 命名的标量, 数组与字符串, 以及常量和忽略赋值标记.
type Context struct {
	scalars          map[string]*float64
	arrays           map[string][]float64
	strings          map[string]string
	constant         map[string]bool
	ignoreAssignment map[string]bool
}

// NewContext 创建空上下文.
func NewContext() *Context {
	return &Context{
		scalars:          make(map[string]*float64),
		arrays:           make(map[string][]float64),
		strings:          make(map[string]string),
		constant:         make(map[string]bool),
		ignoreAssignment: make(map[string]bool),
	}
}

// SetScalar 设置标量, 已存在的标量原地更新, 绑定到它的节点可以看到新值.
func (c *Context) SetScalar(name string, v float64) {
	if p, ok := c.scalars[name]; ok {
		*p = v
		return
	}
	c.scalars[name] = &v
}

// Scalar 返回标量.
func (c *Context) Scalar(name string) (float64, bool) {
	p, ok := c.scalars[name]
	if !ok {
		return 0, false
	}
	return *p, true
}

// ScalarRef 返回标量的地址, 不存在时为 nil.
func (c *Context) ScalarRef(name string) *float64 { return c.scalars[name] }

// SetArray 设置数组.
func (c *Context) SetArray(name string, v []float64) {
	c.arrays[name] = append([]float64(nil), v...)
}

// Array 返回数组.
func (c *Context) Array(name string) ([]float64, bool) {
	v, ok := c.arrays[name]
	return v, ok
}

// SetString 设置字符串 (货币, 指数名等).
func (c *Context) SetString(name, v string) { c.strings[name] = v }

// String 返回字符串.
func (c *Context) String(name string) (string, bool) {
	v, ok := c.strings[name]
	return v, ok
}

// SetConstant 标记变量为常量, 脚本不能对它赋值.
func (c *Context) SetConstant(name string, v bool) { c.constant[name] = v }

// IsConstant 变量是否为常量.
func (c *Context) IsConstant(name string) bool { return c.constant[name] }

// SetIgnoreAssignment 标记变量的赋值被忽略.
func (c *Context) SetIgnoreAssignment(name string, v bool) { c.ignoreAssignment[name] = v }

// IgnoresAssignment 变量的赋值是否被忽略.
func (c *Context) IgnoresAssignment(name string) bool { return c.ignoreAssignment[name] }

// Scalars 返回排序后的标量名.
func (c *Context) Scalars() []string { return sortedKeys(c.scalars) }

// Arrays 返回排序后的数组名.
func (c *Context) Arrays() []string { return sortedKeys(c.arrays) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone 深拷贝.
func (c *Context) Clone() *Context {
	out := NewContext()
	for k, p := range c.scalars {
		v := *p
		out.scalars[k] = &v
	}
	for k, v := range c.arrays {
		out.arrays[k] = append([]float64(nil), v...)
	}
	for k, v := range c.strings {
		out.strings[k] = v
	}
	for k, v := range c.constant {
		out.constant[k] = v
	}
	for k, v := range c.ignoreAssignment {
		out.ignoreAssignment[k] = v
	}
	return out
}

// Validate 检查同一个名字没有同时出现在标量, 数组和字符串中.
func (c *Context) Validate() error {
	seen := make(map[string]string)
	check := func(kind string, names []string) error {
		for _, n := range names {
			if prev, ok := seen[n]; ok {
				return xerrors.Newf(xerrors.ErrInvalidInput, "context variable %q is defined as %s and %s", n, prev, kind)
			}
			seen[n] = kind
		}
		return nil
	}
	if err := check("scalar", sortedKeys(c.scalars)); err != nil {
		return err
	}
	if err := check("array", sortedKeys(c.arrays)); err != nil {
		return err
	}
	return check("string", sortedKeys(c.strings))
}
