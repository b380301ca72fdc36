package scripting

import (
	"fmt"
	"strings"
)

// Kind 语法树节点类型.
type Kind int

const (
	KindSequence Kind = iota
	KindNumber
	KindString
	KindVariable
	KindOperator
	KindNegate
	KindFunction
	KindCondition
	KindAssignment
	KindIfThenElse
	KindLoop
	KindRequire
	KindDeclaration
	KindPay
	KindNpv
	KindDiscount
	KindIndexEval
)

var kindNames = [...]string{
	KindSequence:    "Sequence",
	KindNumber:      "Number",
	KindString:      "String",
	KindVariable:    "Variable",
	KindOperator:    "Operator",
	KindNegate:      "Negate",
	KindFunction:    "Function",
	KindCondition:   "Condition",
	KindAssignment:  "Assignment",
	KindIfThenElse:  "IfThenElse",
	KindLoop:        "Loop",
	KindRequire:     "Require",
	KindDeclaration: "Declaration",
	KindPay:         "Pay",
	KindNpv:         "Npv",
	KindDiscount:    "Discount",
	KindIndexEval:   "IndexEval",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CachedValue 构建过程中缓存在节点上的结果. Vector 是承载逐路径值的图节点.
type CachedValue struct {
	Scalar *float64
	Vector *int
}

// Node 语法树节点. Args 中的 nil 表示省略的可选参数.
//
// 各类型的参数布局:
//   - Variable: Name, Args = [index?]
//   - Operator, Condition: Name 为运算符, Args = [left, right] (not 只有一个参数)
//   - Function: Name 为函数名
//   - Assignment: Args = [variable, value]
//   - IfThenElse: Args = [cond, then, else?]
//   - Loop: Name 为循环变量, Args = [from, to, step, body]
//   - Pay: Args = [amount, obs, pay, ccy]
//   - Npv: Args = [amount, obs, filter?, regressor1?, regressor2?]
//   - Discount: Args = [obs, pay, ccy]
//   - IndexEval: Args = [index, obs]
type Node struct {
	Kind  Kind
	Name  string
	Value float64
	Args  []*Node

	cache *CachedValue

	// 变量节点第一次访问时绑定的存储: 上下文中的固定标量, 或构建器中的变量槽位.
	isScalar     bool
	cachedScalar *float64
	cachedVector *slot
}

// NewNode 创建节点.
func NewNode(kind Kind, name string, args ...*Node) *Node {
	return &Node{Kind: kind, Name: name, Args: args}
}

// NewNumber 创建数字节点.
func NewNumber(v float64) *Node { return &Node{Kind: KindNumber, Value: v} }

// NewVariable 创建变量节点, index 可以为 nil.
func NewVariable(name string, index *Node) *Node {
	if index == nil {
		return &Node{Kind: KindVariable, Name: name}
	}
	return &Node{Kind: KindVariable, Name: name, Args: []*Node{index}}
}

// Arg 返回第 i 个参数, 越界或省略时为 nil.
func (n *Node) Arg(i int) *Node {
	if i < 0 || i >= len(n.Args) {
		return nil
	}
	return n.Args[i]
}

// IsCached 节点上是否缓存了值.
func (n *Node) IsCached() bool {
	if n.cache != nil && (n.cache.Scalar != nil || n.cache.Vector != nil) {
		return true
	}
	return n.cachedScalar != nil || n.cachedVector != nil
}

// Cached 返回缓存的值.
func (n *Node) Cached() *CachedValue { return n.cache }

// CacheScalar 缓存确定值.
func (n *Node) CacheScalar(v float64) {
	if n.cache == nil {
		n.cache = &CachedValue{}
	}
	n.cache.Scalar = &v
}

// CacheVector 缓存节点对应的图节点编号.
func (n *Node) CacheVector(id int) {
	if n.cache == nil {
		n.cache = &CachedValue{}
	}
	n.cache.Vector = &id
}

// BindScalar 把变量节点绑定到上下文中的标量.
func (n *Node) BindScalar(p *float64) {
	n.isScalar = true
	n.cachedScalar = p
}

// IsScalar 变量节点是否绑定了上下文标量.
func (n *Node) IsScalar() bool { return n.isScalar }

// ScalarRef 变量节点绑定的上下文标量.
func (n *Node) ScalarRef() *float64 { return n.cachedScalar }

func (n *Node) resetVariable() {
	n.isScalar = false
	n.cachedScalar = nil
	n.cachedVector = nil
}

// Reset 深度优先清除 root 可达的所有节点上的缓存, 跳过 nil 参数.
func Reset(root *Node) {
	if root == nil {
		return
	}
	stack := []*Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Kind == KindVariable {
			n.resetVariable()
		}
		n.cache = nil
		for i := len(n.Args) - 1; i >= 0; i-- {
			if n.Args[i] != nil {
				stack = append(stack, n.Args[i])
			}
		}
	}
}

// Walk 深度优先访问所有节点, fn 返回 false 时不再访问该节点的参数.
func Walk(root *Node, fn func(*Node) bool) {
	if root == nil || !fn(root) {
		return
	}
	for _, a := range root.Args {
		Walk(a, fn)
	}
}

// String 以前缀形式打印语法树.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b)
	return b.String()
}

func (n *Node) write(b *strings.Builder) {
	if n == nil {
		b.WriteString("_")
		return
	}
	switch n.Kind {
	case KindNumber:
		fmt.Fprintf(b, "%g", n.Value)
		return
	case KindString:
		fmt.Fprintf(b, "%q", n.Name)
		return
	case KindVariable:
		b.WriteString(n.Name)
		if idx := n.Arg(0); idx != nil {
			b.WriteString("[")
			idx.write(b)
			b.WriteString("]")
		}
		return
	}
	b.WriteString(n.Kind.String())
	if n.Name != "" {
		b.WriteString(":" + n.Name)
	}
	b.WriteString("(")
	for i, a := range n.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		a.write(b)
	}
	b.WriteString(")")
}
