package compgraph

import (
	"math"
)

// OpCode 节点运算码, 编号稳定, 用作运算表与梯度表的下标.
type OpCode int

const (
	OpNone OpCode = iota
	OpAdd
	OpSubtract
	OpNegative
	OpMult
	OpDiv
	OpConditionalExpectation
	OpIndicatorEq
	OpIndicatorGt
	OpIndicatorGeq
	OpMin
	OpMax
	OpAbs
	OpExp
	OpSqrt
	OpLog
	OpPow
	OpNormalCdf
	OpNormalPdf

	numOps
)

// NumOps 运算码总数.
const NumOps = int(numOps)

var opNames = [...]string{
	OpNone:                   "none",
	OpAdd:                    "add",
	OpSubtract:               "subtract",
	OpNegative:               "negative",
	OpMult:                   "mult",
	OpDiv:                    "div",
	OpConditionalExpectation: "conditionalExpectation",
	OpIndicatorEq:            "indicatorEq",
	OpIndicatorGt:            "indicatorGt",
	OpIndicatorGeq:           "indicatorGeq",
	OpMin:                    "min",
	OpMax:                    "max",
	OpAbs:                    "abs",
	OpExp:                    "exp",
	OpSqrt:                   "sqrt",
	OpLog:                    "log",
	OpPow:                    "pow",
	OpNormalCdf:              "normalCdf",
	OpNormalPdf:              "normalPdf",
}

func (o OpCode) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return "unknown"
	}
	return opNames[o]
}

// Const 返回常数节点.
func Const(g *Graph, v float64) int { return g.Constant(v) }

// Insert 插入输入节点.
func Insert(g *Graph, label string) int { return g.Insert(label) }

// Var 按名称查找或创建变量节点.
func Var(g *Graph, name string, mode VarMode) (int, error) { return g.Variable(name, mode) }

// constants2 返回两个节点的常数值, 任一不是常数时 ok 为 false.
func (g *Graph) constants2(a, b int) (x, y float64, ok bool) {
	x, okA := g.ConstantValue(a)
	y, okB := g.ConstantValue(b)
	return x, y, okA && okB
}

func (g *Graph) isConstValue(a int, v float64) bool {
	c, ok := g.ConstantValue(a)
	return ok && c == v
}

// Add 加法.
func Add(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if x, y, ok := g.constants2(a, b); ok {
		return g.Constant(x + y)
	}
	if g.isConstValue(a, 0) {
		return b
	}
	if g.isConstValue(b, 0) {
		return a
	}
	return g.insert(OpAdd, a, b)
}

// Sub 减法.
func Sub(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if x, y, ok := g.constants2(a, b); ok {
		return g.Constant(x - y)
	}
	if g.isConstValue(b, 0) {
		return a
	}
	if a == b {
		return g.Constant(0)
	}
	return g.insert(OpSubtract, a, b)
}

// Negative 取负.
func Negative(g *Graph, a int) int {
	g.mustExist(a)
	if x, ok := g.ConstantValue(a); ok {
		return g.Constant(-x)
	}
	return g.insert(OpNegative, a)
}

// Mult 乘法.
func Mult(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if x, y, ok := g.constants2(a, b); ok {
		return g.Constant(x * y)
	}
	if g.isConstValue(a, 1) {
		return b
	}
	if g.isConstValue(b, 1) {
		return a
	}
	if g.isConstValue(a, 0) || g.isConstValue(b, 0) {
		return g.Constant(0)
	}
	return g.insert(OpMult, a, b)
}

// Div 除法.
func Div(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if g.isConstValue(b, 1) {
		return a
	}
	if a == b {
		return g.Constant(1)
	}
	return g.insert(OpDiv, a, b)
}

// Max 逐路径最大值.
func Max(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if x, y, ok := g.constants2(a, b); ok {
		return g.Constant(math.Max(x, y))
	}
	return g.insert(OpMax, a, b)
}

// Min 逐路径最小值.
func Min(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if x, y, ok := g.constants2(a, b); ok {
		return g.Constant(math.Min(x, y))
	}
	return g.insert(OpMin, a, b)
}

// Pow 幂运算.
func Pow(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	if g.isConstValue(b, 1) {
		return a
	}
	return g.insert(OpPow, a, b)
}

func unaryNode(g *Graph, op OpCode, a int) int {
	g.mustExist(a)
	return g.insert(op, a)
}

// Abs 绝对值.
func Abs(g *Graph, a int) int { return unaryNode(g, OpAbs, a) }

// Exp 指数.
func Exp(g *Graph, a int) int { return unaryNode(g, OpExp, a) }

// Sqrt 平方根.
func Sqrt(g *Graph, a int) int { return unaryNode(g, OpSqrt, a) }

// Log 自然对数.
func Log(g *Graph, a int) int { return unaryNode(g, OpLog, a) }

// NormalCdf 标准正态分布函数.
func NormalCdf(g *Graph, a int) int { return unaryNode(g, OpNormalCdf, a) }

// NormalPdf 标准正态密度.
func NormalPdf(g *Graph, a int) int { return unaryNode(g, OpNormalPdf, a) }

// IndicatorEq a==b 时为 1, 否则为 0.
func IndicatorEq(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	return g.insert(OpIndicatorEq, a, b)
}

// IndicatorGt a>b 时为 1, 否则为 0.
func IndicatorGt(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	return g.insert(OpIndicatorGt, a, b)
}

// IndicatorGeq a>=b 时为 1, 否则为 0.
func IndicatorGeq(g *Graph, a, b int) int {
	g.mustExist(a)
	g.mustExist(b)
	return g.insert(OpIndicatorGeq, a, b)
}

// ConditionalExpectation 以 regressors 为回归变量计算 regressand 的条件期望.
// 节点参数布局为 [regressand, filter, regressors...], filter 为 Nan 时使用常数 1 (全部路径).
// regressand 为常数节点时直接返回.
func ConditionalExpectation(g *Graph, regressand int, regressors []int, filter int) int {
	g.mustExist(regressand)
	if g.IsConstant(regressand) {
		return regressand
	}
	if filter == Nan {
		filter = g.Constant(1)
	}
	g.mustExist(filter)
	args := make([]int, 0, len(regressors)+2)
	args = append(args, regressand, filter)
	for _, r := range regressors {
		g.mustExist(r)
		args = append(args, r)
	}
	return g.insert(OpConditionalExpectation, args...)
}

// Checked 执行构建函数, 将无效节点引起的 panic 转为错误返回.
func Checked(fn func() int) (id int, err error) {
	id = Nan
	err = Guard(func() error {
		id = fn()
		return nil
	})
	return id, err
}

// AddE 带错误返回的 Add.
func AddE(g *Graph, a, b int) (int, error) { return Checked(func() int { return Add(g, a, b) }) }

// SubE 带错误返回的 Sub.
func SubE(g *Graph, a, b int) (int, error) { return Checked(func() int { return Sub(g, a, b) }) }

// MultE 带错误返回的 Mult.
func MultE(g *Graph, a, b int) (int, error) { return Checked(func() int { return Mult(g, a, b) }) }

// DivE 带错误返回的 Div.
func DivE(g *Graph, a, b int) (int, error) { return Checked(func() int { return Div(g, a, b) }) }

// ConditionalExpectationE 带错误返回的 ConditionalExpectation.
func ConditionalExpectationE(g *Graph, regressand int, regressors []int, filter int) (int, error) {
	return Checked(func() int { return ConditionalExpectation(g, regressand, regressors, filter) })
}
