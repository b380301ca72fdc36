package scripting

import (
	"fmt"
	"math"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/xerrors"
)

// Model 构建器需要的图层模型接口, 时间均为年化时间.
type Model interface {
	Graph() *compgraph.Graph
	ReferenceTime() float64
	Pay(amount int, obs, pay float64, ccy string) (int, error)
	Discount(obs, pay float64, ccy string) (int, error)
	Fixing(index instrument.IborIndex, fixingTime, t float64) (int, error)
	Npv(amount int, obs float64, filter int, regressors []int) (int, error)
}

// Builder 把语法树转换为计算图节点.
//
// 条件分支不展开为不同的图, 而是以 0/1 过滤节点表示: IF 在非确定的过滤下把 filter·cond 与
// filter·(1-cond) 压栈, 赋值生成 f·new + (1-f)·old.
type Builder struct {
	g     *compgraph.Graph
	model Model
	ctx   *Context

	indices      map[string]instrument.IborIndex
	vars         map[string]*slot
	loopVars     map[string]bool
	filters      []int
	requirements []int
}

// slot 变量的存储, 标量只有一个元素. 变量节点绑定到槽位, 赋值原地更新.
type slot struct {
	ids   []int
	array bool
}

// NewBuilder 创建构建器, 节点写入 model 的图. indices 供 FIXING 按名字查找.
func NewBuilder(model Model, ctx *Context, indices ...instrument.IborIndex) *Builder {
	b := &Builder{
		g:       model.Graph(),
		model:   model,
		ctx:     ctx,
		indices: make(map[string]instrument.IborIndex, len(indices)),
	}
	for _, idx := range indices {
		b.indices[idx.Name] = idx
	}
	return b
}

// Requirements 返回 REQUIRE 条件对应的节点.
func (b *Builder) Requirements() []int { return b.requirements }

// Value 返回标量变量当前对应的节点.
func (b *Builder) Value(name string) (int, error) {
	s, ok := b.vars[name]
	if !ok {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrUnknownVariable, "variable %q", name)
	}
	if s.array {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "variable %q is an array", name)
	}
	return s.ids[0], nil
}

// Values 返回数组变量各元素对应的节点.
func (b *Builder) Values(name string) ([]int, error) {
	s, ok := b.vars[name]
	if !ok {
		return nil, xerrors.Newf(xerrors.ErrUnknownVariable, "variable %q", name)
	}
	return append([]int(nil), s.ids...), nil
}

// Run 清除语法树缓存, 把上下文中的数值映射为常数节点, 然后依次处理各语句.
func (b *Builder) Run(root *Node) error {
	if err := b.ctx.Validate(); err != nil {
		return err
	}
	Reset(root)
	return b.build(root)
}

// build 在当前语法树缓存上构建, 不清除缓存.
func (b *Builder) build(root *Node) error {
	b.vars = make(map[string]*slot)
	b.loopVars = make(map[string]bool)
	b.requirements = nil
	for _, name := range b.ctx.Scalars() {
		v, _ := b.ctx.Scalar(name)
		id := compgraph.Const(b.g, v)
		b.g.SetLabel(id, name)
		b.vars[name] = &slot{ids: []int{id}}
	}
	for _, name := range b.ctx.Arrays() {
		values, _ := b.ctx.Array(name)
		ids := make([]int, len(values))
		for i, v := range values {
			ids[i] = compgraph.Const(b.g, v)
			b.g.SetLabel(ids[i], fmt.Sprintf("%s_%d", name, i+1))
		}
		b.vars[name] = &slot{ids: ids, array: true}
	}
	b.filters = []int{compgraph.Const(b.g, 1)}

	return compgraph.Guard(func() error { return b.statement(root) })
}

func (b *Builder) filter() int { return b.filters[len(b.filters)-1] }

func (b *Builder) constIs(id int, v float64) bool {
	c, ok := b.g.ConstantValue(id)
	return ok && c == v
}

func (b *Builder) one() int { return compgraph.Const(b.g, 1) }

func (b *Builder) statement(n *Node) error {
	if n == nil {
		return nil
	}
	switch n.Kind {
	case KindSequence:
		for _, s := range n.Args {
			if err := b.statement(s); err != nil {
				return err
			}
		}
		return nil
	case KindAssignment:
		return b.assign(n)
	case KindIfThenElse:
		return b.ifThenElse(n)
	case KindLoop:
		return b.loop(n)
	case KindRequire:
		c, err := b.condition(n.Arg(0))
		if err != nil {
			return err
		}
		if b.constIs(c, 0) {
			return xerrors.Newf(xerrors.ErrRequirementFailed, "%s", n.Arg(0))
		}
		b.requirements = append(b.requirements, c)
		n.CacheVector(c)
		return nil
	case KindDeclaration:
		for _, v := range n.Args {
			if _, ok := b.vars[v.Name]; ok {
				return xerrors.Newf(xerrors.ErrInvalidInput, "variable %q is already defined", v.Name)
			}
			b.vars[v.Name] = &slot{ids: []int{compgraph.Const(b.g, 0)}}
		}
		return nil
	}
	return xerrors.Newf(xerrors.ErrScriptSyntax, "%s is not a statement", n)
}

func (b *Builder) assign(n *Node) error {
	target, value := n.Arg(0), n.Arg(1)
	name := target.Name
	if b.ctx.IgnoresAssignment(name) {
		return nil
	}
	if b.ctx.IsConstant(name) {
		return xerrors.Newf(xerrors.ErrInvalidInput, "cannot assign to constant %q", name)
	}
	if b.loopVars[name] {
		return xerrors.Newf(xerrors.ErrInvalidInput, "cannot assign to loop variable %q", name)
	}
	v, err := b.expr(value)
	if err != nil {
		return err
	}

	s := b.variable(target)
	if s == nil {
		if target.Arg(0) != nil {
			return xerrors.Newf(xerrors.ErrUnknownVariable, "array %q", name)
		}
		s = &slot{ids: []int{compgraph.Const(b.g, 0)}}
		b.vars[name] = s
		target.cachedVector = s
	}
	idx := 0
	if target.Arg(0) != nil {
		if !s.array {
			return xerrors.Newf(xerrors.ErrInvalidInput, "variable %q is not an array", name)
		}
		if idx, err = b.index(target, s); err != nil {
			return err
		}
	} else if s.array {
		return xerrors.Newf(xerrors.ErrInvalidInput, "array %q needs an index", name)
	}

	f := b.filter()
	switch {
	case b.constIs(f, 1):
		s.ids[idx] = v
	case b.constIs(f, 0):
		return nil
	default:
		s.ids[idx] = compgraph.Add(b.g, compgraph.Mult(b.g, f, v), compgraph.Mult(b.g, compgraph.Sub(b.g, b.one(), f), s.ids[idx]))
	}
	target.CacheVector(s.ids[idx])
	return nil
}

func (b *Builder) ifThenElse(n *Node) error {
	c, err := b.condition(n.Arg(0))
	if err != nil {
		return err
	}
	if v, ok := b.g.ConstantValue(c); ok {
		if v != 0 {
			return b.statement(n.Arg(1))
		}
		return b.statement(n.Arg(2))
	}
	f := b.filter()
	b.filters = append(b.filters, compgraph.Mult(b.g, f, c))
	err = b.statement(n.Arg(1))
	b.filters = b.filters[:len(b.filters)-1]
	if err != nil || n.Arg(2) == nil {
		return err
	}
	b.filters = append(b.filters, compgraph.Mult(b.g, f, compgraph.Sub(b.g, b.one(), c)))
	err = b.statement(n.Arg(2))
	b.filters = b.filters[:len(b.filters)-1]
	return err
}

func (b *Builder) loop(n *Node) error {
	from, err := b.deterministic(n.Arg(0))
	if err != nil {
		return err
	}
	to, err := b.deterministic(n.Arg(1))
	if err != nil {
		return err
	}
	step, err := b.deterministic(n.Arg(2))
	if err != nil {
		return err
	}
	if step == 0 {
		return xerrors.Newf(xerrors.ErrInvalidInput, "loop %s has zero step", n.Name)
	}
	name := n.Name
	if b.loopVars[name] {
		return xerrors.Newf(xerrors.ErrInvalidInput, "loop variable %q is already in use", name)
	}
	s, ok := b.vars[name]
	if ok && s.array {
		return xerrors.Newf(xerrors.ErrInvalidInput, "loop variable %q is an array", name)
	}
	if !ok {
		s = &slot{ids: []int{compgraph.Nan}}
		b.vars[name] = s
	}
	b.loopVars[name] = true
	defer delete(b.loopVars, name)

	count := int(math.Floor((to-from)/step+1e-10)) + 1
	for i := 0; i < count; i++ {
		v := from + float64(i)*step
		b.ctx.SetScalar(name, v)
		s.ids[0] = compgraph.Const(b.g, v)
		if err := b.statement(n.Arg(3)); err != nil {
			return err
		}
	}
	return nil
}

// condition 返回取值为 0/1 的节点.
func (b *Builder) condition(n *Node) (int, error) {
	if n == nil {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "missing condition")
	}
	if n.Kind != KindCondition {
		return b.expr(n)
	}
	g := b.g
	var id int
	switch n.Name {
	case "not":
		c, err := b.condition(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		id = compgraph.Sub(g, b.one(), c)
	case "and", "or":
		l, err := b.condition(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		if v, ok := g.ConstantValue(l); ok {
			decided := (n.Name == "and" && v == 0) || (n.Name == "or" && v != 0)
			if decided {
				id = compgraph.Const(g, v)
				break
			}
			if id, err = b.condition(n.Arg(1)); err != nil {
				return compgraph.Nan, err
			}
			break
		}
		r, err := b.condition(n.Arg(1))
		if err != nil {
			return compgraph.Nan, err
		}
		if n.Name == "and" {
			id = compgraph.Mult(g, l, r)
		} else {
			id = compgraph.Sub(g, compgraph.Add(g, l, r), compgraph.Mult(g, l, r))
		}
	default:
		l, err := b.expr(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		r, err := b.expr(n.Arg(1))
		if err != nil {
			return compgraph.Nan, err
		}
		if lv, lok := g.ConstantValue(l); lok {
			if rv, rok := g.ConstantValue(r); rok {
				id = compgraph.Const(g, compareConst(n.Name, lv, rv))
				break
			}
		}
		switch n.Name {
		case "==":
			id = compgraph.IndicatorEq(g, l, r)
		case "!=":
			id = compgraph.Sub(g, b.one(), compgraph.IndicatorEq(g, l, r))
		case "<":
			id = compgraph.IndicatorGt(g, r, l)
		case "<=":
			id = compgraph.IndicatorGeq(g, r, l)
		case ">":
			id = compgraph.IndicatorGt(g, l, r)
		case ">=":
			id = compgraph.IndicatorGeq(g, l, r)
		default:
			return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "unknown condition %q", n.Name)
		}
	}
	n.CacheVector(id)
	return id, nil
}

func compareConst(op string, l, r float64) float64 {
	var ok bool
	switch op {
	case "==":
		ok = l == r
	case "!=":
		ok = l != r
	case "<":
		ok = l < r
	case "<=":
		ok = l <= r
	case ">":
		ok = l > r
	case ">=":
		ok = l >= r
	}
	if ok {
		return 1
	}
	return 0
}

func (b *Builder) deterministic(n *Node) (float64, error) {
	id, err := b.expr(n)
	if err != nil {
		return 0, err
	}
	v, ok := b.g.ConstantValue(id)
	if !ok {
		return 0, xerrors.Newf(xerrors.ErrInvalidInput, "%s must be deterministic", n)
	}
	return v, nil
}

// variable 返回变量节点绑定的槽位, 未定义时为 nil.
// 第一次访问按名字查找并绑定到节点, 之后直接使用节点上的绑定. 脚本不能改变的上下文标量
// (常量, 忽略赋值, 循环变量) 另外绑定到上下文中的值.
func (b *Builder) variable(n *Node) *slot {
	if n.cachedVector != nil {
		return n.cachedVector
	}
	s, ok := b.vars[n.Name]
	if !ok {
		return nil
	}
	n.cachedVector = s
	if p := b.ctx.ScalarRef(n.Name); p != nil && !s.array && n.Arg(0) == nil && b.fixed(n.Name) {
		n.BindScalar(p)
	}
	return s
}

func (b *Builder) fixed(name string) bool {
	return b.ctx.IsConstant(name) || b.ctx.IgnoresAssignment(name) || b.loopVars[name]
}

// index 返回变量下标 (脚本中从 1 开始) 对应的 0 起始位置.
func (b *Builder) index(v *Node, s *slot) (int, error) {
	x, err := b.deterministic(v.Arg(0))
	if err != nil {
		return 0, err
	}
	i := int(math.Round(x))
	size := len(s.ids)
	if math.Abs(x-float64(i)) > 1e-10 || i < 1 || i > size {
		return 0, xerrors.Newf(xerrors.ErrInvalidInput, "index %g of %q is out of range [1, %d]", x, v.Name, size)
	}
	return i - 1, nil
}

func (b *Builder) str(n *Node) (string, error) {
	if n != nil {
		switch n.Kind {
		case KindString:
			return n.Name, nil
		case KindVariable:
			if s, ok := b.ctx.String(n.Name); ok && n.Arg(0) == nil {
				return s, nil
			}
		}
	}
	return "", xerrors.Newf(xerrors.ErrInvalidInput, "%s is not a string", n)
}

func (b *Builder) expr(n *Node) (int, error) {
	if n == nil {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "missing expression")
	}
	id, err := b.eval(n)
	if err != nil {
		return compgraph.Nan, err
	}
	n.CacheVector(id)
	return id, nil
}

func (b *Builder) eval(n *Node) (int, error) {
	g := b.g
	switch n.Kind {
	case KindNumber:
		if c := n.Cached(); c != nil && c.Scalar != nil {
			return compgraph.Const(g, *c.Scalar), nil
		}
		n.CacheScalar(n.Value)
		return compgraph.Const(g, n.Value), nil
	case KindVariable:
		s := b.variable(n)
		if s == nil {
			return compgraph.Nan, xerrors.Newf(xerrors.ErrUnknownVariable, "variable %q", n.Name)
		}
		if n.IsScalar() {
			return compgraph.Const(g, *n.ScalarRef()), nil
		}
		if n.Arg(0) != nil {
			if !s.array {
				return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "variable %q is not an array", n.Name)
			}
			i, err := b.index(n, s)
			if err != nil {
				return compgraph.Nan, err
			}
			return s.ids[i], nil
		}
		if s.array {
			return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "array %q needs an index", n.Name)
		}
		return s.ids[0], nil
	case KindOperator:
		l, err := b.expr(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		r, err := b.expr(n.Arg(1))
		if err != nil {
			return compgraph.Nan, err
		}
		switch n.Name {
		case "+":
			return compgraph.Add(g, l, r), nil
		case "-":
			return compgraph.Sub(g, l, r), nil
		case "*":
			return compgraph.Mult(g, l, r), nil
		case "/":
			return compgraph.Div(g, l, r), nil
		}
		return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "unknown operator %q", n.Name)
	case KindNegate:
		a, err := b.expr(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		return compgraph.Negative(g, a), nil
	case KindCondition:
		return b.condition(n)
	case KindFunction:
		return b.function(n)
	case KindPay:
		amount, err := b.expr(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		obs, err := b.deterministic(n.Arg(1))
		if err != nil {
			return compgraph.Nan, err
		}
		pay, err := b.deterministic(n.Arg(2))
		if err != nil {
			return compgraph.Nan, err
		}
		ccy, err := b.str(n.Arg(3))
		if err != nil {
			return compgraph.Nan, err
		}
		return b.model.Pay(amount, obs, pay, ccy)
	case KindNpv:
		return b.npv(n)
	case KindDiscount:
		obs, err := b.deterministic(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		pay, err := b.deterministic(n.Arg(1))
		if err != nil {
			return compgraph.Nan, err
		}
		ccy, err := b.str(n.Arg(2))
		if err != nil {
			return compgraph.Nan, err
		}
		return b.model.Discount(obs, pay, ccy)
	case KindIndexEval:
		name, err := b.str(n.Arg(0))
		if err != nil {
			return compgraph.Nan, err
		}
		index, ok := b.indices[name]
		if !ok {
			return compgraph.Nan, xerrors.Newf(xerrors.ErrUnknownVariable, "index %q", name)
		}
		obs, err := b.deterministic(n.Arg(1))
		if err != nil {
			return compgraph.Nan, err
		}
		return b.model.Fixing(index, obs, obs)
	case KindString:
		return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "string %q used as a number", n.Name)
	}
	return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "%s is not an expression", n)
}

func (b *Builder) npv(n *Node) (int, error) {
	amount, err := b.expr(n.Arg(0))
	if err != nil {
		return compgraph.Nan, err
	}
	obs, err := b.deterministic(n.Arg(1))
	if err != nil {
		return compgraph.Nan, err
	}
	filter := compgraph.Nan
	if f := n.Arg(2); f != nil {
		if filter, err = b.condition(f); err != nil {
			return compgraph.Nan, err
		}
	}
	var regressors []int
	for i := 3; i < len(n.Args); i++ {
		r := n.Args[i]
		if r == nil {
			continue
		}
		id, err := b.expr(r)
		if err != nil {
			return compgraph.Nan, err
		}
		regressors = append(regressors, id)
	}
	return b.model.Npv(amount, obs, filter, regressors)
}

func (b *Builder) function(n *Node) (int, error) {
	g := b.g
	want, ok := functionArity[n.Name]
	if !ok {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "unknown function %q", n.Name)
	}
	if len(n.Args) != want {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "%s expects %d arguments, got %d", n.Name, want, len(n.Args))
	}
	args := make([]int, len(n.Args))
	if n.Name != "black" {
		for i, a := range n.Args {
			id, err := b.expr(a)
			if err != nil {
				return compgraph.Nan, err
			}
			args[i] = id
		}
	}
	switch n.Name {
	case "abs":
		return compgraph.Abs(g, args[0]), nil
	case "exp":
		return compgraph.Exp(g, args[0]), nil
	case "ln", "log":
		return compgraph.Log(g, args[0]), nil
	case "sqrt":
		return compgraph.Sqrt(g, args[0]), nil
	case "normalCdf":
		return compgraph.NormalCdf(g, args[0]), nil
	case "normalPdf":
		return compgraph.NormalPdf(g, args[0]), nil
	case "max":
		return compgraph.Max(g, args[0], args[1]), nil
	case "min":
		return compgraph.Min(g, args[0], args[1]), nil
	case "pow":
		return compgraph.Pow(g, args[0], args[1]), nil
	case "black":
		return b.black(n)
	}
	return compgraph.Nan, xerrors.Newf(xerrors.ErrScriptSyntax, "unknown function %q", n.Name)
}

// black 构建 Black 公式 black(omega, obs, expiry, strike, forward, vol), 期限不为正时取内在价值.
func (b *Builder) black(n *Node) (int, error) {
	g := b.g
	omega, err := b.expr(n.Arg(0))
	if err != nil {
		return compgraph.Nan, err
	}
	obs, err := b.deterministic(n.Arg(1))
	if err != nil {
		return compgraph.Nan, err
	}
	expiry, err := b.deterministic(n.Arg(2))
	if err != nil {
		return compgraph.Nan, err
	}
	var k, f, vol int
	for i, dst := range []*int{&k, &f, &vol} {
		if *dst, err = b.expr(n.Arg(3 + i)); err != nil {
			return compgraph.Nan, err
		}
	}
	zero := compgraph.Const(g, 0)
	t := expiry - obs
	if t <= 0 {
		return compgraph.Max(g, compgraph.Mult(g, omega, compgraph.Sub(g, f, k)), zero), nil
	}
	sd := compgraph.Mult(g, vol, compgraph.Const(g, math.Sqrt(t)))
	d1 := compgraph.Add(g, compgraph.Div(g, compgraph.Log(g, compgraph.Div(g, f, k)), sd), compgraph.Mult(g, compgraph.Const(g, 0.5), sd))
	d2 := compgraph.Sub(g, d1, sd)
	return compgraph.Mult(g, omega, compgraph.Sub(g,
		compgraph.Mult(g, f, compgraph.NormalCdf(g, compgraph.Mult(g, omega, d1))),
		compgraph.Mult(g, k, compgraph.NormalCdf(g, compgraph.Mult(g, omega, d2))),
	)), nil
}
