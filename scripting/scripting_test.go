package scripting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/xerrors"
)

// testModel 以常数折现, 定盘为一个输入节点.
type testModel struct {
	g      *compgraph.Graph
	rate   float64
	fixing int
}

func newTestModel() *testModel {
	g := compgraph.New()
	return &testModel{g: g, rate: 0.02, fixing: g.Insert("fixing")}
}

func (m *testModel) Graph() *compgraph.Graph { return m.g }
func (m *testModel) ReferenceTime() float64  { return 0 }

func (m *testModel) Pay(amount int, _, pay float64, _ string) (int, error) {
	return compgraph.Mult(m.g, amount, compgraph.Const(m.g, math.Exp(-m.rate*pay))), nil
}

func (m *testModel) Discount(obs, pay float64, _ string) (int, error) {
	return compgraph.Const(m.g, math.Exp(-m.rate*(pay-obs))), nil
}

func (m *testModel) Fixing(_ instrument.IborIndex, _, _ float64) (int, error) { return m.fixing, nil }

func (m *testModel) Npv(amount int, _ float64, filter int, regressors []int) (int, error) {
	return compgraph.ConditionalExpectationE(m.g, amount, regressors, filter)
}

func evaluate(t *testing.T, m *testModel, fixing []float64) []randomvar.RandomVariable {
	t.Helper()
	n := len(fixing)
	values := make([]randomvar.RandomVariable, m.g.Size())
	for _, c := range m.g.Constants() {
		values[c.ID] = randomvar.New(n, c.Value)
	}
	values[m.fixing] = randomvar.FromSlice(fixing)
	err := compgraph.ForwardEvaluation(m.g, values, compgraph.RandomVariableOps(n, 2, 0), compgraph.ForwardOptions[randomvar.RandomVariable]{})
	require.NoError(t, err)
	return values
}

func TestParseStatements(t *testing.T) {
	root, err := Parse(`
		NUMBER y, k;
		// 注释
		IF x > 1 AND NOT flag == 0 THEN y = 1 ELSE y = -x END;
		FOR i IN (1, 3, 1) DO a[i] = a[i] * 2 END;
		REQUIRE y >= 0;
		z = NPV(PAY(y, 1, 2, "EUR"), 0)
	`)
	require.NoError(t, err)
	require.Equal(t, KindSequence, root.Kind)
	require.Len(t, root.Args, 5)

	kinds := make([]Kind, len(root.Args))
	for i, s := range root.Args {
		kinds[i] = s.Kind
	}
	assert.Equal(t, []Kind{KindDeclaration, KindIfThenElse, KindLoop, KindRequire, KindAssignment}, kinds)

	ite := root.Args[1]
	assert.Equal(t, "and", ite.Arg(0).Name)
	assert.NotNil(t, ite.Arg(2))

	loop := root.Args[2]
	assert.Equal(t, "i", loop.Name)
	require.Len(t, loop.Args, 4)
	assign := loop.Arg(3).Arg(0)
	assert.Equal(t, KindVariable, assign.Arg(0).Kind)
	assert.Equal(t, "a", assign.Arg(0).Name)
	assert.NotNil(t, assign.Arg(0).Arg(0))

	npv := root.Args[4].Arg(1)
	assert.Equal(t, KindNpv, npv.Kind)
	require.Len(t, npv.Args, 5)
	assert.Nil(t, npv.Arg(2))
	assert.Equal(t, KindPay, npv.Arg(0).Kind)
	assert.Equal(t, KindString, npv.Arg(0).Arg(3).Kind)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"missing end", "IF x > 0 THEN y = 1"},
		{"empty rhs", "x = "},
		{"unknown function", "x = foo(1)"},
		{"wrong arity", "x = max(1)"},
		{"bad loop range", "FOR i IN (1, 2) DO x = i END"},
		{"field access", "x = a.b"},
		{"not an assignment", "x + 1"},
		{"stray keyword", "END"},
		{"missing separator", "x = 1 y = 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.script)
			require.Error(t, err)
			assert.True(t, errors.Is(err, xerrors.ErrScriptSyntax), "got %v", err)
		})
	}
}

func TestResetClearsReachableNodes(t *testing.T) {
	root, err := Parse("y = x * 2 + FIXING(\"IDX\", 1)")
	require.NoError(t, err)

	ctx := NewContext()
	ctx.SetScalar("x", 3)
	ctx.SetConstant("x", true)
	b := NewBuilder(newTestModel(), ctx, instrument.IborIndex{Name: "IDX"})
	require.NoError(t, b.Run(root))

	cached := 0
	Walk(root, func(n *Node) bool {
		if n.IsCached() {
			cached++
		}
		return true
	})
	assert.Greater(t, cached, 0)

	var xNode *Node
	Walk(root, func(n *Node) bool {
		if n.Kind == KindVariable && n.Name == "x" {
			xNode = n
		}
		return true
	})
	require.NotNil(t, xNode)
	assert.True(t, xNode.IsScalar())
	assert.Equal(t, ctx.ScalarRef("x"), xNode.ScalarRef())

	unreachable := NewNumber(1)
	unreachable.CacheScalar(1)

	Reset(root)
	Walk(root, func(n *Node) bool {
		assert.False(t, n.IsCached(), "node %s is still cached", n)
		return true
	})
	assert.False(t, xNode.IsScalar())
	assert.Nil(t, xNode.ScalarRef())
	assert.True(t, unreachable.IsCached())

	// nil 子节点被跳过
	ite := NewNode(KindIfThenElse, "", NewNumber(1), NewNode(KindSequence, ""), nil)
	ite.Arg(0).CacheScalar(1)
	Reset(ite)
	assert.False(t, ite.Arg(0).IsCached())
	Reset(nil)
}

func findVariable(root *Node, name string) *Node {
	var found *Node
	Walk(root, func(n *Node) bool {
		if found == nil && n.Kind == KindVariable && n.Name == name {
			found = n
		}
		return true
	})
	return found
}

func TestStaleBindingNeedsReset(t *testing.T) {
	root, err := Parse("y = K * 2")
	require.NoError(t, err)
	assign := root.Arg(0)

	first := NewContext()
	first.SetScalar("K", 2)
	first.SetConstant("K", true)
	require.NoError(t, NewBuilder(newTestModel(), first).Run(root))

	k := findVariable(root, "K")
	require.NotNil(t, k)
	assert.True(t, k.IsScalar())
	assert.Same(t, first.ScalarRef("K"), k.ScalarRef())
	assert.True(t, assign.Arg(0).IsCached())

	second := NewContext()
	second.SetScalar("K", 5)
	second.SetConstant("K", true)

	// 不清除缓存时, 节点仍指向上一次构建的上下文与槽位
	m2 := newTestModel()
	stale := NewBuilder(m2, second)
	require.NoError(t, stale.build(root))
	c := assign.Arg(1).Cached()
	require.NotNil(t, c)
	require.NotNil(t, c.Vector)
	v, ok := m2.g.ConstantValue(*c.Vector)
	require.True(t, ok)
	assert.Equal(t, 4.0, v)
	_, err = stale.Value("y")
	assert.True(t, errors.Is(err, xerrors.ErrUnknownVariable), "got %v", err)

	m3 := newTestModel()
	fresh := NewBuilder(m3, second)
	require.NoError(t, fresh.Run(root))
	assert.Same(t, second.ScalarRef("K"), k.ScalarRef())
	y, err := fresh.Value("y")
	require.NoError(t, err)
	v, ok = m3.g.ConstantValue(y)
	require.True(t, ok)
	assert.Equal(t, 10.0, v)
}

func TestLoopReusesVariableBinding(t *testing.T) {
	root, err := Parse("NUMBER s; FOR i IN (1, 4, 1) DO s = s + i * K END")
	require.NoError(t, err)

	ctx := NewContext()
	ctx.SetScalar("K", 2)
	m := newTestModel()
	b := NewBuilder(m, ctx)
	require.NoError(t, b.Run(root))

	s, err := b.Value("s")
	require.NoError(t, err)
	v, ok := m.g.ConstantValue(s)
	require.True(t, ok)
	assert.Equal(t, 20.0, v)

	i := findVariable(root.Arg(1), "i")
	require.NotNil(t, i)
	assert.True(t, i.IsScalar())
	assert.Same(t, ctx.ScalarRef("i"), i.ScalarRef())
	assert.False(t, findVariable(root.Arg(1), "K").IsScalar())
}

func TestBuilderRejectsMalformedNodes(t *testing.T) {
	short := NewNode(KindSequence, "",
		NewNode(KindAssignment, "", NewVariable("x", nil), NewNode(KindNpv, "NPV", NewNumber(1), NewNumber(0))))
	m := newTestModel()
	b := NewBuilder(m, NewContext())
	require.NoError(t, b.Run(short))
	_, err := b.Value("x")
	require.NoError(t, err)

	tests := []struct {
		name string
		node *Node
	}{
		{"function without args", NewNode(KindFunction, "exp")},
		{"max with one arg", NewNode(KindFunction, "max", NewNumber(1))},
		{"black with two args", NewNode(KindFunction, "black", NewNumber(1), NewNumber(0))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewNode(KindAssignment, "", NewVariable("x", nil), tt.node)
			err := NewBuilder(newTestModel(), NewContext()).Run(root)
			require.Error(t, err)
			assert.True(t, errors.Is(err, xerrors.ErrInvalidInput), "got %v", err)
		})
	}

	err = NewBuilder(newTestModel(), NewContext()).Run(NewNode(KindAssignment, "", NewVariable("x", nil), NewNode(KindFunction, "foo", NewNumber(1))))
	assert.True(t, errors.Is(err, xerrors.ErrScriptSyntax), "got %v", err)
}

func TestBuilderFoldsDeterministicScript(t *testing.T) {
	root, err := Parse(`
		NUMBER y;
		FOR i IN (1, 3, 1) DO
			IF a[i] > 1.5 THEN y = y + a[i] * K ELSE y = y - 1 END
		END;
		d = DISCOUNT(1, 2, ccy);
		o = black(1, 0, 1, 100, 100, 0.2)
	`)
	require.NoError(t, err)

	ctx := NewContext()
	ctx.SetArray("a", []float64{1, 2, 3})
	ctx.SetScalar("K", 10)
	ctx.SetString("ccy", "EUR")
	m := newTestModel()
	b := NewBuilder(m, ctx)
	require.NoError(t, b.Run(root))

	y, err := b.Value("y")
	require.NoError(t, err)
	v, ok := m.g.ConstantValue(y)
	require.True(t, ok)
	assert.Equal(t, -1+20+30.0, v)

	d, err := b.Value("d")
	require.NoError(t, err)
	v, ok = m.g.ConstantValue(d)
	require.True(t, ok)
	assert.InDelta(t, math.Exp(-0.02), v, 1e-15)

	o, err := b.Value("o")
	require.NoError(t, err)
	values := evaluate(t, m, []float64{0})
	expected := randomvar.Black(randomvar.New(1, 1), randomvar.New(1, 1), randomvar.New(1, 100), randomvar.New(1, 100), randomvar.New(1, 0.2))
	assert.InDelta(t, expected.At(0), values[o].At(0), 1e-12)

	// 循环变量是上下文标量
	last, ok := ctx.Scalar("i")
	require.True(t, ok)
	assert.Equal(t, 3.0, last)
}

func TestBuilderFilteredAssignment(t *testing.T) {
	root, err := Parse(`
		x = FIXING("IDX", 1);
		IF x > 0 THEN y = x ELSE y = -x END;
		IF 1 == 1 OR x >= 0 THEN z = 5 END;
		IF 1 == 0 AND x > 0 THEN w = 1 END;
		p = NPV(PAY(y, 1, 1, "EUR"), 0)
	`)
	require.NoError(t, err)

	m := newTestModel()
	b := NewBuilder(m, NewContext(), instrument.IborIndex{Name: "IDX"})
	require.NoError(t, b.Run(root))

	y, err := b.Value("y")
	require.NoError(t, err)
	z, err := b.Value("z")
	require.NoError(t, err)
	p, err := b.Value("p")
	require.NoError(t, err)
	_, err = b.Value("w")
	assert.True(t, errors.Is(err, xerrors.ErrUnknownVariable))

	zv, ok := m.g.ConstantValue(z)
	require.True(t, ok)
	assert.Equal(t, 5.0, zv)

	fixing := []float64{-2, -0.5, 0.5, 3}
	values := evaluate(t, m, fixing)
	for i, f := range fixing {
		assert.InDelta(t, math.Abs(f), values[y].At(i), 1e-15)
	}
	assert.True(t, values[p].Deterministic())
	assert.InDelta(t, 1.5*math.Exp(-0.02), values[p].At(0), 1e-12)
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		setup  func(*Context)
		target *xerrors.Error
	}{
		{"unknown variable", "y = x", nil, xerrors.ErrUnknownVariable},
		{"failed requirement", "REQUIRE 1 > 2", nil, xerrors.ErrRequirementFailed},
		{"assign loop variable", "FOR i IN (1, 2, 1) DO i = 3 END", nil, xerrors.ErrInvalidInput},
		{"zero step", "FOR i IN (1, 2, 0) DO x = i END", nil, xerrors.ErrInvalidInput},
		{"random loop bound", "FOR i IN (1, FIXING(\"IDX\", 1), 1) DO x = i END", nil, xerrors.ErrInvalidInput},
		{"index out of range", "x = a[4]", func(c *Context) { c.SetArray("a", []float64{1, 2, 3}) }, xerrors.ErrInvalidInput},
		{"array without index", "x = a", func(c *Context) { c.SetArray("a", []float64{1}) }, xerrors.ErrInvalidInput},
		{"assign constant", "K = 1", func(c *Context) { c.SetScalar("K", 2); c.SetConstant("K", true) }, xerrors.ErrInvalidInput},
		{"duplicate declaration", "NUMBER K", func(c *Context) { c.SetScalar("K", 2) }, xerrors.ErrInvalidInput},
		{"string as number", "x = \"EUR\" + 1", nil, xerrors.ErrInvalidInput},
		{"unknown index", "x = FIXING(\"OTHER\", 1)", nil, xerrors.ErrUnknownVariable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root, err := Parse(tt.script)
			require.NoError(t, err)
			ctx := NewContext()
			if tt.setup != nil {
				tt.setup(ctx)
			}
			err = NewBuilder(newTestModel(), ctx, instrument.IborIndex{Name: "IDX"}).Run(root)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
		})
	}
}

func TestBuilderIgnoreAssignmentAndRequirements(t *testing.T) {
	root, err := Parse("K = 5; REQUIRE FIXING(\"IDX\", 1) > 0; REQUIRE 2 > 1")
	require.NoError(t, err)

	ctx := NewContext()
	ctx.SetScalar("K", 1)
	ctx.SetIgnoreAssignment("K", true)
	m := newTestModel()
	b := NewBuilder(m, ctx, instrument.IborIndex{Name: "IDX"})
	require.NoError(t, b.Run(root))

	k, err := b.Value("K")
	require.NoError(t, err)
	v, _ := m.g.ConstantValue(k)
	assert.Equal(t, 1.0, v)
	assert.Len(t, b.Requirements(), 2)
}

func TestContextCloneAndValidate(t *testing.T) {
	ctx := NewContext()
	ctx.SetScalar("x", 1)
	ctx.SetArray("a", []float64{1, 2})
	ctx.SetString("ccy", "EUR")
	ctx.SetConstant("x", true)
	require.NoError(t, ctx.Validate())

	clone := ctx.Clone()
	clone.SetScalar("x", 2)
	clone.SetArray("a", []float64{3})
	v, _ := ctx.Scalar("x")
	assert.Equal(t, 1.0, v)
	a, _ := ctx.Array("a")
	assert.Equal(t, []float64{1, 2}, a)
	assert.True(t, clone.IsConstant("x"))
	assert.NotSame(t, ctx.ScalarRef("x"), clone.ScalarRef("x"))

	ctx.SetString("a", "dup")
	err := ctx.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrInvalidInput))
}

func TestLibraryConcurrentAccess(t *testing.T) {
	lib := NewLibrary()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%4)
			assert.NoError(t, lib.Add(ctx, Script{ID: id, Source: fmt.Sprintf("x = %d", i%4)}))
			_, tree, err := lib.Get(id)
			assert.NoError(t, err)
			assert.NotNil(t, tree)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 4, lib.Len())

	first, err := lib.Parse(ctx, "s0", "x = 0")
	require.NoError(t, err)
	second, err := lib.Parse(ctx, "s0", "x = 0")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, _, err = lib.Get("missing")
	assert.True(t, errors.Is(err, xerrors.ErrUnknownScript))
	assert.Error(t, lib.Add(ctx, Script{ID: "bad", Source: "x ="}))
}
