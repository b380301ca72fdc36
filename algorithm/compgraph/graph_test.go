package compgraph

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/xerrors"
)

func TestConstantDedup(t *testing.T) {
	g := New()
	a := Const(g, 5)
	b := Const(g, 5)
	c := Const(g, 6)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, g.Size())

	n1 := Const(g, math.NaN())
	n2 := Const(g, math.NaN())
	assert.Equal(t, n1, n2)
	assert.True(t, g.IsConstant(n1))
}

func TestTopologicalOrder(t *testing.T) {
	g := New()
	x := Insert(g, "x")
	y := Insert(g, "y")
	z := Add(g, Mult(g, x, y), Exp(g, x))
	for id := 0; id < g.Size(); id++ {
		for _, p := range g.Predecessors(id) {
			assert.Less(t, p, id)
		}
	}
	assert.Equal(t, z, g.MaxNodeRequiringArg(g.Predecessors(z)[0]))
}

func TestConstantFolding(t *testing.T) {
	g := New()
	x := Insert(g, "x")
	zero := Const(g, 0)
	one := Const(g, 1)

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"x+0", Add(g, x, zero), x},
		{"0+x", Add(g, zero, x), x},
		{"x-0", Sub(g, x, zero), x},
		{"x-x", Sub(g, x, x), zero},
		{"x*1", Mult(g, x, one), x},
		{"1*x", Mult(g, one, x), x},
		{"x*0", Mult(g, x, zero), zero},
		{"x/1", Div(g, x, one), x},
		{"x/x", Div(g, x, x), one},
		{"2+3", Add(g, Const(g, 2), Const(g, 3)), Const(g, 5)},
		{"-2", Negative(g, Const(g, 2)), Const(g, -2)},
		{"max(2,3)", Max(g, Const(g, 2), Const(g, 3)), Const(g, 3)},
		{"min(2,3)", Min(g, Const(g, 2), Const(g, 3)), Const(g, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestInvalidNodes(t *testing.T) {
	g := New()
	x := Insert(g, "x")

	_, err := AddE(g, x, Nan)
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrNanNode))

	_, err = MultE(g, x, 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrNodeOutOfRange))

	assert.Panics(t, func() { Exp(g, Nan) })
}

func TestVariables(t *testing.T) {
	g := New()
	v, err := Var(g, "a", VarCreate)
	require.NoError(t, err)
	again, err := Var(g, "a", VarFail)
	require.NoError(t, err)
	assert.Equal(t, v, again)

	n, err := Var(g, "b", VarNan)
	require.NoError(t, err)
	assert.Equal(t, Nan, n)

	_, err = Var(g, "b", VarFail)
	assert.True(t, errors.Is(err, xerrors.ErrUnknownVariable))
	assert.Equal(t, "a", g.Label(v))
}

func TestConditionalExpectationLayout(t *testing.T) {
	g := New()
	c := Const(g, 3)
	assert.Equal(t, c, ConditionalExpectation(g, c, nil, Nan))

	y := Insert(g, "y")
	r := Insert(g, "r")
	ce := ConditionalExpectation(g, y, []int{r}, Nan)
	assert.Equal(t, []int{y, Const(g, 1), r}, g.Predecessors(ce))
	assert.Equal(t, OpConditionalExpectation, g.Op(ce))
}

func TestRedBlocks(t *testing.T) {
	g := New()
	x := Insert(g, "x")
	k := Const(g, 2)

	id, err := g.StartRedBlock()
	require.NoError(t, err)
	_, err = g.StartRedBlock()
	assert.Error(t, err)

	y := Mult(g, x, k)
	z := Exp(g, y)
	require.NoError(t, g.EndRedBlock())

	assert.Equal(t, id, g.RedBlockID(z))
	assert.Equal(t, 0, g.RedBlockID(x))
	deps, err := g.RedBlockDependencies(id)
	require.NoError(t, err)
	assert.Equal(t, []int{x, k}, deps)
	assert.Contains(t, g.Dot(), "exp")
}

func bindInputs(g *Graph, values []randomvar.RandomVariable, n int, inputs map[int]randomvar.RandomVariable) {
	for _, c := range g.Constants() {
		values[c.ID] = randomvar.New(n, c.Value)
	}
	for id, v := range inputs {
		values[id] = v
	}
}

func TestForwardEvaluation(t *testing.T) {
	const n = 3
	g := New()
	x := Insert(g, "x")
	y := Insert(g, "y")
	s := Add(g, x, y)
	p := Mult(g, s, Const(g, 2))
	out := Sqrt(g, p)

	values := make([]randomvar.RandomVariable, g.Size())
	bindInputs(g, values, n, map[int]randomvar.RandomVariable{
		x: randomvar.FromSlice([]float64{1, 2, 3}),
		y: randomvar.FromSlice([]float64{1, 0, 5}),
	})

	keep := make([]bool, g.Size())
	keep[out] = true
	err := ForwardEvaluation(g, values, RandomVariableOps(n, 2, 0), ForwardOptions[randomvar.RandomVariable]{
		Deleter:   RandomVariableDeleter,
		KeepNodes: keep,
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 2, 4}, values[out].Data())
	// 中间结果在最后一个使用者求值后释放
	assert.False(t, values[s].Initialised())
	assert.False(t, values[p].Initialised())
	assert.True(t, values[x].Initialised())
}

func TestForwardEvaluationSizeMismatch(t *testing.T) {
	g := New()
	x := Insert(g, "x")
	y := Insert(g, "y")
	Add(g, x, y)

	values := make([]randomvar.RandomVariable, g.Size())
	values[x] = randomvar.FromSlice([]float64{1, 2})
	values[y] = randomvar.FromSlice([]float64{1, 2, 3})
	err := ForwardEvaluation(g, values, RandomVariableOps(2, 2, 0), ForwardOptions[randomvar.RandomVariable]{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, xerrors.ErrDimMismatch))
}

func TestBackwardDerivatives(t *testing.T) {
	const n = 2
	g := New()
	x := Insert(g, "x")
	y := Insert(g, "y")
	// f = x*y + exp(x) + log(y) + max(x, y)
	f := Add(g, Add(g, Mult(g, x, y), Exp(g, x)), Add(g, Log(g, y), Max(g, x, y)))

	xs := []float64{0.5, 2}
	ys := []float64{1.5, 1}
	values := make([]randomvar.RandomVariable, g.Size())
	bindInputs(g, values, n, map[int]randomvar.RandomVariable{
		x: randomvar.FromSlice(xs),
		y: randomvar.FromSlice(ys),
	})
	keep := make([]bool, g.Size())
	keep[x], keep[y] = true, true
	require.NoError(t, ForwardEvaluation(g, values, RandomVariableOps(n, 2, 0), ForwardOptions[randomvar.RandomVariable]{
		Deleter:                  RandomVariableDeleter,
		KeepValuesForDerivatives: true,
		Requirements:             RandomVariableOpRequirements(),
		KeepNodes:                keep,
	}))

	derivatives := make([]randomvar.RandomVariable, g.Size())
	derivatives[f] = randomvar.New(n, 1)
	require.NoError(t, BackwardDerivatives(g, values, derivatives, RandomVariableGrads(n, 0), RandomVariableAdjoint(),
		BackwardOptions[randomvar.RandomVariable]{Deleter: RandomVariableDeleter, KeepNodes: keep}))

	for i := 0; i < n; i++ {
		dx := ys[i] + math.Exp(xs[i])
		dy := xs[i] + 1/ys[i]
		if xs[i] >= ys[i] {
			dx++
		} else {
			dy++
		}
		assert.InDelta(t, dx, derivatives[x].At(i), 1e-12)
		assert.InDelta(t, dy, derivatives[y].At(i), 1e-12)
	}
}

func TestBackwardSkipsZeroAdjoint(t *testing.T) {
	g := New()
	x := Insert(g, "x")
	a := Exp(g, x)
	b := Log(g, x)

	values := make([]randomvar.RandomVariable, g.Size())
	values[x] = randomvar.New(1, 2)
	require.NoError(t, ForwardEvaluation(g, values, RandomVariableOps(1, 2, 0), ForwardOptions[randomvar.RandomVariable]{}))

	derivatives := make([]randomvar.RandomVariable, g.Size())
	derivatives[a] = randomvar.New(1, 1)
	require.NoError(t, BackwardDerivatives(g, values, derivatives, RandomVariableGrads(1, 0), RandomVariableAdjoint(),
		BackwardOptions[randomvar.RandomVariable]{}))
	assert.False(t, derivatives[b].Initialised())
	assert.InDelta(t, math.Exp(2), derivatives[x].At(0), 1e-12)
}
