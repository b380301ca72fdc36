package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	linalg "github.com/wyfcoding/quantcore/algorithm/math"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
)

func TestGaussianGeneratorDeterministic(t *testing.T) {
	a := NewGaussianGenerator(42, false).Next(3, 100)
	b := NewGaussianGenerator(42, false).Next(3, 100)
	c := NewGaussianGenerator(43, false).Next(3, 100)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGaussianGeneratorMoments(t *testing.T) {
	z := NewGaussianGenerator(7, false).NextVariates(1, 20000)[0]
	assert.InDelta(t, 0, randomvar.Expectation(z).At(0), 0.05)
	assert.InDelta(t, 1, randomvar.Variance(z), 0.05)
}

func TestAntitheticPairs(t *testing.T) {
	z := NewGaussianGenerator(1, true).Next(2, 5)
	for v := range z {
		assert.Equal(t, -z[v][0], z[v][1])
		assert.Equal(t, -z[v][2], z[v][3])
	}
}

func TestCorrelatedGenerator(t *testing.T) {
	corr, err := linalg.NewMatrixFromData([][]float64{{1, 0.8}, {0.8, 1}})
	require.NoError(t, err)
	g, err := NewCorrelatedGenerator(NewGaussianGenerator(3, false), corr)
	require.NoError(t, err)

	const n = 20000
	out, err := g.Next(1, n)
	require.NoError(t, err)
	require.Len(t, out, 2)
	sum := 0.0
	for p := 0; p < n; p++ {
		sum += out[0][p] * out[1][p]
	}
	assert.InDelta(t, 0.8, sum/n, 0.05)
	// 第一个因子就是基础生成器的随机数
	assert.Equal(t, NewGaussianGenerator(3, false).Next(2, n)[0], out[0])

	bad, err := linalg.NewMatrixFromData([][]float64{{1, 2}, {2, 1}})
	require.NoError(t, err)
	_, err = NewCorrelatedGenerator(NewGaussianGenerator(3, false), bad)
	assert.Error(t, err)
}

func TestPathsValidate(t *testing.T) {
	p := &Paths{Times: []float64{1}, Values: [][]randomvar.RandomVariable{{randomvar.New(4, 0)}}}
	assert.NoError(t, p.Validate(4))
	assert.Error(t, p.Validate(5))
	assert.False(t, math.IsNaN(p.Times[0]))
}
