// Package sim 生成蒙特卡洛定价使用的正态随机数与路径.
package sim

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	linalg "github.com/wyfcoding/quantcore/algorithm/math"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/xerrors"
)

// GaussianGenerator 以固定种子生成标准正态随机数, 相同种子产生相同序列.
// 开启对偶变量时, 相邻两条路径使用 z 与 -z.
type GaussianGenerator struct {
	normal     distuv.Normal
	antithetic bool
}

// NewGaussianGenerator 创建生成器.
func NewGaussianGenerator(seed uint64, antithetic bool) *GaussianGenerator {
	return &GaussianGenerator{
		normal:     distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
		antithetic: antithetic,
	}
}

// Next 返回 nVariates 组随机数, 每组包含 nPaths 条路径.
func (g *GaussianGenerator) Next(nVariates, nPaths int) [][]float64 {
	out := make([][]float64, nVariates)
	for v := range out {
		out[v] = make([]float64, nPaths)
	}
	for p := 0; p < nPaths; p++ {
		if g.antithetic && p%2 == 1 {
			for v := range out {
				out[v][p] = -out[v][p-1]
			}
			continue
		}
		for v := range out {
			out[v][p] = g.normal.Rand()
		}
	}
	return out
}

// NextVariates 以随机变量形式返回 Next 的结果.
func (g *GaussianGenerator) NextVariates(nVariates, nPaths int) []randomvar.RandomVariable {
	raw := g.Next(nVariates, nPaths)
	out := make([]randomvar.RandomVariable, nVariates)
	for i, r := range raw {
		out[i] = randomvar.FromSlice(r)
	}
	return out
}

// CorrelatedGenerator 通过相关矩阵的 Cholesky 因子生成相关的正态随机数.
type CorrelatedGenerator struct {
	base *GaussianGenerator
	chol *linalg.Matrix
}

// NewCorrelatedGenerator 创建相关生成器, correlation 必须是正定相关矩阵.
func NewCorrelatedGenerator(base *GaussianGenerator, correlation *linalg.Matrix) (*CorrelatedGenerator, error) {
	if err := correlation.CheckCorrelation(); err != nil {
		return nil, err
	}
	chol, err := correlation.Cholesky()
	if err != nil {
		return nil, err
	}
	return &CorrelatedGenerator{base: base, chol: chol}, nil
}

// Dimension 因子个数.
func (c *CorrelatedGenerator) Dimension() int { return c.chol.Rows }

// Next 返回 nSteps 步的相关随机数, 结果下标为 [step*dim+factor][path].
func (c *CorrelatedGenerator) Next(nSteps, nPaths int) ([][]float64, error) {
	dim := c.Dimension()
	raw := c.base.Next(nSteps*dim, nPaths)
	out := make([][]float64, nSteps*dim)
	z := linalg.NewMatrix(dim, nPaths)
	for s := 0; s < nSteps; s++ {
		for d := 0; d < dim; d++ {
			copy(z.Data[d*nPaths:(d+1)*nPaths], raw[s*dim+d])
		}
		w, err := c.chol.Multiply(z)
		if err != nil {
			return nil, err
		}
		for d := 0; d < dim; d++ {
			out[s*dim+d] = w.Data[d*nPaths : (d+1)*nPaths]
		}
	}
	return out, nil
}

// Paths 外部注入的模型状态路径: Values[i][j] 为 Times[i] 时刻第 j 个状态分量.
type Paths struct {
	Times  []float64
	Values [][]randomvar.RandomVariable
}

// Validate 校验路径形状一致.
func (p *Paths) Validate(nPaths int) error {
	if len(p.Times) != len(p.Values) {
		return xerrors.Newf(xerrors.ErrDimMismatch, "path times (%d) must match values (%d)", len(p.Times), len(p.Values))
	}
	for i, row := range p.Values {
		for j, v := range row {
			if v.Size() != nPaths {
				return xerrors.Newf(xerrors.ErrDimMismatch, "path value (%d,%d) has %d paths, want %d", i, j, v.Size(), nPaths)
			}
		}
	}
	return nil
}
