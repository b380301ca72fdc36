// Package amc 在计算图上实现 AMC 定价引擎: 模型状态, 现金流和行权都表示为图节点,
// 条件期望通过对模拟路径回归得到.
package amc

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/lgm"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/scripting"
	"github.com/wyfcoding/quantcore/xerrors"
)

const timeEps = 1e-10

// ModelParameter 图中的模型参数节点, 求值前由 Value 读取当前取值.
type ModelParameter struct {
	Name  string
	Node  int
	Value func() float64
}

// Model 图层模型.
type Model interface {
	scripting.Model
	SimulationTimes() []float64
	Numeraire(t float64) (int, error)
	RandomVariates() [][]int
	ModelParameters() []ModelParameter
	Size() int
	Currency() string
	// Version 图被重建时递增, 引擎据此判断是否需要重新构建交易节点.
	Version() int
	// PathVariates 把外部注入的状态路径转换为随机数节点的取值.
	PathVariates(paths *sim.Paths) ([]randomvar.RandomVariable, error)
}

// LgmModel 单货币 LGM 模型: x_{i+1} = x_i + sqrt(ζ_{i+1}-ζ_i)·z_i.
type LgmModel struct {
	p     lgm.Parametrization
	ccy   string
	times []float64
	size  int

	g          *compgraph.Graph
	version    int
	states     []int
	variates   [][]int
	params     []ModelParameter
	paramIndex map[string]int
}

// NewLgmModel 创建模型. times 为严格递增的正模拟时间, size 为路径数.
func NewLgmModel(p lgm.Parametrization, times []float64, size int) (*LgmModel, error) {
	if p == nil || p.Curve() == nil {
		return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "lgm model needs a parametrization with a curve")
	}
	if size <= 0 {
		return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "size (%d) must be positive", size)
	}
	for i, t := range times {
		if t <= timeEps || (i > 0 && t <= times[i-1]+timeEps) {
			return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "simulation times must be positive and strictly increasing, got %v", times)
		}
	}
	m := &LgmModel{
		p:     p,
		ccy:   instrument.CanonicalCurrency(p.Currency()),
		times: append([]float64(nil), times...),
		size:  size,
	}
	m.build()
	return m, nil
}

func (m *LgmModel) build() {
	m.g = compgraph.New()
	m.version++
	m.params = nil
	m.paramIndex = make(map[string]int)
	m.states = []int{compgraph.Const(m.g, 0)}
	m.variates = nil

	prevZeta := compgraph.Const(m.g, 0)
	for i, t := range m.times {
		z := m.g.Insert(fmt.Sprintf("__z_%d", i))
		zeta := m.zeta(t)
		dx := compgraph.Mult(m.g, compgraph.Sqrt(m.g, compgraph.Sub(m.g, zeta, prevZeta)), z)
		m.states = append(m.states, compgraph.Add(m.g, m.states[i], dx))
		m.variates = append(m.variates, []int{z})
		prevZeta = zeta
	}
}

// Reset 重建图, 之前创建的节点全部失效.
func (m *LgmModel) Reset() { m.build() }

// SetParametrization 替换参数化, 图不变, 下次绑定时参数节点读取新值.
func (m *LgmModel) SetParametrization(p lgm.Parametrization) error {
	if instrument.CanonicalCurrency(p.Currency()) != m.ccy {
		return xerrors.Newf(xerrors.ErrInvalidInput, "parametrization currency %s does not match model currency %s", p.Currency(), m.ccy)
	}
	m.p = p
	return nil
}

// Parametrization 当前参数化.
func (m *LgmModel) Parametrization() lgm.Parametrization { return m.p }

func (m *LgmModel) Graph() *compgraph.Graph           { return m.g }
func (m *LgmModel) ReferenceTime() float64            { return 0 }
func (m *LgmModel) SimulationTimes() []float64        { return append([]float64(nil), m.times...) }
func (m *LgmModel) RandomVariates() [][]int           { return m.variates }
func (m *LgmModel) ModelParameters() []ModelParameter { return m.params }
func (m *LgmModel) Size() int                         { return m.size }
func (m *LgmModel) Currency() string                  { return m.ccy }
func (m *LgmModel) Version() int                      { return m.version }

// States 各模拟时间的状态节点, 第一个元素为参考时间的常数 0.
func (m *LgmModel) States() []int { return m.states }

func timeLabel(t float64) string { return strconv.FormatFloat(t, 'f', -1, 64) }

// addModelParameter 返回名为 name 的参数节点, 不存在时创建并绑定 value.
func (m *LgmModel) addModelParameter(name string, value func() float64) int {
	if i, ok := m.paramIndex[name]; ok {
		return m.params[i].Node
	}
	id, err := m.g.Variable(name, compgraph.VarCreate)
	if err != nil {
		panic(xerrors.Wrap(err, xerrors.ErrInternal, "create model parameter "+name))
	}
	m.paramIndex[name] = len(m.params)
	m.params = append(m.params, ModelParameter{Name: name, Node: id, Value: value})
	return id
}

func (m *LgmModel) zeta(t float64) int {
	if t <= timeEps {
		return compgraph.Const(m.g, 0)
	}
	return m.addModelParameter(fmt.Sprintf("__lgm_%s_zeta_%s", m.ccy, timeLabel(t)), func() float64 { return m.p.Zeta(t) })
}

func (m *LgmModel) h(t float64) int {
	if t <= timeEps {
		return compgraph.Const(m.g, 0)
	}
	return m.addModelParameter(fmt.Sprintf("__lgm_%s_H_%s", m.ccy, timeLabel(t)), func() float64 { return m.p.H(t) })
}

func (m *LgmModel) discount(t float64) int {
	if t <= timeEps {
		return compgraph.Const(m.g, 1)
	}
	return m.addModelParameter(fmt.Sprintf("__lgm_%s_P_%s", m.ccy, timeLabel(t)), func() float64 { return m.p.Curve().Discount(t) })
}

// stateAt 返回不晚于 t 的最近模拟时间及其状态节点, 早于所有模拟时间时为参考时间.
func (m *LgmModel) stateAt(t float64) (float64, int, error) {
	if t < m.ReferenceTime()-timeEps {
		return 0, compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "time %g is before the reference time", t)
	}
	i := sort.Search(len(m.times), func(i int) bool { return m.times[i] > t+timeEps })
	if i == 0 {
		return m.ReferenceTime(), m.states[0], nil
	}
	return m.times[i-1], m.states[i], nil
}

func (m *LgmModel) checkCurrency(ccy string) error {
	if instrument.CanonicalCurrency(ccy) != m.ccy {
		return xerrors.Newf(xerrors.ErrInvalidInput, "currency %s is not supported by the %s lgm model", ccy, m.ccy)
	}
	return nil
}

// Numeraire N(t,x) = exp(H_t x + ½ζ_t H_t²) / P(0,t), t 必须是参考时间或模拟时间.
func (m *LgmModel) Numeraire(t float64) (id int, err error) {
	s, x, err := m.stateAt(t)
	if err != nil {
		return compgraph.Nan, err
	}
	if math.Abs(s-t) > timeEps {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "numeraire time %g is not a simulation time", t)
	}
	if s <= timeEps {
		return compgraph.Const(m.g, 1), nil
	}
	err = compgraph.Guard(func() error {
		g := m.g
		h := m.h(t)
		e := compgraph.Exp(g, compgraph.Add(g, compgraph.Mult(g, h, x),
			compgraph.Mult(g, compgraph.Mult(g, compgraph.Const(g, 0.5), m.zeta(t)), compgraph.Mult(g, h, h))))
		id = compgraph.Div(g, e, m.discount(t))
		return nil
	})
	return id, err
}

// reducedDiscountBond P(s,T,x)/N(s,x) = P(0,T) exp(-H_T x - ½ζ_s H_T²).
func (m *LgmModel) reducedDiscountBond(s float64, x int, T float64) int {
	g := m.g
	if s <= timeEps {
		return m.discount(T)
	}
	hT := m.h(T)
	exponent := compgraph.Add(g, compgraph.Mult(g, hT, x),
		compgraph.Mult(g, compgraph.Mult(g, compgraph.Const(g, 0.5), m.zeta(s)), compgraph.Mult(g, hT, hT)))
	return compgraph.Mult(g, m.discount(T), compgraph.Exp(g, compgraph.Negative(g, exponent)))
}

// discountBond P(s,T,x) = P(0,T)/P(0,s) exp(-(H_T-H_s)x - ½ζ_s(H_T²-H_s²)).
func (m *LgmModel) discountBond(s float64, x int, T float64) int {
	g := m.g
	if T <= s+timeEps {
		return compgraph.Const(g, 1)
	}
	ratio := compgraph.Div(g, m.discount(T), m.discount(s))
	if s <= timeEps {
		return ratio
	}
	hT, hs := m.h(T), m.h(s)
	exponent := compgraph.Add(g, compgraph.Mult(g, compgraph.Sub(g, hT, hs), x),
		compgraph.Mult(g, compgraph.Mult(g, compgraph.Const(g, 0.5), m.zeta(s)),
			compgraph.Sub(g, compgraph.Mult(g, hT, hT), compgraph.Mult(g, hs, hs))))
	return compgraph.Mult(g, ratio, compgraph.Exp(g, compgraph.Negative(g, exponent)))
}

// Pay 返回以计价单位折算的支付金额 amount·P(s,pay)/N(s), s 为不晚于 obs 与 pay 的最近模拟时间.
// 支付时间不晚于参考时间时为 0.
func (m *LgmModel) Pay(amount int, obs, pay float64, ccy string) (id int, err error) {
	if err := m.checkCurrency(ccy); err != nil {
		return compgraph.Nan, err
	}
	if pay <= m.ReferenceTime()+timeEps {
		return compgraph.Const(m.g, 0), nil
	}
	s, x, err := m.stateAt(math.Min(obs, pay))
	if err != nil {
		return compgraph.Nan, err
	}
	err = compgraph.Guard(func() error {
		id = compgraph.Mult(m.g, amount, m.reducedDiscountBond(s, x, pay))
		return nil
	})
	return id, err
}

// Discount 返回 P(s,pay), s 为不晚于 obs 的最近模拟时间.
func (m *LgmModel) Discount(obs, pay float64, ccy string) (id int, err error) {
	if err := m.checkCurrency(ccy); err != nil {
		return compgraph.Nan, err
	}
	if pay < obs-timeEps {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "discount requires pay (%g) >= obs (%g)", pay, obs)
	}
	s, x, err := m.stateAt(obs)
	if err != nil {
		return compgraph.Nan, err
	}
	err = compgraph.Guard(func() error {
		id = m.discountBond(s, x, pay)
		return nil
	})
	return id, err
}

// Fixing 返回指数在 fixingTime 的定盘, 以不晚于 t 与 fixingTime 的最近模拟时间的状态估计.
// fixingTime 不晚于参考时间时使用历史定盘.
func (m *LgmModel) Fixing(index instrument.IborIndex, fixingTime, t float64) (id int, err error) {
	if err := m.checkCurrency(index.Currency); err != nil {
		return compgraph.Nan, err
	}
	if fixingTime <= m.ReferenceTime()+timeEps {
		f, ok := index.PastFixing(fixingTime)
		if !ok {
			return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "missing %s fixing for time %g", index.Name, fixingTime)
		}
		return compgraph.Const(m.g, f), nil
	}
	if index.Tenor <= 0 {
		return compgraph.Nan, xerrors.Newf(xerrors.ErrInvalidInput, "index %s has no tenor", index.Name)
	}
	s, x, err := m.stateAt(math.Min(t, fixingTime))
	if err != nil {
		return compgraph.Nan, err
	}
	err = compgraph.Guard(func() error {
		g := m.g
		d1 := m.discountBond(s, x, fixingTime)
		d2 := m.discountBond(s, x, fixingTime+index.Tenor)
		id = compgraph.Div(g, compgraph.Sub(g, compgraph.Div(g, d1, d2), compgraph.Const(g, 1)), compgraph.Const(g, index.Tenor))
		return nil
	})
	return id, err
}

// Npv 以 obs 时刻的状态为回归变量计算 amount 的条件期望, 参考时间时为普通期望.
func (m *LgmModel) Npv(amount int, obs float64, filter int, regressors []int) (int, error) {
	s, x, err := m.stateAt(obs)
	if err != nil {
		return compgraph.Nan, err
	}
	var regs []int
	if s > m.ReferenceTime()+timeEps {
		regs = append([]int{x}, regressors...)
	}
	return compgraph.ConditionalExpectationE(m.g, amount, regs, filter)
}

// PathVariates 由注入的状态路径反推各步的标准正态增量.
func (m *LgmModel) PathVariates(paths *sim.Paths) ([]randomvar.RandomVariable, error) {
	if err := paths.Validate(m.size); err != nil {
		return nil, err
	}
	if len(paths.Times) != len(m.times) {
		return nil, xerrors.Newf(xerrors.ErrDimMismatch, "path times (%d) must match simulation times (%d)", len(paths.Times), len(m.times))
	}
	out := make([]randomvar.RandomVariable, len(m.times))
	prev := randomvar.New(m.size, 0)
	prevZeta := 0.0
	for i, t := range paths.Times {
		if math.Abs(t-m.times[i]) > timeEps {
			return nil, xerrors.Newf(xerrors.ErrTimeInconsistent, "path time %g does not match simulation time %g", t, m.times[i])
		}
		if len(paths.Values[i]) != 1 {
			return nil, xerrors.Newf(xerrors.ErrDimMismatch, "lgm paths have one state per time, got %d", len(paths.Values[i]))
		}
		zeta := m.p.Zeta(t)
		x := paths.Values[i][0]
		out[i] = randomvar.Div(randomvar.Sub(x, prev), randomvar.New(m.size, math.Sqrt(zeta-prevZeta)))
		prev, prevZeta = x, zeta
	}
	return out, nil
}

// Bind 为图中的输入节点写入取值: 常数, 模型参数和随机数. variates 按 RandomVariates 展开的顺序排列.
func Bind(m Model, values []randomvar.RandomVariable, variates []randomvar.RandomVariable) error {
	g := m.Graph()
	if len(values) < g.Size() {
		return xerrors.Newf(xerrors.ErrDimMismatch, "values (%d) must cover graph size (%d)", len(values), g.Size())
	}
	n := m.Size()
	for _, c := range g.Constants() {
		values[c.ID] = randomvar.New(n, c.Value)
	}
	for _, p := range m.ModelParameters() {
		values[p.Node] = randomvar.New(n, p.Value())
	}
	k := 0
	for _, step := range m.RandomVariates() {
		for _, id := range step {
			if k >= len(variates) {
				return xerrors.Newf(xerrors.ErrDimMismatch, "not enough random variates, have %d", len(variates))
			}
			if variates[k].Size() != n {
				return xerrors.Newf(xerrors.ErrDimMismatch, "random variate %d has %d paths, want %d", k, variates[k].Size(), n)
			}
			values[id] = variates[k]
			k++
		}
	}
	return nil
}

// VariateCount 模型需要的随机数个数.
func VariateCount(m Model) int {
	n := 0
	for _, step := range m.RandomVariates() {
		n += len(step)
	}
	return n
}
