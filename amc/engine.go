package amc

import (
	"context"
	"time"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/metrics"
	"github.com/wyfcoding/quantcore/tracing"
	"github.com/wyfcoding/quantcore/xerrors"
)

// Options 引擎选项.
type Options struct {
	// RegressionOrder 条件期望回归的多项式阶数.
	RegressionOrder int
	// IndicatorEps 大于 0 时指示函数的导数按宽度 eps 平滑.
	IndicatorEps float64
	Seed         uint64
	Antithetic   bool
	Metrics      *metrics.Metrics
	Cache        ResultCache
}

// DefaultOptions 默认选项.
func DefaultOptions() Options {
	return Options{RegressionOrder: 4, Seed: 42}
}

// Engine 图上的交易定价引擎.
type Engine interface {
	Trade() instrument.Trade
	// BuildComputationGraph 在模型的图中为交易创建节点, 所有节点位于一个红块中.
	BuildComputationGraph(ctx context.Context) error
	// Calculate 绑定输入并前向求值, 可以重复调用. 模型的图版本变化时会重新构建.
	Calculate(ctx context.Context) (*Results, error)
	// InjectPaths 以外部状态路径代替随机数生成器, nil 恢复生成器.
	InjectPaths(paths *sim.Paths)
	NPVNode() int
	Exposures() []TradeExposure
	RedBlock() int
}

// cashflowNode 一个已折算现金流的节点.
type cashflowNode struct {
	leg  int
	pay  float64
	node int
	cf   instrument.Cashflow
}

// baseEngine 多腿结构的共享实现, 具体引擎只负责 lower.
type baseEngine struct {
	name  string
	model Model
	trade instrument.Trade
	opts  Options
	lower func() error

	legs                []instrument.Leg
	currencies          []string
	payer               []bool
	exercise            *instrument.Exercise
	settlement          instrument.Settlement
	cashSettlementTimes []float64

	builtVersion   int
	redBlock       int
	npvNode        int
	underlyingNode int
	exposures      []TradeExposure
	injected       *sim.Paths
	metrics        *engineMetrics
}

func newBaseEngine(name string, model Model, trade instrument.Trade, opts Options) *baseEngine {
	return &baseEngine{
		name:           name,
		model:          model,
		trade:          trade,
		opts:           opts,
		npvNode:        compgraph.Nan,
		underlyingNode: compgraph.Nan,
		metrics:        engineMetricsFor(opts.Metrics),
	}
}

func (e *baseEngine) Trade() instrument.Trade      { return e.trade }
func (e *baseEngine) NPVNode() int                 { return e.npvNode }
func (e *baseEngine) Exposures() []TradeExposure   { return e.exposures }
func (e *baseEngine) RedBlock() int                { return e.redBlock }
func (e *baseEngine) InjectPaths(paths *sim.Paths) { e.injected = paths }

// Currencies 每条腿的规范货币代码.
func (e *baseEngine) Currencies() []string { return e.currencies }

// Payer 每条腿是否为付出腿.
func (e *baseEngine) Payer() []bool { return e.payer }

// Exercise 行权信息, 互换和债券为 nil.
func (e *baseEngine) Exercise() *instrument.Exercise { return e.exercise }

func canonicalCurrencies(ccys []string) []string {
	out := make([]string, len(ccys))
	for i, c := range ccys {
		out[i] = instrument.CanonicalCurrency(c)
	}
	return out
}

// BuildComputationGraph 构建交易节点.
func (e *baseEngine) BuildComputationGraph(ctx context.Context) error {
	if err := e.lower(); err != nil {
		return err
	}
	return e.buildComputationGraph(ctx)
}

func (e *baseEngine) buildComputationGraph(ctx context.Context) error {
	start := time.Now()
	g := e.model.Graph()
	block, err := g.StartRedBlock()
	if err != nil {
		return err
	}
	err = compgraph.Guard(func() error { return e.build() })
	if endErr := g.EndRedBlock(); err == nil {
		err = endErr
	}
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrInternal, "build computation graph for trade "+e.trade.TradeID())
	}
	e.redBlock = block
	e.builtVersion = e.model.Version()
	e.metrics.observe(e.name, "build", start)
	e.metrics.nodes(e.name, g.Size())
	logging.Debug(ctx, "amc computation graph built", "engine", e.name, "trade", e.trade.TradeID(),
		"nodes", g.Size(), "red_block", block, "duration", time.Since(start))
	return nil
}

func (e *baseEngine) amount(c instrument.Cashflow, ccy string) (node int, obs float64, err error) {
	g := e.model.Graph()
	switch cf := c.(type) {
	case instrument.Fixed:
		return compgraph.Const(g, instrument.Float(cf.Amount())), cf.Pay, nil
	case instrument.Simple:
		return compgraph.Const(g, instrument.Float(cf.Amount)), cf.Pay, nil
	case instrument.Floating:
		if instrument.CanonicalCurrency(cf.Index.Currency) != ccy {
			return compgraph.Nan, 0, xerrors.Newf(xerrors.ErrInvalidInput, "index %s must have the pay currency %s", cf.Index.Name, ccy)
		}
		fixing, err := e.model.Fixing(cf.Index, cf.Fixing, cf.Fixing)
		if err != nil {
			return compgraph.Nan, 0, err
		}
		rate := compgraph.Add(g, compgraph.Mult(g, compgraph.Const(g, instrument.Float(cf.GearingOrOne())), fixing),
			compgraph.Const(g, instrument.Float(cf.Spread)))
		return compgraph.Mult(g, rate, compgraph.Const(g, cf.AccrualPeriod()*instrument.Float(cf.Notional))), cf.Fixing, nil
	}
	return compgraph.Nan, 0, xerrors.Newf(xerrors.ErrNotImplemented, "cashflow type %T is not supported", c)
}

func (e *baseEngine) sum(ids []int) int {
	g := e.model.Graph()
	res := compgraph.Const(g, 0)
	for _, id := range ids {
		res = compgraph.Add(g, res, id)
	}
	return res
}

// undeflate 返回 Npv(v, t)·N(t).
func (e *baseEngine) undeflate(v int, t float64) (int, error) {
	npv, err := e.model.Npv(v, t, compgraph.Nan, nil)
	if err != nil {
		return compgraph.Nan, err
	}
	num, err := e.model.Numeraire(t)
	if err != nil {
		return compgraph.Nan, err
	}
	return compgraph.Mult(e.model.Graph(), npv, num), nil
}

func (e *baseEngine) build() error {
	g := e.model.Graph()
	ref := e.model.ReferenceTime()
	simTimes := e.model.SimulationTimes()

	var flows []cashflowNode
	for i, leg := range e.legs {
		sign := 1.0
		if e.payer[i] {
			sign = -1.0
		}
		for _, c := range leg {
			if c.PayTime() <= ref {
				continue
			}
			amount, obs, err := e.amount(c, e.currencies[i])
			if err != nil {
				return err
			}
			node, err := e.model.Pay(compgraph.Mult(g, compgraph.Const(g, sign), amount), obs, c.PayTime(), e.currencies[i])
			if err != nil {
				return err
			}
			flows = append(flows, cashflowNode{leg: i, pay: c.PayTime(), node: node, cf: c})
		}
	}

	all := make([]int, len(flows))
	for i, f := range flows {
		all[i] = f.node
	}
	underlying, err := e.model.Npv(e.sum(all), ref, compgraph.Nan, nil)
	if err != nil {
		return err
	}
	e.underlyingNode = underlying

	if e.exercise == nil {
		e.npvNode = underlying
		return e.buildSwapExposures(flows, simTimes)
	}
	return e.buildExercise(flows, simTimes)
}

func (e *baseEngine) buildSwapExposures(flows []cashflowNode, simTimes []float64) error {
	e.exposures = make([]TradeExposure, len(simTimes))
	for k, t := range simTimes {
		comps := make([]int, len(e.legs))
		for i := range e.legs {
			var remaining []int
			for _, f := range flows {
				if f.leg == i && f.pay > t {
					remaining = append(remaining, f.node)
				}
			}
			comps[i] = e.sum(remaining)
		}
		target, err := e.undeflate(e.sum(comps), t)
		if err != nil {
			return err
		}
		e.exposures[k] = TradeExposure{ComponentPathValues: comps, TargetConditionalExpectation: target}
	}
	return nil
}

type exerciseDate struct {
	time       float64
	underlying []cashflowNode
	rebate     int
	rebatePay  float64
	settle     float64
	value      int
	exercised  int
}

func (e *baseEngine) buildExercise(flows []cashflowNode, simTimes []float64) error {
	g := e.model.Graph()
	ref := e.model.ReferenceTime()
	one := compgraph.Const(g, 1)

	var dates []*exerciseDate
	for k, te := range e.exercise.Times {
		if te <= ref {
			continue
		}
		d := &exerciseDate{time: te, rebate: compgraph.Const(g, 0), settle: te}
		var ids []int
		for _, f := range flows {
			if instrument.RelevantForExercise(ref, te, f.cf) {
				d.underlying = append(d.underlying, f)
				ids = append(ids, f.node)
			}
		}
		if amount, pay, ok := e.exercise.Rebate(k); ok && len(e.currencies) > 0 {
			r, err := e.model.Pay(compgraph.Const(g, amount), te, pay, e.currencies[0])
			if err != nil {
				return err
			}
			d.rebate, d.rebatePay = r, pay
		}
		if e.settlement == instrument.Cash && k < len(e.cashSettlementTimes) {
			d.settle = e.cashSettlementTimes[k]
		}
		d.value = compgraph.Add(g, e.sum(ids), d.rebate)
		dates = append(dates, d)
	}

	// 逆向归纳: 行权价值与继续持有价值都在行权时刻回归.
	option := compgraph.Const(g, 0)
	for k := len(dates) - 1; k >= 0; k-- {
		d := dates[k]
		exerciseValue, err := e.model.Npv(d.value, d.time, compgraph.Nan, nil)
		if err != nil {
			return err
		}
		cont, err := e.model.Npv(option, d.time, compgraph.Nan, nil)
		if err != nil {
			return err
		}
		d.exercised = compgraph.IndicatorGt(g, exerciseValue, cont)
		option = compgraph.Add(g, compgraph.Mult(g, d.exercised, d.value),
			compgraph.Mult(g, compgraph.Sub(g, one, d.exercised), option))
	}
	npv, err := e.model.Npv(option, ref, compgraph.Nan, nil)
	if err != nil {
		return err
	}
	e.npvNode = npv

	// 首次行权的路径指示.
	alive := one
	for _, d := range dates {
		ex := compgraph.Mult(g, alive, d.exercised)
		alive = compgraph.Mult(g, alive, compgraph.Sub(g, one, d.exercised))
		d.exercised = ex
	}

	e.exposures = make([]TradeExposure, len(simTimes))
	for k, t := range simTimes {
		path := compgraph.Const(g, 0)
		for _, d := range dates {
			var remaining int
			switch {
			case d.time > t:
				remaining = d.value
			case e.settlement == instrument.Cash:
				remaining = compgraph.Const(g, 0)
				if d.settle > t {
					remaining = d.value
				}
			default:
				var ids []int
				for _, f := range d.underlying {
					if f.pay > t {
						ids = append(ids, f.node)
					}
				}
				if d.rebatePay > t {
					ids = append(ids, d.rebate)
				}
				remaining = e.sum(ids)
			}
			path = compgraph.Add(g, path, compgraph.Mult(g, d.exercised, remaining))
		}
		target, err := e.undeflate(path, t)
		if err != nil {
			return err
		}
		e.exposures[k] = TradeExposure{ComponentPathValues: []int{path}, TargetConditionalExpectation: target}
	}
	return nil
}

// variates 返回随机数节点的取值, 注入路径优先.
func (e *baseEngine) variates() ([]randomvar.RandomVariable, error) {
	if e.injected != nil {
		return e.model.PathVariates(e.injected)
	}
	gen := sim.NewGaussianGenerator(e.opts.Seed, e.opts.Antithetic)
	return gen.NextVariates(VariateCount(e.model), e.model.Size()), nil
}

// evaluate 绑定输入并前向求值, keep 中的节点在结果中保留.
func evaluate(m Model, variates []randomvar.RandomVariable, opts Options, keep []int) ([]randomvar.RandomVariable, error) {
	g := m.Graph()
	values := make([]randomvar.RandomVariable, g.Size())
	if err := Bind(m, values, variates); err != nil {
		return nil, err
	}
	keepNodes := make([]bool, g.Size())
	for _, id := range keep {
		if id != compgraph.Nan {
			keepNodes[id] = true
		}
	}
	err := compgraph.ForwardEvaluation(g, values, compgraph.RandomVariableOps(m.Size(), opts.RegressionOrder, opts.IndicatorEps),
		compgraph.ForwardOptions[randomvar.RandomVariable]{
			Deleter:   compgraph.RandomVariableDeleter,
			KeepNodes: keepNodes,
		})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func mean(v randomvar.RandomVariable) float64 {
	if !v.Initialised() {
		return 0
	}
	return randomvar.Expectation(v).At(0)
}

// Calculate 计算 NPV 与各模拟时间的期望敞口.
func (e *baseEngine) Calculate(ctx context.Context) (res *Results, err error) {
	ctx, span := tracing.StartSpan(ctx, "amc.calculate")
	defer span.End()
	tracing.AddTag(ctx, "engine", e.name)
	tracing.AddTag(ctx, "trade", e.trade.TradeID())
	defer func() { tracing.SetError(ctx, err) }()

	if err := e.lower(); err != nil {
		return nil, err
	}
	if e.builtVersion != e.model.Version() {
		if err := e.buildComputationGraph(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	variates, err := e.variates()
	if err != nil {
		return nil, err
	}
	keep := []int{e.npvNode, e.underlyingNode}
	for _, x := range e.exposures {
		keep = append(keep, x.TargetConditionalExpectation)
	}
	values, err := evaluate(e.model, variates, e.opts, keep)
	if err != nil {
		return nil, err
	}
	e.metrics.observe(e.name, "calculate", start)
	e.metrics.calculated(e.name)

	res = &Results{
		NPV:              mean(values[e.npvNode]),
		UnderlyingNPV:    mean(values[e.underlyingNode]),
		Exposures:        append([]TradeExposure(nil), e.exposures...),
		ExpectedExposure: make([]float64, len(e.exposures)),
	}
	for i, x := range e.exposures {
		res.ExpectedExposure[i] = mean(values[x.TargetConditionalExpectation])
	}
	exerciseTimes := []float64(nil)
	if e.exercise != nil {
		exerciseTimes = append(exerciseTimes, e.exercise.Times...)
	}
	res.AdditionalResults = map[string]any{
		"amcCalculator": newAmcCalculator(e),
		"currency":      e.currencies,
		"payer":         e.payer,
		"exerciseTimes": exerciseTimes,
		"cgVersion":     e.builtVersion,
	}
	e.storeSnapshot(ctx, res)
	logging.Debug(ctx, "amc engine calculated", "engine", e.name, "trade", e.trade.TradeID(), "npv", res.NPV, "duration", time.Since(start))
	return res, nil
}

func (e *baseEngine) storeSnapshot(ctx context.Context, res *Results) {
	if e.opts.Cache == nil {
		return
	}
	s := &Snapshot{
		TradeID:          e.trade.TradeID(),
		GraphVersion:     e.builtVersion,
		Currency:         e.model.Currency(),
		NPV:              res.NPV,
		UnderlyingNPV:    res.UnderlyingNPV,
		ExposureTimes:    e.model.SimulationTimes(),
		ExpectedExposure: res.ExpectedExposure,
	}
	if err := e.opts.Cache.PutSnapshot(ctx, s); err != nil {
		logging.Warn(ctx, "failed to cache amc snapshot", "trade", s.TradeID, "error", err)
	}
}
