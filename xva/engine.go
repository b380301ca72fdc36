// Package xva 在 AMC 计算图上汇总组合敞口并计算 CVA.
//
// 路径被拆分为若干批次, 每个批次在 worker 池中独立构建模型, 图与交易引擎, 结果按路径数加权合并.
// 图和语法树只在单个批次内使用, 不跨 goroutine 共享.
package xva

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/lgm"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/amc"
	"github.com/wyfcoding/quantcore/config"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/metrics"
	"github.com/wyfcoding/quantcore/tracing"
	"github.com/wyfcoding/quantcore/worker"
	"github.com/wyfcoding/quantcore/xerrors"
)

// ModelFactory 为一个批次创建 size 条路径的模型.
type ModelFactory func(size int) (amc.Model, error)

// LgmModelFactory 由配置中的平坦曲线与常数 LGM 参数创建模型.
func LgmModelFactory(conf *config.Config) ModelFactory {
	return func(size int) (amc.Model, error) {
		p := &lgm.ConstantParametrization{
			Alpha: conf.Model.Alpha,
			Kappa: conf.Model.Kappa,
			Ccy:   conf.Model.Currency,
			YC:    lgm.FlatCurve{Rate: conf.Model.FlatRate},
		}
		return amc.NewLgmModel(p, conf.Simulation.Times, size)
	}
}

// ReportCache 保存完整的计算报告, cache.BigCache 满足该接口.
type ReportCache interface {
	Get(ctx context.Context, key string, value any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// Engine 组合 XVA 引擎.
type Engine struct {
	factory ModelFactory
	trades  []instrument.Trade
	conf    *config.Config
	pool    *worker.Pool
	cache   ReportCache
	reg     *metrics.Metrics
	metrics *runMetrics
}

// Option 引擎选项.
type Option func(*Engine)

// WithPool 使用外部 worker 池, 未设置时每次 Run 按配置创建并关闭一个池.
func WithPool(p *worker.Pool) Option {
	return func(e *Engine) { e.pool = p }
}

// WithMetrics 注入指标注册表, 同时传给各交易引擎.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.reg = m
		e.metrics = runMetricsFor(m)
	}
}

// WithReportCache 相同交易与配置的报告直接从缓存返回.
func WithReportCache(c ReportCache) Option {
	return func(e *Engine) { e.cache = c }
}

// NewEngine 创建引擎. 交易编号必须唯一.
func NewEngine(factory ModelFactory, trades []instrument.Trade, conf *config.Config, opts ...Option) (*Engine, error) {
	if factory == nil || conf == nil {
		return nil, xerrors.Newf(xerrors.ErrInvalidConfig, "xva engine needs a model factory and a config")
	}
	if err := config.Validate(conf); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(trades))
	for _, t := range trades {
		if t == nil {
			return nil, xerrors.Newf(xerrors.ErrInvalidInput, "nil trade")
		}
		if seen[t.TradeID()] {
			return nil, xerrors.Newf(xerrors.ErrInvalidInput, "duplicate trade id %s", t.TradeID())
		}
		seen[t.TradeID()] = true
	}
	e := &Engine{
		factory: factory,
		trades:  append([]instrument.Trade(nil), trades...),
		conf:    conf,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// cacheKey 由交易编号和影响结果的配置生成.
func (e *Engine) cacheKey() string {
	h := fnv.New64a()
	for _, t := range e.trades {
		fmt.Fprintf(h, "%s/%s;", t.TradeType(), t.TradeID())
	}
	fmt.Fprintf(h, "%+v|%+v|%+v", e.conf.Simulation, e.conf.Model, e.conf.Credit)
	return fmt.Sprintf("xva:%x", h.Sum64())
}

// Run 计算组合报告.
func (e *Engine) Run(ctx context.Context) (report *Report, err error) {
	ctx, span := tracing.StartSpan(ctx, "xva.run")
	defer span.End()
	defer func() { tracing.SetError(ctx, err) }()
	start := time.Now()
	simConf := e.conf.Simulation
	tracing.AddTag(ctx, "trades", len(e.trades))
	tracing.AddTag(ctx, "samples", simConf.Samples)

	key := e.cacheKey()
	if e.cache != nil {
		var cached Report
		ok, cerr := e.cache.Get(ctx, key, &cached)
		if cerr != nil {
			logging.Warn(ctx, "xva report cache read failed", "key", key, "error", cerr)
		} else if ok {
			logging.Debug(ctx, "xva report served from cache", "key", key)
			return &cached, nil
		}
	}

	pool := e.pool
	if pool == nil {
		pool = worker.NewPool(
			worker.WithName("xva"),
			worker.WithSize(e.conf.Worker.Size),
			worker.WithQueueSize(e.conf.Worker.QueueSize),
			worker.WithContext(ctx),
		)
		defer pool.Stop()
	}

	sizes := splitSamples(simConf.Samples, simConf.Batches)
	results := make([]*batchResult, len(sizes))
	pending := make([]func() (*batchResult, error), len(sizes))
	for i, size := range sizes {
		future, serr := worker.Go(ctx, pool, func(ctx context.Context) (*batchResult, error) {
			return e.runBatch(ctx, i, size)
		})
		if serr != nil {
			return nil, xerrors.Wrap(serr, xerrors.ErrUnavailable, "submit xva batch")
		}
		pending[i] = func() (*batchResult, error) { return future.Get(ctx) }
	}
	for i, get := range pending {
		res, berr := get()
		e.metrics.batch(berr)
		if berr != nil {
			return nil, xerrors.Wrap(berr, xerrors.ErrInternal, fmt.Sprintf("xva batch %d", i))
		}
		results[i] = res
	}

	ccy := instrument.CanonicalCurrency(e.conf.Model.Currency)
	report = merge(ccy, simConf.Times, results)
	report.TraceContext = tracing.InjectContext(ctx)
	e.metrics.observe(start)
	tracing.AddTag(ctx, "cva", report.CVA)
	logging.Info(ctx, "xva run finished", "trades", len(e.trades), "samples", report.Samples,
		"batches", len(sizes), "cva", report.CVA, "duration", time.Since(start))

	if e.cache != nil {
		if cerr := e.cache.Set(ctx, key, report); cerr != nil {
			logging.Warn(ctx, "xva report cache write failed", "key", key, "error", cerr)
		}
	}
	return report, nil
}

// amcOptions 每个批次使用不同的种子.
func (e *Engine) amcOptions(batch int) amc.Options {
	s := e.conf.Simulation
	opts := amc.DefaultOptions()
	opts.RegressionOrder = s.RegressionOrder
	opts.IndicatorEps = s.IndicatorEps
	opts.Seed = s.Seed + uint64(batch)
	opts.Antithetic = s.Antithetic
	opts.Metrics = e.reg
	return opts
}

// portfolio 组合层面的节点, 位于单独的红块中.
type portfolio struct {
	exposures []int
	deflated  []int
	cva       int
}

// buildPortfolio 把各交易在同一时间的目标条件期望相加. 目标为 Nan 的交易用其分量重新回归.
// weights 为各模拟时间的 CVA 权重节点.
func buildPortfolio(model amc.Model, engines []amc.Engine, weights []int) (*portfolio, error) {
	g := model.Graph()
	times := model.SimulationTimes()
	p := &portfolio{exposures: make([]int, len(times)), deflated: make([]int, len(times))}

	if _, err := g.StartRedBlock(); err != nil {
		return nil, err
	}
	err := compgraph.Guard(func() error {
		zero := compgraph.Const(g, 0)
		p.cva = zero
		for k, t := range times {
			sum := zero
			for _, eng := range engines {
				xs := eng.Exposures()
				if len(xs) == 0 {
					continue
				}
				if len(xs) != len(times) {
					return xerrors.Newf(xerrors.ErrDimMismatch, "trade %s has %d exposures for %d simulation times",
						eng.Trade().TradeID(), len(xs), len(times))
				}
				node := xs[k].TargetConditionalExpectation
				if node == compgraph.Nan {
					comps := zero
					for _, c := range xs[k].ComponentPathValues {
						comps = compgraph.Add(g, comps, c)
					}
					npv, err := model.Npv(comps, t, compgraph.Nan, nil)
					if err != nil {
						return err
					}
					num, err := model.Numeraire(t)
					if err != nil {
						return err
					}
					node = compgraph.Mult(g, npv, num)
				}
				sum = compgraph.Add(g, sum, node)
			}
			num, err := model.Numeraire(t)
			if err != nil {
				return err
			}
			p.exposures[k] = sum
			p.deflated[k] = compgraph.Div(g, sum, num)
			positive := compgraph.Max(g, p.deflated[k], zero)
			p.cva = compgraph.Add(g, p.cva, compgraph.Mult(g, weights[k], positive))
		}
		return nil
	})
	if endErr := g.EndRedBlock(); err == nil {
		err = endErr
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func mean(v randomvar.RandomVariable) float64 {
	if !v.Initialised() {
		return 0
	}
	return randomvar.Expectation(v).At(0)
}

// runBatch 在一个独立的图上计算 size 条路径.
func (e *Engine) runBatch(ctx context.Context, index, size int) (*batchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "xva.batch")
	defer span.End()
	tracing.AddTag(ctx, "batch", index)
	tracing.AddTag(ctx, "size", size)
	start := time.Now()

	model, err := e.factory(size)
	if err != nil {
		return nil, err
	}
	opts := e.amcOptions(index)
	engines := make([]amc.Engine, 0, len(e.trades))
	for _, t := range e.trades {
		// 语法树不是并发安全的, 各批次自行解析脚本
		eng, err := amc.AddTrade(model, t, opts, nil)
		if err != nil {
			return nil, err
		}
		if err := eng.BuildComputationGraph(ctx); err != nil {
			return nil, err
		}
		engines = append(engines, eng)
	}
	times := model.SimulationTimes()
	g := model.Graph()
	credit := e.conf.Credit
	weights := make([]int, len(times))
	var variates, weightValues []randomvar.RandomVariable
	if credit.Volatility > 0 {
		variates, weightValues, err = wrongWayVariates(credit, times, amc.VariateCount(model), size, opts.Seed, opts.Antithetic)
		if err != nil {
			return nil, err
		}
		for k := range times {
			weights[k] = g.Insert(fmt.Sprintf("cva_weight_%d", k))
		}
	} else {
		variates = sim.NewGaussianGenerator(opts.Seed, opts.Antithetic).NextVariates(amc.VariateCount(model), size)
		for k, w := range cvaWeights(credit, times) {
			weights[k] = compgraph.Const(g, w)
		}
	}
	p, err := buildPortfolio(model, engines, weights)
	if err != nil {
		return nil, err
	}

	values := make([]randomvar.RandomVariable, g.Size())
	if err := amc.Bind(model, values, variates); err != nil {
		return nil, err
	}
	for k, w := range weightValues {
		values[weights[k]] = w
	}
	keep := make([]bool, g.Size())
	keep[p.cva] = true
	for k := range times {
		keep[p.exposures[k]] = true
		keep[p.deflated[k]] = true
	}
	for _, eng := range engines {
		keep[eng.NPVNode()] = true
	}
	fwd := compgraph.ForwardOptions[randomvar.RandomVariable]{KeepNodes: keep}
	sensitivities := e.conf.Simulation.Sensitivities
	if !sensitivities {
		fwd.Deleter = compgraph.RandomVariableDeleter
	}
	ops := compgraph.RandomVariableOps(size, opts.RegressionOrder, opts.IndicatorEps)
	if err := compgraph.ForwardEvaluation(g, values, ops, fwd); err != nil {
		return nil, err
	}

	res := &batchResult{
		index:         index,
		size:          size,
		epe:           make([]float64, len(times)),
		ene:           make([]float64, len(times)),
		discountedEPE: make([]float64, len(times)),
		cva:           mean(values[p.cva]),
		npv:           make(map[string]float64, len(engines)),
	}
	zero := randomvar.New(size, 0)
	for k := range times {
		v := values[p.exposures[k]]
		res.epe[k] = mean(randomvar.Max(v, zero))
		res.ene[k] = mean(randomvar.Max(randomvar.Neg(v), zero))
		res.discountedEPE[k] = mean(randomvar.Max(values[p.deflated[k]], zero))
	}
	for _, eng := range engines {
		res.npv[eng.Trade().TradeID()] = mean(values[eng.NPVNode()])
	}

	if sensitivities {
		if res.sensitivities, err = cvaSensitivities(model, values, p.cva, size, opts.IndicatorEps); err != nil {
			return nil, err
		}
	}
	logging.Debug(ctx, "xva batch finished", "batch", index, "size", size, "nodes", g.Size(),
		"cva", res.cva, "duration", time.Since(start))
	return res, nil
}

// cvaSensitivities 从 CVA 节点反向传播, 返回 CVA 对各模型参数的导数. 条件期望的回归系数视为常数.
func cvaSensitivities(model amc.Model, values []randomvar.RandomVariable, cva, size int, eps float64) (map[string]float64, error) {
	g := model.Graph()
	derivatives := make([]randomvar.RandomVariable, g.Size())
	derivatives[cva] = randomvar.New(size, 1)
	err := compgraph.BackwardDerivatives(g, values, derivatives,
		compgraph.RandomVariableGrads(size, eps), compgraph.RandomVariableAdjoint(),
		compgraph.BackwardOptions[randomvar.RandomVariable]{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(model.ModelParameters()))
	for _, mp := range model.ModelParameters() {
		out[mp.Name] = mean(derivatives[mp.Node])
	}
	return out, nil
}
