package amc

import (
	"context"
	"time"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/scripting"
	"github.com/wyfcoding/quantcore/tracing"
	"github.com/wyfcoding/quantcore/xerrors"
)

// CurrencyVariable 脚本中保存交易货币的字符串变量.
const CurrencyVariable = "Currency"

// ScriptedEngine 脚本交易引擎. 脚本在模型的图上展开, 交易价值为 NPV 变量在参考时间的期望.
// 脚本交易不产生敞口.
type ScriptedEngine struct {
	model   Model
	trade   *instrument.ScriptedTrade
	opts    Options
	library *scripting.Library
	metrics *engineMetrics

	tree         *scripting.Node
	ctx          *scripting.Context
	builtVersion int
	redBlock     int
	npvNode      int
	requirements []int
	injected     *sim.Paths
}

// NewScriptedEngine 创建脚本引擎. library 为 nil 时每个引擎独立解析脚本.
func NewScriptedEngine(model Model, trade *instrument.ScriptedTrade, opts Options, library *scripting.Library) *ScriptedEngine {
	return &ScriptedEngine{
		model:   model,
		trade:   trade,
		opts:    opts,
		library: library,
		metrics: engineMetricsFor(opts.Metrics),
		npvNode: compgraph.Nan,
	}
}

func (e *ScriptedEngine) Trade() instrument.Trade      { return e.trade }
func (e *ScriptedEngine) NPVNode() int                 { return e.npvNode }
func (e *ScriptedEngine) Exposures() []TradeExposure   { return nil }
func (e *ScriptedEngine) RedBlock() int                { return e.redBlock }
func (e *ScriptedEngine) InjectPaths(paths *sim.Paths) { e.injected = paths }

// Context 返回脚本上下文, 构建之前为 nil.
func (e *ScriptedEngine) Context() *scripting.Context { return e.ctx }

func (e *ScriptedEngine) lower(ctx context.Context) error {
	if err := instrument.Validate(e.trade); err != nil {
		return err
	}
	var err error
	if e.library != nil {
		e.tree, err = e.library.Parse(ctx, e.trade.ID, e.trade.Script)
	} else {
		e.tree, err = scripting.Parse(e.trade.Script)
	}
	if err != nil {
		return err
	}

	sc := scripting.NewContext()
	for name, v := range e.trade.Numbers {
		sc.SetScalar(name, v)
	}
	for name, v := range e.trade.Arrays {
		sc.SetArray(name, v)
	}
	sc.SetString(CurrencyVariable, instrument.CanonicalCurrency(e.trade.Currency))
	e.ctx = sc
	return nil
}

// BuildComputationGraph 在一个红块中展开脚本.
func (e *ScriptedEngine) BuildComputationGraph(ctx context.Context) error {
	if err := e.lower(ctx); err != nil {
		return err
	}
	return e.build(ctx)
}

func (e *ScriptedEngine) build(ctx context.Context) error {
	start := time.Now()
	g := e.model.Graph()
	block, err := g.StartRedBlock()
	if err != nil {
		return err
	}
	b := scripting.NewBuilder(e.model, e.ctx, e.trade.Indices...)
	err = b.Run(e.tree)
	var npv int
	if err == nil {
		var v int
		if v, err = b.Value(e.trade.NPVVariable); err == nil {
			npv, err = e.model.Npv(v, e.model.ReferenceTime(), compgraph.Nan, nil)
		}
	}
	if endErr := g.EndRedBlock(); err == nil {
		err = endErr
	}
	if err != nil {
		return xerrors.Wrap(err, xerrors.ErrInternal, "build computation graph for scripted trade "+e.trade.ID)
	}
	e.npvNode = npv
	e.requirements = b.Requirements()
	e.redBlock = block
	e.builtVersion = e.model.Version()
	e.metrics.observe("scripted", "build", start)
	e.metrics.nodes("scripted", g.Size())
	logging.Debug(ctx, "scripted trade built", "trade", e.trade.ID, "nodes", g.Size(), "requirements", len(e.requirements))
	return nil
}

// Calculate 计算脚本交易的 NPV. 任一路径上 REQUIRE 条件为 0 时返回 ErrRequirementFailed.
func (e *ScriptedEngine) Calculate(ctx context.Context) (res *Results, err error) {
	ctx, span := tracing.StartSpan(ctx, "amc.calculate")
	defer span.End()
	tracing.AddTag(ctx, "engine", "scripted")
	tracing.AddTag(ctx, "trade", e.trade.ID)
	defer func() { tracing.SetError(ctx, err) }()

	if err := e.lower(ctx); err != nil {
		return nil, err
	}
	if e.npvNode == compgraph.Nan || e.builtVersion != e.model.Version() {
		if err := e.build(ctx); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	var variates []randomvar.RandomVariable
	if e.injected != nil {
		if variates, err = e.model.PathVariates(e.injected); err != nil {
			return nil, err
		}
	} else {
		variates = sim.NewGaussianGenerator(e.opts.Seed, e.opts.Antithetic).NextVariates(VariateCount(e.model), e.model.Size())
	}
	values, err := evaluate(e.model, variates, e.opts, append([]int{e.npvNode}, e.requirements...))
	if err != nil {
		return nil, err
	}
	for _, id := range e.requirements {
		v := values[id]
		for i := 0; i < v.Size(); i++ {
			if v.At(i) == 0 {
				return nil, xerrors.Newf(xerrors.ErrRequirementFailed, "trade %s: requirement %s fails on path %d", e.trade.ID, e.model.Graph().Label(id), i)
			}
		}
	}
	e.metrics.observe("scripted", "calculate", start)
	e.metrics.calculated("scripted")

	npv := mean(values[e.npvNode])
	res = &Results{
		NPV:           npv,
		UnderlyingNPV: npv,
		AdditionalResults: map[string]any{
			"currency":  []string{instrument.CanonicalCurrency(e.trade.Currency)},
			"cgVersion": e.builtVersion,
		},
	}
	if e.opts.Cache != nil {
		s := &Snapshot{TradeID: e.trade.ID, GraphVersion: e.builtVersion, Currency: e.model.Currency(), NPV: npv, UnderlyingNPV: npv}
		if err := e.opts.Cache.PutSnapshot(ctx, s); err != nil {
			logging.Warn(ctx, "failed to cache amc snapshot", "trade", s.TradeID, "error", err)
		}
	}
	return res, nil
}
