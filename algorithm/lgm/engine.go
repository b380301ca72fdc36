package lgm

import (
	"context"
	"sort"

	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/config"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/xerrors"
)

// Result 数值引擎的定价结果.
type Result struct {
	NPV               float64
	UnderlyingNPV     float64
	AdditionalResults map[string]any
}

// MultiLegOptionEngine 在卷积网格上对多腿 (百慕大) 期权做逆向归纳.
type MultiLegOptionEngine struct {
	solver *ConvolutionSolver
	lgm    Vectorised
}

// NewMultiLegOptionEngine 创建数值引擎, 网格参数见 NewConvolutionSolver.
func NewMultiLegOptionEngine(p Parametrization, sy float64, ny int, sx float64, nx int) (*MultiLegOptionEngine, error) {
	s, err := NewConvolutionSolver(p, sy, ny, sx, nx)
	if err != nil {
		return nil, err
	}
	return &MultiLegOptionEngine{solver: s, lgm: NewVectorised(p)}, nil
}

// NewMultiLegOptionEngineFromGrid 按配置中的网格参数创建数值引擎.
func NewMultiLegOptionEngineFromGrid(p Parametrization, grid config.GridConfig) (*MultiLegOptionEngine, error) {
	return NewMultiLegOptionEngine(p, grid.Sy, grid.Ny, grid.Sx, grid.Nx)
}

type cfKey struct{ leg, idx int }

// cashflowPV 返回现金流在 t 时刻状态 x 下经计价单位折算后的价值.
func (e *MultiLegOptionEngine) cashflowPV(t float64, x randomvar.RandomVariable, c instrument.Cashflow) (randomvar.RandomVariable, error) {
	rdb, err := e.lgm.ReducedDiscountBond(t, c.PayTime(), x)
	if err != nil {
		return randomvar.RandomVariable{}, err
	}
	n := x.Size()
	switch cf := c.(type) {
	case instrument.Fixed:
		return randomvar.Mul(randomvar.New(n, instrument.Float(cf.Amount())), rdb), nil
	case instrument.Floating:
		fixing, err := e.lgm.Fixing(cf.Index, cf.Fixing, t, x)
		if err != nil {
			return randomvar.RandomVariable{}, err
		}
		rate := randomvar.Add(randomvar.Mul(randomvar.New(n, instrument.Float(cf.GearingOrOne())), fixing), randomvar.New(n, instrument.Float(cf.Spread)))
		scale := randomvar.New(n, cf.AccrualPeriod()*instrument.Float(cf.Notional))
		return randomvar.Mul(randomvar.Mul(rate, scale), rdb), nil
	case instrument.Simple:
		return randomvar.Mul(randomvar.New(n, instrument.Float(cf.Amount)), rdb), nil
	}
	return randomvar.RandomVariable{}, xerrors.Newf(xerrors.ErrNotImplemented, "cashflow type %T is not supported", c)
}

func (e *MultiLegOptionEngine) rebatePV(t float64, x randomvar.RandomVariable, ex *instrument.Exercise, exerciseTime float64) (randomvar.RandomVariable, error) {
	zero := randomvar.New(x.Size(), 0)
	if ex == nil {
		return zero, nil
	}
	for i, et := range ex.Times {
		if et != exerciseTime {
			continue
		}
		amount, pay, ok := ex.Rebate(i)
		if !ok {
			return zero, nil
		}
		rdb, err := e.lgm.ReducedDiscountBond(t, pay, x)
		if err != nil {
			return randomvar.RandomVariable{}, err
		}
		return randomvar.Mul(randomvar.New(x.Size(), amount), rdb), nil
	}
	return zero, nil
}

func (e *MultiLegOptionEngine) checkCurrencies(o *instrument.MultiLegOption) error {
	ccy := instrument.CanonicalCurrency(o.Currencies[0])
	for _, c := range o.Currencies[1:] {
		if instrument.CanonicalCurrency(c) != ccy {
			return xerrors.Newf(xerrors.ErrInvalidInput, "can only handle single currency underlyings, got %s and %s", ccy, c)
		}
	}
	for _, leg := range o.Legs {
		for _, c := range leg {
			if f, ok := c.(instrument.Floating); ok && instrument.CanonicalCurrency(f.Index.Currency) != ccy {
				return xerrors.Newf(xerrors.ErrInvalidInput, "index %s must have the pay currency %s", f.Index.Name, ccy)
			}
		}
	}
	return nil
}

// Calculate 定价多腿期权.
//
// 每个现金流归属于它所在的最晚行权日 (行权日 <= 计息开始), 在 max(0, 该行权日) 上估计金额后与期权价值一起回滚.
// 在行权日, 归属的现金流并入行权价值, 期权价值取 max(继续持有, 行权价值 + 返还).
func (e *MultiLegOptionEngine) Calculate(ctx context.Context, o *instrument.MultiLegOption) (*Result, error) {
	if err := instrument.Validate(o); err != nil {
		return nil, err
	}
	if err := e.checkCurrencies(o); err != nil {
		return nil, err
	}
	defer logging.LogDuration(ctx, "lgm multi leg option engine", "trade", o.ID)()

	const today = 0.0
	optionDates := make(map[float64][]cfKey)
	cashflowDates := make(map[float64][]cfKey)

	var exerciseTimes []float64
	if o.Exercise != nil {
		exerciseTimes = o.Exercise.Times
	}
	for i, leg := range o.Legs {
		for j, c := range leg {
			key := cfKey{i, j}
			latestOption := -1.0
			for k := len(exerciseTimes) - 1; k >= 0; k-- {
				et := exerciseTimes[k]
				if et > today && instrument.RelevantForExercise(today, et, c) {
					optionDates[et] = append(optionDates[et], key)
					latestOption = et
					break
				}
			}
			if c.PayTime() <= today {
				continue
			}
			d := today
			if latestOption > d {
				d = latestOption
			}
			cashflowDates[d] = append(cashflowDates[d], key)
		}
	}

	simTimes := []float64{today}
	for t := range optionDates {
		simTimes = append(simTimes, t)
	}
	for t := range cashflowDates {
		if _, ok := optionDates[t]; !ok && t != today {
			simTimes = append(simTimes, t)
		}
	}
	sort.Float64s(simTimes)

	size := e.solver.GridSize()
	optionNpv := randomvar.New(size, 0)
	underlyingNpv1 := randomvar.New(size, 0)
	underlyingNpv2 := make(map[cfKey]randomvar.RandomVariable)

	for i := len(simTimes) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tFrom := simTimes[i]
		tTo := tFrom
		if i > 0 {
			tTo = simTimes[i-1]
		}
		state := e.solver.StateGrid(tFrom)

		for _, key := range cashflowDates[tFrom] {
			pv, err := e.cashflowPV(tFrom, state, o.Legs[key.leg][key.idx])
			if err != nil {
				return nil, err
			}
			sign := 1.0
			if o.Payer[key.leg] {
				sign = -1.0
			}
			pv = randomvar.Mul(pv, randomvar.New(size, sign))
			if prev, ok := underlyingNpv2[key]; ok {
				pv = randomvar.Add(prev, pv)
			}
			underlyingNpv2[key] = pv
		}

		if keys, ok := optionDates[tFrom]; ok {
			for _, key := range keys {
				if v, ok := underlyingNpv2[key]; ok {
					underlyingNpv1 = randomvar.Add(underlyingNpv1, v)
					delete(underlyingNpv2, key)
				}
			}
			rebate, err := e.rebatePV(tFrom, state, o.Exercise, tFrom)
			if err != nil {
				return nil, err
			}
			optionNpv = randomvar.Max(optionNpv, randomvar.Add(underlyingNpv1, rebate))
		}

		if tFrom != tTo {
			var err error
			if underlyingNpv1, err = e.solver.Rollback(underlyingNpv1, tFrom, tTo); err != nil {
				return nil, err
			}
			for key, v := range underlyingNpv2 {
				if underlyingNpv2[key], err = e.solver.Rollback(v, tFrom, tTo); err != nil {
					return nil, err
				}
			}
			if optionNpv, err = e.solver.Rollback(optionNpv, tFrom, tTo); err != nil {
				return nil, err
			}
		}
	}

	underlying := underlyingNpv1.At(0)
	for _, v := range underlyingNpv2 {
		underlying += v.At(0)
	}
	npv := optionNpv.At(0)
	if o.Exercise == nil {
		npv = underlying
	}
	logging.Debug(ctx, "lgm multi leg option priced", "trade", o.ID, "npv", npv, "underlying_npv", underlying, "simulation_dates", len(simTimes))
	return &Result{
		NPV:           npv,
		UnderlyingNPV: underlying,
		AdditionalResults: map[string]any{
			"underlyingNpv":   underlying,
			"simulationTimes": simTimes,
			"gridSize":        size,
		},
	}, nil
}
