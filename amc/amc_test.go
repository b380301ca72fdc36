package amc

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/lgm"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/scripting"
	"github.com/wyfcoding/quantcore/xerrors"
)

const notional = 1000000

var simTimes = []float64{1, 2, 3, 4, 5}

func newModel(t *testing.T, alpha float64, size int) *LgmModel {
	t.Helper()
	p := &lgm.ConstantParametrization{Alpha: alpha, Kappa: 0.02, Ccy: "eur", YC: lgm.FlatCurve{Rate: 0.02}}
	m, err := NewLgmModel(p, simTimes, size)
	require.NoError(t, err)
	return m
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.RegressionOrder = 2
	opts.Antithetic = true
	return opts
}

func legs() (fixed, floating instrument.Leg) {
	for i := 1; i < 6; i++ {
		s, e := float64(i), float64(i+1)
		fixed = append(fixed, instrument.Fixed{
			Notional: decimal.NewFromInt(notional), Rate: decimal.RequireFromString("0.02"),
			AccrualStart: s, AccrualEnd: e, Pay: e,
		})
		floating = append(floating, instrument.Floating{
			Notional: decimal.NewFromInt(notional),
			Index:    instrument.IborIndex{Name: "EUR-IBOR-1Y", Tenor: 1, Currency: "EUR"},
			Fixing:   s, AccrualStart: s, AccrualEnd: e, Pay: e,
		})
	}
	return fixed, floating
}

func receiverSwap() *instrument.Swap {
	fixed, floating := legs()
	return &instrument.Swap{
		ID:         "SWAP",
		Legs:       []instrument.Leg{fixed, floating},
		Currencies: []string{"eur", "EUR"},
		Payer:      []float64{1, -1},
	}
}

func bermudan(settlement instrument.Settlement) *instrument.MultiLegOption {
	fixed, floating := legs()
	return &instrument.MultiLegOption{
		ID:                  "BERM",
		Legs:                []instrument.Leg{fixed, floating},
		Currencies:          []string{"EUR", "EUR"},
		Payer:               []bool{false, true},
		Exercise:            &instrument.Exercise{Times: []float64{1, 2, 3}},
		Settlement:          settlement,
		CashSettlementTimes: []float64{1.1, 2.1, 3.1},
	}
}

// analyticSwap 固定腿收 2%, 浮动腿按远期付出.
func analyticSwap(rate float64) float64 {
	var npv float64
	for i := 1; i < 6; i++ {
		npv += notional * 0.02 * math.Exp(-rate*float64(i+1))
	}
	return npv - notional*(math.Exp(-rate)-math.Exp(-rate*6))
}

type memoryCache struct {
	mu   sync.Mutex
	data map[string]*Snapshot
}

func (c *memoryCache) PutSnapshot(_ context.Context, s *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[SnapshotKey(s.TradeID, s.GraphVersion)] = s
	return nil
}

func (c *memoryCache) GetSnapshot(_ context.Context, tradeID string, version int) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[SnapshotKey(tradeID, version)], nil
}

type fxForward struct{}

func (fxForward) TradeID() string   { return "FXF" }
func (fxForward) TradeType() string { return "FxForward" }

func TestSwapLowering(t *testing.T) {
	m := newModel(t, 0.01, 100)
	swap := receiverSwap()
	swap.Payer = []float64{-1, 1}
	e := NewSwapEngine(m, swap, testOptions())
	require.NoError(t, e.BuildComputationGraph(context.Background()))

	assert.Equal(t, []bool{true, false}, e.Payer())
	assert.Equal(t, []string{"EUR", "EUR"}, e.Currencies())
	assert.Nil(t, e.Exercise())
	assert.Len(t, e.Exposures(), len(simTimes))
	assert.Equal(t, 1, len(m.Graph().RedBlocks()))
}

func TestTradeExposureScale(t *testing.T) {
	g := compgraph.New()
	a, b := g.Insert("a"), g.Insert("b")
	x := TradeExposure{ComponentPathValues: []int{a, b}, TargetConditionalExpectation: compgraph.Nan}

	x.Scale(g, 1)
	x.Scale(g, 1)
	assert.Equal(t, []int{a, b}, x.ComponentPathValues)
	assert.Equal(t, compgraph.Nan, x.TargetConditionalExpectation)

	x.TargetConditionalExpectation = a
	x.Scale(g, 2)
	assert.NotEqual(t, a, x.ComponentPathValues[0])
	assert.Equal(t, compgraph.OpMult, g.Op(x.TargetConditionalExpectation))
}

func TestSwapMatchesAnalyticValue(t *testing.T) {
	m := newModel(t, 0.005, 10000)
	e := NewSwapEngine(m, receiverSwap(), testOptions())

	res, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, analyticSwap(0.02), res.NPV, 25)
	assert.InDelta(t, res.NPV, res.UnderlyingNPV, 1e-9)
	require.Len(t, res.ExpectedExposure, len(simTimes))
	assert.Equal(t, false, res.AdditionalResults["payer"].([]bool)[0])
	assert.Equal(t, m.Version(), res.AdditionalResults["cgVersion"])
}

func TestAddTradeUnsupported(t *testing.T) {
	m := newModel(t, 0.01, 10)
	e, err := AddTrade(m, fxForward{}, testOptions(), nil)
	assert.Nil(t, e)
	require.ErrorIs(t, err, xerrors.ErrUnsupportedTrade)

	e, err = AddTrade(m, receiverSwap(), testOptions(), nil)
	require.NoError(t, err)
	assert.IsType(t, &SwapEngine{}, e)
}

func TestBermudanDominatesUnderlying(t *testing.T) {
	m := newModel(t, 0.01, 5000)
	e := NewMultiLegOptionEngine(m, bermudan(instrument.Physical), testOptions())

	res, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.Greater(t, res.NPV, 0.0)
	assert.GreaterOrEqual(t, res.NPV, res.UnderlyingNPV)
	assert.Equal(t, []float64{1, 2, 3}, res.AdditionalResults["exerciseTimes"])
	for _, ee := range res.ExpectedExposure {
		assert.GreaterOrEqual(t, ee, -1e-6*notional)
	}
}

func TestCashSettlementKeepsOptionValue(t *testing.T) {
	physical, err := NewMultiLegOptionEngine(newModel(t, 0.01, 2000), bermudan(instrument.Physical), testOptions()).Calculate(context.Background())
	require.NoError(t, err)
	cash, err := NewMultiLegOptionEngine(newModel(t, 0.01, 2000), bermudan(instrument.Cash), testOptions()).Calculate(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, physical.NPV, cash.NPV, 1e-6)
	// 现金交割在结算后不再有敞口
	assert.InDelta(t, 0, cash.ExpectedExposure[len(simTimes)-1], 1e-9)
}

func TestCalculateRebuildsAfterReset(t *testing.T) {
	m := newModel(t, 0.01, 1000)
	cache := &memoryCache{data: make(map[string]*Snapshot)}
	opts := testOptions()
	opts.Cache = cache
	e := NewSwapEngine(m, receiverSwap(), opts)

	first, err := e.Calculate(context.Background())
	require.NoError(t, err)
	again, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.NPV, again.NPV)

	s, err := cache.GetSnapshot(context.Background(), "SWAP", m.Version())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "EUR", s.Currency)
	assert.Equal(t, first.NPV, s.NPV)

	m.Reset()
	rebuilt, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, first.NPV, rebuilt.NPV, 1e-6)
	assert.Equal(t, m.Version(), rebuilt.AdditionalResults["cgVersion"])
}

// statePaths 由种子生成 LGM 状态路径.
func statePaths(m *LgmModel, seed uint64) *sim.Paths {
	size := m.Size()
	variates := sim.NewGaussianGenerator(seed, false).NextVariates(len(simTimes), size)
	p := m.Parametrization()
	values := make([][]randomvar.RandomVariable, len(simTimes))
	x := randomvar.New(size, 0)
	prev := 0.0
	for i, tm := range simTimes {
		x = randomvar.Add(x, randomvar.Mul(variates[i], randomvar.New(size, math.Sqrt(p.Zeta(tm)-prev))))
		prev = p.Zeta(tm)
		values[i] = []randomvar.RandomVariable{x}
	}
	return &sim.Paths{Times: append([]float64(nil), simTimes...), Values: values}
}

func TestInjectedPathsAreDeterministic(t *testing.T) {
	const size = 800
	paths := statePaths(newModel(t, 0.01, size), 99)

	calculate := func(trade instrument.Trade, inject bool) *Results {
		e, err := AddTrade(newModel(t, 0.01, size), trade, testOptions(), nil)
		require.NoError(t, err)
		if inject {
			e.InjectPaths(paths)
		}
		res, err := e.Calculate(context.Background())
		require.NoError(t, err)
		return res
	}

	for _, trade := range []instrument.Trade{receiverSwap(), bermudan(instrument.Physical)} {
		first := calculate(trade, true)
		second := calculate(trade, true)
		assert.Equal(t, first.NPV, second.NPV, trade.TradeID())
		assert.Equal(t, first.UnderlyingNPV, second.UnderlyingNPV, trade.TradeID())
		assert.Equal(t, first.ExpectedExposure, second.ExpectedExposure, trade.TradeID())

		generated := calculate(trade, false)
		assert.NotEqual(t, first.NPV, generated.NPV, trade.TradeID())
	}
}

func TestModelParametersFollowParametrization(t *testing.T) {
	m := newModel(t, 0.005, 2000)
	e := NewSwapEngine(m, receiverSwap(), testOptions())
	base, err := e.Calculate(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.SetParametrization(&lgm.ConstantParametrization{Alpha: 0.005, Kappa: 0.02, Ccy: "EUR", YC: lgm.FlatCurve{Rate: 0.03}}))
	version := m.Version()
	shifted, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, version, m.Version())
	assert.InDelta(t, analyticSwap(0.03), shifted.NPV, 25)
	assert.NotEqual(t, base.NPV, shifted.NPV)

	err = m.SetParametrization(&lgm.ConstantParametrization{Ccy: "USD", YC: lgm.FlatCurve{}})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestSimulatePathReproducesExposure(t *testing.T) {
	const size = 500
	m := newModel(t, 0.01, size)
	opts := testOptions()
	e := NewSwapEngine(m, receiverSwap(), opts)
	res, err := e.Calculate(context.Background())
	require.NoError(t, err)

	variates := sim.NewGaussianGenerator(opts.Seed, opts.Antithetic).NextVariates(len(simTimes), size)
	p := m.Parametrization()
	paths := make([][]randomvar.RandomVariable, len(simTimes))
	x := randomvar.New(size, 0)
	prev := 0.0
	for i, tm := range simTimes {
		x = randomvar.Add(x, randomvar.Mul(variates[i], randomvar.New(size, math.Sqrt(p.Zeta(tm)-prev))))
		prev = p.Zeta(tm)
		paths[i] = []randomvar.RandomVariable{x}
	}

	calc, ok := res.AdditionalResults["amcCalculator"].(*AmcCalculator)
	require.True(t, ok)
	exposures, err := calc.SimulatePath(context.Background(), simTimes, paths)
	require.NoError(t, err)
	require.Len(t, exposures, len(simTimes))
	for i, v := range exposures {
		expected := res.ExpectedExposure[i]
		assert.InDelta(t, expected, randomvar.Expectation(v).At(0), 1e-6*math.Max(1, math.Abs(expected)))
	}

	_, err = calc.SimulatePath(context.Background(), simTimes[:2], paths[:2])
	assert.Error(t, err)
	m.Reset()
	_, err = calc.SimulatePath(context.Background(), simTimes, paths)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}

func TestScriptedEngine(t *testing.T) {
	m := newModel(t, 0.01, 4000)
	trade := &instrument.ScriptedTrade{
		ID:          "SCRIPT",
		Script:      "NUMBER Value; Value = PAY(Amount, 1, 2, Currency)",
		Currency:    "EUR",
		NPVVariable: "Value",
		Numbers:     map[string]float64{"Amount": 100},
	}
	library := scripting.NewLibrary()
	e, err := AddTrade(m, trade, testOptions(), library)
	require.NoError(t, err)

	res, err := e.Calculate(context.Background())
	require.NoError(t, err)
	assert.InEpsilon(t, 100*math.Exp(-0.04), res.NPV, 1e-3)
	assert.Nil(t, e.Exposures())
	assert.Equal(t, 1, library.Len())

	trade.Script = "NUMBER Rate; Rate = FIXING(\"EUR-IBOR-1Y\", 2); REQUIRE Rate > 1; Value = Rate"
	trade.Indices = []instrument.IborIndex{{Name: "EUR-IBOR-1Y", Tenor: 1, Currency: "EUR"}}
	m.Reset()
	_, err = e.Calculate(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrRequirementFailed)
}
