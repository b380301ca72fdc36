package xva

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wyfcoding/quantcore/cache"
	"github.com/wyfcoding/quantcore/config"
	"github.com/wyfcoding/quantcore/instrument"
	"github.com/wyfcoding/quantcore/metrics"
	"github.com/wyfcoding/quantcore/worker"
	"github.com/wyfcoding/quantcore/xerrors"
)

const notional = 1000000

func testConfig() *config.Config {
	conf := config.Default()
	conf.Simulation.Samples = 2000
	conf.Simulation.Batches = 2
	conf.Simulation.RegressionOrder = 2
	conf.Model = config.ModelConfig{Currency: "EUR", Alpha: 0.01, Kappa: 0.02, FlatRate: 0.02}
	conf.Credit = config.CreditConfig{HazardRate: 0.02, Recovery: 0.4}
	conf.Worker.Size = 2
	return conf
}

func swap(id string, receiver bool) *instrument.Swap {
	var fixed, floating instrument.Leg
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
	payer := []float64{1, -1}
	if !receiver {
		payer = []float64{-1, 1}
	}
	return &instrument.Swap{
		ID:         id,
		Legs:       []instrument.Leg{fixed, floating},
		Currencies: []string{"EUR", "EUR"},
		Payer:      payer,
	}
}

// analyticSwap 收固定 2%, 付浮动.
func analyticSwap(rate float64) float64 {
	var npv float64
	for i := 1; i < 6; i++ {
		npv += notional * 0.02 * math.Exp(-rate*float64(i+1))
	}
	return npv - notional*(math.Exp(-rate)-math.Exp(-rate*6))
}

func run(t *testing.T, conf *config.Config, trades ...instrument.Trade) *Report {
	t.Helper()
	e, err := NewEngine(LgmModelFactory(conf), trades, conf)
	require.NoError(t, err)
	r, err := e.Run(context.Background())
	require.NoError(t, err)
	return r
}

func TestSplitSamples(t *testing.T) {
	assert.Equal(t, []int{4, 3, 3}, splitSamples(10, 3))
	assert.Equal(t, []int{1, 1}, splitSamples(2, 5))
	assert.Equal(t, []int{7}, splitSamples(7, 0))
}

func TestCvaWeightsTelescope(t *testing.T) {
	credit := config.CreditConfig{HazardRate: 0.03, Recovery: 0.25}
	w := cvaWeights(credit, []float64{0.5, 1, 3})
	var sum float64
	for _, x := range w {
		assert.Positive(t, x)
		sum += x
	}
	assert.InDelta(t, 0.75*DefaultProbability(0.03, 3), sum, 1e-14)
	assert.Zero(t, DefaultProbability(0.03, 0))
}

func TestMergeWeightsBySize(t *testing.T) {
	times := []float64{1}
	r := merge("EUR", times, []*batchResult{
		{size: 3, epe: []float64{1}, ene: []float64{0}, discountedEPE: []float64{1}, cva: 3, npv: map[string]float64{"A": 1}},
		{size: 1, epe: []float64{5}, ene: []float64{4}, discountedEPE: []float64{5}, cva: 7, npv: map[string]float64{"A": 5},
			sensitivities: map[string]float64{"p": 8}},
	})
	assert.Equal(t, 4, r.Samples)
	assert.InDelta(t, 2, r.EPE[0], 1e-12)
	assert.InDelta(t, 1, r.ENE[0], 1e-12)
	assert.InDelta(t, 4, r.CVA, 1e-12)
	assert.InDelta(t, 2, r.Trades["A"], 1e-12)
	assert.InDelta(t, 2, r.Sensitivities["p"], 1e-12)
}

func TestSwapPortfolio(t *testing.T) {
	conf := testConfig()
	r := run(t, conf, swap("RECEIVER", true))

	assert.Equal(t, "EUR", r.Currency)
	assert.Equal(t, 2000, r.Samples)
	require.Len(t, r.EPE, 5)
	assert.InDelta(t, analyticSwap(0.02), r.Trades["RECEIVER"], 1500)

	weights := cvaWeights(conf.Credit, r.Times)
	var cva float64
	for i := range r.Times {
		assert.GreaterOrEqual(t, r.EPE[i], 0.0)
		assert.GreaterOrEqual(t, r.ENE[i], 0.0)
		cva += weights[i] * r.DiscountedEPE[i]
	}
	assert.Positive(t, r.CVA)
	assert.InEpsilon(t, cva, r.CVA, 1e-9)
	// 最后一期只剩一笔现金流, 敞口小于中间时刻
	assert.Less(t, r.EPE[4], r.EPE[2])
}

func TestPayerExposureMirrorsReceiver(t *testing.T) {
	conf := testConfig()
	receiver := run(t, conf, swap("S", true))
	payer := run(t, conf, swap("S", false))

	for i := range receiver.Times {
		assert.InDelta(t, receiver.ENE[i], payer.EPE[i], 1e-6)
		assert.InDelta(t, receiver.EPE[i], payer.ENE[i], 1e-6)
	}
	// 对冲组合没有敞口
	hedged := run(t, conf, swap("R", true), swap("P", false))
	for i := range hedged.Times {
		assert.InDelta(t, 0, hedged.EPE[i], 1e-6)
	}
	assert.InDelta(t, 0, hedged.CVA, 1e-6)
}

func TestMixedPortfolio(t *testing.T) {
	conf := testConfig()
	script := &instrument.ScriptedTrade{
		ID:          "SCRIPT",
		Script:      "NUMBER Value; Value = PAY(Amount, 1, 2, Currency)",
		Currency:    "EUR",
		NPVVariable: "Value",
		Numbers:     map[string]float64{"Amount": 100},
	}
	r := run(t, conf, swap("RECEIVER", true), script)

	assert.InDelta(t, 100*math.Exp(-0.04), r.Trades["SCRIPT"], 0.5)
	assert.Contains(t, r.Trades, "RECEIVER")
	assert.Positive(t, r.CVA)
}

func TestStochasticCredit(t *testing.T) {
	independent := testConfig()
	independent.Credit.Volatility = 0.3
	base := run(t, testConfig(), swap("RECEIVER", true))
	r := run(t, independent, swap("RECEIVER", true))
	assert.InEpsilon(t, base.CVA, r.CVA, 0.2)

	correlated := func(receiver bool, rho float64) *Report {
		conf := testConfig()
		conf.Credit.Volatility = 1
		conf.Credit.Correlation = rho
		return run(t, conf, swap("S", receiver))
	}
	recvUp, recvDown := correlated(true, 0.8), correlated(true, -0.8)
	payUp, payDown := correlated(false, 0.8), correlated(false, -0.8)

	// 利率路径不随相关系数变化, 差异全部来自信用因子
	assert.Equal(t, recvUp.EPE, recvDown.EPE)
	assert.NotEqual(t, recvUp.CVA, recvDown.CVA)
	// 收方与付方的错向风险方向相反
	assert.Negative(t, (recvUp.CVA-recvDown.CVA)*(payUp.CVA-payDown.CVA))
}

func TestWrongWayVariatesShape(t *testing.T) {
	credit := config.CreditConfig{HazardRate: 0.05, Recovery: 0.4, Volatility: 0.5, Correlation: 0.3}
	times := []float64{1, 2, 3}
	variates, weights, err := wrongWayVariates(credit, times, len(times), 400, 11, true)
	require.NoError(t, err)
	require.Len(t, variates, 3)
	require.Len(t, weights, 3)

	var total float64
	for _, w := range weights {
		for p := 0; p < w.Size(); p++ {
			assert.GreaterOrEqual(t, w.At(p), 0.0)
		}
		total += mean(w)
	}
	// 逐路径权重之和不超过 (1-R)
	assert.Less(t, total, 0.6)
	assert.InDelta(t, 0.6*DefaultProbability(0.05, 3), total, 0.03)

	_, _, err = wrongWayVariates(credit, times, 2, 400, 11, true)
	assert.ErrorIs(t, err, xerrors.ErrInvalidConfig)
}

func TestSensitivities(t *testing.T) {
	conf := testConfig()
	conf.Simulation.Sensitivities = true
	r := run(t, conf, swap("RECEIVER", true))

	require.NotEmpty(t, r.Sensitivities)
	var zeta int
	for name, v := range r.Sensitivities {
		assert.False(t, math.IsNaN(v), name)
		if strings.Contains(name, "_zeta_") {
			zeta++
		}
	}
	assert.Positive(t, zeta)

	plain := run(t, testConfig(), swap("RECEIVER", true))
	assert.Nil(t, plain.Sensitivities)
	assert.InEpsilon(t, plain.CVA, r.CVA, 1e-9)
}

func TestEngineErrors(t *testing.T) {
	conf := testConfig()
	_, err := NewEngine(LgmModelFactory(conf), []instrument.Trade{swap("A", true), swap("A", false)}, conf)
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)

	bad := testConfig()
	bad.Simulation.Samples = 0
	_, err = NewEngine(LgmModelFactory(bad), nil, bad)
	assert.ErrorIs(t, err, xerrors.ErrInvalidConfig)

	e, err := NewEngine(LgmModelFactory(conf), []instrument.Trade{fxForward{}}, conf)
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, xerrors.ErrUnsupportedTrade)
}

type fxForward struct{}

func (fxForward) TradeID() string   { return "FXF" }
func (fxForward) TradeType() string { return "FxForward" }

func TestReportCacheAndMetrics(t *testing.T) {
	conf := testConfig()
	c, err := cache.NewBigCache(time.Minute, 4)
	require.NoError(t, err)
	defer c.Close()
	m := metrics.NewMetrics("quantcore-test")
	pool := worker.NewPool(worker.WithSize(2))
	defer pool.Stop()

	e, err := NewEngine(LgmModelFactory(conf), []instrument.Trade{swap("RECEIVER", true)}, conf,
		WithReportCache(c), WithMetrics(m), WithPool(pool))
	require.NoError(t, err)

	first, err := e.Run(context.Background())
	require.NoError(t, err)
	second, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.InDelta(t, first.CVA, second.CVA, 1e-12)
	assert.Equal(t, first.EPE, second.EPE)
	assert.Equal(t, 1, c.Len())
	// 第二次直接命中缓存, 不再计算批次
	assert.Equal(t, 2.0, testutil.ToFloat64(runMetricsFor(m).batches.WithLabelValues("ok")))
}

func TestRunScenarios(t *testing.T) {
	low := testConfig()
	high := testConfig()
	high.Credit.HazardRate = 0.05
	trades := []instrument.Trade{swap("RECEIVER", true)}

	el, err := NewEngine(LgmModelFactory(low), trades, low)
	require.NoError(t, err)
	eh, err := NewEngine(LgmModelFactory(high), trades, high)
	require.NoError(t, err)

	reports, err := RunScenarios(context.Background(), map[string]*Engine{"low": el, "high": eh})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Greater(t, reports["high"].CVA, reports["low"].CVA)
	assert.Equal(t, reports["high"].EPE, reports["low"].EPE)

	_, err = RunScenarios(context.Background(), map[string]*Engine{"missing": nil})
	assert.ErrorIs(t, err, xerrors.ErrInvalidInput)
}
