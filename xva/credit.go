package xva

import (
	"math"

	linalg "github.com/wyfcoding/quantcore/algorithm/math"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/config"
	"github.com/wyfcoding/quantcore/xerrors"
)

// wrongWayVariates 生成利率与信用两个相关因子. 利率因子作为模型随机数, 信用因子驱动对数正态的违约强度
// λ(t) = λ0·exp(σW(t) - σ²t/2), 返回模型随机数与逐路径的 CVA 权重 (1-R)·(S(t_{k-1}) - S(t_k)).
func wrongWayVariates(credit config.CreditConfig, times []float64, nVariates, size int, seed uint64, antithetic bool) (
	[]randomvar.RandomVariable, []randomvar.RandomVariable, error,
) {
	if nVariates != len(times) {
		return nil, nil, xerrors.Newf(xerrors.ErrInvalidConfig,
			"stochastic credit needs one model variate per simulation time, got %d for %d times", nVariates, len(times))
	}
	corr := linalg.Identity(2)
	corr.Set(0, 1, credit.Correlation)
	corr.Set(1, 0, credit.Correlation)
	gen, err := sim.NewCorrelatedGenerator(sim.NewGaussianGenerator(seed, antithetic), corr)
	if err != nil {
		return nil, nil, err
	}
	raw, err := gen.Next(len(times), size)
	if err != nil {
		return nil, nil, err
	}

	sigma := credit.Volatility
	variates := make([]randomvar.RandomVariable, len(times))
	weights := make([]randomvar.RandomVariable, len(times))
	w := make([]float64, size)
	survival := make([]float64, size)
	for p := range survival {
		survival[p] = 1
	}
	prev := 0.0
	for k, t := range times {
		variates[k] = randomvar.FromSlice(raw[2*k])
		dt := t - prev
		sq := math.Sqrt(dt)
		wk := make([]float64, size)
		for p := range size {
			w[p] += sq * raw[2*k+1][p]
			lambda := credit.HazardRate * math.Exp(sigma*w[p]-0.5*sigma*sigma*t)
			s := survival[p] * math.Exp(-lambda*dt)
			wk[p] = (1 - credit.Recovery) * (survival[p] - s)
			survival[p] = s
		}
		weights[k] = randomvar.FromSlice(wk)
		prev = t
	}
	return variates, weights, nil
}
