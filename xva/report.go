package xva

import (
	"math"

	"github.com/wyfcoding/quantcore/config"
)

// Report 组合层面的敞口与 CVA.
type Report struct {
	Currency string    `json:"currency"`
	Samples  int       `json:"samples"`
	Times    []float64 `json:"times"`
	// EPE/ENE 为各模拟时间的期望正/负敞口, 以当时的货币计.
	EPE []float64 `json:"epe"`
	ENE []float64 `json:"ene"`
	// DiscountedEPE 以计价单位折现到参考时间的 EPE.
	DiscountedEPE []float64 `json:"discounted_epe"`
	CVA           float64   `json:"cva"`
	// Sensitivities CVA 对各模型参数的导数, 仅在开启时计算.
	Sensitivities map[string]float64 `json:"sensitivities,omitempty"`
	// Trades 各交易的 NPV.
	Trades map[string]float64 `json:"trades"`
	// TraceContext 本次计算的链路上下文.
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// DefaultProbability 常数违约强度下 [0, t] 内的违约概率.
func DefaultProbability(hazardRate, t float64) float64 {
	if t <= 0 {
		return 0
	}
	return 1 - math.Exp(-hazardRate*t)
}

// cvaWeights 返回每个时间点上的 (1-R)·(PD(t_i)-PD(t_{i-1})).
func cvaWeights(credit config.CreditConfig, times []float64) []float64 {
	w := make([]float64, len(times))
	prev := 0.0
	for i, t := range times {
		pd := DefaultProbability(credit.HazardRate, t)
		w[i] = (1 - credit.Recovery) * (pd - prev)
		prev = pd
	}
	return w
}

// batchResult 一个路径批次的结果, 合并时以路径数加权.
type batchResult struct {
	index         int
	size          int
	epe           []float64
	ene           []float64
	discountedEPE []float64
	cva           float64
	sensitivities map[string]float64
	npv           map[string]float64
}

// merge 按路径数加权平均各批次.
func merge(ccy string, times []float64, batches []*batchResult) *Report {
	r := &Report{
		Currency:      ccy,
		Times:         append([]float64(nil), times...),
		EPE:           make([]float64, len(times)),
		ENE:           make([]float64, len(times)),
		DiscountedEPE: make([]float64, len(times)),
		Trades:        make(map[string]float64),
	}
	for _, b := range batches {
		r.Samples += b.size
	}
	if r.Samples == 0 {
		return r
	}
	for _, b := range batches {
		w := float64(b.size) / float64(r.Samples)
		for i := range times {
			r.EPE[i] += w * b.epe[i]
			r.ENE[i] += w * b.ene[i]
			r.DiscountedEPE[i] += w * b.discountedEPE[i]
		}
		r.CVA += w * b.cva
		for id, v := range b.npv {
			r.Trades[id] += w * v
		}
		if b.sensitivities != nil {
			if r.Sensitivities == nil {
				r.Sensitivities = make(map[string]float64, len(b.sensitivities))
			}
			for name, v := range b.sensitivities {
				r.Sensitivities[name] += w * v
			}
		}
	}
	return r
}

// splitSamples 把 samples 条路径分成 batches 批, 余数归入前面的批次.
func splitSamples(samples, batches int) []int {
	if batches <= 0 {
		batches = 1
	}
	if batches > samples {
		batches = samples
	}
	sizes := make([]int, batches)
	for i := range sizes {
		sizes[i] = samples / batches
		if i < samples%batches {
			sizes[i]++
		}
	}
	return sizes
}
