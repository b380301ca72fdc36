package amc

import (
	"context"
	"fmt"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
)

// TradeExposure 一个模拟时间上的交易敞口节点.
// ComponentPathValues 为各组成部分以计价单位折算的路径值, TargetConditionalExpectation 为
// 未折算的条件期望敞口, 不存在时为 compgraph.Nan.
type TradeExposure struct {
	ComponentPathValues          []int
	TargetConditionalExpectation int
}

// Scale 把所有节点乘以 multiplier. multiplier 为 1 时常数折叠使节点编号不变.
func (e *TradeExposure) Scale(g *compgraph.Graph, multiplier float64) {
	c := compgraph.Const(g, multiplier)
	for i, id := range e.ComponentPathValues {
		e.ComponentPathValues[i] = compgraph.Mult(g, id, c)
	}
	if e.TargetConditionalExpectation != compgraph.Nan {
		e.TargetConditionalExpectation = compgraph.Mult(g, e.TargetConditionalExpectation, c)
	}
}

// Results 引擎计算结果.
type Results struct {
	NPV           float64
	UnderlyingNPV float64
	Exposures     []TradeExposure
	// ExpectedExposure 各模拟时间上目标条件期望的均值.
	ExpectedExposure  []float64
	AdditionalResults map[string]any
}

// Snapshot 可缓存的计算结果摘要.
type Snapshot struct {
	TradeID          string    `json:"trade_id"`
	GraphVersion     int       `json:"graph_version"`
	Currency         string    `json:"currency"`
	NPV              float64   `json:"npv"`
	UnderlyingNPV    float64   `json:"underlying_npv"`
	ExposureTimes    []float64 `json:"exposure_times"`
	ExpectedExposure []float64 `json:"expected_exposure"`
}

// SnapshotKey 按交易编号和图版本生成缓存键.
func SnapshotKey(tradeID string, graphVersion int) string {
	return fmt.Sprintf("amc:%s:v%d", tradeID, graphVersion)
}

// ResultCache 保存计算结果快照.
type ResultCache interface {
	PutSnapshot(ctx context.Context, s *Snapshot) error
	// GetSnapshot 未命中时返回 (nil, nil).
	GetSnapshot(ctx context.Context, tradeID string, graphVersion int) (*Snapshot, error)
}
