package amc

import (
	"context"

	"github.com/wyfcoding/quantcore/algorithm/compgraph"
	"github.com/wyfcoding/quantcore/algorithm/randomvar"
	"github.com/wyfcoding/quantcore/algorithm/sim"
	"github.com/wyfcoding/quantcore/logging"
	"github.com/wyfcoding/quantcore/xerrors"
)

// AmcCalculator 在外部给定的状态路径上重新计算交易敞口.
// 它引用构建时的图版本, 模型重建后需要重新取得.
type AmcCalculator struct {
	engine  *baseEngine
	version int
}

func newAmcCalculator(e *baseEngine) *AmcCalculator {
	return &AmcCalculator{engine: e, version: e.builtVersion}
}

// Currency 交易各腿的货币.
func (c *AmcCalculator) Currency() []string { return c.engine.currencies }

// SimulatePath 以 pathTimes 上的状态路径代替随机数, 返回每个模拟时间的条件期望敞口.
// 回归系数在注入的路径上重新估计. 没有目标节点的时间返回未初始化的随机变量.
func (c *AmcCalculator) SimulatePath(ctx context.Context, pathTimes []float64, paths [][]randomvar.RandomVariable) ([]randomvar.RandomVariable, error) {
	m := c.engine.model
	if m.Version() != c.version {
		return nil, xerrors.Newf(xerrors.ErrInvalidInput, "calculator built for graph version %d, model is at version %d", c.version, m.Version())
	}
	variates, err := m.PathVariates(&sim.Paths{Times: pathTimes, Values: paths})
	if err != nil {
		return nil, err
	}
	exposures := c.engine.exposures
	keep := make([]int, 0, len(exposures))
	for _, x := range exposures {
		keep = append(keep, x.TargetConditionalExpectation)
	}
	done := logging.LogDuration(ctx, "amc.simulate_path", "trade", c.engine.trade.TradeID(), "times", len(pathTimes))
	values, err := evaluate(m, variates, c.engine.opts, keep)
	done()
	if err != nil {
		return nil, err
	}
	out := make([]randomvar.RandomVariable, len(exposures))
	for i, x := range exposures {
		if x.TargetConditionalExpectation != compgraph.Nan {
			out[i] = values[x.TargetConditionalExpectation]
		}
	}
	return out, nil
}
