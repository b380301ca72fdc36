package xva

import (
	"context"
	"sync"

	"github.com/wyfcoding/quantcore/async"
	"github.com/wyfcoding/quantcore/xerrors"
)

// RunScenarios 并行运行多个场景的引擎, 任一场景失败时返回第一个错误.
func RunScenarios(ctx context.Context, scenarios map[string]*Engine) (map[string]*Report, error) {
	var (
		g   async.RunGroup
		mu  sync.Mutex
		out = make(map[string]*Report, len(scenarios))
	)
	for name, e := range scenarios {
		if e == nil {
			return nil, xerrors.Newf(xerrors.ErrInvalidInput, "scenario %s has no engine", name)
		}
	}
	for name, e := range scenarios {
		g.Go(func() error {
			r, err := e.Run(ctx)
			if err != nil {
				return xerrors.Wrap(err, xerrors.ErrInternal, "scenario "+name)
			}
			mu.Lock()
			out[name] = r
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
