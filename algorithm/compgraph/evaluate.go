package compgraph

import (
	"fmt"

	"github.com/wyfcoding/quantcore/xerrors"
)

// OpFunc 计算一个节点的值, args 依次指向各前驱节点的值.
type OpFunc[T any] func(args []*T) T

// GradFunc 返回节点值对各参数的偏导数, value 为节点自身的值.
type GradFunc[T any] func(args []*T, value *T) []T

// OpRequirement 说明某个运算在求梯度时需要保留哪些参数的值, 以及是否需要节点自身的值.
type OpRequirement func(nArgs int) (args []bool, self bool)

// ForwardOptions 前向求值选项.
type ForwardOptions[T any] struct {
	// Deleter 释放不再需要的节点值, 为 nil 时保留全部值.
	Deleter func(*T)
	// KeepValuesForDerivatives 为 true 时按 Requirements 保留反向求导需要的值.
	KeepValuesForDerivatives bool
	Requirements             []OpRequirement
	// KeepNodes 标记必须保留的节点, 长度可以小于图的大小.
	KeepNodes []bool
}

// Adjoint 描述伴随值上的代数运算.
type Adjoint[T any] struct {
	Add    func(a, b T) T
	Mul    func(a, b T) T
	IsZero func(a T) bool
}

// BackwardOptions 反向求导选项.
type BackwardOptions[T any] struct {
	Deleter   func(*T)
	KeepNodes []bool
}

func kept(keep []bool, id int) bool {
	return id < len(keep) && keep[id]
}

// ForwardEvaluation 按编号升序计算所有带前驱的节点. 输入节点 (常数, 变量, 随机数) 的值需由调用方预先写入 values.
// 某个节点的值在其最后一个使用者计算完毕后释放, 除非它被保留.
// 运算中以 *xerrors.Error 触发的 panic 会被恢复为返回的错误.
func ForwardEvaluation[T any](g *Graph, values []T, ops []OpFunc[T], opts ForwardOptions[T]) error {
	size := g.Size()
	if len(values) < size {
		return xerrors.Newf(xerrors.ErrDimMismatch, "values size (%d) must cover graph size (%d)", len(values), size)
	}

	var keepForDerivatives []bool
	if opts.Deleter != nil && opts.KeepValuesForDerivatives {
		keepForDerivatives = make([]bool, size)
		for id := 0; id < size; id++ {
			n := g.nodes[id]
			if len(n.preds) == 0 || int(n.op) >= len(opts.Requirements) || opts.Requirements[n.op] == nil {
				continue
			}
			args, self := opts.Requirements[n.op](len(n.preds))
			for i, need := range args {
				if need {
					keepForDerivatives[n.preds[i]] = true
				}
			}
			if self {
				keepForDerivatives[id] = true
			}
		}
	}

	current := 0
	err := Guard(func() error {
		args := make([]*T, 0, 8)
		for ; current < size; current++ {
			n := g.nodes[current]
			if len(n.preds) == 0 {
				continue
			}
			if int(n.op) >= len(ops) || ops[n.op] == nil {
				return xerrors.Newf(xerrors.ErrNotImplemented, "no operation bound for op %s", n.op)
			}
			args = args[:0]
			for _, p := range n.preds {
				args = append(args, &values[p])
			}
			values[current] = ops[n.op](args)

			if opts.Deleter == nil {
				continue
			}
			for _, p := range n.preds {
				// 输入节点的值由调用方持有
				if len(g.nodes[p].preds) == 0 || g.nodes[p].maxNodeRequiringArg > current {
					continue
				}
				if kept(opts.KeepNodes, p) || kept(keepForDerivatives, p) {
					continue
				}
				opts.Deleter(&values[p])
			}
		}
		return nil
	})
	if err != nil && current < size {
		return xerrors.Wrap(err, xerrors.ErrInternal, fmt.Sprintf("forward evaluation failed at node %d (%s)", current, g.nodes[current].op))
	}
	return err
}

// BackwardDerivatives 按编号降序传播伴随值: derivatives[pred] += derivatives[node] * grad_i.
// 调用方需将目标节点的伴随值置为 1, 其余节点置为零值. 伴随值为零的节点直接跳过.
func BackwardDerivatives[T any](g *Graph, values, derivatives []T, grads []GradFunc[T], alg Adjoint[T], opts BackwardOptions[T]) error {
	size := g.Size()
	if len(values) < size || len(derivatives) < size {
		return xerrors.Newf(xerrors.ErrDimMismatch, "values (%d) and derivatives (%d) must cover graph size (%d)", len(values), len(derivatives), size)
	}

	current := size - 1
	err := Guard(func() error {
		args := make([]*T, 0, 8)
		for ; current >= 0; current-- {
			n := g.nodes[current]
			if len(n.preds) == 0 || alg.IsZero(derivatives[current]) {
				continue
			}
			if int(n.op) >= len(grads) || grads[n.op] == nil {
				return xerrors.Newf(xerrors.ErrNotImplemented, "no gradient bound for op %s", n.op)
			}
			args = args[:0]
			for _, p := range n.preds {
				args = append(args, &values[p])
			}
			partials := grads[n.op](args, &values[current])
			for i, p := range n.preds {
				derivatives[p] = alg.Add(derivatives[p], alg.Mul(derivatives[current], partials[i]))
			}
			if opts.Deleter != nil && !kept(opts.KeepNodes, current) {
				opts.Deleter(&derivatives[current])
			}
		}
		return nil
	})
	if err != nil && current >= 0 {
		return xerrors.Wrap(err, xerrors.ErrInternal, fmt.Sprintf("backward derivatives failed at node %d (%s)", current, g.nodes[current].op))
	}
	return err
}
